// internal/session/state.go
package session

import "fmt"

// State is the login state of one account.
type State int

const (
	NotStarted State = iota
	AwaitingChallenge
	FormFilled
	LoggedIn
	VerificationRequired
	Failed
)

// States lists every State in declaration order.
var States = []State{NotStarted, AwaitingChallenge, FormFilled, LoggedIn, VerificationRequired, Failed}

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case AwaitingChallenge:
		return "awaiting_challenge"
	case FormFilled:
		return "form_filled"
	case LoggedIn:
		return "logged_in"
	case VerificationRequired:
		return "verification_required"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText renders the state by name.
func (s State) MarshalText() ([]byte, error) {
	if s < NotStarted || s > Failed {
		return nil, fmt.Errorf("unknown session state %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(text []byte) error {
	for _, st := range States {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", text)
}
