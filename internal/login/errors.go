// internal/login/errors.go
package login

import "errors"

var (
	// ErrLoginFormNotFound means the expected form fields never became visible.
	ErrLoginFormNotFound = errors.New("login form not found")
	// ErrUnexpectedLoginState means the page ended up neither on the site nor
	// on the verification surface.
	ErrUnexpectedLoginState = errors.New("unexpected login state")
	// ErrVerificationCodeRejected is recoverable; the session stays in
	// VerificationRequired and a new code may be submitted.
	ErrVerificationCodeRejected = errors.New("verification code rejected")
	// ErrNoPendingVerification means there is no retained verification page.
	ErrNoPendingVerification = errors.New("no pending verification")
)

// MsgInvalidCode is stored on the session when a code is rejected.
const MsgInvalidCode = "Invalid code, try again"
