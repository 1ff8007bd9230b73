// internal/browser/authurl.go
package browser

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/xkilldash9x/pricewatch/internal/config"
)

// BuildAuthorizeURL assembles the identity provider authorization request the
// browser is launched into. nonce must be fresh for every launch.
func BuildAuthorizeURL(id config.IdentityConfig, nonce string) (string, error) {
	u, err := url.Parse(id.AuthorizeURL)
	if err != nil {
		return "", fmt.Errorf("invalid authorize url %q: %w", id.AuthorizeURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid authorize url %q: scheme and host are required", id.AuthorizeURL)
	}
	if nonce == "" {
		return "", fmt.Errorf("authorize url: nonce must not be empty")
	}

	q := u.Query()
	q.Set("client_id", id.ClientID)
	q.Set("response_type", id.ResponseType)
	q.Set("scope", strings.Join(id.Scopes, " "))
	q.Set("redirect_uri", id.RedirectURI)
	q.Set("response_mode", id.ResponseMode)
	q.Set("nonce", nonce)
	q.Set("ui_locales", id.UILocale)
	q.Set("acr_values", fmt.Sprintf("country:%s registrationSource:%s", id.Country, id.Source))
	u.RawQuery = q.Encode()
	return u.String(), nil
}
