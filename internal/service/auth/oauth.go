package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/scopehq/scope-client/internal/transport/rest"
)

// GoogleOAuth wraps the Google authorization-code flow used by the
// "Sign in with Google" option.
type GoogleOAuth struct {
	cfg *oauth2.Config
}

func NewGoogleOAuth(clientID, clientSecret, redirectURL string) *GoogleOAuth {
	return &GoogleOAuth{
		cfg: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes: []string{
				"https://www.googleapis.com/auth/userinfo.email",
				"https://www.googleapis.com/auth/userinfo.profile",
			},
			Endpoint: google.Endpoint,
		},
	}
}

// LoginURL returns the consent page URL to open in the system browser.
func (g *GoogleOAuth) LoginURL(state string) string {
	return g.cfg.AuthCodeURL(state)
}

// Exchange trades the callback code for a Google token.
func (g *GoogleOAuth) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	token, err := g.cfg.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange oauth code: %w", err)
	}
	return token, nil
}

// GoogleUser is the profile returned by Google's userinfo endpoint.
type GoogleUser struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	VerifiedEmail bool   `json:"verified_email"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
}

// UserInfo fetches the Google profile for a token.
func (g *GoogleOAuth) UserInfo(ctx context.Context, token *oauth2.Token) (*GoogleUser, error) {
	resp, err := g.cfg.Client(ctx, token).Get("https://www.googleapis.com/oauth2/v2/userinfo")
	if err != nil {
		return nil, fmt.Errorf("failed to get user info: %w", err)
	}
	defer resp.Body.Close()

	var user GoogleUser
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, fmt.Errorf("failed to decode user info: %w", err)
	}
	return &user, nil
}

type googleLoginRequest struct {
	AccessToken string `json:"access_token"`
	DeviceID    string `json:"device_id,omitempty"`
}

// LoginWithGoogle completes the Google flow: it exchanges the callback code
// and hands the Google token to the backend, which answers with the usual
// login shape. State transitions match Login exactly, including the
// logout-wins rule.
func (o *Orchestrator) LoginWithGoogle(ctx context.Context, g *GoogleOAuth, code string) error {
	gen, err := o.beginLogin()
	if err != nil {
		return err
	}

	token, err := g.Exchange(ctx, code)
	if err != nil {
		o.failLogin(gen, "google sign-in failed")
		return err
	}

	body := googleLoginRequest{AccessToken: token.AccessToken, DeviceID: o.DeviceID()}
	return o.finishLogin(ctx, gen, o.api.Do(ctx, http.MethodPost, "/api/auth/oauth/google", rest.Options{Body: body}))
}
