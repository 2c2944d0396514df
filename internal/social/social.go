// Package social delegates login to GitHub and Google through OAuth2 with
// PKCE and maps the provider's verified e-mail to a local account.
package social

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"github.com/cusdeb/cusdeb-api/config"
	"github.com/cusdeb/cusdeb-api/internal/apperr"
	"github.com/cusdeb/cusdeb-api/internal/auth"
	"github.com/cusdeb/cusdeb-api/internal/database"
)

const (
	CookieName   = "cusdeb_oauth"
	CookieMaxAge = 10 * time.Minute

	msgBadState = "Login session expired or was tampered with"
	msgBadCode  = "Could not complete login with the provider"
	msgNoEmail  = "The provider did not return a verified e-mail address"
)

// Identity is what a provider tells us about the user.
type Identity struct {
	Email    string
	Username string
}

type Provider struct {
	Name  string
	OAuth *oauth2.Config
	// Fetch reads the identity using a client authorized with the user's token.
	Fetch func(ctx context.Context, client *http.Client) (*Identity, error)
}

type Accounts interface {
	FindOrCreateSocial(ctx context.Context, email, username string) (*database.User, error)
}

type Tokens interface {
	IssuePair(userID uint) (*auth.TokenPair, error)
	EncryptCookie(value []byte) (string, error)
	DecryptCookie(value string) ([]byte, error)
}

type Service struct {
	providers map[string]*Provider
	accounts  Accounts
	tokens    Tokens
	now       func() time.Time
}

// New enables every provider that has a client id configured.
func New(cfg *config.Config, accounts Accounts, tokens Tokens) *Service {
	s := &Service{
		providers: map[string]*Provider{},
		accounts:  accounts,
		tokens:    tokens,
		now:       time.Now,
	}
	if cfg.GitHubClientID != "" {
		s.Register(&Provider{
			Name: "github",
			OAuth: &oauth2.Config{
				ClientID:     cfg.GitHubClientID,
				ClientSecret: cfg.GitHubClientSecret,
				RedirectURL:  callbackURL(cfg, "github"),
				Endpoint:     endpoints.GitHub,
				Scopes:       []string{"read:user", "user:email"},
			},
			Fetch: GitHubIdentity("https://api.github.com"),
		})
	}
	if cfg.GoogleClientID != "" {
		s.Register(&Provider{
			Name: "google",
			OAuth: &oauth2.Config{
				ClientID:     cfg.GoogleClientID,
				ClientSecret: cfg.GoogleClientSecret,
				RedirectURL:  callbackURL(cfg, "google"),
				Endpoint:     endpoints.Google,
				Scopes:       []string{"openid", "email", "profile"},
			},
			Fetch: GoogleIdentity("https://openidconnect.googleapis.com/v1/userinfo"),
		})
	}
	return s
}

func callbackURL(cfg *config.Config, provider string) string {
	return fmt.Sprintf("%s/api/v1/social/%s/callback", strings.TrimRight(cfg.APIURL, "/"), provider)
}

func (s *Service) Register(p *Provider) {
	s.providers[p.Name] = p
	slog.Info("Social login provider enabled", "provider", p.Name)
}

func (s *Service) Providers() []string {
	names := make([]string, 0, len(s.providers))
	for name := range s.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type flowState struct {
	Provider string    `json:"provider"`
	State    string    `json:"state"`
	Verifier string    `json:"verifier"`
	Expires  time.Time `json:"expires"`
}

// Begin returns the provider's authorization URL and the sealed cookie value
// holding the PKCE verifier and state for the callback.
func (s *Service) Begin(provider string) (authURL, cookie string, err error) {
	p, err := s.provider(provider)
	if err != nil {
		return "", "", err
	}

	state, err := auth.RandomKey()
	if err != nil {
		return "", "", err
	}
	flow := flowState{
		Provider: p.Name,
		State:    state,
		Verifier: oauth2.GenerateVerifier(),
		Expires:  s.now().Add(CookieMaxAge),
	}
	payload, err := json.Marshal(flow)
	if err != nil {
		return "", "", err
	}
	if cookie, err = s.tokens.EncryptCookie(payload); err != nil {
		return "", "", fmt.Errorf("seal login cookie: %w", err)
	}

	authURL = p.OAuth.AuthCodeURL(state, oauth2.S256ChallengeOption(flow.Verifier))
	return authURL, cookie, nil
}

// Complete checks the callback against the sealed cookie, exchanges the code
// and returns a token pair for the matching local account.
func (s *Service) Complete(ctx context.Context, provider, cookie, state, code string) (*auth.TokenPair, error) {
	p, err := s.provider(provider)
	if err != nil {
		return nil, err
	}

	flow, err := s.openCookie(cookie)
	if err != nil || flow.Provider != p.Name || flow.State != state || state == "" {
		return nil, apperr.Invalid("state", msgBadState)
	}
	if code == "" {
		return nil, apperr.Invalid("code", msgBadCode)
	}

	token, err := p.OAuth.Exchange(ctx, code, oauth2.VerifierOption(flow.Verifier))
	if err != nil {
		slog.Warn("OAuth2 code exchange failed", "provider", p.Name, "error", err)
		return nil, apperr.Invalid("code", msgBadCode)
	}

	identity, err := p.Fetch(ctx, p.OAuth.Client(ctx, token))
	if err != nil {
		return nil, fmt.Errorf("fetch %s identity: %w", p.Name, err)
	}
	if identity.Email == "" {
		return nil, apperr.Invalid("email", msgNoEmail)
	}

	user, err := s.accounts.FindOrCreateSocial(ctx, identity.Email, identity.Username)
	if err != nil {
		return nil, err
	}
	slog.Info("Social login", "provider", p.Name, "userID", user.ID)
	return s.tokens.IssuePair(user.ID)
}

func (s *Service) provider(name string) (*Provider, error) {
	p, ok := s.providers[name]
	if !ok {
		return nil, fmt.Errorf("social provider %q: %w", name, apperr.ErrNotFound)
	}
	return p, nil
}

func (s *Service) openCookie(cookie string) (*flowState, error) {
	plain, err := s.tokens.DecryptCookie(cookie)
	if err != nil {
		return nil, err
	}
	var flow flowState
	if err := json.Unmarshal(plain, &flow); err != nil {
		return nil, err
	}
	if s.now().After(flow.Expires) {
		return nil, fmt.Errorf("login cookie expired")
	}
	return &flow, nil
}

// GitHubIdentity reads the login and the primary verified e-mail from the
// GitHub REST API rooted at apiBase.
func GitHubIdentity(apiBase string) func(context.Context, *http.Client) (*Identity, error) {
	return func(ctx context.Context, client *http.Client) (*Identity, error) {
		var user struct {
			Login string `json:"login"`
			Email string `json:"email"`
		}
		if err := getJSON(ctx, client, apiBase+"/user", &user); err != nil {
			return nil, err
		}
		identity := &Identity{Username: user.Login, Email: user.Email}
		if identity.Email != "" {
			return identity, nil
		}

		var emails []struct {
			Email    string `json:"email"`
			Primary  bool   `json:"primary"`
			Verified bool   `json:"verified"`
		}
		if err := getJSON(ctx, client, apiBase+"/user/emails", &emails); err != nil {
			return nil, err
		}
		for _, e := range emails {
			if e.Primary && e.Verified {
				identity.Email = e.Email
				break
			}
		}
		return identity, nil
	}
}

// GoogleIdentity reads the OpenID Connect userinfo document.
func GoogleIdentity(userInfoURL string) func(context.Context, *http.Client) (*Identity, error) {
	return func(ctx context.Context, client *http.Client) (*Identity, error) {
		var info struct {
			Email         string `json:"email"`
			EmailVerified bool   `json:"email_verified"`
		}
		if err := getJSON(ctx, client, userInfoURL, &info); err != nil {
			return nil, err
		}
		if !info.EmailVerified {
			return &Identity{}, nil
		}
		return &Identity{Email: info.Email, Username: strings.SplitN(info.Email, "@", 2)[0]}, nil
	}
}

func getJSON(ctx context.Context, client *http.Client, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
