package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"qm/internal/config"
	appLog "qm/internal/log"
)

// ErrNoToken is returned when no token has been stored yet.
var ErrNoToken = errors.New("no stored token; run `qm auth` first")

// Credentials is an oauth2.TokenSource backed by a token file. Tokens are
// refreshed when expired and can be force-refreshed after the API rejects
// them. Refreshed tokens are written back to the file.
type Credentials struct {
	mu        sync.Mutex
	conf      *oauth2.Config
	token     *oauth2.Token
	tokenPath string
}

// Load reads OAuth client secrets from credentialsPath and the stored token
// from tokenPath. A missing token file is not an error; Token then returns
// ErrNoToken until Exchange succeeds.
func Load(credentialsPath, tokenPath string, scopes ...string) (*Credentials, error) {
	secret, err := os.ReadFile(credentialsPath)
	if err != nil {
		return nil, fmt.Errorf("read client secrets: %w", err)
	}
	conf, err := google.ConfigFromJSON(secret, scopes...)
	if err != nil {
		return nil, fmt.Errorf("parse client secrets: %w", err)
	}
	return New(conf, tokenPath)
}

// New builds Credentials from an explicit oauth2.Config.
func New(conf *oauth2.Config, tokenPath string) (*Credentials, error) {
	c := &Credentials{conf: conf, tokenPath: tokenPath}

	tok, err := readToken(tokenPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		appLog.Info("no stored oauth token", "path", tokenPath)
	case err != nil:
		return nil, err
	default:
		c.token = tok
	}
	return c, nil
}

// Token implements oauth2.TokenSource.
func (c *Credentials) Token() (*oauth2.Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token == nil {
		return nil, ErrNoToken
	}
	if c.token.Valid() {
		return c.token, nil
	}
	return c.refreshLocked(context.Background(), c.token)
}

// Refresh obtains a new access token even if the current one looks valid.
func (c *Credentials) Refresh(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token == nil {
		return ErrNoToken
	}
	expired := *c.token
	expired.Expiry = time.Now().Add(-time.Minute)
	_, err := c.refreshLocked(ctx, &expired)
	return err
}

func (c *Credentials) refreshLocked(ctx context.Context, old *oauth2.Token) (*oauth2.Token, error) {
	if old.RefreshToken == "" {
		return nil, errors.New("token expired and has no refresh token; run `qm auth` again")
	}
	tok, err := c.conf.TokenSource(ctx, old).Token()
	if err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}
	// Google omits the refresh token on refresh responses.
	if tok.RefreshToken == "" {
		tok.RefreshToken = old.RefreshToken
	}
	c.token = tok
	if err := writeToken(c.tokenPath, tok); err != nil {
		appLog.Error("oauth token save failed", err, "path", c.tokenPath)
	}
	appLog.Info("oauth token refreshed", "expiry", tok.Expiry.Format(time.RFC3339))
	return tok, nil
}

// Client returns an HTTP client that authorizes requests with c. The
// transport asks c for the token on every request, so a forced Refresh is
// seen by the next call. A client stored in ctx under oauth2.HTTPClient
// supplies the base transport.
func (c *Credentials) Client(ctx context.Context) *http.Client {
	base := http.DefaultTransport
	if hc, ok := ctx.Value(oauth2.HTTPClient).(*http.Client); ok && hc != nil && hc.Transport != nil {
		base = hc.Transport
	}
	return &http.Client{Transport: &oauth2.Transport{Source: c, Base: base}}
}

// AuthCodeURL returns the consent page URL for an offline token.
func (c *Credentials) AuthCodeURL(state string) string {
	return c.conf.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange trades an authorization code for a token and stores it.
func (c *Credentials) Exchange(ctx context.Context, code string) error {
	tok, err := c.conf.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("exchange code: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = tok
	return writeToken(c.tokenPath, tok)
}

func readToken(path string) (*oauth2.Token, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("parse token %s: %w", path, err)
	}
	return &tok, nil
}

func writeToken(path string, tok *oauth2.Token) error {
	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return err
	}
	return config.WriteFileAtomic(path, data, ".qm-token-*.tmp")
}
