package auth

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/daviddao/smail/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

// Provider runs the web OAuth flow against a client secret file downloaded
// from the Google Cloud console.
type Provider struct {
	config *oauth2.Config
}

// NewProvider reads the client secret file and prepares the flow.
func NewProvider(clientSecretFile, redirectURL string, scopes []string) (*Provider, error) {
	data, err := os.ReadFile(clientSecretFile)
	if err != nil {
		return nil, fmt.Errorf("read client secret from %s: %w", clientSecretFile, err)
	}
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}
	config, err := google.ConfigFromJSON(data, scopes...)
	if err != nil {
		return nil, fmt.Errorf("parse client secret: %w", err)
	}
	if redirectURL != "" {
		config.RedirectURL = redirectURL
	}
	return &Provider{config: config}, nil
}

// NewProviderFromConfig wraps an existing OAuth2 config.
func NewProviderFromConfig(config *oauth2.Config) *Provider {
	return &Provider{config: config}
}

// NewState returns a random value for the OAuth state parameter.
func NewState() string {
	return uuid.NewString()
}

// AuthCodeURL returns the consent page URL. Offline access with forced
// consent makes Google issue a refresh token every time.
func (p *Provider) AuthCodeURL(state string) string {
	return p.config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange trades an authorization code for a token.
func (p *Provider) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	tok, err := p.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}
	return tok, nil
}

// TokenStore persists refreshed tokens for a session.
type TokenStore interface {
	UpdateSessionToken(ctx context.Context, id, accessToken, refreshToken, tokenType string, expiry time.Time) error
}

// Credentials is the token source of one signed-in session. It refreshes the
// access token when it expires and writes the new token back to the store.
type Credentials struct {
	mu      sync.Mutex
	ctx     context.Context
	session types.Session
	src     oauth2.TokenSource
	store   TokenStore
	logger  *zap.Logger
}

// Credentials returns the token source for sess. ctx is used for token
// refresh requests and should outlive single HTTP requests.
func (p *Provider) Credentials(ctx context.Context, sess *types.Session, store TokenStore, logger *zap.Logger) *Credentials {
	tok := SessionToken(sess)
	return &Credentials{
		ctx:     ctx,
		session: *sess,
		src:     p.config.TokenSource(ctx, tok),
		store:   store,
		logger:  logger,
	}
}

// SessionToken converts the stored token fields of sess.
func SessionToken(sess *types.Session) *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  sess.AccessToken,
		RefreshToken: sess.RefreshToken,
		TokenType:    sess.TokenType,
		Expiry:       sess.Expiry,
	}
}

// Token implements oauth2.TokenSource.
func (c *Credentials) Token() (*oauth2.Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tok, err := c.src.Token()
	if err != nil {
		return nil, err
	}
	if tok.AccessToken == c.session.AccessToken {
		return tok, nil
	}

	c.session.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		c.session.RefreshToken = tok.RefreshToken
	}
	c.session.TokenType = tok.TokenType
	c.session.Expiry = tok.Expiry

	if err := c.store.UpdateSessionToken(c.ctx, c.session.ID, tok.AccessToken, tok.RefreshToken, tok.TokenType, tok.Expiry); err != nil {
		// The new token is still good for this process.
		c.logger.Warn("could not persist refreshed token",
			zap.String("account", c.session.Account),
			zap.Error(err))
	} else {
		c.logger.Debug("refreshed access token", zap.String("account", c.session.Account))
	}
	return tok, nil
}

// Session returns a copy of the session with the latest token.
func (c *Credentials) Session() types.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Service returns a Gmail API service authorized by ts.
func Service(ctx context.Context, ts oauth2.TokenSource, opts ...option.ClientOption) (*gmail.Service, error) {
	opts = append([]option.ClientOption{option.WithTokenSource(ts)}, opts...)
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}
	return svc, nil
}
