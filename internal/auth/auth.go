// Package auth provides Google OAuth2 authentication for smail.
//
// The web dashboard uses Provider and per-session Credentials. The CLI reads
// the same credentials.json and token.json files used by the Python
// google-auth library, so existing tokens work without re-authentication.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmail "google.golang.org/api/gmail/v1"

	"github.com/daviddao/smail/internal/types"
)

// DefaultScopes lets smail read, trash, label and send mail.
var DefaultScopes = []string{
	"https://www.googleapis.com/auth/gmail.modify",
}

// pythonToken represents the token.json format written by Python's google-auth library.
type pythonToken struct {
	Token        string   `json:"token"`
	RefreshToken string   `json:"refresh_token"`
	TokenURI     string   `json:"token_uri"`
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	Scopes       []string `json:"scopes"`
	Expiry       string   `json:"expiry"`
}

// DiscoverAccounts finds accounts by scanning for */credentials.json
// directories in root. Returns email addresses (directory names).
func DiscoverAccounts(root string) []string {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil
	}

	var accounts []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.Contains(name, "@") {
			continue
		}
		if _, err := os.Stat(filepath.Join(root, name, "credentials.json")); err == nil {
			accounts = append(accounts, name)
		}
	}

	sort.Strings(accounts)
	return accounts
}

// LoadGmailService returns an authenticated Gmail API service for the given account.
// credentialsPath should point to the credentials.json file (e.g., "account@example.com/credentials.json").
func LoadGmailService(ctx context.Context, credentialsPath string, logger *zap.Logger) (*gmail.Service, error) {
	creds, err := FileCredentials(ctx, credentialsPath, logger)
	if err != nil {
		return nil, err
	}
	return Service(ctx, creds)
}

// FileCredentials returns the token source for an account directory. It
// loads the OAuth config from credentials.json and the token from token.json.
// Refreshed tokens are written back to token.json.
func FileCredentials(ctx context.Context, credentialsPath string, logger *zap.Logger) (*Credentials, error) {
	config, err := loadOAuthConfig(credentialsPath)
	if err != nil {
		return nil, err
	}

	tokenPath := filepath.Join(filepath.Dir(credentialsPath), "token.json")
	token, err := loadPythonToken(tokenPath)
	if err != nil {
		return nil, fmt.Errorf("load token from %s: %w", tokenPath, err)
	}

	sess := &types.Session{
		ID:           tokenPath,
		Account:      filepath.Base(filepath.Dir(credentialsPath)),
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
		Expiry:       token.Expiry,
	}
	store := &tokenFile{config: config, refreshToken: token.RefreshToken}
	return NewProviderFromConfig(config).Credentials(ctx, sess, store, logger), nil
}

// tokenFile is the TokenStore of the CLI. The session ID is the token path.
type tokenFile struct {
	mu           sync.Mutex
	config       *oauth2.Config
	refreshToken string
}

func (f *tokenFile) UpdateSessionToken(ctx context.Context, path, accessToken, refreshToken, tokenType string, expiry time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if refreshToken != "" {
		f.refreshToken = refreshToken
	}
	return savePythonToken(path, &oauth2.Token{
		AccessToken:  accessToken,
		RefreshToken: f.refreshToken,
		TokenType:    tokenType,
		Expiry:       expiry,
	}, f.config)
}

// loadOAuthConfig reads credentials.json and returns an OAuth2 config.
func loadOAuthConfig(credentialsPath string) (*oauth2.Config, error) {
	data, err := os.ReadFile(credentialsPath)
	if err != nil {
		return nil, fmt.Errorf("read credentials from %s: %w", credentialsPath, err)
	}

	config, err := google.ConfigFromJSON(data, DefaultScopes...)
	if err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}

	return config, nil
}

// loadPythonToken reads a token.json file in Python google-auth format
// and converts it to a Go oauth2.Token.
func loadPythonToken(tokenPath string) (*oauth2.Token, error) {
	data, err := os.ReadFile(tokenPath)
	if err != nil {
		return nil, fmt.Errorf("read token: %w", err)
	}

	var pt pythonToken
	if err := json.Unmarshal(data, &pt); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	// Python writes ISO 8601 with microseconds.
	var expiry time.Time
	if pt.Expiry != "" {
		for _, layout := range []string{
			"2006-01-02T15:04:05.999999Z",
			"2006-01-02T15:04:05Z",
			time.RFC3339,
			time.RFC3339Nano,
		} {
			if t, err := time.Parse(layout, pt.Expiry); err == nil {
				expiry = t
				break
			}
		}
	}

	return &oauth2.Token{
		AccessToken:  pt.Token,
		RefreshToken: pt.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       expiry,
	}, nil
}

// savePythonToken writes a token back in the Python google-auth format
// so the Python scripts can still use it.
func savePythonToken(tokenPath string, token *oauth2.Token, config *oauth2.Config) error {
	pt := pythonToken{
		Token:        token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenURI:     config.Endpoint.TokenURL,
		ClientID:     config.ClientID,
		ClientSecret: config.ClientSecret,
		Scopes:       DefaultScopes,
		Expiry:       token.Expiry.UTC().Format("2006-01-02T15:04:05.999999Z"),
	}

	data, err := json.MarshalIndent(pt, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(tokenPath, data, 0o600)
}
