package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"bashobot/internal/httpkit"
)

// maxOAuthResponseBytes bounds how much of a token-endpoint response is read.
const maxOAuthResponseBytes = 1 << 20

// refreshLeeway is how long before expiry a token counts as stale.
const refreshLeeway = 60 * time.Second

// TokenSource yields a bearer token that is valid at the time of the
// call, refreshing behind the scenes when the stored one is stale.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Credentials is the persisted OAuth credential record for one provider.
type Credentials struct {
	AccessToken  string         `json:"access_token"`
	RefreshToken string         `json:"refresh_token"`
	ExpiresAt    time.Time      `json:"expires_at"`
	Extra        map[string]any `json:"extra,omitempty"`
}

// valid reports whether the access token is usable at time now,
// with leeway so a token never expires mid-request.
func (c Credentials) valid(now time.Time) bool {
	return c.AccessToken != "" && now.Add(refreshLeeway).Before(c.ExpiresAt)
}

// CredentialFile stores per-provider credentials in a JSON file keyed
// by provider name, written atomically (temp file + rename).
type CredentialFile struct {
	path string
	mu   sync.Mutex
}

// NewCredentialFile creates a store backed by the given path. The file
// is created on first Save; a missing file just means no credentials.
func NewCredentialFile(path string) *CredentialFile {
	return &CredentialFile{path: path}
}

// Load returns the credentials for a provider, or an error if none exist.
func (f *CredentialFile) Load(provider string) (Credentials, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all, err := f.readAll()
	if err != nil {
		return Credentials{}, err
	}
	creds, ok := all[provider]
	if !ok {
		return Credentials{}, fmt.Errorf("no credentials stored for provider %q", provider)
	}
	return creds, nil
}

// Save replaces the credentials for a provider, preserving other providers.
func (f *CredentialFile) Save(provider string, creds Credentials) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	all, err := f.readAll()
	if err != nil {
		return err
	}
	all[provider] = creds

	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace credentials: %w", err)
	}
	return nil
}

func (f *CredentialFile) readAll() (map[string]Credentials, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return map[string]Credentials{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	all := map[string]Credentials{}
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	return all, nil
}

// RefreshingTokenSource implements TokenSource against a standard OAuth
// refresh_token grant. It holds the current credential in memory,
// refreshes it through the token endpoint when stale, and persists the
// refreshed record so a restart does not force a re-login.
type RefreshingTokenSource struct {
	provider string
	tokenURL string
	clientID string
	store    *CredentialFile
	client   *http.Client
	logger   *slog.Logger

	mu    sync.Mutex
	creds Credentials
	// loaded tracks whether creds was read from the store yet.
	loaded bool
}

// NewRefreshingTokenSource builds a token source for one provider.
func NewRefreshingTokenSource(provider, tokenURL, clientID string, store *CredentialFile, logger *slog.Logger) *RefreshingTokenSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &RefreshingTokenSource{
		provider: provider,
		tokenURL: tokenURL,
		clientID: clientID,
		store:    store,
		client:   httpkit.NewClient(httpkit.WithTimeout(30 * time.Second)),
		logger:   logger.With("component", "oauth", "provider", provider),
	}
}

// Token returns a currently-valid access token, refreshing first if the
// stored one expires within the leeway window. Errors are reportable:
// the caller turns them into a chat failure, never a crash.
func (s *RefreshingTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded {
		creds, err := s.store.Load(s.provider)
		if err != nil {
			return "", err
		}
		s.creds = creds
		s.loaded = true
	}

	if s.creds.valid(time.Now()) {
		return s.creds.AccessToken, nil
	}

	if s.creds.RefreshToken == "" {
		return "", fmt.Errorf("access token expired and no refresh token stored for %q", s.provider)
	}

	s.logger.Debug("refreshing stale access token", "expires_at", s.creds.ExpiresAt)
	refreshed, err := s.refresh(ctx, s.creds.RefreshToken)
	if err != nil {
		return "", fmt.Errorf("refresh token for %q: %w", s.provider, err)
	}

	s.creds = refreshed
	if err := s.store.Save(s.provider, refreshed); err != nil {
		// The in-memory token still works for this call; losing the
		// persisted copy only matters after a restart.
		s.logger.Warn("failed to persist refreshed credentials", "error", err)
	}

	return s.creds.AccessToken, nil
}

// tokenResponse is the wire shape of a token-endpoint reply.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
}

func (s *RefreshingTokenSource) refresh(ctx context.Context, refreshToken string) (Credentials, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	if s.clientID != "" {
		form.Set("client_id", s.clientID)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Credentials{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return Credentials{}, fmt.Errorf("token endpoint: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxOAuthResponseBytes))
	if err != nil {
		return Credentials{}, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Credentials{}, fmt.Errorf("token endpoint status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var tr tokenResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		return Credentials{}, fmt.Errorf("parse token response: %w", err)
	}
	if tr.AccessToken == "" {
		return Credentials{}, fmt.Errorf("token endpoint returned empty access_token")
	}

	creds := Credentials{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second),
	}
	// Some providers rotate the refresh token only occasionally.
	if creds.RefreshToken == "" {
		creds.RefreshToken = refreshToken
	}
	return creds, nil
}
