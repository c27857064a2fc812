package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	authModeAPIKey           = "api_key"
	authModeOAuthAccessToken = "oauth_access_token"
	authModeOAuthTokenFile   = "oauth_token_file"
)

// TokenSource resolves bearer material at request time so rotated token
// files are picked up without a restart.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Source() string
}

type staticTokenSource struct {
	token  string
	source string
}

func NewStaticTokenSource(token, source string) TokenSource {
	return &staticTokenSource{token: strings.TrimSpace(token), source: strings.TrimSpace(source)}
}

func (s *staticTokenSource) Token(context.Context) (string, error) {
	if err := checkTokenValue(s.token, s.Source()); err != nil {
		return "", err
	}
	return s.token, nil
}

func (s *staticTokenSource) Source() string {
	if s.source != "" {
		return s.source
	}
	return "static"
}

type fileTokenSource struct {
	path string
}

// NewFileTokenSource reads a token from path on every call. The file may
// hold the raw token or a JSON document with an access_token field, either
// at the top level or under "tokens".
func NewFileTokenSource(path string) TokenSource {
	return &fileTokenSource{path: strings.TrimSpace(path)}
}

func (s *fileTokenSource) Token(context.Context) (string, error) {
	resolved := expandHome(s.path)
	if resolved == "" {
		return "", fmt.Errorf("token file path is empty")
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", fmt.Errorf("read token file %s: %w", resolved, err)
	}
	raw := strings.TrimSpace(string(data))
	if raw == "" {
		return "", fmt.Errorf("token file %s is empty", resolved)
	}
	if strings.HasPrefix(raw, "{") {
		tok, err := accessTokenFromJSON([]byte(raw))
		if err != nil {
			return "", fmt.Errorf("token file %s: %w", resolved, err)
		}
		raw = tok
	}
	if err := checkTokenValue(raw, resolved); err != nil {
		return "", err
	}
	return raw, nil
}

func (s *fileTokenSource) Source() string {
	if resolved := expandHome(s.path); resolved != "" {
		return resolved
	}
	return "token_file"
}

func accessTokenFromJSON(data []byte) (string, error) {
	var doc struct {
		AccessToken string `json:"access_token"`
		Tokens      struct {
			AccessToken string `json:"access_token"`
		} `json:"tokens"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return "", fmt.Errorf("parse json: %w", err)
	}
	if tok := strings.TrimSpace(doc.AccessToken); tok != "" {
		return tok, nil
	}
	if tok := strings.TrimSpace(doc.Tokens.AccessToken); tok != "" {
		return tok, nil
	}
	return "", fmt.Errorf("missing access_token")
}

// checkTokenValue rejects values copied verbatim from sample configs.
func checkTokenValue(tok, source string) error {
	switch {
	case tok == "":
		return fmt.Errorf("token is empty for %s", source)
	case strings.HasPrefix(tok, "<") && strings.HasSuffix(tok, ">"):
		return fmt.Errorf("token for %s looks like a placeholder (%s)", source, tok)
	case strings.HasPrefix(tok, "${") && strings.HasSuffix(tok, "}"):
		return fmt.Errorf("token for %s is an unexpanded env reference (%s)", source, tok)
	}
	return nil
}

// AuthStrategy applies request auth for provider HTTP calls.
type AuthStrategy interface {
	Mode() string
	Apply(ctx context.Context, req *http.Request) error
}

type bearerAuth struct {
	mode   string
	source TokenSource
}

func NewBearerAuth(mode string, source TokenSource) AuthStrategy {
	return &bearerAuth{mode: mode, source: source}
}

func (a *bearerAuth) Mode() string { return a.mode }

func (a *bearerAuth) Apply(ctx context.Context, req *http.Request) error {
	if a.source == nil {
		return fmt.Errorf("auth token source is nil")
	}
	tok, err := a.source.Token(ctx)
	if err != nil {
		return fmt.Errorf("resolve auth token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	return nil
}

// credential is one configured way of authenticating against a provider.
type credential struct {
	mode  string
	value string
	field string
}

// pickCredential requires exactly one configured credential.
func pickCredential(label string, candidates []credential) (credential, error) {
	var set []credential
	for _, c := range candidates {
		if strings.TrimSpace(c.value) != "" {
			set = append(set, c)
		}
	}
	switch len(set) {
	case 1:
		set[0].value = strings.TrimSpace(set[0].value)
		return set[0], nil
	case 0:
		fields := make([]string, 0, len(candidates))
		for _, c := range candidates {
			fields = append(fields, c.field)
		}
		return credential{}, fmt.Errorf("%s credentials are required (set one of %s)", label, strings.Join(fields, ", "))
	default:
		fields := make([]string, 0, len(set))
		for _, c := range set {
			fields = append(fields, c.field)
		}
		sort.Strings(fields)
		return credential{}, fmt.Errorf("multiple %s credential sources configured (%s); set exactly one", label, strings.Join(fields, ", "))
	}
}

func (c credential) authStrategy() AuthStrategy {
	if c.mode == authModeOAuthTokenFile {
		return NewBearerAuth(c.mode, NewFileTokenSource(c.value))
	}
	return NewBearerAuth(c.mode, NewStaticTokenSource(c.value, c.field))
}

func (c credential) validate(label string) error {
	if c.mode != authModeOAuthTokenFile {
		return nil
	}
	resolved := expandHome(c.value)
	if _, err := os.Stat(resolved); err != nil {
		return fmt.Errorf("%s OAuth token file not accessible at %s: %w", label, resolved, err)
	}
	return nil
}

func expandHome(path string) string {
	path = strings.TrimSpace(path)
	if path == "" || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}
