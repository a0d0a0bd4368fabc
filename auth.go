package gdwatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/mashiike/gcreds4aws"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
	"google.golang.org/api/pubsub/v1"
)

// AuthOption contains configuration for Google API authentication.
//
// When the OAuth client secret file exists, the installed-app flow is used and
// the token is kept in TokenFile. Otherwise Application Default Credentials are
// used through gcreds4aws, which also resolves credentials stored in AWS SSM.
type AuthOption struct {
	CredentialsFile string `name:"credentials" help:"OAuth client secret file (installed app)" default:"credentials.json" env:"GDWATCH_CREDENTIALS_FILE"`
	TokenFile       string `name:"token" help:"OAuth token file" default:"token.json" env:"GDWATCH_TOKEN_FILE"`
}

// Scopes requested from Google.
var Scopes = []string{
	drive.DriveScope,
	pubsub.PubsubScope,
}

const (
	tokenFilePerms = 0o600
	tokenDirPerms  = 0o700
)

// Authorizer runs the OAuth installed-app flow and keeps the token file current.
type Authorizer struct {
	config    *oauth2.Config
	projectID string
	tokenFile string
	prompter  *Prompter
	out       io.Writer
}

// NewAuthorizer parses an OAuth client secret (the JSON downloaded from the
// Google Cloud console).
func NewAuthorizer(credentialsJSON []byte, tokenFile string, prompter *Prompter, out io.Writer) (*Authorizer, error) {
	cfg, err := google.ConfigFromJSON(credentialsJSON, Scopes...)
	if err != nil {
		return nil, fmt.Errorf("parse client secret: %w", err)
	}
	return &Authorizer{
		config:    cfg,
		projectID: projectIDFromClientSecret(credentialsJSON),
		tokenFile: tokenFile,
		prompter:  prompter,
		out:       out,
	}, nil
}

func projectIDFromClientSecret(bs []byte) string {
	var secret struct {
		Installed *struct {
			ProjectID string `json:"project_id"`
		} `json:"installed"`
		Web *struct {
			ProjectID string `json:"project_id"`
		} `json:"web"`
		ProjectID string `json:"projectId"`
	}
	if err := json.Unmarshal(bs, &secret); err != nil {
		return ""
	}
	switch {
	case secret.Installed != nil && secret.Installed.ProjectID != "":
		return secret.Installed.ProjectID
	case secret.Web != nil && secret.Web.ProjectID != "":
		return secret.Web.ProjectID
	default:
		return secret.ProjectID
	}
}

// ProjectID returns the project of the OAuth client, if present in the secret.
func (a *Authorizer) ProjectID() string {
	return a.projectID
}

// TokenSource returns a token source backed by the token file, running the
// consent flow first when no token was saved yet.
func (a *Authorizer) TokenSource(ctx context.Context) (oauth2.TokenSource, error) {
	tok, err := LoadToken(a.tokenFile)
	if err != nil {
		return nil, err
	}
	if tok == nil {
		tok, err = a.Login(ctx)
		if err != nil {
			return nil, err
		}
	}
	return &persistingTokenSource{
		base: a.config.TokenSource(context.WithoutCancel(ctx), tok),
		path: a.tokenFile,
		last: tok,
	}, nil
}

// Login asks the operator to visit the consent page and paste the code back.
func (a *Authorizer) Login(ctx context.Context) (*oauth2.Token, error) {
	state, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("generate state: %w", err)
	}
	authURL := a.config.AuthCodeURL(state.String(), oauth2.AccessTypeOffline)
	fmt.Fprintln(a.out, "Authorize this app by visiting this url:", authURL)
	code, err := a.prompter.Ask(ctx, "Enter the code from that page here: ")
	if err != nil {
		return nil, fmt.Errorf("read authorization code: %w", err)
	}
	if code == "" {
		return nil, errors.New("authorization code is empty")
	}
	tok, err := a.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}
	if err := SaveToken(a.tokenFile, tok); err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "token saved", "token_file", a.tokenFile, "expiry", tok.Expiry)
	return tok, nil
}

// persistingTokenSource writes refreshed tokens back to the token file.
type persistingTokenSource struct {
	mu   sync.Mutex
	base oauth2.TokenSource
	path string
	last *oauth2.Token
}

func (s *persistingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil || s.last.AccessToken != tok.AccessToken {
		if err := SaveToken(s.path, tok); err != nil {
			slog.Warn("failed to persist refreshed token", "token_file", s.path, "error", err)
		}
		s.last = tok
	}
	return tok, nil
}

// LoadToken reads a saved token. It returns (nil, nil) if the file does not exist.
func LoadToken(path string) (*oauth2.Token, error) {
	bs, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read token file %s: %w", path, err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(bs, &tok); err != nil {
		return nil, fmt.Errorf("decode token file %s: %w", path, err)
	}
	if tok.AccessToken == "" && tok.RefreshToken == "" {
		return nil, fmt.Errorf("token file %s has no token (re-login required)", path)
	}
	return &tok, nil
}

// SaveToken writes the token atomically with owner-only permissions.
func SaveToken(path string, tok *oauth2.Token) error {
	bs, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, tokenDirPerms); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".token-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()
	if err := os.Chmod(tmpPath, tokenFilePerms); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod token file: %w", err)
	}
	if _, err := tmp.Write(bs); err != nil {
		tmp.Close()
		return fmt.Errorf("write token file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync token file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close token file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename token file: %w", err)
	}
	success = true
	return nil
}

// GoogleClientOptions resolves the client options shared by the Drive and Pub/Sub services.
// The returned project id is empty when it cannot be derived from the credentials.
func (o AuthOption) GoogleClientOptions(ctx context.Context, prompter *Prompter, out io.Writer) ([]option.ClientOption, string, error) {
	bs, err := os.ReadFile(o.CredentialsFile)
	if errors.Is(err, fs.ErrNotExist) {
		slog.DebugContext(ctx, "OAuth client secret not found, use application default credentials", "credentials_file", o.CredentialsFile)
		return []option.ClientOption{
			gcreds4aws.WithCredentials(ctx),
			option.WithScopes(Scopes...),
		}, strings.TrimSpace(os.Getenv("GOOGLE_CLOUD_PROJECT")), nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("read client secret %s: %w", o.CredentialsFile, err)
	}
	authorizer, err := NewAuthorizer(bs, o.TokenFile, prompter, out)
	if err != nil {
		return nil, "", err
	}
	ts, err := authorizer.TokenSource(ctx)
	if err != nil {
		return nil, "", err
	}
	return []option.ClientOption{option.WithTokenSource(ts)}, authorizer.ProjectID(), nil
}
