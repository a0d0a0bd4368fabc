package gdwatch

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func newTestTokenServer(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.Form.Get("code") != "code-123" {
			http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"access-1","token_type":"Bearer","refresh_token":"refresh-1","expires_in":3600}`)
	}))
	t.Cleanup(server.Close)
	return server
}

func testClientSecret(tokenURL string) []byte {
	return []byte(fmt.Sprintf(`{
  "installed": {
    "client_id": "client-id.apps.googleusercontent.com",
    "project_id": "my-project",
    "auth_uri": "https://accounts.google.com/o/oauth2/auth",
    "token_uri": %q,
    "client_secret": "secret",
    "redirect_uris": ["http://localhost"]
  }
}`, tokenURL))
}

func TestAuthorizerLogin(t *testing.T) {
	server := newTestTokenServer(t)
	tokenFile := filepath.Join(t.TempDir(), "nested", "token.json")
	var out bytes.Buffer
	prompter := NewPrompter(strings.NewReader("code-123\n"), &out)
	a, err := NewAuthorizer(testClientSecret(server.URL), tokenFile, prompter, &out)
	require.NoError(t, err)
	require.Equal(t, "my-project", a.ProjectID())

	ts, err := a.TokenSource(context.Background())
	require.NoError(t, err)
	require.Contains(t, out.String(), "Authorize this app by visiting this url: https://accounts.google.com/o/oauth2/auth?")
	require.Contains(t, out.String(), "access_type=offline")
	require.Contains(t, out.String(), "Enter the code from that page here: ")

	tok, err := ts.Token()
	require.NoError(t, err)
	require.Equal(t, "access-1", tok.AccessToken)

	info, err := os.Stat(tokenFile)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	saved, err := LoadToken(tokenFile)
	require.NoError(t, err)
	require.Equal(t, "refresh-1", saved.RefreshToken)

	// a saved token skips the consent flow
	out.Reset()
	a, err = NewAuthorizer(testClientSecret(server.URL), tokenFile, NewPrompter(strings.NewReader(""), &out), &out)
	require.NoError(t, err)
	_, err = a.TokenSource(context.Background())
	require.NoError(t, err)
	require.Empty(t, out.String())
}

func TestAuthorizerLoginFailure(t *testing.T) {
	server := newTestTokenServer(t)
	tokenFile := filepath.Join(t.TempDir(), "token.json")
	cases := map[string]string{
		"empty code":   "\n",
		"invalid code": "wrong\n",
		"no input":     "",
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			var out bytes.Buffer
			a, err := NewAuthorizer(testClientSecret(server.URL), tokenFile, NewPrompter(strings.NewReader(input), &out), &out)
			require.NoError(t, err)
			_, err = a.Login(context.Background())
			require.Error(t, err)
			_, err = os.Stat(tokenFile)
			require.True(t, os.IsNotExist(err))
		})
	}
}

func TestTokenFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "token.json")

	tok, err := LoadToken(path)
	require.NoError(t, err)
	require.Nil(t, tok, "absent token file")

	expiry := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, SaveToken(path, &oauth2.Token{AccessToken: "a", RefreshToken: "r", TokenType: "Bearer", Expiry: expiry}))
	tok, err = LoadToken(path)
	require.NoError(t, err)
	require.Equal(t, "a", tok.AccessToken)
	require.Equal(t, "r", tok.RefreshToken)
	require.True(t, expiry.Equal(tok.Expiry))

	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0600))
	_, err = LoadToken(path)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`not json`), 0600))
	_, err = LoadToken(path)
	require.Error(t, err)
}

type countingTokenSource struct {
	tokens []*oauth2.Token
}

func (s *countingTokenSource) Token() (*oauth2.Token, error) {
	tok := s.tokens[0]
	if len(s.tokens) > 1 {
		s.tokens = s.tokens[1:]
	}
	return tok, nil
}

func TestPersistingTokenSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	first := &oauth2.Token{AccessToken: "a1", RefreshToken: "r"}
	ts := &persistingTokenSource{
		base: &countingTokenSource{tokens: []*oauth2.Token{first, {AccessToken: "a2", RefreshToken: "r"}}},
		path: path,
		last: first,
	}
	_, err := ts.Token()
	require.NoError(t, err)
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err), "unchanged token is not written")

	tok, err := ts.Token()
	require.NoError(t, err)
	require.Equal(t, "a2", tok.AccessToken)
	saved, err := LoadToken(path)
	require.NoError(t, err)
	require.Equal(t, "a2", saved.AccessToken)
}

func TestProjectIDFromClientSecret(t *testing.T) {
	require.Equal(t, "p1", projectIDFromClientSecret([]byte(`{"installed":{"project_id":"p1"}}`)))
	require.Equal(t, "p2", projectIDFromClientSecret([]byte(`{"web":{"project_id":"p2"}}`)))
	require.Equal(t, "p3", projectIDFromClientSecret([]byte(`{"projectId":"p3"}`)))
	require.Equal(t, "", projectIDFromClientSecret([]byte(`not json`)))
}

func TestGoogleClientOptionsWithClientSecret(t *testing.T) {
	dir := t.TempDir()
	opt := AuthOption{
		CredentialsFile: filepath.Join(dir, "credentials.json"),
		TokenFile:       filepath.Join(dir, "token.json"),
	}
	require.NoError(t, os.WriteFile(opt.CredentialsFile, testClientSecret("http://127.0.0.1:1/token"), 0600))
	require.NoError(t, SaveToken(opt.TokenFile, &oauth2.Token{
		AccessToken:  "a",
		RefreshToken: "r",
		Expiry:       time.Now().Add(time.Hour),
	}))
	var out bytes.Buffer
	opts, projectID, err := opt.GoogleClientOptions(context.Background(), NewPrompter(strings.NewReader(""), &out), &out)
	require.NoError(t, err)
	require.Len(t, opts, 1)
	require.Equal(t, "my-project", projectID)
	require.Empty(t, out.String())
}
