package main

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/cogni-chat/internal/answer"
	"github.com/ashureev/cogni-chat/internal/api"
	"github.com/ashureev/cogni-chat/internal/chat"
	"github.com/ashureev/cogni-chat/internal/identity"
	"github.com/ashureev/cogni-chat/internal/reconcile"
	"github.com/ashureev/cogni-chat/internal/store"
)

const testSecret = "chatctl-secret"

func startServer(t *testing.T, answerer answer.Answerer) string {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "chatctl.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	r := chi.NewRouter()
	api.NewChatHandler(chat.NewService(repo, answerer), identity.NewJWTVerifier(testSecret), nil, 0).RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv.URL
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())

	cmd := newRootCmd(viper.New())
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestTokenCommand(t *testing.T) {
	out, _, err := execute(t, "token", "--secret", testSecret, "--user", "alice", "--ttl", "1h")
	require.NoError(t, err)

	userID, err := identity.NewJWTVerifier(testSecret).Verify(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "alice", userID)
}

func TestAskListShow(t *testing.T) {
	base := startServer(t, answer.Func(func(_ context.Context, q string) (string, error) {
		return "answer: " + q, nil
	}))
	tok, err := identity.IssueToken(testSecret, "alice", time.Hour)
	require.NoError(t, err)
	common := []string{"--server", base, "--token", tok}

	out, stderr, err := execute(t, append([]string{"ask", "What", "is", "GDPR?"}, common...)...)
	require.NoError(t, err)
	assert.Equal(t, "answer: What is GDPR?\n", out)
	require.True(t, strings.HasPrefix(stderr, "conversation: "), stderr)
	convID := strings.TrimSpace(strings.TrimPrefix(stderr, "conversation: "))

	out, _, err = execute(t, append([]string{"ask", "--conversation", convID, "And CCPA?"}, common...)...)
	require.NoError(t, err)
	assert.Equal(t, "answer: And CCPA?\n", out)

	out, _, err = execute(t, append([]string{"list"}, common...)...)
	require.NoError(t, err)
	assert.Contains(t, out, convID)
	assert.Contains(t, out, "What is GDPR?")

	out, _, err = execute(t, append([]string{"show", convID}, common...)...)
	require.NoError(t, err)
	assert.Equal(t, 4, strings.Count(out, "\n"))
	assert.Contains(t, out, "[user] And CCPA?")
}

func TestAskUpstreamFailurePrintsFallback(t *testing.T) {
	base := startServer(t, answer.Func(func(context.Context, string) (string, error) {
		return "", errors.New("down")
	}))
	tok, err := identity.IssueToken(testSecret, "alice", time.Hour)
	require.NoError(t, err)

	out, _, err := execute(t, "ask", "hello", "--server", base, "--token", tok)
	require.Error(t, err)
	assert.Equal(t, reconcile.FallbackReply+"\n", out)
}

func TestTokenFromEnvAndConfigFile(t *testing.T) {
	base := startServer(t, answer.Func(func(context.Context, string) (string, error) { return "ok", nil }))
	tok, err := identity.IssueToken(testSecret, "alice", time.Hour)
	require.NoError(t, err)

	t.Setenv("CHATCTL_TOKEN", tok)
	t.Setenv("CHATCTL_SERVER", base)
	_, _, err = execute(t, "list")
	require.NoError(t, err)

	t.Setenv("CHATCTL_TOKEN", "")
	t.Setenv("CHATCTL_SERVER", "")
	cfgPath := filepath.Join(t.TempDir(), "chatctl.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("server: "+base+"\ntoken: "+tok+"\n"), 0o600))
	_, _, err = execute(t, "list", "--config", cfgPath)
	require.NoError(t, err)
}

func TestMissingToken(t *testing.T) {
	_, _, err := execute(t, "list", "--server", "http://127.0.0.1:1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no token")
}
