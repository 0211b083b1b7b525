package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nuclearlighters/workspace-manager/internal/auth"
)

func TestTokenCommand(t *testing.T) {
	const secret = "cli-test-secret-cli-test-secret"
	t.Setenv("WSM_JWT_SECRET", secret)

	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs([]string{"token", "--email", "alice@example.org", "--ttl", "5m"})
	require.NoError(t, rootCmd.Execute())

	claims, err := auth.NewJWTService(secret).ValidateToken(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "alice@example.org", claims.Email)
	assert.Equal(t, "alice@example.org", claims.Subject)
	assert.Contains(t, errOut.String(), "expires")
}

func TestMigrateCommand(t *testing.T) {
	t.Setenv("WSM_DATABASE_PATH", t.TempDir()+"/wsm.db")
	rootCmd.SetArgs([]string{"migrate"})
	require.NoError(t, rootCmd.Execute())
}
