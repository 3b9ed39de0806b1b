package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signdesk/internal/db"
	"signdesk/internal/models"
	"signdesk/internal/store"
)

func setEnv(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cli.db")
	t.Setenv("SIGNDESK_CONFIG", "")
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("DB_DSN", path)
	t.Setenv("DATA_ENCRYPT_KEY", "cli-test-data-encryption-key-0123")
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, path := range [][]string{{"migrate"}, {"owner", "add"}, {"request", "status"}, {"version"}} {
		sub, _, err := cmd.Find(path)
		require.NoError(t, err, "command %v should exist", path)
		assert.Equal(t, path[len(path)-1], sub.Name())
	}
	format := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, format)
	assert.Equal(t, "text", format.DefValue)
}

func TestInvalidFormat(t *testing.T) {
	_, err := run(t, "--format", "yaml", "version")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestVersionJSON(t *testing.T) {
	out, err := run(t, "--format", "json", "version")
	require.NoError(t, err)
	var info map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, "dev", info["version"])
}

func TestMigrateAndOwnerAdd(t *testing.T) {
	setEnv(t)

	out, err := run(t, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "migrations applied (sqlite)")

	out, err = run(t, "owner", "add", "--email", "Owner@Example.com", "--password", "Correct-horse-9")
	require.NoError(t, err)
	assert.Contains(t, out, "created owner owner@example.com")

	_, err = run(t, "owner", "add", "--email", "owner@example.com", "--password", "Correct-horse-9")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	_, err = run(t, "owner", "add", "--email", "weak@example.com", "--password", "short")
	require.Error(t, err)
}

func TestRequestStatus(t *testing.T) {
	path := setEnv(t)
	_, err := run(t, "migrate")
	require.NoError(t, err)

	sqdb, err := db.OpenSQLite(path, 1, 1, time.Minute)
	require.NoError(t, err)
	st := store.New(sqdb)
	ctx := context.Background()
	owner, err := st.CreateOwner(ctx, "owner@example.com", "hash")
	require.NoError(t, err)
	doc, err := st.CreateDocument(ctx, models.Document{OwnerID: owner.ID, Title: "NDA", ContentType: "text/plain", Content: "terms"})
	require.NoError(t, err)
	bundle, err := st.CreateRequest(ctx, models.RequestBundle{
		Request: models.SignatureRequest{DocumentID: doc.ID, OwnerID: owner.ID, Title: "Sign the NDA"},
		Recipients: []models.Recipient{
			{ID: "r1", Email: "a@example.com", Role: "signer", SigningOrder: 1, AccessTokenHash: "h1"},
			{ID: "r2", Email: "b@example.com", Role: "signer", SigningOrder: 2, AccessTokenHash: "h2"},
		},
	})
	require.NoError(t, err)
	require.NoError(t, sqdb.Close())

	out, err := run(t, "request", "status", bundle.Request.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "Sign the NDA")
	assert.Contains(t, out, "[draft]")
	assert.Contains(t, out, "b@example.com")

	out, err = run(t, "--format", "json", "request", "status", bundle.Request.ID)
	require.NoError(t, err)
	var status struct {
		Recipients []models.Recipient `json:"recipients"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	assert.Len(t, status.Recipients, 2)

	_, err = run(t, "request", "status", "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}
