package cmd

import (
	"context"
	"fmt"
	"github.com/SahilThete/ME-AnonBot/anonbot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"os"
	"path/filepath"
	"testing"
)

// mockTokenReader returns each of tokens in order
func mockTokenReader(t *testing.T, tokens ...string) {
	t.Helper()
	idx := 0
	customPasswordReader = func() ([]byte, error) {
		if idx >= len(tokens) {
			return nil, fmt.Errorf("no more tokens")
		}
		token := tokens[idx]
		idx++
		return []byte(token), nil
	}
	t.Cleanup(
		func() {
			customPasswordReader = nil
		},
	)
}

func openTestDB(t *testing.T, dbPath string) *gorm.DB {
	t.Helper()
	db, err := anonbot.CreateDB(context.Background(), "sqlite", dbPath)
	require.NoError(t, err)
	t.Cleanup(
		func() {
			if sqlDB, _ := db.DB(); sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)
	return db
}

func TestInitCommand(t *testing.T) {
	out := resetCommandState(t)
	dbPath := filepath.Join(t.TempDir(), "test.db")

	t.Setenv("ANONBOT_DATABASE_TYPE", "sqlite")
	t.Setenv("ANONBOT_DATABASE", dbPath)

	token := "correct-horse-battery-staple"
	mockTokenReader(t, "too-short", "too-short", token, "mismatch-mismatch", token, token)

	rootCmd.SetArgs([]string{"init"})
	require.NoError(t, rootCmd.Execute())

	_, err := os.Stat(dbPath)
	assert.NoError(t, err, "Database file should exist")

	output := out.String()
	t.Logf("output: %s", output)
	assert.Contains(t, output, "API token is not set. Let's set it up.")
	assert.Contains(t, output, "Enter API token:")
	assert.Contains(t, output, "Confirm API token:")
	assert.Contains(t, output, "API token must be at least")
	assert.Contains(t, output, "Tokens do not match. Please try again.")
	assert.Contains(t, output, "API token set successfully")
	assert.Contains(t, output, "Initialization complete")
	assert.NotContains(t, output, "legacy handle")

	db := openTestDB(t, dbPath)
	mg := db.Migrator()
	assert.True(t, mg.HasTable(&anonbot.HandleRecord{}))
	assert.True(t, mg.HasTable(&anonbot.AdminRecord{}))
	assert.True(t, mg.HasTable(&anonbot.ChannelPolicy{}))
	assert.True(t, mg.HasTable(&anonbot.InteractionLog{}))
	assert.True(t, mg.HasTable(&anonbot.APICredential{}))

	var creds []anonbot.APICredential
	require.NoError(t, db.Find(&creds).Error)
	require.Len(t, creds, 1)
	assert.Equal(t, anonbot.DefaultAPICredentialName, creds[0].Name)
	assert.NotEmpty(t, creds[0].TokenHash)
	assert.NotEqual(t, token, creds[0].TokenHash)
}

func TestInitCommand_TokenAlreadySet(t *testing.T) {
	out := resetCommandState(t)
	dbPath := filepath.Join(t.TempDir(), "test.db")
	t.Setenv("ANONBOT_DATABASE", dbPath)

	db := openTestDB(t, dbPath)
	require.NoError(
		t,
		anonbot.SetAPIToken(
			context.Background(),
			anonbot.NewDatabase(db, nil, false),
			anonbot.DefaultAPICredentialName,
			"an-existing-api-token",
		),
	)
	var before anonbot.APICredential
	require.NoError(t, db.First(&before).Error)

	// the prompt must not be shown
	mockTokenReader(t)

	rootCmd.SetArgs([]string{"init"})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "API token is already set")
	assert.NotContains(t, out.String(), "Enter API token:")

	t.Run(
		"reset", func(t *testing.T) {
			newToken := "a-brand-new-api-token"
			mockTokenReader(t, newToken, newToken)

			rootCmd.SetArgs([]string{"init", "--reset-token"})
			require.NoError(t, rootCmd.Execute())
			assert.Contains(t, out.String(), "API token set successfully")

			var after anonbot.APICredential
			require.NoError(t, db.First(&after).Error)
			assert.NotEqual(t, before.TokenHash, after.TokenHash)
		},
	)
}

func TestInitCommand_Backfill(t *testing.T) {
	out := resetCommandState(t)
	dbPath := filepath.Join(t.TempDir(), "test.db")
	t.Setenv("ANONBOT_DATABASE", dbPath)
	t.Setenv("ANONBOT_LEGACY_GUILD_ID", "444")

	db := openTestDB(t, dbPath)
	require.NoError(
		t,
		db.Create(
			&anonbot.HandleRecord{UserID: "1", Handle: "ghost", SchemaVersion: 1},
		).Error,
	)
	require.NoError(
		t,
		anonbot.SetAPIToken(
			context.Background(),
			anonbot.NewDatabase(db, nil, false),
			anonbot.DefaultAPICredentialName,
			"an-existing-api-token",
		),
	)

	rootCmd.SetArgs([]string{"init"})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "Assigned 1 legacy handle(s) to guild 444.")

	var rec anonbot.HandleRecord
	require.NoError(t, db.Where("user_id = ?", "1").First(&rec).Error)
	assert.Equal(t, "444", rec.GuildID)
}

func TestInitCommand_TooManyAttempts(t *testing.T) {
	resetCommandState(t)
	t.Setenv("ANONBOT_DATABASE", filepath.Join(t.TempDir(), "test.db"))

	mockTokenReader(t, "a", "b", "c", "d", "e", "f")

	rootCmd.SetArgs([]string{"init"})
	err := rootCmd.Execute()
	assert.ErrorContains(t, err, "too many attempts")
}
