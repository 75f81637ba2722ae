package anonbot

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"
)

// newWebhookTestBot returns a bot with the webhook server enabled, and
// the private key matching its configured public key
func newWebhookTestBot(t testing.TB) (*AnonBot, ed25519.PrivateKey) {
	t.Helper()
	pubKey, privKey := generateDiscordKey(t)

	cfg := DefaultTestConfig(t)
	cfg.Discord.WebhookServer.Enabled = true
	cfg.Discord.WebhookServer.PublicKey = pubKey

	bot, _ := newTestBotWithConfig(t, cfg)
	require.NotNil(t, bot.discordWebhookServer)
	return bot, privKey
}

// signedWebhookRequest builds an interaction POST signed the way
// discord signs them
func signedWebhookRequest(
	t testing.TB,
	privKey ed25519.PrivateKey,
	body string,
) *http.Request {
	t.Helper()
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	signature := ed25519.Sign(privKey, []byte(timestamp+body))

	req := httptest.NewRequest(http.MethodPost, apiDiscordInteractions, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature-Ed25519", hex.EncodeToString(signature))
	req.Header.Set("X-Signature-Timestamp", timestamp)
	return req
}

func serveWebhook(bot *AnonBot, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	bot.discordWebhookServer.engine.ServeHTTP(w, req)
	return w
}

func TestDiscordWebhook_Ping(t *testing.T) {
	bot, privKey := newWebhookTestBot(t)

	body := fmt.Sprintf(
		`{"id":%q,"application_id":%q,"type":1,"token":"tok","version":1}`,
		nextSnowflake(),
		bot.config.Discord.ApplicationID,
	)
	w := serveWebhook(bot, signedWebhookRequest(t, privKey, body))

	require.Equal(t, http.StatusOK, w.Code)
	var resp discordgo.InteractionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, discordgo.InteractionResponsePong, resp.Type)
	assert.Nil(t, resp.Data)
}

func TestDiscordWebhook_Command(t *testing.T) {
	bot, privKey := newWebhookTestBot(t)
	userID := nextSnowflake()

	body := fmt.Sprintf(
		`{
			"id": %q,
			"application_id": %q,
			"type": 2,
			"guild_id": %q,
			"channel_id": %q,
			"token": "tok",
			"version": 1,
			"member": {"user": {"id": %q, "username": "webhook_user"}},
			"data": {
				"id": %q,
				"name": %q,
				"type": 1,
				"options": [{"name": %q, "type": 3, "value": "hooked"}]
			}
		}`,
		nextSnowflake(),
		bot.config.Discord.ApplicationID,
		testGuildID,
		testChannelID,
		userID,
		nextSnowflake(),
		DiscordSlashCommandCreate,
		commandOptionHandle,
	)
	w := serveWebhook(bot, signedWebhookRequest(t, privKey, body))
	require.Equal(t, http.StatusOK, w.Code)

	var resp discordgo.InteractionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, discordgo.InteractionResponseChannelMessageWithSource, resp.Type)
	require.NotNil(t, resp.Data)
	assert.Equal(t, "Your anonymous handle has been set to **hooked**!", resp.Data.Content)
	assert.Equal(t, discordgo.MessageFlagsEphemeral, resp.Data.Flags)

	rec, err := bot.handles.LookupByUser(context.Background(), testGuildID, userID)
	require.NoError(t, err)
	assert.Equal(t, "hooked", rec.Handle)

	var logs []InteractionLog
	require.NoError(t, bot.db.Find(&logs).Error)
	require.Len(t, logs, 1)
	assert.Equal(t, discordInteractionReceiveMethodWebhook, logs[0].Method)
	assert.Equal(t, DiscordSlashCommandCreate, logs[0].CommandName)
}

func TestDiscordWebhook_IgnoredCommand(t *testing.T) {
	bot, privKey := newWebhookTestBot(t)

	body := fmt.Sprintf(
		`{"id":%q,"application_id":%q,"type":2,"guild_id":%q,"token":"tok","version":1,`+
			`"member":{"user":{"id":%q,"username":"u"}},"data":{"id":"1","name":"unknown","type":1}}`,
		nextSnowflake(),
		bot.config.Discord.ApplicationID,
		testGuildID,
		nextSnowflake(),
	)
	w := serveWebhook(bot, signedWebhookRequest(t, privKey, body))
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestDiscordWebhook_InvalidSignature(t *testing.T) {
	bot, privKey := newWebhookTestBot(t)
	_, otherKey := generateDiscordKey(t)
	body := `{"id":"1","type":1}`

	t.Run(
		"wrong key", func(t *testing.T) {
			w := serveWebhook(bot, signedWebhookRequest(t, otherKey, body))
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.JSONEq(t, `{"error":"invalid signature"}`, w.Body.String())
		},
	)

	t.Run(
		"missing headers", func(t *testing.T) {
			req := httptest.NewRequest(
				http.MethodPost,
				apiDiscordInteractions,
				strings.NewReader(body),
			)
			w := serveWebhook(bot, req)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
		},
	)

	t.Run(
		"tampered body", func(t *testing.T) {
			req := signedWebhookRequest(t, privKey, body)
			req.Body = io.NopCloser(strings.NewReader(`{"id":"2","type":1}`))
			w := serveWebhook(bot, req)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
		},
	)
}

func TestDiscordWebhook_InvalidBody(t *testing.T) {
	bot, privKey := newWebhookTestBot(t)

	w := serveWebhook(bot, signedWebhookRequest(t, privKey, `{"id": not json`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"error":"error unmarshalling body"}`, w.Body.String())
}

func TestDiscordWebhook_Disabled(t *testing.T) {
	bot, _ := newTestBot(t)
	assert.Nil(t, bot.discordWebhookServer)
}
