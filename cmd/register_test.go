package cmd

import (
	"bytes"
	"encoding/json"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
)

// stubTransport answers every request with the application commands it
// was sent, assigning each an ID
type stubTransport struct {
	requests []*http.Request
}

func (s *stubTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	s.requests = append(s.requests, req)

	var commands []*discordgo.ApplicationCommand
	if req.Body != nil {
		if err := json.NewDecoder(req.Body).Decode(&commands); err != nil {
			return nil, err
		}
	}
	for i, c := range commands {
		c.ID = "10" + strings.Repeat("0", i)
	}
	body, err := json.Marshal(commands)
	if err != nil {
		return nil, err
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(bytes.NewReader(body)),
		Request:    req,
	}, nil
}

func TestRegisterCommand(t *testing.T) {
	out := resetCommandState(t)
	t.Setenv("ANONBOT_DATABASE", filepath.Join(t.TempDir(), "test.db"))
	t.Setenv("ANONBOT_API_ENABLED", "false")
	t.Setenv("ANONBOT_DISCORD_TOKEN", "bot-token")
	t.Setenv("ANONBOT_DISCORD_APPLICATION_ID", "12345")
	t.Setenv("ANONBOT_DISCORD_GUILD_ID", "67890")

	transport := &stubTransport{}
	cfg.HTTPClient = &http.Client{Transport: transport}

	rootCmd.SetArgs([]string{"register"})
	require.NoError(t, rootCmd.Execute())

	require.Len(t, transport.requests, 1)
	req := transport.requests[0]
	assert.Equal(t, http.MethodPut, req.Method)
	assert.Equal(
		t,
		discordgo.EndpointApplicationGuildCommands("12345", "67890"),
		req.URL.String(),
	)
	assert.Equal(t, "Bot bot-token", req.Header.Get("Authorization"))

	output := out.String()
	t.Logf("output: %s", output)
	assert.Contains(t, output, "command(s) to guild 67890:")
	assert.Contains(t, output, "/ping (id: 10)")
	assert.Contains(t, output, "/admin")
}
