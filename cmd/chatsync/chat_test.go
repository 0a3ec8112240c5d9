package main

import (
	"bytes"
	"testing"
	"time"

	"chatsync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	cmd, err := parseCommand("  hello there ")
	require.NoError(t, err)
	assert.Equal(t, command{name: "say", text: "hello there"}, cmd)

	cmd, err = parseCommand("/edit 2 fixed typo")
	require.NoError(t, err)
	assert.Equal(t, command{name: "edit", index: 2, text: "fixed typo"}, cmd)

	cmd, err = parseCommand("/delete 3")
	require.NoError(t, err)
	assert.Equal(t, command{name: "delete", index: 3}, cmd)

	cmd, err = parseCommand("/q")
	require.NoError(t, err)
	assert.Equal(t, "quit", cmd.name)

	cmd, err = parseCommand("")
	require.NoError(t, err)
	assert.Empty(t, cmd.name)

	cmd, err = parseCommand("/status Away")
	require.NoError(t, err)
	assert.Equal(t, command{name: "status", text: "away"}, cmd)

	for _, bad := range []string{"/edit 2", "/retry", "/delete x", "/dance", "/status", "/status busy"} {
		_, err := parseCommand(bad)
		assert.Error(t, err, bad)
	}
}

func TestRelaySocketURL(t *testing.T) {
	cases := map[string]string{
		"http://localhost:3001":       "ws://localhost:3001/ws",
		"https://chat.example.com/":   "wss://chat.example.com/ws",
		"https://chat.example.com/v1": "wss://chat.example.com/v1/ws",
		"ws://relay:9000":             "ws://relay:9000/ws",
	}
	for in, want := range cases {
		got, err := relaySocketURL(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := relaySocketURL("ftp://nope")
	assert.Error(t, err)
}

func TestViewRendersChanges(t *testing.T) {
	var out bytes.Buffer
	v := newView(&out, "me")
	at := time.Date(2024, 1, 1, 10, 0, 0, 0, time.Local)

	pending := models.Message{ID: "temp-1", ClientID: "c1", SenderID: "me", SenderName: "me",
		Content: "hi", CreatedAt: at, Status: models.StatusPending}
	v.render([]models.Message{pending})
	assert.Equal(t, "[10:00] me: hi ...\n", out.String())

	// confirmation swaps the id but keeps the client id
	out.Reset()
	confirmed := pending
	confirmed.ID = "m-1"
	confirmed.Status = models.StatusConfirmed
	confirmed.ReadBy = []string{"me", "bob"}
	v.render([]models.Message{confirmed})
	assert.Equal(t, "~ [10:00] me: hi (read)\n", out.String())

	out.Reset()
	v.render([]models.Message{confirmed})
	assert.Empty(t, out.String())

	out.Reset()
	v.render(nil)
	assert.Equal(t, "x [10:00] me: hi (read)\n", out.String())
}
