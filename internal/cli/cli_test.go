package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsync/pkg/models"
)

func TestProfileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cli.yaml")

	p, err := LoadProfile(path)
	require.NoError(t, err)
	assert.Equal(t, &Profile{}, p, "missing file is an empty profile")

	p.ConfigPath = "/etc/chatsync.yaml"
	p.LastConversation = "c-9"
	require.NoError(t, SaveProfile(p, path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	got, err := LoadProfile(path)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestLoadProfileRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cli.yaml")
	require.NoError(t, os.WriteFile(path, []byte("output_format: [unclosed"), 0o600))
	_, err := LoadProfile(path)
	assert.Error(t, err)
}

func TestResolveFormat(t *testing.T) {
	f, err := resolveFormat("JSON", nil)
	require.NoError(t, err)
	assert.Equal(t, formatJSON, f)

	f, err = resolveFormat("", &Profile{OutputFormat: "text"})
	require.NoError(t, err)
	assert.Equal(t, formatText, f)

	_, err = resolveFormat("xml", nil)
	assert.Error(t, err)
}

func TestPrintConversationsText(t *testing.T) {
	var buf bytes.Buffer
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := &printer{w: &buf, format: formatText, now: func() time.Time { return now }}

	last := models.Message{ID: "m-1", Content: "see you"}
	require.NoError(t, p.conversations([]models.Conversation{{
		ID:            "c-1",
		Participants:  []string{"me", "bob"},
		LastMessage:   &last,
		LastMessageAt: now.Add(-2 * time.Hour),
		UnreadCount:   3,
	}}, "me"))
	assert.Equal(t, "c-1  bob (3 unread) 2 hours ago see you\n", buf.String())
}

func TestPrintMessageMarksState(t *testing.T) {
	var buf bytes.Buffer
	p := &printer{w: &buf, format: formatText, now: time.Now}
	require.NoError(t, p.message(models.Message{
		ID:            "local-1",
		SenderID:      "me",
		Content:       "hi",
		IsEdited:      true,
		DeliveryState: models.DeliveryFailed,
	}))
	assert.Contains(t, buf.String(), "me: hi (edited) [failed]")

	buf.Reset()
	require.NoError(t, p.message(models.Message{ID: "m-2", SenderID: "bob", IsDeleted: true}))
	assert.Contains(t, buf.String(), "bob: <deleted>")
}

func TestPrintJSON(t *testing.T) {
	var buf bytes.Buffer
	p := &printer{w: &buf, format: formatJSON, now: time.Now}
	require.NoError(t, p.messages([]models.Message{{ID: "m-1", Content: "x"}}))
	assert.Contains(t, buf.String(), `"id": "m-1"`)
	p.line("ignored")
	assert.NotContains(t, buf.String(), "ignored")
}
