package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsync/pkg/attachment/attachmenttest"
	"chatsync/pkg/config"
	"chatsync/pkg/models"
	"chatsync/pkg/remote/remotetest"
)

func testConfig(t *testing.T) config.EffectiveConfigResult {
	t.Helper()
	cfg := &config.Config{}
	cfg.Account.UserID = "me"
	cfg.Remote.BaseURL = "https://chat.example"
	cfg.Store.InMemory = true
	require.NoError(t, cfg.ValidateConfig())
	return config.EffectiveConfigResult{Config: cfg}
}

func TestAppRunAndShutdown(t *testing.T) {
	fake := remotetest.New("me")
	fake.AddConversation(models.Conversation{ID: "c-1", Participants: []string{"me", "bob"}})

	a, err := New(testConfig(t), Options{Version: "test", API: fake})
	require.NoError(t, err)
	assert.Equal(t, "initialized", a.State())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool { return len(a.Surface().Conversations.Snapshot()) == 1 }, time.Second, 2*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	require.NoError(t, a.Shutdown(shutdownCtx))
	assert.Equal(t, "stopped", a.State())
}

func TestAppWiresAudioThroughThread(t *testing.T) {
	fake := remotetest.New("me")
	fake.AddConversation(models.Conversation{ID: "c-1", Participants: []string{"me", "bob"}})
	a, err := New(testConfig(t), Options{
		API:     fake,
		Devices: Devices{Microphone: attachmenttest.NewMicrophone([]byte("voice"), time.Second)},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := a.Coordinator.StartRecording()
	require.NoError(t, err)
	blob, err := a.Coordinator.StopRecording(s)
	require.NoError(t, err)
	_, fut, err := a.Coordinator.SendAudio(ctx, "c-1", blob)
	require.NoError(t, err)
	msg, err := fut.Wait(ctx)
	require.NoError(t, err)
	assert.NotNil(t, msg.AudioRef)
	assert.Equal(t, []byte("voice"), fake.LastUpload())
}

func TestAppRejectsBadRemote(t *testing.T) {
	eff := testConfig(t)
	eff.Config.Remote.BaseURL = "::nope"
	_, err := New(eff, Options{})
	assert.Error(t, err)
}
