package remote

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"chatsync/pkg/models"
	"chatsync/pkg/syncerr"
)

type recorded struct {
	method string
	path   string
	auth   string
	ctype  string
	body   []byte
}

func startServer(t *testing.T, handler func(ctx *fasthttp.RequestCtx)) (*HTTPClient, chan recorded) {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	seen := make(chan recorded, 16)
	srv := &fasthttp.Server{Handler: func(ctx *fasthttp.RequestCtx) {
		seen <- recorded{
			method: string(ctx.Method()),
			path:   string(ctx.Path()),
			auth:   string(ctx.Request.Header.Peek("Authorization")),
			ctype:  string(ctx.Request.Header.ContentType()),
			body:   append([]byte(nil), ctx.PostBody()...),
		}
		handler(ctx)
	}}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() {
		_ = srv.Shutdown()
		_ = ln.Close()
	})

	c, err := NewHTTPClient(HTTPConfig{
		BaseURL: "http://chat.test/v1/",
		Timeout: 2 * time.Second,
		Dial:    func(addr string) (net.Conn, error) { return ln.Dial() },
	}, StaticToken("secret"))
	require.NoError(t, err)
	return c, seen
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v interface{}) {
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(status)
	_ = json.NewEncoder(ctx).Encode(v)
}

func TestListConversationsDecodes(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	c, seen := startServer(t, func(ctx *fasthttp.RequestCtx) {
		writeJSON(ctx, 200, []models.Conversation{{ID: "c1", Participants: []string{"me", "u42"}, LastMessageAt: at, UnreadCount: 2}})
	})

	convs, err := c.ListConversations(context.Background())
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "c1", convs[0].ID)
	assert.Equal(t, 2, convs[0].UnreadCount)
	assert.True(t, convs[0].LastMessageAt.Equal(at))

	r := <-seen
	assert.Equal(t, "GET", r.method)
	assert.Equal(t, "/v1/conversations", r.path)
	assert.Equal(t, "Bearer secret", r.auth)
}

func TestSendMessageMarksSent(t *testing.T) {
	c, seen := startServer(t, func(ctx *fasthttp.RequestCtx) {
		writeJSON(ctx, 201, models.Message{ID: "m9", ConversationID: "c1", Content: "hi"})
	})

	m, err := c.SendMessage(context.Background(), "c1", "hi")
	require.NoError(t, err)
	assert.Equal(t, "m9", m.ID)
	assert.Equal(t, models.DeliverySent, m.DeliveryState)

	r := <-seen
	assert.Equal(t, "POST", r.method)
	assert.Equal(t, "/v1/conversations/c1/messages", r.path)
	assert.JSONEq(t, `{"content":"hi"}`, string(r.body))
}

func TestUploadAudioSendsRawBody(t *testing.T) {
	c, seen := startServer(t, func(ctx *fasthttp.RequestCtx) {
		writeJSON(ctx, 201, models.Message{ID: "m1", AudioRef: &models.AudioRef{URL: "https://cdn/a1"}})
	})

	m, err := c.UploadAudio(context.Background(), "c1", []byte{1, 2, 3})
	require.NoError(t, err)
	require.NotNil(t, m.AudioRef)

	r := <-seen
	assert.Equal(t, "/v1/conversations/c1/audio", r.path)
	assert.Equal(t, "application/octet-stream", r.ctype)
	assert.Equal(t, []byte{1, 2, 3}, r.body)
}

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		name   string
		status int
		kind   error
	}{
		{"not found", 404, syncerr.ErrNotFound},
		{"conflict", 409, syncerr.ErrRemoteRejected},
		{"throttled", 429, syncerr.ErrNetworkUnavailable},
		{"server error", 503, syncerr.ErrNetworkUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, _ := startServer(t, func(ctx *fasthttp.RequestCtx) {
				writeJSON(ctx, tc.status, map[string]string{"error": "message is deleted"})
			})
			_, err := c.EditMessage(context.Background(), "m1", "x")
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.kind)
			assert.Contains(t, err.Error(), "message is deleted")
		})
	}
}

func TestTransportFailureIsNetworkUnavailable(t *testing.T) {
	c, err := NewHTTPClient(HTTPConfig{
		BaseURL: "http://chat.test",
		Timeout: 200 * time.Millisecond,
		Dial: func(addr string) (net.Conn, error) {
			return nil, &net.OpError{Op: "dial", Net: "tcp", Err: assert.AnError}
		},
	}, nil)
	require.NoError(t, err)

	err = c.MarkConversationRead(context.Background(), "c1")
	assert.ErrorIs(t, err, syncerr.ErrNetworkUnavailable)
}

func TestCancelledContextNeverSends(t *testing.T) {
	c, seen := startServer(t, func(ctx *fasthttp.RequestCtx) { ctx.SetStatusCode(204) })
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.DeleteMessage(ctx, "m1")
	assert.ErrorIs(t, err, syncerr.ErrNetworkUnavailable)
	assert.Len(t, seen, 0)
}

func TestInvalidBaseURL(t *testing.T) {
	_, err := NewHTTPClient(HTTPConfig{BaseURL: "not a url"}, nil)
	assert.Error(t, err)
}

func TestRateLimitedRequestIsNetworkUnavailable(t *testing.T) {
	dials := 0
	c, err := NewHTTPClient(HTTPConfig{
		BaseURL:   "http://chat.test",
		Timeout:   200 * time.Millisecond,
		RateRPS:   0.001,
		RateBurst: 1,
		Dial: func(addr string) (net.Conn, error) {
			dials++
			return nil, &net.OpError{Op: "dial", Net: "tcp", Err: assert.AnError}
		},
	}, nil)
	require.NoError(t, err)

	err = c.MarkConversationRead(context.Background(), "c1")
	assert.ErrorIs(t, err, syncerr.ErrNetworkUnavailable)
	first := dials

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = c.MarkConversationRead(ctx, "c1")
	assert.ErrorIs(t, err, syncerr.ErrNetworkUnavailable)
	assert.Equal(t, syncerr.ErrNetworkUnavailable, syncerr.Kind(err))
	assert.Equal(t, first, dials, "a throttled request never dials")
}
