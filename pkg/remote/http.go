package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"chatsync/pkg/logger"
	"chatsync/pkg/models"
	"chatsync/pkg/syncerr"
	"chatsync/pkg/telemetry"
)

type HTTPConfig struct {
	BaseURL   string
	Timeout   time.Duration
	RateRPS   float64
	RateBurst int
	// Dial overrides the transport dialer; tests use an in-memory listener.
	Dial func(addr string) (net.Conn, error)
}

// HTTPClient implements API as JSON over HTTP using fasthttp.
type HTTPClient struct {
	base    string
	timeout time.Duration
	creds   Credentials
	limiter *requestLimiter
	c       *fasthttp.Client
}

var _ API = (*HTTPClient)(nil)

func NewHTTPClient(cfg HTTPConfig, creds Credentials) (*HTTPClient, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid remote base url %q", cfg.BaseURL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &fasthttp.Client{
		Name:                "chatsync",
		ReadTimeout:         timeout,
		WriteTimeout:        timeout,
		MaxIdleConnDuration: 30 * time.Second,
		Dial:                cfg.Dial,
	}
	return &HTTPClient{
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		timeout: timeout,
		creds:   creds,
		limiter: newRequestLimiter(cfg.RateRPS, cfg.RateBurst),
		c:       c,
	}, nil
}

type errorBody struct {
	Error string `json:"error"`
}

type createConversationBody struct {
	ParticipantID string `json:"participant_id"`
}

type contentBody struct {
	Content string `json:"content"`
}

func (h *HTTPClient) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	var out []models.Conversation
	if err := h.do(ctx, "list_conversations", fasthttp.MethodGet, "/conversations", "", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (h *HTTPClient) GetOrCreateConversation(ctx context.Context, participantID string) (models.Conversation, error) {
	var out models.Conversation
	body, _ := json.Marshal(createConversationBody{ParticipantID: participantID})
	err := h.do(ctx, "get_or_create_conversation", fasthttp.MethodPost, "/conversations", "application/json", body, &out)
	return out, err
}

func (h *HTTPClient) DeleteConversation(ctx context.Context, conversationID string) error {
	return h.do(ctx, "delete_conversation", fasthttp.MethodDelete, "/conversations/"+url.PathEscape(conversationID), "", nil, nil)
}

func (h *HTTPClient) MarkConversationRead(ctx context.Context, conversationID string) error {
	return h.do(ctx, "mark_read", fasthttp.MethodPost, "/conversations/"+url.PathEscape(conversationID)+"/read", "", nil, nil)
}

func (h *HTTPClient) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	var out []models.Message
	if err := h.do(ctx, "list_messages", fasthttp.MethodGet, "/conversations/"+url.PathEscape(conversationID)+"/messages", "", nil, &out); err != nil {
		return nil, err
	}
	for i := range out {
		out[i].DeliveryState = models.DeliverySent
	}
	return out, nil
}

func (h *HTTPClient) SendMessage(ctx context.Context, conversationID, content string) (models.Message, error) {
	var out models.Message
	body, _ := json.Marshal(contentBody{Content: content})
	err := h.do(ctx, "send_message", fasthttp.MethodPost, "/conversations/"+url.PathEscape(conversationID)+"/messages", "application/json", body, &out)
	out.DeliveryState = models.DeliverySent
	return out, err
}

func (h *HTTPClient) EditMessage(ctx context.Context, messageID, content string) (models.Message, error) {
	var out models.Message
	body, _ := json.Marshal(contentBody{Content: content})
	err := h.do(ctx, "edit_message", fasthttp.MethodPatch, "/messages/"+url.PathEscape(messageID), "application/json", body, &out)
	out.DeliveryState = models.DeliverySent
	return out, err
}

func (h *HTTPClient) DeleteMessage(ctx context.Context, messageID string) error {
	return h.do(ctx, "delete_message", fasthttp.MethodDelete, "/messages/"+url.PathEscape(messageID), "", nil, nil)
}

func (h *HTTPClient) UploadAudio(ctx context.Context, conversationID string, payload []byte) (models.Message, error) {
	var out models.Message
	err := h.do(ctx, "upload_audio", fasthttp.MethodPost, "/conversations/"+url.PathEscape(conversationID)+"/audio", "application/octet-stream", payload, &out)
	out.DeliveryState = models.DeliverySent
	return out, err
}

// do performs one request and decodes a JSON response into out when non-nil.
func (h *HTTPClient) do(ctx context.Context, op, method, path, contentType string, body []byte, out interface{}) (err error) {
	tr := telemetry.Track("remote." + op)
	defer func() { tr.Finish(err) }()

	if err := ctx.Err(); err != nil {
		return syncerr.Wrapf(syncerr.ErrNetworkUnavailable, err, "%s", op)
	}
	if err := h.limiter.Wait(ctx); err != nil {
		return err
	}
	tr.Mark("limiter")

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(h.base + path)
	req.Header.SetMethod(method)
	req.Header.Set("Accept", "application/json")
	if h.creds != nil {
		token, err := h.creds.Token(ctx)
		if err != nil {
			return syncerr.Wrapf(syncerr.ErrPermissionDenied, err, "%s: credentials", op)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	if body != nil {
		req.Header.SetContentType(contentType)
		req.SetBodyRaw(body)
	}

	deadline := time.Now().Add(h.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := h.c.DoDeadline(req, resp, deadline); err != nil {
		logger.Debug("remote_request_failed", "op", op, "error", err)
		return syncerr.Wrapf(syncerr.ErrNetworkUnavailable, err, "%s", op)
	}
	tr.Mark("roundtrip")

	status := resp.StatusCode()
	if status >= 300 {
		return statusError(op, status, resp.Body())
	}
	if out == nil || len(resp.Body()) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return syncerr.Wrapf(syncerr.ErrRemoteRejected, err, "%s: decode response", op)
	}
	return nil
}

func statusError(op string, status int, body []byte) error {
	msg := fasthttp.StatusMessage(status)
	var eb errorBody
	if len(body) > 0 && json.Unmarshal(body, &eb) == nil && eb.Error != "" {
		msg = eb.Error
	}
	switch {
	case status == fasthttp.StatusNotFound:
		return syncerr.Newf(syncerr.ErrNotFound, "%s: %s", op, msg)
	case status == fasthttp.StatusTooManyRequests || status >= 500:
		return syncerr.Newf(syncerr.ErrNetworkUnavailable, "%s: status %d: %s", op, status, msg)
	default:
		return syncerr.Newf(syncerr.ErrRemoteRejected, "%s: status %d: %s", op, status, msg)
	}
}
