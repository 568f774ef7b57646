// Package restapi is the HTTP client for the chat backend's REST
// endpoints. Responses are normalised through the wire package.
package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/matheus3301/chatlink/internal/model"
	"github.com/matheus3301/chatlink/internal/wire"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const maxBody = 8 << 20

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s failed: %d", e.Method, e.Path, e.Code)
	}
	return fmt.Sprintf("%s %s failed: %d - %s", e.Method, e.Path, e.Code, e.Body)
}

// Unauthorized reports whether the backend rejected the token.
func (e *StatusError) Unauthorized() bool { return e.Code == http.StatusUnauthorized }

// Options configures a Client. BaseURL and Tokens are required.
type Options struct {
	BaseURL string
	Tokens  oauth2.TokenSource
	// OnUnauthorized runs after every 401, typically clearing the stored
	// token.
	OnUnauthorized func()
	HTTPClient     *http.Client
	Logger         *zap.Logger
}

// Client talks to the backend REST API with the stored bearer token.
type Client struct {
	base           *url.URL
	http           *http.Client
	onUnauthorized func()
	tracer         trace.Tracer
	logger         *zap.Logger
}

// New creates a client.
func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", opts.BaseURL)
	}
	if opts.Tokens == nil {
		return nil, fmt.Errorf("restapi: token source is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	hc := &http.Client{Timeout: 30 * time.Second}
	if opts.HTTPClient != nil {
		copied := *opts.HTTPClient
		hc = &copied
	}
	hc.Transport = &oauth2.Transport{Source: opts.Tokens, Base: hc.Transport}
	return &Client{
		base:           base,
		http:           hc,
		onUnauthorized: opts.OnUnauthorized,
		tracer:         otel.Tracer("github.com/matheus3301/chatlink/internal/restapi"),
		logger:         opts.Logger,
	}, nil
}

// Me returns the authenticated user.
func (c *Client) Me(ctx context.Context) (model.User, error) {
	body, err := c.do(ctx, http.MethodGet, "/api/me", nil, "")
	if err != nil {
		return model.User{}, err
	}
	u, err := wire.ParseUser(body)
	if err != nil {
		return model.User{}, fmt.Errorf("decode /api/me: %w", err)
	}
	return u, nil
}

// Summaries returns the conversation list, newest activity first.
func (c *Client) Summaries(ctx context.Context) ([]model.ConversationSummary, error) {
	body, err := c.do(ctx, http.MethodGet, "/api/conversations/summary", nil, "")
	if err != nil {
		return nil, err
	}
	list, err := wire.ParseConversationSummaries(body)
	if err != nil {
		return nil, fmt.Errorf("decode conversation summaries: %w", err)
	}
	return list, nil
}

// ConversationName returns the display name of a conversation as seen by
// selfID.
func (c *Client) ConversationName(ctx context.Context, conversationID, selfID string) (string, error) {
	path := "/api/conversations/" + url.PathEscape(conversationID)
	body, err := c.do(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return "", err
	}
	name, err := wire.ParseConversationName(body, selfID)
	if err != nil {
		return "", fmt.Errorf("decode %s: %w", path, err)
	}
	return name, nil
}

// Messages returns the history of a conversation, oldest first.
func (c *Client) Messages(ctx context.Context, conversationID string) ([]model.ChatMessage, error) {
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
	body, err := c.do(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return nil, err
	}
	msgs, err := wire.ParseMessageList(body)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	for i := range msgs {
		if msgs[i].ConversationID == "" {
			msgs[i].ConversationID = conversationID
		}
	}
	return msgs, nil
}

// SendMessage persists a message over REST. The returned message carries
// the server id when the backend echoes one.
func (c *Client) SendMessage(ctx context.Context, msg model.ChatMessage) (model.ChatMessage, error) {
	path := "/api/conversations/" + url.PathEscape(msg.ConversationID) + "/messages"
	payload, err := json.Marshal(wire.NewSendPayload(msg))
	if err != nil {
		return model.ChatMessage{}, fmt.Errorf("encode message: %w", err)
	}
	body, err := c.do(ctx, http.MethodPost, path, bytes.NewReader(payload), "application/json")
	if err != nil {
		return model.ChatMessage{}, err
	}
	saved, err := wire.ParseMessage(body)
	if err != nil {
		// Some revisions answer with an empty body; the send still
		// succeeded.
		c.logger.Debug("send response not decodable", zap.String("path", path), zap.Error(err))
		return model.ChatMessage{ConversationID: msg.ConversationID}, nil
	}
	if saved.ConversationID == "" {
		saved.ConversationID = msg.ConversationID
	}
	return saved, nil
}

// Upload sends a file as multipart field "file".
func (c *Client) Upload(ctx context.Context, filename, contentType string, r io.Reader) (model.Media, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return model.Media{}, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return model.Media{}, fmt.Errorf("copy file content: %w", err)
	}
	if contentType != "" {
		if err := w.WriteField("type", contentType); err != nil {
			return model.Media{}, fmt.Errorf("write type field: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return model.Media{}, fmt.Errorf("close multipart writer: %w", err)
	}

	body, err := c.do(ctx, http.MethodPost, "/api/media/upload", &buf, w.FormDataContentType())
	if err != nil {
		return model.Media{}, err
	}
	m, err := wire.ParseMedia(body)
	if err != nil {
		return model.Media{}, fmt.Errorf("decode upload response: %w", err)
	}
	if strings.HasPrefix(m.URL, "/") {
		m.URL = c.base.String() + m.URL
	}
	if m.OriginalName == "" {
		m.OriginalName = filename
	}
	return m, nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string) ([]byte, error) {
	ctx, span := c.tracer.Start(ctx, method+" "+path, trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("http.method", method), attribute.String("url.path", path)))
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("read %s %s: %w", method, path, err)
	}

	if resp.StatusCode == http.StatusUnauthorized && c.onUnauthorized != nil {
		c.logger.Warn("backend rejected token", zap.String("path", path))
		c.onUnauthorized()
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		serr := &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: snippet(data)}
		span.SetStatus(codes.Error, serr.Error())
		return nil, serr
	}
	return data, nil
}

const maxSnippet = 200

// snippet trims an error body to at most maxSnippet bytes without
// splitting a rune.
func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) <= maxSnippet {
		return s
	}
	cut := maxSnippet
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
