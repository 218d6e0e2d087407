// Package remote is the HTTP client for the remote message store.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gymlink/gymchat/internal/model"
)

// ErrNotFound matches any 404 response via errors.Is.
var ErrNotFound = errors.New("not found")

// StatusError is returned for non-success HTTP responses.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote: status %d", e.Code)
	}
	return fmt.Sprintf("remote: status %d: %s", e.Code, e.Message)
}

// Is lets errors.Is(err, ErrNotFound) match 404 responses.
func (e *StatusError) Is(target error) bool {
	return target == ErrNotFound && e.Code == http.StatusNotFound
}

// IsNotFound reports whether err is a 404 from the remote store.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Client talks to the REST endpoints of the remote message store.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	timeout    time.Duration
	log        *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-request timeout. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithToken sets the bearer token sent with every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithLogger sets the logger used to report tolerated payload problems.
func WithLogger(log *zap.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// New creates a client for the store at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		timeout:    15 * time.Second,
		log:        zap.NewNop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// BaseURL returns the store address without a trailing slash.
func (c *Client) BaseURL() string { return c.baseURL }

// Token returns the bearer token.
func (c *Client) Token() string { return c.token }

// ListConversations fetches the inbox.
func (c *Client) ListConversations(ctx context.Context) ([]model.Conversation, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/chat", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	convs, skipped, err := model.DecodeConversations(data)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	if skipped > 0 {
		c.log.Warn("skipped malformed conversations", zap.Int("count", skipped))
	}
	return convs, nil
}

// DeleteConversation deletes a conversation on the server.
func (c *Client) DeleteConversation(ctx context.Context, convID int64) error {
	if _, err := c.doRequest(ctx, http.MethodDelete, "/chat/"+strconv.FormatInt(convID, 10), nil, nil); err != nil {
		return fmt.Errorf("delete conversation %d: %w", convID, err)
	}
	return nil
}

// ListMessages fetches one page of messages, newest first.
func (c *Client) ListMessages(ctx context.Context, convID int64, limit, offset int) ([]model.Message, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		query.Set("offset", strconv.Itoa(offset))
	}
	data, err := c.doRequest(ctx, http.MethodGet, messagesPath(convID), nil, query)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	msgs, skipped, err := model.DecodeMessages(data)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	if skipped > 0 {
		c.log.Warn("skipped malformed messages",
			zap.Int64("conversation_id", convID),
			zap.Int("count", skipped),
		)
	}
	for i := range msgs {
		if msgs[i].ConversationID == 0 {
			msgs[i].ConversationID = convID
		}
	}
	return msgs, nil
}

// SendMessage posts a message and returns the confirmed record.
func (c *Client) SendMessage(ctx context.Context, convID int64, content model.Content) (model.Message, error) {
	body := map[string]any{"text": content.Text}
	if content.ImageURL != "" {
		body["image_url"] = content.ImageURL
	}
	data, err := c.doRequest(ctx, http.MethodPost, messagesPath(convID), body, nil)
	if err != nil {
		return model.Message{}, fmt.Errorf("send message: %w", err)
	}
	m, err := model.DecodeMessage(data)
	if err != nil {
		return model.Message{}, fmt.Errorf("send message: %w", err)
	}
	if m.ConversationID == 0 {
		m.ConversationID = convID
	}
	return m, nil
}

// DeleteMessage deletes a message by its server id.
func (c *Client) DeleteMessage(ctx context.Context, id int64) error {
	if _, err := c.doRequest(ctx, http.MethodDelete, "/chat/messages/"+strconv.FormatInt(id, 10), nil, nil); err != nil {
		return fmt.Errorf("delete message %d: %w", id, err)
	}
	return nil
}

// MarkRead marks the conversation read for the session user.
func (c *Client) MarkRead(ctx context.Context, convID int64) error {
	if _, err := c.doRequest(ctx, http.MethodPost, "/chat/"+strconv.FormatInt(convID, 10)+"/read", nil, nil); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

// UploadMedia uploads a local file and returns its remote URL.
func (c *Client) UploadMedia(ctx context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read media: %w", err)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("write form file: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/media", &buf)
	if err != nil {
		return "", fmt.Errorf("create upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	payload, err := c.do(req)
	if err != nil {
		return "", fmt.Errorf("upload media: %w", err)
	}
	var out struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(payload, &out); err != nil || out.URL == "" {
		return "", fmt.Errorf("upload media: response has no url")
	}
	return out.URL, nil
}

func messagesPath(convID int64) string {
	return "/chat/" + strconv.FormatInt(convID, 10) + "/messages"
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any, query url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req)
}

// do executes req and unwraps the {data: ...} envelope. Bodies without an
// envelope are returned as-is.
func (c *Client) do(req *http.Request) ([]byte, error) {
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	if c.timeout > 0 {
		ctx, cancel := context.WithTimeout(req.Context(), c.timeout)
		defer cancel()
		req = req.WithContext(ctx)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Code: resp.StatusCode, Message: errorMessage(raw)}
	}
	return unwrap(raw), nil
}

func unwrap(raw []byte) []byte {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err == nil && len(env.Data) > 0 {
		return env.Data
	}
	return raw
}

func errorMessage(raw []byte) string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.Error != "" {
			return body.Error
		}
		return body.Message
	}
	return strings.TrimSpace(string(raw))
}
