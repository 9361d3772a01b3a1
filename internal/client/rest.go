package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"matchchat/internal/domain"
)

// envelope is the JSON shape every REST response uses.
type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

// RESTClient talks to the chat server's REST surface.
type RESTClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewRESTClient(baseURL, token string, httpClient *http.Client) *RESTClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &RESTClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: httpClient,
	}
}

// SubmitMessage posts one message. A replay of an already stored clientId
// returns the stored copy like a fresh send would.
func (c *RESTClient) SubmitMessage(ctx context.Context, req domain.CreateMessageRequest) (*domain.Message, error) {
	var msg domain.Message
	if err := c.do(ctx, http.MethodPost, "/api/messages", nil, req, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// History fetches one page of the conversation with other, oldest first.
func (c *RESTClient) History(ctx context.Context, other string, page, limit int) ([]domain.Message, error) {
	query := url.Values{}
	query.Set("conversationWith", other)
	if page > 0 {
		query.Set("page", strconv.Itoa(page))
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}

	var msgs []domain.Message
	if err := c.do(ctx, http.MethodGet, "/api/messages", query, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (c *RESTClient) MarkRead(ctx context.Context, other string, ids []int64) (int, error) {
	var out struct {
		Updated int `json:"updated"`
	}
	err := c.do(ctx, http.MethodPost, "/api/messages/mark-read", nil, domain.MarkReadRequest{
		ConversationWith: other,
		MessageIDs:       ids,
	}, &out)
	return out.Updated, err
}

func (c *RESTClient) Edit(ctx context.Context, id int64, content string) (*domain.Message, error) {
	var msg domain.Message
	path := "/api/messages/" + strconv.FormatInt(id, 10)
	if err := c.do(ctx, http.MethodPatch, path, nil, domain.EditMessageRequest{Content: content}, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *RESTClient) Delete(ctx context.Context, id int64) (*domain.Message, error) {
	var msg domain.Message
	path := "/api/messages/" + strconv.FormatInt(id, 10)
	if err := c.do(ctx, http.MethodDelete, path, nil, nil, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *RESTClient) Presence(ctx context.Context, userID string) (*domain.PresenceRecord, error) {
	var rec domain.PresenceRecord
	if err := c.do(ctx, http.MethodGet, "/api/presence/"+url.PathEscape(userID), nil, nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *RESTClient) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s %s: %w: %v", method, path, domain.ErrOffline, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s %s: %w: %v", method, path, domain.ErrOffline, err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= 500 {
			return fmt.Errorf("%s %s: status %d: %w", method, path, resp.StatusCode, domain.ErrStoreUnavailable)
		}
		return fmt.Errorf("%s %s: unreadable response (%d): %w", method, path, resp.StatusCode, domain.ErrCorruptState)
	}

	if resp.StatusCode >= 300 || !env.Success {
		return statusError(resp.StatusCode, env, method+" "+path)
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

// statusError maps a failed response onto the error taxonomy so the offline
// queue can tell retryable failures from permanent ones.
func statusError(status int, env envelope, op string) error {
	detail := env.Error
	if detail == "" {
		detail = env.Message
	}

	var sentinel error
	switch {
	case status == http.StatusTooManyRequests:
		sentinel = domain.ErrRateLimited
	case status == http.StatusUnauthorized:
		sentinel = domain.ErrUnauthorized
	case status == http.StatusForbidden:
		sentinel = domain.ErrForbidden
	case status == http.StatusNotFound:
		sentinel = domain.ErrNotFound
	case status == http.StatusConflict:
		sentinel = domain.ErrInvalidTransition
	case status >= 500:
		// FAILED means the server spent its own retry budget on this message
		if failedOnServer(env.Data) {
			sentinel = domain.ErrRejected
		} else {
			sentinel = domain.ErrStoreUnavailable
		}
	default:
		sentinel = domain.ErrRejected
	}
	return fmt.Errorf("%s: status %d: %w: %s", op, status, sentinel, detail)
}

func failedOnServer(data json.RawMessage) bool {
	if len(data) == 0 {
		return false
	}
	var body struct {
		Status domain.MessageStatus `json:"status"`
	}
	return json.Unmarshal(data, &body) == nil && body.Status == domain.StatusFailed
}
