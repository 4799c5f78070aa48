// Package restapi is the REST backend client used to load conversations,
// list the directory and create messages and conversations.
package restapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/karthikraju391/go-nats-chat-console/models"
)

// APIError represents a non-2xx response from the backend.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" && e.Message != "" {
		return fmt.Sprintf("backend error: %s (%d): %s", e.Code, e.Status, e.Message)
	}
	if e.Message != "" {
		return fmt.Sprintf("backend error (%d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("backend error (%d)", e.Status)
}

// IsNotFound reports whether err is a 404 from the backend.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == fasthttp.StatusNotFound
}

type apiErrorPayload struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Client talks to the REST backend.
type Client struct {
	baseURL string
	token   string
	timeout time.Duration
	http    *fasthttp.Client
}

type Option func(*Client)

// WithHTTPClient replaces the underlying fasthttp client.
func WithHTTPClient(hc *fasthttp.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout bounds each request when the caller's context has no deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

func NewClient(baseURL, token string, opts ...Option) (*Client, error) {
	normalized, err := NormalizeBaseURL(baseURL)
	if err != nil {
		return nil, err
	}
	c := &Client{
		baseURL: normalized,
		token:   token,
		timeout: 15 * time.Second,
		http: &fasthttp.Client{
			Name:                "chat-console",
			MaxIdleConnDuration: time.Minute,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// NormalizeBaseURL trims whitespace and trailing slashes and requires a scheme.
func NormalizeBaseURL(raw string) (string, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return "", errors.New("api base url cannot be empty")
	}
	parsed, err := url.Parse(value)
	if err != nil {
		return "", fmt.Errorf("invalid api base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", errors.New("api base url must include scheme and host")
	}
	return strings.TrimRight(value, "/"), nil
}

type conversationPayload struct {
	ID           int64            `json:"id"`
	Name         string           `json:"name"`
	Participants []models.User    `json:"participants"`
	Messages     []models.Message `json:"messages"`
}

func (p conversationPayload) state(ref models.ConversationRef) models.ConversationState {
	msgs := make([]models.Message, len(p.Messages))
	for i, m := range p.Messages {
		m.Ref = ref
		msgs[i] = m
	}
	return models.ConversationState{
		Ref:          ref,
		DisplayName:  p.Name,
		Participants: p.Participants,
		Messages:     msgs,
	}
}

// FetchConversation loads a direct conversation with its history.
func (c *Client) FetchConversation(ctx context.Context, id int64) (models.ConversationState, error) {
	var p conversationPayload
	if err := c.doJSON(ctx, fasthttp.MethodGet, "/api/v1/conversations/"+strconv.FormatInt(id, 10), nil, &p); err != nil {
		return models.ConversationState{}, err
	}
	return p.state(models.ConversationRef{Kind: models.KindDirect, ID: id}), nil
}

// FetchGroup loads a group with its history.
func (c *Client) FetchGroup(ctx context.Context, id int64) (models.ConversationState, error) {
	var p conversationPayload
	if err := c.doJSON(ctx, fasthttp.MethodGet, "/api/v1/groups/"+strconv.FormatInt(id, 10), nil, &p); err != nil {
		return models.ConversationState{}, err
	}
	return p.state(models.ConversationRef{Kind: models.KindGroup, ID: id}), nil
}

type entryPayload struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

func (c *Client) listEntries(ctx context.Context, path string, kind models.ConversationKind) ([]models.DirectoryEntry, error) {
	var raw []entryPayload
	if err := c.doJSON(ctx, fasthttp.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}
	out := make([]models.DirectoryEntry, len(raw))
	for i, e := range raw {
		out[i] = models.DirectoryEntry{ID: e.ID, DisplayName: e.Name, Kind: kind}
	}
	return out, nil
}

func (c *Client) ListConversations(ctx context.Context) ([]models.DirectoryEntry, error) {
	return c.listEntries(ctx, "/api/v1/conversations", models.KindDirect)
}

func (c *Client) ListGroups(ctx context.Context) ([]models.DirectoryEntry, error) {
	return c.listEntries(ctx, "/api/v1/groups", models.KindGroup)
}

func (c *Client) ListUsers(ctx context.Context) ([]models.User, error) {
	var users []models.User
	if err := c.doJSON(ctx, fasthttp.MethodGet, "/api/v1/users", nil, &users); err != nil {
		return nil, err
	}
	return users, nil
}

// CreateMessage posts a message to exactly one of a conversation or a group.
func (c *Client) CreateMessage(ctx context.Context, nm models.NewMessage) (models.Message, error) {
	if err := nm.Validate(); err != nil {
		return models.Message{}, err
	}
	var created models.Message
	body := map[string]models.NewMessage{"message": nm}
	if err := c.doJSON(ctx, fasthttp.MethodPost, "/api/v1/messages", body, &created); err != nil {
		return models.Message{}, err
	}
	if created.Ref.IsZero() {
		if nm.GroupID != 0 {
			created.Ref = models.ConversationRef{Kind: models.KindGroup, ID: nm.GroupID}
		} else {
			created.Ref = models.ConversationRef{Kind: models.KindDirect, ID: nm.ConversationID}
		}
	}
	if created.ClientID == "" {
		created.ClientID = nm.ClientID
	}
	return created, nil
}

// CreateConversation opens a direct conversation with recipientID.
func (c *Client) CreateConversation(ctx context.Context, recipientID int64) (models.DirectoryEntry, error) {
	var e entryPayload
	body := map[string]any{"conversation": map[string]int64{"recipient_id": recipientID}}
	if err := c.doJSON(ctx, fasthttp.MethodPost, "/api/v1/conversations", body, &e); err != nil {
		return models.DirectoryEntry{}, err
	}
	if e.ID == 0 {
		return models.DirectoryEntry{}, errors.New("create conversation: response carried no id")
	}
	return models.DirectoryEntry{ID: e.ID, DisplayName: e.Name, Kind: models.KindDirect}, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, reqBody, respBody any) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.baseURL + path)
	req.Header.SetMethod(method)
	req.Header.Set(fasthttp.HeaderAccept, "application/json")
	if c.token != "" {
		req.Header.Set(fasthttp.HeaderAuthorization, "Bearer "+c.token)
	}
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return err
		}
		req.Header.SetContentType("application/json")
		req.SetBodyRaw(data)
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.http.DoDeadline(req, resp, deadline); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%s %s: %w", method, path, err)
	}

	status := resp.StatusCode()
	respData := resp.Body()
	if status < 200 || status >= 300 {
		apiErr := &APIError{Status: status}
		var payload apiErrorPayload
		if err := json.Unmarshal(respData, &payload); err == nil {
			apiErr.Code = payload.Error
			apiErr.Message = payload.Message
		} else {
			apiErr.Message = strings.TrimSpace(string(respData))
		}
		return apiErr
	}

	if respBody == nil || len(respData) == 0 {
		return nil
	}
	if err := json.Unmarshal(respData, respBody); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
