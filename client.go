// Package chatsync keeps a local view of pairwise chat conversations in sync
// with a STOMP chat server.
//
// Example:
//
//	api := chatsync.NewClient("", chatsync.WithBaseURL("https://chat.example.com/api"))
//	dialer, _ := chatsync.NewWSDialer("wss://chat.example.com/ws-stomp", 10*time.Second)
//	session := chatsync.NewSession(api, &chatsync.SessionConfig{Dialer: dialer})
//
//	if _, err := session.Login(ctx, "me@example.com", "secret"); err != nil {
//		log.Fatal(err)
//	}
//	session.SelectConversation("c1")
//	session.SendMessage("hello")
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	DefaultBaseURL  = "http://localhost:8080/api"
	DefaultTimeout  = 30 * time.Second
	DefaultPageSize = 50
)

// API is the request layer the session talks to.
type API interface {
	SetToken(token string)
	Login(ctx context.Context, email, password string) (*AuthTokens, error)
	Signup(ctx context.Context, email, username, password string) error
	FetchCurrentUser(ctx context.Context) (*User, error)
	FetchConversationList(ctx context.Context) ([]Conversation, error)
	FetchMessagePage(ctx context.Context, conversationID string, before *time.Time, limit int) (*MessagePage, error)
	CreateConversation(ctx context.Context, receiverID int64) (*Conversation, error)
	PersistReadReceipt(ctx context.Context, conversationID, messageID string) error
}

// ============================================================================
// Client
// ============================================================================

// Client is the HTTP implementation of API.
type Client struct {
	baseURL    string
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a request-layer client. token may be "" before login.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken sets or updates the bearer token.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Token returns the current bearer token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("%s %s: HTTP %d: %w", method, path, resp.StatusCode, ErrUnauthorized)
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// call performs a request and unwraps the response envelope.
func call[T any](ctx context.Context, c *Client, method, path string, body interface{}, query url.Values) (T, error) {
	var zero T
	data, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return zero, err
	}
	env, err := decodeJSON[APIResponse[T]](data)
	if err != nil {
		return zero, err
	}
	if !env.IsSuccess {
		return zero, &APIError{Code: env.Code, Message: env.Message}
	}
	return env.Result, nil
}

// ============================================================================
// API Methods
// ============================================================================

// Login exchanges credentials for tokens and stores the access token.
func (c *Client) Login(ctx context.Context, email, password string) (*AuthTokens, error) {
	tokens, err := call[AuthTokens](ctx, c, http.MethodPost, "/users/login", &LoginRequest{Email: email, Password: password}, nil)
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	if tokens.AccessToken == "" {
		return nil, errors.New("login: empty access token")
	}
	c.SetToken(tokens.AccessToken)
	return &tokens, nil
}

// Signup registers a new account.
func (c *Client) Signup(ctx context.Context, email, username, password string) error {
	_, err := call[json.RawMessage](ctx, c, http.MethodPost, "/users/signup", &SignupRequest{Email: email, Username: username, Password: password}, nil)
	if err != nil {
		return fmt.Errorf("signup: %w", err)
	}
	return nil
}

// FetchCurrentUser returns the account behind the token.
func (c *Client) FetchCurrentUser(ctx context.Context) (*User, error) {
	user, err := call[User](ctx, c, http.MethodGet, "/users", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch current user: %w", err)
	}
	return &user, nil
}

// FetchConversationList returns every pairwise conversation of the user.
func (c *Client) FetchConversationList(ctx context.Context) ([]Conversation, error) {
	list, err := call[[]Conversation](ctx, c, http.MethodGet, "/chats/private", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch conversations: %w", err)
	}
	return list, nil
}

// FetchMessagePage returns up to limit messages older than before.
func (c *Client) FetchMessagePage(ctx context.Context, conversationID string, before *time.Time, limit int) (*MessagePage, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	query := url.Values{}
	query.Set("limit", strconv.Itoa(limit))
	if before != nil {
		query.Set("before", strconv.FormatInt(before.UnixMilli(), 10))
	}
	page, err := call[MessagePage](ctx, c, http.MethodGet, "/chats/"+url.PathEscape(conversationID)+"/messages", nil, query)
	if err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}
	return &page, nil
}

// CreateConversation opens (or returns the existing) conversation with receiverID.
func (c *Client) CreateConversation(ctx context.Context, receiverID int64) (*Conversation, error) {
	conv, err := call[Conversation](ctx, c, http.MethodPost, "/chats/private", map[string]int64{"receiverId": receiverID}, nil)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return &conv, nil
}

// PersistReadReceipt records a read on the server. An empty messageID
// marks the whole conversation.
func (c *Client) PersistReadReceipt(ctx context.Context, conversationID, messageID string) error {
	var query url.Values
	if messageID != "" {
		query = url.Values{"messageId": {messageID}}
	}
	_, err := call[json.RawMessage](ctx, c, http.MethodPost, "/chats/"+url.PathEscape(conversationID)+"/read", nil, query)
	if err != nil {
		return fmt.Errorf("persist read receipt: %w", err)
	}
	return nil
}
