// internal/client/client.go

// Package client is a typed Go client for the bookshare HTTP API.
package client

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
	"time"

	"github.com/cenkalti/backoff/v5"

	"bookshare/internal/books"
	"bookshare/internal/loans"
	"bookshare/internal/messages"
	"bookshare/internal/users"
)

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Kind    string `json:"error"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bookshare: %d %s: %s", e.Status, e.Kind, e.Message)
}

// Client talks to one bookshare server as one user.
type Client struct {
	baseURL  string
	http     *http.Client
	auth     func(*http.Request)
	retryFor time.Duration
}

// New returns an anonymous client for the API rooted at baseURL, for
// example http://localhost:8080/api/v1.
func New(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{baseURL: baseURL, http: hc, auth: func(*http.Request) {}}
}

// WithBasic returns a copy authenticating with username and password.
func (c *Client) WithBasic(username, password string) *Client {
	cp := *c
	cp.auth = func(r *http.Request) { r.SetBasicAuth(username, password) }
	return &cp
}

// WithToken returns a copy authenticating with a bearer token.
func (c *Client) WithToken(token string) *Client {
	cp := *c
	cp.auth = func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
	return &cp
}

// WithRetry returns a copy that retries calls rejected with 429 Too Many
// Requests, backing off exponentially for up to maxElapsed.
func (c *Client) WithRetry(maxElapsed time.Duration) *Client {
	cp := *c
	cp.retryFor = maxElapsed
	return &cp
}

// Created is the body of a 201 response.
type Created struct {
	ID      int64  `json:"ID"`
	Created bool   `json:"created"`
	Info    string `json:"info"`
	Link    string `json:"link"`
}

// Updated is the body of a state change.
type Updated struct {
	ID      int64 `json:"ID"`
	Updated bool  `json:"updated"`
}

// Session is the body of a login.
type Session struct {
	ID        int64  `json:"ID"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	Token     string `json:"token"`
	ExpiresAt string `json:"expiresAt"`
}

// BookPage is one page of a book list. Next and Prev hold a URL or false.
type BookPage struct {
	Books []books.Book `json:"books"`
	Next  interface{}  `json:"next"`
	Prev  interface{}  `json:"prev"`
}

type RequestPage struct {
	Requests []loans.Request `json:"requests"`
	Next     interface{}     `json:"next"`
	Prev     interface{}     `json:"prev"`
}

type MessagePage struct {
	Messages []messages.Message `json:"messages"`
	Next     interface{}        `json:"next"`
	Prev     interface{}        `json:"prev"`
}

func (c *Client) Register(ctx context.Context, reg users.Registration) (*Created, error) {
	return send[Created](ctx, c, http.MethodPost, "/users", reg)
}

func (c *Client) Login(ctx context.Context) (*Session, error) {
	return send[Session](ctx, c, http.MethodPost, "/users/login", nil)
}

func (c *Client) User(ctx context.Context, id int64) (*users.User, error) {
	return send[users.User](ctx, c, http.MethodGet, fmt.Sprintf("/users/%d", id), nil)
}

func (c *Client) DeleteUser(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/users/%d", id), nil, nil)
}

func (c *Client) CreateBook(ctx context.Context, nb books.NewBook) (*Created, error) {
	return send[Created](ctx, c, http.MethodPost, "/books", nb)
}

func (c *Client) Book(ctx context.Context, id int64) (*books.Book, error) {
	return send[books.Book](ctx, c, http.MethodGet, fmt.Sprintf("/books/%d", id), nil)
}

func (c *Client) DeleteBook(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/books/%d", id), nil, nil)
}

func (c *Client) Books(ctx context.Context, query url.Values) (*BookPage, error) {
	return send[BookPage](ctx, c, http.MethodGet, "/books?"+query.Encode(), nil)
}

// Search runs a keyword search, restricted to ownerID when it is non-zero.
func (c *Client) Search(ctx context.Context, keyword string, ownerID int64) (*BookPage, error) {
	q := url.Values{"q": {keyword}}
	if ownerID != 0 {
		q.Set("userID", strconv.FormatInt(ownerID, 10))
	}
	return send[BookPage](ctx, c, http.MethodGet, "/search/books?"+q.Encode(), nil)
}

func (c *Client) SetBookStatus(ctx context.Context, bookID int64, status string) (*Updated, error) {
	return send[Updated](ctx, c, http.MethodPost, fmt.Sprintf("/books/status/%d", bookID), loans.StatusChange{Status: status})
}

// RequestBook asks to borrow bookID. A request that was refused comes back
// with Created false and the reason in Info.
func (c *Client) RequestBook(ctx context.Context, bookID int64) (*Created, error) {
	return send[Created](ctx, c, http.MethodPost, "/requests", loans.NewRequest{BookID: bookID})
}

func (c *Client) Request(ctx context.Context, id int64) (*loans.Request, error) {
	return send[loans.Request](ctx, c, http.MethodGet, fmt.Sprintf("/requests/%d", id), nil)
}

func (c *Client) Requests(ctx context.Context, userID int64) (*RequestPage, error) {
	return send[RequestPage](ctx, c, http.MethodGet, fmt.Sprintf("/requests/user/%d", userID), nil)
}

func (c *Client) ArchiveRequest(ctx context.Context, id int64) (*Updated, error) {
	return send[Updated](ctx, c, http.MethodPost, fmt.Sprintf("/requests/archive/%d", id), nil)
}

func (c *Client) DeleteRequest(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/requests/%d", id), nil, nil)
}

// History returns the raw loan events of a request.
func (c *Client) History(ctx context.Context, id int64) ([]json.RawMessage, error) {
	var out struct {
		Events []json.RawMessage `json:"events"`
	}
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/requests/%d/history", id), nil, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

func (c *Client) SendMessage(ctx context.Context, requestID int64, text string) (*Created, error) {
	return send[Created](ctx, c, http.MethodPost, "/messages", messages.NewMessage{Message: text, RequestID: requestID})
}

func (c *Client) Messages(ctx context.Context, requestID int64) (*MessagePage, error) {
	return send[MessagePage](ctx, c, http.MethodGet, fmt.Sprintf("/messages/%d", requestID), nil)
}

func send[T any](ctx context.Context, c *Client, method, path string, in interface{}) (*T, error) {
	var out T
	if err := c.do(ctx, method, path, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
	}
	if c.retryFor <= 0 {
		return c.once(ctx, method, path, payload, out)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	_, err := backoff.Retry(ctx,
		func() (struct{}, error) {
			err := c.once(ctx, method, path, payload, out)
			var apiErr *APIError
			if err != nil && !(errors.As(err, &apiErr) && apiErr.Status == http.StatusTooManyRequests) {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(c.retryFor),
	)
	return err
}

func (c *Client) once(ctx context.Context, method, path string, payload []byte, out interface{}) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.auth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.NewDecoder(resp.Body).Decode(apiErr)
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
