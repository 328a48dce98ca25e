// Package boardclient talks to a running tablutboard server: auth, game pages and the push channel.
package boardclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/park285/tablutboard/internal/session"
)

// StatusError is a non-2xx answer from the server.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("tablutboard api error: status=%d body=%s", e.Status, e.Body)
}

type Client struct {
	baseURL string
	http    *fasthttp.Client

	mu    sync.RWMutex
	token string

	defaultTimeout time.Duration
	retryMax       int
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.defaultTimeout = d }
}

func WithRetry(max int) Option {
	return func(c *Client) { c.retryMax = max }
}

// WithToken starts the client with an existing session token.
func WithToken(tok string) Option {
	return func(c *Client) { c.token = tok }
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		http:           &fasthttp.Client{ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second, MaxConnsPerHost: 16},
		defaultTimeout: 10 * time.Second,
		retryMax:       3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Token returns the session token from the last successful Login or Register.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Session is the answer to /login and /register.
type Session struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
	User      struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"user"`
}

// GamePage is the JSON rendition of the main page.
type GamePage struct {
	Game     session.Game `json:"game"`
	Created  bool         `json:"created"`
	Seat     string       `json:"seat"`
	Token    string       `json:"token"`
	ShareURL string       `json:"share_url"`
	Status   string       `json:"status"`
}

func (c *Client) Health(ctx context.Context) error {
	return c.doJSON(ctx, fasthttp.MethodGet, "/healthz", nil, nil, true)
}

func (c *Client) Register(ctx context.Context, username, password string) (*Session, error) {
	return c.signIn(ctx, "/register", username, password)
}

func (c *Client) Login(ctx context.Context, username, password string) (*Session, error) {
	return c.signIn(ctx, "/login", username, password)
}

func (c *Client) signIn(ctx context.Context, path, username, password string) (*Session, error) {
	var s Session
	in := map[string]string{"username": username, "password": password}
	if err := c.doJSON(ctx, fasthttp.MethodPost, path, in, &s, false); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.token = s.Token
	c.mu.Unlock()
	return &s, nil
}

// StartGame opens the main page without a game key. rulesetName may be empty.
func (c *Client) StartGame(ctx context.Context, rulesetName string) (*GamePage, error) {
	path := "/"
	if rulesetName != "" {
		path += "?ruleset=" + url.QueryEscape(rulesetName)
	}
	var p GamePage
	if err := c.doJSON(ctx, fasthttp.MethodGet, path, nil, &p, true); err != nil {
		return nil, err
	}
	return &p, nil
}

// OpenGame opens an existing game, taking the O seat when it is free.
func (c *Client) OpenGame(ctx context.Context, gameKey string) (*GamePage, error) {
	var p GamePage
	if err := c.doJSON(ctx, fasthttp.MethodGet, "/?gamekey="+url.QueryEscape(gameKey), nil, &p, true); err != nil {
		return nil, err
	}
	return &p, nil
}

// Opened asks the server to replay the game state over the caller's channel.
func (c *Client) Opened(ctx context.Context, gameKey string) (*session.Update, error) {
	var u session.Update
	if err := c.doJSON(ctx, fasthttp.MethodPost, "/opened", map[string]string{"gamekey": gameKey}, &u, false); err != nil {
		return nil, err
	}
	return &u, nil
}

// Move submits a move. Moves are never retried; a lost response could otherwise apply twice.
func (c *Client) Move(ctx context.Context, gameKey string, in session.MoveInput) (*session.Update, error) {
	body := map[string]string{
		"gamekey":  gameKey,
		"board":    in.Board,
		"fen":      in.Fen,
		"notation": in.Notation,
		"winner":   in.Winner,
	}
	var u session.Update
	if err := c.doJSON(ctx, fasthttp.MethodPost, "/move", body, &u, false); err != nil {
		return nil, err
	}
	return &u, nil
}

// ChannelURL turns the HTTP base URL into the /channel WebSocket URL for tok.
func (c *Client) ChannelURL(tok string) string {
	base := c.baseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/channel?token=" + url.QueryEscape(tok)
}

func (c *Client) doJSON(ctx context.Context, method, path string, in any, out any, retry bool) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.Header.SetMethod(method)
	req.SetRequestURI(c.baseURL + path)
	req.Header.Set("Accept", "application/json")
	if tok := c.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		req.Header.SetContentType("application/json")
		req.SetBody(payload)
	}

	attempts := 1
	if retry && c.retryMax > 1 {
		attempts = c.retryMax
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := c.http.DoDeadline(req, resp, c.computeDeadline(ctx))
		if err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
		} else if status := resp.StatusCode(); status < 200 || status >= 300 {
			serr := &StatusError{Status: status, Body: truncate(string(resp.Body()), 512)}
			if !shouldRetryStatus(status) {
				return serr
			}
			lastErr = serr
		} else {
			if out != nil {
				if err := json.Unmarshal(resp.Body(), out); err != nil {
					return fmt.Errorf("decode response: %w", err)
				}
			}
			return nil
		}
		if attempt < attempts {
			if sleepErr := sleepWithContext(ctx, backoffDuration(attempt)); sleepErr != nil {
				return lastErr
			}
		}
	}
	if lastErr == nil {
		lastErr = errors.New("unknown error")
	}
	return lastErr
}

func (c *Client) computeDeadline(ctx context.Context) time.Time {
	clientDL := time.Now().Add(c.defaultTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(clientDL) {
		return dl
	}
	return clientDL
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// backoffDuration doubles from 100ms and caps at 3.2s.
func backoffDuration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	return time.Duration(1<<uint(attempt-1)) * 100 * time.Millisecond
}

func shouldRetryStatus(code int) bool {
	switch code {
	case fasthttp.StatusInternalServerError, fasthttp.StatusBadGateway,
		fasthttp.StatusServiceUnavailable, fasthttp.StatusGatewayTimeout:
		return true
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
