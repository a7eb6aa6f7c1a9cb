package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/summary"
	"github.com/matheus3301/chatsync/internal/view"
)

// Client calls a daemon's control API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the daemon at addr (host:port or URL).
func NewClient(addr string, hc *http.Client) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &Client{baseURL: strings.TrimRight(addr, "/"), http: hc}
}

// Status returns daemon status.
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var out StatusResponse
	err := c.do(ctx, http.MethodGet, "/status", nil, &out)
	return out, err
}

// Conversations returns the conversation list.
func (c *Client) Conversations(ctx context.Context) ([]view.Entry, error) {
	var out struct {
		Conversations []view.Entry `json:"conversations"`
	}
	err := c.do(ctx, http.MethodGet, "/conversations", nil, &out)
	return out.Conversations, err
}

// Open opens a conversation and returns its window.
func (c *Client) Open(ctx context.Context, id string) (WindowResponse, error) {
	var out WindowResponse
	err := c.do(ctx, http.MethodPost, "/conversations/"+url.PathEscape(id)+"/open", nil, &out)
	return out, err
}

// Close closes the open conversation.
func (c *Client) Close(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/conversations/close", nil, nil)
}

// Send queues a text message.
func (c *Client) Send(ctx context.Context, id, text string) (chat.Message, error) {
	var out chat.Message
	err := c.do(ctx, http.MethodPost, "/conversations/"+url.PathEscape(id)+"/messages", SendRequest{Text: text}, &out)
	return out, err
}

// Delete deletes a conversation.
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/conversations/"+url.PathEscape(id), nil, nil)
}

// Summarize generates a summary.
func (c *Client) Summarize(ctx context.Context, id string) (summary.Record, error) {
	var out summary.Record
	err := c.do(ctx, http.MethodPost, "/conversations/"+url.PathEscape(id)+"/summaries", nil, &out)
	return out, err
}

// Retry requeues a failed send.
func (c *Client) Retry(ctx context.Context, clientID string) error {
	return c.do(ctx, http.MethodPost, "/outbox/"+url.PathEscape(clientID)+"/retry", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, e.Error)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
