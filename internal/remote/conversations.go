// Package remote talks to the chat server's conversation REST API.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/chat"
)

// DefaultTimeout bounds a single request.
const DefaultTimeout = 15 * time.Second

var tracer = otel.Tracer("github.com/matheus3301/chatsync/internal/remote")

// StatusError is a non-2xx response.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.Status, e.Body)
}

// Conversations lists and deletes conversations of the signed-in user.
type Conversations struct {
	baseURL string
	token   string
	client  *http.Client
	timeout time.Duration
	logger  *zap.Logger
}

// NewConversations creates a client for the API rooted at baseURL. A nil
// client uses http.DefaultClient.
func NewConversations(baseURL, token string, client *http.Client, timeout time.Duration, logger *zap.Logger) *Conversations {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Conversations{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  client,
		timeout: timeout,
		logger:  logger,
	}
}

// List fetches the conversation list. The body is either an array or an
// object with a conversations array.
func (c *Conversations) List(ctx context.Context) ([]chat.Conversation, error) {
	var raw json.RawMessage
	if err := c.do(ctx, "conversations.list", http.MethodGet, "/conversations", &raw); err != nil {
		return nil, err
	}
	var list []chat.Conversation
	if err := json.Unmarshal(raw, &list); err != nil {
		var wrapped struct {
			Conversations []chat.Conversation `json:"conversations"`
		}
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return nil, fmt.Errorf("decode conversations: %w", err)
		}
		list = wrapped.Conversations
	}
	return list, nil
}

// Delete deletes a conversation for every participant.
func (c *Conversations) Delete(ctx context.Context, conversationID string) error {
	return c.do(ctx, "conversations.delete", http.MethodDelete, "/conversations/"+url.PathEscape(conversationID), nil)
}

func (c *Conversations) do(ctx context.Context, op, method, path string, out any) (err error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	ctx, span := tracer.Start(ctx, op)
	span.SetAttributes(attribute.String("http.method", method), attribute.String("http.path", path))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.logger.Warn("conversation api error", zap.String("op", op), zap.Int("status", resp.StatusCode))
		return &StatusError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", op, err)
	}
	return nil
}
