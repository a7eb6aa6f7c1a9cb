package summary

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
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
)

// ErrNoSummary is returned when the generation response carries no usable
// summary text.
var ErrNoSummary = errors.New("summary: response has no summary text")

// DefaultTimeout bounds a single request to the summary API.
const DefaultTimeout = 30 * time.Second

var tracer = otel.Tracer("github.com/matheus3301/chatsync/internal/summary")

// GenerateOptions narrows what a generation request covers.
type GenerateOptions struct {
	RequestedBy     string     `json:"requestedBy,omitempty"`
	RequestedByName string     `json:"requestedByName,omitempty"`
	RangeStart      *time.Time `json:"rangeStart,omitempty"`
	RangeEnd        *time.Time `json:"rangeEnd,omitempty"`
}

// Generator requests and fetches summaries from the summary API.
type Generator struct {
	baseURL string
	token   string
	client  *http.Client
	timeout time.Duration
	logger  *zap.Logger
}

// NewGenerator creates a client for the API rooted at baseURL. A nil client
// uses http.DefaultClient.
func NewGenerator(baseURL, token string, client *http.Client, timeout time.Duration, logger *zap.Logger) *Generator {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  client,
		timeout: timeout,
		logger:  logger,
	}
}

// Generate asks the API for a new summary of conversationID.
func (g *Generator) Generate(ctx context.Context, conversationID string, opts GenerateOptions) (Record, error) {
	requestedAt := time.Now().UTC()
	body := struct {
		GenerateOptions
		RequestedAt time.Time `json:"requestedAt"`
	}{opts, requestedAt}

	var raw map[string]any
	if err := g.do(ctx, "summary.generate", http.MethodPost, conversationID, body, &raw); err != nil {
		return Record{}, err
	}
	// Some deployments wrap the record.
	if inner, ok := raw["summary"].(map[string]any); ok {
		raw = inner
	}
	rec, ok := Normalize(raw, conversationID)
	if !ok {
		return Record{}, ErrNoSummary
	}
	if rec.RequestedAt == nil {
		rec.RequestedAt = &requestedAt
	}
	if rec.RangeEnd == nil {
		rec.RangeEnd = opts.RangeEnd
	}
	return rec, nil
}

// Fetch returns the summaries stored for conversationID.
func (g *Generator) Fetch(ctx context.Context, conversationID string) ([]Record, error) {
	var resp json.RawMessage
	if err := g.do(ctx, "summary.fetch", http.MethodGet, conversationID, nil, &resp); err != nil {
		return nil, err
	}
	var list []map[string]any
	if err := json.Unmarshal(resp, &list); err != nil {
		var wrapped struct {
			Summaries []map[string]any `json:"summaries"`
		}
		if err := json.Unmarshal(resp, &wrapped); err != nil {
			return nil, fmt.Errorf("decode summaries: %w", err)
		}
		list = wrapped.Summaries
	}
	return Merge(nil, NormalizeAll(list, conversationID)...), nil
}

func (g *Generator) do(ctx context.Context, op, method, conversationID string, in, out any) (err error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	ctx, span := tracer.Start(ctx, op)
	span.SetAttributes(attribute.String("conversation.id", conversationID))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	var reqBody io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	endpoint := g.baseURL + "/conversations/" + url.PathEscape(conversationID) + "/summaries"
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		g.logger.Warn("summary api error",
			zap.String("op", op),
			zap.Int("status", resp.StatusCode),
			zap.String("conversation_id", conversationID),
		)
		return fmt.Errorf("%s: status %d: %s", op, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", op, err)
	}
	return nil
}
