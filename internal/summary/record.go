// Package summary normalizes AI conversation summaries from their various
// origins into one record shape and merges them per conversation.
package summary

import (
	"cmp"
	"encoding/json"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SyntheticPrefix marks ids generated locally for payloads without one.
const SyntheticPrefix = "local-"

// Record is the canonical summary shape.
type Record struct {
	ID                   string     `json:"id"`
	ConversationID       string     `json:"conversationId,omitempty"`
	Text                 string     `json:"text"`
	MessageCount         int        `json:"messageCount"`
	GeneratedAt          *time.Time `json:"generatedAt"`
	LastMessageCreatedAt *time.Time `json:"lastMessageCreatedAt"`
	RequestedBy          string     `json:"requestedBy,omitempty"`
	RequestedByName      string     `json:"requestedByName,omitempty"`
	SummaryMessageID     string     `json:"summaryMessageId,omitempty"`
	RangeStart           *time.Time `json:"rangeStart"`
	RangeEnd             *time.Time `json:"rangeEnd"`
	RequestedAt          *time.Time `json:"requestedAt"`
	Synthetic            bool       `json:"synthetic,omitempty"`
}

// SortKey is LastMessageCreatedAt, falling back to GeneratedAt. Records with
// neither sort first.
func (r Record) SortKey() time.Time {
	if r.LastMessageCreatedAt != nil {
		return *r.LastMessageCreatedAt
	}
	if r.GeneratedAt != nil {
		return *r.GeneratedAt
	}
	return time.Time{}
}

var (
	textKeys   = []string{"text", "summary", "content"}
	countKeys  = []string{"messageCount", "message_count", "count"}
	idKeys     = []string{"id", "_id", "summaryId", "summary_id", "summaryMessageId"}
	convKeys   = []string{"conversationId", "conversation_id"}
	genKeys    = []string{"generatedAt", "generated_at", "createdAt", "created_at"}
	lastKeys   = []string{"lastMessageCreatedAt", "last_message_created_at"}
	startKeys  = []string{"rangeStart", "range_start"}
	endKeys    = []string{"rangeEnd", "range_end"}
	reqAtKeys  = []string{"requestedAt", "requested_at"}
	byKeys     = []string{"requestedBy", "requested_by"}
	byNameKeys = []string{"requestedByName", "requested_by_name"}
	smidKeys   = []string{"summaryMessageId", "summary_message_id"}
)

// Normalize converts a raw payload into a Record. It returns false when no
// non-empty text is present. conversationID is used when the payload does
// not carry its own.
func Normalize(raw map[string]any, conversationID string) (Record, bool) {
	text := firstString(raw, textKeys)
	if strings.TrimSpace(text) == "" {
		return Record{}, false
	}
	rec := Record{
		Text:                 text,
		ConversationID:       firstString(raw, convKeys),
		MessageCount:         firstInt(raw, countKeys),
		GeneratedAt:          firstTime(raw, genKeys),
		LastMessageCreatedAt: firstTime(raw, lastKeys),
		RequestedBy:          firstString(raw, byKeys),
		RequestedByName:      firstString(raw, byNameKeys),
		SummaryMessageID:     firstString(raw, smidKeys),
		RangeStart:           firstTime(raw, startKeys),
		RangeEnd:             firstTime(raw, endKeys),
		RequestedAt:          firstTime(raw, reqAtKeys),
	}
	if rec.ConversationID == "" {
		rec.ConversationID = conversationID
	}
	rec.ID = firstString(raw, idKeys)
	if rec.ID == "" {
		rec.ID = SyntheticPrefix + uuid.NewString()
		rec.Synthetic = true
	}
	return rec, true
}

// NormalizeAll normalizes a list of payloads, dropping rejected ones.
func NormalizeAll(raws []map[string]any, conversationID string) []Record {
	out := make([]Record, 0, len(raws))
	for _, raw := range raws {
		if rec, ok := Normalize(raw, conversationID); ok {
			out = append(out, rec)
		}
	}
	return out
}

// Merge folds incoming into existing keyed by id, incoming winning on
// collision, and returns the result sorted ascending by SortKey. A
// non-synthetic incoming record also replaces a synthetic one covering the
// same request (equal RequestedAt and RangeEnd). Neither input is modified.
func Merge(existing []Record, incoming ...Record) []Record {
	byID := make(map[string]Record, len(existing)+len(incoming))
	for _, r := range existing {
		byID[r.ID] = r
	}
	for _, r := range incoming {
		if !r.Synthetic {
			for id, old := range byID {
				if old.Synthetic && sameRequest(old, r) {
					delete(byID, id)
				}
			}
		}
		byID[r.ID] = r
	}

	out := make([]Record, 0, len(byID))
	for _, r := range byID {
		out = append(out, r)
	}
	slices.SortStableFunc(out, func(a, b Record) int {
		if c := a.SortKey().Compare(b.SortKey()); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

func sameRequest(a, b Record) bool {
	if a.RequestedAt == nil || b.RequestedAt == nil || a.RangeEnd == nil || b.RangeEnd == nil {
		return false
	}
	return a.RequestedAt.Equal(*b.RequestedAt) && a.RangeEnd.Equal(*b.RangeEnd)
}

// Active returns the display summary, the last record of a sorted list.
func Active(records []Record) (Record, bool) {
	if len(records) == 0 {
		return Record{}, false
	}
	return records[len(records)-1], true
}

func lookup(raw map[string]any, keys []string) (any, bool) {
	for _, k := range keys {
		if v, ok := raw[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func firstString(raw map[string]any, keys []string) string {
	for _, k := range keys {
		switch v := raw[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		case int:
			return strconv.Itoa(v)
		case int64:
			return strconv.FormatInt(v, 10)
		case json.Number:
			return v.String()
		}
	}
	return ""
}

func firstInt(raw map[string]any, keys []string) int {
	v, ok := lookup(raw, keys)
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0
		}
		return int(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i)
		}
		if f, err := n.Float64(); err == nil {
			return int(f)
		}
	case string:
		if i, err := strconv.Atoi(strings.TrimSpace(n)); err == nil {
			return i
		}
		if f, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
			return int(f)
		}
	}
	return 0
}

// Unix timestamps above this are taken as milliseconds.
const millisThreshold = 1e11

func firstTime(raw map[string]any, keys []string) *time.Time {
	v, ok := lookup(raw, keys)
	if !ok {
		return nil
	}
	var t time.Time
	switch x := v.(type) {
	case time.Time:
		t = x
	case *time.Time:
		if x == nil {
			return nil
		}
		t = *x
	case string:
		parsed, err := parseTimeString(x)
		if err != nil {
			return nil
		}
		t = parsed
	case float64:
		t = fromUnix(x)
	case int64:
		t = fromUnix(float64(x))
	case int:
		t = fromUnix(float64(x))
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return nil
		}
		t = fromUnix(f)
	default:
		return nil
	}
	if t.IsZero() {
		return nil
	}
	t = t.UTC()
	return &t
}

func parseTimeString(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		if t := fromUnix(f); !t.IsZero() {
			return t, nil
		}
	}
	return time.Parse("2006-01-02 15:04:05", s)
}

func fromUnix(f float64) time.Time {
	if math.IsNaN(f) || math.IsInf(f, 0) || f <= 0 {
		return time.Time{}
	}
	if f >= millisThreshold {
		return time.UnixMilli(int64(f))
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9))
}
