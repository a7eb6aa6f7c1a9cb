package summary

import (
	"reflect"
	"strings"
	"testing"
	"time"
)

func ts(s string) *time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return &t
}

func TestNormalizeRejectsMissingText(t *testing.T) {
	for _, raw := range []map[string]any{
		{},
		{"id": "s1"},
		{"id": "s1", "text": "   "},
		{"id": "s1", "summary": ""},
	} {
		if _, ok := Normalize(raw, "c1"); ok {
			t.Errorf("Normalize(%v) accepted", raw)
		}
	}
}

func TestNormalizeAliases(t *testing.T) {
	rec, ok := Normalize(map[string]any{
		"_id":           "s9",
		"content":       "hello",
		"message_count": "12",
		"generated_at":  "2024-05-01T10:00:00Z",
		"requested_by":  "u1",
	}, "c1")
	if !ok {
		t.Fatal("expected record")
	}
	if rec.ID != "s9" || rec.Text != "hello" || rec.MessageCount != 12 {
		t.Errorf("rec = %+v", rec)
	}
	if rec.ConversationID != "c1" || rec.RequestedBy != "u1" {
		t.Errorf("rec = %+v", rec)
	}
	if rec.GeneratedAt == nil || !rec.GeneratedAt.Equal(*ts("2024-05-01T10:00:00Z")) {
		t.Errorf("generatedAt = %v", rec.GeneratedAt)
	}
	if rec.Synthetic {
		t.Error("server id marked synthetic")
	}
}

func TestNormalizeCoercion(t *testing.T) {
	tests := []struct {
		name  string
		count any
		want  int
	}{
		{"float", float64(7), 7},
		{"int", 3, 3},
		{"string", "5", 5},
		{"garbage", "five", 0},
		{"bool", true, 0},
		{"missing", nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := map[string]any{"text": "x", "id": "s"}
			if tt.count != nil {
				raw["count"] = tt.count
			}
			rec, _ := Normalize(raw, "c")
			if rec.MessageCount != tt.want {
				t.Errorf("count = %d, want %d", rec.MessageCount, tt.want)
			}
		})
	}
}

func TestNormalizeDates(t *testing.T) {
	want := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		in   any
		ok   bool
	}{
		{"rfc3339", "2024-05-01T10:00:00Z", true},
		{"offset", "2024-05-01T12:00:00+02:00", true},
		{"seconds", float64(want.Unix()), true},
		{"millis", float64(want.UnixMilli()), true},
		{"time", want, true},
		{"invalid string", "yesterday", false},
		{"zero", float64(0), false},
		{"wrong type", []int{1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, _ := Normalize(map[string]any{"text": "x", "id": "s", "lastMessageCreatedAt": tt.in}, "c")
			if !tt.ok {
				if rec.LastMessageCreatedAt != nil {
					t.Errorf("got %v, want nil", rec.LastMessageCreatedAt)
				}
				return
			}
			if rec.LastMessageCreatedAt == nil || !rec.LastMessageCreatedAt.Equal(want) {
				t.Errorf("got %v, want %v", rec.LastMessageCreatedAt, want)
			}
		})
	}
}

func TestNormalizeSynthesizesID(t *testing.T) {
	a, _ := Normalize(map[string]any{"text": "x"}, "c")
	b, _ := Normalize(map[string]any{"text": "x"}, "c")
	if !a.Synthetic || !strings.HasPrefix(a.ID, SyntheticPrefix) {
		t.Errorf("rec = %+v, want synthetic id", a)
	}
	if a.ID == b.ID {
		t.Error("synthetic ids collide")
	}
}

func TestMergeLastWriteWins(t *testing.T) {
	first, _ := Normalize(map[string]any{"id": "s1", "text": "v1", "messageCount": 5}, "c1")
	second, _ := Normalize(map[string]any{"id": "s1", "text": "v2", "messageCount": 7}, "c1")

	got := Merge(Merge(nil, first), second)
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	if got[0].MessageCount != 7 || got[0].Text != "v2" {
		t.Errorf("merged = %+v", got[0])
	}
}

func TestMergeIdempotent(t *testing.T) {
	s := []Record{
		{ID: "a", Text: "a", GeneratedAt: ts("2024-01-01T00:00:00Z")},
		{ID: "b", Text: "b", LastMessageCreatedAt: ts("2024-01-03T00:00:00Z")},
	}
	incoming := []Record{
		{ID: "c", Text: "c", GeneratedAt: ts("2024-01-02T00:00:00Z")},
		{ID: "a", Text: "a2", GeneratedAt: ts("2024-01-04T00:00:00Z")},
		{ID: "d", Text: "d"},
	}
	for _, a := range incoming {
		once := Merge(s, a)
		twice := Merge(once, a)
		if !reflect.DeepEqual(once, twice) {
			t.Errorf("merge not idempotent for %s:\n once %+v\ntwice %+v", a.ID, once, twice)
		}
	}
}

func TestMergeSorted(t *testing.T) {
	got := Merge(
		[]Record{
			{ID: "late", Text: "x", GeneratedAt: ts("2024-01-05T00:00:00Z")},
			{ID: "mid", Text: "x", GeneratedAt: ts("2024-01-09T00:00:00Z"), LastMessageCreatedAt: ts("2024-01-03T00:00:00Z")},
		},
		Record{ID: "early", Text: "x", LastMessageCreatedAt: ts("2024-01-01T00:00:00Z")},
		Record{ID: "undated", Text: "x"},
	)
	var ids []string
	for _, r := range got {
		ids = append(ids, r.ID)
	}
	want := []string{"undated", "early", "mid", "late"}
	if !reflect.DeepEqual(ids, want) {
		t.Errorf("order = %v, want %v", ids, want)
	}
	if active, _ := Active(got); active.ID != "late" {
		t.Errorf("active = %s, want late", active.ID)
	}
}

func TestMergeDoesNotModifyInputs(t *testing.T) {
	existing := []Record{{ID: "b", Text: "b", GeneratedAt: ts("2024-01-02T00:00:00Z")}, {ID: "a", Text: "a", GeneratedAt: ts("2024-01-01T00:00:00Z")}}
	_ = Merge(existing, Record{ID: "b", Text: "changed"})
	if existing[0].ID != "b" || existing[0].Text != "b" {
		t.Errorf("existing modified: %+v", existing)
	}
}

func TestMergeReplacesSyntheticForSameRequest(t *testing.T) {
	requested := ts("2024-02-01T09:00:00Z")
	end := ts("2024-02-01T08:59:00Z")
	local, _ := Normalize(map[string]any{"text": "draft", "requestedAt": *requested, "rangeEnd": *end}, "c")
	server := Record{ID: "s1", Text: "final", RequestedAt: requested, RangeEnd: end}
	other := Record{ID: "s2", Text: "other", RequestedAt: ts("2024-02-02T09:00:00Z"), RangeEnd: end}

	got := Merge([]Record{local}, server, other)
	if len(got) != 2 {
		t.Fatalf("got %+v, want synthetic replaced", got)
	}
	for _, r := range got {
		if r.Synthetic {
			t.Errorf("synthetic record survived: %+v", r)
		}
	}
}

func TestActiveEmpty(t *testing.T) {
	if _, ok := Active(nil); ok {
		t.Error("Active(nil) reported a record")
	}
}
