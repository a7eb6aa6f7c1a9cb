package summary

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestGeneratorGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/conversations/c1/summaries" {
			http.Error(w, "unexpected "+r.Method+" "+r.URL.Path, http.StatusNotFound)
			return
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"summary": map[string]any{
				"summaryId":    "s1",
				"summary":      "they agreed on friday",
				"count":        4,
				"generated_at": "2024-03-01T12:00:00Z",
				"requestedBy":  body["requestedBy"],
			},
		})
	}))
	defer srv.Close()

	g := NewGenerator(srv.URL+"/", "tok", srv.Client(), time.Second, nil)
	rec, err := g.Generate(t.Context(), "c1", GenerateOptions{RequestedBy: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if rec.ID != "s1" || rec.MessageCount != 4 || rec.RequestedBy != "u1" {
		t.Errorf("rec = %+v", rec)
	}
	if rec.RequestedAt == nil {
		t.Error("requestedAt not filled in")
	}
}

func TestGeneratorGenerateRejectsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"s1"}`))
	}))
	defer srv.Close()

	g := NewGenerator(srv.URL, "", srv.Client(), time.Second, nil)
	if _, err := g.Generate(t.Context(), "c1", GenerateOptions{}); !errors.Is(err, ErrNoSummary) {
		t.Errorf("err = %v, want ErrNoSummary", err)
	}
}

func TestGeneratorHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	g := NewGenerator(srv.URL, "", srv.Client(), time.Second, nil)
	if _, err := g.Generate(t.Context(), "c1", GenerateOptions{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestGeneratorTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	g := NewGenerator(srv.URL, "", srv.Client(), 50*time.Millisecond, nil)
	if _, err := g.Fetch(t.Context(), "c1"); err == nil {
		t.Fatal("expected timeout")
	}
}

func TestGeneratorFetch(t *testing.T) {
	for name, body := range map[string]string{
		"list":    `[{"id":"b","text":"second","generatedAt":"2024-01-02T00:00:00Z"},{"id":"a","text":"first","generatedAt":"2024-01-01T00:00:00Z"},{"id":"bad"}]`,
		"wrapped": `{"summaries":[{"id":"a","text":"first","generatedAt":"2024-01-01T00:00:00Z"},{"id":"b","text":"second","generatedAt":"2024-01-02T00:00:00Z"}]}`,
	} {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(body))
			}))
			defer srv.Close()

			g := NewGenerator(srv.URL, "", srv.Client(), time.Second, nil)
			recs, err := g.Fetch(t.Context(), "c1")
			if err != nil {
				t.Fatal(err)
			}
			if len(recs) != 2 || recs[0].ID != "a" || recs[1].ID != "b" {
				t.Errorf("recs = %+v", recs)
			}
		})
	}
}
