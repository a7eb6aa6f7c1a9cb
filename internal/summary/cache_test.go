package summary

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

func TestCachePendingClearedOnce(t *testing.T) {
	c := NewCache()
	if !c.Begin("c1") {
		t.Fatal("first Begin refused")
	}
	if c.Begin("c1") {
		t.Error("second Begin accepted while pending")
	}
	if !c.State("c1").Pending {
		t.Fatal("not pending after Begin")
	}

	var cleared atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.Resolve("c1") {
				cleared.Add(1)
			}
		}()
	}
	wg.Wait()
	if cleared.Load() != 1 {
		t.Errorf("cleared %d times, want 1", cleared.Load())
	}
	if c.State("c1").Pending {
		t.Error("still pending")
	}
}

func TestCacheResolveWithoutBegin(t *testing.T) {
	c := NewCache()
	if c.Resolve("unknown") {
		t.Error("Resolve without Begin reported a clear")
	}
}

func TestCacheFailRecordsErrorAndRetry(t *testing.T) {
	c := NewCache()
	c.Begin("c1")
	if !c.Fail("c1", errors.New("boom")) {
		t.Error("Fail did not clear pending")
	}
	st := c.State("c1")
	if st.Pending || st.Error != "boom" {
		t.Errorf("state = %+v", st)
	}

	if !c.Begin("c1") {
		t.Fatal("retry refused")
	}
	if st := c.State("c1"); st.Error != "" {
		t.Errorf("error not cleared on retry: %q", st.Error)
	}
	c.Merge("c1", Record{ID: "s1", Text: "ok"})
	c.Resolve("c1")
	st = c.State("c1")
	if active, ok := st.Active(); !ok || active.ID != "s1" {
		t.Errorf("active = %+v", active)
	}
}

func TestCacheStateIsCopy(t *testing.T) {
	c := NewCache()
	c.Merge("c1", Record{ID: "s1", Text: "a"})
	st := c.State("c1")
	st.Records[0].Text = "mutated"
	if c.State("c1").Records[0].Text != "a" {
		t.Error("State leaked internal slice")
	}
}

func TestCacheForgetAndReset(t *testing.T) {
	c := NewCache()
	c.Merge("c1", Record{ID: "s1", Text: "a"})
	c.Merge("c2", Record{ID: "s2", Text: "b"})
	c.Forget("c1")
	if len(c.State("c1").Records) != 0 {
		t.Error("c1 not forgotten")
	}
	c.Reset()
	if len(c.State("c2").Records) != 0 {
		t.Error("c2 survived reset")
	}
}

func TestCacheFailAfterPushKeepsSummary(t *testing.T) {
	c := NewCache()
	c.Begin("c1")
	c.Merge("c1", Record{ID: "s1", Text: "pushed"})
	if !c.Resolve("c1") {
		t.Fatal("push did not resolve")
	}
	if c.Fail("c1", errors.New("late timeout")) {
		t.Error("Fail cleared an already resolved request")
	}
	if st := c.State("c1"); st.Error != "" {
		t.Errorf("error = %q, want none", st.Error)
	}
}
