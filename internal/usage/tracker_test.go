package usage

import (
	"bytes"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTracker(start time.Time) (*Tracker, *fakeClock) {
	clock := &fakeClock{t: start}
	return New(time.Minute, WithClock(clock.Now)), clock
}

func TestTracker_WindowReset(t *testing.T) {
	tr, clock := newTracker(time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC))

	tr.Record("p1", Outcome{Success: true, Tokens: 100})
	tr.Record("p1", Outcome{Success: true, Tokens: 50})
	if c := tr.Counters("p1"); c.RequestsInWindow != 2 || c.TokensInWindow != 150 {
		t.Errorf("window = %d req / %d tok, want 2 / 150", c.RequestsInWindow, c.TokensInWindow)
	}

	clock.Advance(59 * time.Second)
	tr.Record("p1", Outcome{Success: true})
	if c := tr.Counters("p1"); c.RequestsInWindow != 3 {
		t.Errorf("RequestsInWindow = %d before expiry, want 3", c.RequestsInWindow)
	}

	clock.Advance(2 * time.Second)
	c := tr.Counters("p1")
	if c.RequestsInWindow != 0 {
		t.Errorf("RequestsInWindow = %d after expiry, want 0", c.RequestsInWindow)
	}
	if c.Requests != 3 {
		t.Errorf("Requests = %d, want lifetime count 3", c.Requests)
	}
	if !c.WindowResetAt.Equal(clock.Now().Add(time.Minute)) {
		t.Errorf("WindowResetAt = %v, want now+window", c.WindowResetAt)
	}
}

func TestTracker_CalendarRollover(t *testing.T) {
	tr, clock := newTracker(time.Date(2026, 1, 31, 23, 0, 0, 0, time.UTC))

	tr.Record("p1", Outcome{Success: true, Cost: 2})
	clock.Advance(30 * time.Minute)
	tr.Record("p1", Outcome{Success: true, Cost: 3})
	if c := tr.Counters("p1"); c.DailyCost != 5 || c.MonthlyCost != 5 {
		t.Errorf("costs = %v/%v, want 5/5", c.DailyCost, c.MonthlyCost)
	}

	clock.Advance(time.Hour) // 2026-02-01 00:30
	c := tr.Counters("p1")
	if c.DailyCost != 0 || c.MonthlyCost != 0 {
		t.Errorf("costs after month change = %v/%v, want 0/0", c.DailyCost, c.MonthlyCost)
	}
	if c.TotalCost != 5 {
		t.Errorf("TotalCost = %v, want 5", c.TotalCost)
	}

	tr.Record("p1", Outcome{Success: true, Cost: 1})
	clock.Advance(24 * time.Hour)
	if c := tr.Counters("p1"); c.DailyCost != 0 || c.MonthlyCost != 1 {
		t.Errorf("costs next day = %v/%v, want 0/1", c.DailyCost, c.MonthlyCost)
	}
}

func TestTracker_Summary(t *testing.T) {
	tr, _ := newTracker(time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC))

	tr.Record("openrouter", Outcome{Success: true, Tokens: 100, Cost: 0.5, Latency: 200 * time.Millisecond})
	tr.Record("openrouter", Outcome{Success: false, Latency: 400 * time.Millisecond})
	tr.Record("ollama", Outcome{Success: true, Tokens: 50, Latency: 600 * time.Millisecond})
	tr.RecordCacheHit()
	tr.RecordCacheMiss()
	tr.RecordCacheMiss()
	tr.RecordCacheMiss()
	tr.RecordDegraded()

	s := tr.Summary()
	if s.TotalRequests != 3 || s.FailedRequests != 1 {
		t.Errorf("requests = %d/%d failed, want 3/1", s.TotalRequests, s.FailedRequests)
	}
	if math.Abs(s.SuccessRate-2.0/3) > 1e-9 {
		t.Errorf("SuccessRate = %v, want 0.667", s.SuccessRate)
	}
	if s.AvgLatencyMs != 400 {
		t.Errorf("AvgLatencyMs = %v, want 400", s.AvgLatencyMs)
	}
	if s.TotalCost != 0.5 || s.TotalTokens != 150 {
		t.Errorf("cost/tokens = %v/%d, want 0.5/150", s.TotalCost, s.TotalTokens)
	}
	if s.CacheHitRate != 0.25 {
		t.Errorf("CacheHitRate = %v, want 0.25", s.CacheHitRate)
	}
	if s.DegradedResponses != 1 {
		t.Errorf("DegradedResponses = %d, want 1", s.DegradedResponses)
	}
	if len(s.Providers) != 2 || s.Providers[0].Name != "ollama" {
		t.Fatalf("Providers = %+v, want sorted by name", s.Providers)
	}
	if s.Providers[1].SuccessRate != 0.5 {
		t.Errorf("openrouter SuccessRate = %v, want 0.5", s.Providers[1].SuccessRate)
	}
}

func TestTracker_EmptySummary(t *testing.T) {
	s := New(0).Summary()
	if s.SuccessRate != 0 || s.CacheHitRate != 0 || s.AvgLatencyMs != 0 {
		t.Errorf("empty Summary() = %+v, want zero rates", s)
	}
}

func TestTracker_ConcurrentRecord(t *testing.T) {
	tr := New(time.Hour)
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 20 {
				tr.Record("p", Outcome{Success: true, Tokens: 1, Cost: 0.01})
			}
		}()
	}
	wg.Wait()
	if c := tr.Counters("p"); c.Requests != 1000 || c.TotalTokens != 1000 {
		t.Errorf("counters = %d req / %d tok, want 1000 / 1000", c.Requests, c.TotalTokens)
	}
}

func TestSummary_WriteXLSX(t *testing.T) {
	tr, _ := newTracker(time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC))
	tr.Record("anthropic", Outcome{Success: true, Tokens: 42, Cost: 0.12, Latency: time.Second})

	var buf bytes.Buffer
	if err := tr.Summary().WriteXLSX(&buf); err != nil {
		t.Fatalf("WriteXLSX() error = %v", err)
	}

	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("OpenReader() error = %v", err)
	}
	defer f.Close()

	if got, _ := f.GetCellValue(overviewSheet, "A2"); got != "Total requests" {
		t.Errorf("Overview!A2 = %q, want %q", got, "Total requests")
	}
	if got, _ := f.GetCellValue(overviewSheet, "B2"); got != "1" {
		t.Errorf("Overview!B2 = %q, want 1", got)
	}
	if got, _ := f.GetCellValue(providersSheet, "A2"); got != "anthropic" {
		t.Errorf("Providers!A2 = %q, want anthropic", got)
	}
	if got, _ := f.GetCellValue(providersSheet, "F2"); got != "42" {
		t.Errorf("Providers!F2 = %q, want 42", got)
	}
}
