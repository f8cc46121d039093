package monitor

import (
	"testing"
	"time"
)

func TestCounters(t *testing.T) {
	m := NewMetrics()
	m.IncrementSignals()
	m.IncrementSignals()
	m.IncrementEntries()
	m.IncrementRealized()
	m.AddRepairs(3)
	m.IncrementAPI()
	m.IncrementAPIErrors()

	snap := m.Snapshot()
	if snap.Signals != 2 {
		t.Errorf("signals = %d, want 2", snap.Signals)
	}
	if snap.Entries != 1 || snap.Realized != 1 {
		t.Errorf("entries/realized = %d/%d, want 1/1", snap.Entries, snap.Realized)
	}
	if snap.Repairs != 3 {
		t.Errorf("repairs = %d, want 3", snap.Repairs)
	}
	if snap.APIRequests != 1 || snap.APIErrors != 1 {
		t.Errorf("api counters = %d/%d, want 1/1", snap.APIRequests, snap.APIErrors)
	}
}

func TestLatencyHistogram(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		h := NewLatencyHistogram(10)
		if got := h.Stats(); got.Count != 0 {
			t.Errorf("empty histogram count = %d", got.Count)
		}
	})

	t.Run("basic stats", func(t *testing.T) {
		h := NewLatencyHistogram(10)
		for _, v := range []float64{10, 20, 30, 40, 50} {
			h.Record(v)
		}
		s := h.Stats()
		if s.Count != 5 {
			t.Fatalf("count = %d, want 5", s.Count)
		}
		if s.Min != 10 || s.Max != 50 {
			t.Errorf("min/max = %v/%v, want 10/50", s.Min, s.Max)
		}
		if s.Avg != 30 {
			t.Errorf("avg = %v, want 30", s.Avg)
		}
		if s.P50 != 30 {
			t.Errorf("p50 = %v, want 30", s.P50)
		}
	})

	t.Run("sliding window drops oldest", func(t *testing.T) {
		h := NewLatencyHistogram(3)
		for _, v := range []float64{100, 1, 2, 3} {
			h.Record(v)
		}
		s := h.Stats()
		if s.Count != 3 {
			t.Fatalf("count = %d, want 3", s.Count)
		}
		if s.Max != 3 {
			t.Errorf("max = %v, want 3 after 100 was evicted", s.Max)
		}
	})

	t.Run("record duration converts to ms", func(t *testing.T) {
		h := NewLatencyHistogram(10)
		h.RecordDuration(250 * time.Millisecond)
		if s := h.Stats(); s.Max != 250 {
			t.Errorf("max = %v, want 250", s.Max)
		}
	})
}
