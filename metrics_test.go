package rotor

import (
	"sync"
	"testing"
	"time"
)

func TestMetricsDisabledIsNoOp(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: false})

	m.Inc(MetricRotationSuccess)
	m.Observe(MetricRotationLatency, 10*time.Millisecond)

	if m.Enabled() {
		t.Fatal("metrics must report disabled")
	}
	if m.Value(MetricRotationSuccess) != 0 {
		t.Fatal("disabled metrics must not count")
	}
	snapshot := m.Snapshot()
	if len(snapshot.Counters) != 0 || len(snapshot.Histograms) != 0 {
		t.Fatalf("disabled snapshot must be empty, got %+v", snapshot)
	}
}

func TestMetricsCounters(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true})

	for i := 0; i < 3; i++ {
		m.Inc(MetricRotationSuccess)
	}
	m.Inc(MetricReuseDetected)

	if got := m.Value(MetricRotationSuccess); got != 3 {
		t.Fatalf("expected 3, got %d", got)
	}
	if got := m.Value(MetricReuseDetected); got != 1 {
		t.Fatalf("expected 1, got %d", got)
	}
	if got := m.Value(MetricRotationFailure); got != 0 {
		t.Fatalf("expected untouched counter 0, got %d", got)
	}
}

func TestMetricsCountersConcurrent(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true})

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				m.Inc(MetricRotationSuccess)
			}
		}()
	}
	wg.Wait()

	if got := m.Value(MetricRotationSuccess); got != 8000 {
		t.Fatalf("expected 8000, got %d", got)
	}
}

func TestMetricsLatencyBuckets(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true, EnableLatencyHistograms: true})

	samples := []struct {
		d      time.Duration
		bucket int
	}{
		{2 * time.Millisecond, 0},
		{5 * time.Millisecond, 0},
		{8 * time.Millisecond, 1},
		{20 * time.Millisecond, 2},
		{40 * time.Millisecond, 3},
		{80 * time.Millisecond, 4},
		{200 * time.Millisecond, 5},
		{400 * time.Millisecond, 6},
		{2 * time.Second, 7},
	}
	for _, s := range samples {
		m.Observe(MetricRotationLatency, s.d)
	}

	buckets := m.Snapshot().Histograms[MetricRotationLatency]
	if len(buckets) != 8 {
		t.Fatalf("expected 8 buckets, got %d", len(buckets))
	}

	want := make([]uint64, 8)
	for _, s := range samples {
		want[s.bucket]++
	}
	for i := range want {
		if buckets[i] != want[i] {
			t.Fatalf("bucket %d: expected %d, got %d", i, want[i], buckets[i])
		}
	}
}

func TestMetricsLatencyDisabledByDefault(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true})

	m.Observe(MetricRotationLatency, 10*time.Millisecond)

	if m.LatencyEnabled() {
		t.Fatal("latency histograms must be opt-in")
	}
	if _, ok := m.Snapshot().Histograms[MetricRotationLatency]; ok {
		t.Fatal("snapshot must omit disabled histogram")
	}
}

func TestMetricsSnapshotIsCopy(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true})
	m.Inc(MetricRotationSuccess)

	snapshot := m.Snapshot()
	m.Inc(MetricRotationSuccess)

	if snapshot.Counters[MetricRotationSuccess] != 1 {
		t.Fatalf("snapshot must be frozen at 1, got %d", snapshot.Counters[MetricRotationSuccess])
	}
	if m.Value(MetricRotationSuccess) != 2 {
		t.Fatalf("live counter must be 2, got %d", m.Value(MetricRotationSuccess))
	}
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	m.Inc(MetricRotationSuccess)
	m.Observe(MetricRotationLatency, time.Millisecond)
	if m.Enabled() || m.LatencyEnabled() {
		t.Fatal("nil metrics must report disabled")
	}
	if m.Value(MetricRotationSuccess) != 0 {
		t.Fatal("nil metrics must read zero")
	}
}
