package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_IncrementCounter(t *testing.T) {
	registry := NewRegistry()

	registry.IncrementCounter("ingest_total", nil, "Messages ingested")
	registry.IncrementCounter("ingest_total", nil, "Messages ingested")

	snapshot := registry.GetAllMetrics()
	counter := snapshot.Counters["ingest_total"]
	require.NotNil(t, counter)
	assert.Equal(t, "ingest_total", counter.Name)
	assert.Equal(t, Counter, counter.Type)
	assert.Equal(t, float64(2), counter.Value)
	assert.False(t, counter.LastUpdate.IsZero())
}

func TestRegistry_IncrementCounter_LabelsSeparateSeries(t *testing.T) {
	registry := NewRegistry()

	registry.IncrementCounter("ingest_total", map[string]string{"channel": "dingtalk"}, "Messages ingested")
	registry.IncrementCounter("ingest_total", map[string]string{"channel": "feishu"}, "Messages ingested")
	registry.IncrementCounter("ingest_total", map[string]string{"channel": "dingtalk"}, "Messages ingested")

	snapshot := registry.GetAllMetrics()
	require.NotNil(t, snapshot.Counters["ingest_total_channel:dingtalk"])
	require.NotNil(t, snapshot.Counters["ingest_total_channel:feishu"])
	assert.Equal(t, float64(2), snapshot.Counters["ingest_total_channel:dingtalk"].Value)
	assert.Equal(t, float64(1), snapshot.Counters["ingest_total_channel:feishu"].Value)
}

func TestRegistry_AddToCounter(t *testing.T) {
	registry := NewRegistry()

	registry.AddToCounter("bytes_written", 5.5, nil, "Bytes written")
	registry.AddToCounter("bytes_written", 2.3, nil, "Bytes written")

	snapshot := registry.GetAllMetrics()
	counter := snapshot.Counters["bytes_written"]
	require.NotNil(t, counter)
	assert.InDelta(t, 7.8, counter.Value, 1e-9)
}

func TestRegistry_RecordTimer(t *testing.T) {
	registry := NewRegistry()

	registry.RecordTimer("dispatch_duration", 100*time.Millisecond, nil, "Dispatch latency")

	snapshot := registry.GetAllMetrics()
	timer := snapshot.Timers["dispatch_duration"]
	require.NotNil(t, timer)
	assert.Equal(t, int64(1), timer.Count)
	assert.Equal(t, float64(100), timer.Sum)
	assert.Equal(t, float64(100), timer.Min)
	assert.Equal(t, float64(100), timer.Max)
	assert.Equal(t, float64(100), timer.Average)

	registry.RecordTimer("dispatch_duration", 200*time.Millisecond, nil, "Dispatch latency")

	snapshot = registry.GetAllMetrics()
	timer = snapshot.Timers["dispatch_duration"]
	require.NotNil(t, timer)
	assert.Equal(t, int64(2), timer.Count)
	assert.Equal(t, float64(300), timer.Sum)
	assert.Equal(t, float64(100), timer.Min)
	assert.Equal(t, float64(200), timer.Max)
	assert.Equal(t, float64(150), timer.Average)
}

func TestRegistry_SetGauge(t *testing.T) {
	registry := NewRegistry()

	registry.SetGauge("waiting_depth", 42, nil, "Visitors waiting")
	registry.SetGauge("waiting_depth", 7, nil, "Visitors waiting")

	snapshot := registry.GetAllMetrics()
	gauge := snapshot.Gauges["waiting_depth"]
	require.NotNil(t, gauge)
	assert.Equal(t, Gauge, gauge.Type)
	assert.Equal(t, float64(7), gauge.Value, "later set replaces the value")
}

func TestRegistry_MetricKey(t *testing.T) {
	registry := NewRegistry()

	assert.Equal(t, "requests_total", registry.metricKey("requests_total", nil))
	assert.Equal(t, "requests_total", registry.metricKey("requests_total", map[string]string{}))

	key := registry.metricKey("requests_total", map[string]string{
		"status":  "success",
		"channel": "dingtalk",
	})
	assert.Equal(t, "requests_total_channel:dingtalk_status:success", key,
		"label keys are sorted so the key is stable")
}

func TestRegistry_MetricKey_StableAcrossInsertionOrder(t *testing.T) {
	registry := NewRegistry()

	// Two maps holding the same labels must address the same series.
	registry.IncrementCounter("replies_total", map[string]string{"channel": "wecom", "status": "ok"}, "")
	registry.IncrementCounter("replies_total", map[string]string{"status": "ok", "channel": "wecom"}, "")

	snapshot := registry.GetAllMetrics()
	require.Len(t, snapshot.Counters, 1)
	counter := snapshot.Counters["replies_total_channel:wecom_status:ok"]
	require.NotNil(t, counter)
	assert.Equal(t, float64(2), counter.Value)
}

func TestRegistry_PercentilesNeedTenSamples(t *testing.T) {
	registry := NewRegistry()

	for i := 1; i <= 9; i++ {
		registry.RecordTimer("sparse_timer", time.Duration(i)*time.Millisecond, nil, "")
	}

	timer := registry.GetAllMetrics().Timers["sparse_timer"]
	require.NotNil(t, timer)
	assert.Zero(t, timer.P95)
	assert.Zero(t, timer.P99)

	registry.RecordTimer("sparse_timer", 10*time.Millisecond, nil, "")
	timer = registry.GetAllMetrics().Timers["sparse_timer"]
	assert.NotZero(t, timer.P95)
	assert.NotZero(t, timer.P99)
}

func TestRegistry_PercentileCalculation(t *testing.T) {
	registry := NewRegistry()

	for i := 1; i <= 100; i++ {
		registry.RecordTimer("latency", time.Duration(i)*time.Millisecond, nil, "")
	}

	timer := registry.GetAllMetrics().Timers["latency"]
	require.NotNil(t, timer)
	assert.Equal(t, int64(100), timer.Count)
	assert.InDelta(t, 96, timer.P95, 1e-9)
	assert.InDelta(t, 100, timer.P99, 1e-9)
	assert.GreaterOrEqual(t, timer.P99, timer.P95)
}

func TestRegistry_SampleWindowTrimming(t *testing.T) {
	registry := NewRegistry()

	for i := 1; i <= 1200; i++ {
		registry.RecordTimer("trim_timer", time.Duration(i)*time.Millisecond, nil, "")
	}

	timer := registry.GetAllMetrics().Timers["trim_timer"]
	require.NotNil(t, timer)

	// Count, Sum, Min and Max cover every recording even though only the most
	// recent 1000 samples are retained for percentiles.
	assert.Equal(t, int64(1200), timer.Count)
	assert.Equal(t, float64(1), timer.Min)
	assert.Equal(t, float64(1200), timer.Max)
	assert.InDelta(t, 600.5, timer.Average, 1e-9)
	assert.Len(t, timer.samples, 1000)

	// Percentiles reflect the retained window, samples 201ms through 1200ms.
	assert.InDelta(t, 1151, timer.P95, 1e-9)
	assert.InDelta(t, 1191, timer.P99, 1e-9)
}

func TestRegistry_ConcurrentUpdates(t *testing.T) {
	registry := NewRegistry()

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				registry.IncrementCounter("concurrent_counter", nil, "")
				registry.RecordTimer("concurrent_timer", time.Millisecond, nil, "")
				registry.SetGauge("concurrent_gauge", float64(i), nil, "")
			}
		}()
	}
	wg.Wait()

	snapshot := registry.GetAllMetrics()

	counter := snapshot.Counters["concurrent_counter"]
	require.NotNil(t, counter)
	assert.Equal(t, float64(1000), counter.Value)

	timer := snapshot.Timers["concurrent_timer"]
	require.NotNil(t, timer)
	assert.Equal(t, int64(1000), timer.Count)

	assert.NotNil(t, snapshot.Gauges["concurrent_gauge"])
}

func TestGlobalRegistry(t *testing.T) {
	IncrementCounter("global_counter", nil, "Global counter")
	AddToCounter("global_add", 5, nil, "Global add")
	RecordTimer("global_timer", 50*time.Millisecond, nil, "Global timer")
	SetGauge("global_gauge", 123.45, nil, "Global gauge")

	snapshot := GetAllMetrics()
	require.NotNil(t, snapshot)
	assert.NotNil(t, snapshot.Counters["global_counter"])
	assert.NotNil(t, snapshot.Counters["global_add"])
	assert.NotNil(t, snapshot.Timers["global_timer"])
	assert.NotNil(t, snapshot.Gauges["global_gauge"])

	assert.GreaterOrEqual(t, snapshot.UptimeMs, int64(0))
	assert.NotZero(t, snapshot.Timestamp)
	assert.Same(t, globalRegistry, GetRegistry())
}

func TestCopyLabels(t *testing.T) {
	original := map[string]string{"channel": "email", "status": "ok"}

	copied := copyLabels(original)
	assert.Equal(t, original, copied)

	copied["extra"] = "value"
	assert.NotContains(t, original, "extra", "mutating the copy must not touch the original")

	assert.Nil(t, copyLabels(nil))
}

func TestCalculatePercentile_Empty(t *testing.T) {
	assert.Zero(t, calculatePercentile(nil, 0.95))
	assert.Zero(t, calculatePercentile([]float64{}, 0.99))
}
