package observability

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// METRICS TESTS
// =============================================================================

func TestRecordBusPublish(t *testing.T) {
	RecordBusPublish("instance.commands.process")

	count := testutil.ToFloat64(busMessagesPublishedTotal.WithLabelValues("instance.commands.process"))
	assert.Greater(t, count, 0.0)
}

func TestRecordBusRequest(t *testing.T) {
	tests := []struct {
		name       string
		channel    string
		outcome    string
		durationMS int64
	}{
		{"success reply", "instance.commands.container", "success", 50},
		{"timeout", "instance.commands.pod", "timeout", 30000},
		{"zero duration", "instance.commands.process", "success", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			RecordBusRequest(tt.channel, tt.outcome, tt.durationMS)

			count := testutil.ToFloat64(busRequestsTotal.WithLabelValues(tt.channel, tt.outcome))
			assert.Greater(t, count, 0.0)
		})
	}
}

func TestRecordCommandProcessed(t *testing.T) {
	tests := []struct {
		name       string
		platform   string
		kind       string
		status     string
		durationMS int64
	}{
		{"start success", "process", "Start", "success", 100},
		{"stop error", "container", "Stop", "error", 50},
		{"restart slow", "pod", "Restart", "success", 5000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			RecordCommandProcessed(tt.platform, tt.kind, tt.status, tt.durationMS)

			count := testutil.ToFloat64(workerCommandsProcessedTotal.WithLabelValues(tt.platform, tt.kind, tt.status))
			assert.Greater(t, count, 0.0)
		})
	}
}

func TestRecordHealthCheck(t *testing.T) {
	tests := []struct {
		name     string
		platform string
		result   string
	}{
		{"healthy process", "process", "healthy"},
		{"crashed container", "container", "crashed"},
		{"unreachable pod API", "pod", "unreachable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			RecordHealthCheck(tt.platform, tt.result)

			count := testutil.ToFloat64(workerHealthChecksTotal.WithLabelValues(tt.platform, tt.result))
			assert.Greater(t, count, 0.0)
		})
	}
}

func TestRecordReconciliationCycle(t *testing.T) {
	tests := []struct {
		name       string
		trigger    string
		status     string
		durationMS int64
	}{
		{"periodic success", "periodic", "success", 1000},
		{"event driven success", "event", "success", 50},
		{"periodic error", "periodic", "error", 200},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			RecordReconciliationCycle(tt.trigger, tt.status, tt.durationMS)

			count := testutil.ToFloat64(reconciliationCyclesTotal.WithLabelValues(tt.trigger, tt.status))
			assert.Greater(t, count, 0.0)
		})
	}
}

func TestRecordDriftDetected(t *testing.T) {
	before := testutil.ToFloat64(driftDetectedTotal)
	RecordDriftDetected()
	after := testutil.ToFloat64(driftDetectedTotal)
	assert.Equal(t, before+1, after)
}

func TestRecordStatusTransition(t *testing.T) {
	RecordStatusTransition("Created", "Running")

	count := testutil.ToFloat64(statusTransitionsTotal.WithLabelValues("Created", "Running"))
	assert.Greater(t, count, 0.0)
}

func TestMetrics_Concurrent(t *testing.T) {
	const goroutines = 10
	const iterations = 100

	done := make(chan bool, goroutines)

	for i := 0; i < goroutines; i++ {
		go func(id int) {
			for j := 0; j < iterations; j++ {
				RecordBusPublish("concurrent-channel")
				RecordCommandProcessed("process", "Start", "success", 50)
				RecordHealthCheck("process", "healthy")
				RecordReconciliationCycle("periodic", "success", 100)
			}
			done <- true
		}(i)
	}

	for i := 0; i < goroutines; i++ {
		<-done
	}

	count := testutil.ToFloat64(busMessagesPublishedTotal.WithLabelValues("concurrent-channel"))
	assert.Equal(t, float64(goroutines*iterations), count)
}

func TestMetrics_DifferentLabels(t *testing.T) {
	RecordCommandProcessed("process", "Start", "success", 100)
	RecordCommandProcessed("process", "Start", "error", 200)
	RecordCommandProcessed("container", "Start", "success", 300)

	processSuccess := testutil.ToFloat64(workerCommandsProcessedTotal.WithLabelValues("process", "Start", "success"))
	processError := testutil.ToFloat64(workerCommandsProcessedTotal.WithLabelValues("process", "Start", "error"))
	containerSuccess := testutil.ToFloat64(workerCommandsProcessedTotal.WithLabelValues("container", "Start", "success"))

	assert.Greater(t, processSuccess, 0.0)
	assert.Greater(t, processError, 0.0)
	assert.Greater(t, containerSuccess, 0.0)
}

func TestMetrics_HistogramBuckets(t *testing.T) {
	durations := []int64{10, 100, 500, 1000, 5000, 30000}

	for _, duration := range durations {
		RecordCommandProcessed("histogram-test", "Start", "success", duration)
	}

	count := testutil.ToFloat64(workerCommandsProcessedTotal.WithLabelValues("histogram-test", "Start", "success"))
	assert.Equal(t, float64(len(durations)), count)
}

// =============================================================================
// TRACING TESTS
// =============================================================================

func TestInitTracer_InvalidEndpoint(t *testing.T) {
	shutdown, err := InitTracer("test-service", "")

	// An empty endpoint is still accepted by the OTLP/HTTP exporter
	// constructor itself (it only fails at export time), so this call
	// succeeds; assert we got a usable shutdown function instead.
	if err != nil {
		assert.Nil(t, shutdown)
		return
	}
	require.NotNil(t, shutdown)
	_ = shutdown(context.Background())
}

func TestInitTracer_ValidParameters(t *testing.T) {
	t.Skip("Skipping integration test - requires OTLP collector")

	shutdown, err := InitTracer("test-service", "localhost:4318")
	if err != nil {
		return
	}
	require.NotNil(t, shutdown)
	defer shutdown(context.Background())
}

func TestInitTracer_ServiceName(t *testing.T) {
	shutdown, err := InitTracer("apinode", "invalid-endpoint:1234")
	if err == nil {
		require.NotNil(t, shutdown)
		_ = shutdown(context.Background())
	}
}

func TestMetrics_EndToEnd(t *testing.T) {
	RecordBusPublish("instance.commands.process")
	RecordCommandProcessed("process", "Start", "success", 500)
	RecordHealthCheck("process", "healthy")
	RecordReconciliationCycle("periodic", "success", 1000)
	RecordDriftDetected()
	RecordStatusTransition("Created", "Running")

	busCount := testutil.ToFloat64(busMessagesPublishedTotal.WithLabelValues("instance.commands.process"))
	assert.Greater(t, busCount, 0.0)

	cmdCount := testutil.ToFloat64(workerCommandsProcessedTotal.WithLabelValues("process", "Start", "success"))
	assert.Greater(t, cmdCount, 0.0)
}

func TestMetrics_Registries(t *testing.T) {
	reg := prometheus.NewRegistry()
	assert.NotNil(t, reg)
}
