package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithComponent(t *testing.T) {
	log := Logger()
	entry := log.WithComponent("test")
	if v, ok := entry.Entry.Data["component"]; !ok || v != "test" {
		t.Fatalf("component field missing: %v", entry.Entry.Data)
	}
}

func TestConfigureInvalidLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("invalid", "json", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid level")
	}
}

func TestConfigureReportLevelAndFile(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	path := filepath.Join(t.TempDir(), "out.log")
	require.NoError(t, log.Configure("report", "text", path, 0))
	assert.Equal(t, "info", log.GetLevel().String())
	assert.Error(t, log.Configure("info", "xml", "stdout", 0))
}

func TestJSONOutputUsesRenamedKeys(t *testing.T) {
	log := Logger()
	var buf bytes.Buffer
	log.SetOutput(&buf)

	log.WithComponent("venue_manager").Info("hello")

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	assert.Equal(t, "hello", out["message"])
	assert.Equal(t, "venue_manager", out["component"])
	assert.Contains(t, out, "timestamp")
}

func TestWarnAndErrorAreCounted(t *testing.T) {
	log := Logger()
	log.SetOutput(&bytes.Buffer{})

	log.WithComponent("counter_test").Warn("w")
	log.WithComponent("counter_test").Error("e")
	log.WithComponent("counter_test").Error("e")

	assert.Equal(t, int64(1), snapshotCounts(&warnCounts)["counter_test"])
	assert.Equal(t, int64(2), snapshotCounts(&errorCounts)["counter_test"])
}

type fakePublisher struct {
	mu    sync.Mutex
	names []string
}

func (f *fakePublisher) PutMetricData(_ context.Context, in *cloudwatch.PutMetricDataInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range in.MetricData {
		f.names = append(f.names, *d.MetricName)
	}
	return &cloudwatch.PutMetricDataOutput{}, nil
}

func (f *fakePublisher) PutDashboard(context.Context, *cloudwatch.PutDashboardInput, ...func(*cloudwatch.Options)) (*cloudwatch.PutDashboardOutput, error) {
	return &cloudwatch.PutDashboardOutput{}, nil
}

func TestLogMetricPublishesNumericValues(t *testing.T) {
	pub := &fakePublisher{}
	setMetricPublisher(pub)
	t.Cleanup(func() { setMetricPublisher(nil) })

	log := Logger()
	log.SetOutput(&bytes.Buffer{})
	fields := Fields{"venue": "jupiter"}
	log.LogMetric("venue_manager", "venue_latency_ms", int64(12), "gauge", fields)
	log.LogMetric("venue_manager", "ignored", "not-a-number", "gauge", nil)

	assert.Equal(t, []string{"venue_latency_ms"}, pub.names)
	assert.Equal(t, Fields{"venue": "jupiter"}, fields)
}

func TestReportSourcesAreIncluded(t *testing.T) {
	RegisterReportSource("venues", func() Fields { return Fields{"connected": 2} })

	log := Logger()
	var buf bytes.Buffer
	log.SetOutput(&buf)
	logReport(context.Background(), log)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	venues, ok := out["venues"].(map[string]interface{})
	require.True(t, ok)
	assert.EqualValues(t, 2, venues["connected"])
}
