package monitor_test

import (
	"context"
	"testing"

	"github.com/cuenv/cuenv/pkg/monitor"
	"github.com/stretchr/testify/require"
	otrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestSnapshotCounters(t *testing.T) {
	m := monitor.New("test-snapshot-counters")
	m.RecordHit()
	m.RecordHit()
	m.RecordMiss()
	m.RecordWrite()
	m.RecordError()

	snap := m.Snapshot()
	require.Equal(t, int64(3), snap.TotalOps)
	require.Equal(t, int64(2), snap.Hits)
	require.Equal(t, int64(1), snap.Misses)
	require.Equal(t, int64(1), snap.Writes)
	require.Equal(t, int64(1), snap.Errors)
	require.InDelta(t, 2.0/3.0, snap.HitRate1m, 0.0001)
}

func TestStartStageRecordsLatencyAndEndsSpan(t *testing.T) {
	m := monitor.New("test-start-stage", monitor.WithSampleRate(1))
	ctx, end := m.StartStage(context.Background(), "digest_build")
	require.NotNil(t, ctx)
	end()
}

func TestSampledRateSamplerSamplesOneInN(t *testing.T) {
	s := monitor.NewSampledRateSampler(10)
	sampled := 0
	for i := 0; i < 100; i++ {
		result := s.ShouldSample(otrace.SamplingParameters{ParentContext: context.Background()})
		if result.Decision == otrace.RecordAndSample {
			sampled++
		}
	}
	require.Equal(t, 10, sampled)
}
