package monitor

import (
	"sync/atomic"

	otrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// SampledRateSampler samples every Nth trace deterministically by a
// monotonically increasing counter, rather than by probability. This is
// the execution-trace sampler required by spec.md §4.8 ("sampled
// execution traces (1-in-N, default N=100)"), adapted from the
// rate-limiting idiom in the teacher's own
// pkg/global/constant_rate_trace_sampler.go to OpenTelemetry's
// otrace.Sampler interface (the corpus's sampler targets the older
// OpenCensus API; cuenv's go.mod only carries go.opentelemetry.io/otel).
type SampledRateSampler struct {
	n       uint64
	counter atomic.Uint64
}

// DefaultSampleRate matches spec.md's documented default of 1-in-100.
const DefaultSampleRate = 100

// NewSampledRateSampler creates a sampler that samples one in every n
// traces. n <= 0 defaults to DefaultSampleRate.
func NewSampledRateSampler(n int) *SampledRateSampler {
	if n <= 0 {
		n = DefaultSampleRate
	}
	return &SampledRateSampler{n: uint64(n)}
}

// ShouldSample implements otrace.Sampler.
func (s *SampledRateSampler) ShouldSample(p otrace.SamplingParameters) otrace.SamplingResult {
	count := s.counter.Add(1)
	sampled := count%s.n == 1
	decision := otrace.Drop
	if sampled {
		decision = otrace.RecordAndSample
	}
	return otrace.SamplingResult{
		Decision:   decision,
		Tracestate: trace.SpanContextFromContext(p.ParentContext).TraceState(),
	}
}

// Description implements otrace.Sampler.
func (s *SampledRateSampler) Description() string {
	return "SampledRateSampler"
}
