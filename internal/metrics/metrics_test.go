package metrics_test

import (
	"testing"

	. "github.com/onsi/gomega"

	"github.com/igodwin/scribed/internal/metrics"
)

func TestCounterRollsUpIntoScribeOverall(t *testing.T) {
	g := NewWithT(t)

	s := metrics.NewInProcessSink()
	s.Counter(metrics.CategoryCounter("web_access", metrics.MsgIn), 3)
	s.Counter(metrics.CategoryCounter("api_access", metrics.MsgIn), 2)

	g.Expect(s.Count(metrics.CategoryCounter("web_access", metrics.MsgIn))).To(Equal(int64(3)))
	g.Expect(s.Count(metrics.OverallCounter(metrics.MsgIn))).To(Equal(int64(5)))
}

func TestStatIsLastWriteWins(t *testing.T) {
	g := NewWithT(t)

	s := metrics.NewInProcessSink()
	s.Stat("queue.depth", 10)
	s.Stat("queue.depth", 4)

	_, stats, _ := s.Snapshot()
	g.Expect(stats["queue.depth"]).To(Equal(int64(4)))
}

func TestSnapshotSummarizesHistogramsAsCountAndSum(t *testing.T) {
	g := NewWithT(t)

	s := metrics.NewInProcessSink()
	s.Histogram("web_access.hop_latency_ms", 10)
	s.Histogram("web_access.hop_latency_ms", 20)
	s.Histogram("web_access.hop_latency_ms", 30)

	_, _, histograms := s.Snapshot()
	summary, ok := histograms["web_access.hop_latency_ms"]
	g.Expect(ok).To(BeTrue())
	g.Expect(summary[0]).To(Equal(int64(3)))
	g.Expect(summary[1]).To(Equal(int64(60)))
}

func TestSnapshotIsAnIndependentCopy(t *testing.T) {
	g := NewWithT(t)

	s := metrics.NewInProcessSink()
	s.Counter("x", 1)

	counters, _, _ := s.Snapshot()
	counters["x"] = 999
	g.Expect(s.Count("x")).To(Equal(int64(1)))
}

func TestNullSinkDiscardsEverything(t *testing.T) {
	g := NewWithT(t)

	var s metrics.Sink = metrics.NullSink{}
	g.Expect(func() {
		s.Counter("x", 1)
		s.Stat("y", 2)
		s.Histogram("z", 3)
	}).NotTo(Panic())
}
