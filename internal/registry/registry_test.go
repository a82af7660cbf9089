package registry_test

import (
	"testing"
	"time"

	. "github.com/onsi/gomega"

	"github.com/igodwin/scribed/internal/conftree"
	"github.com/igodwin/scribed/internal/entry"
	"github.com/igodwin/scribed/internal/metrics"
	"github.com/igodwin/scribed/internal/registry"
	"github.com/igodwin/scribed/internal/store"
)

func nullFactory(node *conftree.Node, category string) (store.Store, error) {
	return store.NewNullStore(category), nil
}

func parseRoot(g *WithT, src string) *conftree.Node {
	root, _, err := conftree.ParseString(src)
	g.Expect(err).NotTo(HaveOccurred())
	return root
}

func TestExactCategoryResolvesToItsOwnQueue(t *testing.T) {
	g := NewWithT(t)

	reg := registry.New(nullFactory, metrics.NewInProcessSink(), time.Hour, true)
	root := parseRoot(g, "<store>\ncategory=web_access\n</store>\n")
	g.Expect(reg.Build(root)).To(Succeed())
	defer reg.Stop()

	qs := reg.Resolve("web_access")
	g.Expect(qs).To(HaveLen(1))
	g.Expect(reg.Resolve("unknown")).To(BeNil())
}

func TestLongestPrefixWins(t *testing.T) {
	g := NewWithT(t)

	// Shared mode: every category matching a pattern gets that pattern's
	// one queue, so queue identity shows which pattern won.
	reg := registry.New(nullFactory, metrics.NewInProcessSink(), time.Hour, false)
	root := parseRoot(g, "<store>\ncategory=web_*\n</store>\n<store>\ncategory=web_access_*\n</store>\n")
	g.Expect(reg.Build(root)).To(Succeed())
	defer reg.Stop()

	short := reg.Resolve("web_access_login")
	g.Expect(short).NotTo(BeNil())
	other := reg.Resolve("web_mobile")
	g.Expect(other).NotTo(BeNil())

	g.Expect(reg.Resolve("web_access_login")).To(Equal(short))
	g.Expect(short).NotTo(Equal(other))
}

func TestDefaultCategoryCatchesAnythingUnmatched(t *testing.T) {
	g := NewWithT(t)

	reg := registry.New(nullFactory, metrics.NewInProcessSink(), time.Hour, true)
	root := parseRoot(g, "<store>\ncategory=default\n</store>\n")
	g.Expect(reg.Build(root)).To(Succeed())
	defer reg.Stop()

	qs := reg.Resolve("anything")
	g.Expect(qs).To(HaveLen(1))
}

func TestNewThreadPerCategoryClonesAModelQueuePerConcreteCategory(t *testing.T) {
	g := NewWithT(t)

	reg := registry.New(nullFactory, metrics.NewInProcessSink(), time.Hour, true)
	root := parseRoot(g, "<store>\ncategory=web_*\n</store>\n")
	g.Expect(reg.Build(root)).To(Succeed())
	defer reg.Stop()

	a := reg.Resolve("web_a")
	b := reg.Resolve("web_b")
	g.Expect(a).NotTo(BeNil())
	g.Expect(b).NotTo(BeNil())
	g.Expect(a[0]).NotTo(Equal(b[0]))
	g.Expect(reg.Resolve("web_a")).To(Equal(a)) // cached
}

func TestSharedQueueModeRoutesEveryMatchThroughOneQueue(t *testing.T) {
	g := NewWithT(t)

	reg := registry.New(nullFactory, metrics.NewInProcessSink(), time.Hour, false)
	root := parseRoot(g, "<store>\ncategory=web_*\n</store>\n")
	g.Expect(reg.Build(root)).To(Succeed())
	defer reg.Stop()

	a := reg.Resolve("web_a")
	b := reg.Resolve("web_b")
	g.Expect(a).To(HaveLen(1))
	g.Expect(a[0]).To(Equal(b[0]))
}

func TestStopStopsEveryStartedQueueConcurrently(t *testing.T) {
	g := NewWithT(t)

	reg := registry.New(nullFactory, metrics.NewInProcessSink(), time.Hour, true)
	root := parseRoot(g, "<store>\ncategory=web_access\n</store>\n<store>\ncategory=api_access\n</store>\n")
	g.Expect(reg.Build(root)).To(Succeed())

	done := make(chan struct{})
	go func() {
		reg.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() did not return in time")
	}
}

func TestAnyOverCapacityChecksEveryStartedQueueNotJustOne(t *testing.T) {
	g := NewWithT(t)

	reg := registry.New(nullFactory, metrics.NewInProcessSink(), time.Hour, true)
	root := parseRoot(g, "<store>\ncategory=web_access\n</store>\n<store>\ncategory=api_access\n</store>\n")
	g.Expect(reg.Build(root)).To(Succeed())
	defer reg.Stop()

	g.Expect(reg.AnyOverCapacity(1)).To(BeFalse())

	qs := reg.Resolve("api_access")
	g.Expect(qs).To(HaveLen(1))
	qs[0].Enqueue(&entry.LogEntry{Category: "api_access", Message: make([]byte, 10)})

	// Enqueue updates the pending byte counter synchronously, so the
	// over-capacity check observes it immediately, before the worker
	// goroutine has a chance to drain it back down.
	g.Expect(reg.AnyOverCapacity(1)).To(BeTrue())
}
