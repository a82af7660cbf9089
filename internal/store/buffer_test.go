package store_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/igodwin/scribed/internal/conftree"
	"github.com/igodwin/scribed/internal/entry"
	"github.com/igodwin/scribed/internal/metrics"
	"github.com/igodwin/scribed/internal/store"
)

var _ = Describe("BufferStore", func() {
	var primary, secondary *fakeStore
	var sink *metrics.InProcessSink
	var buf *store.BufferStore

	BeforeEach(func() {
		primary = newFakeStore("web_access")
		secondary = newFakeStore("web_access")
		sink = metrics.NewInProcessSink()
		buf = store.NewBufferStore("web_access", primary, secondary)
	})

	configure := func(extra string) {
		src := "<store>\ntype=buffer\n" + extra + "\n</store>\n"
		root, _, err := conftree.ParseString(src)
		Expect(err).NotTo(HaveOccurred())
		Expect(buf.Configure(root.Children("store")[0], sink)).To(Succeed())
	}

	It("streams straight through the primary when it opens cleanly", func() {
		configure("replay_buffer=no")
		Expect(buf.Open()).To(BeTrue())
		Expect(buf.State()).To(Equal(store.StateStreaming))

		ok, residual := buf.HandleBatch(entry.Batch{{Message: []byte("x")}})
		Expect(ok).To(BeTrue())
		Expect(residual).To(BeEmpty())
		Expect(secondary.buffered).To(BeEmpty())
	})

	It("fails over to the secondary once the primary rejects a batch", func() {
		configure("replay_buffer=no")
		Expect(buf.Open()).To(BeTrue())

		primary.handleFunc = func(b entry.Batch) (bool, entry.Batch) { return false, b }
		batch := entry.Batch{{Message: []byte("x")}}
		ok, residual := buf.HandleBatch(batch)
		Expect(ok).To(BeTrue())
		Expect(residual).To(BeEmpty())
		Expect(buf.State()).To(Equal(store.StateDisconnected))
		Expect(sink.Count(metrics.CategoryCounter("web_access", metrics.BufferPrimaryErr))).To(Equal(int64(1)))
	})

	It("opens onto the secondary directly when replay_buffer is set and starts disconnected", func() {
		configure("replay_buffer=yes")
		Expect(buf.Open()).To(BeTrue())
		Expect(buf.State()).To(Equal(store.StateDisconnected))

		ok, _ := buf.HandleBatch(entry.Batch{{Message: []byte("x")}})
		Expect(ok).To(BeTrue())
	})

	It("transitions to sending_buffer once the primary reopens, then drains back to streaming", func() {
		configure("replay_buffer=yes\nbuffer_send_rate=10")
		primary.openResult = false
		Expect(buf.Open()).To(BeTrue())
		Expect(buf.State()).To(Equal(store.StateDisconnected))

		secondary.push(entry.Batch{{Message: []byte("buffered-1")}})
		secondary.push(entry.Batch{{Message: []byte("buffered-2")}})

		// past the default 60s retry interval scheduled by Open
		now := time.Now().Add(time.Hour)
		primary.openResult = true
		buf.PeriodicCheck(now)
		Expect(buf.State()).To(Equal(store.StateSendingBuffer))

		buf.PeriodicCheck(now)
		Expect(secondary.buffered).To(BeEmpty())
		Expect(buf.State()).To(Equal(store.StateStreaming))
	})

	It("returns to disconnected if the primary fails again mid-drain", func() {
		configure("replay_buffer=yes\nbuffer_send_rate=10")
		primary.openResult = false
		Expect(buf.Open()).To(BeTrue())

		secondary.push(entry.Batch{{Message: []byte("buffered-1")}})

		// past the default 60s retry interval scheduled by Open
		now := time.Now().Add(time.Hour)
		primary.openResult = true
		buf.PeriodicCheck(now)
		Expect(buf.State()).To(Equal(store.StateSendingBuffer))

		primary.handleFunc = func(b entry.Batch) (bool, entry.Batch) { return false, b }
		buf.PeriodicCheck(now)
		Expect(buf.State()).To(Equal(store.StateDisconnected))
	})

	It("yields the drain loop when the owning queue is past the bypass ratio", func() {
		configure("replay_buffer=yes\nbuffer_send_rate=10\nbuffer_bypass_max_ratio=0.5")
		primary.openResult = false
		Expect(buf.Open()).To(BeTrue())
		secondary.push(entry.Batch{{Message: []byte("buffered-1")}})

		buf.SetQueueContext(func() int { return 90 }, 100)

		// past the default 60s retry interval scheduled by Open
		now := time.Now().Add(time.Hour)
		primary.openResult = true
		buf.PeriodicCheck(now)
		Expect(buf.State()).To(Equal(store.StateSendingBuffer))

		buf.PeriodicCheck(now)
		// drain should have bailed out before consuming the buffered batch
		Expect(secondary.buffered).To(HaveLen(1))
	})
})
