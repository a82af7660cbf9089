package store_test

import (
	"fmt"

	"github.com/davecgh/go-spew/spew"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/igodwin/scribed/internal/conftree"
	"github.com/igodwin/scribed/internal/entry"
	"github.com/igodwin/scribed/internal/metrics"
	"github.com/igodwin/scribed/internal/store"
)

// newBucketFixture builds a 3-bucket + failure-bucket BucketStore backed
// entirely by fakeStores, configured via a literal conftree block.
func newBucketFixture(extra string) (*store.BucketStore, []*fakeStore, *fakeStore) {
	children := make([]store.Store, 3)
	fakes := make([]*fakeStore, 3)
	for i := range children {
		fs := newFakeStore("web_access")
		children[i] = fs
		fakes[i] = fs
	}
	failure := newFakeStore("web_access")

	b := store.NewBucketStore("web_access", children, failure)
	src := "<store>\ntype=bucket\nnum_buckets=3\n" + extra + "\n</store>\n"
	root, _, err := conftree.ParseString(src)
	Expect(err).NotTo(HaveOccurred())
	Expect(b.Configure(root.Children("store")[0], metrics.NewInProcessSink())).To(Succeed())
	Expect(b.Open()).To(BeTrue())
	return b, fakes, failure
}

var _ = Describe("BucketStore", func() {
	It("routes by key_modulo using the numeric key before the delimiter", func() {
		b, fakes, failure := newBucketFixture("bucket_type=key_modulo")

		type tc struct {
			msg     string
			wantIdx int // 0=failure, 1..3=fakes[idx-1]
		}
		cases := []tc{
			{"0:payload-a", 1},
			{"1:payload-b", 2},
			{"2:payload-c", 3},
			{"3:payload-d", 1}, // wraps: 3 % 3 == 0 -> bucket 1
			{"no-delimiter-here", 0},
		}

		for _, c := range cases {
			hit := map[int]bool{}
			for i, fs := range fakes {
				i := i
				fs.handleFunc = func(batch entry.Batch) (bool, entry.Batch) {
					hit[i+1] = true
					return true, nil
				}
			}
			failure.handleFunc = func(batch entry.Batch) (bool, entry.Batch) {
				hit[0] = true
				return true, nil
			}

			ok, residual := b.HandleBatch(entry.Batch{{Message: []byte(c.msg)}})
			Expect(ok).To(BeTrue(), spew.Sdump(c))
			Expect(residual).To(BeEmpty())
			Expect(hit).To(HaveKey(c.wantIdx), spew.Sdump(c))
			Expect(hit).To(HaveLen(1), spew.Sdump(c))
		}
	})

	It("sends an entry with no extractable key to the failure bucket", func() {
		b, fakes, failure := newBucketFixture("bucket_type=key_modulo")
		captured := []string{}
		failure.handleFunc = func(batch entry.Batch) (bool, entry.Batch) {
			for _, e := range batch {
				captured = append(captured, string(e.Message))
			}
			return true, nil
		}

		ok, residual := b.HandleBatch(entry.Batch{{Message: []byte("nodelimiter")}})
		Expect(ok).To(BeTrue())
		Expect(residual).To(BeEmpty())
		Expect(captured).To(ConsistOf("nodelimiter"))

		for _, fs := range fakes {
			Expect(fs.openCalls).To(Equal(1)) // opened, but never handed a batch
		}
	})

	It("routes by key_range proportionally across the configured range", func() {
		b, fakes, _ := newBucketFixture("bucket_type=key_range\nbucket_range=300")

		hits := make([]int, len(fakes))
		for i, fs := range fakes {
			idx := i
			fs.handleFunc = func(batch entry.Batch) (bool, entry.Batch) {
				hits[idx] += len(batch)
				return true, nil
			}
		}

		for _, key := range []string{"10", "150", "290"} {
			ok, _ := b.HandleBatch(entry.Batch{{Message: []byte(key + ":x")}})
			Expect(ok).To(BeTrue())
		}

		total := 0
		for _, h := range hits {
			total += h
		}
		Expect(total).To(Equal(3))
	})

	It("strips the bucketizing key from the stored message when remove_key is set", func() {
		b, fakes, _ := newBucketFixture("bucket_type=key_modulo\nremove_key=yes")
		var seen string
		for _, fs := range fakes {
			fs.handleFunc = func(batch entry.Batch) (bool, entry.Batch) {
				for _, e := range batch {
					seen = string(e.Message)
				}
				return true, nil
			}
		}

		ok, _ := b.HandleBatch(entry.Batch{{Message: []byte("1:the-payload")}})
		Expect(ok).To(BeTrue())
		Expect(seen).To(Equal("the-payload"))
	})

	It("preserves input order across the residual even when failures land in different buckets", func() {
		b, fakes, _ := newBucketFixture("bucket_type=key_modulo")
		// every bucket fails its entire batch
		for _, fs := range fakes {
			fs.handleFunc = func(batch entry.Batch) (bool, entry.Batch) { return false, batch }
		}

		batch := entry.Batch{
			{Message: []byte("0:a")},
			{Message: []byte("1:b")},
			{Message: []byte("2:c")},
			{Message: []byte("0:d")},
		}
		ok, residual := b.HandleBatch(batch)
		Expect(ok).To(BeFalse())
		Expect(residual).To(HaveLen(4))
		for i, e := range residual {
			Expect(e).To(BeIdenticalTo(batch[i]), fmt.Sprintf("residual[%d] out of order: %s", i, spew.Sdump(residual)))
		}
	})

	It("counts an entry with no extractable key as lost when no failure bucket is configured", func() {
		children := []store.Store{newFakeStore("web_access"), newFakeStore("web_access"), newFakeStore("web_access")}
		b := store.NewBucketStore("web_access", children, nil)
		sink := metrics.NewInProcessSink()
		root, _, err := conftree.ParseString("<store>\ntype=bucket\nnum_buckets=3\nbucket_type=key_modulo\n</store>\n")
		Expect(err).NotTo(HaveOccurred())
		Expect(b.Configure(root.Children("store")[0], sink)).To(Succeed())
		Expect(b.Open()).To(BeTrue())

		ok, residual := b.HandleBatch(entry.Batch{{Message: []byte("no-delimiter")}})
		Expect(ok).To(BeTrue())
		Expect(residual).To(BeEmpty())
		Expect(sink.Count(metrics.CategoryCounter("web_access", metrics.StoreLost))).To(Equal(int64(1)))
	})
})
