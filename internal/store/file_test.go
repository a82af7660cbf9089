package store_test

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/igodwin/scribed/internal/conftree"
	"github.com/igodwin/scribed/internal/entry"
	"github.com/igodwin/scribed/internal/metrics"
	"github.com/igodwin/scribed/internal/store"
)

var _ = Describe("FileStore", func() {
	var dir string
	var sink *metrics.InProcessSink

	BeforeEach(func() {
		var err error
		dir, err = os.MkdirTemp("", "scribed-file-*")
		Expect(err).NotTo(HaveOccurred())
		sink = metrics.NewInProcessSink()
	})

	AfterEach(func() {
		_ = os.RemoveAll(dir)
	})

	configure := func(f *store.FileStore, extra string) {
		src := "<store>\ncategory=web_access\ntype=file\nfile_path=" + dir + "\n" + extra + "\n</store>\n"
		root, _, err := conftree.ParseString(src)
		Expect(err).NotTo(HaveOccurred())
		Expect(f.Configure(root.Children("store")[0], sink)).To(Succeed())
	}

	It("writes every message in a batch to disk", func() {
		f := store.NewFileStore("web_access")
		configure(f, "")
		Expect(f.Open()).To(BeTrue())
		defer f.Close()

		batch := entry.Batch{
			{Category: "web_access", Message: []byte("line one")},
			{Category: "web_access", Message: []byte("line two")},
		}
		ok, residual := f.HandleBatch(batch)
		Expect(ok).To(BeTrue())
		Expect(residual).To(BeEmpty())
		f.Flush()

		Expect(sink.Count(metrics.CategoryCounter("web_access", metrics.FileWritten))).To(Equal(int64(2)))

		entries, err := os.ReadDir(dir)
		Expect(err).NotTo(HaveOccurred())
		Expect(entries).NotTo(BeEmpty())
	})

	It("rotates once max_size is exceeded", func() {
		f := store.NewFileStore("web_access")
		configure(f, "max_size=10\nmax_write_size=1")
		Expect(f.Open()).To(BeTrue())
		defer f.Close()

		for i := 0; i < 5; i++ {
			ok, _ := f.HandleBatch(entry.Batch{{Category: "web_access", Message: []byte("0123456789")}})
			Expect(ok).To(BeTrue())
		}

		names, err := os.ReadDir(dir)
		Expect(err).NotTo(HaveOccurred())
		Expect(len(names)).To(BeNumerically(">", 1))
	})

	It("returns the whole batch as residual when not open", func() {
		f := store.NewFileStore("web_access")
		configure(f, "")
		// deliberately not opened
		ok, residual := f.HandleBatch(entry.Batch{{Message: []byte("x")}})
		Expect(ok).To(BeFalse())
		Expect(residual).To(HaveLen(1))
	})

	It("reads back a buffer-role file under its .buffer suffix and falls back to the legacy name", func() {
		f := store.NewFileStore("web_access")
		configure(f, "")
		f.SetBufferRole(true)
		Expect(f.Open()).To(BeTrue())

		batch := entry.Batch{{Category: "web_access", Message: []byte("payload")}}
		ok, _ := f.HandleBatch(batch)
		Expect(ok).To(BeTrue())
		f.Flush()
		f.Close()

		now := time.Now()
		Expect(f.Empty(now)).To(BeFalse())
		read, ok := f.ReadOldest(now)
		Expect(ok).To(BeTrue())
		Expect(read).To(HaveLen(1))
		Expect(string(read[0].Message)).To(Equal("payload"))

		Expect(f.DeleteOldest(now)).To(BeTrue())
		Expect(f.Empty(now)).To(BeTrue())
	})

	It("falls back to a legacy non-.buffer filename left by a prior non-buffer deployment", func() {
		// The earlier deployment wrote framed records (thriftfile), the
		// format buffer-role reads decode, under the unsuffixed name.
		f := store.NewThriftFileStore("web_access")
		configure(f, "")
		Expect(f.Open()).To(BeTrue())
		ok, _ := f.HandleBatch(entry.Batch{{Category: "web_access", Message: []byte("legacy")}})
		Expect(ok).To(BeTrue())
		f.Flush()
		f.Close()

		// Re-open the same directory as a buffer-role store: the on-disk
		// file still has the legacy (non-.buffer) name, and read/delete
		// must still find it.
		f2 := store.NewFileStore("web_access")
		configure(f2, "")
		f2.SetBufferRole(true)

		now := time.Now()
		Expect(f2.Empty(now)).To(BeFalse())
		read, ok := f2.ReadOldest(now)
		Expect(ok).To(BeTrue())
		Expect(read).To(HaveLen(1))
		Expect(string(read[0].Message)).To(Equal("legacy"))
	})

	It("uses a zero-padded bucket suffix on the base filename set via SetPathSuffix", func() {
		f := store.NewFileStore("web_access")
		configure(f, "base_filename=shard")
		f.SetPathSuffix("003")
		Expect(f.Open()).To(BeTrue())
		defer f.Close()

		_, _ = f.HandleBatch(entry.Batch{{Message: []byte("x")}})
		f.Flush()

		matches, err := filepath.Glob(filepath.Join(dir, "shard_003_*"))
		Expect(err).NotTo(HaveOccurred())
		Expect(matches).NotTo(BeEmpty())
	})
})
