package store_test

import (
	"testing"

	. "github.com/onsi/gomega"

	"github.com/igodwin/scribed/internal/entry"
	"github.com/igodwin/scribed/internal/store"
)

func TestMultiStoreRequiresEveryChildToSucceed(t *testing.T) {
	g := NewWithT(t)

	a := newFakeStore("web_access")
	b := newFakeStore("web_access")
	m := store.NewMultiStore("web_access", []store.Store{a, b})
	g.Expect(m.Open()).To(BeTrue())

	batch := entry.Batch{{Message: []byte("x")}}
	ok, residual := m.HandleBatch(batch)
	g.Expect(ok).To(BeTrue())
	g.Expect(residual).To(BeEmpty())
}

func TestMultiStoreReportsTheLargestChildResidual(t *testing.T) {
	g := NewWithT(t)

	batch := entry.Batch{
		{Message: []byte("1")},
		{Message: []byte("2")},
		{Message: []byte("3")},
	}

	small := newFakeStore("web_access")
	small.handleFunc = func(b entry.Batch) (bool, entry.Batch) { return false, b[:1] }
	big := newFakeStore("web_access")
	big.handleFunc = func(b entry.Batch) (bool, entry.Batch) { return false, b }

	m := store.NewMultiStore("web_access", []store.Store{small, big})
	ok, residual := m.HandleBatch(batch)
	g.Expect(ok).To(BeFalse())
	g.Expect(residual).To(HaveLen(3))
}

func TestMultiStoreFailsOverallWhenOnlyOneChildFails(t *testing.T) {
	g := NewWithT(t)

	batch := entry.Batch{{Message: []byte("x")}}
	good := newFakeStore("web_access")
	bad := newFakeStore("web_access")
	bad.handleFunc = func(b entry.Batch) (bool, entry.Batch) { return false, b }

	m := store.NewMultiStore("web_access", []store.Store{good, bad})
	ok, residual := m.HandleBatch(batch)
	g.Expect(ok).To(BeFalse())
	g.Expect(residual).To(HaveLen(1))
}

func TestMultiStoreCopyClonesEveryChild(t *testing.T) {
	g := NewWithT(t)

	a := newFakeStore("web_access")
	m := store.NewMultiStore("web_access", []store.Store{a})
	clone := m.Copy("other_category").(*store.MultiStore)
	g.Expect(clone).NotTo(BeIdenticalTo(m))
}
