package connpool_test

import (
	"errors"
	"testing"

	. "github.com/onsi/gomega"

	"github.com/igodwin/scribed/internal/connpool"
	"github.com/igodwin/scribed/internal/entry"
	"github.com/igodwin/scribed/internal/rpcwire"
)

type fakeConn struct {
	closed  bool
	sendErr error
}

func (c *fakeConn) Log(batch entry.Batch) (rpcwire.Code, error) {
	if c.sendErr != nil {
		return 0, c.sendErr
	}
	return rpcwire.CodeOk, nil
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

func TestOpenRefCountsRepeatedOpensOfTheSameKey(t *testing.T) {
	g := NewWithT(t)

	p := connpool.New()
	dials := 0
	factory := func() (connpool.Conn, error) {
		dials++
		return &fakeConn{}, nil
	}

	g.Expect(p.Open("host:1", factory)).To(Succeed())
	g.Expect(p.Open("host:1", factory)).To(Succeed())
	g.Expect(dials).To(Equal(1))

	code, err := p.Send("host:1", entry.Batch{{Message: []byte("x")}})
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(code).To(Equal(rpcwire.CodeOk))
}

func TestCloseOnlyRemovesTheEntryOnceRefsReachZero(t *testing.T) {
	g := NewWithT(t)

	p := connpool.New()
	var conn *fakeConn
	factory := func() (connpool.Conn, error) {
		conn = &fakeConn{}
		return conn, nil
	}

	g.Expect(p.Open("host:1", factory)).To(Succeed())
	g.Expect(p.Open("host:1", factory)).To(Succeed())

	p.Close("host:1")
	g.Expect(conn.closed).To(BeFalse())
	_, err := p.Send("host:1", entry.Batch{{Message: []byte("x")}})
	g.Expect(err).NotTo(HaveOccurred())

	p.Close("host:1")
	g.Expect(conn.closed).To(BeTrue())
	_, err = p.Send("host:1", entry.Batch{{Message: []byte("x")}})
	g.Expect(err).To(HaveOccurred())
}

func TestDropRemovesRegardlessOfRefCount(t *testing.T) {
	g := NewWithT(t)

	p := connpool.New()
	var conn *fakeConn
	factory := func() (connpool.Conn, error) {
		conn = &fakeConn{}
		return conn, nil
	}

	g.Expect(p.Open("host:1", factory)).To(Succeed())
	g.Expect(p.Open("host:1", factory)).To(Succeed())

	p.Drop("host:1")
	g.Expect(conn.closed).To(BeTrue())
	_, err := p.Send("host:1", entry.Batch{{Message: []byte("x")}})
	g.Expect(err).To(HaveOccurred())
}

func TestEntryIDChangesAcrossADropThenReconnectCycle(t *testing.T) {
	g := NewWithT(t)

	p := connpool.New()
	factory := func() (connpool.Conn, error) { return &fakeConn{}, nil }

	g.Expect(p.Open("host:1", factory)).To(Succeed())
	firstID := p.EntryID("host:1")
	g.Expect(firstID).NotTo(BeEmpty())

	p.Drop("host:1")
	g.Expect(p.EntryID("host:1")).To(BeEmpty())

	g.Expect(p.Open("host:1", factory)).To(Succeed())
	secondID := p.EntryID("host:1")
	g.Expect(secondID).NotTo(BeEmpty())
	g.Expect(secondID).NotTo(Equal(firstID))
}

func TestOpenPropagatesADialError(t *testing.T) {
	g := NewWithT(t)

	p := connpool.New()
	wantErr := errors.New("dial failed")
	err := p.Open("host:1", func() (connpool.Conn, error) { return nil, wantErr })
	g.Expect(err).To(MatchError(wantErr))
	g.Expect(p.EntryID("host:1")).To(BeEmpty())
}
