package api

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeCloser struct {
	closed atomic.Int64
}

func (f *fakeCloser) Close(context.Context) error {
	f.closed.Add(1)
	return nil
}

func TestSwap_UsesLatest(t *testing.T) {
	first := &fakeCloser{}
	s := newSwap[*fakeCloser](first)

	got, release := s.acquire()
	require.Same(t, first, got)
	release()

	next := &fakeCloser{}
	s.replace(next)

	got, release = s.acquire()
	require.Same(t, next, got)
	release()
	require.Same(t, next, s.currentValue())
}

func TestSwap_DefersCloseUntilRelease(t *testing.T) {
	first := &fakeCloser{}
	s := newSwap[*fakeCloser](first)

	_, release := s.acquire()
	s.replace(&fakeCloser{})
	require.Equal(t, int64(0), first.closed.Load())

	release()
	require.Equal(t, int64(1), first.closed.Load())
}

func TestSwap_ClosesIdleOnReplace(t *testing.T) {
	first := &fakeCloser{}
	s := newSwap[*fakeCloser](first)

	s.replace(&fakeCloser{})
	require.Equal(t, int64(1), first.closed.Load())
}

func TestSwap_RetireCurrentWaitsForRelease(t *testing.T) {
	cur := &fakeCloser{}
	s := newSwap[*fakeCloser](cur)

	_, release := s.acquire()
	done := s.retireCurrent()

	select {
	case <-done:
		t.Fatal("closed while still acquired")
	case <-time.After(20 * time.Millisecond):
	}

	release()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("not closed after release")
	}
	require.Equal(t, int64(1), cur.closed.Load())

	// a second retire is a no-op
	<-s.retireCurrent()
	require.Equal(t, int64(1), cur.closed.Load())
}
