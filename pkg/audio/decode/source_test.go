// ABOUTME: Tests for the blocking source and sample buffers
// ABOUTME: Read blocking, EOF/abort semantics, bounded push back-pressure
package decode

import (
	"io"
	"testing"
	"time"
)

func TestSourceBufferReadAfterPush(t *testing.T) {
	s := newSourceBuffer()
	s.Push([]byte{1, 2, 3})

	p := make([]byte, 8)
	n, err := s.Read(p)
	if err != nil {
		t.Fatalf("read error: %v", err)
	}
	if n != 3 || p[0] != 1 || p[2] != 3 {
		t.Fatalf("unexpected read: n=%d p=%v", n, p[:n])
	}
}

func TestSourceBufferBlocksUntilData(t *testing.T) {
	s := newSourceBuffer()

	done := make(chan int, 1)
	go func() {
		p := make([]byte, 4)
		n, _ := s.Read(p)
		done <- n
	}()

	select {
	case <-done:
		t.Fatal("read returned before data arrived")
	case <-time.After(20 * time.Millisecond):
	}

	s.Push([]byte{42})
	select {
	case n := <-done:
		if n != 1 {
			t.Fatalf("expected 1 byte, got %d", n)
		}
	case <-time.After(time.Second):
		t.Fatal("read did not unblock on push")
	}
}

func TestSourceBufferEOF(t *testing.T) {
	s := newSourceBuffer()
	s.Push([]byte{9})
	s.SetEOF()

	p := make([]byte, 4)
	n, err := s.Read(p)
	if n != 1 || err != nil {
		t.Fatalf("expected pending byte before EOF, got n=%d err=%v", n, err)
	}
	if _, err := s.Read(p); err != io.EOF {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestSourceBufferAbortUnblocks(t *testing.T) {
	s := newSourceBuffer()

	errc := make(chan error, 1)
	go func() {
		_, err := s.Read(make([]byte, 4))
		errc <- err
	}()

	time.Sleep(10 * time.Millisecond)
	s.Abort()

	select {
	case err := <-errc:
		if err != errAborted {
			t.Fatalf("expected errAborted, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("abort did not unblock reader")
	}
}

func TestSampleBufferPopAlignment(t *testing.T) {
	b := newSampleBuffer(1024)
	b.Push([]int32{1, 2, 3, 4, 5})

	out := make([]int32, 16)
	// align 2: the odd trailing sample stays buffered
	n := b.Pop(out, 2)
	if n != 4 {
		t.Fatalf("expected 4 samples, got %d", n)
	}
	if b.Len() != 1 {
		t.Fatalf("expected 1 sample left, got %d", b.Len())
	}
}

func TestSampleBufferPushBlocksWhenFull(t *testing.T) {
	b := newSampleBuffer(4)
	b.Push([]int32{1, 2, 3, 4})

	pushed := make(chan bool, 1)
	go func() {
		pushed <- b.Push([]int32{5, 6})
	}()

	select {
	case <-pushed:
		t.Fatal("push returned while buffer full")
	case <-time.After(20 * time.Millisecond):
	}

	out := make([]int32, 4)
	b.Pop(out, 1)

	select {
	case ok := <-pushed:
		if !ok {
			t.Fatal("push reported closed")
		}
	case <-time.After(time.Second):
		t.Fatal("push did not unblock after pop")
	}
}

func TestSampleBufferCloseUnblocksPush(t *testing.T) {
	b := newSampleBuffer(2)
	b.Push([]int32{1, 2})

	pushed := make(chan bool, 1)
	go func() {
		pushed <- b.Push([]int32{3})
	}()

	time.Sleep(10 * time.Millisecond)
	b.Close()

	select {
	case ok := <-pushed:
		if ok {
			t.Fatal("push succeeded on closed buffer")
		}
	case <-time.After(time.Second):
		t.Fatal("close did not unblock push")
	}
}
