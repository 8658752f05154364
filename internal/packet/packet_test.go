package packet_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/dantte-lp/udplink/internal/packet"
)

// TestNewCopyToRoundTrip verifies that CopyTo reproduces the constructed
// payload exactly for every size up to MaxSize.
func TestNewCopyToRoundTrip(t *testing.T) {
	t.Parallel()

	sizes := []int{0, 1, 13, 512, packet.MaxSize - 1, packet.MaxSize}

	for _, size := range sizes {
		src := make([]byte, size)
		for i := range src {
			src[i] = byte(i * 7)
		}

		p, err := packet.New(src)
		if err != nil {
			t.Fatalf("New(%d bytes): %v", size, err)
		}

		if p.Len() != size {
			t.Errorf("Len() = %d, want %d", p.Len(), size)
		}

		buf := make([]byte, packet.MaxSize)
		n := p.CopyTo(buf)
		if n != size {
			t.Errorf("CopyTo wrote %d bytes, want %d", n, size)
		}
		if !bytes.Equal(buf[:n], src) {
			t.Errorf("size %d: round trip mismatch", size)
		}
	}
}

// TestNewRejectsOversize verifies that a 1501-byte payload is rejected
// rather than truncated.
func TestNewRejectsOversize(t *testing.T) {
	t.Parallel()

	p, err := packet.New(make([]byte, packet.MaxSize+1))
	if !errors.Is(err, packet.ErrOversize) {
		t.Fatalf("New(1501) error = %v, want ErrOversize", err)
	}
	if p.Len() != 0 {
		t.Errorf("rejected packet Len() = %d, want 0", p.Len())
	}
}

// TestCopyToSmallBuffer verifies CopyTo never writes past the caller's
// buffer.
func TestCopyToSmallBuffer(t *testing.T) {
	t.Parallel()

	p := packet.MustNew([]byte("hello world!\x00"))

	buf := make([]byte, 5)
	if n := p.CopyTo(buf); n != 5 {
		t.Fatalf("CopyTo(5-byte buf) = %d, want 5", n)
	}
	if string(buf) != "hello" {
		t.Errorf("CopyTo content = %q, want %q", buf, "hello")
	}

	if n := p.CopyTo(nil); n != 0 {
		t.Errorf("CopyTo(nil) = %d, want 0", n)
	}
}

// TestPacketImmutable verifies that neither the constructor input nor the
// slice returned by Bytes aliases the stored payload.
func TestPacketImmutable(t *testing.T) {
	t.Parallel()

	src := []byte("payload")
	p := packet.MustNew(src)

	src[0] = 'X'
	out := p.Bytes()
	out[1] = 'Y'

	if got := string(p.Bytes()); got != "payload" {
		t.Errorf("payload mutated through aliases: %q", got)
	}

	c := p.Clone()
	if !bytes.Equal(c.Bytes(), p.Bytes()) {
		t.Error("Clone payload differs from original")
	}
}

// TestZeroPacket verifies the zero value is a valid empty packet.
func TestZeroPacket(t *testing.T) {
	t.Parallel()

	var p packet.Packet
	if p.Len() != 0 {
		t.Errorf("zero Len() = %d, want 0", p.Len())
	}
	if p.String() != "packet(len=0)" {
		t.Errorf("String() = %q", p.String())
	}
}

// TestMustNewPanics verifies MustNew panics on oversize input.
func TestMustNewPanics(t *testing.T) {
	t.Parallel()

	defer func() {
		if recover() == nil {
			t.Error("MustNew(oversize) did not panic")
		}
	}()
	packet.MustNew(make([]byte, packet.MaxSize+1))
}

// TestPoolBufferSize verifies pooled buffers are MaxSize long.
func TestPoolBufferSize(t *testing.T) {
	t.Parallel()

	bufp, ok := packet.Pool.Get().(*[]byte)
	if !ok {
		t.Fatal("Pool returned unexpected type")
	}
	defer packet.Pool.Put(bufp)

	if len(*bufp) != packet.MaxSize {
		t.Errorf("pooled buffer len = %d, want %d", len(*bufp), packet.MaxSize)
	}
}
