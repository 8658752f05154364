package netio_test

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/dantte-lp/udplink/internal/netio"
)

var loopback = netip.MustParseAddrPort("127.0.0.1:0")

// TestListenUDPLoopbackRoundTrip exchanges one datagram between two
// kernel sockets on the loopback interface.
func TestListenUDPLoopbackRoundTrip(t *testing.T) {
	t.Parallel()

	a, err := netio.ListenUDP(t.Context(), loopback, netio.SocketOptions{ReuseAddr: true})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer a.Close()

	b, err := netio.ListenUDP(t.Context(), loopback, netio.SocketOptions{
		RecvBuffer: 64 * 1024,
		SendBuffer: 64 * 1024,
	})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer b.Close()

	if a.LocalAddr().Port() == 0 {
		t.Fatal("ephemeral port not resolved")
	}

	if err := a.WritePacket([]byte("hello world!\x00"), b.LocalAddr()); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}

	buf := make([]byte, 1500)
	n, src, err := b.ReadPacket(buf)
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if got := string(buf[:n]); got != "hello world!\x00" {
		t.Errorf("payload = %q", got)
	}
	if src != a.LocalAddr() {
		t.Errorf("src = %s, want %s", src, a.LocalAddr())
	}
}

// TestUDPConnCloseUnblocksReader verifies ReadPacket maps a closed socket
// to ErrSocketClosed and that Close is idempotent.
func TestUDPConnCloseUnblocksReader(t *testing.T) {
	t.Parallel()

	c, err := netio.ListenUDP(t.Context(), loopback, netio.SocketOptions{})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, _, err := c.ReadPacket(make([]byte, 16))
		errCh <- err
	}()

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	if err := <-errCh; !errors.Is(err, netio.ErrSocketClosed) {
		t.Errorf("ReadPacket error = %v, want ErrSocketClosed", err)
	}
}

// TestListenUDPAddrInUse verifies binding an occupied port fails.
func TestListenUDPAddrInUse(t *testing.T) {
	t.Parallel()

	a, err := netio.ListenUDP(t.Context(), loopback, netio.SocketOptions{})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer a.Close()

	b, err := netio.ListenUDP(t.Context(), a.LocalAddr(), netio.SocketOptions{})
	if err == nil {
		b.Close()
		t.Fatal("second bind on the same port succeeded")
	}
}
