package echo_test

import (
	"context"
	"log/slog"
	"net/netip"
	"testing"
	"testing/synctest"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dantte-lp/udplink/internal/echo"
	"github.com/dantte-lp/udplink/internal/faultsim"
	"github.com/dantte-lp/udplink/internal/netio"
	"github.com/dantte-lp/udplink/internal/packet"
	"github.com/dantte-lp/udplink/internal/udplink"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// pair starts a server and a client Service on one MemNetwork.
func pair(t *testing.T) (server, client *udplink.Service) {
	t.Helper()

	n := netio.NewMemNetwork()
	open := func() *udplink.Service {
		pc, err := n.Listen(netip.AddrPort{})
		require.NoError(t, err)
		svc, err := udplink.NewService(t.Context(), 0, discardLogger(), udplink.WithPacketConn(pc))
		require.NoError(t, err)
		t.Cleanup(func() { assert.NoError(t, svc.Close()) })
		return svc
	}

	return open(), open()
}

func drain(c udplink.Conn) []string {
	var out []string
	var p packet.Packet
	for c.Receive(&p) {
		out = append(out, string(p.Bytes()))
	}
	return out
}

// TestServerEchoes verifies Step echoes every packet back to its sender.
func TestServerEchoes(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		server, client := pair(t)
		srv := echo.NewServer(server, discardLogger())
		require.True(t, server.AcceptingConnections())

		conn, err := client.Connect(t.Context(), "127.0.0.1", server.LocalAddr().Port())
		require.NoError(t, err)

		conn.Send(packet.MustNew([]byte("hello world!\x00")))
		conn.Send(packet.MustNew([]byte("again")))

		for range 8 {
			synctest.Wait()
			client.Update()
			srv.Step()
		}

		assert.Equal(t, []string{"hello world!\x00", "again"}, drain(conn))
		assert.Equal(t, uint64(2), srv.Echoed())
		assert.Equal(t, 1, srv.Peers())
	})
}

// TestServerForgetsClosedPeers verifies terminated connections stop being
// tracked.
func TestServerForgetsClosedPeers(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		server, client := pair(t)
		srv := echo.NewServer(server, discardLogger())

		conn, err := client.Connect(t.Context(), "127.0.0.1", server.LocalAddr().Port())
		require.NoError(t, err)
		conn.Send(packet.MustNew([]byte("x")))

		synctest.Wait()
		srv.Step()
		require.Equal(t, 1, srv.Peers())

		for _, snap := range server.Connections() {
			require.Equal(t, client.LocalAddr(), snap.Remote)
		}

		// Closing the Service terminates its connections.
		require.NoError(t, server.Close())
		srv.Step()
		assert.Zero(t, srv.Peers())
	})
}

// TestServerNotAccepting verifies WithAccepting(false) leaves unseen
// endpoints unrouted.
func TestServerNotAccepting(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		server, client := pair(t)
		srv := echo.NewServer(server, discardLogger(), echo.WithAccepting(false))
		require.False(t, server.AcceptingConnections())

		conn, err := client.Connect(t.Context(), "127.0.0.1", server.LocalAddr().Port())
		require.NoError(t, err)
		conn.Send(packet.MustNew([]byte("anyone?")))

		for range 8 {
			synctest.Wait()
			client.Update()
			srv.Step()
		}

		assert.Empty(t, drain(conn))
		assert.Zero(t, srv.Peers())
		assert.Empty(t, server.Connections())
	})
}

// TestServerWithDropAllFaults verifies an accepted connection is wrapped
// in a simulator: with every packet dropped nothing is echoed.
func TestServerWithDropAllFaults(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		server, client := pair(t)
		rep := &countingReporter{}
		srv := echo.NewServer(server, discardLogger(),
			echo.WithFaults(faultsim.Profile{DropRate: 1}, 99),
			echo.WithFaultReporter(rep))

		conn, err := client.Connect(t.Context(), "127.0.0.1", server.LocalAddr().Port())
		require.NoError(t, err)
		for range 3 {
			conn.Send(packet.MustNew([]byte("lost")))
		}

		for range 8 {
			synctest.Wait()
			client.Update()
			srv.Step()
		}

		assert.Empty(t, drain(conn))
		assert.Zero(t, srv.Echoed())
		assert.Equal(t, 3, rep.n)
	})
}

// TestServerRunStopsOnCancel verifies Run returns after cancellation and
// terminates its peers.
func TestServerRunStopsOnCancel(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		server, client := pair(t)
		srv := echo.NewServer(server, discardLogger(), echo.WithInterval(5*time.Millisecond))

		ctx, cancel := context.WithCancel(t.Context())
		done := make(chan error, 1)
		go func() { done <- srv.Run(ctx) }()

		conn, err := client.Connect(t.Context(), "127.0.0.1", server.LocalAddr().Port())
		require.NoError(t, err)
		conn.Send(packet.MustNew([]byte("ping")))

		// Let the client flush and the server loop tick a few times.
		for range 4 {
			synctest.Wait()
			client.Update()
			time.Sleep(5 * time.Millisecond)
		}
		synctest.Wait()
		client.Update()

		assert.Equal(t, []string{"ping"}, drain(conn))

		cancel()
		require.NoError(t, <-done)
		assert.Zero(t, srv.Peers())
	})
}

// TestServerLastStep verifies LastStep follows the injected clock.
func TestServerLastStep(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		server, _ := pair(t)
		mock := clock.NewMock()
		srv := echo.NewServer(server, discardLogger(), echo.WithClock(mock))

		assert.True(t, srv.LastStep().Equal(mock.Now()))

		mock.Add(3 * time.Second)
		assert.True(t, srv.LastStep().Before(mock.Now()))

		srv.Step()
		assert.True(t, srv.LastStep().Equal(mock.Now()))
	})
}

type countingReporter struct{ n int }

func (r *countingReporter) IncFaultInjected(string, string) { r.n++ }
