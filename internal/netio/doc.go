// Package netio provides the datagram socket layer beneath udplink.
//
// PacketConn abstracts a best-effort datagram socket. UDPConn is the OS
// implementation (socket options via golang.org/x/sys/unix on Linux) and
// MemConn is an in-process implementation for tests and simulations.
// AsyncConn turns a blocking PacketConn into the asynchronous send-to /
// receive-callback model udplink expects: I/O runs on internal goroutines
// and results are handed back on the caller's goroutine from Poll.
package netio
