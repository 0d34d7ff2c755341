// Package server implements the non-blocking, single-threaded readiness
// loop that serves blocks to many concurrently connected clients,
// multiplexed with golang.org/x/sys/unix.Poll — the closest Go-native
// equivalent to the reference implementation's POSIX poll(2) loop.
package server

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/p014/ttorrent/internal/pollset"
	"github.com/p014/ttorrent/internal/store"
	"github.com/p014/ttorrent/internal/ttlog"
	"github.com/p014/ttorrent/internal/wire"
)

const backlog = 10

// ---------------------------------------------------------------------------------------------- //

/*
Serve opens a listening socket on port and runs the readiness loop
forever, serving blocks of t to every client that connects. It returns
only on a fatal error (poll failure or an internal invariant
violation) — the server never exits voluntarily otherwise.

Parameters:
  - t: the torrent whose blocks are served; Serve is a no-op returning
    nil if t has no blocks
  - port: the TCP port to listen on

Returns:
  - error: the fatal error that ended the loop, or nil if t.BlockCount
    is 0 and nothing needed to be served
*/
func Serve(t *store.Torrent, port uint16) error {
	if t.BlockCount == 0 {
		ttlog.Infof("nothing to serve: file size is 0")
		return nil
	}

	listenFD, err := initListener(port)
	if err != nil {
		return fmt.Errorf("server: init listener: %w", err)
	}
	defer unix.Close(listenFD)

	loop := &readinessLoop{
		torrent:  t,
		listenFD: listenFD,
		polls:    pollset.NewSet(),
		conns:    pollset.NewConnTable(),
	}
	loop.polls.Add(int32(listenFD), unix.POLLIN)

	return loop.run()
}

// ---------------------------------------------------------------------------------------------- //

/*
initListener creates, binds, and listens on a non-blocking IPv4 TCP
socket, grounded on the source's server__init_socket.

Parameters:
  - port: the TCP port to bind

Returns:
  - int: the listening socket descriptor
  - error: any socket/bind/listen failure, with the partially-created
    fd already closed
*/
func initListener(port uint16) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("set nonblocking: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}

	addr := &unix.SockaddrInet4{Port: int(port)}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind: %w", err)
	}

	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("listen: %w", err)
	}

	return fd, nil
}

type readinessLoop struct {
	torrent  *store.Torrent
	listenFD int
	polls    *pollset.Set
	conns    *pollset.ConnTable
}

// ---------------------------------------------------------------------------------------------- //

/*
run is the server's only loop. It blocks in unix.Poll and nowhere else;
every handler it dispatches to must return to this loop the moment a
socket is not ready, rather than wait for readiness itself.

Parameters:
  - (none)

Returns:
  - error: a fatal poll failure; the loop does not return on ordinary
    client activity
*/
func (l *readinessLoop) run() error {
	for {
		_, err := unix.Poll(l.polls.Entries(), -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("server: poll: %w", err)
		}

		// Snapshot the count: accept() may append new entries to the
		// poll set during this pass, and we must not immediately
		// revisit sockets added this iteration.
		n := l.polls.Len()
		entries := l.polls.Entries()

		for i := 0; i < n && i < len(entries); i++ {
			pfd := entries[i]

			switch {
			case pfd.Fd == int32(l.listenFD) && pfd.Revents&unix.POLLIN != 0:
				l.acceptOne()

			case pfd.Revents&unix.POLLIN != 0:
				l.handleReadable(pfd.Fd)

			case pfd.Revents&unix.POLLOUT != 0:
				l.handleWritable(pfd.Fd)
			}

			entries = l.polls.Entries()
		}
	}
}

// ---------------------------------------------------------------------------------------------- //

/*
acceptOne accepts a single pending connection on the listening socket,
arms it non-blocking, and registers it in the poll set for POLLIN. A
failure here drops only the new connection, never the server.

Parameters:
  - (none)

Returns:
  - (none)
*/
func (l *readinessLoop) acceptOne() {
	connFD, _, err := unix.Accept(l.listenFD)
	if err != nil {
		ttlog.Failf("accept: %v", err)
		return
	}

	if err := unix.SetNonblock(connFD, true); err != nil {
		ttlog.Failf("set nonblocking on accepted socket %d: %v; dropping", connFD, err)
		unix.Close(connFD)
		return
	}

	l.polls.Add(int32(connFD), unix.POLLIN)
	ttlog.Debugf("accepted connection, fd=%d", connFD)
}

// ---------------------------------------------------------------------------------------------- //

/*
handleReadable attempts a single non-blocking read of whatever header
bytes fd currently has available and accumulates them in the socket's
pollset.Conn. It never retries in place: on EAGAIN it returns
immediately and leaves the socket armed for POLLIN, so the readiness
loop goes back to unix.Poll and services every other socket rather than
spinning on one client that hasn't finished sending its header yet. Only
once wire.HeaderSize bytes have accumulated across however many calls
that took does it decode the header and flip the socket's interest to
POLLOUT.

Parameters:
  - fd: the client socket reported readable by unix.Poll

Returns:
  - (none)
*/
func (l *readinessLoop) handleReadable(fd int32) {
	conn := l.conns.Ensure(fd)

	need := wire.HeaderSize - len(conn.ReadBuf)
	tmp := make([]byte, need)
	n, err := unix.Read(int(fd), tmp)
	if err != nil {
		if err == unix.EAGAIN {
			return
		}
		ttlog.Debugf("read error on fd=%d: %v", fd, err)
		l.dropClient(fd)
		return
	}
	if n == 0 {
		ttlog.Debugf("connection closed on fd=%d", fd)
		l.dropClient(fd)
		return
	}

	conn.ReadBuf = append(conn.ReadBuf, tmp[:n]...)
	if len(conn.ReadBuf) < wire.HeaderSize {
		return
	}

	hdr, err := wire.Decode(conn.ReadBuf)
	if err != nil {
		ttlog.Debugf("bad header on fd=%d: %v", fd, err)
		l.dropClient(fd)
		return
	}

	conn.HasReq = true
	conn.Code = hdr.Code
	conn.Index = hdr.BlockIndex

	if pfd := l.polls.Find(fd); pfd != nil {
		pfd.Events = unix.POLLOUT
	}
}

// ---------------------------------------------------------------------------------------------- //

/*
handleWritable builds fd's response exactly once, lazily, into the
socket's pollset.Conn.WriteBuf, then attempts a single non-blocking
write of whatever remains. Like handleReadable, it never retries in
place: on EAGAIN it returns immediately without touching poll interest,
leaving the rest of WriteBuf for the next POLLOUT event. Only once
WriteBuf is fully drained does it reset the connection's per-request
state and flip the socket back to POLLIN — this is what keeps one
client's slow reads (backpressure on a RESPONSE_OK up to 65549 bytes)
from blocking delivery to anybody else.

Parameters:
  - fd: the client socket reported writable by unix.Poll

Returns:
  - (none)
*/
func (l *readinessLoop) handleWritable(fd int32) {
	conn := l.conns.Find(fd)
	if conn == nil || !conn.HasReq {
		ttlog.Debugf("fd=%d writable with no recorded request", fd)
		return
	}

	if conn.WriteBuf == nil {
		if conn.Code != wire.CodeRequest || conn.Index >= l.torrent.BlockCount {
			ttlog.Debugf("invalid request from fd=%d (code=%d index=%d); dropping", fd, conn.Code, conn.Index)
			l.dropClient(fd)
			return
		}

		if !l.torrent.IsValid(conn.Index) {
			resp := wire.Header{Code: wire.CodeResponseNA, BlockIndex: conn.Index}
			conn.WriteBuf = resp.Encode()
		} else {
			block, err := l.torrent.Load(conn.Index)
			if err != nil {
				ttlog.Errorf("loading block %d for fd=%d: %v", conn.Index, fd, err)
				l.dropClient(fd)
				return
			}
			resp := wire.Header{Code: wire.CodeResponseOK, BlockIndex: conn.Index}
			conn.WriteBuf = append(resp.Encode(), block.Data[:block.Size]...)
		}
	}

	n, err := unix.Write(int(fd), conn.WriteBuf)
	if err != nil {
		if err == unix.EAGAIN {
			return
		}
		ttlog.Debugf("write error on fd=%d: %v; dropping", fd, err)
		l.dropClient(fd)
		return
	}

	conn.WriteBuf = conn.WriteBuf[n:]
	if len(conn.WriteBuf) > 0 {
		return
	}

	conn.Reset()
	if pfd := l.polls.Find(fd); pfd != nil {
		pfd.Events = unix.POLLIN
	}
}

// ---------------------------------------------------------------------------------------------- //

/*
dropClient closes the socket and removes it from both the poll set and
the per-connection state table. Absence from the connection table is
tolerable; absence from the poll set is a programmer error and is
fatal.

Parameters:
  - fd: the client socket to discard

Returns:
  - (none)
*/
func (l *readinessLoop) dropClient(fd int32) {
	l.conns.Remove(fd)

	if !l.polls.Remove(fd) {
		panic(fmt.Sprintf("server: internal invariant violated: fd=%d missing from poll set at drop time", fd))
	}

	if err := unix.Close(int(fd)); err != nil {
		ttlog.Errorf("closing fd=%d: %v", fd, err)
	}
}

// localTCPPort is a small helper used by tests to discover an ephemeral
// free port before starting a real listener, grounded on Go's standard
// net.Listen("tcp", ":0") idiom.
func localTCPPort() (uint16, error) {
	l, err := net.Listen("tcp4", ":0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return uint16(l.Addr().(*net.TCPAddr).Port), nil
}
