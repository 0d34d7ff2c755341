// Package pollset holds the growable-by-socket sequences the server
// readiness loop needs: the poll interest set and the per-connection
// state table. Both are plain Go slices with linear find/remove helpers —
// the socket counts involved (tens of connections) never justify a hash
// map, per the source's own C growable-array design generalized to a
// native slice.
package pollset

import "golang.org/x/sys/unix"

// Set tracks, for each socket descriptor, its current poll interest.
type Set struct {
	entries []unix.PollFd
}

// NewSet returns an empty Set with the starting capacity the source uses
// (4, doubling on overflow is handled for free by append).
func NewSet() *Set {
	return &Set{entries: make([]unix.PollFd, 0, 4)}
}

// Add registers fd with the given interest (POLLIN/POLLOUT).
func (s *Set) Add(fd int32, events int16) {
	s.entries = append(s.entries, unix.PollFd{Fd: fd, Events: events})
}

// Find returns a pointer to fd's entry, or nil if fd is not tracked.
func (s *Set) Find(fd int32) *unix.PollFd {
	for i := range s.entries {
		if s.entries[i].Fd == fd {
			return &s.entries[i]
		}
	}
	return nil
}

// Remove drops fd from the set, shifting later entries left to close the
// gap. It reports whether fd was present.
func (s *Set) Remove(fd int32) bool {
	for i := range s.entries {
		if s.entries[i].Fd == fd {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Entries returns the live backing slice for passing to unix.Poll.
func (s *Set) Entries() []unix.PollFd {
	return s.entries
}

// Len reports the number of tracked sockets.
func (s *Set) Len() int {
	return len(s.entries)
}

// Conn tracks the state a single client socket carries between poll
// events: the request header bytes accumulated so far (a non-blocking
// read can return fewer than 13 bytes at a time), the decoded request
// once the header is complete, and any response bytes not yet fully
// written (a non-blocking write can likewise drain only part of a
// RESPONSE_OK payload). Holding this across events, instead of retrying
// send/recv in place until EAGAIN clears, is what lets the readiness
// loop go back to waiting on every other socket rather than spinning on
// one slow client.
type Conn struct {
	fd int32

	ReadBuf []byte
	HasReq  bool
	Code    uint8
	Index   uint64

	WriteBuf []byte
}

// Reset clears c's per-request state, readying the connection to receive
// its next request on the same socket.
func (c *Conn) Reset() {
	c.ReadBuf = nil
	c.HasReq = false
	c.Code = 0
	c.Index = 0
	c.WriteBuf = nil
}

// ConnTable maps socket descriptor to Conn, keyed by linear scan like Set.
type ConnTable struct {
	entries []Conn
}

// NewConnTable returns an empty ConnTable.
func NewConnTable() *ConnTable {
	return &ConnTable{entries: make([]Conn, 0, 4)}
}

// Ensure returns fd's Conn, creating an empty one on first use.
func (t *ConnTable) Ensure(fd int32) *Conn {
	if c := t.Find(fd); c != nil {
		return c
	}
	t.entries = append(t.entries, Conn{fd: fd})
	return &t.entries[len(t.entries)-1]
}

// Find returns fd's Conn, or nil if fd has no entry.
func (t *ConnTable) Find(fd int32) *Conn {
	for i := range t.entries {
		if t.entries[i].fd == fd {
			return &t.entries[i]
		}
	}
	return nil
}

// Remove drops fd's entry, if any. Absence is tolerable — callers must not
// treat a false return as an error (spec: "Being absent from the request
// table at drop time is tolerable").
func (t *ConnTable) Remove(fd int32) bool {
	for i := range t.entries {
		if t.entries[i].fd == fd {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			return true
		}
	}
	return false
}
