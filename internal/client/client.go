// Package client implements the download side of the trivial-torrent
// protocol: for each peer, open a blocking TCP connection and request
// every still-invalid block in ascending index order.
package client

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"

	"github.com/p014/ttorrent/internal/store"
	"github.com/p014/ttorrent/internal/ttlog"
	"github.com/p014/ttorrent/internal/wire"
)

// dialTimeout bounds how long a single peer connect attempt may block,
// grounded on the teacher's net.DialTimeout(addr, 5*time.Second) call in
// torrent/p2p.go's PerformHandshake.
const dialTimeout = 5 * time.Second

// ---------------------------------------------------------------------------------------------- //

/*
Download walks t.Peers in order and, for each, requests every block
whose validity bit is false, in ascending index order, until the
Torrent is complete or the peer list is exhausted. A peer that fails to
connect or drops mid-transfer is abandoned in favor of the next one;
blocks already stored are never re-requested.

Parameters:
  - t: the destination Torrent; its Peers field supplies the download
    order and its validity bitmap tracks progress

Returns:
  - error: always nil; a caller distinguishes partial downloads via
    t.IsComplete(), since Download's own success only means "every peer
    was tried," not "every block arrived"
*/
func Download(t *store.Torrent) error {
	if t.BlockCount == 0 {
		ttlog.Infof("nothing to download: file size is 0")
		return nil
	}
	if t.IsComplete() {
		ttlog.Infof("file is already complete")
		return nil
	}

	bar := progressbar.NewOptions64(int64(t.BlockCount),
		progressbar.OptionSetDescription(t.MetainfoName),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)

	for _, peer := range t.Peers {
		sessionID := uuid.New().String()[:8]
		if err := downloadFromPeer(t, peer, bar, sessionID); err != nil {
			ttlog.Failf("[%s] peer %s failed: %v; trying next peer", sessionID, peer, err)
			continue
		}
		if t.IsComplete() {
			ttlog.Infof("download complete")
			return nil
		}
	}

	return nil
}

// ---------------------------------------------------------------------------------------------- //

/*
downloadFromPeer opens one connection to peer and requests every block
of t that is not yet valid, in ascending index order, over that single
connection.

Parameters:
  - t: the destination Torrent
  - peer: the peer to connect to
  - bar: the progress bar advanced once per successfully stored block
  - sessionID: a short identifier included in log lines for this peer
    attempt

Returns:
  - error: a connect or transport failure; the caller moves on to the
    next peer
*/
func downloadFromPeer(t *store.Torrent, peer store.Peer, bar *progressbar.ProgressBar, sessionID string) error {
	addr := peer.String()

	conn, err := net.DialTimeout("tcp4", addr, dialTimeout)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()

	ttlog.Debugf("[%s] connected to %s", sessionID, addr)

	for i := uint64(0); i < t.BlockCount; i++ {
		if t.IsValid(i) {
			continue
		}

		if err := requestBlock(t, conn, i); err != nil {
			return err
		}

		if t.IsValid(i) {
			bar.Add(1)
		}
	}

	return nil
}

// ---------------------------------------------------------------------------------------------- //

/*
requestBlock sends a REQUEST for block i over conn and handles the
response. A protocol mismatch or RESPONSE_NA is fatal to the
connection — the caller abandons the whole peer, not just this block.
A hash mismatch on store is merely logged; the block stays invalid and
the caller continues to the next index on the same connection.

Parameters:
  - t: the destination Torrent, used to size the expected payload and
    store a valid block
  - conn: the open connection to the peer
  - i: the block index being requested

Returns:
  - error: nil if the block was stored, or if it failed verification
    and was merely skipped; non-nil for any transport or protocol
    failure that should abandon the connection
*/
func requestBlock(t *store.Torrent, conn net.Conn, i uint64) error {
	req := wire.Header{Code: wire.CodeRequest, BlockIndex: i}
	if err := wire.SendAll(conn, req.Encode()); err != nil {
		return fmt.Errorf("sending request for block %d: %w", i, err)
	}

	respBuf := make([]byte, wire.HeaderSize)
	if err := wire.RecvAll(conn, respBuf); err != nil {
		return fmt.Errorf("reading response header for block %d: %w", i, err)
	}

	resp, err := wire.Decode(respBuf)
	if err != nil {
		return fmt.Errorf("decoding response for block %d: %w", i, err)
	}

	if resp.Code != wire.CodeResponseOK || resp.BlockIndex != i {
		return fmt.Errorf("%w: unexpected response for block %d (code=%d index=%d)", wire.ErrProtocol, i, resp.Code, resp.BlockIndex)
	}

	size := t.BlockSize(i)
	data := make([]byte, size)
	if err := wire.RecvAll(conn, data); err != nil {
		return fmt.Errorf("reading payload for block %d: %w", i, err)
	}

	block := store.Block{Data: data, Size: size}
	if err := t.Store(i, block); err != nil {
		if errors.Is(err, store.ErrInvalidBlock) {
			ttlog.Failf("peer sent an invalid block %d, continuing with next block", i)
			return nil
		}
		return fmt.Errorf("storing block %d: %w", i, err)
	}

	return nil
}
