package server

import (
	"crypto/sha256"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/p014/ttorrent/internal/client"
	"github.com/p014/ttorrent/internal/store"
	"github.com/p014/ttorrent/internal/wire"
)

// seedTorrent writes content to a data file and opens a Torrent over it
// whose block hashes match content exactly, so every block starts valid
// and ready to serve.
func seedTorrent(t *testing.T, dir, name string, content []byte) *store.Torrent {
	t.Helper()
	dataPath := filepath.Join(dir, name)
	if err := os.WriteFile(dataPath, content, 0644); err != nil {
		t.Fatalf("seeding %s: %v", name, err)
	}

	blockCount := uint64(0)
	if len(content) > 0 {
		blockCount = (uint64(len(content)) + store.MaxBlockSize - 1) / store.MaxBlockSize
	}
	hashes := make([][32]byte, blockCount)
	for i := uint64(0); i < blockCount; i++ {
		start := i * store.MaxBlockSize
		end := start + store.MaxBlockSize
		if end > uint64(len(content)) {
			end = uint64(len(content))
		}
		hashes[i] = sha256.Sum256(content[start:end])
	}
	fileHash := sha256.Sum256(content)

	tor, err := store.Open(filepath.Join(dir, name+".ttorrent"), dataPath, fileHash, uint64(len(content)), hashes, []store.Peer{{IP: net.ParseIP("127.0.0.1"), Port: 1}})
	if err != nil {
		t.Fatalf("store.Open(%s): %v", name, err)
	}
	return tor
}

// emptyTorrentFor opens a Torrent over a zero-filled data file with the
// same shape as src, pointed at a single peer at addr, ready to be the
// download target of a client.Download call.
func emptyTorrentFor(t *testing.T, src *store.Torrent, dir, name, addr string) *store.Torrent {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("splitting addr %q: %v", addr, err)
	}
	portNum, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		t.Fatalf("parsing port %q: %v", portStr, err)
	}
	port := uint16(portNum)
	ips, err := net.LookupIP(host)
	if err != nil {
		t.Fatalf("resolving %q: %v", host, err)
	}

	dataPath := filepath.Join(dir, name)
	tor, err := store.Open(filepath.Join(dir, name+".ttorrent"), dataPath, src.FileHash, src.FileSize, src.BlockHashes, []store.Peer{{IP: ips[0], Port: port}})
	if err != nil {
		t.Fatalf("store.Open(%s): %v", name, err)
	}
	return tor
}

func startTestServer(t *testing.T, tor *store.Torrent) string {
	t.Helper()
	port, err := localTCPPort()
	if err != nil {
		t.Fatalf("finding free port: %v", err)
	}

	go func() {
		_ = Serve(tor, port)
	}()

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(int(port)))
	waitForListener(t, addr)
	return addr
}

func waitForListener(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp4", addr, 50*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server never started listening on %s", addr)
}

func TestServeAndDownloadSingleBlock(t *testing.T) {
	dir := t.TempDir()
	content := []byte("trivial torrent test payload, well under one block")
	src := seedTorrent(t, dir, "src", content)
	defer src.Close()

	addr := startTestServer(t, src)

	dst := emptyTorrentFor(t, src, dir, "dst", addr)
	defer dst.Close()

	if err := client.Download(dst); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if !dst.IsComplete() {
		t.Fatal("download did not complete")
	}
}

func TestServeAndDownloadBlockSizeBoundary(t *testing.T) {
	dir := t.TempDir()
	content := make([]byte, store.MaxBlockSize+1)
	for i := range content {
		// Offset by one so the 1-byte last block is nonzero and does not
		// already match the zero-filled download target.
		content[i] = byte(i + 1)
	}
	src := seedTorrent(t, dir, "src", content)
	defer src.Close()

	addr := startTestServer(t, src)

	dst := emptyTorrentFor(t, src, dir, "dst", addr)
	defer dst.Close()

	if err := client.Download(dst); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if !dst.IsComplete() {
		t.Fatal("boundary-size download did not complete")
	}
	if dst.BlockCount != 2 {
		t.Fatalf("BlockCount = %d, want 2", dst.BlockCount)
	}
}

func TestServeRespondsNAForMissingBlock(t *testing.T) {
	dir := t.TempDir()
	content := make([]byte, store.MaxBlockSize)
	tor := seedTorrent(t, dir, "src", content)
	defer tor.Close()

	// Flip the first block's recorded hash so the server's own
	// verification at Open() left it marked invalid.
	tor.BlockHashes[0][0] ^= 0xFF
	reopened, err := store.Open(tor.MetainfoName, filepath.Join(dir, "src"), tor.FileHash, tor.FileSize, tor.BlockHashes, tor.Peers)
	if err != nil {
		t.Fatalf("reopening with corrupted hash: %v", err)
	}
	defer reopened.Close()

	addr := startTestServer(t, reopened)

	conn, err := net.DialTimeout("tcp4", addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	req := wire.Header{Code: wire.CodeRequest, BlockIndex: 0}
	if err := wire.SendAll(conn, req.Encode()); err != nil {
		t.Fatalf("sending request: %v", err)
	}

	respBuf := make([]byte, wire.HeaderSize)
	if err := wire.RecvAll(conn, respBuf); err != nil {
		t.Fatalf("reading response: %v", err)
	}
	resp, err := wire.Decode(respBuf)
	if err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Code != wire.CodeResponseNA {
		t.Fatalf("response code = %d, want CodeResponseNA", resp.Code)
	}
}

func TestDownloadSkipsUnreachablePeerThenSucceeds(t *testing.T) {
	dir := t.TempDir()
	content := []byte("short payload for the unreachable-peer scenario")
	src := seedTorrent(t, dir, "src", content)
	defer src.Close()

	addr := startTestServer(t, src)

	// Build a target torrent with two peers: an unreachable one first,
	// the real server second.
	host, portStr, _ := net.SplitHostPort(addr)
	portNum, _ := strconv.ParseUint(portStr, 10, 16)
	port := uint16(portNum)
	ips, _ := net.LookupIP(host)

	dataPath := filepath.Join(dir, "dst2")
	dst, err := store.Open(filepath.Join(dir, "dst2.ttorrent"), dataPath, src.FileHash, src.FileSize, src.BlockHashes, []store.Peer{
		{IP: net.ParseIP("127.0.0.1"), Port: 1}, // nothing listens on port 1
		{IP: ips[0], Port: port},
	})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer dst.Close()

	if err := client.Download(dst); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if !dst.IsComplete() {
		t.Fatal("download should complete via the second, reachable peer")
	}
}

func TestManyConcurrentClients(t *testing.T) {
	dir := t.TempDir()
	content := make([]byte, store.MaxBlockSize*2+123)
	for i := range content {
		content[i] = byte(i * 5)
	}
	src := seedTorrent(t, dir, "src", content)
	defer src.Close()

	addr := startTestServer(t, src)

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("splitting addr %q: %v", addr, err)
	}
	portNum, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		t.Fatalf("parsing port %q: %v", portStr, err)
	}
	port := uint16(portNum)
	ips, err := net.LookupIP(host)
	if err != nil {
		t.Fatalf("resolving %q: %v", host, err)
	}
	peer := store.Peer{IP: ips[0], Port: port}

	const clients = 8
	var wg sync.WaitGroup
	errs := make([]error, clients)

	for i := 0; i < clients; i++ {
		i := i
		dataPath := filepath.Join(dir, "dst-concurrent-"+strconv.Itoa(i))
		dst, err := store.Open(dataPath+".ttorrent", dataPath, src.FileHash, src.FileSize, src.BlockHashes, []store.Peer{peer})
		if err != nil {
			t.Fatalf("store.Open for client %d: %v", i, err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer dst.Close()
			errs[i] = client.Download(dst)
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("client %d: Download: %v", i, err)
		}
	}
}
