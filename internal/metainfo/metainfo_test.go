package metainfo

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/p014/ttorrent/internal/store"
)

func TestWriteThenReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "payload.bin")

	content := make([]byte, store.MaxBlockSize+42)
	for i := range content {
		content[i] = byte(i * 3)
	}
	if err := os.WriteFile(srcPath, content, 0644); err != nil {
		t.Fatalf("writing source file: %v", err)
	}

	outPath, err := Write(srcPath)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if outPath != srcPath+".ttorrent" {
		t.Fatalf("outPath = %q, want %q", outPath, srcPath+".ttorrent")
	}

	doc, err := ReadFile(outPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	wantHash := sha256.Sum256(content)
	if doc.FileHash != wantHash {
		t.Fatal("file hash mismatch after round trip")
	}
	if doc.FileSize != uint64(len(content)) {
		t.Fatalf("FileSize = %d, want %d", doc.FileSize, len(content))
	}
	if len(doc.BlockHashes) != 2 {
		t.Fatalf("len(BlockHashes) = %d, want 2", len(doc.BlockHashes))
	}
	if len(doc.Peers) != defaultPeerCount {
		t.Fatalf("len(Peers) = %d, want %d", len(doc.Peers), defaultPeerCount)
	}
	if doc.Peers[0].Port != basePort {
		t.Fatalf("first peer port = %d, want %d", doc.Peers[0].Port, basePort)
	}
}

func TestReadSkipsCommentLines(t *testing.T) {
	zero := make([]byte, store.MaxBlockSize)
	sum := sha256.Sum256(zero)
	hash := hex.EncodeToString(sum[:])

	doc := strings.Join([]string{
		"#SHA-256 of the file is",
		hash,
		"#Size",
		"65536",
		"#Peer count is",
		"1",
		"#SHA-256, number of blocks is 1",
		hash,
		"#Peers",
		"127.0.0.1:9000",
		"",
	}, "\n")

	parsed, err := Read(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if parsed.FileSize != store.MaxBlockSize {
		t.Fatalf("FileSize = %d, want %d", parsed.FileSize, store.MaxBlockSize)
	}
	if len(parsed.Peers) != 1 || parsed.Peers[0].Port != 9000 {
		t.Fatalf("unexpected peers: %+v", parsed.Peers)
	}
}

func TestReadRejectsBadHashLength(t *testing.T) {
	_, err := Read(strings.NewReader("not-a-hash\n0\n1\nlocalhost:8080\n"))
	if err == nil {
		t.Fatal("expected error for malformed hash line, got nil")
	}
}

func TestReadRejectsPeerCountOutOfRange(t *testing.T) {
	zero := make([]byte, 0)
	sum := sha256.Sum256(zero)
	hash := hex.EncodeToString(sum[:])
	_, err := Read(strings.NewReader(hash + "\n0\n0\n"))
	if err == nil {
		t.Fatal("expected error for zero peer count, got nil")
	}
}
