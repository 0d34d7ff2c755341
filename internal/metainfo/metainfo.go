// Package metainfo reads and writes the line-oriented metainfo document
// described in spec §4.2/§6: a whole-file hash, file size, peer count,
// per-block hashes, and peer endpoints.
package metainfo

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/p014/ttorrent/internal/store"
)

const maxLineLength = 1023

// Document is the parsed contents of a metainfo file, with every peer
// host already resolved to an IPv4 address.
type Document struct {
	FileHash    [32]byte
	FileSize    uint64
	BlockHashes [][32]byte
	Peers       []store.Peer
}

type lineReader struct {
	s *bufio.Scanner
}

func newLineReader(r io.Reader) *lineReader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, maxLineLength+1), maxLineLength+1)
	return &lineReader{s: s}
}

// next returns the next line that does not start with '#', or an error on
// EOF or a line exceeding maxLineLength. Empty lines are not skipped; they
// are returned like any other record.
func (lr *lineReader) next() (string, error) {
	for {
		if !lr.s.Scan() {
			if err := lr.s.Err(); err != nil {
				return "", fmt.Errorf("%w: reading line: %v", store.ErrBadMetainfo, err)
			}
			return "", fmt.Errorf("%w: unexpected EOF", store.ErrBadMetainfo)
		}

		line := lr.s.Text()
		if len(line) > maxLineLength {
			return "", fmt.Errorf("%w: line exceeds %d bytes", store.ErrBadMetainfo, maxLineLength)
		}
		if strings.HasPrefix(line, "#") {
			continue
		}
		return line, nil
	}
}

func parseHash(line string) ([32]byte, error) {
	var h [32]byte
	if len(line) != 64 {
		return h, fmt.Errorf("%w: hash %q is not 64 hex characters", store.ErrBadMetainfo, line)
	}
	raw, err := hex.DecodeString(line)
	if err != nil {
		return h, fmt.Errorf("%w: malformed hex hash %q: %v", store.ErrBadMetainfo, line, err)
	}
	copy(h[:], raw)
	return h, nil
}

func parsePeer(line string) (store.Peer, error) {
	idx := strings.LastIndex(line, ":")
	if idx < 0 {
		return store.Peer{}, fmt.Errorf("%w: peer %q has no port", store.ErrBadMetainfo, line)
	}

	host, portStr := line[:idx], line[idx+1:]

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return store.Peer{}, fmt.Errorf("%w: bad port in %q: %v", store.ErrBadMetainfo, line, err)
	}

	addrs, err := net.LookupIP(host)
	if err != nil {
		return store.Peer{}, fmt.Errorf("%w: resolving %q: %v", store.ErrBadMetainfo, host, err)
	}

	var ip net.IP
	for _, a := range addrs {
		if v4 := a.To4(); v4 != nil {
			ip = v4
			break
		}
	}
	if ip == nil {
		return store.Peer{}, fmt.Errorf("%w: %q has no IPv4 address", store.ErrBadMetainfo, host)
	}

	return store.Peer{IP: ip, Port: uint16(port)}, nil
}

// Read parses a metainfo document from r per spec §4.2/§6.
func Read(r io.Reader) (*Document, error) {
	lr := newLineReader(r)

	hashLine, err := lr.next()
	if err != nil {
		return nil, err
	}
	fileHash, err := parseHash(hashLine)
	if err != nil {
		return nil, err
	}

	sizeLine, err := lr.next()
	if err != nil {
		return nil, err
	}
	fileSize, err := strconv.ParseUint(sizeLine, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad file size %q: %v", store.ErrBadMetainfo, sizeLine, err)
	}

	peerCountLine, err := lr.next()
	if err != nil {
		return nil, err
	}
	peerCount, err := strconv.ParseUint(peerCountLine, 10, 32)
	if err != nil || peerCount == 0 || peerCount > 65535 {
		return nil, fmt.Errorf("%w: peer count %q out of [1, 65535]", store.ErrBadMetainfo, peerCountLine)
	}

	blockCount := (fileSize + store.MaxBlockSize - 1) / store.MaxBlockSize
	if fileSize == 0 {
		blockCount = 0
	}

	blockHashes := make([][32]byte, blockCount)
	for i := uint64(0); i < blockCount; i++ {
		line, err := lr.next()
		if err != nil {
			return nil, err
		}
		h, err := parseHash(line)
		if err != nil {
			return nil, err
		}
		blockHashes[i] = h
	}

	peers := make([]store.Peer, peerCount)
	for i := uint64(0); i < peerCount; i++ {
		line, err := lr.next()
		if err != nil {
			return nil, err
		}
		p, err := parsePeer(line)
		if err != nil {
			return nil, err
		}
		peers[i] = p
	}

	return &Document{
		FileHash:    fileHash,
		FileSize:    fileSize,
		BlockHashes: blockHashes,
		Peers:       peers,
	}, nil
}

// ReadFile opens and parses the metainfo document at path.
func ReadFile(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", store.ErrIO, path, err)
	}
	defer f.Close()

	return Read(f)
}

// defaultPeerCount is the fixed peer count the writer emits, matching the
// reference implementation's hard-coded 20 peers at localhost:8080..8099.
const defaultPeerCount = 20

const basePort = 8080

// hashWorkers bounds how many blocks are hashed concurrently, matching the
// teacher's ConnectToPeers/StartDownload semaphore width (sem := make(chan
// struct{}, 10) in torrent/p2p.go).
const hashWorkers = 10

// Write hashes the file at sourcePath and writes the metainfo document
// next to it, named sourcePath + ".ttorrent". Per-block hashes are
// computed by a bounded pool of goroutines reading concurrently via
// ReadAt, grounded on the teacher's sem := make(chan struct{}, 10) worker
// pool; the whole-file hash is then taken in one sequential pass, since
// sha256 can't be combined from independently hashed chunks.
func Write(sourcePath string) (string, error) {
	f, err := os.Open(sourcePath)
	if err != nil {
		return "", fmt.Errorf("%w: opening %s: %v", store.ErrIO, sourcePath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("%w: stat %s: %v", store.ErrIO, sourcePath, err)
	}
	size := uint64(info.Size())

	blockHashes, err := hashBlocksConcurrently(f, size)
	if err != nil {
		return "", fmt.Errorf("%w: hashing blocks of %s: %v", store.ErrIO, sourcePath, err)
	}

	fileHash, err := hashWholeFile(f)
	if err != nil {
		return "", fmt.Errorf("%w: hashing %s: %v", store.ErrIO, sourcePath, err)
	}

	outPath := sourcePath + ".ttorrent"
	out, err := os.Create(outPath)
	if err != nil {
		return "", fmt.Errorf("%w: creating %s: %v", store.ErrIO, outPath, err)
	}
	defer out.Close()

	w := bufio.NewWriter(out)
	fmt.Fprintf(w, "#SHA-256 of the file is\n%s\n", hex.EncodeToString(fileHash[:]))
	fmt.Fprintf(w, "#Size\n%d\n", size)
	fmt.Fprintf(w, "#Peer count is\n%d\n", defaultPeerCount)
	fmt.Fprintf(w, "#SHA-256, number of blocks is %d\n", len(blockHashes))
	for _, h := range blockHashes {
		fmt.Fprintf(w, "%s\n", hex.EncodeToString(h[:]))
	}
	fmt.Fprintf(w, "#Peers\n")
	for i := 0; i < defaultPeerCount; i++ {
		fmt.Fprintf(w, "localhost:%d\n", basePort+i)
	}

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("%w: writing %s: %v", store.ErrIO, outPath, err)
	}

	return outPath, nil
}

// hashBlocksConcurrently computes the SHA-256 digest of every
// store.MaxBlockSize-sized block of f, bounded to hashWorkers concurrent
// readers via a semaphore channel, the same shape as the teacher's
// ConnectToPeers/StartDownload goroutine pools.
func hashBlocksConcurrently(f *os.File, size uint64) ([][32]byte, error) {
	blockCount := size / store.MaxBlockSize
	if size%store.MaxBlockSize != 0 {
		blockCount++
	}

	hashes := make([][32]byte, blockCount)
	errs := make([]error, blockCount)

	sem := make(chan struct{}, hashWorkers)
	var wg sync.WaitGroup

	for i := uint64(0); i < blockCount; i++ {
		start := i * store.MaxBlockSize
		end := start + store.MaxBlockSize
		if end > size {
			end = size
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(i, start, end uint64) {
			defer func() {
				<-sem
				wg.Done()
			}()

			buf := make([]byte, end-start)
			if _, err := f.ReadAt(buf, int64(start)); err != nil {
				errs[i] = err
				return
			}
			hashes[i] = sha256.Sum256(buf)
		}(i, start, end)
	}

	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	return hashes, nil
}

// hashWholeFile takes a single sequential SHA-256 digest of the entire
// file, seeking to the start first so the digest covers the whole file
// whatever the current read offset (ReadAt in hashBlocksConcurrently does
// not move it).
func hashWholeFile(f *os.File) ([32]byte, error) {
	var fileHash [32]byte

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fileHash, err
	}

	whole := sha256.New()
	if _, err := io.Copy(whole, f); err != nil {
		return fileHash, err
	}

	copy(fileHash[:], whole.Sum(nil))
	return fileHash, nil
}
