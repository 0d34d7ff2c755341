// Package store implements the block-level content-addressed storage
// substrate: a file is mapped into fixed-size, SHA-256-indexed blocks with
// a persistent validity map.
package store

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
)

// MaxBlockSize is BLOCK_SIZE: the size of every block except possibly the
// last one.
const MaxBlockSize = 1 << 16

var (
	// ErrBadMetainfo signals a malformed metainfo document.
	ErrBadMetainfo = errors.New("store: bad metainfo")
	// ErrIO wraps an I/O failure against the metainfo or data file.
	ErrIO = errors.New("store: io error")
	// ErrInvalidBlock signals a hash mismatch on Store.
	ErrInvalidBlock = errors.New("store: invalid block")
)

// Peer is a single {IPv4 address, port} tuple resolved at parse time.
type Peer struct {
	IP   net.IP
	Port uint16
}

func (p Peer) String() string {
	return fmt.Sprintf("%s:%d", p.IP.String(), p.Port)
}

// Block is a byte buffer of up to MaxBlockSize and a length.
type Block struct {
	Data []byte
	Size uint64
}

// Torrent binds a metainfo document to a local data file. It exclusively
// owns its block hashes, validity bitmap, and peers; the file is owned for
// the lifetime of the Torrent and released in Close.
type Torrent struct {
	MetainfoName string

	FileHash    [32]byte
	FileSize    uint64
	BlockCount  uint64
	BlockHashes [][32]byte
	Peers       []Peer

	file *os.File

	mu    sync.Mutex
	valid []bool
}

// ---------------------------------------------------------------------------------------------- //

/*
Open truncates/extends dataFileName to fileSize (creating it if
absent), then verifies every block against its expected digest,
populating the validity bitmap. The returned Torrent is ready for
Load/Store.

Parameters:
  - metainfoName: path of the metainfo document this Torrent was parsed
    from, retained for error messages and as a display name
  - dataFileName: path of the backing data file; created or resized as
    needed
  - fileHash: the expected SHA-256 digest of the complete file, carried
    through as information only; it is never verified, at Open time or
    on completion
  - fileSize: total file length in bytes
  - blockHashes: one SHA-256 digest per block, length must equal the
    block count implied by fileSize
  - peers: the non-empty peer list to serve/download from

Returns:
  - *Torrent: a Torrent whose validity bitmap reflects what dataFileName
    already contains
  - error: ErrBadMetainfo on a malformed block/peer count, ErrIO on any
    file failure
*/
func Open(metainfoName, dataFileName string, fileHash [32]byte, fileSize uint64, blockHashes [][32]byte, peers []Peer) (*Torrent, error) {
	blockCount := blockCountFor(fileSize)
	if uint64(len(blockHashes)) != blockCount {
		return nil, fmt.Errorf("%w: expected %d block hashes, got %d", ErrBadMetainfo, blockCount, len(blockHashes))
	}
	if len(peers) == 0 || len(peers) > 65535 {
		return nil, fmt.Errorf("%w: peer count %d out of [1, 65535]", ErrBadMetainfo, len(peers))
	}
	if blockCount > 0 && blockCount > (^uint64(0))/MaxBlockSize {
		return nil, fmt.Errorf("%w: block count overflows", ErrBadMetainfo)
	}

	f, err := os.OpenFile(dataFileName, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", ErrIO, dataFileName, err)
	}

	if err := f.Truncate(int64(fileSize)); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: truncating %s: %v", ErrIO, dataFileName, err)
	}

	t := &Torrent{
		MetainfoName: metainfoName,
		FileHash:     fileHash,
		FileSize:     fileSize,
		BlockCount:   blockCount,
		BlockHashes:  blockHashes,
		Peers:        peers,
		file:         f,
		valid:        make([]bool, blockCount),
	}

	for i := uint64(0); i < blockCount; i++ {
		block, err := t.loadRaw(i)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("%w: verifying block %d: %v", ErrIO, i, err)
		}
		t.valid[i] = blockDigest(block) == t.BlockHashes[i]
	}

	return t, nil
}

func blockCountFor(fileSize uint64) uint64 {
	if fileSize == 0 {
		return 0
	}
	return (fileSize + MaxBlockSize - 1) / MaxBlockSize
}

func blockDigest(b Block) [32]byte {
	return sha256.Sum256(b.Data[:b.Size])
}

// ---------------------------------------------------------------------------------------------- //

/*
BlockSize returns the declared length of block i: MaxBlockSize for
every block except possibly the last, whose length is FileSize mod
MaxBlockSize (or MaxBlockSize if that remainder is zero).

Parameters:
  - i: the block index; undefined for i >= BlockCount

Returns:
  - uint64: the number of valid bytes in block i
*/
func (t *Torrent) BlockSize(i uint64) uint64 {
	last := t.FileSize % MaxBlockSize
	if i+1 == t.BlockCount && last != 0 {
		return last
	}
	return MaxBlockSize
}

func (t *Torrent) loadRaw(i uint64) (Block, error) {
	size := t.BlockSize(i)
	buf := make([]byte, size)

	if _, err := t.file.ReadAt(buf, int64(i)*MaxBlockSize); err != nil {
		return Block{}, err
	}

	return Block{Data: buf, Size: size}, nil
}

// ---------------------------------------------------------------------------------------------- //

/*
Load reads block i from the data file. A short read is an I/O error
since the data file is always sized to FileSize.

Parameters:
  - i: the block index to read

Returns:
  - Block: the block's bytes and declared size
  - error: ErrIO if i is out of range or the read fails
*/
func (t *Torrent) Load(i uint64) (Block, error) {
	if i >= t.BlockCount {
		return Block{}, fmt.Errorf("%w: block index %d out of range", ErrIO, i)
	}

	b, err := t.loadRaw(i)
	if err != nil {
		return Block{}, fmt.Errorf("%w: loading block %d: %v", ErrIO, i, err)
	}

	return b, nil
}

// IsValid reports the current validity bit for block i without touching
// disk.
func (t *Torrent) IsValid(i uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.valid[i]
}

// ---------------------------------------------------------------------------------------------- //

/*
Store verifies block against its expected digest; on success it writes
the bytes at block i's offset and marks the block valid. On a hash
mismatch the data file is left unchanged and ErrInvalidBlock is
returned, so a corrupt or malicious peer can never overwrite a block
already on disk.

Parameters:
  - i: the block index being written
  - block: the candidate bytes, checked against BlockHashes[i] before
    anything touches disk

Returns:
  - error: ErrIO if i is out of range or the write fails,
    ErrInvalidBlock on a digest mismatch
*/
func (t *Torrent) Store(i uint64, block Block) error {
	if i >= t.BlockCount {
		return fmt.Errorf("%w: block index %d out of range", ErrIO, i)
	}

	if blockDigest(block) != t.BlockHashes[i] {
		return fmt.Errorf("%w: block %d", ErrInvalidBlock, i)
	}

	if _, err := t.file.WriteAt(block.Data[:block.Size], int64(i)*MaxBlockSize); err != nil {
		return fmt.Errorf("%w: storing block %d: %v", ErrIO, i, err)
	}

	t.mu.Lock()
	t.valid[i] = true
	t.mu.Unlock()

	return nil
}

// IsComplete reports whether every block currently validates.
func (t *Torrent) IsComplete() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, v := range t.valid {
		if !v {
			return false
		}
	}
	return true
}

// ---------------------------------------------------------------------------------------------- //

/*
Close flushes and closes the underlying data file.

Parameters:
  - (none)

Returns:
  - error: ErrIO if the sync or close fails
*/
func (t *Torrent) Close() error {
	if err := t.file.Sync(); err != nil {
		t.file.Close()
		return fmt.Errorf("%w: syncing %s: %v", ErrIO, t.MetainfoName, err)
	}
	if err := t.file.Close(); err != nil {
		return fmt.Errorf("%w: closing %s: %v", ErrIO, t.MetainfoName, err)
	}
	return nil
}
