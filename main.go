package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/p014/ttorrent/internal/client"
	"github.com/p014/ttorrent/internal/metainfo"
	"github.com/p014/ttorrent/internal/server"
	"github.com/p014/ttorrent/internal/store"
	"github.com/p014/ttorrent/internal/ttlog"
)

const helpMessage = `Usage:
Download a file: ttorrent file.ttorrent
Upload a file:   ttorrent -l 8080 file.ttorrent
Create ttorrent: ttorrent -c file
`

func main() {
	ttlog.Infof("Trivial Torrent")

	os.Exit(run(os.Args))
}

func run(args []string) int {
	switch len(args) {
	case 2:
		return runClient(args[1])
	case 3:
		if args[1] != "-c" {
			ttlog.Errorf("invalid switch %q, run without arguments for help", args[1])
			return 1
		}
		return runCreate(args[2])
	case 4:
		if args[1] != "-l" {
			ttlog.Errorf("invalid switch %q, run without arguments for help", args[1])
			return 1
		}
		return runServer(args[2], args[3])
	default:
		fmt.Fprint(os.Stderr, helpMessage)
		return 0
	}
}

func runClient(path string) int {
	if !strings.HasSuffix(path, ".ttorrent") {
		ttlog.Errorf("file must have the .ttorrent extension")
		return 1
	}

	t, err := openTorrent(path)
	if err != nil {
		ttlog.Errorf("%v", err)
		return 1
	}
	defer t.Close()

	if err := client.Download(t); err != nil {
		ttlog.Errorf("download failed: %v", err)
		return 1
	}

	return 0
}

func runServer(portArg, path string) int {
	port, err := strconv.ParseUint(portArg, 10, 16)
	if err != nil || port == 0 {
		ttlog.Errorf("port must be a number between 1 and %d", 1<<16-1)
		return 1
	}

	t, err := openTorrent(path)
	if err != nil {
		ttlog.Errorf("%v", err)
		return 1
	}
	defer t.Close()

	ttlog.Infof("starting server on port %d", port)

	if err := server.Serve(t, uint16(port)); err != nil {
		ttlog.Errorf("server failed: %v", err)
		return 1
	}

	return 0
}

func runCreate(path string) int {
	outPath, err := metainfo.Write(path)
	if err != nil {
		ttlog.Errorf("failed to create ttorrent file for %s: %v", path, err)
		return 1
	}

	ttlog.Infof("wrote %s", outPath)
	return 0
}

// openTorrent resolves a .ttorrent metainfo path to its data file (the
// same path with the extension stripped) and opens the resulting Torrent,
// verifying every block already on disk.
func openTorrent(metainfoPath string) (*store.Torrent, error) {
	doc, err := metainfo.ReadFile(metainfoPath)
	if err != nil {
		return nil, err
	}

	dataPath := strings.TrimSuffix(metainfoPath, ".ttorrent")

	return store.Open(metainfoPath, dataPath, doc.FileHash, doc.FileSize, doc.BlockHashes, doc.Peers)
}
