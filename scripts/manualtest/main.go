package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/jaywantadh/SliceBook/config"
	"github.com/jaywantadh/SliceBook/internal/checkbook"
	"github.com/jaywantadh/SliceBook/internal/chunker"
	"github.com/jaywantadh/SliceBook/internal/compressor"
	"github.com/jaywantadh/SliceBook/internal/metadata"
	"github.com/jaywantadh/SliceBook/internal/slicestore"
	"github.com/jaywantadh/SliceBook/internal/transfer"
	"github.com/jaywantadh/SliceBook/pkg/httpserver"
	"github.com/jaywantadh/SliceBook/pkg/logging"
)

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Sends a file to an in-process receiver in two connections, the second one resuming, and checks
// that the reassembled copy matches.
func main() {
	inputPath := flag.String("file", filepath.Join("samples", "ABC.pdf"), "file to send")
	sliceSize := flag.Int64("slice-size", 64*1024, "slice size in bytes")
	flag.Parse()

	if _, err := os.Stat(*inputPath); err != nil {
		fmt.Printf("❌ Sample file not found: %v\n", err)
		return
	}

	cfg, err := config.LoadConfig("./config")
	if err != nil {
		fmt.Printf("❌ Config failed: %v\n", err)
		return
	}
	log := logging.InitLogger(cfg.LogLevel)

	origHash, err := sha256File(*inputPath)
	if err != nil {
		fmt.Printf("❌ Failed hashing original: %v\n", err)
		return
	}
	fmt.Printf("📄 Original file: %s\n", *inputPath)
	fmt.Printf("🔑 Original SHA256: %s\n", origHash)

	root := "reassembled_manual"
	_ = os.RemoveAll(root)
	codec, err := compressor.ByName(cfg.SliceCodec)
	if err != nil {
		fmt.Printf("❌ %v\n", err)
		return
	}
	store, err := slicestore.NewLocalStore(root, codec)
	if err != nil {
		fmt.Printf("❌ Storage init failed: %v\n", err)
		return
	}
	ledger, err := metadata.OpenLedgerStore(filepath.Join(root, ".ledger"))
	if err != nil {
		fmt.Printf("❌ Ledger init failed: %v\n", err)
		return
	}
	defer ledger.Close()

	fin := &transfer.Finalizer{Ledger: ledger, Log: log}
	dir, err := transfer.NewDirectory(transfer.Options{
		Root: root, Store: store, StrictChain: cfg.StrictChain, Logger: log, OnFinalized: fin.Handle,
	})
	if err != nil {
		fmt.Printf("❌ Directory init failed: %v\n", err)
		return
	}
	defer dir.Close()
	srv := transfer.NewServer(transfer.ServerOptions{Directory: dir, Ledger: ledger, Logger: log})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		fmt.Printf("❌ Listen failed: %v\n", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	go httpserver.Serve(ctx, ln, srv.Routes(), log)
	baseURL := "http://" + ln.Addr().String()

	cb, err := chunker.Plan(*inputPath, "", *sliceSize)
	if err != nil {
		fmt.Printf("❌ Plan failed: %v\n", err)
		return
	}
	fmt.Printf("🧩 Slices planned: %d | Checkbook: %s\n", cb.Len(), cb.FileName())

	// First connection: checkbook and the first half of the slices, then drop.
	first := transfer.NewClient(baseURL, log)
	if err := first.Connect(ctx); err != nil {
		fmt.Printf("❌ Connect failed: %v\n", err)
		return
	}
	if err := first.SendCheckBook(ctx, cb); err != nil {
		fmt.Printf("❌ Checkbook rejected: %v\n", err)
		return
	}
	f, err := os.Open(*inputPath)
	if err != nil {
		fmt.Printf("❌ %v\n", err)
		return
	}
	for i := 0; i < cb.Len()/2; i++ {
		s := cb.Slice(i)
		content, err := chunker.ReadSlice(f, s)
		if err == nil {
			_, err = first.SendSlice(ctx, &checkbook.SlicePayload{Slice: s, Content: content})
		}
		if err != nil {
			fmt.Printf("❌ Slice %d failed: %v\n", i, err)
			return
		}
	}
	f.Close()
	first.Close()
	fmt.Printf("✂️  Dropped connection after %d slices\n", cb.Len()/2)

	// Second connection resumes.
	second := transfer.NewClient(baseURL, log)
	if err := second.Connect(ctx); err != nil {
		fmt.Printf("❌ Connect failed: %v\n", err)
		return
	}
	defer second.Close()
	report, err := second.SendFile(ctx, *inputPath, "", *sliceSize)
	if err != nil {
		fmt.Printf("❌ Resume failed: %v\n", err)
		return
	}
	fmt.Printf("🔁 Resumed: %v | Slices sent: %d | Finished: %v\n", report.Resumed, report.Sent, report.Finished)

	outPath := filepath.Join(root, cb.Meta.DestFilename)
	reHash, err := sha256File(outPath)
	if err != nil {
		fmt.Printf("❌ Failed hashing reassembled: %v\n", err)
		return
	}
	fmt.Printf("📦 Reassembled file: %s\n", outPath)
	fmt.Printf("🔑 Reassembled SHA256: %s\n", reHash)

	if reHash == origHash {
		fmt.Println("✅ SUCCESS: Reassembled file matches original")
	} else {
		fmt.Println("❌ MISMATCH: Reassembled file differs from original")
	}
}
