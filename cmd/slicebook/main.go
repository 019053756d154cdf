package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/jaywantadh/SliceBook/config"
	"github.com/jaywantadh/SliceBook/internal/archive"
	"github.com/jaywantadh/SliceBook/internal/checkbook"
	"github.com/jaywantadh/SliceBook/internal/compressor"
	"github.com/jaywantadh/SliceBook/internal/metadata"
	"github.com/jaywantadh/SliceBook/internal/slicestore"
	"github.com/jaywantadh/SliceBook/internal/transfer"
	"github.com/jaywantadh/SliceBook/pkg/env"
	"github.com/jaywantadh/SliceBook/pkg/httpserver"
	"github.com/jaywantadh/SliceBook/pkg/logging"
)

func main() {
	env.LoadEnv()

	app := &cli.App{
		Name:  "slicebook",
		Usage: "Resumable chunked file uploads",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   ".",
				Usage:   "directory containing config.yaml",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "overrides log_level from the config",
			},
		},
		Before: func(c *cli.Context) error {
			cfg, err := config.LoadConfig(c.String("config"))
			if err != nil {
				return err
			}
			level := cfg.LogLevel
			if c.IsSet("log-level") {
				level = c.String("log-level")
			}
			logging.InitLogger(level)
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:    "serve",
				Aliases: []string{"s"},
				Usage:   "Start the receiver",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "listen", Usage: "overrides listen_addr"},
					&cli.StringFlag{Name: "root", Usage: "overrides doc_root"},
				},
				Action: serve,
			},
			{
				Name:      "send",
				Usage:     "Upload a file, resuming if the receiver already holds part of it",
				ArgsUsage: "<file>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "to", Value: "http://localhost:8080", Usage: "receiver base URL"},
					&cli.StringFlag{Name: "as", Usage: "destination filename (default: the file's base name)"},
					&cli.Int64Flag{Name: "slice-size", Usage: "slice size in bytes (default: chosen from the file size)"},
				},
				Action: send,
			},
			{
				Name:      "status",
				Usage:     "Show the state of a transfer",
				ArgsUsage: "<checkbook>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "to", Value: "http://localhost:8080", Usage: "receiver base URL"},
				},
				Action: status,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		if logging.Log != nil {
			logging.Log.Fatal(err)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve(c *cli.Context) error {
	cfg := *config.Config
	if c.IsSet("listen") {
		cfg.ListenAddr = c.String("listen")
	}
	if c.IsSet("root") {
		cfg.DocRoot = c.String("root")
	}
	log := logging.Log

	codec, err := compressor.ByName(cfg.SliceCodec)
	if err != nil {
		return err
	}
	store, err := slicestore.NewLocalStore(cfg.DocRoot, codec)
	if err != nil {
		return err
	}
	ledger, err := metadata.OpenLedgerStore(cfg.LedgerPath)
	if err != nil {
		return err
	}
	defer ledger.Close()

	fin := &transfer.Finalizer{Ledger: ledger, Log: log}
	s3, err := archive.NewS3Archiver(cfg.Archive)
	if err != nil {
		return err
	}
	if s3 != nil {
		fin.Archiver = s3
		log.WithField("bucket", cfg.Archive.Bucket).Info("Archiving finished files to S3")
	}
	defer fin.Wait()

	dir, err := transfer.NewDirectory(transfer.Options{
		Root:        cfg.DocRoot,
		Store:       store,
		StrictChain: cfg.StrictChain,
		Logger:      log,
		OnFinalized: fin.Handle,
	})
	if err != nil {
		return err
	}
	srv := transfer.NewServer(transfer.ServerOptions{
		Directory:       dir,
		Ledger:          ledger,
		Logger:          log,
		MaxMessageBytes: cfg.MaxMessageBytes,
	})

	log.WithFields(logrus.Fields{
		"root":   cfg.DocRoot,
		"codec":  codec.Name(),
		"strict": cfg.StrictChain,
	}).Info("SliceBook receiver started")

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	err = httpserver.Run(ctx, cfg.ListenAddr, srv.Routes(), log)
	// Websockets are hijacked and outlive the HTTP shutdown; flush their transfers before the
	// ledger closes.
	dir.Close()
	return err
}

func send(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("send needs exactly one file", 2)
	}
	path := c.Args().First()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := transfer.NewClient(c.String("to"), logging.Log)
	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Close()

	done := make(chan struct{})
	monitorStopped := make(chan struct{})
	dest := c.String("as")
	go func() {
		defer close(monitorStopped)
		// The checkbook name is only known once the file is planned; poll until it shows up.
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
			}
			name := transferName(path, dest)
			if _, ok := client.Progress.Snapshot(name); ok {
				client.Progress.MonitorProgress(os.Stdout, name, time.Second, done)
				return
			}
		}
	}()

	report, err := client.SendFile(ctx, path, dest, c.Int64("slice-size"))
	close(done)
	<-monitorStopped
	if err != nil {
		return err
	}

	name := report.CheckBook.FileName()
	client.Progress.PrintProgress(os.Stdout, name)
	logging.Log.WithFields(logrus.Fields{
		"checkbook": name,
		"resumed":   report.Resumed,
		"sent":      report.Sent,
		"size":      humanize.IBytes(uint64(report.CheckBook.TotalSize())),
		"finished":  report.Finished,
	}).Info("Upload done")
	return nil
}

func transferName(path, dest string) string {
	if dest == "" {
		dest = filepath.Base(path)
	}
	return checkbook.FileName(checkbook.Meta{DestFilename: dest})
}

func status(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("status needs a checkbook name", 2)
	}
	ctx, cancel := context.WithTimeout(c.Context, 30*time.Second)
	defer cancel()

	client := transfer.NewClient(c.String("to"), logging.Log)
	st, err := client.GetTransferStatus(ctx, c.Args().First())
	if err != nil {
		return err
	}
	if st == nil {
		return cli.Exit("transfer not found", 1)
	}
	out := json.NewEncoder(os.Stdout)
	out.SetIndent("", "  ")
	return out.Encode(st)
}
