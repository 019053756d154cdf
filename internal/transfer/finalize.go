package transfer

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/SliceBook/internal/archive"
	"github.com/jaywantadh/SliceBook/internal/metadata"
)

// Finalizer records reassembled transfers in the ledger and, if configured, archives them.
// Its Handle method is meant for Options.OnFinalized.
type Finalizer struct {
	Ledger         *metadata.LedgerStore
	Archiver       archive.Archiver
	ArchiveTimeout time.Duration
	Log            logrus.FieldLogger

	wg sync.WaitGroup
}

func RecordOf(res *Result) metadata.TransferRecord {
	return metadata.TransferRecord{
		CheckBookFilename: res.CheckBookFilename,
		DestFilename:      res.DestFilename,
		Size:              res.Size,
		Slices:            res.Slices,
		Digest:            res.Digest,
		CompletedAt:       res.CompletedAt,
	}
}

func (f *Finalizer) Handle(res *Result) {
	log := f.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("checkbook", res.CheckBookFilename)

	if f.Ledger != nil {
		if err := f.Ledger.PutTransfer(RecordOf(res)); err != nil {
			log.WithError(err).Warn("Failed to record finished transfer")
		}
	}
	if f.Archiver == nil {
		return
	}

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		timeout := f.ArchiveTimeout
		if timeout <= 0 {
			timeout = 30 * time.Minute
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		loc, err := f.Archiver.Archive(ctx, res.DestPath, res.DestFilename)
		if err != nil {
			log.WithError(err).Warn("Failed to archive finished file")
			return
		}
		log.WithField("location", loc).Info("Archived finished file")
		if f.Ledger != nil {
			if err := f.Ledger.MarkArchived(res.CheckBookFilename, loc); err != nil {
				log.WithError(err).Warn("Failed to record archive location")
			}
		}
	}()
}

// Wait blocks until every archive upload started by Handle has returned.
func (f *Finalizer) Wait() {
	f.wg.Wait()
}
