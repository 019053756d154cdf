package transfer

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// TransferStatus represents the current status of a transfer
type TransferStatus string

const (
	StatusPending    TransferStatus = "pending"
	StatusInProgress TransferStatus = "in_progress"
	StatusCompleted  TransferStatus = "completed"
	StatusFailed     TransferStatus = "failed"
)

// ProgressTracker tracks the progress of outgoing transfers
type ProgressTracker struct {
	transfers map[string]*TransferProgress
	mu        sync.RWMutex
}

// TransferProgress represents the progress of a single transfer
type TransferProgress struct {
	CheckBookFilename string
	FileName          string
	Status            TransferStatus
	SlicesSent        int
	TotalSlices       int
	BytesSent         int64
	TotalBytes        int64
	StartTime         time.Time
	LastUpdateTime    time.Time
	Speed             float64 // bytes per second
	EstimatedTime     time.Duration
	mu                sync.RWMutex
}

// NewProgressTracker creates a new progress tracker
func NewProgressTracker() *ProgressTracker {
	return &ProgressTracker{
		transfers: make(map[string]*TransferProgress),
	}
}

// StartTracking starts tracking a new transfer
func (pt *ProgressTracker) StartTracking(checkbookName, fileName string, totalSlices int, totalBytes int64) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	now := time.Now()
	pt.transfers[checkbookName] = &TransferProgress{
		CheckBookFilename: checkbookName,
		FileName:          fileName,
		Status:            StatusPending,
		TotalSlices:       totalSlices,
		TotalBytes:        totalBytes,
		StartTime:         now,
		LastUpdateTime:    now,
	}
}

// UpdateProgress updates the progress of a transfer
func (pt *ProgressTracker) UpdateProgress(checkbookName string, slicesSent int, bytesSent int64, status TransferStatus) {
	pt.mu.RLock()
	progress, exists := pt.transfers[checkbookName]
	pt.mu.RUnlock()

	if !exists {
		return
	}

	progress.mu.Lock()
	defer progress.mu.Unlock()

	now := time.Now()
	progress.SlicesSent = slicesSent
	progress.BytesSent = bytesSent
	progress.Status = status
	progress.LastUpdateTime = now

	if elapsed := now.Sub(progress.StartTime).Seconds(); elapsed > 0 {
		progress.Speed = float64(bytesSent) / elapsed
	}
	if progress.Speed > 0 && progress.TotalBytes > bytesSent {
		remaining := float64(progress.TotalBytes - bytesSent)
		progress.EstimatedTime = time.Duration(remaining / progress.Speed * float64(time.Second))
	} else {
		progress.EstimatedTime = 0
	}
}

// Snapshot returns a copy of the progress of a transfer.
func (pt *ProgressTracker) Snapshot(checkbookName string) (TransferProgress, bool) {
	pt.mu.RLock()
	progress, exists := pt.transfers[checkbookName]
	pt.mu.RUnlock()
	if !exists {
		return TransferProgress{}, false
	}

	progress.mu.RLock()
	defer progress.mu.RUnlock()
	return TransferProgress{
		CheckBookFilename: progress.CheckBookFilename,
		FileName:          progress.FileName,
		Status:            progress.Status,
		SlicesSent:        progress.SlicesSent,
		TotalSlices:       progress.TotalSlices,
		BytesSent:         progress.BytesSent,
		TotalBytes:        progress.TotalBytes,
		StartTime:         progress.StartTime,
		LastUpdateTime:    progress.LastUpdateTime,
		Speed:             progress.Speed,
		EstimatedTime:     progress.EstimatedTime,
	}, true
}

// RemoveTransfer removes a transfer from tracking
func (pt *ProgressTracker) RemoveTransfer(checkbookName string) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	delete(pt.transfers, checkbookName)
}

// PrintProgress writes a one-line summary of a transfer to w
func (pt *ProgressTracker) PrintProgress(w io.Writer, checkbookName string) {
	p, exists := pt.Snapshot(checkbookName)
	if !exists {
		fmt.Fprintf(w, "Transfer %s not found\n", checkbookName)
		return
	}

	percent := 0.0
	if p.TotalSlices > 0 {
		percent = float64(p.SlicesSent) / float64(p.TotalSlices) * 100.0
	}
	line := fmt.Sprintf("%s: %d/%d slices (%.1f%%) %s/%s",
		p.FileName, p.SlicesSent, p.TotalSlices, percent,
		humanize.IBytes(uint64(p.BytesSent)), humanize.IBytes(uint64(p.TotalBytes)))
	if p.Speed > 0 {
		line += fmt.Sprintf(" %s/s", humanize.IBytes(uint64(p.Speed)))
	}
	if p.EstimatedTime > 0 {
		line += " ETA " + p.EstimatedTime.Round(time.Second).String()
	}
	fmt.Fprintf(w, "%s [%s]\n", line, p.Status)
}

// MonitorProgress prints progress every interval until the transfer ends or stop is closed
func (pt *ProgressTracker) MonitorProgress(w io.Writer, checkbookName string, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p, exists := pt.Snapshot(checkbookName)
			if !exists {
				continue
			}
			pt.PrintProgress(w, checkbookName)
			if p.Status == StatusCompleted || p.Status == StatusFailed {
				return
			}
		}
	}
}
