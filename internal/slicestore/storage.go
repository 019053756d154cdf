package slicestore

import (
	"errors"
	"strconv"

	"github.com/jaywantadh/SliceBook/internal/checkbook"
)

var (
	ErrNotFound = errors.New("slice file not found")
	ErrCorrupt  = errors.New("slice file is corrupt")
)

// Store defines how received slice payloads are kept until reassembly.
type Store interface {
	// Put writes a payload, replacing any earlier copy of the same slice.
	Put(p *checkbook.SlicePayload) error
	// Get reads back the payload of slice index of the named checkbook.
	Get(checkbookName string, index int) (*checkbook.SlicePayload, error)
	// Remove deletes a stored slice. Removing a missing slice is not an error.
	Remove(checkbookName string, index int) error
	// Exists reports whether the slice has been stored.
	Exists(checkbookName string, index int) bool
}

// SliceName is the filename of slice index of the named checkbook.
func SliceName(checkbookName string, index int) string {
	return checkbookName + "." + strconv.Itoa(index)
}
