package transfer

import "errors"

var (
	ErrOutputRegion    = errors.New("cannot create output region")
	ErrSliceWrite      = errors.New("cannot persist slice")
	ErrCheckBookLoad   = errors.New("checkbook missing or unreadable")
	ErrNoConnection    = errors.New("caller is not a connection")
	ErrSliceOutOfRange = errors.New("slice index out of range")
	ErrSliceMismatch   = errors.New("slice descriptor does not match checkbook")
	ErrChainBroken     = errors.New("slice seed does not continue the checksum chain")
	ErrTransferActive  = errors.New("a different transfer with this checkbook name is in progress")
)
