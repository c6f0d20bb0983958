package blocks

import (
	"errors"
	"fmt"
)

// Result is the outcome of ingesting one block.
type Result int

// Ingest results.
const (
	// Uninitialized is never returned; observing it is a defect.
	Uninitialized Result = iota
	// AcceptedContinue means the block was stored and more are needed.
	AcceptedContinue
	// DuplicateContinue means the block was already stored; nothing was written.
	DuplicateContinue
	// FileComplete means the last block was stored and the image verified.
	FileComplete
	// SigCheckFail means the assembled image failed verification and was discarded.
	SigCheckFail
	// FileCloseFail means closing the image failed for another reason.
	FileCloseFail
	// NullContext means no file context was given.
	NullContext
	// BadFileHandle means the context has no open platform file.
	BadFileHandle
	// UnexpectedBlock means no transfer is active.
	UnexpectedBlock
	// BlockOutOfRange means the block index is not below TotalBlocks.
	BlockOutOfRange
	// BadData means the block frame is structurally invalid.
	BadData
	// WriteBlockFailed means the platform write failed.
	WriteBlockFailed
)

func (r Result) String() string {
	switch r {
	case Uninitialized:
		return "uninitialized"
	case AcceptedContinue:
		return "accepted_continue"
	case DuplicateContinue:
		return "duplicate_continue"
	case FileComplete:
		return "file_complete"
	case SigCheckFail:
		return "sig_check_fail"
	case FileCloseFail:
		return "file_close_fail"
	case NullContext:
		return "null_context"
	case BadFileHandle:
		return "bad_file_handle"
	case UnexpectedBlock:
		return "unexpected_block"
	case BlockOutOfRange:
		return "block_out_of_range"
	case BadData:
		return "bad_data"
	case WriteBlockFailed:
		return "write_block_failed"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

// IsContinue returns true if the transfer proceeds.
func (r Result) IsContinue() bool {
	return r == AcceptedContinue || r == DuplicateContinue
}

// IsFatal returns true if the transfer must be aborted.
func (r Result) IsFatal() bool {
	return !r.IsContinue() && r != FileComplete
}

// IngestError describes a fatal ingest result.
type IngestError struct {
	Result  Result
	BlockID uint32
	Err     error
}

func (e *IngestError) Error() string {
	msg := fmt.Sprintf("block %d: %s", e.BlockID, e.Result)
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *IngestError) Unwrap() error {
	return e.Err
}

// ResultOf returns the result carried by err, or Uninitialized.
func ResultOf(err error) Result {
	var ie *IngestError
	if errors.As(err, &ie) {
		return ie.Result
	}
	return Uninitialized
}
