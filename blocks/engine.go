package blocks

import (
	"context"
	"errors"
	"fmt"

	"github.com/pithecene-io/ota/ipc"
	"github.com/pithecene-io/ota/pal"
)

// Engine applies blocks to the live file context through a platform.
// It is used only by the agent worker.
type Engine struct {
	platform pal.Platform
}

// NewEngine creates an engine writing through p.
func NewEngine(p pal.Platform) *Engine {
	return &Engine{platform: p}
}

// Open creates the platform file for fc.
func (e *Engine) Open(ctx context.Context, fc *FileContext) error {
	if fc == nil || fc.Bitmap == nil {
		return errors.New("open: no file context")
	}
	if fc.Handle != nil {
		return errors.New("open: file already open")
	}
	h, err := e.platform.CreateFile(ctx, fc.Spec())
	if err != nil {
		return fmt.Errorf("create file %s: %w", fc.FilePath, err)
	}
	fc.Handle = h
	return nil
}

// Abort discards the image and ends the transfer. Safe to call on a
// context that was never opened or has already ended.
func (e *Engine) Abort(ctx context.Context, fc *FileContext) error {
	if fc == nil {
		return nil
	}
	h := fc.Handle
	fc.release()
	if h == nil {
		return nil
	}
	if err := e.platform.Abort(ctx, h); err != nil {
		return fmt.Errorf("abort file %s: %w", fc.FilePath, err)
	}
	return nil
}

// Ingest stores one block.
//
// Checks run in order and none of them touches the bitmap: nil context,
// nil handle, inactive transfer, nil frame, index range, malformed frame,
// duplicate.
// A fatal result comes with an *IngestError. When the last block is
// stored the file is closed and verified; the transfer ends either way.
func (e *Engine) Ingest(ctx context.Context, fc *FileContext, blk *ipc.BlockFrame) (Result, error) {
	if fc == nil {
		return NullContext, &IngestError{Result: NullContext}
	}
	if fc.Handle == nil {
		return BadFileHandle, &IngestError{Result: BadFileHandle}
	}
	if fc.Bitmap == nil {
		return UnexpectedBlock, &IngestError{Result: UnexpectedBlock}
	}
	if blk == nil {
		return BadData, &IngestError{Result: BadData, Err: errors.New("nil block frame")}
	}

	fail := func(r Result, err error) (Result, error) {
		return r, &IngestError{Result: r, BlockID: blk.BlockID, Err: err}
	}

	if blk.BlockID >= fc.TotalBlocks {
		return fail(BlockOutOfRange, fmt.Errorf("%d blocks in file", fc.TotalBlocks))
	}
	if blk.FileID != fc.ServerFileID {
		return fail(BadData, fmt.Errorf("file id %d, transfer is %d", blk.FileID, fc.ServerFileID))
	}
	if int(blk.BlockSize) != len(blk.Payload) {
		return fail(BadData, fmt.Errorf("declared %d bytes, carries %d", blk.BlockSize, len(blk.Payload)))
	}
	if want := fc.BlockLen(blk.BlockID); blk.BlockSize != want {
		return fail(BadData, fmt.Errorf("block is %d bytes, want %d", blk.BlockSize, want))
	}

	if !fc.Bitmap.IsMissing(blk.BlockID) {
		return DuplicateContinue, nil
	}

	if err := e.platform.WriteBlock(ctx, fc.Handle, blk.BlockID*fc.BlockSize, blk.Payload); err != nil {
		return fail(WriteBlockFailed, err)
	}
	fc.Bitmap.clear(blk.BlockID)
	fc.BlocksRemaining--

	if fc.BlocksRemaining > 0 {
		return AcceptedContinue, nil
	}
	return e.close(ctx, fc, blk.BlockID)
}

// close verifies and closes a fully received file.
func (e *Engine) close(ctx context.Context, fc *FileContext, last uint32) (Result, error) {
	h := fc.Handle
	fc.release()

	err := e.platform.CloseFile(ctx, h, fc.Signature)
	switch {
	case err == nil:
		return FileComplete, nil
	case errors.Is(err, pal.ErrSignatureInvalid):
		if abortErr := e.platform.Abort(ctx, h); abortErr != nil {
			err = errors.Join(err, abortErr)
		}
		return SigCheckFail, &IngestError{Result: SigCheckFail, BlockID: last, Err: err}
	default:
		return FileCloseFail, &IngestError{Result: FileCloseFail, BlockID: last, Err: err}
	}
}
