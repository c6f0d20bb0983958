package blocks

import (
	"bytes"
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/pithecene-io/ota/ipc"
	"github.com/pithecene-io/ota/pal"
)

// openTransfer creates and opens a context over a patterned image.
func openTransfer(t *testing.T, p pal.Platform, fileSize, blockSize uint32) (*Engine, *FileContext, []byte) {
	t.Helper()
	fc, err := NewFileContext(fileSize, blockSize)
	if err != nil {
		t.Fatalf("NewFileContext: %v", err)
	}
	fc.FilePath = "/fw.bin"
	fc.Signature = []byte("sig")

	e := NewEngine(p)
	if err := e.Open(t.Context(), fc); err != nil {
		t.Fatalf("Open: %v", err)
	}

	image := make([]byte, fileSize)
	for i := range image {
		image[i] = byte(i * 7)
	}
	return e, fc, image
}

func blockOf(fc *FileContext, image []byte, i uint32) *ipc.BlockFrame {
	start := i * fc.BlockSize
	end := start + fc.BlockLen(i)
	return &ipc.BlockFrame{
		FileID:    fc.ServerFileID,
		BlockID:   i,
		BlockSize: end - start,
		Payload:   image[start:end],
	}
}

func TestIngest_InOrderScenario(t *testing.T) {
	p := pal.NewStubPlatform()
	e, fc, image := openTransfer(t, p, 1000, 256)

	want := []Result{AcceptedContinue, AcceptedContinue, AcceptedContinue, FileComplete}
	for i, w := range want {
		got, err := e.Ingest(t.Context(), fc, blockOf(fc, image, uint32(i)))
		if err != nil {
			t.Fatalf("block %d: unexpected error %v", i, err)
		}
		if got != w {
			t.Errorf("block %d: result = %s, want %s", i, got, w)
		}
	}

	if fc.BlocksRemaining != 0 {
		t.Errorf("BlocksRemaining = %d, want 0", fc.BlocksRemaining)
	}
	if !bytes.Equal(p.ImageCopy(), image) {
		t.Error("assembled image differs from source")
	}
	if fc.Active() {
		t.Error("context should be released after FileComplete")
	}
}

func TestIngest_AnyOrderSingleComplete(t *testing.T) {
	for seed := range uint64(20) {
		p := pal.NewStubPlatform()
		e, fc, image := openTransfer(t, p, 5000, 64)

		order := make([]uint32, fc.TotalBlocks)
		for i := range order {
			order[i] = uint32(i)
		}
		r := rand.New(rand.NewPCG(seed, seed^0x9e3779b9))
		r.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

		completes := 0
		for n, i := range order {
			got, err := e.Ingest(t.Context(), fc, blockOf(fc, image, i))
			if err != nil {
				t.Fatalf("seed %d block %d: %v", seed, i, err)
			}
			if got == FileComplete {
				completes++
				if n != len(order)-1 {
					t.Fatalf("seed %d: FileComplete after %d of %d blocks", seed, n+1, len(order))
				}
			}
		}
		if completes != 1 {
			t.Errorf("seed %d: %d FileComplete results, want 1", seed, completes)
		}
		if !bytes.Equal(p.ImageCopy(), image) {
			t.Errorf("seed %d: image differs", seed)
		}
	}
}

func TestIngest_DuplicateCountedOnce(t *testing.T) {
	p := pal.NewStubPlatform()
	e, fc, image := openTransfer(t, p, 1000, 256)

	got, err := e.Ingest(t.Context(), fc, blockOf(fc, image, 1))
	if err != nil || got != AcceptedContinue {
		t.Fatalf("first delivery = %s, %v", got, err)
	}
	for range 3 {
		got, err := e.Ingest(t.Context(), fc, blockOf(fc, image, 1))
		if err != nil || got != DuplicateContinue {
			t.Fatalf("redelivery = %s, %v; want duplicate_continue", got, err)
		}
	}

	if fc.BlocksRemaining != 3 {
		t.Errorf("BlocksRemaining = %d, want 3", fc.BlocksRemaining)
	}
	if p.Writes != 1 {
		t.Errorf("platform writes = %d, want 1", p.Writes)
	}
}

func TestIngest_OutOfRangeDoesNotMutate(t *testing.T) {
	p := pal.NewStubPlatform()
	e, fc, image := openTransfer(t, p, 1000, 256)
	if _, err := e.Ingest(t.Context(), fc, blockOf(fc, image, 0)); err != nil {
		t.Fatal(err)
	}
	before := fc.Bitmap.Encode()

	for _, idx := range []uint32{4, 5, 1 << 20, ^uint32(0)} {
		blk := &ipc.BlockFrame{BlockID: idx, BlockSize: 256, Payload: make([]byte, 256)}
		got, err := e.Ingest(t.Context(), fc, blk)
		if got != BlockOutOfRange {
			t.Errorf("index %d: result = %s, want block_out_of_range", idx, got)
		}
		if ResultOf(err) != BlockOutOfRange {
			t.Errorf("index %d: ResultOf(err) = %s", idx, ResultOf(err))
		}
		if !bytes.Equal(fc.Bitmap.Encode(), before) {
			t.Fatalf("index %d mutated the bitmap", idx)
		}
	}
	if fc.BlocksRemaining != 3 {
		t.Errorf("BlocksRemaining = %d, want 3", fc.BlocksRemaining)
	}
}

func TestIngest_MalformedInputs(t *testing.T) {
	p := pal.NewStubPlatform()
	e, fc, image := openTransfer(t, p, 1000, 256)
	before := fc.Bitmap.Encode()

	unopened, _ := NewFileContext(1000, 256)

	tests := []struct {
		name string
		fc   *FileContext
		blk  *ipc.BlockFrame
		want Result
	}{
		{"nil context", nil, blockOf(fc, image, 0), NullContext},
		{"no handle", unopened, blockOf(fc, image, 0), BadFileHandle},
		{"nil frame", fc, nil, BadData},
		{"wrong file id", fc, &ipc.BlockFrame{FileID: 9, BlockID: 0, BlockSize: 256, Payload: image[:256]}, BadData},
		{"declared size mismatch", fc, &ipc.BlockFrame{BlockID: 0, BlockSize: 256, Payload: image[:10]}, BadData},
		{"short non-final block", fc, &ipc.BlockFrame{BlockID: 1, BlockSize: 100, Payload: image[:100]}, BadData},
		{"full-size final block", fc, &ipc.BlockFrame{BlockID: 3, BlockSize: 256, Payload: make([]byte, 256)}, BadData},
		{"out of range before size check", fc, &ipc.BlockFrame{BlockID: 4, BlockSize: 256, Payload: image[:10]}, BlockOutOfRange},
		{"out of range before file id check", fc, &ipc.BlockFrame{FileID: 9, BlockID: 9, BlockSize: 256, Payload: image[:256]}, BlockOutOfRange},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Ingest(t.Context(), tt.fc, tt.blk)
			if got != tt.want {
				t.Errorf("result = %s, want %s", got, tt.want)
			}
			if !got.IsFatal() {
				t.Errorf("%s should be fatal", got)
			}
			var ie *IngestError
			if !errors.As(err, &ie) || ie.Result != tt.want {
				t.Errorf("err = %v, want *IngestError with %s", err, tt.want)
			}
			if !bytes.Equal(fc.Bitmap.Encode(), before) {
				t.Error("bitmap mutated")
			}
		})
	}
	if p.Writes != 0 {
		t.Errorf("platform writes = %d, want 0", p.Writes)
	}
}

func TestIngest_AfterAbortIsRejected(t *testing.T) {
	p := pal.NewStubPlatform()
	e, fc, image := openTransfer(t, p, 1000, 256)

	if err := e.Abort(t.Context(), fc); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if got, _ := e.Ingest(t.Context(), fc, blockOf(fc, image, 0)); got != BadFileHandle {
		t.Errorf("result = %s, want bad_file_handle", got)
	}
	if err := e.Abort(t.Context(), fc); err != nil {
		t.Errorf("second Abort: %v", err)
	}
	if p.Aborted != 1 {
		t.Errorf("platform aborts = %d, want 1", p.Aborted)
	}
}

func TestIngest_UnexpectedBlock(t *testing.T) {
	p := pal.NewStubPlatform()
	e, fc, image := openTransfer(t, p, 1000, 256)

	// A handle without a bitmap: the transfer is no longer active.
	fc.Bitmap = nil
	if got, _ := e.Ingest(t.Context(), fc, blockOf(fc, image, 0)); got != UnexpectedBlock {
		t.Errorf("result = %s, want unexpected_block", got)
	}
}

func TestIngest_WriteFailure(t *testing.T) {
	p := pal.NewStubPlatform()
	e, fc, image := openTransfer(t, p, 1000, 256)
	writeErr := errors.New("flash busy")
	p.ErrorOnWrite = writeErr

	got, err := e.Ingest(t.Context(), fc, blockOf(fc, image, 2))
	if got != WriteBlockFailed {
		t.Fatalf("result = %s, want write_block_failed", got)
	}
	if !errors.Is(err, writeErr) {
		t.Errorf("err = %v, want wrapping %v", err, writeErr)
	}
	if !fc.Bitmap.IsMissing(2) || fc.BlocksRemaining != 4 {
		t.Error("failed write must not mark the block received")
	}
}

func TestIngest_SignatureFailure(t *testing.T) {
	p := pal.NewStubPlatform()
	p.ExpectSignature = []byte("other")
	e, fc, image := openTransfer(t, p, 300, 256)

	if got, _ := e.Ingest(t.Context(), fc, blockOf(fc, image, 0)); got != AcceptedContinue {
		t.Fatalf("block 0 = %s", got)
	}
	got, err := e.Ingest(t.Context(), fc, blockOf(fc, image, 1))
	if got != SigCheckFail {
		t.Fatalf("result = %s, want sig_check_fail", got)
	}
	if !errors.Is(err, pal.ErrSignatureInvalid) {
		t.Errorf("err = %v, want ErrSignatureInvalid", err)
	}
	if p.Aborted != 1 {
		t.Errorf("image should be aborted, aborts = %d", p.Aborted)
	}
	if fc.Active() {
		t.Error("context should be released")
	}
}

func TestIngest_CloseFailure(t *testing.T) {
	p := pal.NewStubPlatform()
	p.ErrorOnClose = errors.New("disk full")
	e, fc, image := openTransfer(t, p, 10, 256)

	got, err := e.Ingest(t.Context(), fc, blockOf(fc, image, 0))
	if got != FileCloseFail {
		t.Fatalf("result = %s, want file_close_fail", got)
	}
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestOpen_Errors(t *testing.T) {
	p := pal.NewStubPlatform()
	e := NewEngine(p)

	if err := e.Open(t.Context(), nil); err == nil {
		t.Error("Open(nil) should fail")
	}

	fc, _ := NewFileContext(10, 4)
	p.ErrorOnCreate = errors.New("no space")
	if err := e.Open(t.Context(), fc); err == nil {
		t.Error("Open should surface CreateFile errors")
	}
	p.ErrorOnCreate = nil
	if err := e.Open(t.Context(), fc); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := e.Open(t.Context(), fc); err == nil {
		t.Error("second Open should fail")
	}
}

func TestResult_Classification(t *testing.T) {
	for r := Uninitialized; r <= WriteBlockFailed; r++ {
		switch r {
		case AcceptedContinue, DuplicateContinue:
			if !r.IsContinue() || r.IsFatal() {
				t.Errorf("%s should continue", r)
			}
		case FileComplete:
			if r.IsContinue() || r.IsFatal() {
				t.Errorf("%s should be terminal success", r)
			}
		default:
			if !r.IsFatal() {
				t.Errorf("%s should be fatal", r)
			}
		}
	}
	if ResultOf(errors.New("plain")) != Uninitialized {
		t.Error("ResultOf(plain error) should be Uninitialized")
	}
}

func TestIngest_NeverUninitialized(t *testing.T) {
	p := pal.NewStubPlatform()
	e, fc, image := openTransfer(t, p, 2000, 128)

	r := rand.New(rand.NewPCG(1, 2))
	for range 200 {
		var blk *ipc.BlockFrame
		switch r.IntN(4) {
		case 0:
			blk = &ipc.BlockFrame{BlockID: fc.TotalBlocks + r.Uint32N(10), BlockSize: 128, Payload: make([]byte, 128)}
		default:
			if !fc.Active() {
				return
			}
			blk = blockOf(fc, image, r.Uint32N(fc.TotalBlocks))
		}
		got, _ := e.Ingest(t.Context(), fc, blk)
		if got == Uninitialized {
			t.Fatal("Ingest returned Uninitialized")
		}
	}
}
