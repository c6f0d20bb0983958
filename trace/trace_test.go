package trace

import (
	"bytes"
	"errors"
	"os"
	"strconv"
	"testing"

	"github.com/pithecene-io/ota/blocks"
	"github.com/pithecene-io/ota/ipc"
	"github.com/pithecene-io/ota/pal"
)

// TestReplay_LSBFirstFixture replays a recorded transfer of 150 bytes in
// 16-byte blocks. Blocks 0, 2 and 9 arrive first; the recorded requests
// carry the bitmap in least-significant-bit-first order.
func TestReplay_LSBFirstFixture(t *testing.T) {
	f, err := os.Open("testdata/lsb_transfer.trace")
	if err != nil {
		t.Fatalf("open fixture: %v", err)
	}
	defer func() { _ = f.Close() }()

	p := pal.NewStubPlatform()
	p.ExpectSignature = []byte("trace-signature")

	report, err := Replay(t.Context(), f, p)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}

	if report.JobID != "AFR_OTA-trace-1" {
		t.Errorf("JobID = %q", report.JobID)
	}
	if report.TotalBlocks != 10 || report.BlockSize != 16 || report.FileSize != 150 {
		t.Errorf("geometry = %d blocks of %d, %d bytes", report.TotalBlocks, report.BlockSize, report.FileSize)
	}
	if report.Requests != 3 {
		t.Errorf("Requests = %d, want 3", report.Requests)
	}
	for _, m := range report.Mismatches {
		t.Errorf("frame %d offset %d: %s (want %x, got %x)", m.Frame, m.Offset, m.Reason, m.Want, m.Got)
	}
	if !report.Complete() {
		t.Errorf("Final = %q, want file_complete", report.Final)
	}
	if report.BlocksRemaining != 0 {
		t.Errorf("BlocksRemaining = %d", report.BlocksRemaining)
	}

	wantResults := map[string]int{
		blocks.AcceptedContinue.String():  9,
		blocks.DuplicateContinue.String(): 1,
		blocks.FileComplete.String():      1,
	}
	for k, v := range wantResults {
		if report.Results[k] != v {
			t.Errorf("Results[%s] = %d, want %d", k, report.Results[k], v)
		}
	}

	img := p.ImageCopy()
	if len(img) != 150 {
		t.Fatalf("image is %d bytes", len(img))
	}
	for i, b := range img {
		if b != byte(i%251) {
			t.Fatalf("image[%d] = %d", i, b)
		}
	}
}

// TestReplay_DetectsMSBFirstRequest shows that a request encoded
// most-significant-bit first is reported.
func TestReplay_DetectsMSBFirstRequest(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	writeJob(t, w, 10, 16)
	writeBlocks(t, w, 3, 16, 160, 0, 2, 9)

	// Blocks 1, 3-8 missing; MSB-first this is 0b01011111 0b10000000.
	if err := w.Request(&ipc.StreamRequest{FileID: 3, BlockSize: 16, Offset: 0, NumBlocks: 10, Bitmap: []byte{0x5f, 0x80}}); err != nil {
		t.Fatalf("Request: %v", err)
	}

	report, err := Replay(t.Context(), &buf, pal.NewStubPlatform())
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(report.Mismatches) != 1 {
		t.Fatalf("Mismatches = %d, want 1", len(report.Mismatches))
	}
	m := report.Mismatches[0]
	if !bytes.Equal(m.Want, []byte{0xfa, 0x01}) {
		t.Errorf("Want = %x, want fa01", m.Want)
	}
	if m.Frame != 4 {
		t.Errorf("Frame = %d, want 4", m.Frame)
	}
}

func TestReplay_WriterRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	writeJob(t, w, 10, 16)
	writeBlocks(t, w, 3, 16, 160, 9, 8, 7, 6, 5, 4, 3, 2, 1, 0)

	report, err := Replay(t.Context(), &buf, pal.NewStubPlatform())
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if !report.Complete() {
		t.Errorf("Final = %q", report.Final)
	}
	if report.Frames != 11 {
		t.Errorf("Frames = %d, want 11", report.Frames)
	}
}

func TestReplay_RequestAfterCompletion(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	writeJob(t, w, 1, 16)
	writeBlocks(t, w, 3, 16, 16, 0)
	if err := w.Request(&ipc.StreamRequest{FileID: 3, BlockSize: 16, NumBlocks: 1, Bitmap: []byte{0x01}}); err != nil {
		t.Fatalf("Request: %v", err)
	}

	report, err := Replay(t.Context(), &buf, pal.NewStubPlatform())
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(report.Mismatches) != 1 || report.Mismatches[0].Reason != "request after transfer ended" {
		t.Errorf("Mismatches = %+v", report.Mismatches)
	}
}

func TestReplay_Errors(t *testing.T) {
	t.Run("block before job", func(t *testing.T) {
		var buf bytes.Buffer
		writeBlocks(t, NewWriter(&buf), 3, 16, 16, 0)
		if _, err := Replay(t.Context(), &buf, pal.NewStubPlatform()); !errors.Is(err, ErrNoJobDocument) {
			t.Errorf("expected ErrNoJobDocument, got %v", err)
		}
	})

	t.Run("second job", func(t *testing.T) {
		var buf bytes.Buffer
		w := NewWriter(&buf)
		writeJob(t, w, 2, 16)
		writeJob(t, w, 2, 16)
		p := pal.NewStubPlatform()
		if _, err := Replay(t.Context(), &buf, p); !errors.Is(err, ErrSecondJob) {
			t.Errorf("expected ErrSecondJob, got %v", err)
		}
		if log := p.CallLog(); len(log) != 2 || log[1] != "Abort" {
			t.Errorf("open transfer not aborted: %v", log)
		}
	})

	t.Run("truncated", func(t *testing.T) {
		var buf bytes.Buffer
		writeJob(t, NewWriter(&buf), 2, 16)
		data := buf.Bytes()[:buf.Len()-3]
		_, err := Replay(t.Context(), bytes.NewReader(data), pal.NewStubPlatform())
		if !ipc.IsFatalFrameError(err) {
			t.Errorf("expected fatal frame error, got %v", err)
		}
	})
}

func writeJob(t *testing.T, w *Writer, totalBlocks, blockSize uint32) {
	t.Helper()
	doc := []byte(`{"execution":{"jobId":"job-1","jobDocument":{"afr_ota":{"protocols":["MQTT"],"files":[{` +
		`"filepath":"/fw.bin","filesize":` + strconv.FormatUint(uint64(totalBlocks*blockSize), 10) + `,"fileid":3,"certfile":"c.pem","sig-sha256-ecdsa":"c2ln"}]}}}}`)
	if err := w.JobDocument(doc, blockSize); err != nil {
		t.Fatalf("JobDocument: %v", err)
	}
}

func writeBlocks(t *testing.T, w *Writer, fileID, blockSize, fileSize uint32, ids ...uint32) {
	t.Helper()
	for _, id := range ids {
		n := min(blockSize, fileSize-id*blockSize)
		if err := w.Block(&ipc.BlockFrame{FileID: fileID, BlockID: id, BlockSize: n, Payload: make([]byte, n)}); err != nil {
			t.Fatalf("Block: %v", err)
		}
	}
}
