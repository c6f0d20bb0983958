// Package trace records and replays block transfers.
//
// A trace is a stream of length-prefixed msgpack frames (see ipc): one
// job document frame, then the block frames the agent received and the
// stream requests it sent, in arrival order. Replaying a trace drives the
// blocks through a fresh engine and checks every recorded stream request
// against the bitmap window the engine would request at that point.
package trace

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/pithecene-io/ota/blocks"
	"github.com/pithecene-io/ota/ipc"
	"github.com/pithecene-io/ota/jobdoc"
	"github.com/pithecene-io/ota/pal"
)

// Errors returned by Replay besides framing errors.
var (
	ErrNoJobDocument = errors.New("trace: block or request before job document")
	ErrSecondJob     = errors.New("trace: more than one job document")
)

// Mismatch is a recorded stream request that disagrees with the replay.
type Mismatch struct {
	// Frame is the zero-based frame index within the trace.
	Frame  int    `json:"frame" yaml:"frame"`
	Offset uint32 `json:"offset" yaml:"offset"`
	Want   []byte `json:"want" yaml:"want"`
	Got    []byte `json:"got" yaml:"got"`
	Reason string `json:"reason" yaml:"reason"`
}

// Report summarizes a replay.
type Report struct {
	JobID           string         `json:"job_id" yaml:"job_id"`
	FileSize        uint32         `json:"file_size" yaml:"file_size"`
	BlockSize       uint32         `json:"block_size" yaml:"block_size"`
	TotalBlocks     uint32         `json:"total_blocks" yaml:"total_blocks"`
	BlocksRemaining uint32         `json:"blocks_remaining" yaml:"blocks_remaining"`
	Frames          int            `json:"frames" yaml:"frames"`
	Requests        int            `json:"requests" yaml:"requests"`
	Results         map[string]int `json:"results" yaml:"results"`
	// Final is the result of the last block ingested.
	Final      string     `json:"final" yaml:"final"`
	Mismatches []Mismatch `json:"mismatches,omitempty" yaml:"mismatches,omitempty"`
}

// Complete reports whether the replayed transfer finished and verified.
func (r *Report) Complete() bool {
	return r.Final == blocks.FileComplete.String()
}

// Replay reads a trace from r and drives it through an engine on p.
// Ingest failures are recorded in the report, not returned; an error
// means the trace itself could not be read or built.
func Replay(ctx context.Context, r io.Reader, p pal.Platform) (*Report, error) {
	dec := ipc.NewFrameDecoder(r)
	engine := blocks.NewEngine(p)
	report := &Report{Results: make(map[string]int)}

	var fc *blocks.FileContext
	defer func() {
		_ = engine.Abort(ctx, fc)
	}()

	for i := 0; ; i++ {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		payload, err := dec.ReadFrame()
		if err == io.EOF {
			break
		}
		if err != nil {
			return report, err
		}
		report.Frames++

		frame, err := ipc.DecodeFrame(payload)
		if err != nil {
			return report, fmt.Errorf("frame %d: %w", i, err)
		}

		switch f := frame.(type) {
		case *ipc.JobDocFrame:
			if fc != nil {
				return report, ErrSecondJob
			}
			job, err := jobdoc.Build(f.Doc, f.BlockSize)
			if err != nil {
				return report, fmt.Errorf("frame %d: build job: %w", i, err)
			}
			fc = job.File
			if err := engine.Open(ctx, fc); err != nil {
				return report, fmt.Errorf("frame %d: %w", i, err)
			}
			report.JobID = job.ID
			report.FileSize = fc.FileSize
			report.BlockSize = fc.BlockSize
			report.TotalBlocks = fc.TotalBlocks
			report.BlocksRemaining = fc.BlocksRemaining

		case *ipc.BlockFrame:
			if fc == nil {
				return report, ErrNoJobDocument
			}
			res, _ := engine.Ingest(ctx, fc, f)
			report.Results[res.String()]++
			report.Final = res.String()
			report.BlocksRemaining = fc.BlocksRemaining

		case *ipc.StreamRequest:
			if fc == nil {
				return report, ErrNoJobDocument
			}
			report.Requests++
			if m := checkRequest(fc, f); m != nil {
				m.Frame = i
				report.Mismatches = append(report.Mismatches, *m)
			}
		}
	}
	return report, nil
}

// checkRequest compares a recorded request with the live bitmap.
func checkRequest(fc *blocks.FileContext, req *ipc.StreamRequest) *Mismatch {
	switch {
	case !fc.Active():
		return &Mismatch{Offset: req.Offset, Got: req.Bitmap, Reason: "request after transfer ended"}
	case req.FileID != fc.ServerFileID:
		return &Mismatch{Offset: req.Offset, Got: req.Bitmap, Reason: fmt.Sprintf("file id %d, transfer is %d", req.FileID, fc.ServerFileID)}
	case req.BlockSize != fc.BlockSize:
		return &Mismatch{Offset: req.Offset, Got: req.Bitmap, Reason: fmt.Sprintf("block size %d, transfer is %d", req.BlockSize, fc.BlockSize)}
	}
	want := fc.Bitmap.Window(req.Offset, req.NumBlocks)
	if !bytes.Equal(want, req.Bitmap) {
		return &Mismatch{Offset: req.Offset, Want: want, Got: req.Bitmap, Reason: "bitmap differs"}
	}
	return nil
}
