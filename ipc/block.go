package ipc

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Type discriminants carried in every payload's "type" field.
const (
	BlockFrameType    = "block"
	JobDocFrameType   = "job_document"
	StreamRequestType = "stream_request"
)

// BlockFrame is one block of the file being transferred.
// BlockSize is the size the sender declares for Payload.
type BlockFrame struct {
	Type      string `msgpack:"type"`
	FileID    uint32 `msgpack:"file_id"`
	BlockID   uint32 `msgpack:"block_id"`
	BlockSize uint32 `msgpack:"block_size"`
	Payload   []byte `msgpack:"payload"`
}

// StreamRequest asks the sender for a window of blocks. Bitmap is the
// receiver's bitmap starting at Offset, one bit per block, 1 = still needed,
// least significant bit first.
type StreamRequest struct {
	Type        string `msgpack:"type"`
	ClientToken string `msgpack:"client_token"`
	StreamName  string `msgpack:"stream_name,omitempty"`
	FileID      uint32 `msgpack:"file_id"`
	BlockSize   uint32 `msgpack:"block_size"`
	Offset      uint32 `msgpack:"offset"`
	NumBlocks   uint32 `msgpack:"num_blocks"`
	Bitmap      []byte `msgpack:"bitmap"`
}

// JobDocFrame records a job document in a transfer trace.
type JobDocFrame struct {
	Type      string `msgpack:"type"`
	BlockSize uint32 `msgpack:"block_size"`
	Doc       []byte `msgpack:"doc"`
}

// EncodeBlock encodes a block frame, setting its type discriminant.
func EncodeBlock(f *BlockFrame) ([]byte, error) {
	f.Type = BlockFrameType
	payload, err := msgpack.Marshal(f)
	if err != nil {
		return nil, &FrameError{Kind: FrameErrorDecode, Msg: "failed to encode block frame", Err: err}
	}
	return payload, nil
}

// DecodeBlock decodes a payload as a BlockFrame.
// A frame without a type field is accepted; any other type is rejected.
func DecodeBlock(payload []byte) (*BlockFrame, error) {
	var f BlockFrame
	if err := msgpack.Unmarshal(payload, &f); err != nil {
		return nil, &FrameError{
			Kind: FrameErrorDecode,
			Msg:  "failed to decode block frame",
			Err:  err,
		}
	}
	if f.Type != "" && f.Type != BlockFrameType {
		return nil, &FrameError{
			Kind: FrameErrorDecode,
			Msg:  fmt.Sprintf("frame type %q is not %q", f.Type, BlockFrameType),
		}
	}
	return &f, nil
}

// EncodeStreamRequest encodes a stream request, setting its type discriminant.
func EncodeStreamRequest(r *StreamRequest) ([]byte, error) {
	r.Type = StreamRequestType
	payload, err := msgpack.Marshal(r)
	if err != nil {
		return nil, &FrameError{Kind: FrameErrorDecode, Msg: "failed to encode stream request", Err: err}
	}
	return payload, nil
}

// DecodeStreamRequest decodes a payload as a StreamRequest.
func DecodeStreamRequest(payload []byte) (*StreamRequest, error) {
	var r StreamRequest
	if err := msgpack.Unmarshal(payload, &r); err != nil {
		return nil, &FrameError{
			Kind: FrameErrorDecode,
			Msg:  "failed to decode stream request",
			Err:  err,
		}
	}
	return &r, nil
}

// DecodeJobDoc decodes a payload as a JobDocFrame.
func DecodeJobDoc(payload []byte) (*JobDocFrame, error) {
	var f JobDocFrame
	if err := msgpack.Unmarshal(payload, &f); err != nil {
		return nil, &FrameError{
			Kind: FrameErrorDecode,
			Msg:  "failed to decode job document frame",
			Err:  err,
		}
	}
	return &f, nil
}
