package transport

import (
	"slices"
	"testing"

	"github.com/pithecene-io/ota/ipc"
)

func TestTarget_BlockLen(t *testing.T) {
	target := &Target{FileSize: 1000, BlockSize: 256}

	tests := []struct {
		block uint32
		want  uint32
	}{
		{0, 256},
		{2, 256},
		{3, 232},
		{4, 0},
		{1 << 30, 0},
	}
	for _, tt := range tests {
		if got := target.BlockLen(tt.block); got != tt.want {
			t.Errorf("BlockLen(%d) = %d, want %d", tt.block, got, tt.want)
		}
	}
}

func TestRangeRequest_Blocks(t *testing.T) {
	tests := []struct {
		name string
		req  RangeRequest
		want []uint32
	}{
		{
			name: "all wanted",
			req:  RangeRequest{Offset: 8, NumBlocks: 4, Bitmap: []byte{0x0f}},
			want: []uint32{8, 9, 10, 11},
		},
		{
			name: "lsb first",
			req:  RangeRequest{Offset: 0, NumBlocks: 8, Bitmap: []byte{0x05}},
			want: []uint32{0, 2},
		},
		{
			name: "bits past NumBlocks ignored",
			req:  RangeRequest{Offset: 0, NumBlocks: 2, Bitmap: []byte{0xff}},
			want: []uint32{0, 1},
		},
		{
			name: "short bitmap",
			req:  RangeRequest{Offset: 0, NumBlocks: 16, Bitmap: []byte{0x80}},
			want: []uint32{7},
		},
		{
			name: "nothing wanted",
			req:  RangeRequest{Offset: 4, NumBlocks: 4, Bitmap: []byte{0x00}},
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.req.Blocks(); !slices.Equal(got, tt.want) {
				t.Errorf("Blocks() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRangeRequest_StreamRequest(t *testing.T) {
	req := &RangeRequest{
		ClientToken: "tok",
		StreamName:  "s1",
		FileID:      7,
		BlockSize:   256,
		Offset:      4,
		NumBlocks:   4,
		Bitmap:      []byte{0x0f},
	}
	sr := req.StreamRequest()
	req.Bitmap[0] = 0

	if sr.Type != ipc.StreamRequestType {
		t.Errorf("Type = %q, want %q", sr.Type, ipc.StreamRequestType)
	}
	if sr.ClientToken != "tok" || sr.StreamName != "s1" || sr.FileID != 7 {
		t.Errorf("identity fields not copied: %+v", sr)
	}
	if sr.Offset != 4 || sr.NumBlocks != 4 || sr.BlockSize != 256 {
		t.Errorf("window fields not copied: %+v", sr)
	}
	if sr.Bitmap[0] != 0x0f {
		t.Errorf("bitmap shares memory with request")
	}
}

func TestDeliverBlock(t *testing.T) {
	r := newRecorder()
	if err := DeliverBlock(r, 3, 9, []byte("abc")); err != nil {
		t.Fatalf("DeliverBlock: %v", err)
	}
	got := r.Blocks()
	if len(got) != 1 {
		t.Fatalf("got %d blocks, want 1", len(got))
	}
	f := got[0]
	if f.FileID != 3 || f.BlockID != 9 || f.BlockSize != 3 || string(f.Payload) != "abc" {
		t.Errorf("unexpected frame %+v", f)
	}
}
