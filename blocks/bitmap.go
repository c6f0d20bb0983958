// Package blocks tracks a block-addressed file transfer: which blocks of
// the live file have been received, and what to do with the next one.
//
// Bitmap bit order is least significant bit first: block i lives in byte
// i/8 under mask 1<<(i%8). A set bit means the block is still missing.
// Stream requests carry the bitmap in this order, so it must not change.
package blocks

import (
	"errors"
	"fmt"
	"math/bits"
)

// MaxBitmapBytes bounds the bitmap, and so the number of blocks per file.
const MaxBitmapBytes = 128

// MaxBlocks is the largest block count a file may have.
const MaxBlocks = MaxBitmapBytes * 8

// Errors returned when a file transfer context cannot be created.
var (
	ErrEmptyFile        = errors.New("file size is zero")
	ErrFileTooLarge     = errors.New("file exceeds bitmap capacity")
	ErrInvalidBlockSize = errors.New("block size is zero")
)

// Bitmap is the receipt state of n blocks, 1 = not yet received.
type Bitmap struct {
	bits []byte
	n    uint32
}

// NewBitmap returns a bitmap with all n blocks missing. Bits past n in the
// last byte are cleared.
func NewBitmap(n uint32) (*Bitmap, error) {
	if n == 0 {
		return nil, ErrEmptyFile
	}
	if n > MaxBlocks {
		return nil, fmt.Errorf("%w: %d blocks, max %d", ErrFileTooLarge, n, MaxBlocks)
	}
	b := &Bitmap{bits: make([]byte, (n+7)/8), n: n}
	for i := range b.bits {
		b.bits[i] = 0xff
	}
	if r := n % 8; r != 0 {
		b.bits[len(b.bits)-1] = byte(1<<r) - 1
	}
	return b, nil
}

// BitmapFromBytes rebuilds a bitmap of n blocks from its encoding.
// Trailing bits past n must be clear.
func BitmapFromBytes(n uint32, raw []byte) (*Bitmap, error) {
	if n == 0 || n > MaxBlocks {
		return nil, fmt.Errorf("invalid block count %d", n)
	}
	if len(raw) != int((n+7)/8) {
		return nil, fmt.Errorf("bitmap of %d bytes cannot hold exactly %d blocks", len(raw), n)
	}
	if r := n % 8; r != 0 && raw[len(raw)-1]&^(byte(1<<r)-1) != 0 {
		return nil, errors.New("bitmap has bits set past the last block")
	}
	return &Bitmap{bits: append([]byte(nil), raw...), n: n}, nil
}

// Len returns the number of blocks tracked.
func (b *Bitmap) Len() uint32 { return b.n }

// IsMissing reports whether block i has not been received.
// Out-of-range indexes report false.
func (b *Bitmap) IsMissing(i uint32) bool {
	if i >= b.n {
		return false
	}
	return b.bits[i/8]&(1<<(i%8)) != 0
}

// clear marks block i received. Callers check the range.
func (b *Bitmap) clear(i uint32) {
	b.bits[i/8] &^= 1 << (i % 8)
}

// Missing returns the number of blocks not yet received.
func (b *Bitmap) Missing() uint32 {
	var c int
	for _, x := range b.bits {
		c += bits.OnesCount8(x)
	}
	return uint32(c)
}

// NextMissing returns the first missing block at or after from.
func (b *Bitmap) NextMissing(from uint32) (uint32, bool) {
	for i := from; i < b.n; {
		x := b.bits[i/8] >> (i % 8)
		if x == 0 {
			i = (i/8 + 1) * 8
			continue
		}
		i += uint32(bits.TrailingZeros8(x))
		if i < b.n {
			return i, true
		}
		break
	}
	return 0, false
}

// WindowLen returns the length of the request window starting at start:
// at most limit blocks, clipped to the end of the file. Blocks already
// received inside the window are counted.
func (b *Bitmap) WindowLen(start, limit uint32) uint32 {
	if start >= b.n {
		return 0
	}
	return min(limit, b.n-start)
}

// Window encodes blocks [start, start+count) as a bitmap whose bit 0 is
// block start, in the same bit order.
func (b *Bitmap) Window(start, count uint32) []byte {
	count = b.WindowLen(start, count)
	out := make([]byte, (count+7)/8)
	for j := uint32(0); j < count; j++ {
		if b.IsMissing(start + j) {
			out[j/8] |= 1 << (j % 8)
		}
	}
	return out
}

// Encode returns a copy of the raw bitmap bytes.
func (b *Bitmap) Encode() []byte {
	return append([]byte(nil), b.bits...)
}

// Progress returns received and total block counts.
func (b *Bitmap) Progress() (received, total uint32) {
	return b.n - b.Missing(), b.n
}
