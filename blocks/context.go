package blocks

import (
	"fmt"

	"github.com/pithecene-io/ota/pal"
)

// FileContext is the live file transfer. Only one exists at a time.
type FileContext struct {
	// FileID is the file's index within its job.
	FileID      uint32
	FilePath    string
	FileSize    uint32
	BlockSize   uint32
	TotalBlocks uint32

	// Bitmap is nil when no transfer is active.
	Bitmap          *Bitmap
	BlocksRemaining uint32

	Signature []byte

	// ServerFileID identifies the file on the wire; block frames and
	// stream requests carry it.
	ServerFileID uint32
	CertFile     string
	UpdateURL    string
	AuthScheme   string
	StreamName   string
	Protocols    []string
	Attributes   uint32

	// Handle is the platform file, set by Engine.Open.
	Handle pal.Handle
}

// NewFileContext sizes a transfer of fileSize bytes in blockSize blocks.
// TotalBlocks is ceil(fileSize / blockSize).
func NewFileContext(fileSize, blockSize uint32) (*FileContext, error) {
	if blockSize == 0 {
		return nil, ErrInvalidBlockSize
	}
	if fileSize == 0 {
		return nil, ErrEmptyFile
	}
	total := uint32((uint64(fileSize) + uint64(blockSize) - 1) / uint64(blockSize))
	bm, err := NewBitmap(total)
	if err != nil {
		return nil, fmt.Errorf("file of %d bytes in %d-byte blocks: %w", fileSize, blockSize, err)
	}
	return &FileContext{
		FileSize:        fileSize,
		BlockSize:       blockSize,
		TotalBlocks:     total,
		Bitmap:          bm,
		BlocksRemaining: total,
	}, nil
}

// BlockLen returns the expected payload length of block i.
// Every block is BlockSize long except possibly the last.
func (fc *FileContext) BlockLen(i uint32) uint32 {
	if i+1 < fc.TotalBlocks {
		return fc.BlockSize
	}
	return fc.FileSize - (fc.TotalBlocks-1)*fc.BlockSize
}

// Active reports whether the context still accepts blocks.
func (fc *FileContext) Active() bool {
	return fc != nil && fc.Bitmap != nil
}

// Progress returns received and total block counts.
func (fc *FileContext) Progress() (received, total uint32) {
	return fc.TotalBlocks - fc.BlocksRemaining, fc.TotalBlocks
}

// Spec describes the file for the platform.
func (fc *FileContext) Spec() *pal.FileSpec {
	return &pal.FileSpec{
		FileID:   fc.FileID,
		Path:     fc.FilePath,
		Size:     fc.FileSize,
		CertFile: fc.CertFile,
	}
}

// release ends the transfer. Counters are kept for reporting.
func (fc *FileContext) release() {
	fc.Bitmap = nil
	fc.Handle = nil
}
