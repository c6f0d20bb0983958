// Package pal is the platform abstraction port: image file storage,
// signature verification and image-state persistence.
package pal

import (
	"context"
	"errors"

	"github.com/pithecene-io/ota/types"
)

// ErrSignatureInvalid is returned by CloseFile when the assembled image
// does not verify against its signature. The image is discarded.
var ErrSignatureInvalid = errors.New("image signature invalid")

// ErrNoHandle is returned for operations on a nil or closed handle.
var ErrNoHandle = errors.New("no open image file")

// FileSpec describes the image file to create.
type FileSpec struct {
	// FileID is the job's file index.
	FileID uint32
	// Path is the device path the image is destined for.
	Path string
	// Size is the image size in bytes.
	Size uint32
	// CertFile names the certificate used to verify the signature.
	CertFile string
}

// Handle is an open image file.
type Handle interface {
	// Path returns the device path the handle was created for.
	Path() string
}

// Platform performs the device-specific work of an update.
//
// Implementations are called only from the agent worker and need not be
// safe for concurrent use.
type Platform interface {
	// CreateFile opens storage for a new image.
	CreateFile(ctx context.Context, spec *FileSpec) (Handle, error)

	// WriteBlock writes data at offset.
	WriteBlock(ctx context.Context, h Handle, offset uint32, data []byte) error

	// CloseFile verifies sig over the assembled image and closes the handle.
	// Returns ErrSignatureInvalid (wrapped) when verification fails.
	CloseFile(ctx context.Context, h Handle, sig []byte) error

	// Abort discards a partially or fully written image.
	// Aborting a nil handle is a no-op.
	Abort(ctx context.Context, h Handle) error

	// Activate makes the last closed image the boot image.
	Activate(ctx context.Context) error

	// SetImageState persists the image state.
	SetImageState(ctx context.Context, s types.ImageState) error

	// ImageState returns the persisted image state.
	ImageState(ctx context.Context) (types.ImageState, error)

	// Reset restarts the device, or requests a restart.
	Reset(ctx context.Context) error
}
