package pal

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pithecene-io/ota/types"
)

// stateFileName is the image-state file under the platform root.
const stateFileName = "image_state.yaml"

// FSConfig configures a filesystem platform.
type FSConfig struct {
	// Root holds staged and committed images and the state file.
	Root string
	// CertDir holds the PEM certificates or public keys named by job
	// documents. Empty disables signature verification.
	CertDir string
	// OnReset, if set, is called by Reset after the reset is recorded.
	OnReset func() error
}

// persistedState is the YAML shape of the image-state file.
type persistedState struct {
	ImageState   types.ImageState `yaml:"image_state"`
	ActiveImage  string           `yaml:"active_image,omitempty"`
	PendingImage string           `yaml:"pending_image,omitempty"`
	Resets       int              `yaml:"resets"`
	UpdatedAt    time.Time        `yaml:"updated_at"`
}

// FSPlatform stores images as files and verifies ECDSA P-256 SHA-256
// signatures. Image state is persisted as YAML.
type FSPlatform struct {
	root    string
	certDir string
	onReset func() error

	// closed is the final path of the last image that passed CloseFile.
	closed string
}

type fsHandle struct {
	path     string
	staging  string
	final    string
	certFile string
	file     *os.File
}

func (h *fsHandle) Path() string { return h.path }

// NewFSPlatform creates the root directory if needed.
func NewFSPlatform(cfg FSConfig) (*FSPlatform, error) {
	if cfg.Root == "" {
		return nil, errors.New("platform root is required")
	}
	if err := os.MkdirAll(filepath.Join(cfg.Root, "images"), 0o755); err != nil {
		return nil, fmt.Errorf("create platform root: %w", err)
	}
	return &FSPlatform{root: cfg.Root, certDir: cfg.CertDir, onReset: cfg.OnReset}, nil
}

// imageName maps a device path to a file name under the images directory.
func imageName(spec *FileSpec) string {
	name := filepath.Base(filepath.Clean("/" + spec.Path))
	if name == "/" || name == "." {
		return fmt.Sprintf("file-%d.bin", spec.FileID)
	}
	return name
}

// CreateFile creates a staging file of spec.Size bytes.
func (p *FSPlatform) CreateFile(ctx context.Context, spec *FileSpec) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	final := filepath.Join(p.root, "images", imageName(spec))
	staging := final + ".part"

	f, err := os.OpenFile(staging, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create image %s: %w", spec.Path, err)
	}
	if err := f.Truncate(int64(spec.Size)); err != nil {
		_ = f.Close()
		_ = os.Remove(staging)
		return nil, fmt.Errorf("size image %s: %w", spec.Path, err)
	}
	return &fsHandle{path: spec.Path, staging: staging, final: final, certFile: spec.CertFile, file: f}, nil
}

func (p *FSPlatform) handle(h Handle) (*fsHandle, error) {
	fh, ok := h.(*fsHandle)
	if !ok || fh == nil || fh.file == nil {
		return nil, ErrNoHandle
	}
	return fh, nil
}

// WriteBlock writes data at offset in the staging file.
func (p *FSPlatform) WriteBlock(ctx context.Context, h Handle, offset uint32, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fh, err := p.handle(h)
	if err != nil {
		return err
	}
	if _, err := fh.file.WriteAt(data, int64(offset)); err != nil {
		return fmt.Errorf("write block at %d: %w", offset, err)
	}
	return nil
}

// CloseFile verifies the staged image and moves it into place.
func (p *FSPlatform) CloseFile(ctx context.Context, h Handle, sig []byte) error {
	fh, err := p.handle(h)
	if err != nil {
		return err
	}

	if err := fh.file.Sync(); err != nil {
		return fmt.Errorf("sync image: %w", err)
	}
	if p.certDir != "" {
		if err := p.verify(fh, sig); err != nil {
			_ = p.Abort(ctx, h)
			return err
		}
	}
	if err := fh.file.Close(); err != nil {
		return fmt.Errorf("close image: %w", err)
	}
	fh.file = nil
	if err := os.Rename(fh.staging, fh.final); err != nil {
		return fmt.Errorf("commit image: %w", err)
	}
	p.closed = fh.final
	return nil
}

func (p *FSPlatform) verify(fh *fsHandle, sig []byte) error {
	pub, err := loadPublicKey(filepath.Join(p.certDir, filepath.Base(fh.certFile)))
	if err != nil {
		return err
	}

	if _, err := fh.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind image: %w", err)
	}
	h := sha256.New()
	if _, err := io.Copy(h, fh.file); err != nil {
		return fmt.Errorf("hash image: %w", err)
	}
	if !ecdsa.VerifyASN1(pub, h.Sum(nil), sig) {
		return fmt.Errorf("%w: %s", ErrSignatureInvalid, fh.path)
	}
	return nil
}

// loadPublicKey reads a PEM certificate or PKIX public key.
func loadPublicKey(path string) (*ecdsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read certificate: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("certificate %s: no PEM block", path)
	}

	var key any
	switch block.Type {
	case "CERTIFICATE":
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse certificate: %w", err)
		}
		key = cert.PublicKey
	case "PUBLIC KEY":
		key, err = x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse public key: %w", err)
		}
	default:
		return nil, fmt.Errorf("certificate %s: unsupported PEM type %q", path, block.Type)
	}

	pub, ok := key.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("certificate %s: %T is not an ECDSA key", path, key)
	}
	return pub, nil
}

// Abort closes and removes the staging file.
func (p *FSPlatform) Abort(_ context.Context, h Handle) error {
	if h == nil {
		return nil
	}
	fh, ok := h.(*fsHandle)
	if !ok || fh == nil {
		return ErrNoHandle
	}
	if fh.file != nil {
		_ = fh.file.Close()
		fh.file = nil
	}
	if err := os.Remove(fh.staging); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove staged image: %w", err)
	}
	return nil
}

// Activate marks the last closed image pending commit.
func (p *FSPlatform) Activate(_ context.Context) error {
	if p.closed == "" {
		return errors.New("no image to activate")
	}
	st, err := p.load()
	if err != nil {
		return err
	}
	st.PendingImage = p.closed
	st.ImageState = types.ImageStatePendingCommit
	return p.save(st)
}

// SetImageState persists s. Accepting promotes the pending image; a
// rejected or aborted image is dropped.
func (p *FSPlatform) SetImageState(_ context.Context, s types.ImageState) error {
	if !s.IsValid() {
		return fmt.Errorf("invalid image state %q", s)
	}
	st, err := p.load()
	if err != nil {
		return err
	}
	switch s {
	case types.ImageStateAccepted:
		if st.PendingImage != "" {
			st.ActiveImage = st.PendingImage
			st.PendingImage = ""
		}
	case types.ImageStateRejected, types.ImageStateAborted:
		st.PendingImage = ""
	}
	st.ImageState = s
	return p.save(st)
}

// ImageState returns the persisted state, or ImageStateUnknown if none.
func (p *FSPlatform) ImageState(_ context.Context) (types.ImageState, error) {
	st, err := p.load()
	if err != nil {
		return types.ImageStateUnknown, err
	}
	return st.ImageState, nil
}

// Reset records the reset and calls OnReset.
func (p *FSPlatform) Reset(_ context.Context) error {
	st, err := p.load()
	if err != nil {
		return err
	}
	st.Resets++
	if err := p.save(st); err != nil {
		return err
	}
	if p.onReset != nil {
		return p.onReset()
	}
	return nil
}

// ActiveImage returns the path of the committed image, if any.
func (p *FSPlatform) ActiveImage() (string, error) {
	st, err := p.load()
	if err != nil {
		return "", err
	}
	return st.ActiveImage, nil
}

func (p *FSPlatform) load() (*persistedState, error) {
	data, err := os.ReadFile(filepath.Join(p.root, stateFileName))
	if errors.Is(err, os.ErrNotExist) {
		return &persistedState{ImageState: types.ImageStateUnknown}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read image state: %w", err)
	}
	var st persistedState
	if err := yaml.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse image state: %w", err)
	}
	if st.ImageState == "" {
		st.ImageState = types.ImageStateUnknown
	}
	return &st, nil
}

// save writes the state file atomically.
func (p *FSPlatform) save(st *persistedState) error {
	st.UpdatedAt = time.Now().UTC()
	data, err := yaml.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode image state: %w", err)
	}
	path := filepath.Join(p.root, stateFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write image state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit image state: %w", err)
	}
	return nil
}

var _ Platform = (*FSPlatform)(nil)
