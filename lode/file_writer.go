package lode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/justapithecus/lode/lode"
)

// ErrInvalidFilename is returned by PutFile for names that could escape
// the files/ prefix.
var ErrInvalidFilename = errors.New("invalid sidecar filename")

// FileWriter writes sidecar files next to the journal. The agent uses it
// to archive accepted job documents.
type FileWriter interface {
	// PutFile writes a file under the Hive-partitioned files/ prefix.
	// The filename must not contain path separators or "..".
	PutFile(ctx context.Context, filename, contentType string, data []byte) error
}

var _ FileWriter = (*LodeClient)(nil)

// ValidateFilename rejects empty names, path separators and "..".
func ValidateFilename(filename string) error {
	if filename == "" || strings.ContainsAny(filename, `/\`) || strings.Contains(filename, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidFilename, filename)
	}
	return nil
}

// JobDocumentFilename names the archived copy of a job document.
func JobDocumentFilename(jobID string) string {
	name := strings.NewReplacer("/", "_", `\`, "_", "..", "_").Replace(jobID)
	if name == "" {
		name = "unknown"
	}
	return "jobdoc-" + name + ".json"
}

// PutFile writes a sidecar file directly to the store, bypassing the
// dataset's segment and manifest machinery.
func (c *LodeClient) PutFile(ctx context.Context, filename, _ string, data []byte) error {
	if err := ValidateFilename(filename); err != nil {
		return err
	}

	store, err := c.getOrCreateStore()
	if err != nil {
		return WrapInitError(err, c.config.Dataset)
	}

	path := c.buildFilePath(filename)
	if err := store.Put(ctx, path, bytes.NewReader(data)); err != nil {
		return WrapWriteError(err, path)
	}
	return nil
}

// getOrCreateStore lazily initializes the Store from the factory.
func (c *LodeClient) getOrCreateStore() (lode.Store, error) {
	c.storeOnce.Do(func() {
		c.store, c.storeErr = c.storeFactory()
	})
	return c.store, c.storeErr
}

// buildFilePath computes the path of a sidecar file:
// datasets/<dataset>/partitions/thing_name=<t>/day=<d>/files/<filename>
func (c *LodeClient) buildFilePath(filename string) string {
	return fmt.Sprintf("datasets/%s/partitions/thing_name=%s/day=%s/files/%s",
		c.config.Dataset,
		c.config.ThingName,
		c.config.Day,
		filename,
	)
}

// StubFileWriter records PutFile calls for testing.
type StubFileWriter struct {
	mu    sync.Mutex
	Files []StubFileRecord
}

// StubFileRecord is a recorded file write.
type StubFileRecord struct {
	Filename    string
	ContentType string
	Data        []byte
}

// NewStubFileWriter creates a new stub file writer.
func NewStubFileWriter() *StubFileWriter {
	return &StubFileWriter{}
}

// PutFile implements FileWriter by recording the call.
func (w *StubFileWriter) PutFile(_ context.Context, filename, contentType string, data []byte) error {
	if err := ValidateFilename(filename); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.Files = append(w.Files, StubFileRecord{
		Filename:    filename,
		ContentType: contentType,
		Data:        append([]byte(nil), data...),
	})
	return nil
}

// FilesCopy returns the recorded files.
func (w *StubFileWriter) FilesCopy() []StubFileRecord {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]StubFileRecord(nil), w.Files...)
}

var _ FileWriter = (*StubFileWriter)(nil)
