// Package jobdoc turns a job document into a Job and its file transfer
// context, using a fixed document model.
package jobdoc

import (
	"errors"

	jsoniter "github.com/json-iterator/go"

	"github.com/pithecene-io/ota/blocks"
	"github.com/pithecene-io/ota/docmodel"
)

// Errors returned by Build besides *docmodel.ParseError.
var (
	// ErrNoPendingJob means the document carries no execution: there is
	// no job to run. It is not a failure to report.
	ErrNoPendingJob = errors.New("no pending job")

	// ErrMultipleFiles means the job lists more than one file.
	ErrMultipleFiles = errors.New("multiple files per job not supported")
)

// Key paths of the job document.
const (
	KeyClientToken   = "clientToken"
	KeyTimestamp     = "timestamp"
	KeyExecution     = "execution"
	KeyJobID         = "execution.jobId"
	KeyStatusDetails = "execution.statusDetails"
	KeySelfTest      = "execution.statusDetails.self_test"
	KeyUpdatedBy     = "execution.statusDetails.updatedBy"
	KeyJobDocument   = "execution.jobDocument"
	KeyOTAUnit       = "execution.jobDocument.afr_ota"
	KeyProtocols     = "execution.jobDocument.afr_ota.protocols"
	KeyFiles         = "execution.jobDocument.afr_ota.files"
	KeyStreamName    = "execution.jobDocument.afr_ota.streamname"

	fileKey        = KeyFiles + "[0]."
	KeyFilePath    = fileKey + "filepath"
	KeyFileSize    = fileKey + "filesize"
	KeyFileID      = fileKey + "fileid"
	KeyAttributes  = fileKey + "attr"
	KeyCertFile    = fileKey + "certfile"
	KeyUpdateURL   = fileKey + "update_data_url"
	KeyAuthScheme  = fileKey + "auth_scheme"
	KeySignature   = fileKey + "sig-sha256-ecdsa"
	keySecondFile  = KeyFiles + "[1]"
	maxURLLen      = 1024
	maxTokenLen    = 64
	maxProtocolLen = 64
)

// Job is a parsed job document.
type Job struct {
	ID          string
	ClientToken string
	Timestamp   uint32
	// SelfTest is set when the job reports a self-test in progress.
	SelfTest  bool
	UpdatedBy uint32
	// File is the transfer context for the job's single file.
	File *blocks.FileContext
}

// record is the parse destination.
type record struct {
	clientToken string
	timestamp   uint32
	jobID       string
	selfTest    bool
	updatedBy   uint32
	protocols   []byte
	streamName  string

	filePath   string
	fileSize   uint32
	fileID     uint32
	attributes uint32
	certFile   string
	updateURL  string
	authScheme string
	signature  []byte

	secondFile bool
}

func ctxField(key string, required bool, t docmodel.FieldType, acc func(*record) any) docmodel.Field[record] {
	return docmodel.Field[record]{Key: key, Required: required, Type: t, Dest: docmodel.InContext(acc)}
}

func presence(key string, required bool, t docmodel.FieldType) docmodel.Field[record] {
	return docmodel.Field[record]{Key: key, Required: required, Type: t, Dest: docmodel.Discard[record]()}
}

// schema is the job document model.
var schema = []docmodel.Field[record]{
	{Key: KeyClientToken, Type: docmodel.StringCopy, MaxLen: maxTokenLen, Dest: docmodel.InContext(func(r *record) any { return &r.clientToken })},
	ctxField(KeyTimestamp, false, docmodel.UInt32, func(r *record) any { return &r.timestamp }),
	presence(KeyExecution, true, docmodel.Object),
	ctxField(KeyJobID, true, docmodel.StringCopy, func(r *record) any { return &r.jobID }),
	presence(KeyStatusDetails, false, docmodel.Object),
	ctxField(KeySelfTest, false, docmodel.Ident, func(r *record) any { return &r.selfTest }),
	ctxField(KeyUpdatedBy, false, docmodel.UInt32, func(r *record) any { return &r.updatedBy }),
	presence(KeyJobDocument, true, docmodel.Object),
	presence(KeyOTAUnit, true, docmodel.Object),
	{Key: KeyProtocols, Required: true, Type: docmodel.ArrayCopy, MaxLen: maxProtocolLen, Dest: docmodel.InContext(func(r *record) any { return &r.protocols })},
	presence(KeyFiles, true, docmodel.Array),
	ctxField(KeyStreamName, false, docmodel.StringCopy, func(r *record) any { return &r.streamName }),
	ctxField(KeyFilePath, true, docmodel.StringCopy, func(r *record) any { return &r.filePath }),
	ctxField(KeyFileSize, true, docmodel.UInt32, func(r *record) any { return &r.fileSize }),
	ctxField(KeyFileID, true, docmodel.UInt32, func(r *record) any { return &r.fileID }),
	ctxField(KeyAttributes, false, docmodel.UInt32, func(r *record) any { return &r.attributes }),
	ctxField(KeyCertFile, true, docmodel.StringCopy, func(r *record) any { return &r.certFile }),
	{Key: KeyUpdateURL, Type: docmodel.StringCopy, MaxLen: maxURLLen, Dest: docmodel.InContext(func(r *record) any { return &r.updateURL })},
	ctxField(KeyAuthScheme, false, docmodel.StringCopy, func(r *record) any { return &r.authScheme }),
	ctxField(KeySignature, true, docmodel.SigBase64, func(r *record) any { return &r.signature }),
	ctxField(keySecondFile, false, docmodel.Ident, func(r *record) any { return &r.secondFile }),
}

// The schema is checked at init.
var _ = docmodel.MustNewModel(schema)

// Build parses doc and sizes its file in blockSize blocks.
//
// Errors:
//   - ErrNoPendingJob: the document has no execution
//   - *docmodel.ParseError: the document does not fit the schema
//   - ErrMultipleFiles: more than one file entry
//   - blocks.ErrEmptyFile, blocks.ErrFileTooLarge, blocks.ErrInvalidBlockSize
//
// No FileContext is returned with an error.
func Build(doc []byte, blockSize uint32) (*Job, error) {
	m, err := docmodel.NewModel(schema)
	if err != nil {
		return nil, err
	}

	var r record
	if err := m.Parse(doc, &r); err != nil {
		if errors.Is(err, docmodel.ErrMalformedDoc) {
			if got, _ := m.Received(KeyExecution); !got {
				return nil, ErrNoPendingJob
			}
		}
		return nil, err
	}
	if r.secondFile {
		return nil, ErrMultipleFiles
	}

	var protocols []string
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(r.protocols, &protocols); err != nil {
		return nil, &docmodel.ParseError{Kind: docmodel.ErrFieldTypeMismatch, Key: KeyProtocols, Err: err}
	}

	fc, err := blocks.NewFileContext(r.fileSize, blockSize)
	if err != nil {
		return nil, err
	}
	fc.FileID = 0
	fc.FilePath = r.filePath
	fc.ServerFileID = r.fileID
	fc.Attributes = r.attributes
	fc.CertFile = r.certFile
	fc.UpdateURL = r.updateURL
	fc.AuthScheme = r.authScheme
	fc.StreamName = r.streamName
	fc.Protocols = protocols
	fc.Signature = r.signature

	return &Job{
		ID:          r.jobID,
		ClientToken: r.clientToken,
		Timestamp:   r.timestamp,
		SelfTest:    r.selfTest,
		UpdatedBy:   r.updatedBy,
		File:        fc,
	}, nil
}

// idFields extracts only the job id.
var idFields = []docmodel.Field[string]{
	{Key: KeyJobID, Type: docmodel.StringCopy, Dest: docmodel.InContext(func(s *string) any { return s })},
}

// JobIDOf returns the job id of doc, or "" if it cannot be read. It
// works on documents Build rejects, so the rejection can be reported
// against the right job.
func JobIDOf(doc []byte) string {
	m, err := docmodel.NewModel(idFields)
	if err != nil {
		return ""
	}
	var id string
	_ = m.Parse(doc, &id)
	return id
}

// IsStructural reports whether err rejects the document itself. Such
// jobs are reported failed and never retried.
func IsStructural(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrMultipleFiles),
		errors.Is(err, blocks.ErrEmptyFile),
		errors.Is(err, blocks.ErrFileTooLarge):
		return true
	default:
		return docmodel.IsStructural(err)
	}
}
