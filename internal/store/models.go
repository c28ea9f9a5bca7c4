package store

import "time"

type User struct {
	ID           string
	Email        string
	DisplayName  string
	PasswordHash string
	CreatedAt    time.Time
}

const (
	KindFile   = "file"
	KindFolder = "folder"
)

const (
	UploadStatusPending   = "pending"
	UploadStatusUploading = "uploading"
	UploadStatusUploaded  = "uploaded"
	UploadStatusFailed    = "upload_failed"
)

// Document is the durable record of a document's identity, ownership, and
// upload status. The upload pipeline only ever touches upload_status and the
// file metadata columns; name and path belong to other flows.
type Document struct {
	DocumentID   string
	UserID       string
	Path         string
	Name         string
	Kind         string
	UploadStatus string
	MimeType     *string
	FileSize     *int64
	StorageKey   *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type FileMeta struct {
	StorageKey string `json:"storageKey"`
	MimeType   string `json:"mimeType"`
	FileSize   int64  `json:"fileSize"`
}

// FileMeta returns the attached storage metadata, or nil while the document
// has none (before presign, or for folders).
func (d Document) FileMeta() *FileMeta {
	if d.StorageKey == nil || d.MimeType == nil || d.FileSize == nil {
		return nil
	}
	return &FileMeta{
		StorageKey: *d.StorageKey,
		MimeType:   *d.MimeType,
		FileSize:   *d.FileSize,
	}
}
