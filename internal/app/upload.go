package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"arcbase/api/internal/objstore"
	"arcbase/api/internal/store"
	"arcbase/api/internal/uploadproc"
)

// sizeTolerance is the allowed drift between the declared file size and the
// size observed on the stored object. Multipart encoding and metadata
// overheads make an exact match too strict.
const sizeTolerance = 1024

// allowedMimeTypes is the closed set of document formats accepted for upload.
var allowedMimeTypes = map[string]bool{
	"application/pdf": true,
	"image/png":       true,
	"image/jpeg":      true,
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document":   true,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":         true,
	"text/html":           true,
	"application/epub+zip": true,
}

type RequestUploadInput struct {
	Name       string
	ParentPath string
	FileSize   int64
	MimeType   string
}

type RequestUploadResult struct {
	ProcessID  string    `json:"processId"`
	DocumentID string    `json:"documentId"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

type PresignUploadResult struct {
	UploadURL  string    `json:"uploadUrl"`
	StorageKey string    `json:"storageKey"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

type DownloadURLResult struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// RequestUpload opens the upload handshake: it validates the declared file,
// creates the durable pending document, and creates the ephemeral process
// whose id drives presign and confirm.
func (s *Service) RequestUpload(ctx context.Context, session Session, input RequestUploadInput) (RequestUploadResult, error) {
	if err := validateName(input.Name); err != nil {
		return RequestUploadResult{}, err
	}
	parentPath, err := validateParentPath(input.ParentPath)
	if err != nil {
		return RequestUploadResult{}, err
	}
	if input.FileSize <= 0 {
		return RequestUploadResult{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "fileSize must be greater than zero", nil)
	}
	if !allowedMimeTypes[input.MimeType] {
		return RequestUploadResult{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unsupported mime type", map[string]any{"mimeType": input.MimeType})
	}

	documentID := uuid.NewString()
	storageKey, err := objstore.FileStorageKey(session.UserID, documentID)
	if err != nil {
		return RequestUploadResult{}, err
	}

	doc, err := s.store.CreatePendingFile(ctx, store.CreatePendingFileInput{
		DocumentID: documentID,
		UserID:     session.UserID,
		ParentPath: parentPath,
		Name:       input.Name,
	})
	if errors.Is(err, store.ErrDuplicatePath) {
		return RequestUploadResult{}, domainError(http.StatusConflict, "STATE_CONFLICT", "a document already exists at this path", nil)
	}
	if err != nil {
		return RequestUploadResult{}, err
	}

	process, err := s.procs.Create(ctx, uploadproc.CreateInput{
		UserID:     session.UserID,
		DocumentID: doc.DocumentID,
		Name:       input.Name,
		Path:       doc.Path,
		FileSize:   input.FileSize,
		MimeType:   input.MimeType,
		StorageKey: storageKey,
		TTL:        s.cfg.UploadProcessTTL,
	})
	if err != nil {
		return RequestUploadResult{}, err
	}

	return RequestUploadResult{
		ProcessID:  process.ProcessID,
		DocumentID: doc.DocumentID,
		ExpiresAt:  process.ExpiresAt,
	}, nil
}

// PresignUpload advances the handshake from pending to uploading and hands
// the client its one PUT capability. The file metadata binds to the document
// here, since only now is the client committed to an exact object.
func (s *Service) PresignUpload(ctx context.Context, session Session, processID string) (PresignUploadResult, error) {
	process, err := s.loadOwnedProcess(ctx, session, processID)
	if err != nil {
		return PresignUploadResult{}, err
	}

	doc, err := s.store.GetDocumentForOwner(ctx, process.DocumentID, session.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return PresignUploadResult{}, domainError(http.StatusNotFound, "NOT_FOUND", "document not found", nil)
	}
	if err != nil {
		return PresignUploadResult{}, err
	}

	if process.Status != uploadproc.StatusPending {
		return PresignUploadResult{}, statusConflict(string(process.Status))
	}
	if doc.UploadStatus != store.UploadStatusPending {
		return PresignUploadResult{}, statusConflict(doc.UploadStatus)
	}

	now := time.Now()
	expiry := s.cfg.UploadURLTTL
	if remaining := process.ExpiresAt.Sub(now); remaining < expiry {
		expiry = remaining
	}

	uploadURL, err := s.objects.PresignPut(ctx, process.StorageKey, process.FileSize, objstore.PutAudit{
		UserID:     session.UserID,
		ProcessID:  process.ProcessID,
		DocumentID: process.DocumentID,
	}, expiry)
	if err != nil {
		return PresignUploadResult{}, fmt.Errorf("presign upload: %w", err)
	}

	// Ephemeral first: the compare-and-set arbitrates racing presigns. The
	// durable patch follows; a crash in between leaves the document one step
	// behind, which the next call reports as a status conflict.
	if err := s.transitionProcess(ctx, process.ProcessID, uploadproc.StatusPending, uploadproc.StatusUploading); err != nil {
		return PresignUploadResult{}, err
	}

	if _, err := s.store.UpdateUploadStatusAndMeta(ctx, store.UpdateUploadInput{
		DocumentID:   process.DocumentID,
		UserID:       session.UserID,
		UploadStatus: store.UploadStatusUploading,
		MimeType:     &process.MimeType,
		FileSize:     &process.FileSize,
		StorageKey:   &process.StorageKey,
	}); err != nil {
		return PresignUploadResult{}, err
	}

	return PresignUploadResult{
		UploadURL:  uploadURL,
		StorageKey: process.StorageKey,
		ExpiresAt:  now.Add(expiry),
	}, nil
}

// ConfirmUpload closes the handshake. The object is probed with a HEAD
// request; a missing object or a size outside tolerance drives both records
// to upload_failed, which is terminal. Terminal statuses are sinks: repeating
// the call mutates nothing and reports the recorded outcome.
func (s *Service) ConfirmUpload(ctx context.Context, session Session, processID string) (map[string]any, error) {
	process, err := s.loadOwnedProcess(ctx, session, processID)
	if err != nil {
		return nil, err
	}

	switch process.Status {
	case uploadproc.StatusUploaded, uploadproc.StatusUploadFailed:
		return s.confirmOutcome(ctx, session, process)
	case uploadproc.StatusPending:
		return nil, statusConflict(string(uploadproc.StatusPending))
	}

	doc, err := s.store.GetDocumentForOwner(ctx, process.DocumentID, session.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "document not found", nil)
	}
	if err != nil {
		return nil, err
	}
	if doc.UploadStatus != store.UploadStatusUploading {
		return nil, statusConflict(doc.UploadStatus)
	}

	probedSize, probeErr := s.objects.Stat(ctx, process.StorageKey)
	if reason := verifyProbe(probedSize, probeErr, process.FileSize); reason != "" {
		return s.failUpload(ctx, session, process, reason)
	}

	err = s.procs.UpdateStatus(ctx, process.ProcessID, uploadproc.StatusUploading, uploadproc.StatusUploaded)
	if errors.Is(err, uploadproc.ErrStatusConflict) {
		// A racing confirm reached a terminal status first; report its
		// outcome without mutating anything further.
		return s.reconfirm(ctx, session, process.ProcessID)
	}
	if errors.Is(err, uploadproc.ErrNotFound) {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "upload process not found", nil)
	}
	if err != nil {
		return nil, err
	}

	updated, err := s.store.UpdateUploadStatusAndMeta(ctx, store.UpdateUploadInput{
		DocumentID:   process.DocumentID,
		UserID:       session.UserID,
		UploadStatus: store.UploadStatusUploaded,
		FileSize:     &probedSize,
	})
	if err != nil {
		return nil, err
	}
	return documentPayload(updated), nil
}

// DownloadURL issues a signed GET capability for an uploaded file, served
// through the URL cache.
func (s *Service) DownloadURL(ctx context.Context, session Session, documentID, filename string, inline bool) (DownloadURLResult, error) {
	doc, err := s.store.GetDocumentForOwner(ctx, documentID, session.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return DownloadURLResult{}, domainError(http.StatusNotFound, "NOT_FOUND", "document not found", nil)
	}
	if err != nil {
		return DownloadURLResult{}, err
	}

	if doc.Kind != store.KindFile {
		return DownloadURLResult{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "folders cannot be downloaded", nil)
	}
	meta := doc.FileMeta()
	if doc.UploadStatus != store.UploadStatusUploaded || meta == nil {
		return DownloadURLResult{}, statusConflict(doc.UploadStatus)
	}

	if filename == "" {
		filename = doc.Name
	}
	entry, err := s.downloads.GetOrIssue(ctx, meta.StorageKey, objstore.DownloadOptions{
		Filename: filename,
		MimeType: meta.MimeType,
		Inline:   inline,
	})
	if err != nil {
		return DownloadURLResult{}, err
	}
	return DownloadURLResult{URL: entry.URL, ExpiresAt: entry.ExpiresAt}, nil
}

// loadOwnedProcess resolves a process id for the session's user. An expired
// process and a foreign process caller are distinguished deliberately: the
// former never existed as far as the caller can tell, the latter is a
// forbidden access to a real resource.
func (s *Service) loadOwnedProcess(ctx context.Context, session Session, processID string) (uploadproc.Process, error) {
	if processID == "" {
		return uploadproc.Process{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "processId is required", nil)
	}
	process, err := s.procs.Get(ctx, processID)
	if errors.Is(err, uploadproc.ErrNotFound) {
		return uploadproc.Process{}, domainError(http.StatusNotFound, "NOT_FOUND", "upload process not found", nil)
	}
	if err != nil {
		return uploadproc.Process{}, err
	}
	if process.UserID != session.UserID {
		return uploadproc.Process{}, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	if !process.ExpiresAt.After(time.Now()) {
		return uploadproc.Process{}, domainError(http.StatusNotFound, "NOT_FOUND", "upload process not found", nil)
	}
	return process, nil
}

func (s *Service) transitionProcess(ctx context.Context, processID string, from, to uploadproc.Status) error {
	err := s.procs.UpdateStatus(ctx, processID, from, to)
	if errors.Is(err, uploadproc.ErrNotFound) {
		return domainError(http.StatusNotFound, "NOT_FOUND", "upload process not found", nil)
	}
	if errors.Is(err, uploadproc.ErrStatusConflict) {
		return domainError(http.StatusConflict, "STATE_CONFLICT", "upload process changed concurrently", nil)
	}
	return err
}

// failUpload drives both records to the terminal failed state, ephemeral
// first, recording the failed check. When the compare-and-set loses to a
// concurrent confirm, the winner's terminal outcome is reported instead.
func (s *Service) failUpload(ctx context.Context, session Session, process uploadproc.Process, reason string) (map[string]any, error) {
	err := s.procs.Fail(ctx, process.ProcessID, uploadproc.StatusUploading, reason)
	if errors.Is(err, uploadproc.ErrStatusConflict) {
		return s.reconfirm(ctx, session, process.ProcessID)
	}
	if errors.Is(err, uploadproc.ErrNotFound) {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "upload process not found", nil)
	}
	if err != nil {
		return nil, err
	}

	if _, err := s.store.UpdateUploadStatusAndMeta(ctx, store.UpdateUploadInput{
		DocumentID:   process.DocumentID,
		UserID:       session.UserID,
		UploadStatus: store.UploadStatusFailed,
	}); err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	process.Status = uploadproc.StatusUploadFailed
	if process.Metadata == nil {
		process.Metadata = map[string]any{}
	}
	process.Metadata["failureReason"] = reason
	return nil, failedError(process)
}

// reconfirm re-reads a process after losing a status race and reports the
// winner's terminal result.
func (s *Service) reconfirm(ctx context.Context, session Session, processID string) (map[string]any, error) {
	process, err := s.procs.Get(ctx, processID)
	if errors.Is(err, uploadproc.ErrNotFound) {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "upload process not found", nil)
	}
	if err != nil {
		return nil, err
	}
	return s.confirmOutcome(ctx, session, process)
}

// confirmOutcome reports a terminal process without mutating anything:
// uploaded repeats the success projection, upload_failed replays the
// recorded failure.
func (s *Service) confirmOutcome(ctx context.Context, session Session, process uploadproc.Process) (map[string]any, error) {
	switch process.Status {
	case uploadproc.StatusUploaded:
		doc, err := s.store.GetDocumentForOwner(ctx, process.DocumentID, session.UserID)
		if err != nil {
			return nil, err
		}
		return documentPayload(doc), nil
	case uploadproc.StatusUploadFailed:
		return nil, failedError(process)
	}
	return nil, statusConflict(string(process.Status))
}

func failedError(process uploadproc.Process) *DomainError {
	message := process.FailureReason()
	if message == "" {
		message = "upload verification failed"
	}
	return domainError(http.StatusUnprocessableEntity, "VERIFICATION_FAILED", message, failureDetails(process))
}

func verifyProbe(probedSize int64, probeErr error, declaredSize int64) string {
	if errors.Is(probeErr, objstore.ErrObjectNotFound) {
		return "uploaded object not found in storage"
	}
	if probeErr != nil {
		return "could not verify uploaded object"
	}
	if probedSize <= 0 {
		return "uploaded object is empty"
	}
	diff := probedSize - declaredSize
	if diff < 0 {
		diff = -diff
	}
	if diff > sizeTolerance {
		return fmt.Sprintf("uploaded size %d does not match declared size %d", probedSize, declaredSize)
	}
	return ""
}

func failureDetails(process uploadproc.Process) map[string]any {
	return map[string]any{
		"documentId": process.DocumentID,
		"status":     string(process.Status),
	}
}

func statusConflict(current string) *DomainError {
	return domainError(http.StatusConflict, "STATE_CONFLICT",
		fmt.Sprintf("operation not allowed in status %q", current),
		map[string]any{"status": current})
}

func validateName(name string) error {
	length := utf8.RuneCountInString(name)
	if length == 0 {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	if length > 255 {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name must be at most 255 characters", nil)
	}
	return nil
}

func validateParentPath(parentPath string) (string, error) {
	normalized := store.NormalizePath(parentPath)
	if normalized == "" {
		return "", nil
	}
	if !store.ValidPath(normalized) {
		return "", domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "parentPath is not a valid path", map[string]any{"parentPath": parentPath})
	}
	return normalized, nil
}
