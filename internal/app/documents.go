package app

import (
	"context"
	"errors"
	"net/http"

	"arcbase/api/internal/store"
)

func (s *Service) CreateFolder(ctx context.Context, session Session, parentPath, name string) (map[string]any, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	parent, err := validateParentPath(parentPath)
	if err != nil {
		return nil, err
	}

	doc, err := s.store.CreateFolder(ctx, session.UserID, parent, name)
	if errors.Is(err, store.ErrDuplicatePath) {
		return nil, domainError(http.StatusConflict, "STATE_CONFLICT", "a document already exists at this path", nil)
	}
	if err != nil {
		return nil, err
	}
	return documentPayload(doc), nil
}

func (s *Service) GetDocument(ctx context.Context, session Session, documentID string) (map[string]any, error) {
	doc, err := s.store.GetDocumentForOwner(ctx, documentID, session.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "document not found", nil)
	}
	if err != nil {
		return nil, err
	}
	return documentPayload(doc), nil
}

func (s *Service) ListDocuments(ctx context.Context, session Session, parentPath string) ([]map[string]any, error) {
	parent, err := validateParentPath(parentPath)
	if err != nil {
		return nil, err
	}

	docs, err := s.store.ListDocumentsForOwner(ctx, session.UserID, parent)
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0, len(docs))
	for _, doc := range docs {
		items = append(items, documentPayload(doc))
	}
	return items, nil
}

func (s *Service) MoveDocument(ctx context.Context, session Session, documentID, targetParentPath string) (map[string]any, error) {
	target, err := validateParentPath(targetParentPath)
	if err != nil {
		return nil, err
	}

	doc, err := s.store.MoveDocumentForOwner(ctx, documentID, session.UserID, target)
	if errors.Is(err, store.ErrNotFound) {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "document not found", nil)
	}
	if errors.Is(err, store.ErrDuplicatePath) {
		return nil, domainError(http.StatusConflict, "STATE_CONFLICT", "a document already exists at the target path", nil)
	}
	if err != nil {
		return nil, err
	}
	return documentPayload(doc), nil
}

func documentPayload(doc store.Document) map[string]any {
	payload := map[string]any{
		"documentId":   doc.DocumentID,
		"path":         doc.Path,
		"name":         doc.Name,
		"kind":         doc.Kind,
		"uploadStatus": doc.UploadStatus,
		"createdAt":    doc.CreatedAt,
		"updatedAt":    doc.UpdatedAt,
	}
	if meta := doc.FileMeta(); meta != nil {
		payload["fileMeta"] = meta
	}
	return payload
}
