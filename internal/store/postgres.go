package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrDuplicateEmail = errors.New("email already registered")
	ErrDuplicatePath  = errors.New("a document already exists at this path")
)

const documentColumns = `document_id, user_id, path, name, kind, upload_status, mime_type, file_size, storage_key, created_at, updated_at`

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// ── users ──

func (s *PostgresStore) CreateUser(ctx context.Context, user User) (User, error) {
	const insert = `
		INSERT INTO users (email, display_name, password_hash)
		VALUES ($1, $2, $3)
		RETURNING id, email, display_name, password_hash, created_at
	`
	var created User
	err := s.db.QueryRowContext(ctx, insert, user.Email, user.DisplayName, user.PasswordHash).
		Scan(&created.ID, &created.Email, &created.DisplayName, &created.PasswordHash, &created.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return User{}, ErrDuplicateEmail
		}
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return s.getUser(ctx, `SELECT id, email, display_name, password_hash, created_at FROM users WHERE email=$1`, email)
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	return s.getUser(ctx, `SELECT id, email, display_name, password_hash, created_at FROM users WHERE id=$1`, userID)
}

func (s *PostgresStore) getUser(ctx context.Context, query string, arg any) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, query, arg).
		Scan(&user.ID, &user.Email, &user.DisplayName, &user.PasswordHash, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}
	return user, nil
}

// ── refresh sessions ──

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.email, u.display_name, u.password_hash, u.created_at
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).
		Scan(&user.ID, &user.Email, &user.DisplayName, &user.PasswordHash, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("lookup refresh session: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

// ── documents ──

type CreatePendingFileInput struct {
	DocumentID string
	UserID     string
	ParentPath string
	Name       string
}

// CreatePendingFile inserts the durable record for an upload in progress.
// The file metadata columns stay NULL until presign commits the client to an
// exact object. Parent folder rows are ensured first.
func (s *PostgresStore) CreatePendingFile(ctx context.Context, input CreatePendingFileInput) (Document, error) {
	path := ChildPath(input.ParentPath, PathLabel(input.Name))

	if input.ParentPath != "" {
		if err := s.ensureFolderPath(ctx, input.UserID, input.ParentPath); err != nil {
			return Document{}, err
		}
	}

	insert := `
		INSERT INTO documents (document_id, user_id, path, name, kind, upload_status)
		VALUES ($1, $2, $3, $4, 'file', 'pending')
		RETURNING ` + documentColumns
	var doc Document
	err := s.db.QueryRowContext(ctx, insert, input.DocumentID, input.UserID, path, input.Name).Scan(docFields(&doc)...)
	if err != nil {
		if isUniqueViolation(err) {
			return Document{}, ErrDuplicatePath
		}
		return Document{}, fmt.Errorf("insert pending file: %w", err)
	}
	return doc, nil
}

// CreateFolder creates a folder document, returning the existing row when
// one already occupies the path.
func (s *PostgresStore) CreateFolder(ctx context.Context, userID, parentPath, name string) (Document, error) {
	path := ChildPath(parentPath, PathLabel(name))

	if parentPath != "" {
		if err := s.ensureFolderPath(ctx, userID, parentPath); err != nil {
			return Document{}, err
		}
	}
	return s.ensureFolder(ctx, userID, path, name)
}

// ensureFolderPath creates any missing folder rows along a dotted path.
func (s *PostgresStore) ensureFolderPath(ctx context.Context, userID, path string) error {
	for _, segment := range append(ParentSegments(path), path) {
		if _, err := s.ensureFolder(ctx, userID, segment, LastLabel(segment)); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) ensureFolder(ctx context.Context, userID, path, name string) (Document, error) {
	insert := `
		INSERT INTO documents (document_id, user_id, path, name, kind, upload_status)
		VALUES (gen_random_uuid(), $1, $2, $3, 'folder', 'uploaded')
		ON CONFLICT (user_id, path) DO NOTHING
		RETURNING ` + documentColumns
	var doc Document
	err := s.db.QueryRowContext(ctx, insert, userID, path, name).Scan(docFields(&doc)...)
	if err == nil {
		return doc, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Document{}, fmt.Errorf("ensure folder %s: %w", path, err)
	}

	// Conflict: something already lives at this path for this user.
	existing, err := s.getDocumentByPath(ctx, userID, path)
	if err != nil {
		return Document{}, err
	}
	if existing.Kind != KindFolder {
		return Document{}, ErrDuplicatePath
	}
	return existing, nil
}

func (s *PostgresStore) getDocumentByPath(ctx context.Context, userID, path string) (Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE user_id=$1 AND path=$2`
	var doc Document
	err := s.db.QueryRowContext(ctx, query, userID, path).Scan(docFields(&doc)...)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("lookup document by path: %w", err)
	}
	return doc, nil
}

// GetDocumentForOwner loads a document scoped to its owner. Another user's
// document is indistinguishable from a missing one.
func (s *PostgresStore) GetDocumentForOwner(ctx context.Context, documentID, userID string) (Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE document_id=$1 AND user_id=$2`
	var doc Document
	err := s.db.QueryRowContext(ctx, query, documentID, userID).Scan(docFields(&doc)...)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("lookup document: %w", err)
	}
	return doc, nil
}

type UpdateUploadInput struct {
	DocumentID   string
	UserID       string
	UploadStatus string
	MimeType     *string
	FileSize     *int64
	StorageKey   *string
}

// UpdateUploadStatusAndMeta patches upload_status plus whichever metadata
// fields are supplied. It deliberately never writes name or path, so
// concurrent edits from other flows are not clobbered.
func (s *PostgresStore) UpdateUploadStatusAndMeta(ctx context.Context, input UpdateUploadInput) (Document, error) {
	sets := []string{"upload_status=$3", "updated_at=NOW()"}
	args := []any{input.DocumentID, input.UserID, input.UploadStatus}

	if input.MimeType != nil {
		args = append(args, *input.MimeType)
		sets = append(sets, fmt.Sprintf("mime_type=$%d", len(args)))
	}
	if input.FileSize != nil {
		args = append(args, *input.FileSize)
		sets = append(sets, fmt.Sprintf("file_size=$%d", len(args)))
	}
	if input.StorageKey != nil {
		args = append(args, *input.StorageKey)
		sets = append(sets, fmt.Sprintf("storage_key=$%d", len(args)))
	}

	query := `UPDATE documents SET ` + strings.Join(sets, ", ") +
		` WHERE document_id=$1 AND user_id=$2 RETURNING ` + documentColumns
	var doc Document
	err := s.db.QueryRowContext(ctx, query, args...).Scan(docFields(&doc)...)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("update upload status: %w", err)
	}
	return doc, nil
}

// ListDocumentsForOwner returns the direct children of a parent path,
// folders first.
func (s *PostgresStore) ListDocumentsForOwner(ctx context.Context, userID, parentPath string) ([]Document, error) {
	var (
		query string
		args  []any
	)
	if parentPath == "" {
		query = `SELECT ` + documentColumns + ` FROM documents
			WHERE user_id=$1 AND strpos(path, '.') = 0
			ORDER BY kind DESC, path`
		args = []any{userID}
	} else {
		// Prefix match on the literal path. LIKE is unusable here: labels
		// carry underscores, which LIKE treats as wildcards.
		query = `SELECT ` + documentColumns + ` FROM documents
			WHERE user_id=$1
				AND left(path, char_length($2) + 1) = $2 || '.'
				AND strpos(substring(path FROM char_length($2) + 2), '.') = 0
			ORDER BY kind DESC, path`
		args = []any{userID, parentPath}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var items []Document
	for rows.Next() {
		var doc Document
		if err := rows.Scan(docFields(&doc)...); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		items = append(items, doc)
	}
	return items, rows.Err()
}

// MoveDocumentForOwner reparents a document; for folders the entire subtree
// moves with it. Moving onto itself or into its own subtree is a no-op.
func (s *PostgresStore) MoveDocumentForOwner(ctx context.Context, documentID, userID, targetParentPath string) (Document, error) {
	current, err := s.GetDocumentForOwner(ctx, documentID, userID)
	if err != nil {
		return Document{}, err
	}

	if targetParentPath != "" {
		if current.Path == targetParentPath || strings.HasPrefix(targetParentPath, current.Path+".") {
			return current, nil
		}
		if err := s.ensureFolderPath(ctx, userID, targetParentPath); err != nil {
			return Document{}, err
		}
	}

	newPath := ChildPath(targetParentPath, LastLabel(current.Path))
	if newPath == current.Path {
		return current, nil
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE documents
		SET path = $3 || substring(path FROM char_length($4) + 1), updated_at = NOW()
		WHERE user_id = $1 AND (path = $2 OR left(path, char_length($2) + 1) = $2 || '.')
	`, userID, current.Path, newPath, current.Path)
	if err != nil {
		if isUniqueViolation(err) {
			return Document{}, ErrDuplicatePath
		}
		return Document{}, fmt.Errorf("move document: %w", err)
	}

	return s.GetDocumentForOwner(ctx, documentID, userID)
}

func docFields(doc *Document) []any {
	return []any{
		&doc.DocumentID,
		&doc.UserID,
		&doc.Path,
		&doc.Name,
		&doc.Kind,
		&doc.UploadStatus,
		&doc.MimeType,
		&doc.FileSize,
		&doc.StorageKey,
		&doc.CreatedAt,
		&doc.UpdatedAt,
	}
}
