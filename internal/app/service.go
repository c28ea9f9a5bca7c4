package app

import (
	"context"
	"time"

	"arcbase/api/internal/auth"
	"arcbase/api/internal/authpw"
	"arcbase/api/internal/objstore"
	"arcbase/api/internal/store"
	"arcbase/api/internal/uploadproc"
	"arcbase/api/internal/urlcache"
	"arcbase/api/internal/util"
)

type ServiceConfig struct {
	JWTSecret        string
	AccessTTL        time.Duration
	RefreshTTL       time.Duration
	UploadProcessTTL time.Duration
	UploadURLTTL     time.Duration
}

// dataStore is the durable side: users, refresh sessions, documents.
type dataStore interface {
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error

	CreatePendingFile(ctx context.Context, input store.CreatePendingFileInput) (store.Document, error)
	CreateFolder(ctx context.Context, userID, parentPath, name string) (store.Document, error)
	GetDocumentForOwner(ctx context.Context, documentID, userID string) (store.Document, error)
	UpdateUploadStatusAndMeta(ctx context.Context, input store.UpdateUploadInput) (store.Document, error)
	ListDocumentsForOwner(ctx context.Context, userID, parentPath string) ([]store.Document, error)
	MoveDocumentForOwner(ctx context.Context, documentID, userID, targetParentPath string) (store.Document, error)
	Ping(ctx context.Context) error
}

// processStore is the ephemeral side of the upload handshake.
type processStore interface {
	Create(ctx context.Context, input uploadproc.CreateInput) (uploadproc.Process, error)
	Get(ctx context.Context, processID string) (uploadproc.Process, error)
	UpdateStatus(ctx context.Context, processID string, from, to uploadproc.Status) error
	Fail(ctx context.Context, processID string, from uploadproc.Status, reason string) error
	Ping(ctx context.Context) error
}

type objectStore interface {
	PresignPut(ctx context.Context, storageKey string, contentLength int64, audit objstore.PutAudit, expiry time.Duration) (string, error)
	Stat(ctx context.Context, storageKey string) (int64, error)
}

type urlIssuer interface {
	GetOrIssue(ctx context.Context, storageKey string, opts objstore.DownloadOptions) (urlcache.Entry, error)
}

type Service struct {
	cfg       ServiceConfig
	store     dataStore
	procs     processStore
	objects   objectStore
	downloads urlIssuer
	authpw    *authpw.Service
}

func NewService(cfg ServiceConfig, dataStore dataStore, procs processStore, objects objectStore, downloads urlIssuer, authService *authpw.Service) *Service {
	return &Service{
		cfg:       cfg,
		store:     dataStore,
		procs:     procs,
		objects:   objects,
		downloads: downloads,
		authpw:    authService,
	}
}

func (s *Service) AuthPasswordService() *authpw.Service {
	return s.authpw
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) PingProcessStore(ctx context.Context) error {
	return s.procs.Ping(ctx)
}

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	Email        string
	DisplayName  string
	JTI          string
	ExpiresAt    time.Time
}

func (s *Service) CreateSession(ctx context.Context, user store.User) (Session, error) {
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.store.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.store.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:   user.ID,
		Email: user.Email,
		JTI:   jti,
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.store.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		Email:        user.Email,
		DisplayName:  user.DisplayName,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:       token,
		UserID:      user.ID,
		Email:       user.Email,
		DisplayName: user.DisplayName,
		JTI:         claims.JTI,
		ExpiresAt:   time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken != "" {
		_ = s.store.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}
