// Package uploadproc provides the Redis-backed store for in-flight upload
// handshake state. An upload process exists only to coordinate the
// request/presign/confirm sequence; it is reclaimed by key expiry and an
// expired process is indistinguishable from one that never existed.
package uploadproc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type Status string

const (
	StatusPending      Status = "pending"
	StatusUploading    Status = "uploading"
	StatusUploaded     Status = "uploaded"
	StatusUploadFailed Status = "upload_failed"
)

var (
	ErrNotFound       = errors.New("upload process not found or expired")
	ErrStatusConflict = errors.New("upload process status conflict")
)

const DefaultTTL = time.Hour

// Process holds the state of one upload handshake.
type Process struct {
	ProcessID  string         `json:"processId"`
	UserID     string         `json:"userId"`
	DocumentID string         `json:"documentId"`
	Name       string         `json:"name"`
	Path       string         `json:"path"`
	FileSize   int64          `json:"fileSize"`
	MimeType   string         `json:"mimeType"`
	StorageKey string         `json:"storageKey"`
	Status     Status         `json:"status"`
	Metadata   map[string]any `json:"metadata"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
	ExpiresAt  time.Time      `json:"expiresAt"`
}

const metadataFailureReason = "failureReason"

// FailureReason returns the recorded verification failure, or "" when the
// process never failed.
func (p Process) FailureReason() string {
	if p.Metadata == nil {
		return ""
	}
	reason, _ := p.Metadata[metadataFailureReason].(string)
	return reason
}

type CreateInput struct {
	UserID     string
	DocumentID string
	Name       string
	Path       string
	FileSize   int64
	MimeType   string
	StorageKey string
	Metadata   map[string]any
	TTL        time.Duration
}

// Store implements upload process storage using Redis.
type Store struct {
	client *redis.Client
	prefix string
}

func NewStore(redisURL string) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Store{client: client, prefix: "upload:process:"}, nil
}

// NewStoreWithClient creates a store from an existing Redis client.
func NewStoreWithClient(client *redis.Client) *Store {
	return &Store{client: client, prefix: "upload:process:"}
}

func (s *Store) key(processID string) string {
	return s.prefix + processID
}

// Create stores a fresh process in status pending with a bounded TTL.
func (s *Store) Create(ctx context.Context, input CreateInput) (Process, error) {
	if input.MimeType == "" || input.StorageKey == "" {
		return Process{}, fmt.Errorf("mime type and storage key are required")
	}

	ttl := input.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	now := time.Now().UTC()
	metadata := input.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}

	process := Process{
		ProcessID:  uuid.NewString(),
		UserID:     input.UserID,
		DocumentID: input.DocumentID,
		Name:       input.Name,
		Path:       input.Path,
		FileSize:   input.FileSize,
		MimeType:   input.MimeType,
		StorageKey: input.StorageKey,
		Status:     StatusPending,
		Metadata:   metadata,
		CreatedAt:  now,
		UpdatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}

	jsonData, err := json.Marshal(process)
	if err != nil {
		return Process{}, fmt.Errorf("marshal upload process: %w", err)
	}

	if err := s.client.Set(ctx, s.key(process.ProcessID), jsonData, ttl).Err(); err != nil {
		return Process{}, fmt.Errorf("save upload process: %w", err)
	}

	return process, nil
}

// Get loads a process by id. Expired and unknown processes both report
// ErrNotFound; a step must never treat the absence of a process as pending.
func (s *Store) Get(ctx context.Context, processID string) (Process, error) {
	jsonData, err := s.client.Get(ctx, s.key(processID)).Result()
	if err == redis.Nil {
		return Process{}, ErrNotFound
	}
	if err != nil {
		return Process{}, fmt.Errorf("load upload process: %w", err)
	}

	var process Process
	if err := json.Unmarshal([]byte(jsonData), &process); err != nil {
		return Process{}, fmt.Errorf("unmarshal upload process: %w", err)
	}
	return process, nil
}

// updateStatusScript rewrites the status in place while keeping the key's
// remaining TTL. Running as a single script makes the read-check-write a
// compare-and-set: the transition happens only if the currently stored
// status matches the expected one, and an expired key is never resurrected.
var updateStatusScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
	return 0
end
local proc = cjson.decode(raw)
if proc.status ~= ARGV[1] then
	return -1
end
local ttl = redis.call('TTL', KEYS[1])
if ttl <= 0 then
	return 0
end
proc.status = ARGV[2]
proc.updatedAt = ARGV[3]
if ARGV[4] ~= '' then
	if type(proc.metadata) ~= 'table' then
		proc.metadata = {}
	end
	proc.metadata['failureReason'] = ARGV[4]
end
redis.call('SET', KEYS[1], cjson.encode(proc), 'EX', ttl)
return 1
`)

// UpdateStatus transitions a process from one status to another atomically.
// Returns ErrNotFound if the key is missing or expired, ErrStatusConflict if
// the stored status is not the expected one.
func (s *Store) UpdateStatus(ctx context.Context, processID string, from, to Status) error {
	return s.updateStatus(ctx, processID, from, to, "")
}

// Fail drives a process to upload_failed and records why, so repeated
// confirms can replay the same failure.
func (s *Store) Fail(ctx context.Context, processID string, from Status, reason string) error {
	return s.updateStatus(ctx, processID, from, StatusUploadFailed, reason)
}

func (s *Store) updateStatus(ctx context.Context, processID string, from, to Status, reason string) error {
	updatedAt := time.Now().UTC().Format(time.RFC3339Nano)
	result, err := updateStatusScript.Run(ctx, s.client, []string{s.key(processID)}, string(from), string(to), updatedAt, reason).Int64()
	if err != nil {
		return fmt.Errorf("update upload process status: %w", err)
	}
	switch result {
	case 1:
		return nil
	case -1:
		return ErrStatusConflict
	default:
		return ErrNotFound
	}
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
