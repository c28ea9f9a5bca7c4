package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"arcbase/api/internal/authpw"
	"arcbase/api/internal/store"
	"arcbase/api/internal/uploadproc"
)

func newTestServer(t *testing.T, data *fakeDataStore, procs *fakeProcessStore, objects *fakeObjectStore, downloads *fakeURLIssuer) (*httptest.Server, *Service) {
	t.Helper()
	svc := NewService(ServiceConfig{
		JWTSecret:        "test-secret",
		AccessTTL:        15 * time.Minute,
		RefreshTTL:       24 * time.Hour,
		UploadProcessTTL: time.Hour,
		UploadURLTTL:     5 * time.Minute,
	}, data, procs, objects, downloads, authpw.NewService(data))
	server := httptest.NewServer(NewHTTPServer(svc, "*").Handler())
	t.Cleanup(server.Close)
	return server, svc
}

func signedRequest(t *testing.T, method, url, token string, body any) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func doJSON(t *testing.T, req *http.Request) (int, map[string]any) {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp.StatusCode, payload
}

func sessionToken(t *testing.T, svc *Service) string {
	t.Helper()
	session, err := svc.CreateSession(context.Background(), store.User{
		ID:          testUserID,
		Email:       "owner@example.com",
		DisplayName: "Owner",
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return session.Token
}

func TestHealthAndReady(t *testing.T) {
	server, _ := newTestServer(t, &fakeDataStore{}, &fakeProcessStore{}, &fakeObjectStore{}, &fakeURLIssuer{})

	status, payload := doJSON(t, signedRequest(t, http.MethodGet, server.URL+"/api/health", "", nil))
	if status != http.StatusOK || payload["ok"] != true {
		t.Fatalf("health: %d %v", status, payload)
	}

	status, payload = doJSON(t, signedRequest(t, http.MethodGet, server.URL+"/api/ready", "", nil))
	if status != http.StatusOK || payload["status"] != "ready" {
		t.Fatalf("ready: %d %v", status, payload)
	}
}

func TestDocumentRoutesRequireSession(t *testing.T) {
	server, _ := newTestServer(t, &fakeDataStore{}, &fakeProcessStore{}, &fakeObjectStore{}, &fakeURLIssuer{})

	routes := []struct {
		method, path string
	}{
		{http.MethodPost, "/api/documents/upload/request"},
		{http.MethodPost, "/api/documents/upload/presign"},
		{http.MethodPost, "/api/documents/upload/confirm"},
		{http.MethodGet, "/api/documents"},
		{http.MethodGet, "/api/documents/" + testDocumentID},
		{http.MethodGet, "/api/documents/" + testDocumentID + "/download-url"},
		{http.MethodPost, "/api/documents/" + testDocumentID + "/move"},
		{http.MethodPost, "/api/documents/folders"},
	}
	for _, route := range routes {
		status, payload := doJSON(t, signedRequest(t, route.method, server.URL+route.path, "", nil))
		if status != http.StatusUnauthorized {
			t.Errorf("%s %s: expected 401, got %d %v", route.method, route.path, status, payload)
		}
	}

	status, _ := doJSON(t, signedRequest(t, http.MethodGet, server.URL+"/api/documents", "not-a-token", nil))
	if status != http.StatusUnauthorized {
		t.Errorf("garbage token: expected 401, got %d", status)
	}
}

func TestSignUpAndSignInOverHTTP(t *testing.T) {
	users := map[string]store.User{}
	data := &fakeDataStore{
		createUserFn: func(_ context.Context, user store.User) (store.User, error) {
			if _, ok := users[user.Email]; ok {
				return store.User{}, store.ErrDuplicateEmail
			}
			user.ID = testUserID
			users[user.Email] = user
			return user, nil
		},
		getUserByEmailFn: func(_ context.Context, email string) (store.User, error) {
			if user, ok := users[email]; ok {
				return user, nil
			}
			return store.User{}, store.ErrNotFound
		},
	}
	server, _ := newTestServer(t, data, &fakeProcessStore{}, &fakeObjectStore{}, &fakeURLIssuer{})

	status, payload := doJSON(t, signedRequest(t, http.MethodPost, server.URL+"/api/auth/signup", "", map[string]any{
		"email":       "new@example.com",
		"password":    "password123",
		"displayName": "New User",
	}))
	if status != http.StatusCreated {
		t.Fatalf("signup: %d %v", status, payload)
	}
	if payload["accessToken"] == "" || payload["refreshToken"] == "" {
		t.Fatalf("signup must return a session: %v", payload)
	}

	status, _ = doJSON(t, signedRequest(t, http.MethodPost, server.URL+"/api/auth/signup", "", map[string]any{
		"email":       "new@example.com",
		"password":    "password123",
		"displayName": "Again",
	}))
	if status != http.StatusConflict {
		t.Fatalf("duplicate signup: expected 409, got %d", status)
	}

	status, payload = doJSON(t, signedRequest(t, http.MethodPost, server.URL+"/api/auth/signin", "", map[string]any{
		"email":    "new@example.com",
		"password": "password123",
	}))
	if status != http.StatusOK || payload["userId"] != testUserID {
		t.Fatalf("signin: %d %v", status, payload)
	}

	status, _ = doJSON(t, signedRequest(t, http.MethodPost, server.URL+"/api/auth/signin", "", map[string]any{
		"email":    "new@example.com",
		"password": "wrong-password",
	}))
	if status != http.StatusUnauthorized {
		t.Fatalf("bad password signin: expected 401, got %d", status)
	}
}

func TestUploadHandshakeOverHTTP(t *testing.T) {
	procState := map[string]uploadproc.Process{}
	procs := &fakeProcessStore{
		createFn: func(_ context.Context, input uploadproc.CreateInput) (uploadproc.Process, error) {
			process := uploadproc.Process{
				ProcessID:  "proc-http-1",
				UserID:     input.UserID,
				DocumentID: input.DocumentID,
				Name:       input.Name,
				Path:       input.Path,
				FileSize:   input.FileSize,
				MimeType:   input.MimeType,
				StorageKey: input.StorageKey,
				Status:     uploadproc.StatusPending,
				ExpiresAt:  time.Now().Add(time.Hour),
			}
			procState[process.ProcessID] = process
			return process, nil
		},
		getFn: func(_ context.Context, processID string) (uploadproc.Process, error) {
			process, ok := procState[processID]
			if !ok {
				return uploadproc.Process{}, uploadproc.ErrNotFound
			}
			return process, nil
		},
		updateStatusFn: func(_ context.Context, processID string, from, to uploadproc.Status) error {
			process, ok := procState[processID]
			if !ok {
				return uploadproc.ErrNotFound
			}
			if process.Status != from {
				return uploadproc.ErrStatusConflict
			}
			process.Status = to
			procState[processID] = process
			return nil
		},
	}

	docState := map[string]store.Document{}
	data := &fakeDataStore{
		createPendingFileFn: func(_ context.Context, input store.CreatePendingFileInput) (store.Document, error) {
			doc := store.Document{
				DocumentID:   input.DocumentID,
				UserID:       input.UserID,
				Path:         store.ChildPath(input.ParentPath, store.PathLabel(input.Name)),
				Name:         input.Name,
				Kind:         store.KindFile,
				UploadStatus: store.UploadStatusPending,
			}
			docState[doc.DocumentID] = doc
			return doc, nil
		},
		getDocumentForOwnerFn: func(_ context.Context, documentID, userID string) (store.Document, error) {
			doc, ok := docState[documentID]
			if !ok || doc.UserID != userID {
				return store.Document{}, store.ErrNotFound
			}
			return doc, nil
		},
		updateUploadFn: func(_ context.Context, input store.UpdateUploadInput) (store.Document, error) {
			doc, ok := docState[input.DocumentID]
			if !ok {
				return store.Document{}, store.ErrNotFound
			}
			doc.UploadStatus = input.UploadStatus
			if input.MimeType != nil {
				doc.MimeType = input.MimeType
			}
			if input.FileSize != nil {
				doc.FileSize = input.FileSize
			}
			if input.StorageKey != nil {
				doc.StorageKey = input.StorageKey
			}
			docState[input.DocumentID] = doc
			return doc, nil
		},
	}
	objects := &fakeObjectStore{
		statFn: func(context.Context, string) (int64, error) { return 4096, nil },
	}

	server, svc := newTestServer(t, data, procs, objects, &fakeURLIssuer{})
	token := sessionToken(t, svc)

	status, payload := doJSON(t, signedRequest(t, http.MethodPost, server.URL+"/api/documents/upload/request", token, map[string]any{
		"name":       "notes.pdf",
		"parentPath": "inbox",
		"fileSize":   4096,
		"mimeType":   "application/pdf",
	}))
	if status != http.StatusOK {
		t.Fatalf("request: %d %v", status, payload)
	}
	processID, _ := payload["processId"].(string)
	documentID, _ := payload["documentId"].(string)
	if processID == "" || documentID == "" {
		t.Fatalf("request: missing ids in %v", payload)
	}

	status, payload = doJSON(t, signedRequest(t, http.MethodPost, server.URL+"/api/documents/upload/presign", token, map[string]any{
		"processId": processID,
	}))
	if status != http.StatusOK {
		t.Fatalf("presign: %d %v", status, payload)
	}
	if payload["uploadUrl"] == "" || payload["storageKey"] == "" {
		t.Fatalf("presign: %v", payload)
	}

	// A second presign must hit the status precondition.
	status, payload = doJSON(t, signedRequest(t, http.MethodPost, server.URL+"/api/documents/upload/presign", token, map[string]any{
		"processId": processID,
	}))
	if status != http.StatusConflict || payload["code"] != "STATE_CONFLICT" {
		t.Fatalf("second presign: expected 409 STATE_CONFLICT, got %d %v", status, payload)
	}

	status, payload = doJSON(t, signedRequest(t, http.MethodPost, server.URL+"/api/documents/upload/confirm", token, map[string]any{
		"processId": processID,
	}))
	if status != http.StatusOK {
		t.Fatalf("confirm: %d %v", status, payload)
	}
	document, _ := payload["document"].(map[string]any)
	if document["uploadStatus"] != "uploaded" {
		t.Fatalf("confirm: %v", payload)
	}
	meta, _ := document["fileMeta"].(map[string]any)
	if meta == nil || meta["fileSize"] != float64(4096) {
		t.Fatalf("confirm: expected probed size in file meta, got %v", document)
	}

	// Confirm again: terminal status is a sink.
	status, payload = doJSON(t, signedRequest(t, http.MethodPost, server.URL+"/api/documents/upload/confirm", token, map[string]any{
		"processId": processID,
	}))
	if status != http.StatusOK {
		t.Fatalf("repeat confirm: %d %v", status, payload)
	}

	status, payload = doJSON(t, signedRequest(t, http.MethodGet, server.URL+"/api/documents/"+documentID+"/download-url?inline=1", token, nil))
	if status != http.StatusOK || payload["url"] == "" {
		t.Fatalf("download-url: %d %v", status, payload)
	}
}

func TestSessionRefreshAndLogout(t *testing.T) {
	sessions := map[string]string{}
	data := &fakeDataStore{
		saveRefreshSessionFn: func(_ context.Context, tokenHash, userID string, _ time.Time) error {
			sessions[tokenHash] = userID
			return nil
		},
		lookupRefreshSessionFn: func(_ context.Context, tokenHash string) (store.User, error) {
			userID, ok := sessions[tokenHash]
			if !ok {
				return store.User{}, store.ErrNotFound
			}
			return store.User{ID: userID, Email: "owner@example.com"}, nil
		},
		revokeRefreshSessionFn: func(_ context.Context, tokenHash string) error {
			delete(sessions, tokenHash)
			return nil
		},
	}
	server, svc := newTestServer(t, data, &fakeProcessStore{}, &fakeObjectStore{}, &fakeURLIssuer{})

	session, err := svc.CreateSession(context.Background(), store.User{ID: testUserID, Email: "owner@example.com"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	status, payload := doJSON(t, signedRequest(t, http.MethodPost, server.URL+"/api/session/refresh", "", map[string]any{
		"refreshToken": session.RefreshToken,
	}))
	if status != http.StatusOK || payload["accessToken"] == "" {
		t.Fatalf("refresh: %d %v", status, payload)
	}

	// Refresh rotates: the old token is gone.
	status, _ = doJSON(t, signedRequest(t, http.MethodPost, server.URL+"/api/session/refresh", "", map[string]any{
		"refreshToken": session.RefreshToken,
	}))
	if status != http.StatusUnauthorized {
		t.Fatalf("reused refresh token: expected 401, got %d", status)
	}

	rotated, _ := payload["refreshToken"].(string)
	status, _ = doJSON(t, signedRequest(t, http.MethodPost, server.URL+"/api/session/logout", "", map[string]any{
		"refreshToken": rotated,
	}))
	if status != http.StatusOK {
		t.Fatalf("logout: expected 200, got %d", status)
	}
	status, _ = doJSON(t, signedRequest(t, http.MethodPost, server.URL+"/api/session/refresh", "", map[string]any{
		"refreshToken": rotated,
	}))
	if status != http.StatusUnauthorized {
		t.Fatalf("refresh after logout: expected 401, got %d", status)
	}
}
