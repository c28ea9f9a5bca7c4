package store

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
)

func openTestStore(t *testing.T) *PostgresStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	databaseURL := os.Getenv("TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	db, err := Open(ctx, databaseURL)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := ApplyMigrations(ctx, db, "../../db/migrations"); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return NewPostgresStore(db)
}

func createTestUser(t *testing.T, s *PostgresStore) User {
	t.Helper()
	user, err := s.CreateUser(context.Background(), User{
		Email:        "tree-" + uuid.NewString() + "@example.com",
		DisplayName:  "Tree Tester",
		PasswordHash: "x",
	})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	return user
}

// Labels routinely contain underscores ("My Docs" becomes my_docs), so
// subtree matching must treat the parent path as a literal prefix, never as
// a pattern where _ matches any character.
func TestSubtreeMatchingTreatsUnderscoresLiterally(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	user := createTestUser(t, s)

	folder, err := s.CreateFolder(ctx, user.ID, "", "My Docs")
	if err != nil {
		t.Fatalf("create folder: %v", err)
	}
	if folder.Path != "my_docs" {
		t.Fatalf("expected path my_docs, got %q", folder.Path)
	}
	if _, err := s.CreateFolder(ctx, user.ID, "", "Myxdocs"); err != nil {
		t.Fatalf("create sibling folder: %v", err)
	}

	inside, err := s.CreatePendingFile(ctx, CreatePendingFileInput{
		DocumentID: uuid.NewString(),
		UserID:     user.ID,
		ParentPath: "my_docs",
		Name:       "a.pdf",
	})
	if err != nil {
		t.Fatalf("create file under my_docs: %v", err)
	}
	outside, err := s.CreatePendingFile(ctx, CreatePendingFileInput{
		DocumentID: uuid.NewString(),
		UserID:     user.ID,
		ParentPath: "myxdocs",
		Name:       "b.pdf",
	})
	if err != nil {
		t.Fatalf("create file under myxdocs: %v", err)
	}

	children, err := s.ListDocumentsForOwner(ctx, user.ID, "my_docs")
	if err != nil {
		t.Fatalf("list my_docs: %v", err)
	}
	for _, child := range children {
		if child.DocumentID == outside.DocumentID {
			t.Fatalf("listing my_docs returned the sibling's child %q", child.Path)
		}
	}
	if len(children) != 1 || children[0].DocumentID != inside.DocumentID {
		t.Fatalf("unexpected my_docs children: %+v", children)
	}

	if _, err := s.CreateFolder(ctx, user.ID, "", "Archive"); err != nil {
		t.Fatalf("create archive folder: %v", err)
	}
	moved, err := s.MoveDocumentForOwner(ctx, folder.DocumentID, user.ID, "archive")
	if err != nil {
		t.Fatalf("move my_docs: %v", err)
	}
	if moved.Path != "archive.my_docs" {
		t.Fatalf("expected archive.my_docs, got %q", moved.Path)
	}

	movedChild, err := s.GetDocumentForOwner(ctx, inside.DocumentID, user.ID)
	if err != nil {
		t.Fatalf("reload moved child: %v", err)
	}
	if movedChild.Path != "archive.my_docs.a_pdf" {
		t.Fatalf("expected child path archive.my_docs.a_pdf, got %q", movedChild.Path)
	}

	untouched, err := s.GetDocumentForOwner(ctx, outside.DocumentID, user.ID)
	if err != nil {
		t.Fatalf("reload sibling child: %v", err)
	}
	if untouched.Path != "myxdocs.b_pdf" {
		t.Fatalf("sibling subtree was reparented to %q", untouched.Path)
	}
}
