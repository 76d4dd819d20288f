package template

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"
)

func setupTestDB(t *testing.T) *bolt.DB {
	t.Helper()
	db, err := bolt.Open(filepath.Join(t.TempDir(), "test.db"), 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestStorage_LiveServesSeed(t *testing.T) {
	seed := Template{Subject: "Application: {position}", Body: "Hello {company}", Attachments: []string{"cv.pdf"}}
	storage, err := NewStorage(setupTestDB(t), seed)
	if err != nil {
		t.Fatal(err)
	}

	tmpl, err := storage.Live(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if tmpl.Subject != seed.Subject || tmpl.Body != seed.Body || len(tmpl.Attachments) != 1 {
		t.Errorf("Live() = %+v, want seed", tmpl)
	}

	// Returned value must not alias the seed
	tmpl.Attachments[0] = "other.pdf"
	again, _ := storage.Live(context.Background())
	if again.Attachments[0] != "cv.pdf" {
		t.Error("seed was mutated through returned template")
	}
}

func TestStorage_Update(t *testing.T) {
	ctx := context.Background()
	storage, err := NewStorage(setupTestDB(t), Template{Subject: "s", Body: "Hello {company}"})
	if err != nil {
		t.Fatal(err)
	}

	updated, err := storage.Update(ctx, "s2", "Goodbye {company}", nil)
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if updated.Version != 1 {
		t.Errorf("Version = %d, want 1", updated.Version)
	}

	updated, _ = storage.Update(ctx, "s3", "Third", []string{"a.pdf"})
	if updated.Version != 2 {
		t.Errorf("Version = %d, want 2", updated.Version)
	}

	live, _ := storage.Live(ctx)
	if live.Body != "Third" || live.Subject != "s3" || len(live.Attachments) != 1 {
		t.Errorf("Live() = %+v", live)
	}

	if _, err := storage.Update(ctx, "", "", nil); !errors.Is(err, ErrEmpty) {
		t.Errorf("Update() with empty template error = %v, want ErrEmpty", err)
	}

	if err := storage.Reset(ctx); err != nil {
		t.Fatal(err)
	}
	live, _ = storage.Live(ctx)
	if live.Body != "Hello {company}" {
		t.Errorf("after Reset() body = %q", live.Body)
	}
}
