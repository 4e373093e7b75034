package sessions

import (
	"context"
	"sync"
	"testing"

	"github.com/moltisdev/moltis/internal/models"
	"github.com/moltisdev/moltis/internal/store"
)

type fakeMetaStore struct {
	mu   sync.Mutex
	rows map[string]*models.Session
}

func newFakeMetaStore() *fakeMetaStore {
	return &fakeMetaStore{rows: make(map[string]*models.Session)}
}

func (f *fakeMetaStore) Upsert(sess *models.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *sess
	f.rows[sess.Key] = &cp
	return nil
}

func (f *fakeMetaStore) Get(key string) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.rows[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (f *fakeMetaStore) List(includeArchived bool, limit, offset int) ([]*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Session
	for _, sess := range f.rows {
		if !includeArchived && sess.Archived {
			continue
		}
		cp := *sess
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeMetaStore) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, key)
	return nil
}

func TestEnsureMainIdempotent(t *testing.T) {
	dir := t.TempDir()
	svc := NewService(dir, newFakeMetaStore())
	ctx := context.Background()

	a, err := svc.EnsureMain(ctx)
	if err != nil {
		t.Fatalf("ensure main: %v", err)
	}
	b, err := svc.EnsureMain(ctx)
	if err != nil {
		t.Fatalf("ensure main again: %v", err)
	}
	if a.CreatedAt != b.CreatedAt {
		t.Fatalf("expected idempotent main session, got different creation times")
	}
}

func TestAppendAndHistory(t *testing.T) {
	dir := t.TempDir()
	meta := newFakeMetaStore()
	svc := NewService(dir, meta)
	ctx := context.Background()

	if _, err := svc.Create(ctx, "s1", "Test", "claude"); err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 0; i < 3; i++ {
		msg := models.PersistedMessage{Role: models.RoleUser, Content: "hello", CreatedAt: int64(i)}
		if err := svc.Append(ctx, "s1", msg); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	hist, err := svc.History(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(hist))
	}

	sess, _ := meta.Get("s1")
	if sess.MessageCount != 3 {
		t.Fatalf("expected message_count 3, got %d", sess.MessageCount)
	}
}

func TestHistoryLimitReturnsMostRecent(t *testing.T) {
	dir := t.TempDir()
	svc := NewService(dir, newFakeMetaStore())
	ctx := context.Background()
	svc.Create(ctx, "s1", "", "")
	for i := 0; i < 5; i++ {
		svc.Append(ctx, "s1", models.PersistedMessage{Role: models.RoleUser, Content: i, CreatedAt: int64(i)})
	}
	hist, err := svc.History(ctx, "s1", 2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(hist))
	}
	if hist[1].CreatedAt != 4 {
		t.Fatalf("expected last message to be most recent, got %+v", hist[1])
	}
}

func TestResetClearsTranscriptKeepsMetadata(t *testing.T) {
	dir := t.TempDir()
	meta := newFakeMetaStore()
	svc := NewService(dir, meta)
	ctx := context.Background()
	svc.Create(ctx, "s1", "Test", "")
	svc.Append(ctx, "s1", models.PersistedMessage{Role: models.RoleUser, Content: "hi", CreatedAt: 1})

	if err := svc.Reset(ctx, "s1"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	hist, err := svc.History(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("history after reset: %v", err)
	}
	if len(hist) != 0 {
		t.Fatalf("expected empty transcript after reset, got %d messages", len(hist))
	}
	if _, err := meta.Get("s1"); err != nil {
		t.Fatalf("expected metadata to survive reset: %v", err)
	}
}

func TestDeleteRejectsMainSession(t *testing.T) {
	dir := t.TempDir()
	svc := NewService(dir, newFakeMetaStore())
	ctx := context.Background()
	svc.EnsureMain(ctx)
	if err := svc.Delete(ctx, models.MainSessionKey); err == nil {
		t.Fatalf("expected error deleting main session")
	}
}

func TestCompactKeepsOnlyRecent(t *testing.T) {
	dir := t.TempDir()
	svc := NewService(dir, newFakeMetaStore())
	ctx := context.Background()
	svc.Create(ctx, "s1", "", "")
	for i := 0; i < 10; i++ {
		svc.Append(ctx, "s1", models.PersistedMessage{Role: models.RoleUser, Content: i, CreatedAt: int64(i)})
	}
	if err := svc.Compact(ctx, "s1", 4); err != nil {
		t.Fatalf("compact: %v", err)
	}
	hist, err := svc.History(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 4 {
		t.Fatalf("expected 4 messages after compact, got %d", len(hist))
	}
}

func TestSearchFindsMatchingSession(t *testing.T) {
	dir := t.TempDir()
	svc := NewService(dir, newFakeMetaStore())
	ctx := context.Background()
	svc.Create(ctx, "s1", "", "")
	svc.Create(ctx, "s2", "", "")
	svc.Append(ctx, "s1", models.PersistedMessage{Role: models.RoleUser, Content: "the quick brown fox", CreatedAt: 1})
	svc.Append(ctx, "s2", models.PersistedMessage{Role: models.RoleUser, Content: "unrelated text", CreatedAt: 1})

	hits, err := svc.Search(ctx, "brown")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 || hits[0] != "s1" {
		t.Fatalf("expected hit on s1, got %v", hits)
	}
}
