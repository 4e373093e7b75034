package sessions

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/moltisdev/moltis/internal/models"
	"github.com/moltisdev/moltis/internal/store"
)

// MetadataStore is the subset of internal/store.SessionStore that the
// session service depends on, so tests can substitute a fake.
type MetadataStore interface {
	Upsert(sess *models.Session) error
	Get(key string) (*models.Session, error)
	List(includeArchived bool, limit, offset int) ([]*models.Session, error)
	Delete(key string) error
}

// Service is the session lifecycle and message-log API: an append-only
// JSONL file per session key backs the transcript, while a SQLite mirror
// (MetadataStore) backs the cheap-to-query metadata (label, model,
// message count, timestamps). Grounded on the write-lock-guarded store
// wrapper pattern in this codebase's sessions package (LockingStore
// wrapping a generic Store with per-session mutual exclusion), adapted
// from wrapping an interface to owning the file I/O directly since the
// transcript is a flat file, not another database table.
type Service struct {
	dataDir string
	meta    MetadataStore
	locker  *Locker
}

// NewService constructs a Service that stores transcripts under
// <dataDir>/sessions/<key>.jsonl and metadata via meta.
func NewService(dataDir string, meta MetadataStore) *Service {
	return &Service{
		dataDir: dataDir,
		meta:    meta,
		locker:  NewLocker(DefaultLockTimeout),
	}
}

func (s *Service) transcriptPath(key string) string {
	return filepath.Join(s.dataDir, "sessions", sanitizeKey(key)+".jsonl")
}

func sanitizeKey(key string) string {
	return strings.ReplaceAll(strings.ReplaceAll(key, "/", "_"), "..", "_")
}

// EnsureMain creates the reserved "main" session if it doesn't exist yet.
func (s *Service) EnsureMain(ctx context.Context) (*models.Session, error) {
	existing, err := s.meta.Get(models.MainSessionKey)
	if err == nil {
		return existing, nil
	}
	if err != store.ErrNotFound {
		return nil, err
	}
	now := time.Now()
	sess := &models.Session{
		Key:       models.MainSessionKey,
		Label:     "Main",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.meta.Upsert(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Create starts a new, non-main session.
func (s *Service) Create(ctx context.Context, key, label, model string) (*models.Session, error) {
	if key == "" {
		return nil, fmt.Errorf("sessions: key is required")
	}
	now := time.Now()
	sess := &models.Session{Key: key, Label: label, Model: model, CreatedAt: now, UpdatedAt: now}
	if err := s.meta.Upsert(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Get returns one session's metadata.
func (s *Service) Get(ctx context.Context, key string) (*models.Session, error) {
	return s.meta.Get(key)
}

// List returns session metadata, most-recently-updated first.
func (s *Service) List(ctx context.Context, includeArchived bool, limit, offset int) ([]*models.Session, error) {
	return s.meta.List(includeArchived, limit, offset)
}

// Patch updates a session's mutable fields (label/model/sandbox/worktree).
func (s *Service) Patch(ctx context.Context, key string, patch func(*models.Session)) (*models.Session, error) {
	var result *models.Session
	err := s.locker.WithLock(ctx, key, func() error {
		sess, err := s.meta.Get(key)
		if err != nil {
			return err
		}
		patch(sess)
		sess.UpdatedAt = time.Now()
		if err := s.meta.Upsert(sess); err != nil {
			return err
		}
		result = sess
		return nil
	})
	return result, err
}

// Delete removes a session's metadata and transcript. The reserved main
// session is never deletable; Delete returns an error for it.
func (s *Service) Delete(ctx context.Context, key string) error {
	if key == models.MainSessionKey {
		return fmt.Errorf("sessions: cannot delete the reserved main session")
	}
	return s.locker.WithLock(ctx, key, func() error {
		if err := s.meta.Delete(key); err != nil {
			return err
		}
		err := os.Remove(s.transcriptPath(key))
		if err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	})
}

// Reset truncates a session's transcript but keeps its metadata row,
// resetting message_count to 0.
func (s *Service) Reset(ctx context.Context, key string) error {
	return s.locker.WithLock(ctx, key, func() error {
		if err := os.Remove(s.transcriptPath(key)); err != nil && !os.IsNotExist(err) {
			return err
		}
		sess, err := s.meta.Get(key)
		if err != nil {
			return err
		}
		sess.MessageCount = 0
		sess.UpdatedAt = time.Now()
		return s.meta.Upsert(sess)
	})
}

// Append appends one message to a session's transcript and bumps its
// metadata counters, all under the session's write lock.
func (s *Service) Append(ctx context.Context, key string, msg models.PersistedMessage) error {
	return s.locker.WithLock(ctx, key, func() error {
		path := s.transcriptPath(key)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		defer f.Close()

		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		if _, err := f.Write(append(data, '\n')); err != nil {
			return err
		}

		sess, err := s.meta.Get(key)
		if err != nil {
			return err
		}
		sess.MessageCount++
		sess.UpdatedAt = time.Now()
		return s.meta.Upsert(sess)
	})
}

// History returns up to limit of the most recent messages for a session,
// oldest first. limit <= 0 returns the entire transcript.
func (s *Service) History(ctx context.Context, key string, limit int) ([]models.PersistedMessage, error) {
	path := s.transcriptPath(key)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var all []models.PersistedMessage
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg models.PersistedMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			return nil, fmt.Errorf("sessions: corrupt transcript line in %s: %w", path, err)
		}
		all = append(all, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

// Search scans every non-archived session's transcript for a case-
// insensitive substring match, returning session keys ordered by most
// recent match first. This is a linear scan over JSONL files, adequate
// for a single-user gateway's data volumes; a full-text index is not
// worth the complexity here.
func (s *Service) Search(ctx context.Context, query string) ([]string, error) {
	query = strings.ToLower(query)
	sessionsList, err := s.meta.List(false, 10000, 0)
	if err != nil {
		return nil, err
	}

	type hit struct {
		key  string
		when time.Time
	}
	var hits []hit
	for _, sess := range sessionsList {
		msgs, err := s.History(ctx, sess.Key, 0)
		if err != nil {
			continue
		}
		for i := len(msgs) - 1; i >= 0; i-- {
			if strings.Contains(strings.ToLower(msgs[i].TextContent()), query) {
				hits = append(hits, hit{key: sess.Key, when: time.UnixMilli(msgs[i].CreatedAt)})
				break
			}
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].when.After(hits[j].when) })

	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.key
	}
	return out, nil
}

// Compact rewrites a session's transcript keeping only the last keep
// messages, discarding everything older. Used to bound transcript size
// for long-lived sessions without losing recent context.
func (s *Service) Compact(ctx context.Context, key string, keep int) error {
	return s.locker.WithLock(ctx, key, func() error {
		msgs, err := s.historyUnlocked(key, 0)
		if err != nil {
			return err
		}
		if keep > 0 && len(msgs) > keep {
			msgs = msgs[len(msgs)-keep:]
		}

		path := s.transcriptPath(key)
		tmp := path + ".tmp"
		f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		for _, msg := range msgs {
			data, err := json.Marshal(msg)
			if err != nil {
				f.Close()
				return err
			}
			if _, err := f.Write(append(data, '\n')); err != nil {
				f.Close()
				return err
			}
		}
		if err := f.Close(); err != nil {
			return err
		}
		if err := os.Rename(tmp, path); err != nil {
			return err
		}

		sess, err := s.meta.Get(key)
		if err != nil {
			return err
		}
		sess.MessageCount = len(msgs)
		sess.UpdatedAt = time.Now()
		return s.meta.Upsert(sess)
	})
}

func (s *Service) historyUnlocked(key string, limit int) ([]models.PersistedMessage, error) {
	return s.History(context.Background(), key, limit)
}
