package store

import (
	"testing"
	"time"

	"github.com/moltisdev/moltis/internal/models"
	"github.com/moltisdev/moltis/internal/vault"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSessionStoreUpsertGetList(t *testing.T) {
	db := openTestDB(t)
	store := NewSessionStore(db)

	now := time.Now()
	sess := &models.Session{Key: models.MainSessionKey, Label: "Main", CreatedAt: now, UpdatedAt: now}
	if err := store.Upsert(sess); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := store.Get(models.MainSessionKey)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Label != "Main" {
		t.Fatalf("expected label Main, got %q", got.Label)
	}

	list, err := store.List(false, 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 session, got %d", len(list))
	}

	if _, err := store.Get("missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCronStoreRoundTrip(t *testing.T) {
	db := openTestDB(t)
	store := NewCronStore(db)

	now := time.Now()
	job := &models.CronJob{
		ID:            "job-1",
		Name:          "nightly",
		Schedule:      models.CronSchedule{Kind: "cron", Expr: "0 0 * * *", TZ: "UTC"},
		Payload:       models.CronPayload{Kind: models.CronPayloadSystemEvent, Text: "run it"},
		SessionTarget: models.SessionTargetIsolated,
		Enabled:       true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := store.UpsertJob(job); err != nil {
		t.Fatalf("upsert job: %v", err)
	}

	got, err := store.GetJob("job-1")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Schedule.Expr != "0 0 * * *" {
		t.Fatalf("schedule round trip mismatch: %+v", got.Schedule)
	}

	run := &models.CronRun{ID: "run-1", JobID: "job-1", StartedAt: now, Outcome: models.CronOutcomeSuccess}
	if err := store.AppendRun(run, 5); err != nil {
		t.Fatalf("append run: %v", err)
	}
	runs, err := store.ListRuns("job-1", 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}
}

func TestCronStoreRunCapPrunesOldest(t *testing.T) {
	db := openTestDB(t)
	store := NewCronStore(db)
	now := time.Now()
	job := &models.CronJob{ID: "job-1", Name: "x", CreatedAt: now, UpdatedAt: now}
	if err := store.UpsertJob(job); err != nil {
		t.Fatalf("upsert job: %v", err)
	}
	for i := 0; i < 5; i++ {
		run := &models.CronRun{ID: string(rune('a' + i)), JobID: "job-1", StartedAt: now.Add(time.Duration(i) * time.Second), Outcome: models.CronOutcomeSuccess}
		if err := store.AppendRun(run, 3); err != nil {
			t.Fatalf("append run %d: %v", i, err)
		}
	}
	runs, err := store.ListRuns("job-1", 100)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("expected run history capped at 3, got %d", len(runs))
	}
}

func TestEnvVarStoreMigrationFlow(t *testing.T) {
	db := openTestDB(t)
	store := NewEnvVarStore(db)

	if err := store.SetVar("API_KEY", "plaintext-secret"); err != nil {
		t.Fatalf("set var: %v", err)
	}
	rows, err := store.ListUnencrypted()
	if err != nil {
		t.Fatalf("list unencrypted: %v", err)
	}
	if len(rows) != 1 || rows[0].Key != "API_KEY" {
		t.Fatalf("unexpected rows: %+v", rows)
	}

	if err := store.MarkEncrypted(rows[0].ID, "ciphertext-blob"); err != nil {
		t.Fatalf("mark encrypted: %v", err)
	}
	rows, err = store.ListUnencrypted()
	if err != nil {
		t.Fatalf("list unencrypted after mark: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected no unencrypted rows remaining, got %d", len(rows))
	}

	value, encrypted, found, err := store.GetVar("API_KEY")
	if err != nil || !found {
		t.Fatalf("get var: value=%q found=%v err=%v", value, found, err)
	}
	if !encrypted || value != "ciphertext-blob" {
		t.Fatalf("expected encrypted ciphertext-blob, got encrypted=%v value=%q", encrypted, value)
	}
}

func TestChannelAccountAndOTPStores(t *testing.T) {
	db := openTestDB(t)
	accounts := NewChannelAccountStore(db)
	otp := NewOTPStore(db)

	acc := &models.ChannelAccount{
		ChannelType:   models.ChannelTelegram,
		AccountID:     "bot1",
		Enabled:       true,
		DMPolicy:      models.PolicyAllowlist,
		GroupPolicy:   models.PolicyDisabled,
		MentionMode:   models.MentionMention,
		UserAllowlist: []string{"alice"},
	}
	if err := accounts.Upsert(acc); err != nil {
		t.Fatalf("upsert account: %v", err)
	}
	got, err := accounts.Get(models.ChannelTelegram, "bot1")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if len(got.UserAllowlist) != 1 || got.UserAllowlist[0] != "alice" {
		t.Fatalf("unexpected allowlist: %+v", got.UserAllowlist)
	}

	challenge := &models.OTPChallenge{
		ChannelType: models.ChannelTelegram,
		AccountID:   "bot1",
		PeerID:      "u42",
		Code:        "123456",
		ExpiresAt:   time.Now().Add(time.Minute),
	}
	if err := otp.Put(challenge); err != nil {
		t.Fatalf("put challenge: %v", err)
	}
	count, err := otp.IncrementAttempts(models.ChannelTelegram, "bot1", "u42")
	if err != nil {
		t.Fatalf("increment attempts: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected attempts=1, got %d", count)
	}
	if err := otp.Delete(models.ChannelTelegram, "bot1", "u42"); err != nil {
		t.Fatalf("delete challenge: %v", err)
	}
	if _, err := otp.Get(models.ChannelTelegram, "bot1", "u42"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestVaultMetadataStoreRoundTrip(t *testing.T) {
	db := openTestDB(t)
	store := NewVaultMetadataStore(db)

	if got, err := store.Load(); err != nil || got != nil {
		t.Fatalf("expected nil metadata before init, got %+v err=%v", got, err)
	}

	meta := &vault.Metadata{
		Version:    1,
		KDFSalt:    []byte("0123456789abcdef"),
		KDFParams:  vault.KDFParams{TimeCost: 1, MemoryKiB: 8 * 1024, Threads: 1},
		WrappedDEK: []byte("wrapped"),
	}
	if err := store.Save(meta); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := store.Load()
	if err != nil || got == nil {
		t.Fatalf("load after save: %+v err=%v", got, err)
	}
	if got.Version != 1 || string(got.WrappedDEK) != "wrapped" || got.KDFParams.MemoryKiB != 8*1024 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}
