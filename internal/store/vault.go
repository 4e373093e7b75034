package store

import (
	"database/sql"
	"errors"

	"github.com/moltisdev/moltis/internal/vault"
)

// VaultMetadataStore persists the singleton vault.Metadata row.
type VaultMetadataStore struct {
	db *DB
}

// NewVaultMetadataStore constructs a VaultMetadataStore over db.
func NewVaultMetadataStore(db *DB) *VaultMetadataStore {
	return &VaultMetadataStore{db: db}
}

var _ vault.MetadataStore = (*VaultMetadataStore)(nil)

// Load returns the persisted vault metadata, or nil if the vault has
// never been initialized.
func (s *VaultMetadataStore) Load() (*vault.Metadata, error) {
	row := s.db.conn.QueryRow(`
		SELECT version, kdf_salt, kdf_time_cost, kdf_memory_kib, kdf_threads,
		       wrapped_dek, recovery_wrapped_dek, recovery_key_hash
		FROM vault_metadata WHERE id = 1`)

	var meta vault.Metadata
	var recoveryDEK, recoveryHash []byte
	err := row.Scan(&meta.Version, &meta.KDFSalt, &meta.KDFParams.TimeCost,
		&meta.KDFParams.MemoryKiB, &meta.KDFParams.Threads, &meta.WrappedDEK,
		&recoveryDEK, &recoveryHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	meta.RecoveryWrappedDEK = recoveryDEK
	meta.RecoveryKeyHash = recoveryHash
	return &meta, nil
}

// Save upserts the singleton vault metadata row.
func (s *VaultMetadataStore) Save(meta *vault.Metadata) error {
	_, err := s.db.conn.Exec(`
		INSERT INTO vault_metadata (id, version, kdf_salt, kdf_time_cost, kdf_memory_kib, kdf_threads, wrapped_dek, recovery_wrapped_dek, recovery_key_hash)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			version = excluded.version,
			kdf_salt = excluded.kdf_salt,
			kdf_time_cost = excluded.kdf_time_cost,
			kdf_memory_kib = excluded.kdf_memory_kib,
			kdf_threads = excluded.kdf_threads,
			wrapped_dek = excluded.wrapped_dek,
			recovery_wrapped_dek = excluded.recovery_wrapped_dek,
			recovery_key_hash = excluded.recovery_key_hash`,
		meta.Version, meta.KDFSalt, meta.KDFParams.TimeCost, meta.KDFParams.MemoryKiB,
		meta.KDFParams.Threads, meta.WrappedDEK, meta.RecoveryWrappedDEK, meta.RecoveryKeyHash)
	return err
}

// EnvVarStore implements vault.EnvVarStore against the env_variables table.
type EnvVarStore struct {
	db *DB
}

// NewEnvVarStore constructs an EnvVarStore over db.
func NewEnvVarStore(db *DB) *EnvVarStore {
	return &EnvVarStore{db: db}
}

var _ vault.EnvVarStore = (*EnvVarStore)(nil)

// ListUnencrypted returns every env var row with encrypted=0.
func (s *EnvVarStore) ListUnencrypted() ([]vault.EnvVarRow, error) {
	rows, err := s.db.conn.Query(`SELECT id, key, value, encrypted FROM env_variables WHERE encrypted = 0`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []vault.EnvVarRow
	for rows.Next() {
		var r vault.EnvVarRow
		var encrypted int
		if err := rows.Scan(&r.ID, &r.Key, &r.Value, &encrypted); err != nil {
			return nil, err
		}
		r.Encrypted = encrypted != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkEncrypted stores the ciphertext and flips encrypted=1 for row id.
func (s *EnvVarStore) MarkEncrypted(id int64, ciphertext string) error {
	_, err := s.db.conn.Exec(`UPDATE env_variables SET value = ?, encrypted = 1 WHERE id = ?`, ciphertext, id)
	return err
}

// SetVar inserts or replaces a plaintext env var by key (used by the
// config/CLI layer before the vault has ever sealed anything).
func (s *EnvVarStore) SetVar(key, value string) error {
	_, err := s.db.conn.Exec(`
		INSERT INTO env_variables (key, value, encrypted) VALUES (?, ?, 0)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, encrypted = 0`, key, value)
	return err
}

// GetVar returns the stored (possibly still-encrypted) value for key.
func (s *EnvVarStore) GetVar(key string) (value string, encrypted bool, found bool, err error) {
	row := s.db.conn.QueryRow(`SELECT value, encrypted FROM env_variables WHERE key = ?`, key)
	var enc int
	err = row.Scan(&value, &enc)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, false, nil
	}
	if err != nil {
		return "", false, false, err
	}
	return value, enc != 0, true, nil
}
