package vault

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// EnvVarRow is the row shape migration operates on; internal/store owns
// the real table, this is the minimal surface vault needs.
type EnvVarRow struct {
	ID        int64
	Key       string
	Value     string
	Encrypted bool
}

// EnvVarStore is implemented by internal/store for the migration step.
type EnvVarStore interface {
	ListUnencrypted() ([]EnvVarRow, error)
	MarkEncrypted(id int64, ciphertext string) error
}

// MigrateEnvVars encrypts every env_variables row with encrypted=0 under
// AAD "env:<key>" and flips encrypted=1. Idempotent: a second run finds no
// unencrypted rows and returns 0. Per-row failures are logged and the row
// is skipped, so a single bad row never stops the rest; only a failure to
// list the rows is returned.
func (v *Vault) MigrateEnvVars(store EnvVarStore, logger *slog.Logger) (int, error) {
	rows, err := store.ListUnencrypted()
	if err != nil {
		return 0, fmt.Errorf("list unencrypted env vars: %w", err)
	}
	count := 0
	for _, row := range rows {
		aad := "env:" + row.Key
		ciphertext, err := v.EncryptString(row.Value, aad)
		if err != nil {
			if logger != nil {
				logger.Warn("env var migration failed", "key", row.Key, "error", err)
			}
			continue
		}
		if err := store.MarkEncrypted(row.ID, ciphertext); err != nil {
			if logger != nil {
				logger.Warn("env var migration persist failed", "key", row.Key, "error", err)
			}
			continue
		}
		count++
	}
	return count, nil
}

// knownPlaintextFiles lists the base names of the plaintext JSON files
// (<name>.json under the data dir) migrated to sealed ciphertext; each
// name is also the AAD its ciphertext is bound to.
var knownPlaintextFiles = []string{
	"provider_keys",
	"oauth_tokens",
	"mcp_oauth_registrations",
	"channel_tokens",
}

// MigrateJSONFiles encrypts each known plaintext JSON file under dataDir,
// writing <name>.json.enc and renaming the original to <name>.json.bak.
// Skips files whose .enc already exists (idempotent) and files that don't
// exist at all. Every step is non-fatal: failures are logged, not returned.
func (v *Vault) MigrateJSONFiles(dataDir string, logger *slog.Logger) int {
	migrated := 0
	for _, name := range knownPlaintextFiles {
		if v.migrateOneJSONFile(dataDir, name, logger) {
			migrated++
		}
	}
	return migrated
}

func (v *Vault) migrateOneJSONFile(dataDir, name string, logger *slog.Logger) bool {
	plainPath := filepath.Join(dataDir, name+".json")
	encPath := filepath.Join(dataDir, name+".json.enc")
	bakPath := filepath.Join(dataDir, name+".json.bak")

	if _, err := os.Stat(encPath); err == nil {
		return false // already migrated
	}
	data, err := os.ReadFile(plainPath)
	if err != nil {
		if !os.IsNotExist(err) && logger != nil {
			logger.Warn("json file migration read failed", "file", plainPath, "error", err)
		}
		return false
	}

	ciphertext, err := v.EncryptString(string(data), name)
	if err != nil {
		if logger != nil {
			logger.Warn("json file migration encrypt failed", "file", plainPath, "error", err)
		}
		return false
	}
	if err := os.WriteFile(encPath, []byte(ciphertext), 0o600); err != nil {
		if logger != nil {
			logger.Warn("json file migration write failed", "file", encPath, "error", err)
		}
		return false
	}
	if err := os.Rename(plainPath, bakPath); err != nil {
		if logger != nil {
			logger.Warn("json file migration rename failed", "file", plainPath, "error", err)
		}
		return false
	}
	return true
}
