package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/moltisdev/moltis/internal/models"
)

// ChannelAccountStore persists configured channel accounts and their
// access policy.
type ChannelAccountStore struct {
	db *DB
}

// NewChannelAccountStore constructs a ChannelAccountStore over db.
func NewChannelAccountStore(db *DB) *ChannelAccountStore {
	return &ChannelAccountStore{db: db}
}

// Upsert inserts or replaces a channel account row.
func (s *ChannelAccountStore) Upsert(acc *models.ChannelAccount) error {
	configJSON, err := json.Marshal(acc.Config)
	if err != nil {
		return err
	}
	userAllow, _ := json.Marshal(acc.UserAllowlist)
	groupAllow, _ := json.Marshal(acc.GroupAllowlist)
	chanAllow, _ := json.Marshal(acc.ChannelAllowlist)

	_, err = s.db.conn.Exec(`
		INSERT INTO channel_accounts (channel_type, account_id, config_json, enabled, dm_policy, group_policy, mention_mode, user_allowlist_json, group_allowlist_json, channel_allowlist_json, otp_cooldown_secs)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(channel_type, account_id) DO UPDATE SET
			config_json = excluded.config_json,
			enabled = excluded.enabled,
			dm_policy = excluded.dm_policy,
			group_policy = excluded.group_policy,
			mention_mode = excluded.mention_mode,
			user_allowlist_json = excluded.user_allowlist_json,
			group_allowlist_json = excluded.group_allowlist_json,
			channel_allowlist_json = excluded.channel_allowlist_json,
			otp_cooldown_secs = excluded.otp_cooldown_secs`,
		string(acc.ChannelType), acc.AccountID, string(configJSON), boolToInt(acc.Enabled),
		string(acc.DMPolicy), string(acc.GroupPolicy), string(acc.MentionMode),
		string(userAllow), string(groupAllow), string(chanAllow), acc.OTPCooldownSecs)
	return err
}

// Get returns one channel account by type+id.
func (s *ChannelAccountStore) Get(channelType models.ChannelType, accountID string) (*models.ChannelAccount, error) {
	row := s.db.conn.QueryRow(`
		SELECT channel_type, account_id, config_json, enabled, dm_policy, group_policy, mention_mode, user_allowlist_json, group_allowlist_json, channel_allowlist_json, otp_cooldown_secs
		FROM channel_accounts WHERE channel_type = ? AND account_id = ?`, string(channelType), accountID)
	return scanChannelAccount(row)
}

// ListByType returns every account configured for a given channel type.
func (s *ChannelAccountStore) ListByType(channelType models.ChannelType) ([]*models.ChannelAccount, error) {
	rows, err := s.db.conn.Query(`
		SELECT channel_type, account_id, config_json, enabled, dm_policy, group_policy, mention_mode, user_allowlist_json, group_allowlist_json, channel_allowlist_json, otp_cooldown_secs
		FROM channel_accounts WHERE channel_type = ?`, string(channelType))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.ChannelAccount
	for rows.Next() {
		acc, err := scanChannelAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, acc)
	}
	return out, rows.Err()
}

func scanChannelAccount(row scanner) (*models.ChannelAccount, error) {
	var acc models.ChannelAccount
	var channelType, dmPolicy, groupPolicy, mentionMode string
	var configJSON, userAllow, groupAllow, chanAllow string
	var enabled int

	err := row.Scan(&channelType, &acc.AccountID, &configJSON, &enabled, &dmPolicy, &groupPolicy,
		&mentionMode, &userAllow, &groupAllow, &chanAllow, &acc.OTPCooldownSecs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	acc.ChannelType = models.ChannelType(channelType)
	acc.Enabled = enabled != 0
	acc.DMPolicy = models.ChannelPolicy(dmPolicy)
	acc.GroupPolicy = models.ChannelPolicy(groupPolicy)
	acc.MentionMode = models.MentionMode(mentionMode)
	if err := json.Unmarshal([]byte(configJSON), &acc.Config); err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(userAllow), &acc.UserAllowlist)
	_ = json.Unmarshal([]byte(groupAllow), &acc.GroupAllowlist)
	_ = json.Unmarshal([]byte(chanAllow), &acc.ChannelAllowlist)
	return &acc, nil
}

// OTPStore persists pending self-approval OTP challenges.
type OTPStore struct {
	db *DB
}

// NewOTPStore constructs an OTPStore over db.
func NewOTPStore(db *DB) *OTPStore {
	return &OTPStore{db: db}
}

// Put inserts or replaces a challenge for (channelType, accountID, peerID).
func (s *OTPStore) Put(ch *models.OTPChallenge) error {
	_, err := s.db.conn.Exec(`
		INSERT INTO otp_challenges (channel_type, account_id, peer_id, code, expires_at, attempts)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(channel_type, account_id, peer_id) DO UPDATE SET
			code = excluded.code,
			expires_at = excluded.expires_at,
			attempts = excluded.attempts`,
		string(ch.ChannelType), ch.AccountID, ch.PeerID, ch.Code, ch.ExpiresAt.UnixMilli(), ch.Attempts)
	return err
}

// Get returns the pending challenge for a peer, if any.
func (s *OTPStore) Get(channelType models.ChannelType, accountID, peerID string) (*models.OTPChallenge, error) {
	row := s.db.conn.QueryRow(`
		SELECT channel_type, account_id, peer_id, code, expires_at, attempts
		FROM otp_challenges WHERE channel_type = ? AND account_id = ? AND peer_id = ?`,
		string(channelType), accountID, peerID)

	var ch models.OTPChallenge
	var ctype string
	var expiresAt int64
	err := row.Scan(&ctype, &ch.AccountID, &ch.PeerID, &ch.Code, &expiresAt, &ch.Attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	ch.ChannelType = models.ChannelType(ctype)
	ch.ExpiresAt = time.UnixMilli(expiresAt)
	return &ch, nil
}

// Delete removes a challenge once resolved (success, exhausted attempts, or expiry).
func (s *OTPStore) Delete(channelType models.ChannelType, accountID, peerID string) error {
	_, err := s.db.conn.Exec(`DELETE FROM otp_challenges WHERE channel_type = ? AND account_id = ? AND peer_id = ?`,
		string(channelType), accountID, peerID)
	return err
}

// IncrementAttempts bumps the attempt counter and returns the new count.
func (s *OTPStore) IncrementAttempts(channelType models.ChannelType, accountID, peerID string) (int, error) {
	_, err := s.db.conn.Exec(`
		UPDATE otp_challenges SET attempts = attempts + 1
		WHERE channel_type = ? AND account_id = ? AND peer_id = ?`,
		string(channelType), accountID, peerID)
	if err != nil {
		return 0, err
	}
	ch, err := s.Get(channelType, accountID, peerID)
	if err != nil {
		return 0, err
	}
	return ch.Attempts, nil
}
