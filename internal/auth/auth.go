// Package auth evaluates a three-tier auth chain (device token -> bearer
// API key -> password), issues and verifies the HS256 JWT device tokens
// a successful handshake hands back using constant-time API key
// comparison, and tracks pending device/node pairing requests. Identity
// is conn-less: a device token identifies a client_id, role, and scope
// set, not a logged-in user.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/moltisdev/moltis/internal/models"
)

// ErrAuthDisabled is returned by any verification method when its
// underlying credential kind was never configured (no JWT secret, no API
// keys, no password).
var ErrAuthDisabled = errors.New("auth: disabled")

// ErrInvalidCredential is returned for a well-formed but wrong/expired
// token, key, or password. The caller maps this to frame.ErrCodeNotLinked.
var ErrInvalidCredential = errors.New("auth: invalid credential")

// Identity is what a successful auth evaluation grants a connecting client.
type Identity struct {
	ClientID string
	Role     models.ClientRole
	Scopes   []string
}

// Params mirrors the connect method's `auth` object: token, api_key, or
// password, evaluated in that order.
type Params struct {
	Token    string
	Password string
	APIKey   string
}

// Claims is the payload embedded in a device token.
type Claims struct {
	Role   string   `json:"role"`
	Scopes []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// Service evaluates connect-time credentials and manages device tokens and
// pairing requests. A Service with no JWT secret, no API keys, and no
// password configured treats every connection as pre-authorized (useful
// for local-loopback development).
type Service struct {
	mu          sync.RWMutex
	jwtSecret   []byte
	tokenExpiry time.Duration
	apiKeys     map[string]struct{}
	password    string
	revoked     map[string]struct{} // client ids whose tokens are revoked

	pairingMu sync.Mutex
	pairing   map[string]*PairingRequest // request id -> pending pairing
}

// New constructs a Service from the gateway's AuthConfig-shaped inputs.
func New(jwtSecret string, tokenExpiry time.Duration, apiKeys []string, password string) *Service {
	keys := make(map[string]struct{}, len(apiKeys))
	for _, k := range apiKeys {
		if k = strings.TrimSpace(k); k != "" {
			keys[k] = struct{}{}
		}
	}
	return &Service{
		jwtSecret:   []byte(jwtSecret),
		tokenExpiry: tokenExpiry,
		apiKeys:     keys,
		password:    password,
		revoked:     make(map[string]struct{}),
		pairing:     make(map[string]*PairingRequest),
	}
}

// Enabled reports whether any credential kind is configured. When false,
// the gateway's handshake skips evaluation entirely (local dev mode).
func (s *Service) Enabled() bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jwtSecret) > 0 || len(s.apiKeys) > 0 || s.password != ""
}

// Evaluate runs the device-token -> API-key -> password chain and returns
// the granted Identity, or ErrInvalidCredential if none matched.
func (s *Service) Evaluate(clientID string, p Params) (Identity, error) {
	if !s.Enabled() {
		return Identity{ClientID: clientID, Role: models.ClientRoleOperator, Scopes: []string{"*"}}, nil
	}

	if p.Token != "" {
		if id, err := s.VerifyDeviceToken(p.Token); err == nil {
			return id, nil
		}
	}
	if p.APIKey != "" {
		if s.VerifyAPIKey(p.APIKey) {
			return Identity{ClientID: clientID, Role: models.ClientRoleOperator, Scopes: []string{"*"}}, nil
		}
	}
	if p.Password != "" {
		if s.VerifyPassword(p.Password) {
			return Identity{ClientID: clientID, Role: models.ClientRoleOperator, Scopes: []string{"*"}}, nil
		}
	}
	return Identity{}, ErrInvalidCredential
}

// IssueDeviceToken signs a device token for the given identity, the one
// returned in hello-ok's auth.device_token field on a fresh pairing.
func (s *Service) IssueDeviceToken(id Identity) (string, error) {
	s.mu.RLock()
	secret := s.jwtSecret
	expiry := s.tokenExpiry
	s.mu.RUnlock()
	if len(secret) == 0 {
		return "", ErrAuthDisabled
	}

	claims := Claims{
		Role:   string(id.Role),
		Scopes: id.Scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.ClientID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiry)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// VerifyDeviceToken parses and validates a device token, rejecting it if
// the client id has since been revoked via device.token.revoke.
func (s *Service) VerifyDeviceToken(token string) (Identity, error) {
	s.mu.RLock()
	secret := s.jwtSecret
	s.mu.RUnlock()
	if len(secret) == 0 {
		return Identity{}, ErrAuthDisabled
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return Identity{}, ErrInvalidCredential
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return Identity{}, ErrInvalidCredential
	}

	s.mu.RLock()
	_, revoked := s.revoked[claims.Subject]
	s.mu.RUnlock()
	if revoked {
		return Identity{}, ErrInvalidCredential
	}

	return Identity{ClientID: claims.Subject, Role: models.ClientRole(claims.Role), Scopes: claims.Scopes}, nil
}

// RevokeDeviceToken blocks future verification of tokens for clientID
// until a new token is issued and the client id is un-revoked by rotation.
func (s *Service) RevokeDeviceToken(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoked[clientID] = struct{}{}
}

// RotateDeviceToken clears any revocation for clientID and issues a fresh
// token, used by device.token.rotate.
func (s *Service) RotateDeviceToken(id Identity) (string, error) {
	s.mu.Lock()
	delete(s.revoked, id.ClientID)
	s.mu.Unlock()
	return s.IssueDeviceToken(id)
}

// VerifyAPIKey reports whether key matches a configured bearer API key,
// using constant-time comparison so wrong-guess timing can't leak which
// prefix matched (teacher's auth.go does the same over its key map).
func (s *Service) VerifyAPIKey(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key = strings.TrimSpace(key)
	matched := false
	for stored := range s.apiKeys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(stored)) == 1 {
			matched = true
		}
	}
	return matched
}

// VerifyPassword reports whether password matches the configured gateway
// password (MOLTIS_AUTH_PASSWORD), independent of the vault's own
// unseal password.
func (s *Service) VerifyPassword(password string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.password == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(password), []byte(s.password)) == 1
}

// PairingRequest is a pending device.pair.request / node.pair.request
// awaiting operator approval.
type PairingRequest struct {
	RequestID string
	ClientID  string
	Role      models.ClientRole
	Code      string
	CreatedAt time.Time
	resolved  bool
}

// RequestPairing registers a new pairing request and returns it along with
// a short hex code an operator can cross-check out of band.
func (s *Service) RequestPairing(requestID, clientID string, role models.ClientRole) *PairingRequest {
	req := &PairingRequest{
		RequestID: requestID,
		ClientID:  clientID,
		Role:      role,
		Code:      randomCode(),
		CreatedAt: time.Now(),
	}
	s.pairingMu.Lock()
	s.pairing[requestID] = req
	s.pairingMu.Unlock()
	return req
}

// ResolvePairing approves or rejects a pending pairing request, returning
// the request for the caller to issue a device token from on approval.
func (s *Service) ResolvePairing(requestID string, approve bool) (*PairingRequest, error) {
	s.pairingMu.Lock()
	defer s.pairingMu.Unlock()
	req, ok := s.pairing[requestID]
	if !ok {
		return nil, fmt.Errorf("auth: no pending pairing request %q", requestID)
	}
	req.resolved = true
	delete(s.pairing, requestID)
	if !approve {
		return nil, ErrInvalidCredential
	}
	return req, nil
}

// ListPairing returns every pending pairing request, for node.pair.list /
// device.pair list-style methods.
func (s *Service) ListPairing() []*PairingRequest {
	s.pairingMu.Lock()
	defer s.pairingMu.Unlock()
	out := make([]*PairingRequest, 0, len(s.pairing))
	for _, r := range s.pairing {
		out = append(out, r)
	}
	return out
}

func randomCode() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
