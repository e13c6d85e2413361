// Package auth issues the bearer tokens the gateway accepts on REST calls and
// websocket upgrades.
//
// Tokens are random 32-byte hex strings handed to the client once. Only their
// SHA-256 digest is stored, in the user_tokens table and, when redis is
// configured, in a short-lived lookup cache.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"unichat/internal/redis"
)

const (
	DefaultTokenTTL = 24 * time.Hour

	tokenCachePrefix = "auth:token:"
	maxTokenCacheTTL = 10 * time.Minute
	tokenBytes       = 32
	issueAttempts    = 5
)

var (
	ErrTokenRequired = errors.New("token required")
	ErrInvalidToken  = errors.New("invalid token")
	ErrTokenExpired  = errors.New("token expired")
)

// Principal is an authenticated caller.
type Principal struct {
	UserID int64
	Token  string
}

// Service issues, validates and revokes tokens.
type Service struct {
	db       *sql.DB
	cache    *redis.Client
	tokenTTL time.Duration
	now      func() time.Time
}

// NewService returns a token service. cache may be nil; ttl <= 0 selects DefaultTokenTTL.
func NewService(db *sql.DB, cache *redis.Client, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Service{
		db:       db,
		cache:    cache,
		tokenTTL: ttl,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// TokenTTL reports the lifetime of newly issued tokens.
func (s *Service) TokenTTL() time.Duration {
	return s.tokenTTL
}

// IssueToken mints a token for userID.
func (s *Service) IssueToken(ctx context.Context, userID int64) (string, error) {
	if userID <= 0 {
		return "", errors.New("invalid user id")
	}
	now := s.now()
	expiresAt := now.Add(s.tokenTTL)
	var lastErr error
	for i := 0; i < issueAttempts; i++ {
		token, err := generateToken()
		if err != nil {
			return "", err
		}
		digest := tokenDigest(token)
		_, lastErr = s.db.ExecContext(ctx,
			`INSERT INTO user_tokens (token_hash, user_id, created_at, expires_at) VALUES (?, ?, ?, ?)`,
			digest, userID, now, expiresAt,
		)
		if lastErr == nil {
			s.cacheToken(ctx, digest, userID, expiresAt)
			return token, nil
		}
	}
	return "", fmt.Errorf("issue token: %w", lastErr)
}

// ValidateToken returns the owner of a live token. Expired tokens are deleted.
func (s *Service) ValidateToken(ctx context.Context, token string) (int64, error) {
	if token == "" {
		return 0, ErrTokenRequired
	}
	digest := tokenDigest(token)
	if userID, ok := s.cachedToken(ctx, digest); ok {
		return userID, nil
	}

	var (
		userID  int64
		expires time.Time
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, expires_at FROM user_tokens WHERE token_hash = ?`, digest,
	).Scan(&userID, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrInvalidToken
	}
	if err != nil {
		return 0, fmt.Errorf("lookup token: %w", err)
	}
	if !s.now().Before(expires) {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM user_tokens WHERE token_hash = ?`, digest); err != nil {
			return 0, fmt.Errorf("purge expired token: %w", err)
		}
		return 0, ErrTokenExpired
	}
	s.cacheToken(ctx, digest, userID, expires)
	return userID, nil
}

// RevokeToken deletes one token. Revoking an unknown token is not an error.
func (s *Service) RevokeToken(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	digest := tokenDigest(token)
	_ = s.cache.Del(ctx, tokenCachePrefix+digest)
	if _, err := s.db.ExecContext(ctx, `DELETE FROM user_tokens WHERE token_hash = ?`, digest); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

// RevokeUserTokens deletes every token of userID.
func (s *Service) RevokeUserTokens(ctx context.Context, userID int64) error {
	if userID <= 0 {
		return nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT token_hash FROM user_tokens WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("list user tokens: %w", err)
	}
	var keys []string
	for rows.Next() {
		var digest string
		if err := rows.Scan(&digest); err != nil {
			rows.Close()
			return fmt.Errorf("scan token: %w", err)
		}
		keys = append(keys, tokenCachePrefix+digest)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("list user tokens: %w", err)
	}
	if len(keys) > 0 {
		_ = s.cache.Del(ctx, keys...)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM user_tokens WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("revoke user tokens: %w", err)
	}
	return nil
}

// cacheToken never outlives the token or maxTokenCacheTTL, so a revocation on
// another gateway is honoured within that window.
func (s *Service) cacheToken(ctx context.Context, digest string, userID int64, expires time.Time) {
	if s.cache == nil {
		return
	}
	ttl := expires.Sub(s.now())
	if ttl > maxTokenCacheTTL {
		ttl = maxTokenCacheTTL
	}
	if ttl <= 0 {
		return
	}
	_ = s.cache.Set(ctx, tokenCachePrefix+digest, strconv.FormatInt(userID, 10), ttl)
}

func (s *Service) cachedToken(ctx context.Context, digest string) (int64, bool) {
	if s.cache == nil {
		return 0, false
	}
	raw, err := s.cache.Get(ctx, tokenCachePrefix+digest)
	if err != nil {
		return 0, false
	}
	userID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || userID <= 0 {
		return 0, false
	}
	return userID, true
}

func generateToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func tokenDigest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
