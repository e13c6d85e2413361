package auth

import (
	"context"
	"database/sql"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"unichat/internal/config"
	"unichat/internal/redis"
	"unichat/internal/storage"
)

func TestIssuedTokensAreStoredAsDigests(t *testing.T) {
	db := openTestDB(t)
	createUser(t, db, 1)
	svc := NewService(db, nil, time.Hour)
	ctx := context.Background()

	token, err := svc.IssueToken(ctx, 1)
	require.NoError(t, err)
	require.Len(t, token, 2*tokenBytes)

	var stored string
	require.NoError(t, db.QueryRow(`SELECT token_hash FROM user_tokens WHERE user_id = 1`).Scan(&stored))
	require.NotEqual(t, token, stored)
	require.Equal(t, tokenDigest(token), stored)

	userID, err := svc.ValidateToken(ctx, token)
	require.NoError(t, err)
	require.EqualValues(t, 1, userID)

	_, err = svc.ValidateToken(ctx, stored)
	require.ErrorIs(t, err, ErrInvalidToken, "the digest itself must not authenticate")
}

func TestRevocation(t *testing.T) {
	db := openTestDB(t)
	createUser(t, db, 1)
	svc := NewService(db, nil, time.Hour)
	ctx := context.Background()

	first, err := svc.IssueToken(ctx, 1)
	require.NoError(t, err)
	second, err := svc.IssueToken(ctx, 1)
	require.NoError(t, err)

	require.NoError(t, svc.RevokeToken(ctx, first))
	_, err = svc.ValidateToken(ctx, first)
	require.ErrorIs(t, err, ErrInvalidToken)
	_, err = svc.ValidateToken(ctx, second)
	require.NoError(t, err)

	require.NoError(t, svc.RevokeToken(ctx, "never-issued"))

	third, err := svc.IssueToken(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, svc.RevokeUserTokens(ctx, 1))
	for _, tok := range []string{second, third} {
		_, err = svc.ValidateToken(ctx, tok)
		require.ErrorIs(t, err, ErrInvalidToken)
	}
}

func TestExpiredTokenIsPurged(t *testing.T) {
	db := openTestDB(t)
	createUser(t, db, 2)
	svc := NewService(db, nil, time.Minute)
	clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return clock }
	ctx := context.Background()

	token, err := svc.IssueToken(ctx, 2)
	require.NoError(t, err)

	clock = clock.Add(59 * time.Second)
	_, err = svc.ValidateToken(ctx, token)
	require.NoError(t, err)

	clock = clock.Add(time.Second)
	_, err = svc.ValidateToken(ctx, token)
	require.ErrorIs(t, err, ErrTokenExpired)

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM user_tokens`).Scan(&count))
	require.Zero(t, count)

	_, err = svc.ValidateToken(ctx, token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestIssueTokenRejectsInvalidUser(t *testing.T) {
	svc := NewService(openTestDB(t), nil, 0)
	require.Equal(t, DefaultTokenTTL, svc.TokenTTL())
	_, err := svc.IssueToken(context.Background(), 0)
	require.Error(t, err)
	_, err = svc.ValidateToken(context.Background(), "")
	require.ErrorIs(t, err, ErrTokenRequired)
}

func TestExtractToken(t *testing.T) {
	cases := []struct {
		name   string
		target string
		header string
		want   string
	}{
		{"bearer wins over query", "/ws/chat?token=q", "Bearer h", "h"},
		{"lowercase scheme", "/api/profile", "bearer  h ", "h"},
		{"query fallback", "/ws/chat?token=q", "", "q"},
		{"other scheme ignored", "/api/profile", "Basic abc", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.target, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			require.Equal(t, tc.want, ExtractToken(req))
		})
	}
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db := openTestDB(t)
	createUser(t, db, 7)
	svc := NewService(db, nil, time.Hour)
	token, err := svc.IssueToken(context.Background(), 7)
	require.NoError(t, err)

	router := gin.New()
	router.GET("/whoami", svc.Middleware(), func(c *gin.Context) {
		id, _ := UserIDFromContext(c)
		tok, _ := AuthTokenFromContext(c)
		c.JSON(http.StatusOK, gin.H{"id": id, "same_token": tok == token})
	})

	serve := func(header string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	rec := serve("Bearer " + token)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"id":7,"same_token":true}`, rec.Body.String())

	rec = serve("")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, rec.Body.String(), "authorization required")

	rec = serve("Bearer nope")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, rec.Body.String(), ErrInvalidToken.Error())
}

func TestTokenCacheUsesRedis(t *testing.T) {
	db := openTestDB(t)
	createUser(t, db, 10)
	cache := newRedisCacheClient(t)
	svc := NewService(db, cache, time.Hour)
	ctx := context.Background()

	token, err := svc.IssueToken(ctx, 10)
	require.NoError(t, err)

	key := tokenCachePrefix + tokenDigest(token)
	raw := cache.Raw()
	got, err := raw.Get(ctx, key).Result()
	require.NoError(t, err)
	require.Equal(t, "10", got)
	ttl, err := raw.TTL(ctx, key).Result()
	require.NoError(t, err)
	require.LessOrEqual(t, ttl, maxTokenCacheTTL)

	// served from the cache once the row is gone
	_, err = db.Exec(`DELETE FROM user_tokens`)
	require.NoError(t, err)
	userID, err := svc.ValidateToken(ctx, token)
	require.NoError(t, err)
	require.EqualValues(t, 10, userID)

	require.NoError(t, svc.RevokeToken(ctx, token))
	require.Zero(t, raw.Exists(ctx, key).Val())
	_, err = svc.ValidateToken(ctx, token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	cfg := &config.Config{Databases: map[string]config.DatabaseConfig{"sqlite3": {DSN: ":memory:"}}}
	db, err := storage.Open("sqlite3", cfg)
	require.NoError(t, err)
	require.NoError(t, storage.Migrate(db, "sqlite3"))
	t.Cleanup(func() { db.Close() })
	return db
}

func createUser(t *testing.T, db *sql.DB, id int64) {
	t.Helper()
	_, err := db.Exec(`INSERT INTO users (id, username, password_hash, created_at) VALUES (?, ?, '', ?)`,
		id, "user"+strconv.FormatInt(id, 10), time.Now().UTC())
	require.NoError(t, err)
}

func newRedisCacheClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis-backed auth tests")
	}
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	dbIndex, _ := strconv.Atoi(os.Getenv("TEST_REDIS_DB"))

	client, err := redis.NewRedisClient(&config.Config{Redis: config.RedisConfig{Host: host, Port: port, DB: dbIndex}})
	require.NoError(t, err)
	require.NotNil(t, client)
	require.NoError(t, client.Raw().FlushDB(context.Background()).Err())
	t.Cleanup(func() { client.Close() })
	return client
}
