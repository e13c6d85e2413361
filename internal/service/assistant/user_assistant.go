package assistant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"unichat/internal/models"
)

var (
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrUsernameTaken       = errors.New("username already taken")
	ErrInsufficientCredits = errors.New("insufficient credits")
)

// Service handles user lifecycle, conversations and uploads.
type Service struct {
	db            *sql.DB
	signupCredits float64
}

// NewService builds a new assistant service. New accounts start with signupCredits.
func NewService(db *sql.DB, signupCredits float64) *Service {
	return &Service{db: db, signupCredits: signupCredits}
}

const userColumns = `id, username, password_hash, credits, created_at`

// ErrMissingCredentials is returned when the username or password is blank.
var ErrMissingCredentials = errors.New("username and password are required")

func normalizeCredentials(username, password string) (string, string, error) {
	username, password = strings.TrimSpace(username), strings.TrimSpace(password)
	if username == "" || password == "" {
		return "", "", ErrMissingCredentials
	}
	return username, password, nil
}

// RegisterUser creates an account holding the signup credits.
func (s *Service) RegisterUser(ctx context.Context, username, password string) (*models.User, error) {
	username, password, err := normalizeCredentials(username, password)
	if err != nil {
		return nil, err
	}
	var taken bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE username = ?)`, username).Scan(&taken); err != nil {
		return nil, fmt.Errorf("check username: %w", err)
	}
	if taken {
		return nil, ErrUsernameTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	user := &models.User{
		Username:     username,
		PasswordHash: string(hash),
		Credits:      s.signupCredits,
		CreatedAt:    time.Now().UTC(),
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, password_hash, credits, created_at) VALUES (?, ?, ?, ?)`,
		user.Username, user.PasswordHash, user.Credits, user.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	if user.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("user id: %w", err)
	}
	return user, nil
}

// Login checks the password. Unknown users and wrong passwords both yield
// ErrInvalidCredentials.
func (s *Service) Login(ctx context.Context, username, password string) (*models.User, error) {
	username, password, err := normalizeCredentials(username, password)
	if err != nil {
		return nil, err
	}
	user, err := s.queryUser(ctx, `username = ?`, username)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

// GetUser returns sql.ErrNoRows for unknown ids.
func (s *Service) GetUser(ctx context.Context, id int64) (*models.User, error) {
	return s.queryUser(ctx, `id = ?`, id)
}

// DeleteUser removes the account; conversations, tokens and uploads cascade.
func (s *Service) DeleteUser(ctx context.Context, id int64) error {
	if id <= 0 {
		return errors.New("invalid user id")
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("delete user: %w", err)
	} else if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Credits returns the balance, or sql.ErrNoRows for unknown users.
func (s *Service) Credits(ctx context.Context, userID int64) (float64, error) {
	return balance(ctx, s.db, userID)
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func balance(ctx context.Context, q rowQuerier, userID int64) (float64, error) {
	var credits float64
	err := q.QueryRowContext(ctx, `SELECT credits FROM users WHERE id = ?`, userID).Scan(&credits)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("query credits: %w", err)
	}
	return credits, err
}

// ChargeCredits deducts amount from the balance, flooring at zero, and
// returns what is left. A user who is already at zero gets ErrInsufficientCredits.
func (s *Service) ChargeCredits(ctx context.Context, userID int64, amount float64) (float64, error) {
	if amount < 0 {
		return 0, errors.New("charge amount must not be negative")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	credits, err := balance(ctx, tx, userID)
	if err != nil {
		return 0, err
	}
	if credits <= 0 {
		return 0, ErrInsufficientCredits
	}
	remaining := credits - amount
	if remaining < 1e-9 {
		remaining = 0
	}
	if _, err := tx.ExecContext(ctx, `UPDATE users SET credits = ? WHERE id = ?`, remaining, userID); err != nil {
		return 0, fmt.Errorf("update credits: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit charge: %w", err)
	}
	return remaining, nil
}

func (s *Service) queryUser(ctx context.Context, where string, arg any) (*models.User, error) {
	var u models.User
	err := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE `+where, arg).
		Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Credits, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	return &u, nil
}
