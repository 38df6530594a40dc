package auth

import (
	"context"
	"database/sql"
	"errors"

	_ "github.com/mattn/go-sqlite3"

	"github.com/dynabot/dynamq/pkg/er"
	h "github.com/dynabot/dynamq/pkg/hash"
)

// Store authenticates against a users table in SQLite. Passwords are
// stored as bcrypt hashes in the secret column.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open creates a Store over the SQLite file at path and ensures the
// users table exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, &er.Err{Context: "Auth", Message: err}
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS users (
		username TEXT PRIMARY KEY,
		secret   TEXT NOT NULL
	)`); err != nil {
		db.Close()
		return nil, &er.Err{Context: "Auth", Message: err}
	}

	return &Store{db: db}, nil
}

func (s *Store) Authenticate(ctx context.Context, creds Credentials) error {
	if creds.Username == nil || creds.Password == nil {
		return &er.Err{
			Context: "Auth",
			Message: er.ErrNotAuthorized,
		}
	}

	var hash string
	err := s.db.QueryRowContext(ctx,
		"SELECT secret FROM users WHERE username = ?", *creds.Username).Scan(&hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &er.Err{
				Context: "Auth",
				Message: er.ErrUserNotFound,
			}
		}
		return &er.Err{Context: "Auth", Message: err}
	}

	if !h.VerifyPasswd(hash, *creds.Password) {
		return &er.Err{
			Context: "Auth",
			Message: er.ErrInvalidPassword,
		}
	}

	return nil
}

// CreateUser inserts or replaces a user with a bcrypt-hashed secret.
func (s *Store) CreateUser(ctx context.Context, username, password string) error {
	hash, err := h.Passwd(password)
	if err != nil {
		return &er.Err{Context: "Auth", Message: err}
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO users (username, secret) VALUES (?, ?)", username, hash)
	if err != nil {
		return &er.Err{Context: "Auth", Message: err}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
