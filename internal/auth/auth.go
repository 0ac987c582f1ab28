// Package auth implements the broker's pluggable authenticator (spec.md
// §9 Design Notes): an interface with one operation,
// authenticate(user, password, client_id), backed here by a SQLite table
// of bcrypt-hashed passwords.
package auth

import (
	"database/sql"
	"errors"

	"github.com/pyr33x/goqtt/pkg/er"
	h "github.com/pyr33x/goqtt/pkg/hash"
)

// Store authenticates against a `users(username, secret)` SQLite table,
// where secret is a bcrypt hash.
type Store struct {
	db *sql.DB
}

// New wraps an open database handle. Schema setup is the caller's
// responsibility.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Authenticate looks up username and verifies password against its
// stored bcrypt hash. clientID is accepted to satisfy the broker's
// Authenticator interface but is not otherwise consulted here.
func (s *Store) Authenticate(username, password, clientID string) error {
	var hash string

	err := s.db.QueryRow("SELECT secret FROM users WHERE username = ?", username).Scan(&hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &er.Err{Context: "Auth", Message: er.ErrUserNotFound}
		}
		return &er.Err{Context: "Auth", Message: err}
	}

	if !h.VerifyPasswd(hash, password) {
		return &er.Err{Context: "Auth", Message: er.ErrInvalidPassword}
	}

	return nil
}

// EnsureSchema creates the users table if it does not already exist.
func EnsureSchema(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS users (
		username TEXT PRIMARY KEY,
		secret   TEXT NOT NULL
	)`)
	return err
}

// AddUser hashes password with bcrypt's default cost and upserts the user.
func AddUser(db *sql.DB, username, password string) error {
	hash, err := h.HashPasswd(password, 0)
	if err != nil {
		return err
	}
	_, err = db.Exec(
		"INSERT INTO users (username, secret) VALUES (?, ?) ON CONFLICT(username) DO UPDATE SET secret = excluded.secret",
		username, hash,
	)
	return err
}
