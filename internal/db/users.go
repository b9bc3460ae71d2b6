package db

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// Users stores admin accounts.
type Users struct {
	db *sqlx.DB
}

func NewUsers(db *sqlx.DB) *Users {
	return &Users{db: db}
}

// Authenticate reports whether email and password match a stored admin.
func (u *Users) Authenticate(ctx context.Context, email, password string) (bool, error) {
	var passwordHash string
	err := u.db.GetContext(ctx, &passwordHash, `SELECT password_hash FROM users WHERE email = ?`, email)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query user credentials: %w", err)
	}
	return CheckPassword(passwordHash, password), nil
}

// HashPassword returns a salted SHA-256 hash in the form sha256$<salt>$<hex>.
func HashPassword(password string) (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate password salt: %w", err)
	}
	s := hex.EncodeToString(salt)
	return "sha256$" + s + "$" + digest(s, password), nil
}

// CheckPassword compares password with a stored hash. Unsalted hex digests
// written by earlier versions are still accepted.
func CheckPassword(stored, password string) bool {
	if rest, ok := strings.CutPrefix(stored, "sha256$"); ok {
		salt, sum, ok := strings.Cut(rest, "$")
		if !ok {
			return false
		}
		return subtle.ConstantTimeCompare([]byte(sum), []byte(digest(salt, password))) == 1
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(digest("", password))) == 1
}

func digest(salt, password string) string {
	sum := sha256.Sum256([]byte(salt + password))
	return hex.EncodeToString(sum[:])
}
