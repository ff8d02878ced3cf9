// Package session persists the signed-in user's backend session: the access
// token sent as the bearer credential and the user it belongs to.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/oauth2"
)

const (
	filePerms = 0o600
	dirPerms  = 0o700
)

// ErrExpired is returned by the token source of an expired session.
var ErrExpired = errors.New("session: access token expired, set a new one with 'autolog session set'")

// File is the on-disk session format.
type File struct {
	Token  *oauth2.Token `json:"token"`
	UserID string        `json:"userId,omitempty"`
}

// New builds a session for accessToken. A zero ttl never expires.
func New(accessToken, userID string, ttl time.Duration, now time.Time) *File {
	tok := &oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}
	if ttl > 0 {
		tok.Expiry = now.Add(ttl)
	}

	return &File{Token: tok, UserID: userID}
}

// Load reads the session at path. It returns (nil, nil) when none is saved.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil //nolint:nilnil // no session saved
	}

	if err != nil {
		return nil, fmt.Errorf("session: reading %s: %w", path, err)
	}

	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("session: decoding %s: %w", path, err)
	}

	if f.Token == nil || f.Token.AccessToken == "" {
		return nil, fmt.Errorf("session: %s has no access token", path)
	}

	return &f, nil
}

// Save writes f to path atomically with owner-only permissions. Token values
// are never logged.
func Save(path string, f *File) error {
	if f == nil || f.Token == nil {
		return errors.New("session: nothing to save")
	}

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("session: encoding: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dirPerms); err != nil {
		return fmt.Errorf("session: creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".session-*.tmp")
	if err != nil {
		return fmt.Errorf("session: creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := os.Chmod(tmpPath, filePerms); err != nil {
		tmp.Close()
		return fmt.Errorf("session: setting permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("session: writing: %w", err)
	}

	// A crash between close and rename must not leave a partial file behind.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("session: syncing: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("session: closing: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("session: renaming: %w", err)
	}

	success = true

	return nil
}

// Remove deletes the saved session. A missing file is not an error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("session: removing %s: %w", path, err)
	}

	return nil
}

// Expired reports whether the token has an expiry in the past.
func (f *File) Expired(now time.Time) bool {
	return !f.Token.Expiry.IsZero() && !now.Before(f.Token.Expiry)
}

// TokenSource returns a source that yields the session token until it
// expires and ErrExpired after.
func (f *File) TokenSource() oauth2.TokenSource {
	return &fileSource{file: f, now: time.Now}
}

type fileSource struct {
	file *File
	now  func() time.Time
}

func (s *fileSource) Token() (*oauth2.Token, error) {
	if s.file.Expired(s.now()) {
		return nil, ErrExpired
	}

	return s.file.Token, nil
}
