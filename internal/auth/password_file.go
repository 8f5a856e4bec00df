// Package auth loads the broker credential file and verifies passwords
// against its hashes.
package auth

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/life-stream-dev/robovac-mqtt-broker/internal/logger"
	"golang.org/x/crypto/bcrypt"
)

// Verifier checks a plaintext password against a stored hash.
type Verifier interface {
	Verify(password, hash string) bool
}

type BcryptVerifier struct{}

func (BcryptVerifier) Verify(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// HashPassword produces an entry suitable for the credential file.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("error occured while hashing password: %w", err)
	}
	return string(hash), nil
}

// CredentialStore is a username -> password hash map loaded from disk.
type CredentialStore struct {
	mu       sync.RWMutex
	users    map[string]string
	verifier Verifier
}

func NewCredentialStore(verifier Verifier) *CredentialStore {
	if verifier == nil {
		verifier = BcryptVerifier{}
	}
	return &CredentialStore{users: map[string]string{}, verifier: verifier}
}

// LoadCredentialFile reads path into a new store. A missing or unreadable
// file is logged and yields an empty store.
func LoadCredentialFile(path string, verifier Verifier) *CredentialStore {
	store := NewCredentialStore(verifier)
	if path == "" {
		return store
	}
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.WarnF("Password file %s does not exist, file authentication disabled", path)
		} else {
			logger.WarnF("Fail to open password file %s, details: %v", path, err)
		}
		return store
	}
	defer func() { _ = file.Close() }()

	if err := store.Read(file); err != nil {
		logger.WarnF("Fail to read password file %s, details: %v", path, err)
	}
	logger.DebugF("%d user(s) read from password file %s", store.Len(), path)
	return store
}

// Read parses "username:hash" lines. Blank lines and lines starting with
// '#' are skipped; a later entry for the same username replaces the earlier.
func (cs *CredentialStore) Read(r io.Reader) error {
	users := map[string]string{}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		username, hash, ok := strings.Cut(line, ":")
		if !ok || username == "" {
			logger.WarnF("Skipping malformed password file line")
			continue
		}
		users[username] = hash
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	for username, hash := range users {
		cs.users[username] = hash
	}
	return nil
}

func (cs *CredentialStore) Lookup(username string) (string, bool) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	hash, ok := cs.users[username]
	return hash, ok
}

func (cs *CredentialStore) Len() int {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return len(cs.users)
}

// Authenticate reports whether username exists and password matches its
// hash. The second result is false when the username is unknown.
func (cs *CredentialStore) Authenticate(username, password string) (ok bool, known bool) {
	hash, known := cs.Lookup(username)
	if !known || hash == "" {
		return false, known
	}
	return cs.verifier.Verify(password, hash), true
}
