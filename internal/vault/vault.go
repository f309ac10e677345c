// Package vault is durable storage for captured credentials. Values are
// opaque bytes; Sealed keeps each one age-encrypted on disk.
package vault

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"filippo.io/age"
)

var ErrNotFound = errors.New("vault: key not found")

type Vault interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	// List returns the stored keys starting with prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}

const identityFile = "identity.txt"

// Sealed stores one age file per key under dir, encrypted to an x25519
// identity kept alongside them.
type Sealed struct {
	dir      string
	identity *age.X25519Identity
	mu       sync.Mutex
}

// OpenSealed opens dir, creating it and a fresh identity on first use.
func OpenSealed(dir string) (*Sealed, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("vault dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0700); err != nil {
		return nil, fmt.Errorf("create vault dir: %w", err)
	}
	id, err := loadIdentity(filepath.Join(abs, identityFile))
	if err != nil {
		return nil, err
	}
	return &Sealed{dir: abs, identity: id}, nil
}

func loadIdentity(path string) (*age.X25519Identity, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		id, err := age.ParseX25519Identity(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("parse vault identity: %w", err)
		}
		return id, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read vault identity: %w", err)
	}

	id, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generate vault identity: %w", err)
	}
	if err := os.WriteFile(path, []byte(id.String()+"\n"), 0600); err != nil {
		return nil, fmt.Errorf("write vault identity: %w", err)
	}
	return id, nil
}

func (s *Sealed) Put(_ context.Context, key string, value []byte) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, s.identity.Recipient())
	if err != nil {
		return fmt.Errorf("vault encrypt: %w", err)
	}
	if _, err := w.Write(value); err != nil {
		return fmt.Errorf("vault encrypt: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("vault encrypt: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tmp, err := os.CreateTemp(s.dir, ".put-*")
	if err != nil {
		return fmt.Errorf("vault write: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("vault write: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("vault write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("vault write: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("vault write: %w", err)
	}
	return nil
}

func (s *Sealed) Get(_ context.Context, key string) ([]byte, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	data, err := os.ReadFile(path)
	s.mu.Unlock()
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("vault read: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(data), s.identity)
	if err != nil {
		return nil, fmt.Errorf("vault decrypt: %w", err)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("vault decrypt: %w", err)
	}
	return out, nil
}

func (s *Sealed) Delete(_ context.Context, key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("vault delete: %w", err)
	}
	return nil
}

func (s *Sealed) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	entries, err := os.ReadDir(s.dir)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("vault list: %w", err)
	}
	var keys []string
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), ".age")
		if !ok || e.IsDir() {
			continue
		}
		raw, err := base64.RawURLEncoding.DecodeString(name)
		if err != nil {
			continue
		}
		if key := string(raw); strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// path maps a key to its file. Keys are base64url encoded so any key
// becomes one flat filename; the result is still checked to stay in dir.
func (s *Sealed) path(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("vault: empty key")
	}
	name := base64.RawURLEncoding.EncodeToString([]byte(key)) + ".age"
	return safePath(s.dir, name)
}

// safePath joins name onto base and rejects results outside base.
func safePath(base, name string) (string, error) {
	resolved := filepath.Clean(filepath.Join(base, name))
	if !strings.HasPrefix(resolved, base+string(filepath.Separator)) {
		return "", fmt.Errorf("vault: path %q escapes %q", name, base)
	}
	return resolved, nil
}
