package credstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

type entry struct {
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// FileStore keeps credentials in a single AES-GCM encrypted file. Writes go
// through a temp file + rename so a crash never leaves a torn blob.
type FileStore struct {
	mu      sync.Mutex
	path    string
	key     []byte // 32 bytes
	entries map[string]entry
	now     func() time.Time
}

// NewFileStore opens (or creates) the credential file at path. key must be
// 32 bytes.
func NewFileStore(path string, key []byte) (*FileStore, error) {
	if len(key) != 32 {
		return nil, errors.New("credential key must be 32 bytes")
	}
	fs := &FileStore{
		path:    path,
		key:     key,
		entries: make(map[string]entry),
		now:     time.Now,
	}
	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (fs *FileStore) Set(name, value string, ttl time.Duration) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	e := entry{Value: value}
	if ttl > 0 {
		e.ExpiresAt = fs.now().Add(ttl)
	}
	fs.entries[name] = e
	return fs.save()
}

func (fs *FileStore) Get(name string) (string, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	e, ok := fs.entries[name]
	if !ok {
		return "", false
	}
	if !e.ExpiresAt.IsZero() && fs.now().After(e.ExpiresAt) {
		delete(fs.entries, name)
		_ = fs.save()
		return "", false
	}
	return e.Value, true
}

func (fs *FileStore) Clear() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	for _, name := range authKeys {
		delete(fs.entries, name)
	}
	return fs.save()
}

func (fs *FileStore) load() error {
	blob, err := os.ReadFile(fs.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read credential file: %w", err)
	}
	plain, err := decrypt(fs.key, blob)
	if err != nil {
		// Unreadable blob means the key changed or the file is corrupt.
		// Treat as logged out rather than failing startup.
		fs.entries = make(map[string]entry)
		return nil
	}
	return json.Unmarshal(plain, &fs.entries)
}

func (fs *FileStore) save() error {
	plain, err := json.Marshal(fs.entries)
	if err != nil {
		return err
	}
	blob, err := encrypt(fs.key, plain)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(fs.path), 0o700); err != nil {
		return err
	}
	tmp := fs.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, fs.path)
}

func encrypt(key, plain []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plain, nil), nil
}

func decrypt(key, blob []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(blob) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, ciphertext := blob[:gcm.NonceSize()], blob[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}
