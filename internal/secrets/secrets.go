package secrets

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"github.com/joho/godotenv"
)

var ErrSecretNotFound = errors.New("secret not found")

// Store distributes secrets to services the credential layer does not control
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string) error
}

// EnvFileStore keeps secrets in a dotenv file that overlays the process environment
// Services read the file on start, so a written value is picked up on their next restart
type EnvFileStore struct {
	path string
	mu   sync.Mutex
}

func NewEnvFileStore(path string) *EnvFileStore {
	return &EnvFileStore{path: path}
}

func (s *EnvFileStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	values, err := s.read()
	if err != nil {
		return "", err
	}
	if v, ok := values[key]; ok && v != "" {
		return v, nil
	}
	if v := os.Getenv(key); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("%s: %w", key, ErrSecretNotFound)
}

func (s *EnvFileStore) Set(_ context.Context, key string, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	values, err := s.read()
	if err != nil {
		return err
	}
	values[key] = value

	if err := godotenv.Write(values, s.path); err != nil {
		return fmt.Errorf("secrets write %s: %w", s.path, err)
	}
	// Keep file private: it holds plaintext keys
	if err := os.Chmod(s.path, 0o600); err != nil {
		return fmt.Errorf("secrets chmod %s: %w", s.path, err)
	}
	return nil
}

func (s *EnvFileStore) read() (map[string]string, error) {
	values, err := godotenv.Read(s.path)
	switch {
	case err == nil:
		return values, nil
	case errors.Is(err, fs.ErrNotExist):
		return map[string]string{}, nil
	default:
		return nil, fmt.Errorf("secrets read %s: %w", s.path, err)
	}
}

// MemoryStore for tests and single process setups
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: map[string]string{}}
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.values[key]
	if !ok {
		return "", fmt.Errorf("%s: %w", key, ErrSecretNotFound)
	}
	return v, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.values[key] = value
	return nil
}
