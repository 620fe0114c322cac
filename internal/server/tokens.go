package server

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"sync"
)

// FileTokenStore is a JSON-file-backed TokenStore.
// Tokens are stored as hashed values; the raw token is only returned on creation.
type FileTokenStore struct {
	path   string
	mu     sync.RWMutex
	tokens map[string]*TokenInfo // keyed by token hash
	logger *slog.Logger
}

// NewFileTokenStore creates an empty store persisted at path.
func NewFileTokenStore(path string, logger *slog.Logger) *FileTokenStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileTokenStore{
		path:   path,
		tokens: make(map[string]*TokenInfo),
		logger: logger,
	}
}

// Load replaces the in-memory tokens with the file contents. A missing file
// leaves the store empty.
func (s *FileTokenStore) Load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	var tokens []*TokenInfo
	if err := json.Unmarshal(data, &tokens); err != nil {
		return fmt.Errorf("parse token store: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.tokens = make(map[string]*TokenInfo)
	for _, t := range tokens {
		s.tokens[t.TokenHash] = t
	}

	s.logger.Info("loaded tokens", "count", len(tokens))
	return nil
}

// GetByHash returns the token with the given hash, or nil.
func (s *FileTokenStore) GetByHash(hash string) (*TokenInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens[hash], nil
}

// Save writes every token to the file.
func (s *FileTokenStore) Save() error {
	tokens, _ := s.ListTokens()

	data, err := json.MarshalIndent(tokens, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal tokens: %w", err)
	}
	return os.WriteFile(s.path, data, 0600)
}

// CreateToken issues a new token and persists it.
func (s *FileTokenStore) CreateToken(desc string, indexes []string, permission string) (string, *TokenInfo, error) {
	rawToken := "dg_" + generateID()
	info := &TokenInfo{
		ID:         generateID()[:16],
		TokenHash:  HashToken(rawToken),
		Desc:       desc,
		Indexes:    indexes,
		Permission: permission,
	}

	s.mu.Lock()
	s.tokens[info.TokenHash] = info
	s.mu.Unlock()

	if err := s.Save(); err != nil {
		s.mu.Lock()
		delete(s.tokens, info.TokenHash)
		s.mu.Unlock()
		return "", nil, fmt.Errorf("persist token: %w", err)
	}

	return rawToken, info, nil
}

// ListTokens returns every token ordered by id.
func (s *FileTokenStore) ListTokens() ([]*TokenInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tokens := make([]*TokenInfo, 0, len(s.tokens))
	for _, t := range s.tokens {
		tokens = append(tokens, t)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i].ID < tokens[j].ID })
	return tokens, nil
}

// DeleteToken removes a token by id and persists the change.
func (s *FileTokenStore) DeleteToken(id string) error {
	s.mu.Lock()
	found := false
	for hash, t := range s.tokens {
		if t.ID == id {
			delete(s.tokens, hash)
			found = true
			break
		}
	}
	s.mu.Unlock()

	if !found {
		return fmt.Errorf("token '%s' not found", id)
	}

	return s.Save()
}

func generateID() string {
	b := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}

var _ TokenStore = (*FileTokenStore)(nil)
