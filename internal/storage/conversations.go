// Package storage persists council conversations as JSON files, one file
// per conversation, so sessions can be listed, replayed, and continued
// across runs.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opencouncil/council/internal/council"
	"github.com/opencouncil/council/internal/invoke"
)

// Conversation is one persisted council conversation: a title plus the
// ordered sessions run under it.
type Conversation struct {
	ID        string                   `json:"id"`
	Title     string                   `json:"title"`
	CreatedAt time.Time                `json:"created_at"`
	UpdatedAt time.Time                `json:"updated_at"`
	Sessions  []*council.SessionResult `json:"sessions"`
}

// Store reads and writes conversations under a single directory.
type Store struct {
	dir string
}

// NewStore creates a conversation store rooted at dir, creating it if
// needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create conversations directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// New creates and persists an empty conversation.
func (s *Store) New(title string) (*Conversation, error) {
	now := time.Now().UTC()
	c := &Conversation{
		ID:        uuid.NewString(),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.save(c); err != nil {
		return nil, err
	}
	return c, nil
}

// List returns all conversations, newest first.
func (s *Store) List() ([]*Conversation, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read conversations directory: %w", err)
	}

	var conversations []*Conversation
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		c, err := s.load(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			// A corrupt file hides one conversation, not the whole list.
			continue
		}
		conversations = append(conversations, c)
	}

	sort.Slice(conversations, func(i, j int) bool {
		return conversations[i].UpdatedAt.After(conversations[j].UpdatedAt)
	})
	return conversations, nil
}

// Get returns the conversation with the given id.
func (s *Store) Get(id string) (*Conversation, error) {
	return s.load(s.path(id))
}

// GetByIndex returns the conversation at the given 1-based position in the
// newest-first listing.
func (s *Store) GetByIndex(index int) (*Conversation, error) {
	conversations, err := s.List()
	if err != nil {
		return nil, err
	}
	if index < 1 || index > len(conversations) {
		return nil, fmt.Errorf("conversation %d not found (have %d)", index, len(conversations))
	}
	return conversations[index-1], nil
}

// AddSession appends a session result and persists the conversation.
func (s *Store) AddSession(c *Conversation, result *council.SessionResult) error {
	c.Sessions = append(c.Sessions, result)
	c.UpdatedAt = time.Now().UTC()
	return s.save(c)
}

// Delete removes a conversation.
func (s *Store) Delete(id string) error {
	if err := os.Remove(s.path(id)); err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	return nil
}

// History flattens a conversation into alternating user/assistant messages
// suitable for prepending to a follow-up query. Assistant turns use the
// chairman synthesis when present.
func History(c *Conversation) []invoke.Message {
	var messages []invoke.Message
	for _, session := range c.Sessions {
		messages = append(messages, invoke.Message{
			Role:    invoke.RoleUser,
			Content: session.Query,
		})
		if session.Stage3 != nil {
			messages = append(messages, invoke.Message{
				Role:    invoke.RoleAssistant,
				Content: session.Stage3.Response,
			})
		}
	}
	return messages
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *Store) save(c *Conversation) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode conversation: %w", err)
	}

	// Write-then-rename keeps a crash from leaving a half-written file.
	tmp := s.path(c.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write conversation: %w", err)
	}
	if err := os.Rename(tmp, s.path(c.ID)); err != nil {
		return fmt.Errorf("failed to write conversation: %w", err)
	}
	return nil
}

func (s *Store) load(path string) (*Conversation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read conversation: %w", err)
	}
	var c Conversation
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to decode conversation: %w", err)
	}
	return &c, nil
}
