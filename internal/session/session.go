// Package session persists the application-owned chat session records that
// map a local session to a remote session on one instance.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no record exists for a session id.
var ErrNotFound = errors.New("chat session not found")

// Message represents one turn in a session transcript.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// ChatSession is the local record of a conversation held on a remote instance.
type ChatSession struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	InstanceID string    `json:"instance_id"`
	RemoteID   string    `json:"remote_id"`
	Title      string    `json:"title,omitempty"`
	Messages   []Message `json:"messages,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	mu         sync.RWMutex
}

// NewChatSession creates a record with a fresh local id.
func NewChatSession(userID, instanceID, remoteID, title string) *ChatSession {
	now := time.Now()
	return &ChatSession{
		ID:         uuid.NewString(),
		UserID:     userID,
		InstanceID: instanceID,
		RemoteID:   remoteID,
		Title:      title,
		Messages:   []Message{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// AddMessage appends a turn to the transcript.
func (s *ChatSession) AddMessage(role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Messages = append(s.Messages, Message{
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	})
	s.UpdatedAt = time.Now()
}

// GetHistory returns the most recent messages.
func (s *ChatSession) GetHistory(maxMessages int) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if maxMessages <= 0 || len(s.Messages) <= maxMessages {
		result := make([]Message, len(s.Messages))
		copy(result, s.Messages)
		return result
	}
	result := make([]Message, maxMessages)
	copy(result, s.Messages[len(s.Messages)-maxMessages:])
	return result
}

// Info returns the record header without the transcript.
func (s *ChatSession) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Info{
		ID:         s.ID,
		UserID:     s.UserID,
		InstanceID: s.InstanceID,
		RemoteID:   s.RemoteID,
		Title:      s.Title,
		Messages:   len(s.Messages),
		CreatedAt:  s.CreatedAt,
		UpdatedAt:  s.UpdatedAt,
	}
}

// Info summarizes a session for listings.
type Info struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	InstanceID string    `json:"instance_id"`
	RemoteID   string    `json:"remote_id"`
	Title      string    `json:"title,omitempty"`
	Messages   int       `json:"messages"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// header is the first JSONL line of a session file.
type header struct {
	Type       string    `json:"_type"`
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	InstanceID string    `json:"instance_id"`
	RemoteID   string    `json:"remote_id"`
	Title      string    `json:"title,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Manager stores one JSONL file per session: a header line, then one line per
// message.
type Manager struct {
	sessionsDir string
	cache       map[string]*ChatSession
	mu          sync.RWMutex
}

// NewManager creates a manager rooted at dir.
func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	return &Manager{
		sessionsDir: dir,
		cache:       make(map[string]*ChatSession),
	}, nil
}

// Get returns a session from cache or disk.
func (m *Manager) Get(id string) (*ChatSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.cache[id]; ok {
		return s, nil
	}
	s, err := m.load(id)
	if err != nil {
		return nil, err
	}
	m.cache[id] = s
	return s, nil
}

// Save persists a session to disk, replacing any previous file.
func (m *Manager) Save(s *ChatSession) error {
	if s.ID == "" {
		return fmt.Errorf("session id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.write(s)
}

// Update persists a session only while its record still exists. A session
// deleted since it was read returns ErrNotFound and is not recreated.
func (m *Manager) Update(s *ChatSession) error {
	if s.ID == "" {
		return fmt.Errorf("session id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := os.Stat(m.sessionPath(s.ID)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("stat session file: %w", err)
	}
	return m.write(s)
}

// write saves s. The caller holds m.mu.
func (m *Manager) write(s *ChatSession) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	path := m.sessionPath(s.ID)
	tmp := path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create session file: %w", err)
	}

	enc := json.NewEncoder(file)
	err = enc.Encode(header{
		Type:       "metadata",
		ID:         s.ID,
		UserID:     s.UserID,
		InstanceID: s.InstanceID,
		RemoteID:   s.RemoteID,
		Title:      s.Title,
		CreatedAt:  s.CreatedAt,
		UpdatedAt:  s.UpdatedAt,
	})
	for _, msg := range s.Messages {
		if err != nil {
			break
		}
		err = enc.Encode(msg)
	}
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write session file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit session file: %w", err)
	}

	m.cache[s.ID] = s
	return nil
}

// Delete removes a session. It reports whether a record existed.
func (m *Manager) Delete(id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, cached := m.cache[id]
	delete(m.cache, id)

	if err := os.Remove(m.sessionPath(id)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cached, nil
		}
		return false, fmt.Errorf("remove session file: %w", err)
	}
	return true, nil
}

// List returns session headers, newest first. An empty userID lists all users.
func (m *Manager) List(userID string) ([]Info, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries, err := os.ReadDir(m.sessionsDir)
	if err != nil {
		return nil, fmt.Errorf("read sessions dir: %w", err)
	}

	var out []Info
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".jsonl")
		var info Info
		if s, ok := m.cache[id]; ok {
			info = s.Info()
		} else {
			s, err := m.load(id)
			if err != nil {
				continue
			}
			info = s.Info()
		}
		if userID != "" && info.UserID != userID {
			continue
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Manager) sessionPath(id string) string {
	// Strip path separators and traversal components to prevent path injection.
	safe := strings.ReplaceAll(id, "/", "_")
	safe = strings.ReplaceAll(safe, "\\", "_")
	safe = strings.ReplaceAll(safe, "..", "_")
	return filepath.Join(m.sessionsDir, filepath.Base(safe)+".jsonl")
}

func (m *Manager) load(id string) (*ChatSession, error) {
	file, err := os.Open(m.sessionPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("open session file: %w", err)
	}
	defer file.Close()

	dec := json.NewDecoder(file)
	var h header
	if err := dec.Decode(&h); err != nil || h.Type != "metadata" {
		return nil, fmt.Errorf("session %s: missing header", id)
	}
	s := &ChatSession{
		ID:         h.ID,
		UserID:     h.UserID,
		InstanceID: h.InstanceID,
		RemoteID:   h.RemoteID,
		Title:      h.Title,
		Messages:   []Message{},
		CreatedAt:  h.CreatedAt,
		UpdatedAt:  h.UpdatedAt,
	}
	for dec.More() {
		var msg Message
		if err := dec.Decode(&msg); err != nil {
			break
		}
		s.Messages = append(s.Messages, msg)
	}
	return s, nil
}
