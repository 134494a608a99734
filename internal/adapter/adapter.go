// Package adapter implements the protocol drivers that perform session
// operations against one runtime family of backend instances.
package adapter

import (
	"context"
	"time"

	"github.com/KafClaw/fleetgate/internal/instance"
)

// Client is a live connection handle to exactly one instance.
type Client interface {
	// InstanceID returns the id of the instance this client talks to.
	InstanceID() string
	// Close releases the connection. Safe to call more than once.
	Close() error
}

// Adapter translates generic session operations into the wire calls of one
// runtime family. Implementations hold no per-instance state and are shared
// across every instance of their runtime.
type Adapter interface {
	// Runtime returns the canonical runtime this adapter serves.
	Runtime() instance.Runtime
	// Connect builds a client for the instance. It performs any handshake the
	// runtime needs and must honour ctx for its full duration.
	Connect(ctx context.Context, inst instance.Instance) (Client, error)
	// CreateSession opens a remote session and returns its remote id.
	CreateSession(ctx context.Context, c Client, params SessionParams) (string, error)
	// SendMessage delivers one user message and returns the agent's reply.
	SendMessage(ctx context.Context, c Client, remoteSessionID string, msg Message) (*Reply, error)
	// DeleteSession removes a remote session. An unknown session is reported
	// as a *ProtocolError with CodeSessionNotFound.
	DeleteSession(ctx context.Context, c Client, remoteSessionID string) error
	// ListFiles lists files the remote session can see in the given zone.
	ListFiles(ctx context.Context, c Client, remoteSessionID, zone string) ([]FileEntry, error)
}

// Streamer is implemented by adapters whose runtime can stream partial replies.
// Callers should use type assertion: if s, ok := a.(Streamer); ok { ... }
type Streamer interface {
	StreamMessage(ctx context.Context, c Client, remoteSessionID string, msg Message, onChunk func(string)) (*Reply, error)
}

// Pinger is implemented by adapters that support a cheap liveness check.
type Pinger interface {
	Ping(ctx context.Context, c Client) error
}

// SessionParams are the inputs for CreateSession.
type SessionParams struct {
	UserID   string            `json:"user_id"`
	Title    string            `json:"title,omitempty"`
	Agent    string            `json:"agent,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Attachment is a file sent alongside a message.
type Attachment struct {
	Name     string `json:"name"`
	MIMEType string `json:"mime_type,omitempty"`
	URL      string `json:"url,omitempty"`
	Data     []byte `json:"data,omitempty"`
}

// Message is one user turn.
type Message struct {
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Usage is token accounting reported by the runtime, when it reports any.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Reply is the agent's answer to a message.
type Reply struct {
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        Usage  `json:"usage"`
	Streamed     bool   `json:"streamed,omitempty"`
}

// FileEntry describes one file visible to a remote session.
type FileEntry struct {
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	IsDir      bool      `json:"is_dir,omitempty"`
	ModifiedAt time.Time `json:"modified_at"`
}
