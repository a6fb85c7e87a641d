// Package model holds the data types shared between the broker core, the
// persistence gateway, and the agent client. The durable store is the source
// of truth for everything here except ClientStatus, which is always derived
// from the live connection.
package model

import (
	"net"
	"strconv"
	"time"
)

// TransportMode selects how the broker reaches the agent process.
type TransportMode string

const (
	TransportTCP   TransportMode = "tcp"
	TransportStdio TransportMode = "stdio"
)

// ClientConfig holds the connection parameters for the agent process.
// There is exactly one per broker process, persisted through the gateway.
// It may only be mutated while the client is disconnected.
type ClientConfig struct {
	Address     string            `json:"address" mapstructure:"address"`
	Port        int               `json:"port" mapstructure:"port"`
	Transport   TransportMode     `json:"transport" mapstructure:"transport"`
	LogLevel    string            `json:"log_level,omitempty" mapstructure:"log_level"`
	AutoStart   bool              `json:"auto_start" mapstructure:"auto_start"`
	AutoRestart bool              `json:"auto_restart" mapstructure:"auto_restart"`
	WorkingDir  string            `json:"working_dir,omitempty" mapstructure:"working_dir"`
	Env         map[string]string `json:"env,omitempty" mapstructure:"env"`
}

// Clone returns a deep copy so async persistence never races config mutation.
func (c *ClientConfig) Clone() *ClientConfig {
	if c == nil {
		return nil
	}
	clone := *c
	if c.Env != nil {
		clone.Env = make(map[string]string, len(c.Env))
		for k, v := range c.Env {
			clone.Env[k] = v
		}
	}
	return &clone
}

// Endpoint renders the dialable address for TCP transport.
func (c *ClientConfig) Endpoint() string {
	if c == nil {
		return ""
	}
	if c.Port > 0 {
		return joinHostPort(c.Address, c.Port)
	}
	return c.Address
}

// ConnectionState models the lifecycle of the single agent connection.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
)

// ClientStatus is a read-only projection of the live connection. It is
// computed on demand and never persisted.
type ClientStatus struct {
	State       ConnectionState `json:"state"`
	IsConnected bool            `json:"is_connected"`
	ConnectedAt *time.Time      `json:"connected_at,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
}

// SystemMessageMode controls how the session's system message is applied.
type SystemMessageMode string

const (
	SystemMessageDefault SystemMessageMode = "default"
	SystemMessageAppend  SystemMessageMode = "append"
	SystemMessageReplace SystemMessageMode = "replace"
)

// ToolDefinition describes a custom tool exposed to the agent for a session.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// SessionConfig is the immutable per-session configuration snapshot. Changing
// any of it requires creating a new session.
type SessionConfig struct {
	Model             string            `json:"model,omitempty"`
	Streaming         bool              `json:"streaming"`
	SystemMessageMode SystemMessageMode `json:"system_message_mode,omitempty"`
	SystemMessage     string            `json:"system_message,omitempty"`
	AllowedTools      []string          `json:"allowed_tools,omitempty"`
	DisallowedTools   []string          `json:"disallowed_tools,omitempty"`
	Provider          string            `json:"provider,omitempty"`
	CustomTools       []ToolDefinition  `json:"custom_tools,omitempty"`
}

// SessionMetadata is the durable record for a session. The runtime handle is
// only a presence marker; this struct is what survives restarts.
type SessionMetadata struct {
	SessionID      string        `json:"session_id"`
	CreatedAt      time.Time     `json:"created_at"`
	LastActivityAt time.Time     `json:"last_activity_at"`
	MessageCount   int           `json:"message_count"`
	Summary        string        `json:"summary,omitempty"`
	IsRemote       bool          `json:"is_remote"`
	Config         SessionConfig `json:"config"`
}

// Attachment references content carried alongside a message.
type Attachment struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type,omitempty"`
	URI      string `json:"uri,omitempty"`
	Data     string `json:"data,omitempty"`
}

// PersistedMessage is one transcript entry. Messages are append-only per
// session; they are never mutated, only appended or bulk-deleted with the
// parent session.
type PersistedMessage struct {
	ID          string       `json:"id"`
	Role        string       `json:"role"`
	Content     string       `json:"content"`
	Timestamp   time.Time    `json:"timestamp"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// SessionRecord bundles metadata with the message log. It is the unit the
// legacy file store serialized and the unit migration copies.
type SessionRecord struct {
	Metadata SessionMetadata    `json:"metadata"`
	Messages []PersistedMessage `json:"messages"`
}

func joinHostPort(host string, port int) string {
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}
