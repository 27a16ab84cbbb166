package transport

import (
	"time"

	"github.com/roach88/syncgate/internal/replication"
)

// MessageType tags a protocol message.
type MessageType string

const (
	MsgHello  MessageType = "hello"
	MsgFetch  MessageType = "fetch"
	MsgDocs   MessageType = "docs"
	MsgError  MessageType = "error"
	MsgNotice MessageType = "notice"
)

// Message is one websocket frame.
type Message struct {
	Type   MessageType               `json:"type"`
	ID     uint64                    `json:"id,omitempty"`
	Site   string                    `json:"site,omitempty"`
	Fetch  *replication.FetchRequest `json:"fetch,omitempty"`
	Batch  *replication.Batch        `json:"batch,omitempty"`
	Notice *replication.Notice       `json:"notice,omitempty"`
	Error  string                    `json:"error,omitempty"`
}

// Settings holds connection timeouts shared by client and server.
type Settings struct {
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	ReadTimeout       time.Duration
	PingInterval      time.Duration
	ReconnectInterval time.Duration
	SendBuffer        int
}

// DefaultSettings returns the settings used when none are given.
func DefaultSettings() Settings {
	return Settings{
		HandshakeTimeout:  5 * time.Second,
		WriteTimeout:      5 * time.Second,
		ReadTimeout:       30 * time.Second,
		PingInterval:      10 * time.Second,
		ReconnectInterval: 2 * time.Second,
		SendBuffer:        32,
	}
}
