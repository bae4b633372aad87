package ws

import (
	"bitmexmd/internal/exchange"
	"bitmexmd/internal/metrics"
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// FrameType is the first element of a multiplexed frame.
type FrameType int

const (
	FrameData       FrameType = 0
	FrameConnect    FrameType = 1
	FrameDisconnect FrameType = 2
)

const (
	OpAuthKeyExpires = "authKeyExpires"
	OpSubscribe      = "subscribe"
	OpUnsubscribe    = "unsubscribe"

	pingFrame = "ping"
	pongFrame = "pong"
)

type Action struct {
	Op   string `json:"op"`
	Args []any  `json:"args"`
}

// Command is one outbound protocol instruction addressed to a stream.
type Command struct {
	Type   FrameType
	Stream string
	Action *Action
}

func (c Command) op() string {
	switch {
	case c.Action != nil:
		return c.Action.Op
	case c.Type == FrameConnect:
		return "connect"
	case c.Type == FrameDisconnect:
		return "disconnect"
	default:
		return "data"
	}
}

type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "disconnected"
	}
}

type Config struct {
	URL        string // если пусто, адрес выводится из Testnet/Standalone
	Testnet    bool
	Standalone bool
	ID         string

	Limited    bool
	QueueSize  int
	QueueDelay time.Duration

	PingDelay   time.Duration
	PongTimeout time.Duration

	Reconnect    bool
	ConnDelay    time.Duration
	ConnMaxDelay time.Duration

	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
	EventBuffer      int
}

func DefaultConfig() Config {
	return Config{
		Limited:          true,
		QueueSize:        5,
		QueueDelay:       5 * time.Second,
		PingDelay:        5 * time.Second,
		PongTimeout:      10 * time.Second,
		Reconnect:        true,
		ConnDelay:        10 * time.Second,
		WriteTimeout:     5 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		EventBuffer:      256,
	}
}

func (c Config) Endpoint() string {
	if c.URL != "" {
		return c.URL
	}

	host := "www"
	if c.Testnet {
		host = "testnet"
	}

	path := "realtimemd"
	if c.Standalone {
		path = "realtime"
	}

	return fmt.Sprintf("wss://%s.bitmex.com/%s", host, path)
}

type StreamOptions struct {
	ID          string
	AutoConnect bool
	Tables      []string
}

type Stats struct {
	Status   Status
	Connects int
	Streams  int
	Queued   int
}

// Requester is the signed REST bridge shared by all streams.
type Requester interface {
	Do(ctx context.Context, key, secret, verb, path string, body any) (json.RawMessage, error)
}

// Deps are the collaborators a connection calls into. All fields are optional.
type Deps struct {
	Credentials *Credentials
	Mirror      exchange.Mirror
	Metrics     *metrics.Metrics
	REST        Requester
}

type socket interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}
