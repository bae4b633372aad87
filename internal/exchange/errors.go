package exchange

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrVersionMismatch помечает кадры, форма которых не соответствует известному протоколу.
	ErrVersionMismatch  = errors.New("protocol version mismatch")
	ErrUnknownReply     = fmt.Errorf("%w: unknown reply", ErrVersionMismatch)
	ErrUnknownAction    = fmt.Errorf("%w: unknown table action", ErrVersionMismatch)
	ErrUnknownFrameType = fmt.Errorf("%w: unknown frame type", ErrVersionMismatch)
	ErrMalformedFrame   = fmt.Errorf("%w: malformed frame", ErrVersionMismatch)
	ErrUnknownStream    = errors.New("unknown stream")

	ErrTransport       = errors.New("transport error")
	ErrHandshake       = fmt.Errorf("%w: unexpected handshake response", ErrTransport)
	ErrStaleConnection = fmt.Errorf("%w: no traffic after ping", ErrTransport)

	ErrNoCredentials = errors.New("key/secret pair is required")
	ErrStreamClosed  = errors.New("stream is closed")
	ErrConnClosed    = errors.New("connection is closed")
	ErrStandalone    = errors.New("standalone connection has a single stream")
)

// ProtocolError is an error reported by the exchange in a reply frame.
type ProtocolError struct {
	Status  int
	Message string
	Request string
}

func (e *ProtocolError) Error() string {
	if e.Request != "" {
		return fmt.Sprintf("bitmex: %s (status=%d, op=%s)", e.Message, e.Status, e.Request)
	}
	return fmt.Sprintf("bitmex: %s (status=%d)", e.Message, e.Status)
}

// AlreadyAuthenticated сообщает о безвредном повторе, который биржа шлёт сразу после успешной авторизации.
func (e *ProtocolError) AlreadyAuthenticated() bool {
	msg := strings.ToLower(e.Message)
	return e.Status == 400 && strings.Contains(msg, "already") && strings.Contains(msg, "authenticated")
}

func (e *ProtocolError) RateLimited() bool {
	return e.Status == 429
}
