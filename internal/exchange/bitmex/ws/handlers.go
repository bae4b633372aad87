package ws

import (
	"bitmexmd/internal/exchange"
	"fmt"
	"slices"

	"github.com/goccy/go-json"
)

// reply is a decoded exchange message for a single stream.
type reply map[string]json.RawMessage

func (r reply) has(keys ...string) bool {
	for _, k := range keys {
		if _, ok := r[k]; !ok {
			return false
		}
	}
	return true
}

func (r reply) str(key string) string {
	var s string
	if raw, ok := r[key]; ok {
		_ = json.Unmarshal(raw, &s)
	}
	return s
}

func (r reply) success() bool {
	var ok bool
	if raw, found := r["success"]; found {
		_ = json.Unmarshal(raw, &ok)
	}
	return ok
}

func (r reply) requestOp() string {
	var req struct {
		Op string `json:"op"`
	}
	if raw, ok := r["request"]; ok {
		_ = json.Unmarshal(raw, &req)
	}
	return req.Op
}

func (r reply) isWelcome() bool {
	return r.has("info", "version", "timestamp", "docs")
}

// handleReply interprets one payload addressed to the stream.
func (s *Stream) handleReply(payload json.RawMessage) {
	var r reply
	if err := json.Unmarshal(payload, &r); err != nil || r == nil {
		s.publishError("version", fmt.Errorf("%w: %s", exchange.ErrMalformedFrame, clip(payload)))
		return
	}

	switch {
	case r.isWelcome():
		s.handleWelcome()
	case r.success() && r.has("subscribe"):
		s.handleSubscribed(r.str("subscribe"))
	case r.success() && r.has("unsubscribe"):
		s.handleUnsubscribed(r.str("unsubscribe"))
	case r.success() && r.requestOp() == OpAuthKeyExpires:
		s.handleAuthenticated()
	case r.has("status", "error"):
		s.handleError(r)
	case r.has("table", "action"):
		s.handleTable(r)
	default:
		s.publishError("version", fmt.Errorf("%w: %s", exchange.ErrUnknownReply, clip(payload)))
	}
}

func (s *Stream) handleWelcome() {
	if s.state == StateConnected || s.state == StateAuthenticated {
		s.logEntry().Debug("Повторное приветствие проигнорировано.")
		return
	}

	s.state = StateConnected
	s.ready = false
	s.wanted = nil
	s.subscribed = nil

	s.logEntry().Info("Поток подключён.")
	s.publish(exchange.Event{Type: exchange.EventConnect})

	if cred, ok := s.conn.creds.Get(s.id); ok {
		s.authenticate(cred)
	}

	if len(s.needed) > 0 {
		s.subscribe(s.needed...)
	}
}

func (s *Stream) handleAuthenticated() {
	if s.state != StateConnected {
		s.logEntry().WithField("state", s.state).Debug("Подтверждение авторизации проигнорировано.")
		return
	}

	s.state = StateAuthenticated
	s.logEntry().Info("Поток авторизован.")
	s.publish(exchange.Event{Type: exchange.EventAuth})
}

func (s *Stream) handleSubscribed(name string) {
	s.wanted = removeTable(s.wanted, name)

	// Подтверждение могло прийти после отписки.
	if !slices.Contains(s.needed, name) {
		s.logEntry().WithField("table", name).Debug("Подтверждение подписки на ненужную таблицу.")
		return
	}

	if !slices.Contains(s.subscribed, name) {
		s.subscribed = append(s.subscribed, name)
	}

	table, symbol := splitTable(name)
	s.publish(exchange.Event{Type: exchange.EventSubscribe, Table: table, Symbol: symbol})

	if len(s.wanted) == 0 && !s.ready {
		s.ready = true
		s.logEntry().Info("Все подписки подтверждены.")
		s.publish(exchange.Event{Type: exchange.EventReady})
	}
}

func (s *Stream) handleUnsubscribed(name string) {
	s.forget(name)

	table, symbol := splitTable(name)
	s.publish(exchange.Event{Type: exchange.EventUnsubscribe, Table: table, Symbol: symbol})
}

func (s *Stream) handleError(r reply) {
	var status int
	_ = json.Unmarshal(r["status"], &status)

	perr := &exchange.ProtocolError{
		Status:  status,
		Message: r.str("error"),
		Request: r.requestOp(),
	}

	if perr.AlreadyAuthenticated() {
		s.logEntry().Debug("Повторная авторизация проигнорирована.")
		return
	}

	s.publishError("protocol", perr)
}

func (s *Stream) handleTable(r reply) {
	action := exchange.EventType(r.str("action"))
	table := r.str("table")

	if !action.IsData() {
		s.publishError("version", fmt.Errorf("%w: %q (table=%s)", exchange.ErrUnknownAction, action, table))
		return
	}

	data := r["data"]
	delete(r, "data")
	envelope := map[string]json.RawMessage(r)

	if m := s.conn.deps.Mirror; m != nil {
		exchange.Forward(m, action, s.id, table, data, envelope)
	}

	s.publish(exchange.Event{
		Type:     action,
		Table:    table,
		Data:     data,
		Envelope: envelope,
	})
}

func clip(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
