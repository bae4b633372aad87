package exchange

import (
	"github.com/goccy/go-json"
)

type EventType string

const (
	EventConnect     EventType = "connect"
	EventAuth        EventType = "auth"
	EventSubscribe   EventType = "subscribe"
	EventUnsubscribe EventType = "unsubscribe"
	EventReady       EventType = "ready"
	EventDisconnect  EventType = "disconnect"
	EventError       EventType = "error"

	EventPartial EventType = "partial"
	EventInsert  EventType = "insert"
	EventUpdate  EventType = "update"
	EventDelete  EventType = "delete"
)

// IsData сообщает, несёт ли событие табличные данные.
func (t EventType) IsData() bool {
	switch t {
	case EventPartial, EventInsert, EventUpdate, EventDelete:
		return true
	}
	return false
}

// Event is one notification published by a stream. Table and Symbol are set for
// subscribe/unsubscribe (Symbol only for "table:symbol" subscriptions) and for data
// events; Data and Envelope only for data events; Err only for error events.
type Event struct {
	Type     EventType
	Stream   string
	Table    string
	Symbol   string
	Data     json.RawMessage
	Envelope map[string]json.RawMessage
	Err      error
}

// Mirror receives every table event a stream publishes.
type Mirror interface {
	Partial(stream, table string, data json.RawMessage, envelope map[string]json.RawMessage)
	Insert(stream, table string, data json.RawMessage, envelope map[string]json.RawMessage)
	Update(stream, table string, data json.RawMessage, envelope map[string]json.RawMessage)
	Delete(stream, table string, data json.RawMessage, envelope map[string]json.RawMessage)
	Flush(stream string)
}

// Forward передаёт табличное событие в зеркало по имени действия.
func Forward(m Mirror, action EventType, stream, table string, data json.RawMessage, envelope map[string]json.RawMessage) {
	switch action {
	case EventPartial:
		m.Partial(stream, table, data, envelope)
	case EventInsert:
		m.Insert(stream, table, data, envelope)
	case EventUpdate:
		m.Update(stream, table, data, envelope)
	case EventDelete:
		m.Delete(stream, table, data, envelope)
	}
}
