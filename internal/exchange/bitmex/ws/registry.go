package ws

import (
	"bitmexmd/internal/exchange"
	"fmt"

	"github.com/goccy/go-json"
)

// Registry maps stream identifiers to streams. The root is the entry whose id equals
// the connection id. Guarded by the owning connection's mutex.
type Registry struct {
	root    *Stream
	streams map[string]*Stream
	order   []string
}

func newRegistry(root *Stream) *Registry {
	r := &Registry{streams: make(map[string]*Stream)}
	r.root = root
	r.add(root)
	return r
}

func (r *Registry) add(s *Stream) bool {
	if _, ok := r.streams[s.id]; ok {
		return false
	}
	r.streams[s.id] = s
	r.order = append(r.order, s.id)
	return true
}

func (r *Registry) remove(id string) {
	if _, ok := r.streams[id]; !ok || id == r.root.id {
		return
	}
	delete(r.streams, id)
	r.order = removeTable(r.order, id)
}

func (r *Registry) get(id string) (*Stream, bool) {
	s, ok := r.streams[id]
	return s, ok
}

func (r *Registry) len() int {
	return len(r.streams)
}

// each visits streams in registration order; the root always comes first.
func (r *Registry) each(fn func(*Stream)) {
	for _, id := range append([]string(nil), r.order...) {
		if s, ok := r.streams[id]; ok {
			fn(s)
		}
	}
}

// dispatch routes one multiplexed frame [type, connId, streamId, payload?].
func (r *Registry) dispatch(data []byte) {
	var frame []json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil || len(frame) < 3 {
		r.root.publishError("version", fmt.Errorf("%w: %s", exchange.ErrMalformedFrame, clip(data)))
		return
	}

	var (
		typ      int
		streamID string
	)
	if json.Unmarshal(frame[0], &typ) != nil || json.Unmarshal(frame[2], &streamID) != nil {
		r.root.publishError("version", fmt.Errorf("%w: %s", exchange.ErrMalformedFrame, clip(data)))
		return
	}

	switch FrameType(typ) {
	case FrameData:
		s, ok := r.get(streamID)
		if !ok {
			r.root.publishError("protocol", fmt.Errorf("%w: %s", exchange.ErrUnknownStream, streamID))
			return
		}
		if len(frame) < 4 {
			s.publishError("version", fmt.Errorf("%w: %s", exchange.ErrMalformedFrame, clip(data)))
			return
		}
		s.handleReply(frame[3])

	case FrameDisconnect:
		// Уведомление может прийти повторно, уже после удаления потока.
		s, ok := r.get(streamID)
		if !ok {
			return
		}
		s.handleClose()
		if s.closed {
			r.remove(s.id)
			s.destroy()
		}

	default:
		r.root.publishError("version", fmt.Errorf("%w: %d", exchange.ErrUnknownFrameType, typ))
	}
}

// opened connects every active stream on a fresh socket; the root goes first.
func (r *Registry) opened() {
	r.each(func(s *Stream) {
		if s.root || s.active {
			s.connect()
		}
	})
}

// dropped delivers a synthetic close to every stream after the socket is lost.
func (r *Registry) dropped() {
	r.each(func(s *Stream) {
		s.handleClose()
		if s.closed {
			r.remove(s.id)
			s.destroy()
		}
	})
}

func (r *Registry) destroyAll() {
	r.each(func(s *Stream) {
		s.handleClose()
		s.closed = true
		delete(r.streams, s.id)
		s.destroy()
	})
	r.order = nil
}
