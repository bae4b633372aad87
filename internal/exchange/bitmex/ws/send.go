package ws

import (
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

var errNotConnected = errors.New("socket is not connected")

// startDrain starts the rate-limit ticker if it is not running yet.
func (c *Conn) startDrain() {
	if c.drainStop != nil {
		return
	}

	stop := make(chan struct{})
	c.drainStop = stop
	go c.drainLoop(c.gen, stop)
}

func (c *Conn) stopDrain() {
	if c.drainStop != nil {
		close(c.drainStop)
		c.drainStop = nil
	}
}

func (c *Conn) drainLoop(gen uint64, stop <-chan struct{}) {
	delay := c.cfg.QueueDelay
	if delay <= 0 {
		delay = time.Second
	}

	ticker := time.NewTicker(delay)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.drainOnce(gen)
		}
	}
}

// drainOnce writes at most QueueSize commands from the head of the queue.
func (c *Conn) drainOnce(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen || !c.online() {
		return
	}

	size := c.cfg.QueueSize
	if size <= 0 {
		size = 1
	}

	for _, cmd := range c.queue.Pop(size) {
		if !c.write(cmd) {
			break
		}
	}

	c.deps.Metrics.Queued(c.queue.Len())
}

// write sends one command. On failure the socket is closed and the read loop takes
// over with the usual drop handling.
func (c *Conn) write(cmd Command) bool {
	data, ok := c.encode(cmd)
	if !ok {
		return true
	}

	if err := c.writeText(data); err != nil {
		c.logEntry().WithError(err).WithField("op", cmd.op()).Warn("Не удалось отправить команду.")
		if c.sock != nil {
			_ = c.sock.Close()
		}
		return false
	}

	c.deps.Metrics.CommandOut(cmd.op())
	c.logEntry().WithFields(map[string]interface{}{
		"stream": cmd.Stream,
		"op":     cmd.op(),
	}).Debug("Команда отправлена.")

	return true
}

// encode renders a command for the wire: [type, connId, streamId, action?] when
// multiplexed, the bare action in standalone mode.
func (c *Conn) encode(cmd Command) ([]byte, bool) {
	var v any

	if c.cfg.Standalone {
		if cmd.Action == nil {
			return nil, false
		}
		v = cmd.Action
	} else {
		frame := []any{int(cmd.Type), c.id, cmd.Stream}
		if cmd.Action != nil {
			frame = append(frame, cmd.Action)
		}
		v = frame
	}

	data, err := json.Marshal(v)
	if err != nil {
		c.logEntry().WithError(err).Warn("Не удалось сериализовать команду.")
		return nil, false
	}

	return data, true
}

func (c *Conn) writeText(data []byte) error {
	if c.sock == nil {
		return errNotConnected
	}

	if c.cfg.WriteTimeout > 0 {
		_ = c.sock.SetWriteDeadline(c.now().Add(c.cfg.WriteTimeout))
	}

	return c.sock.WriteMessage(websocket.TextMessage, data)
}
