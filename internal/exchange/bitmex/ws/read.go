package ws

import (
	"bitmexmd/internal/exchange"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
)

const readLimit = 2 << 20

func (c *Conn) startDial() {
	c.status = StatusConnecting
	c.gen++
	go c.dial(c.gen)
}

func (c *Conn) dial(gen uint64) {
	url := c.cfg.Endpoint()
	c.logEntry().WithField("url", url).Info("Подключение к WS.")

	sock, err := c.dialSocket(url)

	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen || c.closed {
		if sock != nil {
			_ = sock.Close()
		}
		return
	}

	if err != nil {
		c.status = StatusDisconnected
		c.root.publishError("transport", err)
		if c.wantOpen && c.cfg.Reconnect {
			c.scheduleReconnect()
		}
		return
	}

	c.open(sock)
	c.flush()
}

func (c *Conn) dialSocket(url string) (*websocket.Conn, error) {
	ctx := c.ctx
	if c.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
		defer cancel()
	}

	conn, resp, err := c.dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return nil, fmt.Errorf("%w: %d %s", exchange.ErrHandshake, resp.StatusCode, body)
		}
		return nil, fmt.Errorf("%w: %w", exchange.ErrTransport, err)
	}

	conn.SetReadLimit(readLimit)
	return conn, nil
}

// open installs a fresh socket. The caller holds c.mu.
func (c *Conn) open(sock socket) {
	c.sock = sock
	c.status = StatusConnected
	c.connects++
	c.awaitingPong = false
	c.backoff.Reset()

	if n := c.queue.Reset(); n > 0 {
		c.logEntry().WithField("dropped", n).Debug("Очередь очищена.")
	}

	c.logEntry().WithField("connects", c.connects).Info("WS соединение установлено.")

	c.armPing(c.cfg.PingDelay)
	c.registry.opened()

	go c.readLoop(sock, c.gen)
}

func (c *Conn) readLoop(sock socket, gen uint64) {
	c.logEntry().Debug("readLoop запущен.")

	for {
		_, data, err := sock.ReadMessage()
		if err != nil {
			c.handleDrop(gen, err)
			return
		}
		c.handleMessage(gen, data)
	}
}

func (c *Conn) handleMessage(gen uint64, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen {
		return
	}

	c.deps.Metrics.FrameIn()
	c.awaitingPong = false
	c.armPing(c.cfg.PingDelay)

	if string(data) == pongFrame {
		return
	}

	if c.cfg.Standalone {
		c.root.handleReply(data)
	} else {
		c.registry.dispatch(data)
	}

	c.flush()
}

func (c *Conn) handleDrop(gen uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen {
		return
	}

	stale := c.staleClosed
	c.gen++
	c.teardown()

	// О зависшем сокете уже сообщено в ping.
	if c.wantOpen && !stale && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.root.publishError("transport", fmt.Errorf("%w: %w", exchange.ErrTransport, err))
	} else {
		c.logEntry().WithError(err).Info("WS соединение закрыто.")
	}

	c.registry.dropped()

	if c.wantOpen && c.cfg.Reconnect {
		c.scheduleReconnect()
	}
}

// teardown releases the socket and everything tied to it. The caller holds c.mu and
// has already advanced c.gen.
func (c *Conn) teardown() {
	c.stopPing()
	c.stopDrain()
	c.staleClosed = false

	if n := c.queue.Reset(); n > 0 {
		c.logEntry().WithField("dropped", n).Debug("Очередь очищена.")
	}
	c.deps.Metrics.Queued(0)
	c.outbox = nil

	if c.sock != nil {
		_ = c.sock.Close()
		c.sock = nil
	}

	c.status = StatusDisconnected
}

func (c *Conn) scheduleReconnect() {
	delay := c.backoff.NextBackOff()
	if delay == backoff.Stop {
		c.logEntry().Warn("Переподключение прекращено.")
		return
	}

	gen := c.gen
	c.logEntry().WithField("delay", delay).Info("Попытка переподключения к WS.")

	c.stopReconnect()
	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		defer c.mu.Unlock()

		if gen != c.gen || c.closed || !c.wantOpen || c.status != StatusDisconnected {
			return
		}

		c.deps.Metrics.Reconnect()
		c.startDial()
	})
}

func (c *Conn) stopReconnect() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

// armPing restarts the keepalive timer after any inbound traffic.
func (c *Conn) armPing(delay time.Duration) {
	c.stopPing()
	if delay <= 0 {
		return
	}

	gen := c.gen
	c.pingTimer = time.AfterFunc(delay, func() { c.ping(gen) })
}

func (c *Conn) stopPing() {
	if c.pingTimer != nil {
		c.pingTimer.Stop()
		c.pingTimer = nil
	}
}

func (c *Conn) ping(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen || c.sock == nil {
		return
	}

	if c.awaitingPong {
		c.root.publishError("transport", exchange.ErrStaleConnection)
		// Чтение завершится ошибкой и запустит обычный сценарий обрыва.
		c.staleClosed = true
		_ = c.sock.Close()
		return
	}

	if err := c.writeText([]byte(pingFrame)); err != nil {
		c.logEntry().WithError(err).Warn("Не удалось отправить ping.")
		_ = c.sock.Close()
		return
	}

	if c.cfg.PongTimeout > 0 {
		c.awaitingPong = true
		c.armPing(c.cfg.PongTimeout)
		return
	}
	c.armPing(c.cfg.PingDelay)
}
