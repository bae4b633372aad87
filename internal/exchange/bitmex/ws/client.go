package ws

import (
	"bitmexmd/internal/exchange"
	"bitmexmd/internal/logger"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Conn is the physical connection to the exchange. It owns the root stream, the
// registry of child streams and the outbound command queue.
type Conn struct {
	cfg    Config
	log    *logger.Logger
	deps   Deps
	creds  *Credentials
	dialer *websocket.Dialer
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	id       string
	status   Status
	wantOpen bool
	closed   bool
	gen      uint64
	sock     socket
	connects int

	registry *Registry
	root     *Stream

	queue     Queue
	outbox    []Command
	drainStop chan struct{}

	pingTimer    *time.Timer
	awaitingPong bool
	staleClosed  bool

	reconnectTimer *time.Timer
	backoff        backoff.BackOff
}

func New(cfg Config, deps Deps, log *logger.Logger) *Conn {
	if log == nil {
		log = logger.Discard()
	}
	if deps.Credentials == nil {
		deps.Credentials = NewCredentials()
	}

	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &Conn{
		cfg:    cfg,
		log:    log,
		deps:   deps,
		creds:  deps.Credentials,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout, Proxy: websocket.DefaultDialer.Proxy},
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
		id:     id,
	}

	c.backoff = newBackOff(cfg)
	c.root = newStream(c, id, true)
	c.root.active = true
	c.registry = newRegistry(c.root)

	return c
}

func newBackOff(cfg Config) backoff.BackOff {
	if cfg.ConnMaxDelay > cfg.ConnDelay && cfg.ConnDelay > 0 {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = cfg.ConnDelay
		b.MaxInterval = cfg.ConnMaxDelay
		return b
	}
	return backoff.NewConstantBackOff(cfg.ConnDelay)
}

func (c *Conn) ID() string {
	return c.id
}

// Root returns the stream that stands for the physical connection.
func (c *Conn) Root() *Stream {
	return c.root
}

// Events returns the root stream's events: connection-level errors and, in
// standalone mode, everything.
func (c *Conn) Events() <-chan exchange.Event {
	return c.root.Events()
}

func (c *Conn) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Conn) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Status:   c.status,
		Connects: c.connects,
		Streams:  c.registry.len(),
		Queued:   c.queue.Len(),
	}
}

// Connect opens the physical connection in the background. Calling it while a
// connection is open or being opened does nothing.
func (c *Conn) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return exchange.ErrConnClosed
	}

	c.wantOpen = true
	if c.status != StatusDisconnected {
		return nil
	}

	c.stopReconnect()
	c.startDial()
	return nil
}

// Disconnect closes the physical connection and does not reconnect. Every stream
// receives a disconnect notice; stored tables and credentials are kept.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.wantOpen = false
	c.stopReconnect()

	if c.status == StatusDisconnected {
		return
	}

	c.logEntry().Info("Отключение от биржи.")

	if c.sock != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.sock.WriteControl(websocket.CloseMessage, msg, c.now().Add(time.Second))
	}

	c.gen++
	c.teardown()
	c.registry.dropped()
}

// Close disconnects and destroys every stream. The connection cannot be reused.
func (c *Conn) Close() error {
	c.Disconnect()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	c.cancel()
	c.registry.destroyAll()
	c.outbox = nil

	c.logEntry().Info("Соединение закрыто.")
	return nil
}

// rejoinRoot reconnects the root stream over the open socket after the exchange
// closed it. It reports false when the physical connection has to be opened instead.
func (c *Conn) rejoinRoot() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.cfg.Standalone || !c.online() || c.root.state != StateDisconnected {
		return false
	}

	c.root.connect()
	c.flush()
	return true
}

// NewStream registers a child stream. Its events are delivered on its own channel.
func (c *Conn) NewStream(opts StreamOptions) (*Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, exchange.ErrConnClosed
	}
	if c.cfg.Standalone {
		return nil, exchange.ErrStandalone
	}

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}

	s := newStream(c, id, false)
	if !c.registry.add(s) {
		s.events.close()
		return nil, fmt.Errorf("stream %q already exists", id)
	}

	for _, table := range opts.Tables {
		s.subscribe(table)
	}

	if opts.AutoConnect {
		s.connect()
	}

	c.logEntry().WithField("stream", id).Debug("Поток создан.")
	c.flush()

	return s, nil
}

// Stream returns a registered stream by id.
func (c *Conn) Stream(id string) (*Stream, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registry.get(id)
}

// do runs fn under the connection lock and sends whatever it queued.
func (c *Conn) do(s *Stream, fn func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || s.closed {
		return exchange.ErrStreamClosed
	}

	err := fn()
	c.flush()
	return err
}

func (c *Conn) online() bool {
	return c.status == StatusConnected
}

func (c *Conn) send(cmd Command) {
	c.outbox = append(c.outbox, cmd)
}

// flush hands the commands collected during one trigger to the transport: the queue
// when rate limiting is on, the socket otherwise. Offline commands are dropped; the
// next welcome replays what matters.
func (c *Conn) flush() {
	if len(c.outbox) == 0 {
		return
	}

	batch := c.outbox
	c.outbox = nil

	if !c.online() {
		c.logEntry().WithField("dropped", len(batch)).Debug("Нет соединения, команды отброшены.")
		return
	}

	if c.cfg.Limited {
		c.queue.Push(batch...)
		c.deps.Metrics.Queued(c.queue.Len())
		c.startDrain()
		return
	}

	sortCommands(batch)
	for _, cmd := range batch {
		if !c.write(cmd) {
			return
		}
	}
}

func (c *Conn) logEntry() *logrus.Entry {
	return c.log.WithConn(c.id).WithField("component", "bitmex_ws")
}
