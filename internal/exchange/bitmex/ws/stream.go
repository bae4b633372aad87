package ws

import (
	"bitmexmd/internal/exchange"
	"context"
	"errors"
	"slices"
	"strings"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
)

var errNoREST = errors.New("rest bridge is not configured")

// Stream is one logical channel multiplexed over a Conn. The root stream shares
// its identifier with the connection and stands for the physical socket.
//
// All fields below conn are guarded by conn.mu.
type Stream struct {
	id   string
	root bool
	conn *Conn

	state  State
	active bool
	closed bool
	ready  bool

	needed     []string
	wanted     []string
	subscribed []string

	events *mailbox
}

func newStream(c *Conn, id string, root bool) *Stream {
	return &Stream{
		id:     id,
		root:   root,
		conn:   c,
		events: newMailbox(c.cfg.EventBuffer),
	}
}

func (s *Stream) ID() string {
	return s.id
}

func (s *Stream) IsRoot() bool {
	return s.root
}

// Events returns the stream's event channel. It is closed when the stream is destroyed.
func (s *Stream) Events() <-chan exchange.Event {
	return s.events.out
}

func (s *Stream) State() State {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	return s.state
}

func (s *Stream) Authenticated() bool {
	return s.State() == StateAuthenticated
}

func (s *Stream) Ready() bool {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	return s.ready
}

func (s *Stream) Needed() []string {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	return slices.Clone(s.needed)
}

func (s *Stream) Wanted() []string {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	return slices.Clone(s.wanted)
}

func (s *Stream) Subscribed() []string {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	return slices.Clone(s.subscribed)
}

// Connect asks the exchange to open this stream. For the root stream it opens the
// physical connection, or rejoins the root if the exchange closed it on a live socket.
func (s *Stream) Connect() error {
	if s.root {
		if s.conn.rejoinRoot() {
			return nil
		}
		return s.conn.Connect()
	}

	return s.conn.do(s, func() error {
		s.connect()
		return nil
	})
}

// Disconnect asks the exchange to close this stream. For the root stream it closes
// the physical connection without reconnecting.
func (s *Stream) Disconnect() error {
	if s.root {
		s.conn.Disconnect()
		return nil
	}

	return s.conn.do(s, func() error {
		s.disconnect()
		return nil
	})
}

// Close destroys the stream: it is disconnected, removed from the connection and
// its event channel is closed. Closing the root stream closes the connection.
func (s *Stream) Close() error {
	if s.root {
		return s.conn.Close()
	}

	err := s.conn.do(s, func() error {
		s.closed = true
		s.disconnect()
		if s.state == StateDisconnected {
			s.conn.registry.remove(s.id)
			s.destroy()
		}
		return nil
	})
	if errors.Is(err, exchange.ErrStreamClosed) {
		return nil
	}
	return err
}

// Authenticate stores the key/secret pair for this stream and authenticates it
// now if connected, otherwise on the next welcome.
func (s *Stream) Authenticate(key, secret string) error {
	if key == "" || secret == "" {
		return exchange.ErrNoCredentials
	}

	return s.conn.do(s, func() error {
		cred := Credential{Key: key, Secret: secret}
		s.conn.creds.Set(s.id, cred)
		if s.welcomed() {
			s.authenticate(cred)
		}
		return nil
	})
}

func (s *Stream) Subscribe(tables ...string) error {
	return s.conn.do(s, func() error {
		s.subscribe(tables...)
		return nil
	})
}

func (s *Stream) Unsubscribe(tables ...string) error {
	return s.conn.do(s, func() error {
		s.unsubscribe(tables...)
		return nil
	})
}

// Request performs a REST call signed with this stream's stored credential; without
// one the call is public.
func (s *Stream) Request(ctx context.Context, path, verb string, body any) (json.RawMessage, error) {
	if s.conn.deps.REST == nil {
		return nil, errNoREST
	}

	s.conn.mu.Lock()
	closed := s.closed
	s.conn.mu.Unlock()
	if closed {
		return nil, exchange.ErrStreamClosed
	}

	cred, _ := s.conn.creds.Get(s.id)
	return s.conn.deps.REST.Do(ctx, cred.Key, cred.Secret, verb, path, body)
}

func (s *Stream) logEntry() *logrus.Entry {
	return s.conn.logEntry().WithField("stream", s.id)
}

func (s *Stream) send(cmd Command) {
	cmd.Stream = s.id
	s.conn.send(cmd)
}

func (s *Stream) connect() {
	s.active = true

	if s.state != StateDisconnected || !s.conn.online() {
		return
	}

	s.state = StateConnecting
	if !s.conn.cfg.Standalone {
		s.send(Command{Type: FrameConnect})
	}
}

func (s *Stream) disconnect() {
	s.active = false

	if s.state == StateDisconnected {
		return
	}

	s.send(Command{Type: FrameDisconnect})
}

func (s *Stream) authenticate(cred Credential) {
	s.send(Command{Action: authAction(cred, s.conn.now())})
}

func (s *Stream) subscribe(tables ...string) {
	var fresh []string

	for _, table := range tables {
		if table == "" {
			continue
		}
		if !slices.Contains(s.needed, table) {
			s.needed = append(s.needed, table)
		}
		// До приветствия таблица только запоминается; её отправит handleWelcome.
		if !s.welcomed() {
			continue
		}
		if slices.Contains(s.wanted, table) || slices.Contains(s.subscribed, table) || slices.Contains(fresh, table) {
			continue
		}
		s.wanted = append(s.wanted, table)
		fresh = append(fresh, table)
	}

	if len(fresh) == 0 {
		return
	}

	s.send(Command{Action: tablesAction(OpSubscribe, fresh)})
}

func (s *Stream) unsubscribe(tables ...string) {
	var gone []string

	for _, table := range tables {
		if table == "" || slices.Contains(gone, table) {
			continue
		}
		s.forget(table)
		gone = append(gone, table)
	}

	if len(gone) == 0 || !s.welcomed() {
		return
	}

	s.send(Command{Action: tablesAction(OpUnsubscribe, gone)})
}

func (s *Stream) welcomed() bool {
	return s.state == StateConnected || s.state == StateAuthenticated
}

// forget removes a table from every set; subscribed stays a subset of needed.
func (s *Stream) forget(table string) {
	s.needed = removeTable(s.needed, table)
	s.wanted = removeTable(s.wanted, table)
	s.subscribed = removeTable(s.subscribed, table)
}

// handleClose applies a stream-closed notice. It reports whether the state changed;
// the exchange may send the notice twice.
func (s *Stream) handleClose() bool {
	if s.state == StateDisconnected {
		return false
	}

	s.state = StateDisconnected
	s.ready = false
	s.wanted = nil
	s.subscribed = nil

	if m := s.conn.deps.Mirror; m != nil {
		m.Flush(s.id)
	}

	s.logEntry().Debug("Поток отключён.")
	s.publish(exchange.Event{Type: exchange.EventDisconnect})

	return true
}

func (s *Stream) destroy() {
	s.conn.creds.Delete(s.id)
	s.events.close()
	s.logEntry().Debug("Поток удалён.")
}

func (s *Stream) publish(ev exchange.Event) {
	ev.Stream = s.id
	s.events.put(ev)
}

func (s *Stream) publishError(kind string, err error) {
	s.conn.deps.Metrics.Error(kind)
	s.logEntry().WithError(err).Warn("Ошибка потока.")
	s.publish(exchange.Event{Type: exchange.EventError, Err: err})
}

func tablesAction(op string, tables []string) *Action {
	args := make([]any, len(tables))
	for i, t := range tables {
		args[i] = t
	}
	return &Action{Op: op, Args: args}
}

func removeTable(tables []string, table string) []string {
	return slices.DeleteFunc(tables, func(t string) bool { return t == table })
}

// splitTable разбивает "table:symbol" на части.
func splitTable(name string) (string, string) {
	table, symbol, _ := strings.Cut(name, ":")
	return table, symbol
}
