package ws

import (
	"bitmexmd/internal/exchange"
	"errors"
	"math/rand"
	"slices"
	"sync"
	"testing"

	"github.com/goccy/go-json"
)

type mirrorCall struct {
	action string
	stream string
	table  string
	data   string
}

type fakeMirror struct {
	mu      sync.Mutex
	calls   []mirrorCall
	flushed []string
}

func (m *fakeMirror) record(action, stream, table string, data json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, mirrorCall{action, stream, table, string(data)})
}

func (m *fakeMirror) Partial(stream, table string, data json.RawMessage, _ map[string]json.RawMessage) {
	m.record("partial", stream, table, data)
}

func (m *fakeMirror) Insert(stream, table string, data json.RawMessage, _ map[string]json.RawMessage) {
	m.record("insert", stream, table, data)
}

func (m *fakeMirror) Update(stream, table string, data json.RawMessage, _ map[string]json.RawMessage) {
	m.record("update", stream, table, data)
}

func (m *fakeMirror) Delete(stream, table string, data json.RawMessage, _ map[string]json.RawMessage) {
	m.record("delete", stream, table, data)
}

func (m *fakeMirror) Flush(stream string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushed = append(m.flushed, stream)
}

func TestStream_ReadyAfterEveryAck(t *testing.T) {
	c := newTestConn(t, testConfig(), Deps{})
	openFake(c)
	s := connectedStream(t, c, "s", "A", "B")

	if got := s.Wanted(); !equalStrings(got, []string{"A", "B"}) {
		t.Fatalf("wanted = %v", got)
	}

	feed(c, frame(FrameData, "s", subAck("A")))
	expectEvent(t, s, exchange.EventSubscribe)
	expectNoEvent(t, s)
	if s.Ready() {
		t.Fatal("ready after first ack")
	}

	feed(c, frame(FrameData, "s", subAck("B")))
	expectEvent(t, s, exchange.EventSubscribe)
	expectEvent(t, s, exchange.EventReady)

	// Ready is published once per connect.
	_ = s.Subscribe("C")
	feed(c, frame(FrameData, "s", subAck("C")))
	expectEvent(t, s, exchange.EventSubscribe)
	expectNoEvent(t, s)
}

func TestStream_TableSymbolSplit(t *testing.T) {
	c := newTestConn(t, testConfig(), Deps{})
	openFake(c)
	s := connectedStream(t, c, "s", "trade:XBTUSD", "wallet")

	feed(c, frame(FrameData, "s", subAck("trade:XBTUSD")))
	ev := expectEvent(t, s, exchange.EventSubscribe)
	if ev.Table != "trade" || ev.Symbol != "XBTUSD" {
		t.Errorf("split = %q/%q", ev.Table, ev.Symbol)
	}

	feed(c, frame(FrameData, "s", subAck("wallet")))
	ev = expectEvent(t, s, exchange.EventSubscribe)
	if ev.Table != "wallet" || ev.Symbol != "" {
		t.Errorf("split = %q/%q", ev.Table, ev.Symbol)
	}
	expectEvent(t, s, exchange.EventReady)

	_ = s.Unsubscribe("trade:XBTUSD")
	feed(c, frame(FrameData, "s", unsubAck("trade:XBTUSD")))
	ev = expectEvent(t, s, exchange.EventUnsubscribe)
	if ev.Table != "trade" || ev.Symbol != "XBTUSD" {
		t.Errorf("unsubscribe split = %q/%q", ev.Table, ev.Symbol)
	}
}

func TestStream_AlreadyAuthenticatedSuppressed(t *testing.T) {
	c := newTestConn(t, testConfig(), Deps{})
	openFake(c)
	s := connectedStream(t, c, "s")

	if err := s.Authenticate("key", "secret"); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	feed(c, frame(FrameData, "s", authOK))
	expectEvent(t, s, exchange.EventAuth)

	feed(c, frame(FrameData, "s", `{"status":400,"error":"You are already authenticated.","request":{"op":"authKeyExpires"}}`))
	expectNoEvent(t, s)

	feed(c, frame(FrameData, "s", `{"status":429,"error":"Rate limit exceeded","request":{"op":"subscribe"}}`))
	ev := expectEvent(t, s, exchange.EventError)

	var perr *exchange.ProtocolError
	if !errors.As(ev.Err, &perr) || perr.Status != 429 || !perr.RateLimited() {
		t.Errorf("error = %v", ev.Err)
	}
	if !s.Authenticated() {
		t.Error("protocol errors must not change state")
	}
}

func TestStream_AuthenticateRequiresCredentials(t *testing.T) {
	c := newTestConn(t, testConfig(), Deps{})
	s, _ := c.NewStream(StreamOptions{ID: "s"})

	if err := s.Authenticate("", "secret"); !errors.Is(err, exchange.ErrNoCredentials) {
		t.Errorf("err = %v, want ErrNoCredentials", err)
	}
	if err := s.Authenticate("key", ""); !errors.Is(err, exchange.ErrNoCredentials) {
		t.Errorf("err = %v, want ErrNoCredentials", err)
	}
	if n := c.creds.Len(); n != 0 {
		t.Errorf("credentials stored: %d", n)
	}
}

func TestStream_SubscribeSendsOnlyNewTables(t *testing.T) {
	c := newTestConn(t, testConfig(), Deps{})
	fs := openFake(c)
	s := connectedStream(t, c, "s", "A")
	fs.take()

	_ = s.Subscribe("A", "B", "B", "")
	if got := fs.take(); !equalStrings(got, []string{frame(FrameData, "s", `{"op":"subscribe","args":["B"]}`)}) {
		t.Fatalf("writes = %v", got)
	}

	feed(c, frame(FrameData, "s", subAck("A")))
	_ = s.Subscribe("A")
	if got := fs.take(); len(got) != 0 {
		t.Errorf("acknowledged table resent: %v", got)
	}
	if got := s.Needed(); !equalStrings(got, []string{"A", "B"}) {
		t.Errorf("needed = %v", got)
	}
}

func TestStream_SubscribedSubsetOfNeeded(t *testing.T) {
	c := newTestConn(t, testConfig(), Deps{})
	openFake(c)
	s := connectedStream(t, c, "s")

	tables := []string{"A", "B", "C", "D"}
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 500; i++ {
		table := tables[rng.Intn(len(tables))]

		switch rng.Intn(4) {
		case 0:
			_ = s.Subscribe(table)
		case 1:
			_ = s.Unsubscribe(table)
		case 2:
			feed(c, frame(FrameData, "s", subAck(table)))
		case 3:
			feed(c, frame(FrameData, "s", unsubAck(table)))
		}

		needed := s.Needed()
		for _, sub := range s.Subscribed() {
			if !slices.Contains(needed, sub) {
				t.Fatalf("step %d: subscribed %q not in needed %v", i, sub, needed)
			}
		}
		for _, w := range s.Wanted() {
			if !slices.Contains(needed, w) {
				t.Fatalf("step %d: wanted %q not in needed %v", i, w, needed)
			}
		}
	}
}

func TestStream_DuplicateDisconnectNotice(t *testing.T) {
	m := &fakeMirror{}
	c := newTestConn(t, testConfig(), Deps{Mirror: m})
	openFake(c)
	s := connectedStream(t, c, "s")

	feed(c, frame(FrameDisconnect, "s", ""))
	feed(c, frame(FrameDisconnect, "s", ""))

	expectEvent(t, s, exchange.EventDisconnect)
	expectNoEvent(t, s)

	if s.State() != StateDisconnected {
		t.Errorf("state = %s", s.State())
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !equalStrings(m.flushed, []string{"s"}) {
		t.Errorf("flushed = %v", m.flushed)
	}
}

func TestStream_DataEvents(t *testing.T) {
	m := &fakeMirror{}
	c := newTestConn(t, testConfig(), Deps{Mirror: m})
	openFake(c)
	s := connectedStream(t, c, "s", "orderBookL2_25:XBTUSD")

	feed(c, frame(FrameData, "s", `{"table":"orderBookL2_25","action":"partial","keys":["symbol","id","side"],"data":[{"symbol":"XBTUSD","id":1,"side":"Sell","size":5,"price":100}]}`))

	ev := expectEvent(t, s, exchange.EventPartial)
	if ev.Table != "orderBookL2_25" || ev.Stream != "s" {
		t.Errorf("partial = %+v", ev)
	}
	if string(ev.Data) != `[{"symbol":"XBTUSD","id":1,"side":"Sell","size":5,"price":100}]` {
		t.Errorf("data = %s", ev.Data)
	}
	if _, ok := ev.Envelope["data"]; ok {
		t.Error("envelope still carries data")
	}
	if string(ev.Envelope["keys"]) != `["symbol","id","side"]` {
		t.Errorf("envelope keys = %s", ev.Envelope["keys"])
	}

	feed(c, frame(FrameData, "s", `{"table":"orderBookL2_25","action":"delete","data":[{"symbol":"XBTUSD","id":1,"side":"Sell"}]}`))
	expectEvent(t, s, exchange.EventDelete)

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.calls) != 2 || m.calls[0].action != "partial" || m.calls[1].action != "delete" || m.calls[0].stream != "s" {
		t.Errorf("mirror calls = %+v", m.calls)
	}
}

func TestStream_VersionMismatchKeepsConnection(t *testing.T) {
	c := newTestConn(t, testConfig(), Deps{})
	fs := openFake(c)
	s := connectedStream(t, c, "s")

	feed(c, frame(FrameData, "s", `{"table":"trade","action":"upsert","data":[]}`))
	expectError(t, s, exchange.ErrUnknownAction)

	feed(c, frame(FrameData, "s", `{"hello":"world"}`))
	expectError(t, s, exchange.ErrUnknownReply)

	feed(c, frame(FrameData, "s", `"text"`))
	expectError(t, s, exchange.ErrMalformedFrame)

	feed(c, frame(FrameData, "s", welcomeMsg))
	expectNoEvent(t, s)

	if c.Status() != StatusConnected || fs.isClosed() {
		t.Error("version errors must not drop the connection")
	}
	if !errors.Is(exchange.ErrUnknownAction, exchange.ErrVersionMismatch) {
		t.Error("unknown action is a version mismatch")
	}
}

func TestStream_CloseWaitsForNotice(t *testing.T) {
	c := newTestConn(t, testConfig(), Deps{})
	fs := openFake(c)
	s := connectedStream(t, c, "s")
	_ = s.Authenticate("key", "secret")
	fs.take()

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := fs.take(); !equalStrings(got, []string{`[2,"conn","s"]`}) {
		t.Fatalf("writes = %v", got)
	}
	if _, ok := c.Stream("s"); !ok {
		t.Fatal("stream removed before notice")
	}
	if err := s.Subscribe("A"); !errors.Is(err, exchange.ErrStreamClosed) {
		t.Errorf("Subscribe after Close err = %v", err)
	}

	feed(c, frame(FrameDisconnect, "s", ""))
	expectEvent(t, s, exchange.EventDisconnect)
	if _, ok := <-s.Events(); ok {
		t.Error("events should be closed")
	}

	if _, ok := c.Stream("s"); ok {
		t.Error("stream still registered")
	}
	if _, ok := c.creds.Get("s"); ok {
		t.Error("credential kept after destroy")
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestStream_CloseWhileDisconnected(t *testing.T) {
	c := newTestConn(t, testConfig(), Deps{})
	s, _ := c.NewStream(StreamOptions{ID: "s"})

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := <-s.Events(); ok {
		t.Error("events should be closed")
	}
	if _, ok := c.Stream("s"); ok {
		t.Error("stream still registered")
	}
}

func TestStream_DisconnectKeepsNeeded(t *testing.T) {
	c := newTestConn(t, testConfig(), Deps{})
	fs := openFake(c)
	s := connectedStream(t, c, "s", "A")
	feed(c, frame(FrameData, "s", subAck("A")))
	fs.take()

	_ = s.Disconnect()
	_ = s.Disconnect()
	// The notice is still pending, so the request is repeated.
	if got := fs.take(); !equalStrings(got, []string{`[2,"conn","s"]`, `[2,"conn","s"]`}) {
		t.Fatalf("writes = %v", got)
	}

	feed(c, frame(FrameDisconnect, "s", ""))
	_ = s.Disconnect()
	if got := fs.take(); len(got) != 0 {
		t.Errorf("disconnect while disconnected wrote %v", got)
	}
	if got := s.Needed(); !equalStrings(got, []string{"A"}) {
		t.Errorf("needed = %v", got)
	}

	// Inactive streams are not reconnected with the socket.
	c.handleDrop(currentGen(c), errors.New("boom"))
	fs2 := openFake(c)
	if got := fs2.take(); !equalStrings(got, []string{`[1,"conn","conn"]`}) {
		t.Errorf("reopen writes = %v", got)
	}
}

func TestStream_RootRejoinsOpenSocket(t *testing.T) {
	c := newTestConn(t, testConfig(), Deps{})
	fs := openFake(c)
	root := c.Root()

	feed(c, frame(FrameData, "conn", welcomeMsg))
	expectEvent(t, root, exchange.EventConnect)
	if err := root.Subscribe("instrument"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	fs.take()

	feed(c, frame(FrameDisconnect, "conn", ""))
	expectEvent(t, root, exchange.EventDisconnect)

	if err := root.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := fs.take(); !equalStrings(got, []string{`[1,"conn","conn"]`}) {
		t.Fatalf("writes = %v", got)
	}
	if root.State() != StateConnecting {
		t.Errorf("state = %s", root.State())
	}

	// A second call before the welcome sends nothing.
	_ = root.Connect()
	if got := fs.take(); len(got) != 0 {
		t.Errorf("second connect wrote %v", got)
	}

	feed(c, frame(FrameData, "conn", welcomeMsg))
	expectEvent(t, root, exchange.EventConnect)
	if got := fs.take(); !equalStrings(got, []string{`[0,"conn","conn",{"op":"subscribe","args":["instrument"]}]`}) {
		t.Errorf("replay writes = %v", got)
	}
	if st := c.Stats(); st.Connects != 1 {
		t.Errorf("connects = %d, socket should not be reopened", st.Connects)
	}
}
