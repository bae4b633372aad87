package bitmex

import (
	"bitmexmd/internal/config"
	"bitmexmd/internal/exchange"
	"bitmexmd/internal/exchange/bitmex/ws"
	"bitmexmd/internal/logger"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func testConfig() *config.Config {
	return &config.Config{
		Exchange: config.ExchangeConfig{ID: "conn", ApiKey: "key", Secret: "secret"},
		Socket: config.SocketConfig{
			Limited:     true,
			QueueSize:   5,
			QueueDelay:  time.Second,
			PingDelay:   5 * time.Second,
			Reconnect:   true,
			ConnDelay:   time.Second,
			EventBuffer: 8,
		},
		Streams: []config.StreamConfig{
			{Name: "book", Tables: []string{"orderBookL2_25:XBTUSD"}},
			{Name: "private", Tables: []string{"position", "order"}, Auth: true},
		},
		Book: config.BookConfig{Enabled: true},
	}
}

func TestSocketConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Exchange.Testnet = true

	sc := SocketConfig(cfg)
	if sc.Endpoint() != "wss://testnet.bitmex.com/realtimemd" {
		t.Errorf("endpoint = %s", sc.Endpoint())
	}
	if sc.ID != "conn" || !sc.Limited || sc.QueueSize != 5 || sc.EventBuffer != 8 {
		t.Errorf("config = %+v", sc)
	}
}

func TestClient_OpenStreams(t *testing.T) {
	c := New(testConfig(), logger.Discard(), prometheus.NewRegistry())
	defer c.Close()

	if c.Book() == nil {
		t.Fatal("book mirror should be enabled")
	}

	streams, err := c.OpenStreams()
	if err != nil {
		t.Fatalf("OpenStreams: %v", err)
	}
	if len(streams) != 2 {
		t.Fatalf("streams = %d", len(streams))
	}

	if got := streams[1].Needed(); len(got) != 2 || got[0] != "position" {
		t.Errorf("needed = %v", got)
	}
	if st := c.Conn().Stats(); st.Streams != 3 {
		t.Errorf("registered = %d, want root + 2", st.Streams)
	}
}

func TestClient_OpenStreamsStandalone(t *testing.T) {
	cfg := testConfig()
	cfg.Exchange.Standalone = true
	cfg.Streams = cfg.Streams[:1]
	cfg.Book.Enabled = false

	c := New(cfg, logger.Discard(), nil)
	defer c.Close()

	streams, err := c.OpenStreams()
	if err != nil {
		t.Fatalf("OpenStreams: %v", err)
	}
	if len(streams) != 1 || !streams[0].IsRoot() {
		t.Fatal("standalone stream must be the root")
	}
	if c.Book() != nil {
		t.Error("book should be disabled")
	}
	if _, err := c.Conn().NewStream(ws.StreamOptions{}); !errors.Is(err, exchange.ErrStandalone) {
		t.Errorf("err = %v", err)
	}
}

func TestClient_AuthSkippedWithoutCredentials(t *testing.T) {
	cfg := testConfig()
	cfg.Exchange.ApiKey = ""
	cfg.Exchange.Secret = ""

	c := New(cfg, logger.Discard(), nil)
	defer c.Close()

	streams, err := c.OpenStreams()
	if err != nil {
		t.Fatalf("OpenStreams: %v", err)
	}
	if len(streams) != 2 || streams[1].Authenticated() {
		t.Errorf("private stream should stay public without keys")
	}
}
