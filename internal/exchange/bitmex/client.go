// Package bitmex wires the multiplexed WebSocket connection, the signed REST bridge
// and the optional book mirror from configuration.
package bitmex

import (
	"bitmexmd/internal/book"
	"bitmexmd/internal/config"
	"bitmexmd/internal/exchange/bitmex/rest"
	"bitmexmd/internal/exchange/bitmex/ws"
	"bitmexmd/internal/logger"
	"bitmexmd/internal/metrics"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

type Client struct {
	cfg     *config.Config
	log     *logger.Logger
	conn    *ws.Conn
	rest    *rest.Client
	book    *book.Book
	metrics *metrics.Metrics
}

// New builds the client. reg may be nil, in which case no metrics are collected.
func New(cfg *config.Config, log *logger.Logger, reg prometheus.Registerer) *Client {
	c := &Client{cfg: cfg, log: log}

	restURL := cfg.Exchange.RestUrl
	if restURL == "" {
		restURL = rest.BaseURL(cfg.Exchange.Testnet)
	}
	c.rest = rest.New(restURL, log)

	if reg != nil {
		c.metrics = metrics.New(reg)
	}

	deps := ws.Deps{Metrics: c.metrics, REST: c.rest}
	if cfg.Book.Enabled {
		c.book = book.New(log)
		deps.Mirror = c.book
	}

	c.conn = ws.New(SocketConfig(cfg), deps, log)

	return c
}

// SocketConfig переводит настройки приложения в настройки соединения.
func SocketConfig(cfg *config.Config) ws.Config {
	return ws.Config{
		URL:              cfg.Exchange.WSUrl,
		Testnet:          cfg.Exchange.Testnet,
		Standalone:       cfg.Exchange.Standalone,
		ID:               cfg.Exchange.ID,
		Limited:          cfg.Socket.Limited,
		QueueSize:        cfg.Socket.QueueSize,
		QueueDelay:       cfg.Socket.QueueDelay,
		PingDelay:        cfg.Socket.PingDelay,
		PongTimeout:      cfg.Socket.PongTimeout,
		Reconnect:        cfg.Socket.Reconnect,
		ConnDelay:        cfg.Socket.ConnDelay,
		ConnMaxDelay:     cfg.Socket.ConnMaxDelay,
		WriteTimeout:     cfg.Socket.WriteTimeout,
		HandshakeTimeout: cfg.Socket.HandshakeTimeout,
		EventBuffer:      cfg.Socket.EventBuffer,
	}
}

func (c *Client) Conn() *ws.Conn {
	return c.conn
}

func (c *Client) REST() *rest.Client {
	return c.rest
}

// Book returns the mirror, or nil when it is disabled.
func (c *Client) Book() *book.Book {
	return c.book
}

// OpenStreams creates the configured streams. In standalone mode the single
// configured stream is the root.
func (c *Client) OpenStreams() ([]*ws.Stream, error) {
	var streams []*ws.Stream

	for _, sc := range c.cfg.Streams {
		var (
			s   *ws.Stream
			err error
		)

		if c.cfg.Exchange.Standalone {
			s = c.conn.Root()
			err = s.Subscribe(sc.Tables...)
		} else {
			s, err = c.conn.NewStream(ws.StreamOptions{ID: sc.Name, AutoConnect: true, Tables: sc.Tables})
		}
		if err != nil {
			return streams, fmt.Errorf("Не удалось создать поток %s: %w", sc.Name, err)
		}

		if sc.Auth && c.cfg.Exchange.ApiKey == "" {
			c.log.WithStream(s.ID()).Warn("Ключи не заданы, поток останется публичным.")
		} else if sc.Auth {
			if err := s.Authenticate(c.cfg.Exchange.ApiKey, c.cfg.Exchange.Secret); err != nil {
				return streams, fmt.Errorf("Не удалось авторизовать поток %s: %w", sc.Name, err)
			}
		}

		c.log.WithStream(s.ID()).WithField("tables", sc.Tables).Info("Поток открыт.")
		streams = append(streams, s)
	}

	return streams, nil
}

func (c *Client) Connect() error {
	return c.conn.Connect()
}

func (c *Client) Close() error {
	return c.conn.Close()
}
