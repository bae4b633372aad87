package main

import (
	"bitmexmd/internal/config"
	"bitmexmd/internal/exchange"
	"bitmexmd/internal/exchange/bitmex"
	"bitmexmd/internal/exchange/bitmex/ws"
	"bitmexmd/internal/logger"
	"bitmexmd/internal/models"
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := logger.New(logger.Config{
		Level:      cfg.Runtime.Log.Level,
		Format:     cfg.Runtime.Log.Format,
		Output:     cfg.Runtime.Log.File,
		MaxSize:    cfg.Runtime.Log.MaxSize,
		MaxBackups: cfg.Runtime.Log.MaxBackups,
		MaxAge:     cfg.Runtime.Log.MaxAge,
		Compress:   cfg.Runtime.Log.Compress,
	})

	logger.Info("Стример запущен.")

	var reg *prometheus.Registry
	var srv *http.Server
	if cfg.Metrics.Listen != "" {
		reg = prometheus.NewRegistry()
		srv = serveMetrics(cfg.Metrics.Listen, reg, logger)
	}

	var registerer prometheus.Registerer
	if reg != nil {
		registerer = reg
	}
	client := bitmex.New(cfg, logger, registerer)

	streams, err := client.OpenStreams()
	if err != nil {
		logger.WithError(err).Fatal("Не удалось открыть потоки.")
	}

	var wg sync.WaitGroup
	watch := func(s *ws.Stream) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logEvents(s, client, logger)
		}()
	}

	for _, s := range readers(client.Conn().Root(), streams) {
		watch(s)
	}

	if err := client.Connect(); err != nil {
		logger.WithError(err).Fatal("Не удалось подключиться.")
	}

	<-sigCh

	logger.Info("Остановка...")
	_ = client.Close()
	wg.Wait()

	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}

	logger.Info("Стример остановлен.")
}

// readers возвращает потоки, события которых нужно читать. Корневой поток читается
// всегда, иначе его события копятся без читателя; в standalone он же единственный.
func readers(root *ws.Stream, streams []*ws.Stream) []*ws.Stream {
	out := []*ws.Stream{root}
	for _, s := range streams {
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}

func serveMetrics(addr string, reg *prometheus.Registry, log *logger.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("Сервер метрик завершился с ошибкой.")
		}
	}()

	log.WithFields(map[string]interface{}{"addr": addr}).Info("Метрики доступны.")
	return srv
}

// logEvents пишет события потока в лог до закрытия канала.
func logEvents(s *ws.Stream, client *bitmex.Client, log *logger.Logger) {
	entry := log.WithStream(s.ID())

	for ev := range s.Events() {
		switch ev.Type {
		case exchange.EventError:
			entry.WithError(ev.Err).Warn("Ошибка потока.")
		case exchange.EventInsert:
			if ev.Table == "trade" {
				logTrades(ev, log)
				continue
			}
			entry.WithField("table", ev.Table).Debug("insert")
		case exchange.EventPartial, exchange.EventUpdate, exchange.EventDelete:
			if b := client.Book(); b != nil && strings.HasPrefix(ev.Table, "orderBookL2") {
				logTop(ev, client, log)
			}
			entry.WithField("table", ev.Table).Debug(string(ev.Type))
		default:
			entry.WithFields(map[string]interface{}{
				"event":  ev.Type,
				"table":  ev.Table,
				"symbol": ev.Symbol,
			}).Info("Событие потока.")
		}
	}
}

func logTrades(ev exchange.Event, log *logger.Logger) {
	var trades []models.Trade
	if err := json.Unmarshal(ev.Data, &trades); err != nil {
		log.WithStream(ev.Stream).WithError(err).Warn("Не удалось разобрать trade.")
		return
	}

	for _, t := range trades {
		log.WithStream(ev.Stream).WithFields(map[string]interface{}{
			"symbol": t.Symbol,
			"side":   t.Side,
			"price":  t.Price.String(),
			"size":   t.Size.String(),
		}).Info("trade")
	}
}

func logTop(ev exchange.Event, client *bitmex.Client, log *logger.Logger) {
	var rows []models.BookRow
	if err := json.Unmarshal(ev.Data, &rows); err != nil || len(rows) == 0 {
		return
	}

	symbol := rows[0].Symbol
	bids, asks := client.Book().Levels(ev.Stream, ev.Table, symbol)
	if len(bids) == 0 || len(asks) == 0 {
		return
	}

	log.WithStream(ev.Stream).WithFields(map[string]interface{}{
		"symbol": symbol,
		"bid":    bids[0].Price.String(),
		"ask":    asks[0].Price.String(),
		"spread": asks[0].Price.Sub(bids[0].Price).String(),
	}).Debug("Лучшие цены.")
}
