// Package book keeps a local copy of table data published by streams. It is fed
// through the exchange.Mirror interface and dropped per stream on disconnect.
package book

import (
	"bitmexmd/internal/exchange"
	"bitmexmd/internal/logger"
	"bitmexmd/internal/models"
	"slices"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
)

// maxKeyless bounds tables without key columns, such as trade.
const maxKeyless = 1000

type row = map[string]json.RawMessage

type table struct {
	keys    []string
	rows    map[string]row
	keyless []row
}

func (t *table) key(r row) (string, bool) {
	parts := make([]string, len(t.keys))
	for i, k := range t.keys {
		v, ok := r[k]
		if !ok {
			return "", false
		}
		parts[i] = string(v)
	}
	return strings.Join(parts, "\x00"), true
}

var _ exchange.Mirror = (*Book)(nil)

// Book is safe for concurrent use.
type Book struct {
	mu      sync.RWMutex
	streams map[string]map[string]*table
	log     *logger.Logger
}

func New(log *logger.Logger) *Book {
	if log == nil {
		log = logger.Discard()
	}
	return &Book{
		streams: make(map[string]map[string]*table),
		log:     log,
	}
}

func (b *Book) logEntry(stream, name string) *logrus.Entry {
	return b.log.WithComponent("book").WithFields(logrus.Fields{"stream": stream, "table": name})
}

func decodeRows(data json.RawMessage) ([]row, error) {
	var rows []row
	if len(data) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// Partial replaces the table with a fresh snapshot.
func (b *Book) Partial(stream, name string, data json.RawMessage, envelope map[string]json.RawMessage) {
	rows, err := decodeRows(data)
	if err != nil {
		b.logEntry(stream, name).WithError(err).Warn("Не удалось разобрать partial.")
		return
	}

	t := &table{rows: make(map[string]row)}
	if raw, ok := envelope["keys"]; ok {
		_ = json.Unmarshal(raw, &t.keys)
	}

	for _, r := range rows {
		t.put(r)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	tables, ok := b.streams[stream]
	if !ok {
		tables = make(map[string]*table)
		b.streams[stream] = tables
	}
	tables[name] = t
}

func (b *Book) Insert(stream, name string, data json.RawMessage, _ map[string]json.RawMessage) {
	b.apply(stream, name, data, (*table).put)
}

func (b *Book) Update(stream, name string, data json.RawMessage, _ map[string]json.RawMessage) {
	b.apply(stream, name, data, (*table).merge)
}

func (b *Book) Delete(stream, name string, data json.RawMessage, _ map[string]json.RawMessage) {
	b.apply(stream, name, data, (*table).remove)
}

// Flush drops everything kept for the stream.
func (b *Book) Flush(stream string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.streams, stream)
}

func (b *Book) apply(stream, name string, data json.RawMessage, fn func(*table, row)) {
	rows, err := decodeRows(data)
	if err != nil {
		b.logEntry(stream, name).WithError(err).Warn("Не удалось разобрать строки.")
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.streams[stream][name]
	if !ok {
		// Изменения до partial не применяются.
		b.logEntry(stream, name).Debug("Таблица без partial, строки пропущены.")
		return
	}

	for _, r := range rows {
		fn(t, r)
	}
}

func (t *table) put(r row) {
	if len(t.keys) == 0 {
		t.keyless = append(t.keyless, r)
		if n := len(t.keyless) - maxKeyless; n > 0 {
			t.keyless = slices.Delete(t.keyless, 0, n)
		}
		return
	}
	if k, ok := t.key(r); ok {
		t.rows[k] = r
	}
}

func (t *table) merge(r row) {
	k, ok := t.key(r)
	if !ok {
		return
	}
	cur, ok := t.rows[k]
	if !ok {
		return
	}

	next := make(row, len(cur)+len(r))
	for f, v := range cur {
		next[f] = v
	}
	for f, v := range r {
		next[f] = v
	}
	t.rows[k] = next
}

func (t *table) remove(r row) {
	if k, ok := t.key(r); ok {
		delete(t.rows, k)
	}
}

// Rows returns a copy of the table's rows, or nil before its partial.
func (b *Book) Rows(stream, name string) []map[string]json.RawMessage {
	b.mu.RLock()
	defer b.mu.RUnlock()

	t, ok := b.streams[stream][name]
	if !ok {
		return nil
	}

	out := make([]map[string]json.RawMessage, 0, len(t.rows)+len(t.keyless))
	out = append(out, t.keyless...)
	for _, r := range t.rows {
		out = append(out, r)
	}
	return out
}

// Levels decodes an orderBookL2 table into bids (best first, descending) and asks
// (best first, ascending) for one symbol.
func (b *Book) Levels(stream, name, symbol string) (bids, asks []models.Level) {
	for _, raw := range b.Rows(stream, name) {
		var r models.BookRow
		if err := decodeRow(raw, &r); err != nil || r.Symbol != symbol || !r.Size.IsPositive() {
			continue
		}

		level := models.Level{Price: r.Price, Size: r.Size}
		switch r.Side {
		case models.SideBuy:
			bids = append(bids, level)
		case models.SideSell:
			asks = append(asks, level)
		}
	}

	slices.SortFunc(bids, func(a, b models.Level) int { return b.Price.Cmp(a.Price) })
	slices.SortFunc(asks, func(a, b models.Level) int { return a.Price.Cmp(b.Price) })

	return bids, asks
}

func decodeRow(raw row, v any) error {
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
