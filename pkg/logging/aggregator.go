package logging

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// UpcallAggregator counts upcalls per datapath and type and
// periodically logs the busiest ones.
type UpcallAggregator struct {
	mu     sync.Mutex
	counts map[aggKey]*aggEntry

	flushInterval time.Duration
	topN          int
	logFn         func(msg string, args ...any)
}

type aggKey struct {
	datapath string
	typ      string
}

type aggEntry struct {
	Upcalls uint64
	Bytes   uint64
}

// AggregateEntry is a single top-N entry returned by Flush.
type AggregateEntry struct {
	Datapath string
	Type     string
	Upcalls  uint64
	Bytes    uint64
}

// NewUpcallAggregator creates an aggregator.
// flushInterval controls how often the report is emitted (default 1min).
// topN controls how many entries it lists (default 10).
func NewUpcallAggregator(flushInterval time.Duration, topN int) *UpcallAggregator {
	if flushInterval <= 0 {
		flushInterval = time.Minute
	}
	if topN <= 0 {
		topN = 10
	}
	return &UpcallAggregator{
		counts:        make(map[aggKey]*aggEntry),
		flushInterval: flushInterval,
		topN:          topN,
		logFn:         slog.Info,
	}
}

// SetLogFunc replaces the function used to emit report lines.
func (ua *UpcallAggregator) SetLogFunc(fn func(msg string, args ...any)) {
	ua.mu.Lock()
	ua.logFn = fn
	ua.mu.Unlock()
}

// Add counts one upcall.
func (ua *UpcallAggregator) Add(rec UpcallRecord) {
	k := aggKey{datapath: rec.Datapath, typ: rec.Type}

	ua.mu.Lock()
	defer ua.mu.Unlock()
	e, ok := ua.counts[k]
	if !ok {
		e = &aggEntry{}
		ua.counts[k] = e
	}
	e.Upcalls++
	e.Bytes += uint64(rec.PacketLen)
}

// Flush returns the top-N entries by upcall count and resets counters.
func (ua *UpcallAggregator) Flush() []AggregateEntry {
	ua.mu.Lock()
	counts := ua.counts
	ua.counts = make(map[aggKey]*aggEntry)
	ua.mu.Unlock()

	if len(counts) == 0 {
		return nil
	}
	entries := make([]AggregateEntry, 0, len(counts))
	for k, e := range counts {
		entries = append(entries, AggregateEntry{Datapath: k.datapath, Type: k.typ, Upcalls: e.Upcalls, Bytes: e.Bytes})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Upcalls != entries[j].Upcalls {
			return entries[i].Upcalls > entries[j].Upcalls
		}
		if entries[i].Datapath != entries[j].Datapath {
			return entries[i].Datapath < entries[j].Datapath
		}
		return entries[i].Type < entries[j].Type
	})
	if len(entries) > ua.topN {
		entries = entries[:ua.topN]
	}
	return entries
}

// Run flushes and logs every interval until ctx is cancelled.
func (ua *UpcallAggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(ua.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ua.flushAndLog()
		}
	}
}

func (ua *UpcallAggregator) flushAndLog() {
	entries := ua.Flush()

	ua.mu.Lock()
	logFn := ua.logFn
	ua.mu.Unlock()

	for _, e := range entries {
		logFn("upcall summary", "datapath", e.Datapath, "type", e.Type,
			"upcalls", e.Upcalls, "bytes", e.Bytes, "interval", ua.flushInterval)
	}
}
