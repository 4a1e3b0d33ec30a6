package logging

import (
	"strings"
	"sync"
	"time"
)

// UpcallRecord is a summary of one received upcall.
type UpcallRecord struct {
	Time      time.Time
	Datapath  string // "br0"
	Type      string // "miss", "action", "sample"
	PacketLen int
	KeyLen    int
	Userdata  uint64 // for action and sample upcalls
	HasUser   bool
}

// UpcallLog is a thread-safe circular buffer of recent upcalls.
type UpcallLog struct {
	mu    sync.RWMutex
	buf   []UpcallRecord
	size  int
	head  int // next write position
	count int
	seq   uint64

	subMu sync.RWMutex
	subs  map[*Subscription]struct{}
}

// Subscription receives new records from an UpcallLog.
type Subscription struct {
	C  chan UpcallRecord
	ul *UpcallLog
}

// Close unsubscribes. The channel is left open for a final drain.
func (s *Subscription) Close() {
	s.ul.unsubscribe(s)
}

// NewUpcallLog creates a log holding the last size records.
func NewUpcallLog(size int) *UpcallLog {
	if size < 1 {
		size = 1
	}
	return &UpcallLog{
		buf:  make([]UpcallRecord, size),
		size: size,
		subs: make(map[*Subscription]struct{}),
	}
}

// Add appends rec, overwriting the oldest record if full. Slow
// subscribers miss records rather than block the caller.
func (ul *UpcallLog) Add(rec UpcallRecord) {
	ul.mu.Lock()
	ul.buf[ul.head] = rec
	ul.head = (ul.head + 1) % ul.size
	if ul.count < ul.size {
		ul.count++
	}
	ul.seq++
	ul.mu.Unlock()

	ul.subMu.RLock()
	for sub := range ul.subs {
		select {
		case sub.C <- rec:
		default:
		}
	}
	ul.subMu.RUnlock()
}

// Total returns the number of records ever added.
func (ul *UpcallLog) Total() uint64 {
	ul.mu.RLock()
	defer ul.mu.RUnlock()
	return ul.seq
}

// Subscribe returns a Subscription with a channel of bufSize records.
func (ul *UpcallLog) Subscribe(bufSize int) *Subscription {
	if bufSize < 1 {
		bufSize = 64
	}
	sub := &Subscription{
		C:  make(chan UpcallRecord, bufSize),
		ul: ul,
	}
	ul.subMu.Lock()
	ul.subs[sub] = struct{}{}
	ul.subMu.Unlock()
	return sub
}

func (ul *UpcallLog) unsubscribe(sub *Subscription) {
	ul.subMu.Lock()
	delete(ul.subs, sub)
	ul.subMu.Unlock()
}

// UpcallFilter selects records. Empty fields match everything.
type UpcallFilter struct {
	Datapath string // exact match
	Type     string // case-insensitive
}

// Matches reports whether rec passes the filter.
func (f UpcallFilter) Matches(rec *UpcallRecord) bool {
	if f.Datapath != "" && rec.Datapath != f.Datapath {
		return false
	}
	if f.Type != "" && !strings.EqualFold(rec.Type, f.Type) {
		return false
	}
	return true
}

// LatestFiltered returns up to n of the newest matching records, newest
// first.
func (ul *UpcallLog) LatestFiltered(n int, f UpcallFilter) []UpcallRecord {
	ul.mu.RLock()
	defer ul.mu.RUnlock()

	var result []UpcallRecord
	for i := 0; i < ul.count && len(result) < n; i++ {
		idx := (ul.head - 1 - i + ul.size) % ul.size
		if f.Matches(&ul.buf[idx]) {
			result = append(result, ul.buf[idx])
		}
	}
	return result
}

// Latest returns up to n of the newest records, newest first.
func (ul *UpcallLog) Latest(n int) []UpcallRecord {
	return ul.LatestFiltered(n, UpcallFilter{})
}
