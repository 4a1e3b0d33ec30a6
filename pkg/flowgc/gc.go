// Package flowgc deletes datapath flows that have been idle too long.
package flowgc

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sys/unix"

	"github.com/psaab/ovsdp/pkg/dpif"
	"github.com/psaab/ovsdp/pkg/odp"
)

// GC sweeps one datapath's flow table. It is driven from the loop that
// owns the datapath handle.
type GC struct {
	dp       *dpif.Datapath
	idle     time.Duration
	interval time.Duration
	lastRun  time.Time

	// firstSeen holds, for flows that have never matched a packet, the
	// time the sweep first saw them.
	firstSeen map[string]uint64

	nowMsec func() uint64
	clock   func() time.Time
}

// New returns a collector that deletes flows idle for longer than idle.
// It sweeps at most every idle/2, but not more often than once a second.
func New(dp *dpif.Datapath, idle time.Duration) *GC {
	interval := idle / 2
	if interval < time.Second {
		interval = time.Second
	}
	return &GC{
		dp:        dp,
		idle:      idle,
		interval:  interval,
		firstSeen: make(map[string]uint64),
		nowMsec:   odp.NowMsec,
		clock:     time.Now,
	}
}

// Poll sweeps if the sweep interval has passed since the last sweep.
func (gc *GC) Poll() {
	now := gc.clock()
	if now.Sub(gc.lastRun) < gc.interval {
		return
	}
	gc.lastRun = now
	if _, err := gc.Sweep(); err != nil {
		slog.Error("flow GC sweep failed", "datapath", gc.dp.Name(), "err", err)
	}
}

// Sweep deletes every idle flow and returns how many were deleted.
func (gc *GC) Sweep() (int, error) {
	now := gc.nowMsec()
	idleMsec := uint64(gc.idle.Milliseconds())

	var total int
	var toDelete [][]byte
	seen := make(map[string]bool)

	fd := gc.dp.FlowDumpStart(false)
	for {
		e, err := fd.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			fd.Done()
			return 0, err
		}
		total++

		last := e.Stats.Used
		if last == 0 {
			id := string(e.Key)
			seen[id] = true
			first, ok := gc.firstSeen[id]
			if !ok {
				gc.firstSeen[id] = now
				continue
			}
			last = first
		}
		if now >= last && now-last >= idleMsec {
			toDelete = append(toDelete, bytes.Clone(e.Key))
		}
	}
	if err := fd.Done(); err != nil {
		return 0, err
	}
	for id := range gc.firstSeen {
		if !seen[id] {
			delete(gc.firstSeen, id)
		}
	}

	expired := 0
	for _, key := range toDelete {
		_, err := gc.dp.FlowDel(key, false)
		if err != nil && !errors.Is(err, unix.ENOENT) {
			slog.Debug("flow GC delete failed", "datapath", gc.dp.Name(), "err", err)
			continue
		}
		delete(gc.firstSeen, string(key))
		expired++
	}

	if expired > 0 {
		slog.Info("flow GC sweep",
			"datapath", gc.dp.Name(),
			"total_flows", total,
			"expired_deleted", expired)
	}
	return expired, nil
}
