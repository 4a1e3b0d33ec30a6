package notify

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/psaab/ovsdp/pkg/odp"
)

// ChangeQueue collects the names of changed ports of one datapath until
// they are polled.
type ChangeQueue struct {
	mu       sync.Mutex
	names    map[string]struct{}
	overflow bool
}

// NewChangeQueue returns an empty queue.
func NewChangeQueue() *ChangeQueue {
	return &ChangeQueue{names: make(map[string]struct{})}
}

// Add records that name changed. Repeated changes collapse.
func (q *ChangeQueue) Add(name string) {
	q.mu.Lock()
	q.names[name] = struct{}{}
	q.mu.Unlock()
}

// SetOverflow records that changes were lost.
func (q *ChangeQueue) SetOverflow() {
	q.mu.Lock()
	q.overflow = true
	q.mu.Unlock()
}

// Poll returns one changed port name. After an overflow it discards
// everything and returns ENOBUFS once; with nothing pending it returns
// EAGAIN.
func (q *ChangeQueue) Poll() (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.overflow {
		q.overflow = false
		clear(q.names)
		return "", unix.ENOBUFS
	}
	for name := range q.names {
		delete(q.names, name)
		return name, nil
	}
	return "", unix.EAGAIN
}

// Pending reports whether Poll would return something other than EAGAIN.
func (q *ChangeQueue) Pending() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.overflow || len(q.names) > 0
}

// Observe returns a Func that feeds q with the changes of the datapath
// with index dpIfindex.
func (q *ChangeQueue) Observe(dpIfindex int32) Func {
	return func(v *odp.Vport) {
		if v == nil {
			q.SetOverflow()
			return
		}
		if v.Ifindex != dpIfindex {
			return
		}
		switch v.Command {
		case odp.CmdNew, odp.CmdDel, odp.CmdSet:
			q.Add(v.Name)
		}
	}
}
