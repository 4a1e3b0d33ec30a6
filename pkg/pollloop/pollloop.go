// Package pollloop collects file descriptors that callers want to wait
// on and blocks until one is ready.
package pollloop

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

// Poller is where a component registers what it is waiting for.
type Poller interface {
	// FdWait wakes the next Block when fd has any of events (POLLIN...).
	FdWait(fd int, events int16)
	// ImmediateWake makes the next Block return without waiting.
	ImmediateWake()
}

// Loop is a single-use-per-iteration Poller backed by poll(2).
type Loop struct {
	fds       []unix.PollFd
	immediate bool
}

// FdWait implements Poller.
func (l *Loop) FdWait(fd int, events int16) {
	for i := range l.fds {
		if l.fds[i].Fd == int32(fd) {
			l.fds[i].Events |= events
			return
		}
	}
	l.fds = append(l.fds, unix.PollFd{Fd: int32(fd), Events: events})
}

// ImmediateWake implements Poller.
func (l *Loop) ImmediateWake() {
	l.immediate = true
}

// Block waits until a registered fd is ready or timeout passes, then
// resets the registrations. A negative timeout waits forever. It returns
// the ready fds.
func (l *Loop) Block(timeout time.Duration) ([]int, error) {
	defer l.reset()

	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}
	if l.immediate {
		ms = 0
	}
	if len(l.fds) == 0 && ms < 0 {
		return nil, errors.New("pollloop: blocking forever with nothing to wait for")
	}

	for {
		n, err := unix.Poll(l.fds, ms)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, err
		}
		ready := make([]int, 0, n)
		for _, pfd := range l.fds {
			if pfd.Revents != 0 {
				ready = append(ready, int(pfd.Fd))
			}
		}
		return ready, nil
	}
}

// Immediate reports whether ImmediateWake was called since the last
// Block.
func (l *Loop) Immediate() bool {
	return l.immediate
}

// Waiting returns the fds registered since the last Block.
func (l *Loop) Waiting() []int {
	out := make([]int, len(l.fds))
	for i, pfd := range l.fds {
		out[i] = int(pfd.Fd)
	}
	return out
}

func (l *Loop) reset() {
	l.fds = l.fds[:0]
	l.immediate = false
}
