package genl

import (
	"log/slog"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Conn runs transactions over one persistent socket. Only one request
// is outstanding at a time; concurrent callers are serialized.
//
// Dumps run on their own socket obtained from the dialer so that a
// caller may issue transactions while iterating a dump.
type Conn struct {
	mu   sync.Mutex
	sock Socket
	dial Dialer
}

// NewConn dials the transaction socket.
func NewConn(dial Dialer) (*Conn, error) {
	sock, err := dial()
	if err != nil {
		return nil, err
	}
	return &Conn{sock: sock, dial: dial}, nil
}

// Close closes the transaction socket. Any in-flight Transact fails.
func (c *Conn) Close() {
	c.sock.Close()
}

// Transact sends r and waits for the message carrying its sequence
// number. A kernel error is returned as the unix.Errno it carried. A
// bare acknowledgement yields a zero Message and a nil error.
func (c *Conn) Transact(r *Request) (Message, error) {
	req := r.Netlink()
	req.Flags |= unix.NLM_F_ACK
	seq := req.Seq

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.sock.Send(req); err != nil {
		return Message{}, err
	}
	for {
		msgs, err := c.sock.Receive(true)
		if err != nil {
			return Message{}, err
		}
		for _, m := range msgs {
			if m.Header.Seq != seq {
				slog.Debug("genl: discarding message with stale sequence",
					"seq", m.Header.Seq, "want", seq)
				continue
			}
			if m.Header.Type == unix.NLMSG_ERROR {
				return Message{}, errnoOf(m)
			}
			return ParseMessage(m)
		}
	}
}

// Dump starts a dump of r. The returned Dump must be finished with Done.
func (c *Conn) Dump(r *Request) *Dump {
	req := r.Netlink()
	req.Flags |= unix.NLM_F_DUMP
	d := &Dump{seq: req.Seq}

	sock, err := c.dial()
	if err != nil {
		d.err = err
		d.done = true
		return d
	}
	d.sock = sock
	if err := sock.Send(req); err != nil {
		d.err = err
		d.done = true
	}
	return d
}

// Dump is a lazily received, non-restartable multipart reply. It is
// not safe for concurrent use.
type Dump struct {
	sock    Socket
	seq     uint32
	pending []syscall.NetlinkMessage
	done    bool
	err     error
}

// Next returns the next reply message. It returns false once the
// kernel signals the end of the dump or an error occurs; Done reports
// which.
func (d *Dump) Next() (Message, bool) {
	for !d.done {
		if len(d.pending) == 0 {
			msgs, err := d.sock.Receive(true)
			if err != nil {
				d.fail(err)
				break
			}
			d.pending = msgs
			continue
		}
		m := d.pending[0]
		d.pending = d.pending[1:]
		if m.Header.Seq != d.seq {
			continue
		}
		switch m.Header.Type {
		case unix.NLMSG_DONE:
			d.done = true
		case unix.NLMSG_ERROR:
			if err := errnoOf(m); err != nil {
				d.fail(err)
			}
		default:
			msg, err := ParseMessage(m)
			if err != nil {
				d.fail(err)
				break
			}
			return msg, true
		}
	}
	return Message{}, false
}

func (d *Dump) fail(err error) {
	d.err = err
	d.done = true
}

// Err returns the error that ended the dump, if any.
func (d *Dump) Err() error {
	return d.err
}

// Done releases the dump socket and returns the first transport or
// kernel error seen while dumping. A dump abandoned before its end is
// not an error.
func (d *Dump) Done() error {
	if d.sock != nil {
		d.sock.Close()
		d.sock = nil
	}
	d.done = true
	d.pending = nil
	return d.err
}
