package notify_test

import (
	"sort"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/psaab/ovsdp/pkg/genl"
	"github.com/psaab/ovsdp/pkg/genl/genltest"
	"github.com/psaab/ovsdp/pkg/notify"
	"github.com/psaab/ovsdp/pkg/odp"
	"github.com/psaab/ovsdp/pkg/odp/odptest"
	"github.com/psaab/ovsdp/pkg/pollloop"
)

func drain(t *testing.T, q *notify.ChangeQueue) []string {
	t.Helper()
	var out []string
	for {
		name, err := q.Poll()
		if err == unix.EAGAIN {
			sort.Strings(out)
			return out
		}
		require.NoError(t, err)
		out = append(out, name)
	}
}

func TestChangeQueueCollapses(t *testing.T) {
	q := notify.NewChangeQueue()
	for i := 0; i < 5; i++ {
		q.Add("eth0")
	}
	q.Add("eth1")
	require.True(t, q.Pending())
	require.Equal(t, []string{"eth0", "eth1"}, drain(t, q))
	require.False(t, q.Pending())
}

func TestChangeQueueOverflow(t *testing.T) {
	q := notify.NewChangeQueue()
	q.Add("eth0")
	q.Add("eth1")
	q.SetOverflow()
	require.True(t, q.Pending())

	_, err := q.Poll()
	require.Equal(t, unix.ENOBUFS, err)
	_, err = q.Poll()
	require.Equal(t, unix.EAGAIN, err)
}

func TestObserveFilters(t *testing.T) {
	q := notify.NewChangeQueue()
	fn := q.Observe(7)
	fn(&odp.Vport{Command: odp.CmdNew, Ifindex: 7, Name: "eth0"})
	fn(&odp.Vport{Command: odp.CmdDel, Ifindex: 7, Name: "eth1"})
	fn(&odp.Vport{Command: odp.CmdNew, Ifindex: 8, Name: "other"})
	fn(&odp.Vport{Command: odp.CmdGet, Ifindex: 7, Name: "reply"})
	require.Equal(t, []string{"eth0", "eth1"}, drain(t, q))

	fn(nil)
	_, err := q.Poll()
	require.Equal(t, unix.ENOBUFS, err)
}

func notifierSocket(t *testing.T, k *odptest.Kernel) *genltest.Socket {
	t.Helper()
	for _, s := range k.Net.Sockets() {
		if s.Joined(k.Families.VportGroup) {
			return s
		}
	}
	t.Fatal("no socket joined to the vport group")
	return nil
}

func TestNotifierFanOut(t *testing.T) {
	k := odptest.New()
	n := notify.New(k.Net.Dial, k.Families)
	idx := k.AddDatapath("br0")

	q1, q2 := notify.NewChangeQueue(), notify.NewChangeQueue()
	s1, err := n.Register(q1.Observe(idx))
	require.NoError(t, err)
	s2, err := n.Register(q2.Observe(idx))
	require.NoError(t, err)
	require.Equal(t, 1, k.Net.Dials, "subscribers share one socket")

	k.AddPort(idx, 1, "eth0", odp.VportNetdev)
	k.AddPort(idx, 2, "eth1", odp.VportNetdev)
	n.Run()
	require.Equal(t, []string{"eth0", "eth1"}, drain(t, q1))
	require.Equal(t, []string{"eth0", "eth1"}, drain(t, q2))

	s1.Unregister()
	s1.Unregister()
	require.Equal(t, 1, n.Subscribers())
	s2.Unregister()
	require.Empty(t, k.Net.Sockets(), "socket closed with the last subscriber")
}

func TestNotifierDecodeFailureOverflows(t *testing.T) {
	k := odptest.New()
	n := notify.New(k.Net.Dial, k.Families)
	q := notify.NewChangeQueue()
	_, err := n.Register(q.Observe(1))
	require.NoError(t, err)

	// A vport message without its required attributes.
	bad := genl.Message{Command: odp.CmdNew, Data: make([]byte, odp.HeaderLen)}
	bad.Header.Type = k.Families.Vport
	k.Net.Multicast(k.Families.VportGroup, bad)
	n.Run()

	_, err = q.Poll()
	require.Equal(t, unix.ENOBUFS, err)
}

func TestNotifierTransportErrorOverflows(t *testing.T) {
	k := odptest.New()
	n := notify.New(k.Net.Dial, k.Families)
	q := notify.NewChangeQueue()
	_, err := n.Register(q.Observe(1))
	require.NoError(t, err)

	sock := notifierSocket(t, k)
	sock.InjectError(unix.ENOBUFS)
	sock.Inject(syscall.NetlinkMessage{}) // not reached this Run
	n.Run()

	_, err = q.Poll()
	require.Equal(t, unix.ENOBUFS, err)
	require.Equal(t, 1, sock.Pending())
}

func TestNotifierJoinFailure(t *testing.T) {
	k := odptest.New()
	k.Net.DialErr = unix.EPERM
	n := notify.New(k.Net.Dial, k.Families)
	_, err := n.Register(func(*odp.Vport) {})
	require.Equal(t, unix.EPERM, err)
	require.Zero(t, n.Subscribers())
}

func TestNotifierWait(t *testing.T) {
	k := odptest.New()
	n := notify.New(k.Net.Dial, k.Families)

	var l pollloop.Loop
	n.Wait(&l)
	require.Empty(t, l.Waiting())

	_, err := n.Register(func(*odp.Vport) {})
	require.NoError(t, err)
	n.Wait(&l)
	require.Len(t, l.Waiting(), 1)
}
