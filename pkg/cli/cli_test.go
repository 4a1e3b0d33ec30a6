package cli

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/psaab/ovsdp/pkg/dpif"
	"github.com/psaab/ovsdp/pkg/nlattr"
	"github.com/psaab/ovsdp/pkg/odp"
	"github.com/psaab/ovsdp/pkg/odp/odptest"
)

type harness struct {
	k      *odptest.Kernel
	sys    *dpif.System
	c      *CLI
	out    *bytes.Buffer
	lookup []string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	k := odptest.New()
	sys, err := dpif.NewSystem(dpif.Backend{Resolver: k.Resolver(), Dial: k.Net.Dial}, dpif.Options{})
	require.NoError(t, err)
	t.Cleanup(sys.Close)

	h := &harness{k: k, sys: sys, out: &bytes.Buffer{}}
	h.c = New(sys, h.out)
	h.c.LinkIndex = func(name string) (int, error) {
		h.lookup = append(h.lookup, name)
		if name == "eth0" {
			return 2, nil
		}
		return 0, errors.New("no such link")
	}
	h.c.LinkNames = func() ([]string, error) { return []string{"eth0", "eth1"}, nil }
	h.c.nowMsec = func() uint64 { return 3500 }
	return h
}

// output returns and clears what the commands printed.
func (h *harness) output() string {
	s := h.out.String()
	h.out.Reset()
	return s
}

func TestParseIface(t *testing.T) {
	tests := []struct {
		arg     string
		want    dpif.PortSpec
		wantErr bool
	}{
		{arg: "eth0", want: dpif.PortSpec{Name: "eth0"}},
		{arg: "int0,type=internal", want: dpif.PortSpec{Name: "int0", Type: "internal"}},
		{arg: ",type=internal", wantErr: true},
		{arg: "eth0,mtu=9000", wantErr: true},
		{arg: "eth0,type", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseIface(tt.arg)
		if tt.wantErr {
			require.Error(t, err, tt.arg)
			continue
		}
		require.NoError(t, err, tt.arg)
		require.Equal(t, tt.want, got, tt.arg)
	}
}

func TestDatapathLifecycle(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.c.AddDP("br0", "eth0", "int0,type=internal"))
	require.Equal(t, []string{"eth0", "int0"}, h.lookup)

	require.NoError(t, h.c.DumpDPs())
	require.Equal(t, "br0\n", h.output())

	require.NoError(t, h.c.Show())
	require.Equal(t, "br0:\n"+
		"\tlookups: hit:0 missed:0 lost:0\n"+
		"\tflows: 0\n"+
		"\tport 0: br0 (internal)\n"+
		"\tport 1: eth0\n"+
		"\tport 2: int0 (internal)\n", h.output())

	require.NoError(t, h.c.DelIf("br0", "eth0"))
	require.NoError(t, h.c.Show("br0"))
	require.NotContains(t, h.output(), "eth0")

	err := h.c.DelIf("br0", "eth0")
	require.ErrorContains(t, err, "is not a port of br0")

	require.NoError(t, h.c.DelDP("br0"))
	require.NoError(t, h.c.DumpDPs())
	require.Empty(t, h.output())

	require.ErrorIs(t, h.c.DelDP("br0"), unix.ENODEV)
}

func TestAddIfRequiresDatapath(t *testing.T) {
	h := newHarness(t)
	require.ErrorIs(t, h.c.AddIf("br0", "eth0"), unix.ENODEV)
	require.ErrorIs(t, h.c.AddDP("br1", "x,type=vxlan"), unix.EINVAL)
}

func TestFlows(t *testing.T) {
	h := newHarness(t)
	dp, err := h.sys.Open("br0", true)
	require.NoError(t, err)
	defer dp.Close()

	key := nlattr.NewBuilder()
	key.PutUint32(1, 7)
	actions := nlattr.NewBuilder()
	actions.PutUint32(odp.ActionAttrOutput, 1)
	_, err = dp.FlowPut(dpif.FlowPutCreate, key.Bytes(), actions.Bytes(), false)
	require.NoError(t, err)

	require.NoError(t, h.c.DumpFlows("br0"))
	require.Equal(t, fmt.Sprintf("key=%s, packets:0, bytes:0, used:never, actions=%s\n",
		hex.EncodeToString(key.Bytes()), hex.EncodeToString(actions.Bytes())), h.output())

	require.True(t, h.k.HitFlow(dp.Index(), key.Bytes(), 60, 0x02, 1000))
	require.NoError(t, h.c.DumpFlows("br0"))
	require.Contains(t, h.output(), "packets:1, bytes:60, flags:0x02, used:2.500s")

	require.NoError(t, h.c.DelFlows("br0"))
	require.NoError(t, h.c.DumpFlows("br0"))
	require.Empty(t, h.output())
}

func TestExec(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.c.Exec("add-dp br0 eth0"))
	require.NoError(t, h.c.Exec("  dump-dps  "))
	require.Equal(t, "br0\n", h.output())

	require.NoError(t, h.c.Exec(""))
	require.ErrorIs(t, h.c.Exec("exit"), ErrExit)
	require.ErrorIs(t, h.c.Exec("quit"), ErrExit)
	require.ErrorContains(t, h.c.Exec("del-dp"), "usage: del-dp DP")
	require.ErrorContains(t, h.c.Exec("add-if br0"), "usage: add-if")
	require.ErrorContains(t, h.c.Exec("frobnicate"), "unknown command")

	require.NoError(t, h.c.Exec("help"))
	require.Contains(t, h.output(), "dump-flows DP")
}

func TestContextHelp(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.AddDP("br0", "eth0"))

	require.NoError(t, h.c.Exec("dump?"))
	out := h.output()
	require.Contains(t, out, "dump-dps")
	require.Contains(t, out, "List installed flows")
	require.NotContains(t, out, "show")

	require.NoError(t, h.c.Exec("del-if br0 ?"))
	out = h.output()
	require.True(t, strings.HasPrefix(out, "Possible completions:\n"), out)
	require.Contains(t, out, "  eth0\n")

	require.NoError(t, h.c.Exec("del-dp br0 ?"))
	require.Equal(t, "No completions.\n", h.output())
}

func TestCompleter(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.AddDP("br0"))
	rc := &Completer{Src: h.c.Source()}

	tests := []struct {
		line    string
		want    []string
		wantLen int
	}{
		{"sh", []string{"ow "}, 2},
		{"show ", []string{"br0 "}, 0},
		{"add-if br0 eth", []string{"0 ", "1 "}, 3},
		{"del-if br0 b", []string{"r0 "}, 1},
		{"nothing ", nil, 0},
	}
	for _, tt := range tests {
		got, n := rc.Do([]rune(tt.line), len(tt.line))
		var strs []string
		for _, r := range got {
			strs = append(strs, string(r))
		}
		require.Equal(t, tt.want, strs, tt.line)
		require.Equal(t, tt.wantLen, n, tt.line)
	}
}
