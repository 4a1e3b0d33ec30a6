// Package cli implements the dpctl commands against a datapath system.
package cli

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/psaab/ovsdp/pkg/dpif"
	"github.com/psaab/ovsdp/pkg/odp"
)

// CLI runs dpctl commands, writing their output to Out.
type CLI struct {
	sys *dpif.System
	out io.Writer

	// LinkIndex resolves a network device name to its ifindex. It
	// defaults to a netlink lookup.
	LinkIndex func(name string) (int, error)
	// LinkNames lists network devices for completion.
	LinkNames func() ([]string, error)

	nowMsec func() uint64
}

// New returns a CLI bound to sys.
func New(sys *dpif.System, out io.Writer) *CLI {
	return &CLI{
		sys:       sys,
		out:       out,
		LinkIndex: netlinkIndex,
		LinkNames: netlinkNames,
		nowMsec:   odp.NowMsec,
	}
}

func netlinkIndex(name string) (int, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return 0, err
	}
	return link.Attrs().Index, nil
}

func netlinkNames() ([]string, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(links))
	for _, l := range links {
		names = append(names, l.Attrs().Name)
	}
	sort.Strings(names)
	return names, nil
}

func (c *CLI) open(name string, create bool) (*dpif.Datapath, error) {
	dp, err := c.sys.Open(name, create)
	if err != nil {
		return nil, fmt.Errorf("opening datapath %s: %w", name, err)
	}
	return dp, nil
}

// DumpDPs prints the name of every datapath.
func (c *CLI) DumpDPs() error {
	names, err := c.sys.Enumerate()
	if err != nil {
		return err
	}
	for _, n := range names {
		fmt.Fprintln(c.out, n)
	}
	return nil
}

// AddDP creates datapath name and attaches ifaces to it.
func (c *CLI) AddDP(name string, ifaces ...string) error {
	dp, err := c.open(name, true)
	if err != nil {
		return err
	}
	defer dp.Close()
	return c.addIfaces(dp, ifaces)
}

// DelDP deletes datapath name.
func (c *CLI) DelDP(name string) error {
	dp, err := c.open(name, false)
	if err != nil {
		return err
	}
	defer dp.Close()
	return dp.Destroy()
}

// AddIf attaches ifaces to datapath name. Each is NAME or
// NAME,type=TYPE.
func (c *CLI) AddIf(name string, ifaces ...string) error {
	dp, err := c.open(name, false)
	if err != nil {
		return err
	}
	defer dp.Close()
	return c.addIfaces(dp, ifaces)
}

// ParseIface splits "NAME[,type=TYPE]" into a port description.
func ParseIface(arg string) (dpif.PortSpec, error) {
	name, rest, _ := strings.Cut(arg, ",")
	if name == "" {
		return dpif.PortSpec{}, fmt.Errorf("%q: missing interface name", arg)
	}
	spec := dpif.PortSpec{Name: name}
	for rest != "" {
		var opt string
		opt, rest, _ = strings.Cut(rest, ",")
		key, val, ok := strings.Cut(opt, "=")
		if !ok || key != "type" {
			return dpif.PortSpec{}, fmt.Errorf("%q: unknown option %q", arg, opt)
		}
		spec.Type = val
	}
	return spec, nil
}

func (c *CLI) addIfaces(dp *dpif.Datapath, ifaces []string) error {
	for _, arg := range ifaces {
		spec, err := ParseIface(arg)
		if err != nil {
			return err
		}
		if c.LinkIndex != nil {
			if idx, err := c.LinkIndex(spec.Name); err == nil {
				spec.Ifindex = uint32(idx)
			}
		}
		if _, err := dp.PortAdd(spec); err != nil {
			return fmt.Errorf("adding %s to %s: %w", spec.Name, dp.Name(), err)
		}
	}
	return nil
}

// DelIf detaches ifaces from datapath name.
func (c *CLI) DelIf(name string, ifaces ...string) error {
	dp, err := c.open(name, false)
	if err != nil {
		return err
	}
	defer dp.Close()
	for _, iface := range ifaces {
		p, err := dp.PortQueryByName(iface)
		if errors.Is(err, unix.ENODEV) {
			return fmt.Errorf("%s is not a port of %s", iface, name)
		}
		if err != nil {
			return fmt.Errorf("looking up %s: %w", iface, err)
		}
		if err := dp.PortDel(p.PortNo); err != nil {
			return fmt.Errorf("removing %s from %s: %w", iface, name, err)
		}
	}
	return nil
}

// Show prints counters and ports of the named datapaths, or of every
// datapath when none are named.
func (c *CLI) Show(names ...string) error {
	if len(names) == 0 {
		var err error
		if names, err = c.sys.Enumerate(); err != nil {
			return err
		}
	}
	for _, name := range names {
		if err := c.show(name); err != nil {
			return err
		}
	}
	return nil
}

func (c *CLI) show(name string) error {
	dp, err := c.open(name, false)
	if err != nil {
		return err
	}
	defer dp.Close()

	stats, err := dp.Stats()
	if err != nil {
		return err
	}
	ports, err := dp.Ports()
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s:\n", name)
	fmt.Fprintf(c.out, "\tlookups: hit:%d missed:%d lost:%d\n", stats.Hit, stats.Missed, stats.Lost)
	fmt.Fprintf(c.out, "\tflows: %d\n", stats.Flows)
	sort.Slice(ports, func(i, j int) bool { return ports[i].PortNo < ports[j].PortNo })
	for _, p := range ports {
		fmt.Fprintf(c.out, "\tport %d: %s", p.PortNo, p.Name)
		if p.Type != odp.VportNetdev {
			fmt.Fprintf(c.out, " (%s)", p.Type)
		}
		fmt.Fprintln(c.out)
	}
	return nil
}

// DumpFlows prints every flow of datapath name. Keys and actions are
// printed as hex.
func (c *CLI) DumpFlows(name string) error {
	dp, err := c.open(name, false)
	if err != nil {
		return err
	}
	defer dp.Close()

	fd := dp.FlowDumpStart(true)
	for {
		e, err := fd.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			fd.Done()
			return err
		}
		fmt.Fprintln(c.out, formatFlow(e, c.nowMsec()))
	}
	return fd.Done()
}

func formatFlow(e dpif.FlowEntry, now uint64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "key=%s, packets:%d, bytes:%d", hex.EncodeToString(e.Key), e.Stats.Packets, e.Stats.Bytes)
	if e.Stats.TCPFlags != 0 {
		fmt.Fprintf(&b, ", flags:0x%02x", e.Stats.TCPFlags)
	}
	if e.Stats.Used == 0 {
		b.WriteString(", used:never")
	} else {
		ago := int64(now) - int64(e.Stats.Used)
		fmt.Fprintf(&b, ", used:%.3fs", float64(ago)/1000)
	}
	actions := "drop"
	if len(e.Actions) > 0 {
		actions = hex.EncodeToString(e.Actions)
	}
	fmt.Fprintf(&b, ", actions=%s", actions)
	return b.String()
}

// DelFlows deletes every flow of datapath name.
func (c *CLI) DelFlows(name string) error {
	dp, err := c.open(name, false)
	if err != nil {
		return err
	}
	defer dp.Close()
	return dp.FlowFlush()
}
