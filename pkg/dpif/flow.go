package dpif

import (
	"bytes"
	"io"
	"log/slog"

	"golang.org/x/sys/unix"

	"github.com/psaab/ovsdp/pkg/genl"
	"github.com/psaab/ovsdp/pkg/odp"
)

// FlowPutFlags select FlowPut's behavior.
type FlowPutFlags uint8

const (
	// FlowPutCreate allows creating a flow that does not exist.
	FlowPutCreate FlowPutFlags = 1 << iota
	// FlowPutModify allows replacing the actions of an existing flow.
	FlowPutModify
	// FlowPutZeroStats resets the statistics of an existing flow.
	FlowPutZeroStats
)

// FlowStats are a flow's counters.
type FlowStats struct {
	Packets  uint64
	Bytes    uint64
	Used     uint64 // msec since boot of the last hit, 0 if never
	TCPFlags uint8
}

func statsOf(fl *odp.Flow) FlowStats {
	var s FlowStats
	if fl.Stats != nil {
		s.Packets = fl.Stats.Packets
		s.Bytes = fl.Stats.Bytes
	}
	if fl.Used != nil {
		s.Used = *fl.Used
	}
	if fl.TCPFlags != nil {
		s.TCPFlags = *fl.TCPFlags
	}
	return s
}

// FlowGet returns the actions and statistics of the flow with key.
func (d *Datapath) FlowGet(key []byte) ([]byte, FlowStats, error) {
	fl, err := d.flowGet(key)
	if err != nil {
		return nil, FlowStats{}, err
	}
	return bytes.Clone(fl.Actions), statsOf(&fl), nil
}

func (d *Datapath) flowGet(key []byte) (odp.Flow, error) {
	return d.sys.client.TransactFlow(&odp.Flow{
		Command: odp.CmdGet,
		Ifindex: d.ifindex,
		Key:     key,
	}, true)
}

// FlowPut installs or updates the flow with key. Nil actions install an
// empty action list, which drops. With wantStats the statistics from
// before the update are returned.
func (d *Datapath) FlowPut(flags FlowPutFlags, key, actions []byte, wantStats bool) (FlowStats, error) {
	req := odp.Flow{
		Command: odp.CmdSet,
		Ifindex: d.ifindex,
		Key:     key,
		Actions: actions,
		Clear:   flags&FlowPutZeroStats != 0,
	}
	if flags&FlowPutCreate != 0 {
		req.Command = odp.CmdNew
	}
	if req.Actions == nil {
		req.Actions = []byte{}
	}
	if flags&FlowPutModify == 0 {
		req.NlmsgFlags = unix.NLM_F_CREATE
	}
	reply, err := d.sys.client.TransactFlow(&req, wantStats)
	if err != nil || !wantStats {
		return FlowStats{}, err
	}
	return statsOf(&reply), nil
}

// FlowDel removes the flow with key. With wantStats its final
// statistics are returned.
func (d *Datapath) FlowDel(key []byte, wantStats bool) (FlowStats, error) {
	reply, err := d.sys.client.TransactFlow(&odp.Flow{
		Command: odp.CmdDel,
		Ifindex: d.ifindex,
		Key:     key,
	}, wantStats)
	if err != nil || !wantStats {
		return FlowStats{}, err
	}
	return statsOf(&reply), nil
}

// FlowFlush removes every flow.
func (d *Datapath) FlowFlush() error {
	_, err := d.sys.client.TransactFlow(&odp.Flow{Command: odp.CmdDel, Ifindex: d.ifindex}, false)
	return err
}

// FlowEntry is one flow of a dump. Key and Actions are valid until the
// next call to Next; Actions is nil unless they were requested.
type FlowEntry struct {
	Key     []byte
	Actions []byte
	Stats   FlowStats
}

// FlowDump iterates over the flows of a datapath.
type FlowDump struct {
	d           *Datapath
	dump        *genl.Dump
	wantActions bool
}

// FlowDumpStart begins a flow enumeration. With wantActions, flows the
// kernel dumps without their actions are fetched one by one.
func (d *Datapath) FlowDumpStart(wantActions bool) *FlowDump {
	return &FlowDump{d: d, dump: d.sys.client.DumpFlows(d.ifindex), wantActions: wantActions}
}

// Next returns the next flow. It returns io.EOF after the last one.
// Flows that disappear before their actions can be fetched are skipped.
func (fd *FlowDump) Next() (FlowEntry, error) {
	for {
		m, ok := fd.dump.Next()
		if !ok {
			if err := fd.dump.Err(); err != nil {
				return FlowEntry{}, err
			}
			return FlowEntry{}, io.EOF
		}
		fl, err := fd.d.sys.fams.ParseFlow(m)
		if err != nil {
			return FlowEntry{}, err
		}
		if fd.wantActions && fl.Actions == nil {
			full, err := fd.d.flowGet(fl.Key)
			if err == unix.ENOENT {
				slog.Debug("dpif: dumped flow disappeared on get", "dp", fd.d.name)
				continue
			} else if err != nil {
				slog.Warn("dpif: error fetching dumped flow", "dp", fd.d.name, "err", err)
				continue
			}
			fl = full
		}
		e := FlowEntry{Key: fl.Key, Stats: statsOf(&fl)}
		if fd.wantActions {
			e.Actions = fl.Actions
		}
		return e, nil
	}
}

// Done ends the enumeration.
func (fd *FlowDump) Done() error {
	return fd.dump.Done()
}
