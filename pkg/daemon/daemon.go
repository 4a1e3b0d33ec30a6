// Package daemon implements the dpifd lifecycle: it opens one datapath,
// attaches the configured ports, and services port changes and upcalls
// until shut down.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sys/unix"

	"github.com/psaab/ovsdp/pkg/api"
	"github.com/psaab/ovsdp/pkg/config"
	"github.com/psaab/ovsdp/pkg/dpif"
	"github.com/psaab/ovsdp/pkg/flowgc"
	"github.com/psaab/ovsdp/pkg/logging"
	"github.com/psaab/ovsdp/pkg/metrics"
	"github.com/psaab/ovsdp/pkg/odp"
	"github.com/psaab/ovsdp/pkg/pollloop"
)

const (
	// maxUpcallsPerStep bounds the upcalls handled per loop iteration so
	// port changes are not starved.
	maxUpcallsPerStep = 50
	pollInterval      = time.Second
	summaryTopN       = 10
)

var recvRL = logging.NewRateLimiter(6, 10)

// Options configures the daemon.
type Options struct {
	Config *config.Config
	// Backend reaches the kernel. The zero value uses netlink.
	Backend dpif.Backend
}

// Daemon drives one datapath.
type Daemon struct {
	cfg     *config.Config
	backend dpif.Backend

	sys *dpif.System
	dp  *dpif.Datapath
	gc  *flowgc.GC // nil when flows never expire

	// ports is the last known port set, by name. Only the loop
	// goroutine touches it.
	ports map[string]dpif.Port

	upcallLog     *logging.UpcallLog
	agg           *logging.UpcallAggregator
	registry      *prometheus.Registry
	upcallMetrics *metrics.Upcalls
}

// New creates a Daemon. Nothing touches the kernel until Run.
func New(opts Options) *Daemon {
	b := opts.Backend
	if b.Resolver == nil || b.Dial == nil {
		b = dpif.NetlinkBackend()
	}
	d := &Daemon{
		cfg:       opts.Config,
		backend:   b,
		ports:     make(map[string]dpif.Port),
		upcallLog: logging.NewUpcallLog(opts.Config.Upcalls.LogSize),
		registry:  prometheus.NewRegistry(),
	}
	d.upcallMetrics = metrics.NewUpcalls(d.registry)
	if iv := opts.Config.Upcalls.SummaryInterval; iv > 0 {
		d.agg = logging.NewUpcallAggregator(iv, summaryTopN)
		d.agg.SetLogFunc(slog.Info)
	}
	return d
}

// Run opens the datapath and blocks until ctx is cancelled or SIGTERM
// or SIGINT arrives. The datapath is left in place on exit.
func (d *Daemon) Run(ctx context.Context) error {
	slog.Info("starting dpifd",
		"datapath", d.cfg.Datapath.Name,
		"pid", os.Getpid())

	if err := d.open(); err != nil {
		return err
	}
	defer d.close()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	if d.agg != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.agg.Run(ctx)
		}()
	}

	errCh := make(chan error, 1)
	if addr := d.cfg.Metrics.Addr; addr != "" {
		srv := api.NewServer(d.apiConfig(addr))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Run(ctx); err != nil {
				errCh <- fmt.Errorf("http api: %w", err)
			}
		}()
	}

	var runErr error
	for ctx.Err() == nil && runErr == nil {
		d.step()

		var loop pollloop.Loop
		d.wait(&loop)
		if _, err := loop.Block(pollInterval); err != nil {
			runErr = fmt.Errorf("poll: %w", err)
		}
		select {
		case err := <-errCh:
			runErr = err
		default:
		}
	}

	cancel()
	wg.Wait()
	slog.Info("dpifd stopped")
	return runErr
}

func (d *Daemon) apiConfig(addr string) api.Config {
	cfg := api.Config{
		Addr:     addr,
		Datapath: d.dp,
		Upcalls:  d.upcallLog,
		Gatherer: d.registry,
	}
	if keys := d.cfg.Metrics.APIKeys; len(keys) > 0 {
		cfg.Auth = &api.AuthConfig{APIKeys: keys}
	}
	return cfg
}

// open connects to the kernel, opens or creates the datapath, attaches
// missing configured ports and subscribes to upcalls.
func (d *Daemon) open() error {
	mask, err := d.cfg.ListenMask()
	if err != nil {
		return err
	}
	sys, err := dpif.NewSystem(d.backend, dpif.Options{UpcallAttempts: d.cfg.Upcalls.MaxAttempts})
	if err != nil {
		return fmt.Errorf("connecting to datapath module: %w", err)
	}
	dp, err := sys.Open(d.cfg.Datapath.Name, d.cfg.Datapath.Create)
	if err != nil {
		sys.Close()
		return fmt.Errorf("opening datapath %s: %w", d.cfg.Datapath.Name, err)
	}
	d.sys, d.dp = sys, dp
	d.registry.MustRegister(metrics.NewCollector(dp))

	if err := d.attachPorts(); err != nil {
		d.close()
		return err
	}
	if err := dp.RecvSetMask(mask); err != nil {
		d.close()
		return fmt.Errorf("subscribing to upcalls: %w", err)
	}
	d.resync()
	if idle := d.cfg.Flows.IdleTimeout; idle > 0 {
		d.gc = flowgc.New(dp, idle)
	}
	slog.Info("datapath open",
		"datapath", dp.Name(),
		"ifindex", dp.Index(),
		"ports", len(d.ports),
		"listen", d.cfg.Upcalls.Listen)
	return nil
}

func (d *Daemon) close() {
	if d.dp != nil {
		d.dp.Close()
		d.dp = nil
		d.gc = nil
	}
	if d.sys != nil {
		d.sys.Close()
		d.sys = nil
	}
}

func (d *Daemon) attachPorts() error {
	for _, pc := range d.cfg.Datapath.Ports {
		_, err := d.dp.PortQueryByName(pc.Name)
		if err == nil {
			continue
		}
		if !errors.Is(err, unix.ENODEV) {
			return fmt.Errorf("looking up port %s: %w", pc.Name, err)
		}
		no, err := d.dp.PortAdd(dpif.PortSpec{Name: pc.Name, Type: pc.Type})
		if err != nil {
			return fmt.Errorf("adding port %s: %w", pc.Name, err)
		}
		slog.Info("port added", "datapath", d.dp.Name(), "port", pc.Name, "port_no", no)
	}
	return nil
}

// step services everything that is ready without blocking.
func (d *Daemon) step() {
	d.dp.Run()
	d.pollPorts()
	d.drainUpcalls()
	if d.gc != nil {
		d.gc.Poll()
	}
}

// wait registers everything step is waiting on.
func (d *Daemon) wait(p pollloop.Poller) {
	d.dp.Wait(p)
	d.dp.PortPollWait(p)
	d.dp.RecvWait(p)
}

func (d *Daemon) pollPorts() {
	for {
		name, err := d.dp.PortPoll()
		switch err {
		case nil:
			d.portChanged(name)
		case unix.ENOBUFS:
			slog.Warn("port notifications lost, re-reading ports", "datapath", d.dp.Name())
			d.resync()
		default:
			return
		}
	}
}

func (d *Daemon) portChanged(name string) {
	p, err := d.dp.PortQueryByName(name)
	switch {
	case err == nil:
		if old, ok := d.ports[name]; !ok || old.PortNo != p.PortNo {
			slog.Info("port attached", "datapath", d.dp.Name(), "port", name, "port_no", p.PortNo, "type", p.Type)
		}
		d.ports[name] = p
	case errors.Is(err, unix.ENODEV):
		if _, ok := d.ports[name]; ok {
			slog.Info("port detached", "datapath", d.dp.Name(), "port", name)
			delete(d.ports, name)
		}
	default:
		slog.Warn("port lookup failed", "datapath", d.dp.Name(), "port", name, "err", err)
	}
}

// resync replaces the known port set with a full dump.
func (d *Daemon) resync() {
	ports, err := d.dp.Ports()
	if err != nil {
		slog.Warn("port dump failed", "datapath", d.dp.Name(), "err", err)
		return
	}
	next := make(map[string]dpif.Port, len(ports))
	for _, p := range ports {
		next[p.Name] = p
	}
	for name := range d.ports {
		if _, ok := next[name]; !ok {
			slog.Info("port detached", "datapath", d.dp.Name(), "port", name)
		}
	}
	d.ports = next
}

func (d *Daemon) drainUpcalls() {
	for i := 0; i < maxUpcallsPerStep; i++ {
		up, err := d.dp.Recv()
		if err == unix.EAGAIN {
			return
		}
		if err != nil {
			recvRL.Warn("upcall receive failed", "datapath", d.dp.Name(), "err", err)
			continue
		}
		d.record(up)
	}
}

func (d *Daemon) record(up odp.Upcall) {
	rec := logging.UpcallRecord{
		Time:      time.Now(),
		Datapath:  d.dp.Name(),
		Type:      up.Type.String(),
		PacketLen: len(up.Packet),
		KeyLen:    len(up.Key),
	}
	if up.Userdata != nil {
		rec.Userdata = *up.Userdata
		rec.HasUser = true
	}
	d.upcallLog.Add(rec)
	if d.agg != nil {
		d.agg.Add(rec)
	}
	d.upcallMetrics.Observe(rec.Datapath, &up)
}
