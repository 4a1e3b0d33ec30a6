// Package metrics exports datapath counters to Prometheus.
package metrics

import (
	"log/slog"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/psaab/ovsdp/pkg/dpif"
	"github.com/psaab/ovsdp/pkg/odp"
)

// Datapath is what the collector reads on each scrape.
type Datapath interface {
	Name() string
	Stats() (odp.DatapathStats, error)
	Ports() ([]dpif.Port, error)
}

// datapathCollector implements prometheus.Collector, querying the kernel
// on each scrape.
type datapathCollector struct {
	dps []Datapath

	lookupsTotal *prometheus.Desc
	fragsTotal   *prometheus.Desc
	flows        *prometheus.Desc

	portPacketsTotal *prometheus.Desc
	portBytesTotal   *prometheus.Desc
	portErrorsTotal  *prometheus.Desc
	portDroppedTotal *prometheus.Desc

	scrapeErrors *prometheus.Desc
}

// NewCollector returns a collector for dps.
func NewCollector(dps ...Datapath) prometheus.Collector {
	portLabels := []string{"datapath", "port", "port_no", "direction"}
	return &datapathCollector{
		dps: dps,

		lookupsTotal: prometheus.NewDesc(
			"ovsdp_datapath_lookups_total",
			"Flow table lookups by result.",
			[]string{"datapath", "result"}, nil,
		),
		fragsTotal: prometheus.NewDesc(
			"ovsdp_datapath_fragments_total",
			"IPv4 fragments seen by the datapath.",
			[]string{"datapath"}, nil,
		),
		flows: prometheus.NewDesc(
			"ovsdp_datapath_flows",
			"Flows currently installed.",
			[]string{"datapath"}, nil,
		),
		portPacketsTotal: prometheus.NewDesc(
			"ovsdp_port_packets_total",
			"Packets per port.",
			portLabels, nil,
		),
		portBytesTotal: prometheus.NewDesc(
			"ovsdp_port_bytes_total",
			"Bytes per port.",
			portLabels, nil,
		),
		portErrorsTotal: prometheus.NewDesc(
			"ovsdp_port_errors_total",
			"Errors per port.",
			portLabels, nil,
		),
		portDroppedTotal: prometheus.NewDesc(
			"ovsdp_port_dropped_total",
			"Dropped packets per port.",
			portLabels, nil,
		),
		scrapeErrors: prometheus.NewDesc(
			"ovsdp_scrape_errors",
			"Kernel queries that failed during this scrape.",
			[]string{"datapath"}, nil,
		),
	}
}

func (c *datapathCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.lookupsTotal
	ch <- c.fragsTotal
	ch <- c.flows
	ch <- c.portPacketsTotal
	ch <- c.portBytesTotal
	ch <- c.portErrorsTotal
	ch <- c.portDroppedTotal
	ch <- c.scrapeErrors
}

func (c *datapathCollector) Collect(ch chan<- prometheus.Metric) {
	for _, dp := range c.dps {
		failed := 0
		if !c.collectDatapath(ch, dp) {
			failed++
		}
		if !c.collectPorts(ch, dp) {
			failed++
		}
		ch <- prometheus.MustNewConstMetric(c.scrapeErrors, prometheus.GaugeValue,
			float64(failed), dp.Name())
	}
}

func (c *datapathCollector) collectDatapath(ch chan<- prometheus.Metric, dp Datapath) bool {
	stats, err := dp.Stats()
	if err != nil {
		slog.Debug("metrics: datapath stats", "dp", dp.Name(), "err", err)
		return false
	}
	name := dp.Name()
	for _, r := range []struct {
		result string
		v      uint64
	}{
		{"hit", stats.Hit},
		{"missed", stats.Missed},
		{"lost", stats.Lost},
	} {
		ch <- prometheus.MustNewConstMetric(c.lookupsTotal, prometheus.CounterValue,
			float64(r.v), name, r.result)
	}
	ch <- prometheus.MustNewConstMetric(c.fragsTotal, prometheus.CounterValue,
		float64(stats.Frags), name)
	ch <- prometheus.MustNewConstMetric(c.flows, prometheus.GaugeValue,
		float64(stats.Flows), name)
	return true
}

func (c *datapathCollector) collectPorts(ch chan<- prometheus.Metric, dp Datapath) bool {
	ports, err := dp.Ports()
	if err != nil {
		slog.Debug("metrics: port dump", "dp", dp.Name(), "err", err)
		return false
	}
	name := dp.Name()
	for _, p := range ports {
		no := strconv.FormatUint(uint64(p.PortNo), 10)
		s := p.Stats
		for _, m := range []struct {
			desc   *prometheus.Desc
			rx, tx uint64
		}{
			{c.portPacketsTotal, s.RxPackets, s.TxPackets},
			{c.portBytesTotal, s.RxBytes, s.TxBytes},
			{c.portErrorsTotal, s.RxErrors, s.TxErrors},
			{c.portDroppedTotal, s.RxDropped, s.TxDropped},
		} {
			ch <- prometheus.MustNewConstMetric(m.desc, prometheus.CounterValue,
				float64(m.rx), name, p.Name, no, "rx")
			ch <- prometheus.MustNewConstMetric(m.desc, prometheus.CounterValue,
				float64(m.tx), name, p.Name, no, "tx")
		}
	}
	return true
}

// Upcalls counts upcalls handed to userspace.
type Upcalls struct {
	received *prometheus.CounterVec
	bytes    *prometheus.CounterVec
}

// NewUpcalls registers the upcall counters with reg.
func NewUpcalls(reg prometheus.Registerer) *Upcalls {
	u := &Upcalls{
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ovsdp_upcalls_total",
			Help: "Upcalls received by type.",
		}, []string{"datapath", "type"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ovsdp_upcall_bytes_total",
			Help: "Packet bytes carried by upcalls.",
		}, []string{"datapath", "type"}),
	}
	reg.MustRegister(u.received, u.bytes)
	return u
}

// Observe counts one upcall from datapath dp.
func (u *Upcalls) Observe(dp string, up *odp.Upcall) {
	t := up.Type.String()
	u.received.WithLabelValues(dp, t).Inc()
	u.bytes.WithLabelValues(dp, t).Add(float64(len(up.Packet)))
}

// NewRegistry returns an isolated registry holding a collector for dps.
func NewRegistry(dps ...Datapath) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewCollector(dps...))
	return reg
}
