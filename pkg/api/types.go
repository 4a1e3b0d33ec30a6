// Package api serves the dpifd HTTP API: health, datapath state, the
// recent upcall log and the Prometheus endpoint.
package api

// Response is the JSON envelope of every API reply.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// StatusResponse describes the datapath being driven.
type StatusResponse struct {
	Datapath string        `json:"datapath"`
	Uptime   string        `json:"uptime"`
	Upcalls  uint64        `json:"upcalls"`
	Stats    DatapathStats `json:"stats"`
}

// DatapathStats are the datapath's lookup counters.
type DatapathStats struct {
	Hit    uint64 `json:"hit"`
	Missed uint64 `json:"missed"`
	Lost   uint64 `json:"lost"`
	Frags  uint64 `json:"frags"`
	Flows  uint64 `json:"flows"`
}

// PortEntry is one attached port.
type PortEntry struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	PortNo    uint32 `json:"port_no"`
	RxPackets uint64 `json:"rx_packets"`
	TxPackets uint64 `json:"tx_packets"`
	RxBytes   uint64 `json:"rx_bytes"`
	TxBytes   uint64 `json:"tx_bytes"`
	RxDropped uint64 `json:"rx_dropped"`
	TxDropped uint64 `json:"tx_dropped"`
}

// UpcallEntry is one record from the upcall log.
type UpcallEntry struct {
	Time      string  `json:"time"`
	Datapath  string  `json:"datapath"`
	Type      string  `json:"type"`
	PacketLen int     `json:"packet_len"`
	KeyLen    int     `json:"key_len"`
	Userdata  *uint64 `json:"userdata,omitempty"`
}
