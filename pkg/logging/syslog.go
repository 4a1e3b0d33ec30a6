package logging

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"
)

// Syslog severities (RFC 3164).
const (
	SyslogError   = 3
	SyslogWarning = 4
	SyslogInfo    = 6
	SyslogDebug   = 7
)

const facilityDaemon = 3

// SyslogClient writes RFC 3164 messages to a remote collector over UDP.
type SyslogClient struct {
	conn     net.Conn
	hostname string
	tag      string
	// MinSeverity drops messages less severe than it. Zero sends all.
	MinSeverity int
}

// DialSyslog connects to addr ("host:port") and tags messages with tag.
func DialSyslog(addr, tag string) (*SyslogClient, error) {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial syslog %s: %w", addr, err)
	}
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "localhost"
	}
	return &SyslogClient{conn: conn, hostname: hostname, tag: tag}, nil
}

// Send writes one message.
func (s *SyslogClient) Send(severity int, msg string) error {
	pri := facilityDaemon*8 + severity
	line := fmt.Sprintf("<%d>%s %s %s: %s", pri, time.Now().Format(time.Stamp), s.hostname, s.tag, msg)
	_, err := s.conn.Write([]byte(line))
	return err
}

// ShouldSend reports whether severity passes the client's filter. Lower
// numbers are more severe.
func (s *SyslogClient) ShouldSend(severity int) bool {
	return s.MinSeverity == 0 || severity <= s.MinSeverity
}

// Close closes the connection.
func (s *SyslogClient) Close() error {
	return s.conn.Close()
}

// ParseSeverity converts a severity name to its value, 0 for unknown
// names.
func ParseSeverity(name string) int {
	switch name {
	case "error":
		return SyslogError
	case "warning", "warn":
		return SyslogWarning
	case "info":
		return SyslogInfo
	case "debug":
		return SyslogDebug
	}
	return 0
}

func severityOf(level slog.Level) int {
	switch {
	case level >= slog.LevelError:
		return SyslogError
	case level >= slog.LevelWarn:
		return SyslogWarning
	case level >= slog.LevelInfo:
		return SyslogInfo
	default:
		return SyslogDebug
	}
}

// SyslogHandler is an slog.Handler that passes records to a base handler
// and copies them to syslog clients.
type SyslogHandler struct {
	base   slog.Handler
	shared *syslogClients
	attrs  []slog.Attr
	groups []string
}

type syslogClients struct {
	mu      sync.RWMutex
	clients []*SyslogClient
}

// NewSyslogHandler wraps base.
func NewSyslogHandler(base slog.Handler, clients ...*SyslogClient) *SyslogHandler {
	return &SyslogHandler{base: base, shared: &syslogClients{clients: clients}}
}

// Close closes every client. Records handled afterwards go to the base
// handler only.
func (h *SyslogHandler) Close() {
	h.shared.mu.Lock()
	clients := h.shared.clients
	h.shared.clients = nil
	h.shared.mu.Unlock()
	for _, c := range clients {
		c.Close()
	}
}

func (h *SyslogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base.Enabled(ctx, level)
}

func (h *SyslogHandler) Handle(ctx context.Context, r slog.Record) error {
	err := h.base.Handle(ctx, r)

	h.shared.mu.RLock()
	clients := h.shared.clients
	h.shared.mu.RUnlock()
	if len(clients) == 0 {
		return err
	}
	sev := severityOf(r.Level)
	msg := formatRecord(r, h.attrs, h.groups)
	for _, c := range clients {
		if c.ShouldSend(sev) {
			c.Send(sev, msg)
		}
	}
	return err
}

func (h *SyslogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &SyslogHandler{
		base:   h.base.WithAttrs(attrs),
		shared: h.shared,
		attrs:  append(append([]slog.Attr{}, h.attrs...), attrs...),
		groups: h.groups,
	}
}

func (h *SyslogHandler) WithGroup(name string) slog.Handler {
	return &SyslogHandler{
		base:   h.base.WithGroup(name),
		shared: h.shared,
		attrs:  h.attrs,
		groups: append(append([]string{}, h.groups...), name),
	}
}

// formatRecord renders r as "msg k=v k=v".
func formatRecord(r slog.Record, pre []slog.Attr, groups []string) string {
	var b strings.Builder
	b.WriteString(r.Message)
	for _, a := range pre {
		fmt.Fprintf(&b, " %s=%s", a.Key, a.Value.String())
	}
	prefix := ""
	if len(groups) > 0 {
		prefix = strings.Join(groups, ".") + "."
	}
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&b, " %s%s=%s", prefix, a.Key, a.Value.String())
		return true
	})
	return b.String()
}
