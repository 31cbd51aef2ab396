package domain

import (
	"fmt"
	"strings"
	"time"
)

// Status — сводка о работающем шлюзе: статусное сообщение, команда alive, админский API.
type Status struct {
	SessionID    string    `json:"session_id"`
	Variant      string    `json:"variant"`
	State        string    `json:"state"`
	Self         Identity  `json:"self,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	Uptime       string    `json:"uptime"`
	Generation   uint64    `json:"registry_generation"`
	Commands     int       `json:"commands"`
	CachedGroups int       `json:"cached_groups"`
	Platform     string    `json:"platform"`
	GoVersion    string    `json:"go_version"`
}

// Text — человекочитаемое статусное сообщение для мессенджера.
func (s Status) Text() string {
	var b strings.Builder
	b.WriteString("*chatgate status*\n\n")
	fmt.Fprintf(&b, "Platform: %s\n", s.Platform)
	fmt.Fprintf(&b, "Go Version: %s\n", s.GoVersion)
	fmt.Fprintf(&b, "Uptime: %s\n", s.Uptime)
	fmt.Fprintf(&b, "Session: %s (%s)\n", s.SessionID, s.Variant)
	fmt.Fprintf(&b, "Commands: %d (generation %d)", s.Commands, s.Generation)
	return b.String()
}

// FormatUptime: 3725s -> "1h 2m 5s".
func FormatUptime(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d / time.Hour)
	m := int(d % time.Hour / time.Minute)
	sec := int(d % time.Minute / time.Second)
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm %ds", h, m, sec)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, sec)
	}
	return fmt.Sprintf("%ds", sec)
}
