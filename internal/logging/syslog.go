// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package logging

import (
	"fmt"
	"log/syslog"
)

// SyslogConfig configures forwarding of log records to a remote syslog
// collector. Disabled by default; this is ambient observability, not a
// control-plane feature.
type SyslogConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Protocol string
	Tag      string
	Facility syslog.Priority
}

// DefaultSyslogConfig returns the package default: disabled, UDP/514.
func DefaultSyslogConfig() SyslogConfig {
	return SyslogConfig{
		Enabled:  false,
		Port:     514,
		Protocol: "udp",
		Tag:      "vmark-noded",
		Facility: syslog.LOG_LOCAL0,
	}
}

// NewSyslogWriter dials a remote syslog collector and returns a
// *syslog.Writer that can back a slog.Handler. A zero Port, Protocol or
// Tag is defaulted to the DefaultSyslogConfig value; Facility is used as
// given (zero is LOG_KERN).
func NewSyslogWriter(cfg SyslogConfig) (*syslog.Writer, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("syslog: host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 514
	}
	if cfg.Protocol == "" {
		cfg.Protocol = "udp"
	}
	if cfg.Tag == "" {
		cfg.Tag = "vmark-noded"
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	return syslog.Dial(cfg.Protocol, addr, cfg.Facility|syslog.LOG_INFO, cfg.Tag)
}
