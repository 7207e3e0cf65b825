package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/beamline/gospec/spec"
)

type fileConfig struct {
	Host             string `toml:"host"`
	Port             int    `toml:"port"`
	Ports            []int  `toml:"ports"`
	PortRangeStart   int    `toml:"port_range_start"`
	PortRangeEnd     int    `toml:"port_range_end"`
	ProbeTimeout     string `toml:"probe_timeout"`
	ClientName       string `toml:"client_name"`
	CallTimeout      string `toml:"call_timeout"`
	SubscribeTimeout string `toml:"subscribe_timeout"`
}

func loadConfig(path string) (spec.Config, error) {
	var cfg spec.Config

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return spec.Config{}, fmt.Errorf("load config: %w", err)
	}

	if meta.IsDefined("host") {
		cfg.Transport.Host = strings.TrimSpace(raw.Host)
	}
	if meta.IsDefined("port") {
		cfg.Transport.Port = raw.Port
	}
	if meta.IsDefined("ports") {
		cfg.Transport.Ports = raw.Ports
	}
	if meta.IsDefined("port_range_start") {
		cfg.Transport.PortRangeStart = raw.PortRangeStart
	}
	if meta.IsDefined("port_range_end") {
		cfg.Transport.PortRangeEnd = raw.PortRangeEnd
	}
	if meta.IsDefined("client_name") {
		cfg.Transport.ClientName = strings.TrimSpace(raw.ClientName)
	}

	if meta.IsDefined("probe_timeout") {
		d, err := parseTimeout(raw.ProbeTimeout)
		if err != nil {
			return spec.Config{}, fmt.Errorf("parse probe_timeout: %w", err)
		}
		cfg.Transport.ProbeTimeout = d
	}
	if meta.IsDefined("call_timeout") {
		d, err := parseTimeout(raw.CallTimeout)
		if err != nil {
			return spec.Config{}, fmt.Errorf("parse call_timeout: %w", err)
		}
		cfg.CallTimeout = d
	}
	if meta.IsDefined("subscribe_timeout") {
		d, err := parseTimeout(raw.SubscribeTimeout)
		if err != nil {
			return spec.Config{}, fmt.Errorf("parse subscribe_timeout: %w", err)
		}
		cfg.SubscribeTimeout = d
	}

	return cfg, nil
}

func parseTimeout(s string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("timeout must be positive, got %s", d)
	}
	return d, nil
}
