// Package config carries the socket tuning knobs, loadable from a
// TOML file. Zero values fall back to defaults, so a config file only
// needs the knobs it wants to change.
package config

import (
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
)

type Tuning struct {
	// Reliability engine.
	WindowSize   int `toml:"window_size"`
	ReorderLimit int `toml:"reorder_limit"`
	MaxRetries   int `toml:"max_retries"`
	RTOMinMS     int `toml:"rto_min_ms"`
	RTOMaxMS     int `toml:"rto_max_ms"`
	InitialRTOMS int `toml:"initial_rto_ms"`

	// Congestion controller.
	InitialCongestionWindow int `toml:"initial_congestion_window"`
	MaxCongestionWindow     int `toml:"max_congestion_window"`

	// Session lifecycle.
	HandshakeRetries   int `toml:"handshake_retries"`
	HandshakeTimeoutMS int `toml:"handshake_timeout_ms"`
	CloseTimeoutMS     int `toml:"close_timeout_ms"`

	// Buffers.
	MTU          int `toml:"mtu"`
	RecvQueueLen int `toml:"recv_queue_len"`
}

func Default() Tuning {
	return Tuning{
		WindowSize:              64,
		ReorderLimit:            256,
		MaxRetries:              8,
		RTOMinMS:                100,
		RTOMaxMS:                10000,
		InitialRTOMS:            200,
		InitialCongestionWindow: 4,
		MaxCongestionWindow:     64,
		HandshakeRetries:        4,
		HandshakeTimeoutMS:      500,
		CloseTimeoutMS:          2000,
		MTU:                     1400,
		RecvQueueLen:            1024,
	}
}

// Load reads a TOML file over the defaults.
func Load(path string) (Tuning, error) {
	t := Default()
	meta, err := toml.DecodeFile(path, &t)
	if err != nil {
		return t, err
	}
	for _, key := range meta.Undecoded() {
		logrus.Warn("[Config] Unknown key in ", path, ": ", key.String())
	}
	t.applyDefaults()
	return t, nil
}

// applyDefaults repairs zero or negative knobs after decoding.
func (t *Tuning) applyDefaults() {
	d := Default()
	if t.WindowSize <= 0 {
		t.WindowSize = d.WindowSize
	}
	if t.ReorderLimit <= 0 {
		t.ReorderLimit = d.ReorderLimit
	}
	if t.MaxRetries <= 0 {
		t.MaxRetries = d.MaxRetries
	}
	if t.RTOMinMS <= 0 {
		t.RTOMinMS = d.RTOMinMS
	}
	if t.RTOMaxMS <= 0 {
		t.RTOMaxMS = d.RTOMaxMS
	}
	if t.InitialRTOMS <= 0 {
		t.InitialRTOMS = d.InitialRTOMS
	}
	if t.InitialCongestionWindow <= 0 {
		t.InitialCongestionWindow = d.InitialCongestionWindow
	}
	if t.MaxCongestionWindow <= 0 {
		t.MaxCongestionWindow = d.MaxCongestionWindow
	}
	if t.HandshakeRetries <= 0 {
		t.HandshakeRetries = d.HandshakeRetries
	}
	if t.HandshakeTimeoutMS <= 0 {
		t.HandshakeTimeoutMS = d.HandshakeTimeoutMS
	}
	if t.CloseTimeoutMS <= 0 {
		t.CloseTimeoutMS = d.CloseTimeoutMS
	}
	if t.MTU <= 0 {
		t.MTU = d.MTU
	}
	if t.RecvQueueLen <= 0 {
		t.RecvQueueLen = d.RecvQueueLen
	}
}

func (t Tuning) RTOMin() time.Duration { return time.Duration(t.RTOMinMS) * time.Millisecond }
func (t Tuning) RTOMax() time.Duration { return time.Duration(t.RTOMaxMS) * time.Millisecond }
func (t Tuning) InitialRTO() time.Duration {
	return time.Duration(t.InitialRTOMS) * time.Millisecond
}
func (t Tuning) HandshakeTimeout() time.Duration {
	return time.Duration(t.HandshakeTimeoutMS) * time.Millisecond
}
func (t Tuning) CloseTimeout() time.Duration {
	return time.Duration(t.CloseTimeoutMS) * time.Millisecond
}
