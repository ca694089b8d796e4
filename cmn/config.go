// Package cmn provides common constants, types, and utilities shared
// by every agent and domain package in this driver.
/*
 * Copyright (c) 2023-2026, NVIDIA CORPORATION. All rights reserved.
 */
package cmn

import "time"

// Config is the driver's full runtime configuration: term-buffer
// sizing, agent idle strategy, timeouts, and the handful of knobs each
// domain package reads at startup. It is the
// analogue of the teacher's ClusterConfig, trimmed and re-keyed to
// this driver's own sections.
type Config struct {
	Term struct {
		Length   int64 `json:"length"`   // bytes per term, power of 2
		MaxMTU   int   `json:"max_mtu"`  // max UDP payload a single frame may carry
		InitTerm int32 `json:"-"`        // computed at publication creation, not configured
	} `json:"term"`

	Timeout struct {
		ClientLiveness   Duration `json:"client_liveness"`   // conductor: client keepalive
		ImageLiveness    Duration `json:"image_liveness"`    // conductor: publication image liveness
		PublicationLinger Duration `json:"publication_linger"` // netpub: DRAINING->LINGER->CLOSED
		NakDelay         Duration `json:"nak_delay"`          // loss: NAK unicast delay before multicast retransmit
		SmDelay          Duration `json:"sm_delay"`           // receiver: status-message generation delay
		CoolDown         Duration `json:"cool_down"`          // dispatch: post-removal session cool-down
	} `json:"timeout"`

	FlowControl struct {
		InitialWindow int32  `json:"initial_window"`
		MaxWindow     int32  `json:"max_window"`
		Strategy      string `json:"strategy"` // "static" | "cubic"
	} `json:"flow_control"`

	Idle struct {
		MaxSpins  int           `json:"max_spins"`
		MaxYields int           `json:"max_yields"`
		ParkFor   Duration      `json:"park_for"`
	} `json:"idle"`

	Resolver struct {
		GossipInterval Duration `json:"gossip_interval"`
		NeighborTTL    Duration `json:"neighbor_ttl"`
		BootstrapAddr  string   `json:"bootstrap_addr"`
	} `json:"resolver"`

	Cnc struct {
		Dir          string `json:"dir"`
		ToDriverLen  int    `json:"to_driver_len"`
		ToClientsLen int    `json:"to_clients_len"`
		CountersLen  int    `json:"counters_len"`
	} `json:"cnc"`

	Log struct {
		Dir   string `json:"dir"`
		Level int    `json:"level"`
	} `json:"log"`

	TestingEnv bool `json:"testing_env"`
}

// Duration wraps time.Duration to get JSON marshaling as a Go duration
// string ("500ms") rather than a raw int64 of nanoseconds, matching
// the teacher's own cos.Duration convention.
type Duration time.Duration

func (d Duration) D() time.Duration   { return time.Duration(d) }
func (d Duration) String() string     { return time.Duration(d).String() }
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}
func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' {
		s = s[1 : len(s)-1]
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// DefaultConfig returns sane defaults for standalone/testing use; a
// deployed driver overrides these from a JSON config file.
func DefaultConfig() *Config {
	c := &Config{}
	c.Term.Length = 16 * 1024 * 1024
	c.Term.MaxMTU = 1408
	c.Timeout.ClientLiveness = Duration(10 * time.Second)
	c.Timeout.ImageLiveness = Duration(10 * time.Second)
	c.Timeout.PublicationLinger = Duration(5 * time.Second)
	c.Timeout.NakDelay = Duration(10 * time.Millisecond)
	c.Timeout.SmDelay = Duration(1 * time.Millisecond)
	c.Timeout.CoolDown = Duration(1 * time.Second)
	c.FlowControl.InitialWindow = 128 * 1024
	c.FlowControl.MaxWindow = 2 * 1024 * 1024
	c.FlowControl.Strategy = "static"
	c.Idle.MaxSpins = 10000
	c.Idle.MaxYields = 100
	c.Idle.ParkFor = Duration(time.Microsecond)
	c.Resolver.GossipInterval = Duration(time.Second)
	c.Resolver.NeighborTTL = Duration(10 * time.Second)
	c.Cnc.ToDriverLen = 1024 * 1024
	c.Cnc.ToClientsLen = 1024 * 1024
	c.Cnc.CountersLen = 64 * 1024
	return c
}
