// Package cmn provides common constants, types, and utilities shared
// by every agent and domain package in this driver.
/*
 * Copyright (c) 2023-2026, NVIDIA CORPORATION. All rights reserved.
 */
package cmn

import "time"

// Rom ("read-mostly") caches the handful of Config fields read on
// every agent duty cycle, so the hot loop never takes a lock or a map
// lookup to check a timeout or the current log level. Set at startup
// and again whenever the config is reloaded.
type readMostly struct {
	timeout struct {
		clientLiveness    time.Duration
		imageLiveness     time.Duration
		publicationLinger time.Duration
	}
	logLevel   int
	testingEnv bool
}

var Rom readMostly

func (rom *readMostly) Set(cfg *Config) {
	rom.timeout.clientLiveness = cfg.Timeout.ClientLiveness.D()
	rom.timeout.imageLiveness = cfg.Timeout.ImageLiveness.D()
	rom.timeout.publicationLinger = cfg.Timeout.PublicationLinger.D()
	rom.logLevel = cfg.Log.Level
	rom.testingEnv = cfg.TestingEnv
}

func (rom *readMostly) ClientLiveness() time.Duration    { return rom.timeout.clientLiveness }
func (rom *readMostly) ImageLiveness() time.Duration     { return rom.timeout.imageLiveness }
func (rom *readMostly) PublicationLinger() time.Duration { return rom.timeout.publicationLinger }
func (rom *readMostly) TestingEnv() bool                 { return rom.testingEnv }

func (rom *readMostly) FastV(verbosity int) bool { return rom.logLevel >= verbosity }
