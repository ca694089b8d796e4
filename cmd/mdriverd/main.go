// Package main is the standalone media driver process: binds the
// data and control UDP endpoints named on the command line, wires the
// three cooperative agents, and runs them in ModeDedicated until
// signaled to stop.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/streamcast/mdriver/cmn/nlog"
	"github.com/streamcast/mdriver/cnc"
	"github.com/streamcast/mdriver/conductor"
	"github.com/streamcast/mdriver/counters"
	"github.com/streamcast/mdriver/driver"
	"github.com/streamcast/mdriver/netio"
	"github.com/streamcast/mdriver/receiver"
	"github.com/streamcast/mdriver/resolver"
	"github.com/streamcast/mdriver/sender"
)

const svcName = "mdriverd"

var (
	build     string
	buildtime string

	dataAddr    string
	controlAddr string

	resolverAddr string
	resolverName string
	neighbors    string
)

func init() {
	flag.StringVar(&dataAddr, "data", ":40001", svcName+" data-plane bind address")
	flag.StringVar(&controlAddr, "control", ":40002", svcName+" control-plane bind address")
	flag.StringVar(&resolverAddr, "resolver", "", svcName+" name-resolver gossip bind address (empty disables gossip)")
	flag.StringVar(&resolverName, "resolver-name", "", svcName+" name this driver advertises in gossip (defaults to its resolver bind address)")
	flag.StringVar(&neighbors, "resolver-neighbors", "", "comma-separated seed addresses to gossip with")
}

func parseNeighbors(csv string) []*net.UDPAddr {
	var out []*net.UDPAddr
	for _, s := range strings.Split(csv, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		addr, err := net.ResolveUDPAddr("udp", s)
		if err != nil {
			nlog.Errorf("%s: invalid -resolver-neighbors entry %q: %v", svcName, s, err)
			continue
		}
		out = append(out, addr)
	}
	return out
}

func printVer() {
	fmt.Printf("%s, build %s %s\n", svcName, build, buildtime)
}

func main() {
	if len(os.Args) == 2 && os.Args[1] == "version" {
		printVer()
		os.Exit(0)
	}
	flag.Parse()

	dataUDP, err := net.ResolveUDPAddr("udp", dataAddr)
	if err != nil {
		nlog.Errorf("%s: invalid -data address %q: %v", svcName, dataAddr, err)
		os.Exit(1)
	}
	controlUDP, err := net.ResolveUDPAddr("udp", controlAddr)
	if err != nil {
		nlog.Errorf("%s: invalid -control address %q: %v", svcName, controlAddr, err)
		os.Exit(1)
	}

	dataEP, err := netio.Bind(netio.Config{BindAddr: dataUDP})
	if err != nil {
		nlog.Errorf("%s: bind data endpoint %s: %v", svcName, dataUDP, err)
		os.Exit(1)
	}
	defer dataEP.Close()

	controlEP, err := netio.Bind(netio.Config{BindAddr: controlUDP})
	if err != nil {
		nlog.Errorf("%s: bind control endpoint %s: %v", svcName, controlUDP, err)
		os.Exit(1)
	}
	defer controlEP.Close()

	cmdQueue := cnc.NewRing(64 * 1024)
	broadcast := cnc.NewBroadcast(64 * 1024)
	errLog := cnc.NewErrorLog()
	countersReg := counters.NewRegistry(prometheus.DefaultRegisterer)

	var resolveTable *resolver.Table
	var resolverCfg resolver.Config
	if resolverAddr != "" {
		resolverUDP, err := net.ResolveUDPAddr("udp", resolverAddr)
		if err != nil {
			nlog.Errorf("%s: invalid -resolver address %q: %v", svcName, resolverAddr, err)
			os.Exit(1)
		}
		resolverEP, err := netio.Bind(netio.Config{BindAddr: resolverUDP})
		if err != nil {
			nlog.Errorf("%s: bind resolver endpoint %s: %v", svcName, resolverUDP, err)
			os.Exit(1)
		}
		defer resolverEP.Close()

		selfName := resolverName
		if selfName == "" {
			selfName = resolverUDP.String()
		}
		resolveTable, err = resolver.NewTable(selfName, int64(10*time.Second), 32)
		if err != nil {
			nlog.Errorf("%s: open resolver table: %v", svcName, err)
			os.Exit(1)
		}
		defer resolveTable.Close()

		resolverCfg = resolver.Config{
			Endpoint:                     resolverEP,
			Table:                        resolveTable,
			Errors:                       errLog,
			Self:                         resolver.Record{Name: selfName, Port: int32(resolverUDP.Port)},
			Seeds:                        parseNeighbors(neighbors),
			SelfResolutionIntervalNs:     int64(5 * time.Second),
			NeighborResolutionIntervalNs: int64(30 * time.Second),
			ExpectedNeighbors:            32,
		}
	}

	d := driver.New(driver.Config{
		Mode:         driver.ModeDedicated,
		ResolveTable: resolveTable,
		Resolver:     resolverCfg,
		Conductor: conductor.Config{
			CommandQueue:                cmdQueue,
			Responses:                   broadcast,
			Errors:                      errLog,
			Counters:                    countersReg,
			ClientLivenessTimeoutNs:     int64(10 * time.Second),
			PublicationUnblockTimeoutNs: int64(5 * time.Second),
			PublicationLingerTimeoutNs:  int64(5 * time.Second),
			HeartbeatIntervalNs:         int64(time.Second),
			SetupIntervalNs:             int64(100 * time.Millisecond),
			ReceiverTimeoutNs:           int64(5 * time.Second),
			NakDelayNs:                  int64(100 * time.Millisecond),
			InitialWindowLength:         128 * 1024,
			Reliable:                    true,
			ShortIDSeed:                 uint64(os.Getpid())<<32 ^ uint64(time.Now().UnixNano()), //nolint:gosec // id spread, not a security boundary
		},
		Receiver: receiver.Config{
			CommandQueue:                 cmdQueue,
			Errors:                       errLog,
			ImageLivenessNs:              int64(5 * time.Second),
			StatusMessageTimeoutNs:       int64(100 * time.Millisecond),
			PendingSetupsTimeoutNs:       int64(5 * time.Second),
			NoInterestEvictionIntervalNs: int64(30 * time.Second),
		},
		Sender: sender.Config{
			ControlEndpoint:            controlEP,
			CommandQueue:               cmdQueue,
			Errors:                     errLog,
			Counters:                   countersReg,
			DutyCycleRatio:             16,
			StatusMessageReadTimeoutNs: int64(100 * time.Millisecond),
			ReResolveIntervalNs:        int64(30 * time.Second),
		},
	})
	d.Receiver().RegisterEndpoint(0, dataEP)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	nlog.Infof("%s: listening data=%s control=%s", svcName, dataUDP, controlUDP)
	if err := d.Run(ctx); err != nil {
		nlog.Errorf("%s: driver loop exited: %v", svcName, err)
	}
	d.Stop()
}
