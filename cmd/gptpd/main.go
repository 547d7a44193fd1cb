/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/facebookincubator/gptp/clock"
	"github.com/facebookincubator/gptp/config"
	"github.com/facebookincubator/gptp/port"
	ptp "github.com/facebookincubator/gptp/protocol"
	"github.com/facebookincubator/gptp/scheduler"
	"github.com/facebookincubator/gptp/stats"
	"github.com/facebookincubator/gptp/transport"
)

func main() {
	c := config.Default()

	var profile string
	var debugAddr string

	flag.StringVar(&profile, "config", "", "Path to the INI profile file")
	flag.StringVar(&c.Interface, "iface", c.Interface, "Set the interface")
	flag.StringVar(&c.LogLevel, "loglevel", c.LogLevel, "Set a log level. Can be: trace, debug, info, warning, error")
	flag.StringVar(&c.TimestampType, "timestamptype", c.TimestampType, fmt.Sprintf("Timestamp type. Can be: %s, %s", transport.HWTIMESTAMP, transport.SWTIMESTAMP))
	flag.IntVar(&c.MonitoringPort, "monitoringport", c.MonitoringPort, "Port to run monitoring server on")
	flag.StringVar(&debugAddr, "pprofaddr", "", "host:port for the pprof to bind")
	flag.BoolVar(&c.Port.ForceAsCapable, "forceascapable", c.Port.ForceAsCapable, "Assume the peer is always asCapable")
	flag.BoolVar(&c.Port.TestMode, "testmode", c.Port.TestMode, "Enable automotive test status messages")
	flag.Parse()

	if profile != "" {
		loaded, err := config.Load(profile)
		if err != nil {
			log.Fatal(err)
		}
		c = loaded
	}

	switch c.LogLevel {
	case "trace":
		log.SetLevel(log.TraceLevel)
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warning":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.Fatalf("Unrecognized log level: %v", c.LogLevel)
	}

	if c.TimestampType == transport.SWTIMESTAMP {
		log.Warning("Software timestamps greatly reduce the precision")
	}

	iface, err := net.InterfaceByName(c.Interface)
	if err != nil {
		log.Fatalf("Unable to find interface %s: %v", c.Interface, err)
	}
	identity, err := ptp.NewClockIdentity(iface.HardwareAddr)
	if err != nil {
		log.Fatalf("Unable to get the Clock Identity (EUI-64 address) of the interface: %v", err)
	}

	if debugAddr != "" {
		log.Warningf("Starting profiler on %s", debugAddr)
		go func() {
			log.Println(http.ListenAndServe(debugAddr, nil))
		}()
	}

	st := stats.NewJSONStats()

	eth, err := transport.Open(c.Interface, c.TimestampType)
	if err != nil {
		log.Fatalf("Failed to open transport on %s: %v", c.Interface, err)
	}
	defer eth.Close()

	clk := clock.New(clock.Config{
		Identity:  identity,
		Priority1: c.Priority1,
		Priority2: c.Priority2,
		Quality: ptp.ClockQuality{
			ClockClass:              ptp.ClockClassDefault,
			ClockAccuracy:           ptp.ClockAccuracyUnknown,
			OffsetScaledLogVariance: ptp.OffsetScaledLogVarianceUnknown,
		},
	})

	sched := scheduler.New()
	p := port.New(c.Port, clk, eth, eth, sched, st)

	log.Infof("Starting gptp on %s, clock identity %s", c.Interface, identity)

	g, _ := errgroup.WithContext(context.Background())
	g.Go(func() error {
		st.Start(c.MonitoringPort)
		return fmt.Errorf("monitoring server exited")
	})
	g.Go(func() error {
		sched.Dispatch(p, scheduler.PowerUp)
		select {}
	})
	if err := g.Wait(); err != nil {
		log.Fatal(err)
	}
}
