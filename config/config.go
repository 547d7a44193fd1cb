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

// Package config loads the gptp profile file, an INI in the gptp_cfg tradition
package config

import (
	"fmt"

	"github.com/go-ini/ini"

	"github.com/facebookincubator/gptp/port"
	ptp "github.com/facebookincubator/gptp/protocol"
)

// Config is the daemon configuration: one port plus daemon-wide settings
type Config struct {
	Interface      string
	LogLevel       string
	MonitoringPort int
	TimestampType  string

	Priority1 uint8
	Priority2 uint8

	Port port.Config
}

// Default returns the configuration defaults applied before the profile file
func Default() *Config {
	return &Config{
		Interface:      "eth0",
		LogLevel:       "warning",
		MonitoringPort: 8888,
		TimestampType:  "hardware",
		Priority1:      248,
		Priority2:      248,
		Port: port.Config{
			PortNumber:                  1,
			InitialLogSyncInterval:      ptp.LogIntervalInvalid,
			InitialLogAnnounceInterval:  0,
			InitialLogPdelayReqInterval: ptp.LogIntervalInvalid,
			OperLogPdelayReqInterval:    ptp.LogIntervalInvalid,
			OperLogSyncInterval:         ptp.LogIntervalInvalid,
			TransmitAnnounce:            true,
		},
	}
}

// Load reads the profile file on top of defaults
func Load(path string) (*Config, error) {
	c := Default()
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading profile %s: %w", path, err)
	}

	global := f.Section("global")
	if global.HasKey("interface") {
		c.Interface = global.Key("interface").String()
	}
	if global.HasKey("loglevel") {
		c.LogLevel = global.Key("loglevel").String()
	}
	if global.HasKey("monitoringport") {
		if c.MonitoringPort, err = global.Key("monitoringport").Int(); err != nil {
			return nil, fmt.Errorf("monitoringport: %w", err)
		}
	}
	if global.HasKey("timestamptype") {
		c.TimestampType = global.Key("timestamptype").String()
	}
	if global.HasKey("priority1") {
		v, err := global.Key("priority1").Uint()
		if err != nil {
			return nil, fmt.Errorf("priority1: %w", err)
		}
		c.Priority1 = uint8(v)
	}
	if global.HasKey("priority2") {
		v, err := global.Key("priority2").Uint()
		if err != nil {
			return nil, fmt.Errorf("priority2: %w", err)
		}
		c.Priority2 = uint8(v)
	}

	prt := f.Section("port")
	if err := loadLogInterval(prt, "initial_log_sync_interval", &c.Port.InitialLogSyncInterval); err != nil {
		return nil, err
	}
	if err := loadLogInterval(prt, "initial_log_announce_interval", &c.Port.InitialLogAnnounceInterval); err != nil {
		return nil, err
	}
	if err := loadLogInterval(prt, "initial_log_pdelay_req_interval", &c.Port.InitialLogPdelayReqInterval); err != nil {
		return nil, err
	}
	if err := loadLogInterval(prt, "oper_log_pdelay_req_interval", &c.Port.OperLogPdelayReqInterval); err != nil {
		return nil, err
	}
	if err := loadLogInterval(prt, "oper_log_sync_interval", &c.Port.OperLogSyncInterval); err != nil {
		return nil, err
	}

	c.Port.ForceAsCapable = prt.Key("force_ascapable").MustBool(c.Port.ForceAsCapable)
	c.Port.ExternalPortConfiguration = prt.Key("external_port_configuration").MustBool(c.Port.ExternalPortConfiguration)
	c.Port.TransmitAnnounce = prt.Key("transmit_announce").MustBool(c.Port.TransmitAnnounce)
	c.Port.AutomotiveStationStates = prt.Key("automotive_station_states").MustBool(c.Port.AutomotiveStationStates)
	c.Port.NegotiateAutomotiveSyncRate = prt.Key("negotiate_automotive_sync_rate").MustBool(c.Port.NegotiateAutomotiveSyncRate)
	c.Port.TestMode = prt.Key("test_mode").MustBool(c.Port.TestMode)

	if prt.HasKey("static_port_state") {
		switch prt.Key("static_port_state").String() {
		case "master":
			c.Port.StaticPortState = port.Master
		case "slave":
			c.Port.StaticPortState = port.Slave
		default:
			return nil, fmt.Errorf("unsupported static_port_state %q", prt.Key("static_port_state").String())
		}
	}
	return c, nil
}

func loadLogInterval(s *ini.Section, key string, dst *ptp.LogInterval) error {
	if !s.HasKey(key) {
		return nil
	}
	v, err := s.Key(key).Int()
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	if v < -127 || v > 127 {
		return fmt.Errorf("%s: log interval %d out of range", key, v)
	}
	*dst = ptp.LogInterval(v)
	return nil
}
