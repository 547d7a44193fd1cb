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

package stats

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	ptp "github.com/facebookincubator/gptp/protocol"
)

// JSONStats is what we want to report as stats via http
type JSONStats struct {
	mu sync.Mutex

	rx map[ptp.MessageType]*int64
	tx map[ptp.MessageType]*int64

	asCapable     int64
	linkUpCount   int64
	linkDownCount int64
	linkDelayNS   int64

	portState string

	registry      *prometheus.Registry
	promAsCapable prometheus.Gauge
	promLinkDelay prometheus.Gauge
	promRX        *prometheus.CounterVec
	promTX        *prometheus.CounterVec
}

// NewJSONStats returns a new JSONStats
func NewJSONStats() *JSONStats {
	s := &JSONStats{
		rx:       make(map[ptp.MessageType]*int64),
		tx:       make(map[ptp.MessageType]*int64),
		registry: prometheus.NewRegistry(),
		promAsCapable: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gptp",
			Name:      "as_capable",
			Help:      "Whether the peer is asCapable",
		}),
		promLinkDelay: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gptp",
			Name:      "link_delay_ns",
			Help:      "Measured peer propagation delay in nanoseconds",
		}),
		promRX: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gptp",
			Name:      "rx_packets",
			Help:      "Received packets by message type",
		}, []string{"type"}),
		promTX: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gptp",
			Name:      "tx_packets",
			Help:      "Transmitted packets by message type",
		}, []string{"type"}),
	}
	for t := range ptp.MessageTypeToString {
		s.rx[t] = new(int64)
		s.tx[t] = new(int64)
	}
	s.registry.MustRegister(s.promAsCapable, s.promLinkDelay, s.promRX, s.promTX)
	return s
}

// Start runs http server exposing JSON and prometheus endpoints
func (s *JSONStats) Start(monitoringport int) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRequest)
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	addr := fmt.Sprintf(":%d", monitoringport)
	log.Infof("Starting http json server on %s", addr)
	err := http.ListenAndServe(addr, mux)
	if err != nil {
		log.Fatalf("Failed to start listener: %v", err)
	}
}

func (s *JSONStats) handleRequest(w http.ResponseWriter, _ *http.Request) {
	js, err := json.Marshal(s.Counters())
	if err != nil {
		log.Errorf("Failed to marshal stats: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(js); err != nil {
		log.Errorf("Failed to reply: %v", err)
	}
}

// Counters returns the current values as a flat map, ODS style
func (s *JSONStats) Counters() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := map[string]int64{
		"gptp.ascapable":     atomic.LoadInt64(&s.asCapable),
		"gptp.link_up":       atomic.LoadInt64(&s.linkUpCount),
		"gptp.link_down":     atomic.LoadInt64(&s.linkDownCount),
		"gptp.link_delay_ns": atomic.LoadInt64(&s.linkDelayNS),
	}
	for t, v := range s.rx {
		res[fmt.Sprintf("gptp.rx.%s", t)] = atomic.LoadInt64(v)
	}
	for t, v := range s.tx {
		res[fmt.Sprintf("gptp.tx.%s", t)] = atomic.LoadInt64(v)
	}
	return res
}

// PortState returns the last reported port state
func (s *JSONStats) PortState() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.portState
}

// IncRX atomically adds 1 to the received packets counter
func (s *JSONStats) IncRX(t ptp.MessageType) {
	if v, ok := s.rx[t]; ok {
		atomic.AddInt64(v, 1)
	}
	s.promRX.WithLabelValues(t.String()).Inc()
}

// IncTX atomically adds 1 to the transmitted packets counter
func (s *JSONStats) IncTX(t ptp.MessageType) {
	if v, ok := s.tx[t]; ok {
		atomic.AddInt64(v, 1)
	}
	s.promTX.WithLabelValues(t.String()).Inc()
}

// SetAsCapable records the asCapable verdict
func (s *JSONStats) SetAsCapable(v bool) {
	var i int64
	if v {
		i = 1
	}
	atomic.StoreInt64(&s.asCapable, i)
	s.promAsCapable.Set(float64(i))
}

// SetPortState records the current port state
func (s *JSONStats) SetPortState(state string) {
	s.mu.Lock()
	s.portState = state
	s.mu.Unlock()
}

// IncLinkUp atomically adds 1 to the link up transition counter
func (s *JSONStats) IncLinkUp() {
	atomic.AddInt64(&s.linkUpCount, 1)
}

// IncLinkDown atomically adds 1 to the link down transition counter
func (s *JSONStats) IncLinkDown() {
	atomic.AddInt64(&s.linkDownCount, 1)
}

// SetLinkDelayNS records the measured peer propagation delay
func (s *JSONStats) SetLinkDelayNS(ns int64) {
	atomic.StoreInt64(&s.linkDelayNS, ns)
	s.promLinkDelay.Set(float64(ns))
}
