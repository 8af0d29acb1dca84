// Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
//
// WSO2 LLC. licenses this file to you under the Apache License,
// Version 2.0 (the "License"); you may not use this file except
// in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied. See the License for the
// specific language governing permissions and limitations
// under the License.

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fieldhub"

// Metrics holds the hub's collectors on a private registry. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	hubEvents     *prometheus.CounterVec
	hubDropped    *prometheus.CounterVec
	hubPending    prometheus.Gauge
	connections   prometheus.Gauge
	linkState     *prometheus.GaugeVec
	reconnects    *prometheus.CounterVec
	decodeErrors  *prometheus.CounterVec
	connectorData *prometheus.CounterVec
	timeSync      *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		hubEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "events_total",
			Help:      "Events dispatched by the hub, by kind",
		}, []string{"kind"}),
		hubDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "dropped_total",
			Help:      "Events or messages dropped, by reason",
		}, []string{"reason"}),
		hubPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "pending",
			Help:      "Events waiting in the hub queue",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "connections",
			Help:      "Live downstream connections",
		}),
		linkState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connector",
			Name:      "link_state",
			Help:      "Connector link state (0 disconnected, 1 connecting, 2 connected, 3 backoff)",
		}, []string{"connector", "family"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connector",
			Name:      "reconnects_total",
			Help:      "Connection attempts after a failure or dropped link",
		}, []string{"connector"}),
		decodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connector",
			Name:      "decode_errors_total",
			Help:      "Frames dropped because they could not be decoded",
		}, []string{"connector"}),
		connectorData: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connector",
			Name:      "messages_total",
			Help:      "Decoded messages published by each connector",
		}, []string{"connector"}),
		timeSync: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "timesync",
			Name:      "requests_total",
			Help:      "Time sync requests by result status",
		}, []string{"status"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.hubEvents,
		m.hubDropped,
		m.hubPending,
		m.connections,
		m.linkState,
		m.reconnects,
		m.decodeErrors,
		m.connectorData,
		m.timeSync,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) EventDispatched(kind string) {
	if m == nil {
		return
	}
	m.hubEvents.WithLabelValues(kind).Inc()
}

func (m *Metrics) Dropped(reason string) {
	if m == nil {
		return
	}
	m.hubDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.hubPending.Set(float64(n))
}

func (m *Metrics) SetConnections(n int) {
	if m == nil {
		return
	}
	m.connections.Set(float64(n))
}

func (m *Metrics) SetLinkState(connector, family string, state int) {
	if m == nil {
		return
	}
	m.linkState.WithLabelValues(connector, family).Set(float64(state))
}

func (m *Metrics) ForgetConnector(connector, family string) {
	if m == nil {
		return
	}
	m.linkState.DeleteLabelValues(connector, family)
	m.reconnects.DeleteLabelValues(connector)
	m.decodeErrors.DeleteLabelValues(connector)
	m.connectorData.DeleteLabelValues(connector)
}

func (m *Metrics) Reconnect(connector string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(connector).Inc()
}

func (m *Metrics) DecodeError(connector string) {
	if m == nil {
		return
	}
	m.decodeErrors.WithLabelValues(connector).Inc()
}

func (m *Metrics) ConnectorMessage(connector string) {
	if m == nil {
		return
	}
	m.connectorData.WithLabelValues(connector).Inc()
}

func (m *Metrics) TimeSync(status string) {
	if m == nil {
		return
	}
	m.timeSync.WithLabelValues(status).Inc()
}
