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
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.EventDispatched("inbound")
	m.Dropped("queue_full")
	m.SetConnections(3)
	m.SetLinkState("plc", "modbus_tcp", 2)
	m.Reconnect("plc")
	m.TimeSync("applied")
	if m.Registry() != nil {
		t.Fatal("expected nil registry")
	}
}

func TestCounters(t *testing.T) {
	m := New()
	m.EventDispatched("inbound")
	m.EventDispatched("inbound")
	m.Reconnect("plc")
	m.SetConnections(4)

	if got := testutil.ToFloat64(m.hubEvents.WithLabelValues("inbound")); got != 2 {
		t.Fatalf("expected 2 inbound events, got %v", got)
	}
	if got := testutil.ToFloat64(m.reconnects.WithLabelValues("plc")); got != 1 {
		t.Fatalf("expected 1 reconnect, got %v", got)
	}
	if got := testutil.ToFloat64(m.connections); got != 4 {
		t.Fatalf("expected 4 connections, got %v", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.TimeSync("unsupported")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `fieldhub_timesync_requests_total{status="unsupported"} 1`) {
		t.Fatalf("expected timesync counter in output, got:\n%s", body)
	}
}
