// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// gatewayRequests tracks handled JSON-RPC requests
	gatewayRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sagemcp_gateway_requests_total",
			Help: "Total gateway requests by tenant, connector, and HTTP status",
		},
		[]string{"tenant", "connector", "code"},
	)

	// gatewayRequestDuration tracks end-to-end request latency
	gatewayRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sagemcp_gateway_request_duration_seconds",
			Help:    "Gateway request latency by tenant and connector",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tenant", "connector"},
	)

	// gatewayRateLimited tracks admission rejections
	gatewayRateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sagemcp_gateway_rate_limited_total",
			Help: "Total requests rejected by the per-tenant rate limiter",
		},
		[]string{"tenant"},
	)

	// gatewaySessionsActive tracks open sessions
	gatewaySessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sagemcp_gateway_sessions_active",
			Help: "Number of currently open sessions",
		},
	)

	// gatewayPoolLookups mirrors the pool's cumulative hit/miss
	// counters; refreshed on every metrics scrape
	gatewayPoolLookups = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sagemcp_gateway_pool_lookups_total",
			Help: "Cumulative backend pool lookups by outcome",
		},
		[]string{"outcome"},
	)

	// gatewaySSEStreams tracks open event streams
	gatewaySSEStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sagemcp_gateway_sse_streams_active",
			Help: "Number of open server-sent event streams",
		},
	)
)
