// Copyright 2025 AegisGate
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
)

// ====== Prometheus Metrics ======

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegisgate_http_requests_total",
			Help: "HTTP requests served, by route and status",
		},
		[]string{"route", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aegisgate_http_request_duration_seconds",
			Help:    "HTTP handler latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	httpErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegisgate_http_errors_total",
			Help: "Error responses, by code",
		},
		[]string{"code"},
	)

	authResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegisgate_auth_results_total",
			Help: "Credential authentication outcomes",
		},
		[]string{"result"},
	)

	credentialCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegisgate_credential_cache_total",
			Help: "Credential cache lookups, by result (hit, miss, error)",
		},
		[]string{"result"},
	)

	sseStreamsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aegisgate_sse_streams_open",
			Help: "SSE streams currently being relayed",
		},
	)

	breakerStateChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegisgate_breaker_rejections_total",
			Help: "Requests rejected by an open circuit breaker",
		},
		[]string{"breaker"},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpDuration,
		httpErrorsTotal,
		authResultsTotal,
		credentialCacheTotal,
		sseStreamsOpen,
		breakerStateChanges,
	)
}
