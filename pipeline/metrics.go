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

package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ====== Prometheus Metrics ======

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegisgate_requests_total",
			Help: "Requests processed, by outcome and provider",
		},
		[]string{"outcome", "provider"},
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aegisgate_request_duration_seconds",
			Help:    "End-to-end pipeline latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	decisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegisgate_decisions_total",
			Help: "Stage decisions, by stage and code",
		},
		[]string{"stage", "code"},
	)

	costTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegisgate_cost_usd_total",
			Help: "Settled provider spend in USD",
		},
		[]string{"app_id", "model"},
	)

	costAvoidedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegisgate_cost_avoided_usd_total",
			Help: "Estimated spend avoided by blocked requests",
		},
		[]string{"app_id"},
	)

	timeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aegisgate_provider_timeouts_total",
			Help: "Provider calls ended by deadline expiry",
		},
	)

	streamsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegisgate_streams_finished_total",
			Help: "Streaming requests finished, by terminal state",
		},
		[]string{"state"},
	)
)

func init() {
	prometheus.MustRegister(
		requestsTotal,
		requestDuration,
		decisionsTotal,
		costTotal,
		costAvoidedTotal,
		timeoutsTotal,
		streamsFinished,
	)
}
