// Copyright 2025 AxonFlow
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

// Package metrics exposes the gateway's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "axonflow_gateway_requests_total",
			Help: "Total number of chat requests processed by the gateway",
		},
		[]string{"status"},
	)
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "axonflow_gateway_request_duration_milliseconds",
			Help:    "Chat request duration in milliseconds",
			Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000, 10000, 30000},
		},
		[]string{"provider"},
	)
	ProviderCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "axonflow_gateway_provider_calls_total",
			Help: "Total number of upstream provider API calls",
		},
		[]string{"provider", "status"},
	)
	FallbackDepth = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "axonflow_gateway_fallback_attempts",
			Help:    "Number of provider attempts per request",
			Buckets: []float64{1, 2, 3, 4, 5},
		},
	)
	CacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "axonflow_gateway_cache_hits_total",
			Help: "Total number of responses served from cache",
		},
	)
	CacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "axonflow_gateway_cache_misses_total",
			Help: "Total number of cache lookups that missed",
		},
	)
	RateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "axonflow_gateway_rate_limited_total",
			Help: "Total number of requests rejected by rate limiting",
		},
	)
	CostUSD = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "axonflow_gateway_cost_usd_total",
			Help: "Accumulated upstream spend in USD",
		},
		[]string{"provider", "model"},
	)
)

func init() {
	prometheus.MustRegister(RequestsTotal)
	prometheus.MustRegister(RequestDuration)
	prometheus.MustRegister(ProviderCalls)
	prometheus.MustRegister(FallbackDepth)
	prometheus.MustRegister(CacheHits)
	prometheus.MustRegister(CacheMisses)
	prometheus.MustRegister(RateLimited)
	prometheus.MustRegister(CostUSD)
}
