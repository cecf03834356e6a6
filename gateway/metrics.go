// Copyright 2025 AgentGate
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

var (
	metricCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentgate_llm_calls_total",
			Help: "LLM call attempts by route, provider and outcome.",
		},
		[]string{"route", "provider", "outcome"},
	)

	metricDenials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentgate_llm_denials_total",
			Help: "Guardrail denials by route and reason code.",
		},
		[]string{"route", "reason"},
	)

	metricLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentgate_llm_latency_seconds",
			Help:    "Latency of successful provider calls.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		},
		[]string{"provider"},
	)

	metricSpend = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentgate_llm_spend_usd_total",
			Help: "Estimated USD spend of successful calls.",
		},
		[]string{"provider"},
	)
)

func init() {
	prometheus.MustRegister(metricCalls, metricDenials, metricLatency, metricSpend)
}
