// Copyright (C) 2025 Cloudstrate Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package analyst

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// queryTotal counts queries by translation path and outcome
	queryTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cloudstrate_analyst_queries_total",
		Help: "Total analyst queries by translation path and outcome",
	}, []string{"path", "outcome"})

	// queryDuration tracks end-to-end query latency
	queryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cloudstrate_analyst_query_duration_seconds",
		Help:    "Analyst query duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
	})

	// translationCacheTotal counts translation cache lookups by result
	translationCacheTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cloudstrate_analyst_translation_cache_total",
		Help: "Translation cache lookups by result",
	}, []string{"result"})
)
