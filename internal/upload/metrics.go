package upload

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// chunksIngestedTotal 记录收到的分块数
	chunksIngestedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "droppack_chunks_ingested_total",
		Help: "Total number of file chunks ingested",
	})

	// assembliesTotal 按结果记录装配次数
	assembliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "droppack_assemblies_total",
			Help: "Total number of file assemblies by outcome",
		},
		[]string{"outcome"},
	)

	// assembledBytes 记录装配出的原件体积
	assembledBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "droppack_assembled_bytes",
		Help:    "Size distribution of assembled files in bytes",
		Buckets: prometheus.ExponentialBuckets(1024*1024, 4, 8),
	})

	// projectsPublishedTotal 记录发布的项目数
	projectsPublishedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "droppack_projects_published_total",
		Help: "Total number of published projects",
	})
)
