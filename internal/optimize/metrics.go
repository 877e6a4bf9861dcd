package optimize

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// optimizationsTotal 按结果记录预览件生成次数
var optimizationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "droppack_optimizations_total",
		Help: "Total number of preview optimizations by outcome",
	},
	[]string{"outcome"},
)
