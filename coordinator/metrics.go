package coordinator

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/alimasry/go-collab-docs/errs"
)

var (
	savesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab",
		Name:      "saves_total",
		Help:      "Save requests by outcome.",
	}, []string{"result"})

	rollbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab",
		Name:      "rollbacks_total",
		Help:      "Rollback requests by outcome.",
	}, []string{"result"})

	saveDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "collab",
		Name:      "save_duration_seconds",
		Help:      "Time spent writing content and committing it.",
		Buckets:   prometheus.DefBuckets,
	})
)

func resultLabel(err error) string {
	switch {
	case errors.Is(err, errs.NotFound):
		return "not_found"
	case errors.Is(err, errs.Forbidden):
		return "forbidden"
	case errors.Is(err, errs.Invalid):
		return "invalid"
	default:
		return "failed"
	}
}
