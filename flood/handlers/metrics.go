package handlers

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var enforcementRemovals = promauto.NewCounter(prometheus.CounterOpts{
	Name: "flood_enforcement_removals",
	Help: "Number of items removed for exceeding quota",
})

var enforcementErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "flood_enforcement_errors",
	Help: "Number of failed enforcement side-effects, by action",
}, []string{"action"})

var trackingErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "flood_tracking_errors",
	Help: "Number of tracking writes which failed and were dropped",
}, []string{"type"})
