package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	searchesStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ghostlink_searches_started_total",
			Help: "Total number of searches entered",
		},
	)

	matchesMade = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ghostlink_matches_total",
			Help: "Total number of matches resolved, by outcome of the room race",
		},
		[]string{"outcome"}, // "created" or "joined"
	)

	messagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ghostlink_messages_sent_total",
			Help: "Total number of messages sent",
		},
		[]string{"type"},
	)

	partnerLeftTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ghostlink_partner_left_total",
			Help: "Total number of partner-left transitions observed",
		},
	)

	skipsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ghostlink_skips_total",
			Help: "Total number of skip-to-next actions",
		},
	)

	uploadFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ghostlink_upload_failures_total",
			Help: "Total number of failed image uploads",
		},
	)
)
