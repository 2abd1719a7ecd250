// Package metrics exposes the prometheus collectors of the sync core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace prefixes every metric.
const Namespace = "blesync"

func NewCounter(name, subsystem, help string, labels []string) *prometheus.CounterVec {
	return promauto.NewCounterVec(prometheus.CounterOpts{Namespace: Namespace, Subsystem: subsystem, Name: name, Help: help}, labels)
}

func NewGauge(name, subsystem, help string, labels []string) *prometheus.GaugeVec {
	return promauto.NewGaugeVec(prometheus.GaugeOpts{Namespace: Namespace, Subsystem: subsystem, Name: name, Help: help}, labels)
}

func NewHistogramWithBuckets(name, subsystem, help string, labels []string, buckets []float64) *prometheus.HistogramVec {
	return promauto.NewHistogramVec(prometheus.HistogramOpts{Namespace: Namespace, Subsystem: subsystem, Name: name, Help: help, Buckets: buckets}, labels)
}

const (
	linkSubsystem = "link"
	syncSubsystem = "sync"
	peerSubsystem = "peer"
)

var (
	FramesOut = NewCounter("frames_out", linkSubsystem, "frames written or served", []string{"role"})
	FramesIn  = NewCounter("frames_in", linkSubsystem, "frames received", []string{"role"})

	MessagesAborted = NewCounter("messages_aborted", linkSubsystem,
		"logical messages abandoned mid-send", []string{"reason"})
	MessagesDropped = NewCounter("messages_dropped", linkSubsystem,
		"inbound messages discarded", []string{"reason"})

	MTUFallbacks = NewCounter("mtu_fallbacks", linkSubsystem,
		"links that kept the default mtu", []string{}).WithLabelValues()

	RecordsSent = NewCounter("records_sent", syncSubsystem,
		"records transferred to peers", []string{"role"})
	RecordsReceived = NewCounter("records_received", syncSubsystem,
		"new records ingested from peers", []string{"role"})
	RecordsSkipped = NewCounter("records_skipped", syncSubsystem,
		"owed records that could not be fetched", []string{"reason"})

	Rounds = NewCounter("rounds", syncSubsystem, "reconciliation rounds", []string{"result"})

	RoundMessages = NewHistogramWithBuckets("round_messages", syncSubsystem,
		"digest messages exchanged per round", []string{},
		prometheus.ExponentialBuckets(1, 2, 8)).WithLabelValues()

	ConnectedPeers = NewGauge("connected", peerSubsystem, "connected peers", []string{"role"})

	DiscoveryIgnored = NewCounter("discovery_ignored", peerSubsystem,
		"discovery events that did not lead to a connection", []string{"reason"})
)
