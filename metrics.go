package roomsync

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	MessagesMerged   *prometheus.CounterVec
	ReactionsMerged  *prometheus.CounterVec
	FramesDropped    *prometheus.CounterVec
	Reconnects       *prometheus.CounterVec
	HistoryRetries   prometheus.Counter
	HistoryLoadState *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. Pass
// prometheus.DefaultRegisterer to expose them on the default handler.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesMerged: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roomsync_messages_merged_total",
				Help: "Messages merged into the store, by outcome",
			},
			[]string{"outcome"}, // appended, promoted, updated, duplicate, gated, invalid
		),
		ReactionsMerged: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roomsync_reactions_total",
				Help: "Reaction events, by outcome",
			},
			[]string{"outcome"}, // applied, queued, dropped
		),
		FramesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roomsync_frames_dropped_total",
				Help: "Inbound frames dropped by the decoder",
			},
			[]string{"reason"},
		),
		Reconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roomsync_reconnects_total",
				Help: "Scheduled reconnect attempts",
			},
			[]string{"channel"}, // "room" or "account"
		),
		HistoryRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "roomsync_history_retries_total",
				Help: "History fetches retried after a 403",
			},
		),
		HistoryLoadState: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roomsync_history_loads_total",
				Help: "Finished history loads, by final state",
			},
			[]string{"state"},
		),
	}
	if reg != nil {
		reg.MustRegister(
			m.MessagesMerged,
			m.ReactionsMerged,
			m.FramesDropped,
			m.Reconnects,
			m.HistoryRetries,
			m.HistoryLoadState,
		)
	}
	return m
}

func (m *Metrics) merged(outcome MergeOutcome) {
	if m == nil {
		return
	}
	m.MessagesMerged.WithLabelValues(string(outcome)).Inc()
}

func (m *Metrics) reaction(outcome string) {
	if m == nil {
		return
	}
	m.ReactionsMerged.WithLabelValues(outcome).Inc()
}

func (m *Metrics) frameDropped(reason string) {
	if m == nil {
		return
	}
	m.FramesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) reconnect(channel string) {
	if m == nil {
		return
	}
	m.Reconnects.WithLabelValues(channel).Inc()
}

func (m *Metrics) historyRetry() {
	if m == nil {
		return
	}
	m.HistoryRetries.Inc()
}

func (m *Metrics) historyDone(state LoadState) {
	if m == nil {
		return
	}
	m.HistoryLoadState.WithLabelValues(string(state)).Inc()
}
