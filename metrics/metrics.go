// Package metrics exposes Prometheus counters for the messaging pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the pipeline counters. A nil *Metrics is valid and records nothing.
type Metrics struct {
	EnvelopesEncrypted  prometheus.Counter
	EnvelopesDecrypted  prometheus.Counter
	IntegrityFailures   prometheus.Counter
	DecryptionFailures  prometheus.Counter
	KeysGenerated       prometheus.Counter
	KeysPurged          prometheus.Counter
	KeyExchangeFailures prometheus.Counter
	StatusTransitions   *prometheus.CounterVec
	DroppedUpdates      *prometheus.CounterVec
	TypingUpdates       prometheus.Counter
}

// New creates the counters and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EnvelopesEncrypted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sechat_envelopes_encrypted_total",
			Help: "Total number of envelopes sealed",
		}),
		EnvelopesDecrypted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sechat_envelopes_decrypted_total",
			Help: "Total number of envelopes opened successfully",
		}),
		IntegrityFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sechat_envelope_integrity_failures_total",
			Help: "Total number of envelopes rejected by checksum verification",
		}),
		DecryptionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sechat_envelope_decryption_failures_total",
			Help: "Total number of envelopes with a valid checksum that failed to decrypt",
		}),
		KeysGenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sechat_conversation_keys_generated_total",
			Help: "Total number of conversation keys generated",
		}),
		KeysPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sechat_conversation_keys_purged_total",
			Help: "Total number of expired conversation keys evicted",
		}),
		KeyExchangeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sechat_key_exchange_failures_total",
			Help: "Total number of failed key exchanges",
		}),
		StatusTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sechat_status_transitions_total",
			Help: "Total number of applied message status transitions",
		}, []string{"status"}),
		DroppedUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sechat_subscriber_updates_dropped_total",
			Help: "Total number of updates dropped because a subscriber buffer was full",
		}, []string{"stream"}),
		TypingUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sechat_typing_updates_total",
			Help: "Total number of typing flag changes broadcast",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.EnvelopesEncrypted,
			m.EnvelopesDecrypted,
			m.IntegrityFailures,
			m.DecryptionFailures,
			m.KeysGenerated,
			m.KeysPurged,
			m.KeyExchangeFailures,
			m.StatusTransitions,
			m.DroppedUpdates,
			m.TypingUpdates,
		)
	}
	return m
}

// Inc increments c when m is non-nil.
func (m *Metrics) Inc(pick func(*Metrics) prometheus.Counter) {
	if m == nil {
		return
	}
	pick(m).Inc()
}

// Add adds n to c when m is non-nil.
func (m *Metrics) Add(pick func(*Metrics) prometheus.Counter, n int) {
	if m == nil || n <= 0 {
		return
	}
	pick(m).Add(float64(n))
}

// IncStatus counts one transition into status.
func (m *Metrics) IncStatus(status string) {
	if m == nil {
		return
	}
	m.StatusTransitions.WithLabelValues(status).Inc()
}

// IncDropped counts one update dropped on stream.
func (m *Metrics) IncDropped(stream string) {
	if m == nil {
		return
	}
	m.DroppedUpdates.WithLabelValues(stream).Inc()
}

func EnvelopesEncrypted(m *Metrics) prometheus.Counter  { return m.EnvelopesEncrypted }
func EnvelopesDecrypted(m *Metrics) prometheus.Counter  { return m.EnvelopesDecrypted }
func IntegrityFailures(m *Metrics) prometheus.Counter   { return m.IntegrityFailures }
func DecryptionFailures(m *Metrics) prometheus.Counter  { return m.DecryptionFailures }
func KeysGenerated(m *Metrics) prometheus.Counter       { return m.KeysGenerated }
func KeysPurged(m *Metrics) prometheus.Counter          { return m.KeysPurged }
func KeyExchangeFailures(m *Metrics) prometheus.Counter { return m.KeyExchangeFailures }
func TypingUpdates(m *Metrics) prometheus.Counter       { return m.TypingUpdates }
