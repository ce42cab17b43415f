// Package metrics exposes Prometheus counters for the relay's outbound work.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// emailsTotal counts email send attempts.
	// Labels:
	// - result: success | failure | invalid
	emailsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "medrelay",
			Subsystem: "notify",
			Name:      "emails_total",
			Help:      "Email send attempts by result.",
		},
		[]string{"result"},
	)

	// smsTotal counts per-recipient SMS send attempts.
	// Labels:
	// - result: success | failure | invalid
	smsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "medrelay",
			Subsystem: "notify",
			Name:      "sms_total",
			Help:      "Per-recipient SMS send attempts by result.",
		},
		[]string{"result"},
	)

	// lookupsTotal counts patient lookups.
	// Labels:
	// - result: found | not_found | error
	lookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "medrelay",
			Subsystem: "store",
			Name:      "lookups_total",
			Help:      "Patient record lookups by result.",
		},
		[]string{"result"},
	)

	// stagedRemovedTotal counts staged upload removals.
	// Labels:
	// - reason: sent | expired
	stagedRemovedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "medrelay",
			Subsystem: "staging",
			Name:      "files_removed_total",
			Help:      "Staged upload files removed by reason.",
		},
		[]string{"reason"},
	)
)

// IncEmail increments the email outcome counter.
func IncEmail(result string) {
	emailsTotal.WithLabelValues(orUnknown(result)).Inc()
}

// IncSMS increments the SMS outcome counter.
func IncSMS(result string) {
	smsTotal.WithLabelValues(orUnknown(result)).Inc()
}

// IncLookup increments the patient lookup counter.
func IncLookup(result string) {
	lookupsTotal.WithLabelValues(orUnknown(result)).Inc()
}

// AddStagedRemoved adds n to the staged removal counter.
func AddStagedRemoved(reason string, n int) {
	if n <= 0 {
		return
	}
	stagedRemovedTotal.WithLabelValues(orUnknown(reason)).Add(float64(n))
}

// Handler serves the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func orUnknown(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
