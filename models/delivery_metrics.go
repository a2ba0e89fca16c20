package models

import (
	"math"
	"strings"
)

// Provider delivery vocabulary. The provider is the source of truth for delivery_status;
// values arrive in mixed case so comparisons are done on the lower-cased form.
var (
	DeliveredStatuses = []string{"delivered", "delivrd", "completed", "ok"}
	FailedStatuses    = []string{"failure", "failed", "undelivered", "expired", "rejected", "error"}
)

// NormalizeDeliveryStatus lower-cases and trims a provider status
func NormalizeDeliveryStatus(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}

func IsDeliveredStatus(v *string) bool {
	if v == nil {
		return false
	}
	n := NormalizeDeliveryStatus(*v)
	for _, s := range DeliveredStatuses {
		if n == s {
			return true
		}
	}
	return false
}

func IsFailedDeliveryStatus(v *string) bool {
	if v == nil {
		return false
	}
	n := NormalizeDeliveryStatus(*v)
	for _, s := range FailedStatuses {
		if n == s {
			return true
		}
	}
	return false
}

// IsTerminalDeliveryStatus reports whether no further provider polling is needed
func IsTerminalDeliveryStatus(v *string) bool {
	return IsDeliveredStatus(v) || IsFailedDeliveryStatus(v)
}

// RecipientCounts are the raw aggregates read from campaign_recipients
type RecipientCounts struct {
	Recipients int64
	Accepted   int64
	Delivered  int64
	Failed     int64
}

// CanonicalTotals mirror provider truth for a campaign
type CanonicalTotals struct {
	Recipients int64 `json:"recipients"`
	Accepted   int64 `json:"accepted"`
	Sent       int64 `json:"sent"`
	Delivered  int64 `json:"delivered"`
	Failed     int64 `json:"failed"`
}

// CanonicalDelivery splits accepted messages by provider outcome
type CanonicalDelivery struct {
	PendingDelivery int64 `json:"pending_delivery"`
	Delivered       int64 `json:"delivered"`
	FailedDelivery  int64 `json:"failed_delivery"`
}

// CanonicalMetrics is always recomputed from recipient rows, never stored
type CanonicalMetrics struct {
	Totals   CanonicalTotals   `json:"totals"`
	Delivery CanonicalDelivery `json:"delivery"`
}

// BuildCanonicalMetrics derives canonical metrics from raw counts.
// Negative inputs are clamped to zero; pending delivery never goes below zero.
func BuildCanonicalMetrics(c RecipientCounts) CanonicalMetrics {
	recipients := max(c.Recipients, 0)
	accepted := max(c.Accepted, 0)
	delivered := max(c.Delivered, 0)
	failed := max(c.Failed, 0)

	return CanonicalMetrics{
		Totals: CanonicalTotals{
			Recipients: recipients,
			Accepted:   accepted,
			Sent:       accepted,
			Delivered:  delivered,
			Failed:     failed,
		},
		Delivery: CanonicalDelivery{
			PendingDelivery: max(accepted-delivered-failed, 0),
			Delivered:       delivered,
			FailedDelivery:  failed,
		},
	}
}

// Processed is the number of recipients with a terminal outcome
func (m CanonicalMetrics) Processed() int64 {
	return m.Delivery.Delivered + m.Delivery.FailedDelivery
}

// IsTerminal reports whether every recipient reached a terminal outcome
func (m CanonicalMetrics) IsTerminal() bool {
	return m.Totals.Recipients > 0 && m.Processed() >= m.Totals.Recipients
}

// AllFailed reports whether every processed recipient failed
func (m CanonicalMetrics) AllFailed() bool {
	p := m.Processed()
	return p > 0 && m.Delivery.FailedDelivery >= p
}

// Percentage returns part/total*100 rounded to two decimals
func Percentage(part, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return math.Round(float64(part)/float64(total)*100*100) / 100
}
