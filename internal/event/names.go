package event

import "slices"

// Application-facing event names. The strings are a stable contract with the
// UI layer.
const (
	QueueUpdate             = "queue_update"
	CashBookingUpdated      = "cash_booking_updated"
	SeatAvailabilityChanged = "seat_availability_changed"
	FinancialUpdate         = "financial_update"
	DashboardUpdate         = "dashboard_update"
	UIRefreshRequired       = "ui_refresh_required"

	// ConnectivityChanged carries a models.ConnectivityChange on every
	// connectivity transition. The state name itself ("connected",
	// "degraded", "reconnecting", "disconnected") is emitted alongside it.
	ConnectivityChanged = "connectivity_changed"
)

// topicEvents maps a transport topic to the application events it produces,
// in emission order.
var topicEvents = map[string][]string{
	QueueUpdate:             {QueueUpdate, UIRefreshRequired},
	CashBookingUpdated:      {CashBookingUpdated, UIRefreshRequired},
	SeatAvailabilityChanged: {SeatAvailabilityChanged, DashboardUpdate, UIRefreshRequired},
	FinancialUpdate:         {FinancialUpdate, DashboardUpdate},
	DashboardUpdate:         {DashboardUpdate},
}

// DefaultTopics are the transport topics the station screens subscribe to.
var DefaultTopics = []string{
	QueueUpdate,
	CashBookingUpdated,
	SeatAvailabilityChanged,
	FinancialUpdate,
	DashboardUpdate,
}

// EventsForTopic returns the application events produced by topic, or nil
// for an unknown topic.
func EventsForTopic(topic string) []string {
	return slices.Clone(topicEvents[topic])
}

// KnownTopic reports whether topic has an entry in the mapping table.
func KnownTopic(topic string) bool {
	_, ok := topicEvents[topic]
	return ok
}
