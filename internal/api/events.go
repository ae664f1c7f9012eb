package api

import (
	"time"

	"crossarb/internal/events"
)

// DashboardEvent wraps every message pushed over the WebSocket. Type carries
// the bus event name ("snapshot" for the initial full-state push).
type DashboardEvent struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// streamedEvents are the bus events forwarded to the dashboard. Per-tick
// health updates are deliberately absent; confirmed transitions carry the
// signal without flooding the stream.
var streamedEvents = []string{
	events.PlatformHealthDegraded,
	events.PlatformHealthRecovered,
	events.PlatformHealthDisconnected,
	events.DegradationActivatedName,
	events.DegradationDeactivatedName,
	events.OrderFilledName,
	events.ExecutionFailedName,
	events.SingleLegExposureName,
	events.ExposureReminderName,
	events.SingleLegResolvedName,
	events.ExitTriggeredName,
	events.LimitApproachedName,
	events.LimitBreachedName,
	events.ReconDiscrepancyName,
	events.ReconCompleteName,
}

// BridgeBus forwards bus events to connected WebSocket clients.
func BridgeBus(bus *events.Bus, hub *Hub) {
	for _, name := range streamedEvents {
		name := name
		bus.Subscribe(name, func(evt any) {
			hub.BroadcastEvent(DashboardEvent{
				Type:      name,
				Timestamp: time.Now().UTC(),
				Data:      evt,
			})
		})
	}
}
