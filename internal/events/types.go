package events

// Event enumerates lifecycle topics inside the controller.
type Event string

const (
	EventLegOpened       Event = "leg.opened"
	EventExitsArmed      Event = "leg.exits_armed"
	EventStopMoved       Event = "leg.stop_moved"
	EventTrailActivated  Event = "leg.trail_activated"
	EventLegRealized     Event = "leg.realized"
	EventEntryFailed     Event = "entry.failed"
	EventExitDegraded    Event = "exits.degraded"
	EventOCORace         Event = "oco.race"
	EventReconcileRepair Event = "reconcile.repair"
	EventSquareOff       Event = "squareoff"
)
