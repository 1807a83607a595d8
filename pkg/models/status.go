package models

type OrderStatus string

const (
	StatusPending     OrderStatus = "pending"
	StatusNew         OrderStatus = "new"
	StatusInProgress  OrderStatus = "in_progress"
	StatusPrepStarted OrderStatus = "prep_started"
	StatusHeld        OrderStatus = "held"
	StatusReady       OrderStatus = "ready"
	StatusShipped     OrderStatus = "shipped"
	StatusCompleted   OrderStatus = "completed"
	StatusCancelled   OrderStatus = "cancelled"
)

// statusRank orders the normal forward flow. held and prep_started sit
// beside in_progress rather than on the main line.
var statusRank = map[OrderStatus]int{
	StatusPending:     0,
	StatusNew:         1,
	StatusInProgress:  2,
	StatusPrepStarted: 2,
	StatusHeld:        2,
	StatusReady:       3,
	StatusShipped:     4,
	StatusCompleted:   5,
}

// NormalizeStatus maps UI-level labels to stored statuses. The kitchen
// display uses "in_prep" for its middle column; the stored value is
// always in_progress.
func NormalizeStatus(s OrderStatus) OrderStatus {
	if s == "in_prep" {
		return StatusInProgress
	}
	return s
}

// IsTerminal reports whether a status accepts no further transitions.
func (s OrderStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// IsActive reports whether an order in this status belongs on live
// displays.
func (s OrderStatus) IsActive() bool {
	switch s {
	case StatusPending, StatusNew, StatusInProgress, StatusPrepStarted, StatusReady, StatusHeld:
		return true
	}
	return false
}

// IsDone reports whether an item in this status counts toward the parent
// order's readiness.
func (s OrderStatus) IsDone() bool {
	return s == StatusReady || s == StatusCompleted
}

// CanTransition validates an order status transition. The forward flow is
// monotonic; ready→in_progress is the explicit undo; cancelled absorbs
// any non-terminal status.
func CanTransition(from, to OrderStatus) bool {
	from = NormalizeStatus(from)
	to = NormalizeStatus(to)

	if from == to {
		return true
	}
	if from.IsTerminal() {
		return false
	}
	if to == StatusCancelled {
		return true
	}
	if from == StatusReady && to == StatusInProgress {
		return true // undo
	}

	fromRank, ok := statusRank[from]
	if !ok {
		return false
	}
	toRank, ok := statusRank[to]
	if !ok {
		return false
	}
	return toRank >= fromRank
}
