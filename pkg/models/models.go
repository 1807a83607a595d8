package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// LocalIDPrefix marks an order created offline whose id has not been
// confirmed by the remote backend yet.
const LocalIDPrefix = "local-"

type Order struct {
	ID            string      `json:"id"`
	BusinessID    string      `json:"business_id"`
	OrderNumber   string      `json:"order_number,omitempty"`
	CustomerID    *string     `json:"customer_id,omitempty"`
	CustomerName  string      `json:"customer_name,omitempty"`
	Type          string      `json:"order_type"`
	Status        OrderStatus `json:"order_status"`
	TotalAmount   float64     `json:"total_amount"`
	PaidAmount    float64     `json:"paid_amount"`
	IsPaid        bool        `json:"is_paid"`
	PaymentMethod *string     `json:"payment_method,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
	SeenAt        *time.Time  `json:"seen_at,omitempty"`
	ReadyAt       *time.Time  `json:"ready_at,omitempty"`
	CompletedAt   *time.Time  `json:"completed_at,omitempty"`
	PendingSync   bool        `json:"pending_sync"`

	// Items is populated on remote snapshots and realtime events; the
	// local store keeps items in their own table.
	Items []OrderItem `json:"order_items,omitempty"`
}

type OrderItem struct {
	ID          string      `json:"id"`
	OrderID     string      `json:"order_id"`
	MenuItemID  string      `json:"menu_item_id"`
	Quantity    int         `json:"quantity"`
	Price       float64     `json:"price"`
	Status      OrderStatus `json:"item_status"`
	Modifiers   []Modifier  `json:"mods,omitempty"`
	KDSOverride bool        `json:"kds_override,omitempty"`
	Notes       string      `json:"notes,omitempty"`
	CourseStage int         `json:"course_stage"`
	FiredAt     *time.Time  `json:"item_fired_at,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Stage returns the course stage, treating missing/zero as stage 1.
func (i OrderItem) Stage() int {
	if i.CourseStage < 1 {
		return 1
	}
	return i.CourseStage
}

type RoutingLogic string

const (
	MadeToOrder RoutingLogic = "MADE_TO_ORDER"
	GrabAndGo   RoutingLogic = "GRAB_AND_GO"
	Conditional RoutingLogic = "CONDITIONAL"
	NeverShow   RoutingLogic = "NEVER_SHOW"
)

// MenuItem is reference data: pulled into the local store, never mutated
// by the sync engine.
type MenuItem struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	Price           float64      `json:"price"`
	Category        string       `json:"category"`
	Routing         RoutingLogic `json:"kds_routing_logic"`
	PrepRequired    bool         `json:"is_prep_required"`
	LoyaltyEligible bool         `json:"is_hot_drink"`
}

type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

// ChangeEvent is a remote change notification, either from the realtime
// channel or synthesized from a poll.
type ChangeEvent struct {
	Type       EventType  `json:"event_type"`
	Table      string     `json:"table"`
	BusinessID string     `json:"business_id"`
	Order      *Order     `json:"order,omitempty"`
	Item       *OrderItem `json:"order_item,omitempty"`
}

// NewLocalOrderID generates a provisional id for an order created while
// offline. The prefix keeps it distinguishable from remote UUIDs until
// the create is acknowledged.
func NewLocalOrderID() string {
	return LocalIDPrefix + uuid.NewString()
}

func IsLocalID(id string) bool {
	return strings.HasPrefix(id, LocalIDPrefix)
}
