// Package kds derives kitchen-display state from raw orders and items.
// Everything here is pure: no store access, no clock reads, no panics.
// Malformed input degrades to exclusion plus a diagnostic.
package kds

import (
	"fmt"
	"sort"
	"time"

	"kitchen-sync/pkg/logger"
	"kitchen-sync/pkg/models"
)

// MaxActiveOrderAge is the staleness cutoff: an order still in an active
// status this long after creation is treated as abandoned and kept off
// live displays. The stored status is not touched.
const MaxActiveOrderAge = 3 * time.Hour

// IsStaleActive reports whether an order still in an active status is
// old enough to be treated as abandoned. Terminal statuses are never
// stale; the rule only declutters live displays.
func IsStaleActive(order models.Order, now time.Time) bool {
	status := models.NormalizeStatus(order.Status)
	if !status.IsActive() || order.CreatedAt.IsZero() {
		return false
	}
	return now.Sub(order.CreatedAt) > MaxActiveOrderAge
}

type CardGroup string

const (
	GroupNew     CardGroup = "new"
	GroupActive  CardGroup = "active"
	GroupReady   CardGroup = "ready"
	GroupDelayed CardGroup = "delayed"
)

type CardItem struct {
	ID         string
	MenuItemID string
	Name       string
	Modifiers  []models.Modifier
	Notes      string
	Quantity   int
	Price      float64
	Category   string
	Status     models.OrderStatus
	Stage      int
	FiredAt    *time.Time
}

// Card is one kitchen-display card. A single order can produce several:
// one per course stage plus a delayed card for held items.
type Card struct {
	ID      string
	OrderID string
	Stage   int
	Group   CardGroup
	Status  models.OrderStatus
	Items   []CardItem
}

type OrderView struct {
	OrderID         string
	CanonicalStatus models.OrderStatus
	Cards           []Card
	// Excluded orders stay out of active views entirely: cancelled,
	// fully-retired, zero-item or stale orders.
	Excluded bool
}

// ComputeOrderView maps an order and its items to a canonical status and
// display cards. log may be nil.
func ComputeOrderView(order models.Order, items []models.OrderItem, menu map[string]models.MenuItem, now time.Time, log *logger.Logger) OrderView {
	view := OrderView{OrderID: order.ID}

	live := make([]models.OrderItem, 0, len(items))
	for _, it := range items {
		if it.Status == models.StatusCancelled {
			continue
		}
		if it.ID == "" || it.Quantity <= 0 {
			diag(log, order.ID, fmt.Sprintf("malformed item %q (quantity %d) excluded from readiness", it.ID, it.Quantity))
			continue
		}
		live = append(live, it)
	}

	view.CanonicalStatus = canonicalStatus(order, live)

	status := models.NormalizeStatus(order.Status)
	if status.IsTerminal() || len(live) == 0 {
		view.Excluded = true
		return view
	}
	if IsStaleActive(order, now) {
		diag(log, order.ID, "stale active order excluded from live views")
		view.Excluded = true
		return view
	}

	view.Cards = buildCards(order, live, menu)
	if len(view.Cards) == 0 {
		view.Excluded = true
	}
	return view
}

// canonicalStatus implements the readiness rules: held and cancelled
// items never count; ready means every remaining item is done; any item
// being worked on makes the whole order in_progress; otherwise the
// stored new/pending label is preserved.
func canonicalStatus(order models.Order, live []models.OrderItem) models.OrderStatus {
	status := models.NormalizeStatus(order.Status)
	if status.IsTerminal() {
		return status
	}

	working := make([]models.OrderItem, 0, len(live))
	for _, it := range live {
		if it.Status == models.StatusHeld {
			continue
		}
		working = append(working, it)
	}
	if len(working) == 0 {
		// Only held items left: the order is parked between courses.
		return status
	}

	allDone := true
	anyActive := false
	for _, it := range working {
		if !it.Status.IsDone() {
			allDone = false
		}
		if it.Status == models.StatusInProgress || it.Status == models.StatusPrepStarted {
			anyActive = true
		}
	}
	switch {
	case allDone:
		return models.StatusReady
	case anyActive:
		return models.StatusInProgress
	case status == models.StatusPending:
		return models.StatusPending
	default:
		return models.StatusNew
	}
}

func buildCards(order models.Order, live []models.OrderItem, menu map[string]models.MenuItem) []Card {
	var held []models.OrderItem
	byStage := map[int][]models.OrderItem{}
	stages := []int{}

	for _, it := range live {
		if !routeToDisplay(it, menu) {
			continue
		}
		if it.Status == models.StatusHeld {
			held = append(held, it)
			continue
		}
		stage := it.Stage()
		if _, seen := byStage[stage]; !seen {
			stages = append(stages, stage)
		}
		byStage[stage] = append(byStage[stage], it)
	}
	sort.Ints(stages)

	var cards []Card
	for _, stage := range stages {
		stageItems := byStage[stage]
		card := Card{
			ID:      cardID(order.ID, stage),
			OrderID: order.ID,
			Stage:   stage,
			Items:   cardItems(stageItems, menu),
		}
		card.Group, card.Status = stageStatus(order, stageItems)
		cards = append(cards, card)
	}

	if len(held) > 0 {
		cards = append(cards, Card{
			ID:      order.ID + "-delayed",
			OrderID: order.ID,
			Group:   GroupDelayed,
			Status:  models.StatusPending,
			Items:   cardItems(held, menu),
		})
	}
	return cards
}

// stageStatus runs the readiness rules over a single stage's items so
// each serving wave progresses independently.
func stageStatus(order models.Order, items []models.OrderItem) (CardGroup, models.OrderStatus) {
	allDone := len(items) > 0
	anyActive := false
	for _, it := range items {
		if !it.Status.IsDone() {
			allDone = false
		}
		if it.Status == models.StatusInProgress || it.Status == models.StatusPrepStarted {
			anyActive = true
		}
	}
	switch {
	case allDone:
		return GroupReady, models.StatusReady
	case anyActive:
		return GroupActive, models.StatusInProgress
	case models.NormalizeStatus(order.Status) == models.StatusPending:
		return GroupNew, models.StatusPending
	default:
		return GroupNew, models.StatusNew
	}
}

// routeToDisplay applies the menu item's KDS routing classification.
// Unknown menu items default to shown so a lagging menu sync never hides
// a live ticket.
func routeToDisplay(it models.OrderItem, menu map[string]models.MenuItem) bool {
	m, ok := menu[it.MenuItemID]
	if !ok {
		return true
	}
	switch m.Routing {
	case models.MadeToOrder:
		return true
	case models.NeverShow:
		return false
	case models.Conditional:
		return it.KDSOverride
	case models.GrabAndGo:
		return m.PrepRequired
	default:
		return m.PrepRequired
	}
}

func cardItems(items []models.OrderItem, menu map[string]models.MenuItem) []CardItem {
	out := make([]CardItem, 0, len(items))
	for _, it := range items {
		m := menu[it.MenuItemID]
		name := m.Name
		if name == "" {
			name = "unknown item"
		}
		price := it.Price
		if price == 0 {
			price = m.Price
		}
		out = append(out, CardItem{
			ID:         it.ID,
			MenuItemID: it.MenuItemID,
			Name:       name,
			Modifiers:  it.Modifiers,
			Notes:      it.Notes,
			Quantity:   it.Quantity,
			Price:      price,
			Category:   m.Category,
			Status:     it.Status,
			Stage:      it.Stage(),
			FiredAt:    it.FiredAt,
		})
	}
	return out
}

func cardID(orderID string, stage int) string {
	if stage == 1 {
		return orderID
	}
	return fmt.Sprintf("%s-stage-%d", orderID, stage)
}

func diag(log *logger.Logger, orderID, msg string) {
	if log == nil {
		return
	}
	log.Debug("", "kds_view_degraded", fmt.Sprintf("order %s: %s", orderID, msg))
}

// Board splits computed cards into the two KDS columns: cards still
// being worked and cards whose wave is fully ready.
type Board struct {
	Current   []Card
	Completed []Card
}

func BuildBoard(views []OrderView) Board {
	var b Board
	for _, v := range views {
		if v.Excluded {
			continue
		}
		for _, c := range v.Cards {
			if c.Group == GroupReady {
				b.Completed = append(b.Completed, c)
			} else {
				b.Current = append(b.Current, c)
			}
		}
	}
	return b
}
