package reconciler

import (
	"fmt"
	"time"

	"kitchen-sync/internal/store"
	"kitchen-sync/pkg/models"
)

// UI-initiated mutation intents. Every one follows the write-ahead
// discipline: journal entry recorded and local store updated before any
// network traffic, so the display reflects the intended end state
// immediately and the push loop settles it later.

// UpdateOrderStatus applies a status transition to an order. The UI
// label in_prep is accepted and stored as in_progress.
func (r *Reconciler) UpdateOrderStatus(orderID string, target models.OrderStatus) error {
	target = models.NormalizeStatus(target)
	o, err := r.store.GetOrder(orderID)
	if err != nil {
		return err
	}
	if !models.CanTransition(o.Status, target) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, target)
	}

	now := r.now().UTC()
	patch := map[string]any{"order_status": string(target)}
	switch target {
	case models.StatusReady:
		patch["ready_at"] = now.Format(time.RFC3339Nano)
	case models.StatusCompleted:
		patch["completed_at"] = now.Format(time.RFC3339Nano)
	}
	switch target {
	case models.StatusNew, models.StatusPending, models.StatusInProgress:
		// Acknowledging transitions mark the order as seen.
		patch["seen_at"] = now.Format(time.RFC3339Nano)
	}

	if _, err := r.journal.Record(store.EntityOrder, orderID, patch); err != nil {
		return err
	}
	return r.applyOrderPatch(o, target, now)
}

func (r *Reconciler) applyOrderPatch(o models.Order, target models.OrderStatus, now time.Time) error {
	o.Status = target
	o.UpdatedAt = now
	o.PendingSync = true
	switch target {
	case models.StatusReady:
		o.ReadyAt = &now
	case models.StatusCompleted:
		o.CompletedAt = &now
	}
	switch target {
	case models.StatusNew, models.StatusPending, models.StatusInProgress:
		o.SeenAt = &now
	}
	if err := r.store.PutOrder(o); err != nil {
		return err
	}

	// Mirror the backend's transactional cascade locally so the board
	// converges without waiting for the acknowledgment.
	if itemStatus := cascadeItemStatus(target); itemStatus != nil {
		items, err := r.store.ItemsForOrder(o.ID)
		if err != nil {
			return err
		}
		for _, it := range items {
			if it.Status == models.StatusCancelled || it.Status == models.StatusHeld {
				continue
			}
			it.Status = *itemStatus
			it.UpdatedAt = now
			if err := r.store.PutOrderItem(it); err != nil {
				return err
			}
		}
	}
	return nil
}

// UpdateItemStatus transitions a single item.
func (r *Reconciler) UpdateItemStatus(itemID string, target models.OrderStatus) error {
	target = models.NormalizeStatus(target)
	it, err := r.store.GetOrderItem(itemID)
	if err != nil {
		return err
	}
	if !itemTransitionAllowed(it.Status, target) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, it.Status, target)
	}

	now := r.now().UTC()
	patch := map[string]any{"item_status": string(target)}
	if _, err := r.journal.Record(store.EntityOrderItem, itemID, patch); err != nil {
		return err
	}
	it.Status = target
	it.UpdatedAt = now
	return r.store.PutOrderItem(it)
}

// itemTransitionAllowed extends the order rules with the hold flow:
// moving into or out of held is free, but never for an item already
// retired (cancelled and completed stay final).
func itemTransitionAllowed(from, to models.OrderStatus) bool {
	if models.CanTransition(from, to) {
		return true
	}
	if from.IsTerminal() {
		return false
	}
	return to == models.StatusHeld || from == models.StatusHeld
}

// FireItem starts kitchen preparation: in_progress plus the fired
// timestamp.
func (r *Reconciler) FireItem(itemID string) error {
	it, err := r.store.GetOrderItem(itemID)
	if err != nil {
		return err
	}
	now := r.now().UTC()
	patch := map[string]any{
		"item_status":   string(models.StatusInProgress),
		"item_fired_at": now.Format(time.RFC3339Nano),
	}
	if _, err := r.journal.Record(store.EntityOrderItem, itemID, patch); err != nil {
		return err
	}
	it.Status = models.StatusInProgress
	it.FiredAt = &now
	it.UpdatedAt = now
	return r.store.PutOrderItem(it)
}

// HoldItem defers an item to a later serving wave. Held items stop
// counting toward the parent order's readiness until promoted.
func (r *Reconciler) HoldItem(itemID string) error {
	return r.UpdateItemStatus(itemID, models.StatusHeld)
}

// PromoteItem releases a held item back into the new column.
func (r *Reconciler) PromoteItem(itemID string) error {
	return r.UpdateItemStatus(itemID, models.StatusNew)
}

// CancelOrder moves an order to the absorbing cancelled state.
func (r *Reconciler) CancelOrder(orderID string) error {
	return r.UpdateOrderStatus(orderID, models.StatusCancelled)
}

// ConfirmPayment marks an order paid and completed in one intent.
func (r *Reconciler) ConfirmPayment(orderID string, paymentMethod string) error {
	o, err := r.store.GetOrder(orderID)
	if err != nil {
		return err
	}
	if !models.CanTransition(o.Status, models.StatusCompleted) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, models.StatusCompleted)
	}

	now := r.now().UTC()
	patch := map[string]any{
		"order_status":   string(models.StatusCompleted),
		"completed_at":   now.Format(time.RFC3339Nano),
		"is_paid":        true,
		"payment_method": paymentMethod,
	}
	if _, err := r.journal.Record(store.EntityOrder, orderID, patch); err != nil {
		return err
	}
	o.IsPaid = true
	o.PaymentMethod = &paymentMethod
	return r.applyOrderPatch(o, models.StatusCompleted, now)
}

// CreateLocalOrder stores an order created on this device under a
// provisional id and queues the remote create. Returns the provisional
// id; once the create is acknowledged the id is rewritten to the
// remote-assigned one.
func (r *Reconciler) CreateLocalOrder(o models.Order) (string, error) {
	now := r.now().UTC()
	o.ID = models.NewLocalOrderID()
	o.BusinessID = r.cfg.BusinessID
	if o.Status == "" {
		o.Status = models.StatusNew
	}
	o.CreatedAt = now
	o.UpdatedAt = now
	o.PendingSync = true

	items := o.Items
	o.Items = nil
	if err := r.store.PutOrder(o); err != nil {
		return "", err
	}
	for i, it := range items {
		if it.ID == "" {
			it.ID = fmt.Sprintf("%s-item-%d", o.ID, i+1)
		}
		it.OrderID = o.ID
		if it.Status == "" {
			it.Status = models.StatusNew
		}
		it.CreatedAt = now
		it.UpdatedAt = now
		if err := r.store.PutOrderItem(it); err != nil {
			return "", err
		}
	}

	if _, err := r.journal.Record(store.EntityOrder, o.ID, map[string]any{"op": opCreateOrder}); err != nil {
		return "", err
	}
	return o.ID, nil
}

// HistoryOrders returns the orders created on the given local-time day,
// served entirely from the local store.
func (r *Reconciler) HistoryOrders(day time.Time) ([]models.Order, error) {
	from := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	to := from.Add(24 * time.Hour)
	orders, err := r.store.OrdersBetween(r.cfg.BusinessID, from, to)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		items, err := r.store.ItemsForOrder(orders[i].ID)
		if err != nil {
			return nil, err
		}
		orders[i].Items = items
	}
	return orders, nil
}
