// Package reconciler keeps the device-local store consistent with the
// remote backend across unreliable connectivity.
//
// One reconciler runs per device as a single logical actor: a polling
// timer and the realtime notification stream both funnel through Run's
// serialized merge path, so the local-pending guard is never bypassed by
// overlapping pulls. UI mutation intents follow the write-ahead
// discipline: journal entry plus optimistic local apply first, network
// push later.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"kitchen-sync/internal/journal"
	"kitchen-sync/internal/kds"
	"kitchen-sync/internal/remote"
	"kitchen-sync/internal/store"
	"kitchen-sync/pkg/logger"
	"kitchen-sync/pkg/models"
)

const (
	opCreateOrder = "create_order"
	pushBatchSize = 16
)

type Config struct {
	BusinessID      string
	PollInterval    time.Duration
	PushInterval    time.Duration
	PullWindow      time.Duration
	MaxPushAttempts int
}

type Reconciler struct {
	store   *store.Store
	journal *journal.Journal
	gateway remote.Gateway
	log     *logger.Logger
	cfg     Config

	// now is a clock hook for tests.
	now func() time.Time

	onSyncError func(SyncError)

	menuCache map[string]models.MenuItem
	menuRev   int64
}

func New(st *store.Store, jn *journal.Journal, gw remote.Gateway, log *logger.Logger, cfg Config) *Reconciler {
	if cfg.MaxPushAttempts < 1 {
		cfg.MaxPushAttempts = 1
	}
	return &Reconciler{
		store:   st,
		journal: jn,
		gateway: gw,
		log:     log,
		cfg:     cfg,
		now:     time.Now,
		menuRev: -1,
	}
}

// SetErrorHandler registers the surface for exhausted-retry failures.
func (r *Reconciler) SetErrorHandler(fn func(SyncError)) {
	r.onSyncError = fn
}

// Run drives the sync loop until ctx is cancelled. events may be nil
// when no realtime channel is available; polling then carries all pulls.
func (r *Reconciler) Run(ctx context.Context, events <-chan models.ChangeEvent) error {
	if err := r.Pull(ctx); err != nil {
		// Startup offline is normal: the store already holds the last
		// hydrated state.
		r.log.Warn("startup", "initial_pull_failed", fmt.Sprintf("Initial pull failed, serving cached state: %v", err))
	}
	if err := r.PullMenu(ctx); err != nil {
		r.log.Warn("startup", "menu_pull_failed", fmt.Sprintf("Menu pull failed, using cached menu: %v", err))
	}

	pollTicker := time.NewTicker(r.cfg.PollInterval)
	defer pollTicker.Stop()
	pushTicker := time.NewTicker(r.cfg.PushInterval)
	defer pushTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-pollTicker.C:
			if err := r.Pull(ctx); err != nil {
				r.log.Debug("", "poll_pull_failed", fmt.Sprintf("Pull failed, retrying next tick: %v", err))
			}
		case <-pushTicker.C:
			r.PushPending(ctx)
		case ev, ok := <-events:
			if !ok {
				events = nil // realtime dropped; polling keeps going
				continue
			}
			r.handleEvent(ctx, ev)
		}
	}
}

// Pull fetches the rolling snapshot window and merges every order under
// the local-pending guard. A failed pull leaves the store untouched.
func (r *Reconciler) Pull(ctx context.Context) error {
	since := r.now().Add(-r.cfg.PullWindow)
	orders, err := r.gateway.FetchOrdersSince(ctx, r.cfg.BusinessID, since)
	if err != nil {
		return fmt.Errorf("pull snapshot: %w", err)
	}
	for _, o := range orders {
		if _, err := r.MergeOrder(o); err != nil {
			r.log.Error("", "merge_failed", fmt.Sprintf("Failed to merge order %s", o.ID), err)
		}
	}
	return nil
}

// PullMenu refreshes the menu reference table and invalidates the
// memoized routing cache.
func (r *Reconciler) PullMenu(ctx context.Context) error {
	menu, err := r.gateway.FetchMenuItems(ctx, r.cfg.BusinessID)
	if err != nil {
		return fmt.Errorf("pull menu: %w", err)
	}
	for _, m := range menu {
		if err := r.store.PutMenuItem(m); err != nil {
			return err
		}
	}
	r.menuCache = nil
	return nil
}

// MergeOrder applies a remote order snapshot to the local store.
//
// Guard rule: when a pending local mutation exists for the order and the
// local updated_at is not older than the incoming remote updated_at, the
// remote row is discarded; a stale snapshot must not clobber an
// unacknowledged local change. Returns whether the write was applied.
func (r *Reconciler) MergeOrder(o models.Order) (bool, error) {
	pending, err := r.journal.PendingFor(store.EntityOrder, o.ID)
	if err != nil {
		return false, err
	}
	local, localErr := r.store.GetOrder(o.ID)
	if localErr != nil && !errors.Is(localErr, store.ErrNotFound) {
		return false, localErr
	}

	if pending != nil && localErr == nil && !local.UpdatedAt.Before(o.UpdatedAt) {
		r.log.Debug("", "merge_guarded", fmt.Sprintf("Protected local pending state of order %s from stale snapshot", o.ID))
		return false, nil
	}

	items := o.Items
	o.Items = nil
	o.PendingSync = pending != nil
	if err := r.store.PutOrder(o); err != nil {
		return false, err
	}
	if err := r.store.SaveShadow(store.EntityOrder, o.ID, o); err != nil {
		return false, err
	}

	// Anti-flicker: a snapshot with no items (items not synced yet on
	// the remote side) keeps whatever items are cached rather than
	// blanking the card.
	for _, it := range items {
		if _, err := r.mergeItem(it); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (r *Reconciler) mergeItem(it models.OrderItem) (bool, error) {
	pending, err := r.journal.PendingFor(store.EntityOrderItem, it.ID)
	if err != nil {
		return false, err
	}
	if pending != nil {
		local, localErr := r.store.GetOrderItem(it.ID)
		if localErr == nil && !local.UpdatedAt.Before(it.UpdatedAt) {
			r.log.Debug("", "merge_guarded", fmt.Sprintf("Protected local pending state of item %s from stale snapshot", it.ID))
			return false, nil
		}
	}
	if err := r.store.PutOrderItem(it); err != nil {
		return false, err
	}
	if err := r.store.SaveShadow(store.EntityOrderItem, it.ID, it); err != nil {
		return false, err
	}
	return true, nil
}

// handleEvent merges one realtime notification through the same guarded
// path pulls use.
func (r *Reconciler) handleEvent(ctx context.Context, ev models.ChangeEvent) {
	switch {
	case ev.Order != nil && ev.Type == models.EventDelete:
		if err := r.store.DeleteOrder(ev.Order.ID); err != nil {
			r.log.Error("", "event_delete_failed", fmt.Sprintf("Failed to delete order %s", ev.Order.ID), err)
		}
		_ = r.store.DeleteShadow(store.EntityOrder, ev.Order.ID)
	case ev.Order != nil:
		if _, err := r.MergeOrder(*ev.Order); err != nil {
			r.log.Error("", "event_merge_failed", fmt.Sprintf("Failed to merge order event %s", ev.Order.ID), err)
		}
	case ev.Item != nil && ev.Type == models.EventDelete:
		// Items are retired via cancelled, not removed; a remote delete
		// still wins.
		if _, err := r.store.DB().Exec("DELETE FROM order_items WHERE id = ?", ev.Item.ID); err != nil {
			r.log.Error("", "event_delete_failed", fmt.Sprintf("Failed to delete item %s", ev.Item.ID), err)
		}
	case ev.Item != nil:
		if _, err := r.mergeItem(*ev.Item); err != nil {
			r.log.Error("", "event_merge_failed", fmt.Sprintf("Failed to merge item event %s", ev.Item.ID), err)
		}
	default:
		r.log.Debug("", "event_ignored", "Change notification carried no entity")
	}
}

// PushPending pushes every eligible journal entry. Entities with an
// in-flight mutation are skipped by NextBatch, keeping pushes for a
// single entity serialized.
func (r *Reconciler) PushPending(ctx context.Context) {
	batch, err := r.journal.NextBatch(pushBatchSize)
	if err != nil {
		r.log.Error("", "push_batch_failed", "Failed to read pending mutations", err)
		return
	}
	// One mutation per entity per round: a successful create rewrites the
	// entity id, so later entries for the same entity wait for the next
	// round and are re-read with the fresh id.
	pushed := map[string]bool{}
	for _, m := range batch {
		key := m.EntityType + "/" + m.EntityID
		if pushed[key] {
			continue
		}
		pushed[key] = true
		r.pushOne(ctx, m)
	}
}

func (r *Reconciler) pushOne(ctx context.Context, m journal.PendingMutation) {
	if err := r.journal.MarkInFlight(m.Seq); err != nil {
		r.log.Error("", "mark_in_flight_failed", fmt.Sprintf("Failed to flag mutation %d", m.Seq), err)
		return
	}

	entityID, err := r.dispatch(ctx, m)
	if err == nil {
		if err := r.journal.Resolve(m.Seq, journal.Success); err != nil {
			r.log.Error("", "resolve_failed", fmt.Sprintf("Failed to clear mutation %d", m.Seq), err)
		}
		// A create rewrites the entity id; bookkeeping follows the new one.
		m.EntityID = entityID
		r.clearPendingFlag(m)
		return
	}

	if errors.Is(err, remote.ErrConflict) {
		// Server state moved on: discard the optimistic change and let
		// the next pull bring authoritative state.
		_ = r.journal.Drop(m.Seq)
		r.revert(m)
		r.surface(m, err)
		return
	}

	if err2 := r.journal.Resolve(m.Seq, journal.Failure); err2 != nil {
		r.log.Error("", "resolve_failed", fmt.Sprintf("Failed to unflag mutation %d", m.Seq), err2)
		return
	}
	if m.Attempts+1 >= r.cfg.MaxPushAttempts {
		r.log.Error("", "push_exhausted", fmt.Sprintf("Mutation %d for %s %s exhausted retries", m.Seq, m.EntityType, m.EntityID), err)
		_ = r.journal.Drop(m.Seq)
		r.revert(m)
		r.surface(m, fmt.Errorf("%w: %v", ErrRetriesExhausted, err))
		return
	}
	r.log.Debug("", "push_retry", fmt.Sprintf("Mutation %d failed (attempt %d), will retry: %v", m.Seq, m.Attempts+1, err))
}

// dispatch issues the remote call for one journal entry and folds the
// acknowledgment back into the shadow copy. It returns the entity id the
// mutation settled under, which differs from m.EntityID after a create.
func (r *Reconciler) dispatch(ctx context.Context, m journal.PendingMutation) (string, error) {
	if op, _ := m.Patch["op"].(string); op == opCreateOrder {
		return r.pushCreate(ctx, m)
	}

	switch m.EntityType {
	case store.EntityOrder:
		return m.EntityID, r.pushOrderPatch(ctx, m)
	case store.EntityOrderItem:
		updatedAt, err := r.gateway.UpdateOrderItem(ctx, m.EntityID, m.Patch)
		if err != nil {
			return m.EntityID, err
		}
		return m.EntityID, r.confirmItem(m.EntityID, updatedAt)
	default:
		return m.EntityID, fmt.Errorf("%w: %s", ErrUnknownMutation, m.EntityType)
	}
}

func (r *Reconciler) pushOrderPatch(ctx context.Context, m journal.PendingMutation) error {
	statusStr, ok := m.Patch["order_status"].(string)
	if !ok {
		return fmt.Errorf("%w: order patch without order_status", ErrUnknownMutation)
	}
	status := models.OrderStatus(statusStr)

	upd := remote.StatusUpdate{
		OrderID:     m.EntityID,
		BusinessID:  r.cfg.BusinessID,
		Status:      status,
		SeenAt:      patchTime(m.Patch, "seen_at"),
		ReadyAt:     patchTime(m.Patch, "ready_at"),
		CompletedAt: patchTime(m.Patch, "completed_at"),
	}
	if paid, ok := m.Patch["is_paid"].(bool); ok {
		upd.IsPaid = &paid
	}
	if method, ok := m.Patch["payment_method"].(string); ok {
		upd.PaymentMethod = &method
	}
	if itemStatus := cascadeItemStatus(status); itemStatus != nil {
		upd.ItemStatus = itemStatus
	}

	updatedAt, err := r.gateway.UpdateOrderStatus(ctx, upd)
	if err != nil {
		return err
	}
	return r.confirmOrder(m.EntityID, updatedAt)
}

func (r *Reconciler) pushCreate(ctx context.Context, m journal.PendingMutation) (string, error) {
	o, err := r.store.GetOrder(m.EntityID)
	if err != nil {
		return m.EntityID, err
	}
	items, err := r.store.ItemsForOrder(m.EntityID)
	if err != nil {
		return m.EntityID, err
	}
	o.Items = items

	remoteID, err := r.gateway.CreateOrder(ctx, o)
	if err != nil {
		return m.EntityID, err
	}
	if err := r.store.ReplaceOrderID(m.EntityID, remoteID); err != nil {
		return m.EntityID, err
	}
	return remoteID, r.confirmOrder(remoteID, r.now())
}

// confirmOrder marks the local row acknowledged (unless newer mutations
// queued behind this one) and refreshes the shadow copy.
func (r *Reconciler) confirmOrder(orderID string, updatedAt time.Time) error {
	o, err := r.store.GetOrder(orderID)
	if err != nil {
		return err
	}
	o.UpdatedAt = updatedAt

	remaining, err := r.journal.PendingFor(store.EntityOrder, orderID)
	if err != nil {
		return err
	}
	o.PendingSync = remaining != nil
	if err := r.store.PutOrder(o); err != nil {
		return err
	}
	return r.store.SaveShadow(store.EntityOrder, orderID, o)
}

func (r *Reconciler) confirmItem(itemID string, updatedAt time.Time) error {
	it, err := r.store.GetOrderItem(itemID)
	if err != nil {
		return err
	}
	it.UpdatedAt = updatedAt
	if err := r.store.PutOrderItem(it); err != nil {
		return err
	}
	return r.store.SaveShadow(store.EntityOrderItem, itemID, it)
}

// clearPendingFlag drops the pending_sync marker once no journal entries
// remain for the order.
func (r *Reconciler) clearPendingFlag(m journal.PendingMutation) {
	if m.EntityType != store.EntityOrder {
		return
	}
	remaining, err := r.journal.PendingFor(store.EntityOrder, m.EntityID)
	if err != nil || remaining != nil {
		return
	}
	if o, err := r.store.GetOrder(m.EntityID); err == nil && o.PendingSync {
		o.PendingSync = false
		_ = r.store.PutOrder(o)
	}
}

// revert restores the last remote-confirmed copy so the UI re-derives
// from known-good state instead of keeping a rejected optimistic write.
// Intents still queued for the entity are folded back over the shadow:
// discarding one mutation must not erase the optimistic effect of the
// others.
func (r *Reconciler) revert(m journal.PendingMutation) {
	switch m.EntityType {
	case store.EntityOrder:
		var o models.Order
		err := r.store.Shadow(store.EntityOrder, m.EntityID, &o)
		if errors.Is(err, store.ErrNotFound) {
			// Never confirmed remotely (offline create): nothing good to
			// restore, drop the provisional row.
			_ = r.store.DeleteOrder(m.EntityID)
			return
		}
		if err != nil {
			r.log.Error("", "revert_failed", fmt.Sprintf("Failed to load shadow of order %s", m.EntityID), err)
			return
		}
		remaining := r.pendingPatches(store.EntityOrder, m.EntityID)
		for _, pm := range remaining {
			applyPatchToOrder(&o, pm.Patch)
		}
		o.PendingSync = len(remaining) > 0
		if len(remaining) > 0 {
			o.UpdatedAt = r.now()
		}
		if err := r.store.PutOrder(o); err != nil {
			r.log.Error("", "revert_failed", fmt.Sprintf("Failed to revert order %s", m.EntityID), err)
		}
	case store.EntityOrderItem:
		var it models.OrderItem
		err := r.store.Shadow(store.EntityOrderItem, m.EntityID, &it)
		if err != nil {
			r.log.Error("", "revert_failed", fmt.Sprintf("Failed to load shadow of item %s", m.EntityID), err)
			return
		}
		remaining := r.pendingPatches(store.EntityOrderItem, m.EntityID)
		for _, pm := range remaining {
			applyPatchToItem(&it, pm.Patch)
		}
		if len(remaining) > 0 {
			it.UpdatedAt = r.now()
		}
		if err := r.store.PutOrderItem(it); err != nil {
			r.log.Error("", "revert_failed", fmt.Sprintf("Failed to revert item %s", m.EntityID), err)
		}
	}
}

// pendingPatches returns the still-queued field patches for an entity,
// oldest first, skipping create markers.
func (r *Reconciler) pendingPatches(entityType, entityID string) []journal.PendingMutation {
	remaining, err := r.journal.PendingAll(entityType, entityID)
	if err != nil {
		r.log.Error("", "revert_reapply_failed", fmt.Sprintf("Failed to read queued intents of %s %s", entityType, entityID), err)
		return nil
	}
	patches := remaining[:0]
	for _, pm := range remaining {
		if _, ok := pm.Patch["op"]; ok {
			continue
		}
		patches = append(patches, pm)
	}
	return patches
}

// applyPatchToOrder folds one journaled patch back onto an order row.
func applyPatchToOrder(o *models.Order, patch map[string]any) {
	if s, ok := patch["order_status"].(string); ok {
		o.Status = models.OrderStatus(s)
	}
	if t := patchTime(patch, "seen_at"); t != nil {
		o.SeenAt = t
	}
	if t := patchTime(patch, "ready_at"); t != nil {
		o.ReadyAt = t
	}
	if t := patchTime(patch, "completed_at"); t != nil {
		o.CompletedAt = t
	}
	if b, ok := patch["is_paid"].(bool); ok {
		o.IsPaid = b
	}
	if s, ok := patch["payment_method"].(string); ok {
		o.PaymentMethod = &s
	}
}

func applyPatchToItem(it *models.OrderItem, patch map[string]any) {
	if s, ok := patch["item_status"].(string); ok {
		it.Status = models.OrderStatus(s)
	}
	if t := patchTime(patch, "item_fired_at"); t != nil {
		it.FiredAt = t
	}
	if s, ok := patch["notes"].(string); ok {
		it.Notes = s
	}
	if n, ok := patch["course_stage"].(float64); ok {
		it.CourseStage = int(n)
	}
}

func (r *Reconciler) surface(m journal.PendingMutation, err error) {
	if r.onSyncError == nil {
		return
	}
	r.onSyncError(SyncError{EntityType: m.EntityType, EntityID: m.EntityID, Err: err})
}

// cascadeItemStatus mirrors the backend's transactional side-effect:
// which item status accompanies an order transition.
func cascadeItemStatus(status models.OrderStatus) *models.OrderStatus {
	switch status {
	case models.StatusNew:
		s := models.StatusNew
		return &s
	case models.StatusReady, models.StatusShipped, models.StatusCompleted:
		s := models.StatusReady
		return &s
	}
	return nil
}

func patchTime(patch map[string]any, key string) *time.Time {
	s, ok := patch[key].(string)
	if !ok {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	return &t
}

// menu returns the memoized menu reference map, reloading only when the
// store has seen menu writes since the cache was built.
func (r *Reconciler) menu() (map[string]models.MenuItem, error) {
	if r.menuCache != nil && r.menuRev == r.store.Revision() {
		return r.menuCache, nil
	}
	menu, err := r.store.MenuItems()
	if err != nil {
		return nil, err
	}
	r.menuCache = menu
	r.menuRev = r.store.Revision()
	return menu, nil
}

// ActiveBoard computes the current kitchen-display board from cached
// state only; it never touches the network.
func (r *Reconciler) ActiveBoard() (kds.Board, error) {
	now := r.now()
	orders, err := r.store.ActiveOrders(r.cfg.BusinessID, now.Add(-r.cfg.PullWindow))
	if err != nil {
		return kds.Board{}, err
	}
	menu, err := r.menu()
	if err != nil {
		return kds.Board{}, err
	}

	views := make([]kds.OrderView, 0, len(orders))
	for _, o := range orders {
		items, err := r.store.ItemsForOrder(o.ID)
		if err != nil {
			r.log.Error("", "board_items_failed", fmt.Sprintf("Failed to load items of order %s", o.ID), err)
			continue
		}
		views = append(views, kds.ComputeOrderView(o, items, menu, now, r.log))
	}
	return kds.BuildBoard(views), nil
}
