// Package remote talks to the hosted Postgres backend that owns the
// authoritative copy of orders. The reconciler is its only consumer.
package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"kitchen-sync/pkg/config"
	"kitchen-sync/pkg/logger"
	"kitchen-sync/pkg/models"
)

var (
	// ErrUnavailable means the backend cannot be reached or was never
	// configured. Callers retry later; the local store keeps serving.
	ErrUnavailable = errors.New("remote backend unavailable")
	// ErrConflict means the backend rejected a push because server-side
	// state moved on. Resolved by re-pulling authoritative state.
	ErrConflict = errors.New("remote rejected stale write")
	// ErrNotFound means the target row does not exist remotely.
	ErrNotFound = errors.New("remote entity not found")
)

// StatusUpdate is the order status-transition call. For transitions that
// atomically move items too (ready/shipped/completed pull items to
// ready, new resets them), ItemStatus carries the item-side value.
type StatusUpdate struct {
	OrderID       string
	BusinessID    string
	Status        models.OrderStatus
	ItemStatus    *models.OrderStatus
	SeenAt        *time.Time
	ReadyAt       *time.Time
	CompletedAt   *time.Time
	IsPaid        *bool
	PaymentMethod *string
}

// Gateway is the narrow surface the reconciler needs from the backend.
type Gateway interface {
	// FetchOrdersSince returns orders (with nested items) updated inside
	// the window or still in a non-terminal status.
	FetchOrdersSince(ctx context.Context, businessID string, since time.Time) ([]models.Order, error)
	// UpdateOrderStatus applies a status transition and returns the
	// server-assigned updated_at of the row.
	UpdateOrderStatus(ctx context.Context, upd StatusUpdate) (time.Time, error)
	// UpdateOrderItem patches a single item row and returns its
	// server-assigned updated_at.
	UpdateOrderItem(ctx context.Context, itemID string, patch map[string]any) (time.Time, error)
	// CreateOrder inserts an offline-created order and returns the
	// remote-assigned id.
	CreateOrder(ctx context.Context, o models.Order) (string, error)
	// FetchMenuItems pulls the menu reference table.
	FetchMenuItems(ctx context.Context, businessID string) ([]models.MenuItem, error)
}

// Connect builds a pooled gateway. When the config carries no
// credentials it returns an unconfigured gateway whose calls fail fast
// with ErrUnavailable instead of hanging: the device then runs from the
// local store alone.
func Connect(ctx context.Context, cfg config.DatabaseConfig, log *logger.Logger) (Gateway, error) {
	if !cfg.Configured() {
		log.Warn("startup", "remote_unconfigured", "No remote credentials; running offline against local store")
		return unconfigured{}, nil
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("parse remote conn string: %w", err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect remote: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping remote: %w", err)
	}

	log.Info("startup", "remote_connected", "Connected to remote PostgreSQL backend")
	return &pgGateway{pool: pool, log: log}, nil
}

// Unconfigured returns a gateway whose every call fails fast with
// ErrUnavailable. Used when the backend is unreachable at startup.
func Unconfigured() Gateway {
	return unconfigured{}
}

type unconfigured struct{}

func (unconfigured) FetchOrdersSince(context.Context, string, time.Time) ([]models.Order, error) {
	return nil, ErrUnavailable
}
func (unconfigured) UpdateOrderStatus(context.Context, StatusUpdate) (time.Time, error) {
	return time.Time{}, ErrUnavailable
}
func (unconfigured) UpdateOrderItem(context.Context, string, map[string]any) (time.Time, error) {
	return time.Time{}, ErrUnavailable
}
func (unconfigured) CreateOrder(context.Context, models.Order) (string, error) {
	return "", ErrUnavailable
}
func (unconfigured) FetchMenuItems(context.Context, string) ([]models.MenuItem, error) {
	return nil, ErrUnavailable
}

type pgGateway struct {
	pool *pgxpool.Pool
	log  *logger.Logger
}

func (g *pgGateway) Close() {
	g.pool.Close()
}

func (g *pgGateway) FetchOrdersSince(ctx context.Context, businessID string, since time.Time) ([]models.Order, error) {
	rows, err := g.pool.Query(ctx, `
		SELECT id, business_id, COALESCE(order_number, ''), customer_id, COALESCE(customer_name, ''),
		       order_type, order_status, total_amount, paid_amount, is_paid, payment_method,
		       created_at, updated_at, seen_at, ready_at, completed_at
		FROM orders
		WHERE business_id = $1
		  AND (updated_at >= $2 OR order_status NOT IN ('completed', 'cancelled'))
		ORDER BY created_at`, businessID, since)
	if err != nil {
		return nil, fmt.Errorf("fetch orders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	index := map[string]int{}
	for rows.Next() {
		var o models.Order
		var status string
		err := rows.Scan(&o.ID, &o.BusinessID, &o.OrderNumber, &o.CustomerID, &o.CustomerName,
			&o.Type, &status, &o.TotalAmount, &o.PaidAmount, &o.IsPaid, &o.PaymentMethod,
			&o.CreatedAt, &o.UpdatedAt, &o.SeenAt, &o.ReadyAt, &o.CompletedAt)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		o.Status = models.OrderStatus(status)
		index[o.ID] = len(orders)
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(orders))
	for _, o := range orders {
		ids = append(ids, o.ID)
	}
	itemRows, err := g.pool.Query(ctx, `
		SELECT id, order_id, COALESCE(menu_item_id::text, ''), quantity, price, item_status,
		       COALESCE(mods::text, ''), COALESCE(notes, ''), COALESCE(course_stage, 1),
		       item_fired_at, created_at, updated_at
		FROM order_items
		WHERE order_id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("fetch order items: %w", err)
	}
	defer itemRows.Close()

	for itemRows.Next() {
		var it models.OrderItem
		var status, mods string
		err := itemRows.Scan(&it.ID, &it.OrderID, &it.MenuItemID, &it.Quantity, &it.Price,
			&status, &mods, &it.Notes, &it.CourseStage, &it.FiredAt, &it.CreatedAt, &it.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		it.Status = models.OrderStatus(status)
		it.Modifiers, it.KDSOverride = models.NormalizeModifiers([]byte(mods))
		if i, ok := index[it.OrderID]; ok {
			orders[i].Items = append(orders[i].Items, it)
		}
	}
	return orders, itemRows.Err()
}

func (g *pgGateway) UpdateOrderStatus(ctx context.Context, upd StatusUpdate) (time.Time, error) {
	tx, err := g.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer tx.Rollback(ctx)

	var updatedAt time.Time
	err = tx.QueryRow(ctx, `
		UPDATE orders
		SET order_status = $1,
		    updated_at = now(),
		    seen_at = COALESCE($2, seen_at),
		    ready_at = COALESCE($3, ready_at),
		    completed_at = COALESCE($4, completed_at),
		    is_paid = COALESCE($5, is_paid),
		    payment_method = COALESCE($6, payment_method)
		WHERE id = $7 AND business_id = $8
		RETURNING updated_at`,
		string(upd.Status), upd.SeenAt, upd.ReadyAt, upd.CompletedAt,
		upd.IsPaid, upd.PaymentMethod, upd.OrderID, upd.BusinessID).Scan(&updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("update order %s: %w", upd.OrderID, err)
	}

	// Specific transitions move item rows in the same transaction so the
	// kitchen display converges immediately.
	if upd.ItemStatus != nil {
		_, err = tx.Exec(ctx, `
			UPDATE order_items
			SET item_status = $1, updated_at = now()
			WHERE order_id = $2 AND item_status NOT IN ('cancelled', 'held')`,
			string(*upd.ItemStatus), upd.OrderID)
		if err != nil {
			return time.Time{}, fmt.Errorf("update items of order %s: %w", upd.OrderID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return time.Time{}, fmt.Errorf("commit order update: %w", err)
	}
	return updatedAt, nil
}

// itemColumns whitelists patchable item fields.
var itemColumns = map[string]string{
	"item_status":   "item_status",
	"item_fired_at": "item_fired_at",
	"course_stage":  "course_stage",
	"notes":         "notes",
}

func (g *pgGateway) UpdateOrderItem(ctx context.Context, itemID string, patch map[string]any) (time.Time, error) {
	set := "updated_at = now()"
	args := []any{}
	n := 1
	for field, value := range patch {
		col, ok := itemColumns[field]
		if !ok {
			continue
		}
		set += fmt.Sprintf(", %s = $%d", col, n)
		args = append(args, value)
		n++
	}
	args = append(args, itemID)

	var updatedAt time.Time
	err := g.pool.QueryRow(ctx,
		fmt.Sprintf("UPDATE order_items SET %s WHERE id = $%d RETURNING updated_at", set, n),
		args...).Scan(&updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("update item %s: %w", itemID, err)
	}
	return updatedAt, nil
}

func (g *pgGateway) CreateOrder(ctx context.Context, o models.Order) (string, error) {
	tx, err := g.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer tx.Rollback(ctx)

	var remoteID string
	err = tx.QueryRow(ctx, `
		INSERT INTO orders (business_id, customer_id, customer_name, order_type, order_status,
			total_amount, paid_amount, is_paid, payment_method, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
		RETURNING id`,
		o.BusinessID, o.CustomerID, o.CustomerName, o.Type, string(o.Status),
		o.TotalAmount, o.PaidAmount, o.IsPaid, o.PaymentMethod, o.CreatedAt).Scan(&remoteID)
	if err != nil {
		return "", fmt.Errorf("create order: %w", err)
	}

	for _, it := range o.Items {
		mods := models.EncodeModifiers(it.Modifiers, it.KDSOverride)
		_, err := tx.Exec(ctx, `
			INSERT INTO order_items (order_id, menu_item_id, quantity, price, item_status,
				mods, notes, course_stage, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())`,
			remoteID, it.MenuItemID, it.Quantity, it.Price, string(it.Status),
			string(mods), it.Notes, it.Stage(), it.CreatedAt)
		if err != nil {
			return "", fmt.Errorf("create order item: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit order create: %w", err)
	}
	return remoteID, nil
}

func (g *pgGateway) FetchMenuItems(ctx context.Context, businessID string) ([]models.MenuItem, error) {
	rows, err := g.pool.Query(ctx, `
		SELECT id, name, price, COALESCE(category, ''), COALESCE(kds_routing_logic, ''),
		       COALESCE(is_prep_required, true), COALESCE(is_hot_drink, false)
		FROM menu_items
		WHERE business_id = $1`, businessID)
	if err != nil {
		return nil, fmt.Errorf("fetch menu items: %w", err)
	}
	defer rows.Close()

	var menu []models.MenuItem
	for rows.Next() {
		var m models.MenuItem
		var routing string
		if err := rows.Scan(&m.ID, &m.Name, &m.Price, &m.Category, &routing, &m.PrepRequired, &m.LoyaltyEligible); err != nil {
			return nil, fmt.Errorf("scan menu item: %w", err)
		}
		m.Routing = models.RoutingLogic(routing)
		menu = append(menu, m)
	}
	return menu, rows.Err()
}
