package store

import (
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"kitchen-sync/pkg/models"
)

//go:embed schema.sql
var schemaSQL string

var ErrNotFound = errors.New("entity not found")

// timeLayout is fixed width so lexicographic order of the stored strings
// matches time order; RFC3339Nano drops trailing zeros, which would sort
// a whole-second timestamp after a fractional one inside the same second.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Entity type names shared with the journal and the remote shadow.
const (
	EntityOrder     = "order"
	EntityOrderItem = "order_item"
)

// Store is the device-local cache of orders, items and menu reference
// data. It is backed by SQLite so it survives restarts and serves all
// reads while offline.
//
// Every write bumps a revision and fires the change hook, which the UI
// layer uses to invalidate memoized derived views.
type Store struct {
	db       *sql.DB
	revision int64
	onChange func(entityType string)
}

// Open creates or opens the local database at path.
//
// SQLite is configured with WAL mode, NORMAL synchronous and a busy
// timeout; a single connection avoids SQLITE_BUSY between the reconciler
// and UI reads. Safe to call repeatedly.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open local database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to local database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the underlying handle so the change journal can share the
// same database file and transactions.
func (s *Store) DB() *sql.DB {
	return s.db
}

// SetOnChange registers a hook fired after every successful write. Used
// to invalidate memoized views.
func (s *Store) SetOnChange(fn func(entityType string)) {
	s.onChange = fn
}

// Revision increments on every write; cheap staleness check for caches.
func (s *Store) Revision() int64 {
	return s.revision
}

func (s *Store) bump(entityType string) {
	s.revision++
	if s.onChange != nil {
		s.onChange(entityType)
	}
}

// PutOrder upserts an order row. Idempotent: writing the same order
// twice leaves the store unchanged.
func (s *Store) PutOrder(o models.Order) error {
	_, err := s.db.Exec(`
		INSERT INTO orders (id, business_id, order_number, customer_id, customer_name,
			order_type, order_status, total_amount, paid_amount, is_paid, payment_method,
			created_at, updated_at, seen_at, ready_at, completed_at, pending_sync)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			business_id = excluded.business_id,
			order_number = excluded.order_number,
			customer_id = excluded.customer_id,
			customer_name = excluded.customer_name,
			order_type = excluded.order_type,
			order_status = excluded.order_status,
			total_amount = excluded.total_amount,
			paid_amount = excluded.paid_amount,
			is_paid = excluded.is_paid,
			payment_method = excluded.payment_method,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			seen_at = excluded.seen_at,
			ready_at = excluded.ready_at,
			completed_at = excluded.completed_at,
			pending_sync = excluded.pending_sync`,
		o.ID, o.BusinessID, nullStr(o.OrderNumber), o.CustomerID, nullStr(o.CustomerName),
		o.Type, string(o.Status), o.TotalAmount, o.PaidAmount, boolInt(o.IsPaid), o.PaymentMethod,
		fmtTime(o.CreatedAt), fmtTime(o.UpdatedAt), fmtTimePtr(o.SeenAt), fmtTimePtr(o.ReadyAt),
		fmtTimePtr(o.CompletedAt), boolInt(o.PendingSync))
	if err != nil {
		return fmt.Errorf("put order %s: %w", o.ID, err)
	}
	s.bump(EntityOrder)
	return nil
}

func (s *Store) GetOrder(id string) (models.Order, error) {
	row := s.db.QueryRow(orderSelect+" WHERE id = ?", id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Order{}, ErrNotFound
	}
	return o, err
}

// DeleteOrder removes an order and its items. Only used for explicit
// remote delete events; normal flow retires orders via status.
func (s *Store) DeleteOrder(id string) error {
	if _, err := s.db.Exec("DELETE FROM order_items WHERE order_id = ?", id); err != nil {
		return fmt.Errorf("delete items of order %s: %w", id, err)
	}
	if _, err := s.db.Exec("DELETE FROM orders WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete order %s: %w", id, err)
	}
	s.bump(EntityOrder)
	return nil
}

// ActiveOrders returns orders that belong on live displays: active
// status and created after the cutoff, or still pending sync (a pending
// local change must stay visible regardless of age).
func (s *Store) ActiveOrders(businessID string, cutoff time.Time) ([]models.Order, error) {
	rows, err := s.db.Query(orderSelect+`
		WHERE business_id = ?
		  AND ((order_status IN ('pending','new','in_progress','prep_started','ready','held') AND created_at >= ?)
		       OR pending_sync = 1)
		ORDER BY created_at`, businessID, fmtTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("query active orders: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

// OrdersBetween returns orders created inside [from, to); used by the
// KDS history screen.
func (s *Store) OrdersBetween(businessID string, from, to time.Time) ([]models.Order, error) {
	rows, err := s.db.Query(orderSelect+`
		WHERE business_id = ? AND created_at >= ? AND created_at < ?
		ORDER BY created_at`, businessID, fmtTime(from), fmtTime(to))
	if err != nil {
		return nil, fmt.Errorf("query orders between: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

// ReplaceOrderID rewrites a provisional local id with the remote-assigned
// one once the create is acknowledged. The journal and shadow rows keyed
// by the old id follow in the same transaction, so mutations queued while
// the create was in flight push against an id the backend knows.
func (s *Store) ReplaceOrderID(oldID, newID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("replace order id %s: %w", oldID, err)
	}
	defer tx.Rollback()

	steps := []struct {
		query string
		args  []any
	}{
		{"UPDATE orders SET id = ? WHERE id = ?", []any{newID, oldID}},
		{"UPDATE order_items SET order_id = ? WHERE order_id = ?", []any{newID, oldID}},
		{"UPDATE pending_mutations SET entity_id = ? WHERE entity_type = ? AND entity_id = ?",
			[]any{newID, EntityOrder, oldID}},
		{"UPDATE remote_shadow SET entity_id = ? WHERE entity_type = ? AND entity_id = ?",
			[]any{newID, EntityOrder, oldID}},
	}
	for _, step := range steps {
		if _, err := tx.Exec(step.query, step.args...); err != nil {
			return fmt.Errorf("replace order id %s: %w", oldID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("replace order id %s: %w", oldID, err)
	}
	s.bump(EntityOrder)
	return nil
}

func (s *Store) PutOrderItem(it models.OrderItem) error {
	raw := models.EncodeModifiers(it.Modifiers, it.KDSOverride)
	_, err := s.db.Exec(`
		INSERT INTO order_items (id, order_id, menu_item_id, quantity, price, item_status,
			mods, notes, course_stage, item_fired_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			order_id = excluded.order_id,
			menu_item_id = excluded.menu_item_id,
			quantity = excluded.quantity,
			price = excluded.price,
			item_status = excluded.item_status,
			mods = excluded.mods,
			notes = excluded.notes,
			course_stage = excluded.course_stage,
			item_fired_at = excluded.item_fired_at,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at`,
		it.ID, it.OrderID, nullStr(it.MenuItemID), it.Quantity, it.Price, string(it.Status),
		string(raw), nullStr(it.Notes), it.Stage(), fmtTimePtr(it.FiredAt),
		fmtTime(it.CreatedAt), fmtTime(it.UpdatedAt))
	if err != nil {
		return fmt.Errorf("put order item %s: %w", it.ID, err)
	}
	s.bump(EntityOrderItem)
	return nil
}

func (s *Store) GetOrderItem(id string) (models.OrderItem, error) {
	row := s.db.QueryRow(itemSelect+" WHERE id = ?", id)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.OrderItem{}, ErrNotFound
	}
	return it, err
}

func (s *Store) ItemsForOrder(orderID string) ([]models.OrderItem, error) {
	rows, err := s.db.Query(itemSelect+" WHERE order_id = ? ORDER BY created_at", orderID)
	if err != nil {
		return nil, fmt.Errorf("query items for order %s: %w", orderID, err)
	}
	defer rows.Close()

	var items []models.OrderItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (s *Store) PutMenuItem(m models.MenuItem) error {
	_, err := s.db.Exec(`
		INSERT INTO menu_items (id, name, price, category, kds_routing_logic, is_prep_required, is_hot_drink)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			price = excluded.price,
			category = excluded.category,
			kds_routing_logic = excluded.kds_routing_logic,
			is_prep_required = excluded.is_prep_required,
			is_hot_drink = excluded.is_hot_drink`,
		m.ID, m.Name, m.Price, nullStr(m.Category), string(m.Routing),
		boolInt(m.PrepRequired), boolInt(m.LoyaltyEligible))
	if err != nil {
		return fmt.Errorf("put menu item %s: %w", m.ID, err)
	}
	s.bump("menu_item")
	return nil
}

// MenuItems loads the full menu reference table keyed by id.
func (s *Store) MenuItems() (map[string]models.MenuItem, error) {
	rows, err := s.db.Query(`
		SELECT id, name, price, COALESCE(category, ''), COALESCE(kds_routing_logic, ''),
		       is_prep_required, is_hot_drink
		FROM menu_items`)
	if err != nil {
		return nil, fmt.Errorf("query menu items: %w", err)
	}
	defer rows.Close()

	menu := make(map[string]models.MenuItem)
	for rows.Next() {
		var m models.MenuItem
		var routing string
		var prep, hot int
		if err := rows.Scan(&m.ID, &m.Name, &m.Price, &m.Category, &routing, &prep, &hot); err != nil {
			return nil, err
		}
		m.Routing = models.RoutingLogic(routing)
		m.PrepRequired = prep != 0
		m.LoyaltyEligible = hot != 0
		menu[m.ID] = m
	}
	return menu, rows.Err()
}

// SaveShadow stores the last remote-confirmed copy of an entity as JSON.
func (s *Store) SaveShadow(entityType, entityID string, entity any) error {
	payload, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("marshal shadow %s/%s: %w", entityType, entityID, err)
	}
	_, err = s.db.Exec(`
		INSERT INTO remote_shadow (entity_type, entity_id, payload, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(entity_type, entity_id) DO UPDATE SET
			payload = excluded.payload,
			updated_at = excluded.updated_at`,
		entityType, entityID, string(payload), fmtTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("save shadow %s/%s: %w", entityType, entityID, err)
	}
	return nil
}

// Shadow loads the last remote-confirmed copy into dst. Returns
// ErrNotFound when the entity was never confirmed (e.g. created offline).
func (s *Store) Shadow(entityType, entityID string, dst any) error {
	var payload string
	err := s.db.QueryRow(`
		SELECT payload FROM remote_shadow WHERE entity_type = ? AND entity_id = ?`,
		entityType, entityID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load shadow %s/%s: %w", entityType, entityID, err)
	}
	return json.Unmarshal([]byte(payload), dst)
}

func (s *Store) DeleteShadow(entityType, entityID string) error {
	_, err := s.db.Exec(`
		DELETE FROM remote_shadow WHERE entity_type = ? AND entity_id = ?`,
		entityType, entityID)
	return err
}

const orderSelect = `
	SELECT id, business_id, COALESCE(order_number, ''), customer_id, COALESCE(customer_name, ''),
	       order_type, order_status, total_amount, paid_amount, is_paid, payment_method,
	       created_at, updated_at, seen_at, ready_at, completed_at, pending_sync
	FROM orders`

const itemSelect = `
	SELECT id, order_id, COALESCE(menu_item_id, ''), quantity, price, item_status,
	       COALESCE(mods, ''), COALESCE(notes, ''), course_stage, item_fired_at,
	       created_at, updated_at
	FROM order_items`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (models.Order, error) {
	var o models.Order
	var status string
	var isPaid, pendingSync int
	var createdAt, updatedAt string
	var seenAt, readyAt, completedAt sql.NullString
	err := row.Scan(&o.ID, &o.BusinessID, &o.OrderNumber, &o.CustomerID, &o.CustomerName,
		&o.Type, &status, &o.TotalAmount, &o.PaidAmount, &isPaid, &o.PaymentMethod,
		&createdAt, &updatedAt, &seenAt, &readyAt, &completedAt, &pendingSync)
	if err != nil {
		return models.Order{}, err
	}
	o.Status = models.OrderStatus(status)
	o.IsPaid = isPaid != 0
	o.PendingSync = pendingSync != 0
	o.CreatedAt = parseTime(createdAt)
	o.UpdatedAt = parseTime(updatedAt)
	o.SeenAt = parseTimePtr(seenAt)
	o.ReadyAt = parseTimePtr(readyAt)
	o.CompletedAt = parseTimePtr(completedAt)
	return o, nil
}

func scanOrders(rows *sql.Rows) ([]models.Order, error) {
	var orders []models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func scanItem(row rowScanner) (models.OrderItem, error) {
	var it models.OrderItem
	var status, mods string
	var createdAt, updatedAt string
	var firedAt sql.NullString
	err := row.Scan(&it.ID, &it.OrderID, &it.MenuItemID, &it.Quantity, &it.Price, &status,
		&mods, &it.Notes, &it.CourseStage, &firedAt, &createdAt, &updatedAt)
	if err != nil {
		return models.OrderItem{}, err
	}
	it.Status = models.OrderStatus(status)
	it.Modifiers, it.KDSOverride = models.NormalizeModifiers([]byte(mods))
	it.FiredAt = parseTimePtr(firedAt)
	it.CreatedAt = parseTime(createdAt)
	it.UpdatedAt = parseTime(updatedAt)
	return it, nil
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return time.Time{}.UTC().Format(timeLayout)
	}
	return t.UTC().Format(timeLayout)
}

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
