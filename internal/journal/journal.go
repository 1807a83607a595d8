// Package journal is the append-only record of local mutations that the
// remote source has not acknowledged yet. It is the write-ahead half of
// the optimistic-update discipline: an entry is recorded and the local
// store updated before any network call is issued.
package journal

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var ErrNotFound = errors.New("pending mutation not found")

type MutationID int64

type Outcome int

const (
	Success Outcome = iota
	Failure
)

type PendingMutation struct {
	Seq        MutationID
	EntityType string
	EntityID   string
	FieldsKey  string
	Patch      map[string]any
	CreatedAt  time.Time
	InFlight   bool
	Attempts   int
}

type Journal struct {
	db *sql.DB
}

// New wraps the local store's database handle; journal entries live in
// the same SQLite file so a device crash loses neither half of a
// write-ahead pair.
func New(db *sql.DB) *Journal {
	return &Journal{db: db}
}

// FieldsKey canonicalizes a patch's field set so newer patches can
// supersede older ones touching the same fields.
func FieldsKey(patch map[string]any) string {
	keys := make([]string, 0, len(patch))
	for k := range patch {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}

// Record appends a mutation. Un-flighted entries for the same entity and
// field set are superseded (removed); an in-flight entry is left alone
// and the new entry queues behind it.
func (j *Journal) Record(entityType, entityID string, patch map[string]any) (MutationID, error) {
	payload, err := json.Marshal(patch)
	if err != nil {
		return 0, fmt.Errorf("marshal patch for %s/%s: %w", entityType, entityID, err)
	}
	fieldsKey := FieldsKey(patch)

	tx, err := j.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin journal tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		DELETE FROM pending_mutations
		WHERE entity_type = ? AND entity_id = ? AND fields_key = ? AND in_flight = 0`,
		entityType, entityID, fieldsKey)
	if err != nil {
		return 0, fmt.Errorf("supersede pending mutations: %w", err)
	}

	res, err := tx.Exec(`
		INSERT INTO pending_mutations (entity_type, entity_id, fields_key, patch, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		entityType, entityID, fieldsKey, string(payload),
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("record mutation: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit journal tx: %w", err)
	}
	return MutationID(seq), nil
}

// MarkInFlight flags a mutation as having an outstanding network call.
// At most one mutation per entity may be in flight; NextBatch enforces
// that by skipping entities with an in-flight entry.
func (j *Journal) MarkInFlight(id MutationID) error {
	res, err := j.db.Exec(`
		UPDATE pending_mutations SET in_flight = 1 WHERE seq = ?`, int64(id))
	if err != nil {
		return fmt.Errorf("mark in-flight %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Resolve settles an in-flight mutation. Success removes it; Failure
// returns it to the queue with an incremented attempt count so the
// caller can apply its retry budget.
func (j *Journal) Resolve(id MutationID, outcome Outcome) error {
	if outcome == Success {
		res, err := j.db.Exec(`DELETE FROM pending_mutations WHERE seq = ?`, int64(id))
		if err != nil {
			return fmt.Errorf("resolve success %d: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	}

	res, err := j.db.Exec(`
		UPDATE pending_mutations SET in_flight = 0, attempts = attempts + 1 WHERE seq = ?`,
		int64(id))
	if err != nil {
		return fmt.Errorf("resolve failure %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Drop removes a mutation without a remote acknowledgment. Used when
// retries are exhausted and the local store is being reverted.
func (j *Journal) Drop(id MutationID) error {
	_, err := j.db.Exec(`DELETE FROM pending_mutations WHERE seq = ?`, int64(id))
	return err
}

// PendingFor returns the newest pending mutation for an entity, or nil.
// The reconciler's merge guard asks this before letting a remote
// snapshot overwrite local state.
func (j *Journal) PendingFor(entityType, entityID string) (*PendingMutation, error) {
	row := j.db.QueryRow(pendingSelect+`
		WHERE entity_type = ? AND entity_id = ?
		ORDER BY seq DESC LIMIT 1`, entityType, entityID)
	m, err := scanMutation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// PendingAll returns every unresolved mutation for an entity, oldest
// first. The reconciler re-applies these over the shadow copy after a
// revert so one discarded mutation does not erase the rest.
func (j *Journal) PendingAll(entityType, entityID string) ([]PendingMutation, error) {
	rows, err := j.db.Query(pendingSelect+`
		WHERE entity_type = ? AND entity_id = ?
		ORDER BY seq`, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("query pending for %s/%s: %w", entityType, entityID, err)
	}
	defer rows.Close()

	var all []PendingMutation
	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, err
		}
		all = append(all, m)
	}
	return all, rows.Err()
}

// NextBatch returns un-flighted mutations eligible for pushing, oldest
// first, skipping any entity that already has one in flight so pushes
// for a single entity stay serialized.
func (j *Journal) NextBatch(limit int) ([]PendingMutation, error) {
	rows, err := j.db.Query(pendingSelect+`
		WHERE in_flight = 0
		  AND NOT EXISTS (
			SELECT 1 FROM pending_mutations f
			WHERE f.entity_type = pending_mutations.entity_type
			  AND f.entity_id = pending_mutations.entity_id
			  AND f.in_flight = 1)
		ORDER BY seq LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending batch: %w", err)
	}
	defer rows.Close()

	var batch []PendingMutation
	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, err
		}
		batch = append(batch, m)
	}
	return batch, rows.Err()
}

// Count returns the number of unresolved entries; used for health
// reporting and tests.
func (j *Journal) Count() (int, error) {
	var n int
	err := j.db.QueryRow(`SELECT COUNT(*) FROM pending_mutations`).Scan(&n)
	return n, err
}

const pendingSelect = `
	SELECT seq, entity_type, entity_id, fields_key, patch, created_at, in_flight, attempts
	FROM pending_mutations`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMutation(row rowScanner) (PendingMutation, error) {
	var m PendingMutation
	var seq int64
	var patch, createdAt string
	var inFlight int
	err := row.Scan(&seq, &m.EntityType, &m.EntityID, &m.FieldsKey, &patch, &createdAt,
		&inFlight, &m.Attempts)
	if err != nil {
		return PendingMutation{}, err
	}
	m.Seq = MutationID(seq)
	m.InFlight = inFlight != 0
	m.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if err := json.Unmarshal([]byte(patch), &m.Patch); err != nil {
		return PendingMutation{}, fmt.Errorf("unmarshal patch %d: %w", seq, err)
	}
	return m, nil
}
