// Package adminsync is the administrative bulk-sync flow between the
// hosted ("cloud") Postgres instance and the on-prem docker instance.
// It performs whole-table copies under the plan in tables.go; the device
// reconciler treats the result as just another pull source.
package adminsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"kitchen-sync/pkg/config"
	"kitchen-sync/pkg/logger"
)

const (
	targetDocker = "docker"
	targetCloud  = "cloud"
)

type Server struct {
	cloud  *pgxpool.Pool
	docker *pgxpool.Pool
	log    *logger.Logger
	http   *http.Server
}

func NewServer(ctx context.Context, cfg config.AdminConfig, log *logger.Logger) (*Server, error) {
	cloud, err := pgxpool.New(ctx, cfg.Cloud.ConnString())
	if err != nil {
		return nil, fmt.Errorf("connect cloud instance: %w", err)
	}
	docker, err := pgxpool.New(ctx, cfg.Docker.ConnString())
	if err != nil {
		cloud.Close()
		return nil, fmt.Errorf("connect docker instance: %w", err)
	}

	s := &Server{cloud: cloud, docker: docker, log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /docker-dump/{table}", s.handleDockerDump)
	mux.HandleFunc("GET /compare-timestamps", s.handleCompareTimestamps)
	mux.HandleFunc("POST /sync-cloud-to-local", s.handleSyncCloudToLocal)
	mux.HandleFunc("POST /sync-local-to-cloud", s.handleSyncLocalToCloud)
	mux.HandleFunc("POST /full-bidirectional-sync", s.handleFullSync)
	mux.HandleFunc("GET /docker-health", s.handleDockerHealth)

	s.http = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // full syncs move whole tables
	}
	return s, nil
}

func (s *Server) Run() error {
	s.log.Info("startup", "admin_server_started", "Admin sync server listening on "+s.http.Addr)
	return s.http.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	defer s.cloud.Close()
	defer s.docker.Close()
	return s.http.Shutdown(ctx)
}

func (s *Server) handleDockerDump(w http.ResponseWriter, r *http.Request) {
	table, ok := ByName(r.PathValue("table"))
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false, "error": "unknown table",
		})
		return
	}
	rows, err := dumpTable(r.Context(), s.docker, table)
	if err != nil {
		s.log.Error("", "docker_dump_failed", "Failed to dump table "+table.Name, err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false, "error": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true, "table": table.Name, "count": len(rows), "rows": rows,
	})
}

type tableComparison struct {
	Table        string     `json:"table"`
	CloudCount   int        `json:"cloud_count"`
	DockerCount  int        `json:"docker_count"`
	CloudLatest  *time.Time `json:"cloud_latest,omitempty"`
	DockerLatest *time.Time `json:"docker_latest,omitempty"`
	// Suggested direction by recency: cloud, docker or in_sync.
	Newer string `json:"newer"`
}

func (s *Server) handleCompareTimestamps(w http.ResponseWriter, r *http.Request) {
	var comparisons []tableComparison
	for _, table := range Plan {
		c := tableComparison{Table: table.Name}
		var err error
		c.CloudCount, c.CloudLatest, err = tableStats(r.Context(), s.cloud, table.Name)
		if err != nil {
			s.log.Error("", "compare_failed", "Failed to read cloud stats for "+table.Name, err)
		}
		c.DockerCount, c.DockerLatest, err = tableStats(r.Context(), s.docker, table.Name)
		if err != nil {
			s.log.Error("", "compare_failed", "Failed to read docker stats for "+table.Name, err)
		}
		switch {
		case c.CloudLatest == nil && c.DockerLatest == nil:
			c.Newer = "in_sync"
		case c.DockerLatest == nil || (c.CloudLatest != nil && c.CloudLatest.After(*c.DockerLatest)):
			c.Newer = targetCloud
		case c.CloudLatest == nil || c.DockerLatest.After(*c.CloudLatest):
			c.Newer = targetDocker
		default:
			c.Newer = "in_sync"
		}
		comparisons = append(comparisons, c)
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "tables": comparisons})
}

func (s *Server) handleSyncCloudToLocal(w http.ResponseWriter, r *http.Request) {
	s.runDirection(w, r, s.cloud, s.docker, targetDocker)
}

func (s *Server) handleSyncLocalToCloud(w http.ResponseWriter, r *http.Request) {
	s.runDirection(w, r, s.docker, s.cloud, targetCloud)
}

func (s *Server) handleFullSync(w http.ResponseWriter, r *http.Request) {
	// Push local changes up first, then pull the merged truth back down,
	// so the docker instance ends as a superset-free mirror of cloud.
	up, upErr := s.copyAll(r.Context(), s.docker, s.cloud, targetCloud)
	down, downErr := s.copyAll(r.Context(), s.cloud, s.docker, targetDocker)
	result := map[string]any{
		"success":        upErr == nil && downErr == nil,
		"local_to_cloud": up,
		"cloud_to_local": down,
	}
	if upErr != nil {
		result["local_to_cloud_error"] = upErr.Error()
	}
	if downErr != nil {
		result["cloud_to_local_error"] = downErr.Error()
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleDockerHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.docker.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"success": false, "error": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) runDirection(w http.ResponseWriter, r *http.Request, src, dst *pgxpool.Pool, target string) {
	results, err := s.copyAll(r.Context(), src, dst, target)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false, "error": err.Error(), "tables": results,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "tables": results})
}

// copyAll copies every planned table from src to dst in priority order.
// A failed table is reported but does not stop lower-priority tables.
func (s *Server) copyAll(ctx context.Context, src, dst *pgxpool.Pool, target string) (map[string]any, error) {
	tables := make([]Table, len(Plan))
	copy(tables, Plan)
	sort.SliceStable(tables, func(i, j int) bool { return tables[i].Priority < tables[j].Priority })

	results := map[string]any{}
	var firstErr error
	for _, table := range tables {
		n, err := s.copyTable(ctx, src, dst, table, target)
		if err != nil {
			s.log.Error("", "table_sync_failed", "Failed to sync table "+table.Name, err)
			results[table.Name] = map[string]any{"success": false, "error": err.Error()}
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		results[table.Name] = map[string]any{"success": true, "rows": n}
	}
	return results, firstErr
}

func (s *Server) copyTable(ctx context.Context, src, dst *pgxpool.Pool, table Table, target string) (int, error) {
	rows, err := dumpTable(ctx, src, table)
	if err != nil {
		return 0, err
	}
	drop := table.dropSet(target)
	total := 0
	for _, row := range rows {
		for col := range drop {
			delete(row, col)
		}
		if err := upsertRow(ctx, dst, table, row); err != nil {
			return total, err
		}
		total++
	}
	return total, nil
}

func dumpTable(ctx context.Context, pool *pgxpool.Pool, table Table) ([]map[string]any, error) {
	query := "SELECT * FROM " + table.Name
	args := []any{}
	if table.RecentDays > 0 {
		query += " WHERE updated_at >= $1"
		args = append(args, time.Now().AddDate(0, 0, -table.RecentDays))
	}

	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("dump %s: %w", table.Name, err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var out []map[string]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("read %s row: %w", table.Name, err)
		}
		row := make(map[string]any, len(fields))
		for i, f := range fields {
			row[string(f.Name)] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// upsertRow writes one row with the table's conflict key. When the row
// carries updated_at, the destination keeps whichever side is more
// recent (last write wins); without it the incoming row simply replaces.
func upsertRow(ctx context.Context, pool *pgxpool.Pool, table Table, row map[string]any) error {
	if len(row) == 0 {
		return nil
	}
	cols := make([]string, 0, len(row))
	for col := range row {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	key := map[string]bool{}
	for _, k := range table.Key() {
		key[k] = true
	}

	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	var sets []string
	for i, col := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = row[col]
		if !key[col] {
			sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", col, col))
		}
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table.Name, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	if len(sets) == 0 {
		query += fmt.Sprintf(" ON CONFLICT (%s) DO NOTHING", strings.Join(table.Key(), ", "))
	} else {
		query += fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s",
			strings.Join(table.Key(), ", "), strings.Join(sets, ", "))
		if _, ok := row["updated_at"]; ok {
			query += fmt.Sprintf(" WHERE %s.updated_at IS NULL OR EXCLUDED.updated_at >= %s.updated_at",
				table.Name, table.Name)
		}
	}

	if _, err := pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert into %s: %w", table.Name, err)
	}
	return nil
}

func tableStats(ctx context.Context, pool *pgxpool.Pool, name string) (int, *time.Time, error) {
	var count int
	var latest *time.Time
	err := pool.QueryRow(ctx,
		fmt.Sprintf("SELECT COUNT(*), MAX(updated_at) FROM %s", name)).Scan(&count, &latest)
	if err != nil {
		// Tables without updated_at still get a row count.
		if err2 := pool.QueryRow(ctx,
			fmt.Sprintf("SELECT COUNT(*) FROM %s", name)).Scan(&count); err2 != nil {
			return 0, nil, err2
		}
		return count, nil, nil
	}
	return count, latest, nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
