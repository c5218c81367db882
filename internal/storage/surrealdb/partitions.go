package surrealdb

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bobmcallan/fundwatch/internal/common"
	"github.com/bobmcallan/fundwatch/internal/models"
	"github.com/surrealdb/surrealdb.go"
)

// legacyNavTable predates monthly partitioning. It is read-only: scans
// always visit it last so partitioned rows win on date collisions.
const legacyNavTable = "nav_history"

// PartitionKey identifies one monthly NAV partition.
type PartitionKey struct {
	Year  int
	Month int
}

// Table returns the partition's table name, e.g. nav_2025_07.
func (k PartitionKey) Table() string {
	return fmt.Sprintf("nav_%04d_%02d", k.Year, k.Month)
}

// MonthKey returns the sortable numeric key year*100+month.
func (k PartitionKey) MonthKey() int {
	return k.Year*100 + k.Month
}

// partitionKeyForDate maps a canonical YYYY-MM-DD date to its partition.
func partitionKeyForDate(navDate string) (PartitionKey, error) {
	t, err := time.Parse(models.NavDateLayout, navDate)
	if err != nil {
		return PartitionKey{}, fmt.Errorf("invalid nav date %q: %w", navDate, err)
	}
	return PartitionKey{Year: t.Year(), Month: int(t.Month())}, nil
}

// partitionRow is the registry record for one partition, keyed by its
// month key. The registry is the source of truth for which partitions
// exist; table definitions alone are not enumerable cheaply.
type partitionRow struct {
	MonthKey  int    `json:"month_key"`
	Year      int    `json:"year"`
	Month     int    `json:"month"`
	TableName string `json:"table_name"`
	CreatedAt int64  `json:"created_at"`
}

// partitionRegistry tracks which monthly partitions exist, with a
// process-local cache invalidated on every create.
type partitionRegistry struct {
	db     *surrealdb.DB
	logger *common.Logger

	mu     sync.Mutex
	cache  []PartitionKey
	loaded bool
}

func newPartitionRegistry(db *surrealdb.DB, logger *common.Logger) *partitionRegistry {
	return &partitionRegistry{
		db:     db,
		logger: logger,
	}
}

// ensure defines the partition table and registers it. Safe to call for
// a partition that already exists.
func (r *partitionRegistry) ensure(ctx context.Context, key PartitionKey) error {
	r.mu.Lock()
	if r.loaded {
		for _, k := range r.cache {
			if k == key {
				r.mu.Unlock()
				return nil
			}
		}
	}
	r.mu.Unlock()

	sql := fmt.Sprintf("DEFINE TABLE IF NOT EXISTS %s SCHEMALESS", key.Table())
	if _, err := surrealdb.Query[any](ctx, r.db, sql, nil); err != nil {
		return fmt.Errorf("failed to define partition %s: %w", key.Table(), err)
	}

	row := partitionRow{
		MonthKey:  key.MonthKey(),
		Year:      key.Year,
		Month:     key.Month,
		TableName: key.Table(),
		CreatedAt: nowUnix(),
	}
	regSQL := "UPSERT type::record('nav_partitions', $id) CONTENT $row"
	vars := map[string]any{"id": fmt.Sprintf("%d", key.MonthKey()), "row": row}
	if _, err := surrealdb.Query[[]partitionRow](ctx, r.db, regSQL, vars); err != nil {
		return fmt.Errorf("failed to register partition %s: %w", key.Table(), err)
	}

	r.mu.Lock()
	r.cache = nil
	r.loaded = false
	r.mu.Unlock()

	r.logger.Debug().Str("table", key.Table()).Msg("NAV partition ensured")
	return nil
}

// list returns all known partitions in ascending month order.
func (r *partitionRegistry) list(ctx context.Context) ([]PartitionKey, error) {
	r.mu.Lock()
	if r.loaded {
		keys := make([]PartitionKey, len(r.cache))
		copy(keys, r.cache)
		r.mu.Unlock()
		return keys, nil
	}
	r.mu.Unlock()

	sql := "SELECT * FROM nav_partitions ORDER BY month_key ASC"
	results, err := surrealdb.Query[[]partitionRow](ctx, r.db, sql, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list partitions: %w", err)
	}

	var keys []PartitionKey
	if results != nil && len(*results) > 0 {
		for _, row := range (*results)[0].Result {
			if row.Year > 0 && row.Month >= 1 && row.Month <= 12 {
				keys = append(keys, PartitionKey{Year: row.Year, Month: row.Month})
			}
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].MonthKey() < keys[j].MonthKey() })

	r.mu.Lock()
	r.cache = keys
	r.loaded = true
	out := make([]PartitionKey, len(keys))
	copy(out, keys)
	r.mu.Unlock()
	return out, nil
}

// tablesForRange returns the tables a date-bounded scan must visit, in
// ascending or descending month order. The legacy table is always
// appended last regardless of order so partitioned rows take precedence.
func (r *partitionRegistry) tablesForRange(ctx context.Context, startDate, endDate string, desc bool) ([]string, error) {
	keys, err := r.list(ctx)
	if err != nil {
		return nil, err
	}

	lo, hi := 0, 999912
	if startDate != "" {
		if k, err := partitionKeyForDate(startDate); err == nil {
			lo = k.MonthKey()
		}
	}
	if endDate != "" {
		if k, err := partitionKeyForDate(endDate); err == nil {
			hi = k.MonthKey()
		}
	}

	var tables []string
	for _, k := range keys {
		if mk := k.MonthKey(); mk >= lo && mk <= hi {
			tables = append(tables, k.Table())
		}
	}
	if desc {
		for i, j := 0, len(tables)-1; i < j; i, j = i+1, j-1 {
			tables[i], tables[j] = tables[j], tables[i]
		}
	}
	return append(tables, legacyNavTable), nil
}

func nowUnix() int64 {
	return time.Now().Unix()
}
