package surrealdb

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/bobmcallan/fundwatch/internal/common"
	"github.com/bobmcallan/fundwatch/internal/interfaces"
	"github.com/bobmcallan/fundwatch/internal/models"
	"github.com/surrealdb/surrealdb.go"
)

const (
	defaultHistoryLimit = 120
	maxHistoryLimit     = 2000
)

// NavStore owns the partitioned NAV history tables.
type NavStore struct {
	db     *surrealdb.DB
	logger *common.Logger
	parts  *partitionRegistry
}

func NewNavStore(db *surrealdb.DB, logger *common.Logger, parts *partitionRegistry) *NavStore {
	return &NavStore{
		db:     db,
		logger: logger,
		parts:  parts,
	}
}

// navRowID keys a NAV row inside its partition: <code>_<date>. The date
// carries no underscores so the key parses back unambiguously.
func navRowID(fundCode, navDate string) string {
	return fundCode + "_" + navDate
}

// UpsertNavHistory writes one fund's NAV batch. The whole batch is
// validated before any write, partitions are created as needed, and all
// row writes run in a single transaction.
func (s *NavStore) UpsertNavHistory(ctx context.Context, fundCode, fundName string, records []models.NavUpsert, source string) (int, error) {
	code := models.NormalizeFundCode(fundCode)
	if code == "" {
		return 0, fmt.Errorf("%w: fund code is required", interfaces.ErrValidation)
	}
	if len(records) == 0 {
		return 0, nil
	}

	// Validate everything up front: one bad record rejects the batch.
	type navWrite struct {
		rid  string
		row  map[string]any
		part PartitionKey
	}
	writes := make([]navWrite, 0, len(records))
	for _, rec := range records {
		navDate, err := models.NormalizeNavDate(rec.NavDate)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", interfaces.ErrValidation, err)
		}
		if rec.UnitNav <= 0 {
			return 0, fmt.Errorf("%w: unit nav must be positive (%s %s)", interfaces.ErrValidation, code, navDate)
		}
		part, err := partitionKeyForDate(navDate)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", interfaces.ErrValidation, err)
		}
		writes = append(writes, navWrite{
			rid: navRowID(code, navDate),
			row: map[string]any{
				"rid":         navRowID(code, navDate),
				"nav_date":    navDate,
				"unit_nav":    rec.UnitNav,
				"accum_nav":   rec.AccumNav,
				"change_rate": rec.ChangeRate,
			},
			part: part,
		})
	}

	if _, err := ensureFundRecord(ctx, s.db, code, fundName); err != nil {
		return 0, err
	}

	// Group rows per partition; table creation happens outside the row
	// transaction (DDL does not participate in transactions).
	groups := make(map[PartitionKey][]map[string]any)
	for _, w := range writes {
		groups[w.part] = append(groups[w.part], w.row)
	}
	parts := make([]PartitionKey, 0, len(groups))
	for part := range groups {
		if err := s.parts.ensure(ctx, part); err != nil {
			return 0, err
		}
		parts = append(parts, part)
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].MonthKey() < parts[j].MonthKey() })

	var sb strings.Builder
	vars := map[string]any{
		"code":   code,
		"source": source,
		"now":    nowUnix(),
	}
	sb.WriteString("BEGIN TRANSACTION;\n")
	for i, part := range parts {
		rowsVar := fmt.Sprintf("rows_%d", i)
		vars[rowsVar] = groups[part]
		fmt.Fprintf(&sb, `FOR $row IN $%s {
    UPSERT type::thing('%s', $row.rid) SET
        fund_code = $code,
        nav_date = $row.nav_date,
        unit_nav = $row.unit_nav,
        accum_nav = $row.accum_nav,
        change_rate = $row.change_rate,
        source = IF $source != '' THEN $source ELSE source ?? '' END,
        created_at = created_at ?? $now,
        updated_at = $now;
};
`, rowsVar, part.Table())
	}
	sb.WriteString("COMMIT TRANSACTION;")

	for attempt := 1; attempt <= 3; attempt++ {
		_, err := surrealdb.Query[any](ctx, s.db, sb.String(), vars)
		if err == nil {
			break
		}
		if attempt == 3 {
			return 0, fmt.Errorf("failed to upsert nav history for %s after retries: %w", code, err)
		}
	}

	s.logger.Debug().
		Str("fund", code).
		Int("rows", len(writes)).
		Int("partitions", len(parts)).
		Msg("NAV history upserted")
	return len(writes), nil
}

// ListNavHistory merges partitions newest-first. On a date present in
// more than one table the newer partition wins; the legacy table is
// always scanned last and so never shadows a partitioned row.
func (s *NavStore) ListNavHistory(ctx context.Context, fundCode, startDate, endDate string, limit int) ([]*models.NavRecord, error) {
	code := models.NormalizeFundCode(fundCode)
	if code == "" {
		return nil, fmt.Errorf("%w: fund code is required", interfaces.ErrValidation)
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	startDate, endDate, err := normalizeDateRange(startDate, endDate)
	if err != nil {
		return nil, err
	}

	tables, err := s.parts.tablesForRange(ctx, startDate, endDate, true)
	if err != nil {
		return nil, err
	}

	// Every resolved table is scanned, legacy included: legacy rows are
	// not month-aligned, so any table may hold the newest date. Each
	// per-table query is LIMIT-bounded; truncation happens after the
	// merged sort.
	seen := make(map[string]bool)
	var merged []*models.NavRecord
	for _, table := range tables {
		rows, err := s.queryNavRows(ctx, table, code, startDate, endDate, true, limit)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			if seen[row.NavDate] {
				continue
			}
			seen[row.NavDate] = true
			merged = append(merged, row)
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].NavDate != merged[j].NavDate {
			return merged[i].NavDate > merged[j].NavDate
		}
		return merged[i].UpdatedAt > merged[j].UpdatedAt
	})
	if len(merged) > limit {
		merged = merged[:limit]
	}

	s.fillFundName(ctx, code, merged)
	return merged, nil
}

// GetNavOnOrAfter returns the earliest record dated >= startDate. Used
// by settlement resolution, where the first NAV published after a sale
// is the one that settles it.
func (s *NavStore) GetNavOnOrAfter(ctx context.Context, fundCode, startDate, endDate string) (*models.NavRecord, error) {
	code := models.NormalizeFundCode(fundCode)
	if code == "" {
		return nil, fmt.Errorf("%w: fund code is required", interfaces.ErrValidation)
	}
	startDate, err := models.NormalizeNavDate(startDate)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrValidation, err)
	}
	if endDate != "" {
		if endDate, err = models.NormalizeNavDate(endDate); err != nil {
			return nil, fmt.Errorf("%w: %v", interfaces.ErrValidation, err)
		}
	}

	tables, err := s.parts.tablesForRange(ctx, startDate, endDate, false)
	if err != nil {
		return nil, err
	}

	var best *models.NavRecord
	for _, table := range tables {
		rows, err := s.queryNavRows(ctx, table, code, startDate, endDate, false, 1)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			continue
		}
		if best == nil || rows[0].NavDate < best.NavDate {
			best = rows[0]
		}
	}
	if best == nil {
		return nil, fmt.Errorf("no nav on or after %s for %s: %w", startDate, code, interfaces.ErrNotFound)
	}
	s.fillFundName(ctx, code, []*models.NavRecord{best})
	return best, nil
}

// GetLatestNavDate returns the maximum stored date across every table,
// or "" when the fund has no history at all.
func (s *NavStore) GetLatestNavDate(ctx context.Context, fundCode string) (string, error) {
	code := models.NormalizeFundCode(fundCode)
	if code == "" {
		return "", fmt.Errorf("%w: fund code is required", interfaces.ErrValidation)
	}

	tables, err := s.parts.tablesForRange(ctx, "", "", true)
	if err != nil {
		return "", err
	}

	latest := ""
	for _, table := range tables {
		rows, err := s.queryNavRows(ctx, table, code, "", "", true, 1)
		if err != nil {
			return "", err
		}
		if len(rows) > 0 && rows[0].NavDate > latest {
			latest = rows[0].NavDate
		}
	}
	return latest, nil
}

func (s *NavStore) GetLatestNavRecord(ctx context.Context, fundCode string) (*models.NavRecord, error) {
	records, err := s.ListNavHistory(ctx, fundCode, "", "", 1)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("no nav history for %s: %w", fundCode, interfaces.ErrNotFound)
	}
	return records[0], nil
}

// queryNavRows scans one table for one fund with optional date bounds.
func (s *NavStore) queryNavRows(ctx context.Context, table, code, startDate, endDate string, desc bool, limit int) ([]*models.NavRecord, error) {
	sql := "SELECT * FROM type::table($tb) WHERE fund_code = $code"
	vars := map[string]any{"tb": table, "code": code, "limit": limit}
	if startDate != "" {
		sql += " AND nav_date >= $start"
		vars["start"] = startDate
	}
	if endDate != "" {
		sql += " AND nav_date <= $end"
		vars["end"] = endDate
	}
	order := "DESC"
	if !desc {
		order = "ASC"
	}
	sql += fmt.Sprintf(" ORDER BY nav_date %s LIMIT $limit", order)

	results, err := surrealdb.Query[[]models.NavRecord](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}

	var rows []*models.NavRecord
	if results != nil && len(*results) > 0 {
		for i := range (*results)[0].Result {
			rows = append(rows, &(*results)[0].Result[i])
		}
	}
	return rows, nil
}

// fillFundName decorates records with the registry name; best effort.
func (s *NavStore) fillFundName(ctx context.Context, code string, records []*models.NavRecord) {
	if len(records) == 0 {
		return
	}
	fund, err := getFundRecord(ctx, s.db, code)
	if err != nil || fund == nil {
		return
	}
	for _, rec := range records {
		if rec.FundName == "" {
			rec.FundName = fund.Name
		}
	}
}

func normalizeDateRange(startDate, endDate string) (string, string, error) {
	var err error
	if startDate != "" {
		if startDate, err = models.NormalizeNavDate(startDate); err != nil {
			return "", "", fmt.Errorf("%w: %v", interfaces.ErrValidation, err)
		}
	}
	if endDate != "" {
		if endDate, err = models.NormalizeNavDate(endDate); err != nil {
			return "", "", fmt.Errorf("%w: %v", interfaces.ErrValidation, err)
		}
	}
	if startDate != "" && endDate != "" && startDate > endDate {
		return "", "", fmt.Errorf("%w: start date %s after end date %s", interfaces.ErrValidation, startDate, endDate)
	}
	return startDate, endDate, nil
}

var _ interfaces.NavStore = (*NavStore)(nil)
