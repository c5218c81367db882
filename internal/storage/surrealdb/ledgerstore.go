package surrealdb

import (
	"context"
	"fmt"
	"strings"

	"github.com/bobmcallan/fundwatch/internal/common"
	"github.com/bobmcallan/fundwatch/internal/interfaces"
	"github.com/bobmcallan/fundwatch/internal/models"
	"github.com/google/uuid"
	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// sharesEpsilon absorbs float drift in share arithmetic: a residual at
// or below it counts as a fully closed position.
const sharesEpsilon = 1e-8

const (
	defaultLogLimit = 50
	maxLogLimit     = 500
)

// LedgerStore is the sole writer of fund, position, and position-log rows.
type LedgerStore struct {
	db     *surrealdb.DB
	logger *common.Logger
}

func NewLedgerStore(db *surrealdb.DB, logger *common.Logger) *LedgerStore {
	return &LedgerStore{
		db:     db,
		logger: logger,
	}
}

// positionID keys a position row: <platform>|<user>|<code>. Fund codes
// never contain '|', so the key parses back unambiguously.
func positionID(platform, userID, code string) string {
	return platform + "|" + userID + "|" + code
}

// normalizePlatform mirrors key handling on the read and write paths;
// an empty platform is grouped under "unknown" rather than rejected.
func normalizePlatform(platform string) string {
	p := strings.ToLower(strings.TrimSpace(platform))
	if p == "" {
		return "unknown"
	}
	return p
}

func normalizeUserID(userID string) string {
	return strings.TrimSpace(userID)
}

// getFundRecord returns nil when the fund does not exist.
func getFundRecord(ctx context.Context, db *surrealdb.DB, code string) (*models.Fund, error) {
	fund, err := surrealdb.Select[models.Fund](ctx, db, surrealmodels.NewRecordID("fund", code))
	if err != nil {
		if isNotFoundError(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to select fund %s: %w", code, err)
	}
	return fund, nil
}

// ensureFundRecord creates or refreshes a fund registry row. An empty
// incoming name never clobbers a stored one.
func ensureFundRecord(ctx context.Context, db *surrealdb.DB, code, name string) (*models.Fund, error) {
	sql := `UPSERT type::record('fund', $id) SET
        fund_code = $code,
        fund_name = IF $name != '' THEN $name ELSE fund_name ?? '' END,
        created_at = created_at ?? $now,
        updated_at = $now`
	vars := map[string]any{
		"id":   code,
		"code": code,
		"name": strings.TrimSpace(name),
		"now":  nowUnix(),
	}

	for attempt := 1; attempt <= 3; attempt++ {
		_, err := surrealdb.Query[[]models.Fund](ctx, db, sql, vars)
		if err == nil {
			break
		}
		if attempt == 3 {
			return nil, fmt.Errorf("failed to ensure fund %s after retries: %w", code, err)
		}
	}

	fund, err := getFundRecord(ctx, db, code)
	if err != nil {
		return nil, err
	}
	if fund == nil {
		return nil, fmt.Errorf("fund %s missing after upsert", code)
	}
	return fund, nil
}

func (s *LedgerStore) EnsureFund(ctx context.Context, code, name string) (*models.Fund, error) {
	canonical := models.NormalizeFundCode(code)
	if canonical == "" {
		return nil, fmt.Errorf("%w: fund code is required", interfaces.ErrValidation)
	}
	return ensureFundRecord(ctx, s.db, canonical, name)
}

func (s *LedgerStore) GetFund(ctx context.Context, code string) (*models.Fund, error) {
	canonical := models.NormalizeFundCode(code)
	if canonical == "" {
		return nil, fmt.Errorf("%w: fund code is required", interfaces.ErrValidation)
	}
	fund, err := getFundRecord(ctx, s.db, canonical)
	if err != nil {
		return nil, err
	}
	if fund == nil {
		return nil, fmt.Errorf("fund %s: %w", canonical, interfaces.ErrNotFound)
	}
	return fund, nil
}

func (s *LedgerStore) ListFunds(ctx context.Context) ([]*models.Fund, error) {
	sql := "SELECT * FROM fund ORDER BY fund_code ASC"
	results, err := surrealdb.Query[[]models.Fund](ctx, s.db, sql, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list funds: %w", err)
	}

	var funds []*models.Fund
	if results != nil && len(*results) > 0 {
		for i := range (*results)[0].Result {
			funds = append(funds, &(*results)[0].Result[i])
		}
	}
	return funds, nil
}

// ListPositionFunds returns the distinct funds held by any user, in code
// order. Registry names win over whatever the position rows carry.
func (s *LedgerStore) ListPositionFunds(ctx context.Context) ([]*models.Fund, error) {
	sql := "SELECT fund_code, fund_name FROM position ORDER BY fund_code ASC"
	results, err := surrealdb.Query[[]models.Position](ctx, s.db, sql, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list position funds: %w", err)
	}

	seen := make(map[string]bool)
	var funds []*models.Fund
	if results != nil && len(*results) > 0 {
		for _, pos := range (*results)[0].Result {
			code := models.NormalizeFundCode(pos.FundCode)
			if code == "" || seen[code] {
				continue
			}
			seen[code] = true

			name := pos.FundName
			if fund, err := getFundRecord(ctx, s.db, code); err == nil && fund != nil && fund.Name != "" {
				name = fund.Name
			}
			funds = append(funds, &models.Fund{Code: code, Name: name})
		}
	}
	return funds, nil
}

func validatePositionRecord(record models.PositionRecord) (string, error) {
	code := models.NormalizeFundCode(record.FundCode)
	if code == "" {
		return "", fmt.Errorf("%w: fund code is required", interfaces.ErrValidation)
	}
	if record.AvgCost <= 0 {
		return "", fmt.Errorf("%w: avg cost must be positive (%s)", interfaces.ErrValidation, code)
	}
	if record.Shares <= 0 {
		return "", fmt.Errorf("%w: shares must be positive (%s)", interfaces.ErrValidation, code)
	}
	return code, nil
}

// AddOrMergePosition inserts a new lot or folds it into the existing
// position at the weighted-average cost. Fund upsert and position write
// run in one transaction.
func (s *LedgerStore) AddOrMergePosition(ctx context.Context, platform, userID string, record models.PositionRecord) (*models.Position, error) {
	platform = normalizePlatform(platform)
	userID = normalizeUserID(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", interfaces.ErrValidation)
	}
	code, err := validatePositionRecord(record)
	if err != nil {
		return nil, err
	}

	existing, err := s.getPosition(ctx, platform, userID, code)
	if err != nil {
		return nil, err
	}

	now := nowUnix()
	merged := models.Position{
		Platform:  platform,
		UserID:    userID,
		FundCode:  code,
		FundName:  strings.TrimSpace(record.FundName),
		AvgCost:   record.AvgCost,
		Shares:    record.Shares,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if existing != nil {
		total := existing.Shares + record.Shares
		if total <= 0 {
			return nil, fmt.Errorf("%w: merged shares must be positive (%s)", interfaces.ErrValidation, code)
		}
		merged.AvgCost = (existing.AvgCost*existing.Shares + record.AvgCost*record.Shares) / total
		merged.Shares = total
		merged.CreatedAt = existing.CreatedAt
		if merged.FundName == "" {
			merged.FundName = existing.FundName
		}
	}

	sql := `BEGIN TRANSACTION;
UPSERT type::record('fund', $fund_id) SET
    fund_code = $code,
    fund_name = IF $name != '' THEN $name ELSE fund_name ?? '' END,
    created_at = created_at ?? $now,
    updated_at = $now;
UPSERT type::record('position', $pos_id) CONTENT $position;
COMMIT TRANSACTION;`
	vars := map[string]any{
		"fund_id":  code,
		"code":     code,
		"name":     merged.FundName,
		"now":      now,
		"pos_id":   positionID(platform, userID, code),
		"position": merged,
	}

	for attempt := 1; attempt <= 3; attempt++ {
		_, err := surrealdb.Query[any](ctx, s.db, sql, vars)
		if err == nil {
			break
		}
		if attempt == 3 {
			return nil, fmt.Errorf("failed to save position %s after retries: %w", code, err)
		}
	}

	s.logger.Debug().
		Str("platform", platform).
		Str("user", userID).
		Str("fund", code).
		Float64("shares", merged.Shares).
		Bool("merged", existing != nil).
		Msg("Position saved")
	return &merged, nil
}

// AddOrMergePositions validates the whole batch before applying any of
// it, so one bad entry rejects the lot.
func (s *LedgerStore) AddOrMergePositions(ctx context.Context, platform, userID string, records []models.PositionRecord) ([]*models.Position, error) {
	for _, record := range records {
		if _, err := validatePositionRecord(record); err != nil {
			return nil, err
		}
	}

	positions := make([]*models.Position, 0, len(records))
	for _, record := range records {
		pos, err := s.AddOrMergePosition(ctx, platform, userID, record)
		if err != nil {
			return nil, err
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

func (s *LedgerStore) getPosition(ctx context.Context, platform, userID, code string) (*models.Position, error) {
	pos, err := surrealdb.Select[models.Position](ctx, s.db, surrealmodels.NewRecordID("position", positionID(platform, userID, code)))
	if err != nil {
		if isNotFoundError(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to select position %s: %w", code, err)
	}
	return pos, nil
}

func (s *LedgerStore) GetPosition(ctx context.Context, platform, userID, fundCode string) (*models.Position, error) {
	platform = normalizePlatform(platform)
	userID = normalizeUserID(userID)
	code := models.NormalizeFundCode(fundCode)
	if userID == "" || code == "" {
		return nil, fmt.Errorf("%w: user id and fund code are required", interfaces.ErrValidation)
	}

	pos, err := s.getPosition(ctx, platform, userID, code)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		return nil, fmt.Errorf("position %s/%s/%s: %w", platform, userID, code, interfaces.ErrNotFound)
	}
	return pos, nil
}

func (s *LedgerStore) ListPositions(ctx context.Context, platform, userID string) ([]*models.Position, error) {
	platform = normalizePlatform(platform)
	userID = normalizeUserID(userID)
	if userID == "" {
		return nil, nil
	}

	sql := "SELECT * FROM position WHERE platform = $platform AND user_id = $user ORDER BY fund_code ASC"
	vars := map[string]any{"platform": platform, "user": userID}
	results, err := surrealdb.Query[[]models.Position](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to list positions: %w", err)
	}

	var positions []*models.Position
	if results != nil && len(*results) > 0 {
		for i := range (*results)[0].Result {
			positions = append(positions, &(*results)[0].Result[i])
		}
	}
	return positions, nil
}

func (s *LedgerStore) ReducePosition(ctx context.Context, platform, userID, fundCode string, shares float64) (*models.Reduction, error) {
	return s.reduce(ctx, platform, userID, fundCode, shares, nil)
}

func (s *LedgerStore) ReducePositionWithLog(ctx context.Context, platform, userID, fundCode string, shares float64, entry models.PositionLog) (*models.Reduction, error) {
	return s.reduce(ctx, platform, userID, fundCode, shares, &entry)
}

// reduce shrinks a position, deleting the row when the residual falls
// within epsilon of zero. When an audit entry is supplied it is written
// in the same transaction as the position change.
func (s *LedgerStore) reduce(ctx context.Context, platform, userID, fundCode string, shares float64, entry *models.PositionLog) (*models.Reduction, error) {
	platform = normalizePlatform(platform)
	userID = normalizeUserID(userID)
	code := models.NormalizeFundCode(fundCode)
	if userID == "" || code == "" {
		return nil, fmt.Errorf("%w: user id and fund code are required", interfaces.ErrValidation)
	}
	if shares <= 0 {
		return nil, fmt.Errorf("%w: sell shares must be positive", interfaces.ErrValidation)
	}

	pos, err := s.getPosition(ctx, platform, userID, code)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		return nil, fmt.Errorf("position %s/%s/%s: %w", platform, userID, code, interfaces.ErrNotFound)
	}
	if shares > pos.Shares+sharesEpsilon {
		return nil, fmt.Errorf("%w: sell shares %.4f exceed holding %.4f", interfaces.ErrValidation, shares, pos.Shares)
	}

	now := nowUnix()
	remaining := pos.Shares - shares
	deleted := remaining <= sharesEpsilon
	if deleted {
		remaining = 0
	}

	var sb strings.Builder
	vars := map[string]any{"pos_id": positionID(platform, userID, code)}
	sb.WriteString("BEGIN TRANSACTION;\n")
	if deleted {
		sb.WriteString("DELETE type::record('position', $pos_id);\n")
	} else {
		updated := *pos
		updated.Shares = remaining
		updated.UpdatedAt = now
		vars["position"] = updated
		sb.WriteString("UPSERT type::record('position', $pos_id) CONTENT $position;\n")
	}

	reduction := &models.Reduction{
		Platform:     platform,
		UserID:       userID,
		FundCode:     code,
		FundName:     pos.FundName,
		AvgCost:      pos.AvgCost,
		SharesBefore: pos.Shares,
		SharesSold:   shares,
		SharesAfter:  remaining,
		Deleted:      deleted,
	}

	if entry != nil {
		log := *entry
		log.ID = uuid.NewString()
		log.Platform = platform
		log.UserID = userID
		log.FundCode = code
		if log.FundName == "" {
			log.FundName = pos.FundName
		}
		if log.Action == "" {
			log.Action = models.ActionSell
		}
		log.SharesDelta = -shares
		log.SharesBefore = pos.Shares
		log.SharesAfter = remaining
		log.AvgCost = pos.AvgCost
		log.CreatedAt = now
		vars["log_id"] = log.ID
		vars["log"] = log
		sb.WriteString("CREATE type::record('position_log', $log_id) CONTENT $log;\n")

		reduction.Action = log.Action
		reduction.LogID = log.ID
	}
	sb.WriteString("COMMIT TRANSACTION;")

	for attempt := 1; attempt <= 3; attempt++ {
		_, err := surrealdb.Query[any](ctx, s.db, sb.String(), vars)
		if err == nil {
			break
		}
		if attempt == 3 {
			return nil, fmt.Errorf("failed to reduce position %s after retries: %w", code, err)
		}
	}

	s.logger.Debug().
		Str("platform", platform).
		Str("user", userID).
		Str("fund", code).
		Float64("sold", shares).
		Float64("remaining", remaining).
		Bool("deleted", deleted).
		Msg("Position reduced")
	return reduction, nil
}

// DeletePosition removes a position without logging; reports whether a
// row existed.
func (s *LedgerStore) DeletePosition(ctx context.Context, platform, userID, fundCode string) (bool, error) {
	platform = normalizePlatform(platform)
	userID = normalizeUserID(userID)
	code := models.NormalizeFundCode(fundCode)
	if userID == "" || code == "" {
		return false, nil
	}

	pos, err := s.getPosition(ctx, platform, userID, code)
	if err != nil {
		return false, err
	}
	if pos == nil {
		return false, nil
	}

	if _, err := surrealdb.Delete[models.Position](ctx, s.db, surrealmodels.NewRecordID("position", positionID(platform, userID, code))); err != nil {
		return false, fmt.Errorf("failed to delete position %s: %w", code, err)
	}
	return true, nil
}

type countResult struct {
	Cnt int `json:"cnt"`
}

func (s *LedgerStore) ClearPositions(ctx context.Context, platform, userID string) (int, error) {
	platform = normalizePlatform(platform)
	userID = normalizeUserID(userID)
	if userID == "" {
		return 0, nil
	}

	vars := map[string]any{"platform": platform, "user": userID}
	countSQL := "SELECT count() AS cnt FROM position WHERE platform = $platform AND user_id = $user GROUP ALL"
	results, err := surrealdb.Query[[]countResult](ctx, s.db, countSQL, vars)
	if err != nil {
		return 0, fmt.Errorf("failed to count positions: %w", err)
	}
	count := 0
	if results != nil && len(*results) > 0 && len((*results)[0].Result) > 0 {
		count = (*results)[0].Result[0].Cnt
	}
	if count == 0 {
		return 0, nil
	}

	deleteSQL := "DELETE FROM position WHERE platform = $platform AND user_id = $user"
	if _, err := surrealdb.Query[any](ctx, s.db, deleteSQL, vars); err != nil {
		return 0, fmt.Errorf("failed to clear positions: %w", err)
	}

	s.logger.Info().
		Str("platform", platform).
		Str("user", userID).
		Int("count", count).
		Msg("Positions cleared")
	return count, nil
}

// AddPositionLog appends one audit row outside the reduce path (e.g. a
// clear or a settlement backfill recorded by the service layer).
func (s *LedgerStore) AddPositionLog(ctx context.Context, log *models.PositionLog) (string, error) {
	if log == nil {
		return "", fmt.Errorf("%w: log entry is required", interfaces.ErrValidation)
	}
	platform := normalizePlatform(log.Platform)
	userID := normalizeUserID(log.UserID)
	code := models.NormalizeFundCode(log.FundCode)
	if userID == "" || code == "" {
		return "", fmt.Errorf("%w: user id and fund code are required", interfaces.ErrValidation)
	}
	if log.Action == "" {
		return "", fmt.Errorf("%w: action is required", interfaces.ErrValidation)
	}

	entry := *log
	entry.ID = uuid.NewString()
	entry.Platform = platform
	entry.UserID = userID
	entry.FundCode = code
	entry.CreatedAt = nowUnix()

	sql := `BEGIN TRANSACTION;
UPSERT type::record('fund', $fund_id) SET
    fund_code = $code,
    fund_name = IF $name != '' THEN $name ELSE fund_name ?? '' END,
    created_at = created_at ?? $now,
    updated_at = $now;
CREATE type::record('position_log', $log_id) CONTENT $log;
COMMIT TRANSACTION;`
	vars := map[string]any{
		"fund_id": code,
		"code":    code,
		"name":    strings.TrimSpace(entry.FundName),
		"now":     entry.CreatedAt,
		"log_id":  entry.ID,
		"log":     entry,
	}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return "", fmt.Errorf("failed to add position log: %w", err)
	}
	return entry.ID, nil
}

func (s *LedgerStore) ListPositionLogs(ctx context.Context, platform, userID string, limit int, actions []string) ([]*models.PositionLog, error) {
	platform = normalizePlatform(platform)
	userID = normalizeUserID(userID)
	if userID == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = defaultLogLimit
	}
	if limit > maxLogLimit {
		limit = maxLogLimit
	}

	sql := "SELECT * FROM position_log WHERE platform = $platform AND user_id = $user"
	vars := map[string]any{"platform": platform, "user": userID, "limit": limit}

	var filtered []string
	for _, action := range actions {
		if a := strings.ToLower(strings.TrimSpace(action)); a != "" {
			filtered = append(filtered, a)
		}
	}
	if len(filtered) > 0 {
		sql += " AND action IN $actions"
		vars["actions"] = filtered
	}
	sql += " ORDER BY created_at DESC, log_id DESC LIMIT $limit"

	results, err := surrealdb.Query[[]models.PositionLog](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to list position logs: %w", err)
	}

	var logs []*models.PositionLog
	if results != nil && len(*results) > 0 {
		for i := range (*results)[0].Result {
			logs = append(logs, &(*results)[0].Result[i])
		}
	}
	return logs, nil
}

var _ interfaces.LedgerStore = (*LedgerStore)(nil)
