package surrealdb

import (
	"context"
	"fmt"
	"strings"

	"github.com/bobmcallan/fundwatch/internal/interfaces"
	"github.com/bobmcallan/fundwatch/internal/models"
	"github.com/surrealdb/surrealdb.go"
)

// maxRepairErrors bounds the error detail carried back in RepairStats.
const maxRepairErrors = 5

// RepairUserPositions reconciles one user's positions onto canonical
// fund codes: positions stored under an unpadded code are relinked (or
// merged when a canonical position already exists), fund names are
// refreshed from the hints, and the user's audit logs are repointed.
// Each fund is repaired independently; a failure is recorded in the
// stats and the pass continues.
func (s *LedgerStore) RepairUserPositions(ctx context.Context, platform, userID string, nameHints map[string]string) (*models.RepairStats, error) {
	platform = normalizePlatform(platform)
	userID = normalizeUserID(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", interfaces.ErrValidation)
	}

	lookup := make(map[string]string)
	for key, value := range nameHints {
		code := models.NormalizeFundCode(key)
		name := strings.TrimSpace(value)
		if code != "" && name != "" {
			lookup[code] = name
		}
	}

	positions, err := s.ListPositions(ctx, platform, userID)
	if err != nil {
		return nil, err
	}

	stats := &models.RepairStats{PositionsTotal: len(positions)}
	seen := make(map[string]bool)
	for _, pos := range positions {
		if !seen[pos.FundCode] {
			seen[pos.FundCode] = true
			stats.FundsTotal++
		}
	}
	if len(positions) == 0 {
		return stats, nil
	}

	processed := make(map[string]bool)
	for _, pos := range positions {
		storedCode := pos.FundCode
		if processed[storedCode] {
			continue
		}
		processed[storedCode] = true
		stats.FundsProcessed++

		if err := s.repairFund(ctx, platform, userID, storedCode, lookup, stats); err != nil {
			stats.Failed++
			if len(stats.Errors) < maxRepairErrors {
				stats.Errors = append(stats.Errors, fmt.Sprintf("%s: %v", storedCode, err))
			}
		}
	}
	return stats, nil
}

func (s *LedgerStore) repairFund(ctx context.Context, platform, userID, storedCode string, lookup map[string]string, stats *models.RepairStats) error {
	// Refetch: an earlier merge in this pass may have removed the row.
	origin, err := s.getPosition(ctx, platform, userID, storedCode)
	if err != nil {
		return err
	}
	if origin == nil {
		return nil
	}

	canonical := models.NormalizeFundCode(storedCode)
	if canonical == "" {
		return fmt.Errorf("fund code is empty")
	}

	targetName := lookup[canonical]
	if targetName == "" {
		targetName = strings.TrimSpace(origin.FundName)
	}

	before, err := getFundRecord(ctx, s.db, canonical)
	if err != nil {
		return err
	}
	beforeName := ""
	if before != nil {
		beforeName = strings.TrimSpace(before.Name)
	}
	after, err := ensureFundRecord(ctx, s.db, canonical, targetName)
	if err != nil {
		return err
	}
	if targetName != "" && after.Name != "" && after.Name != beforeName {
		stats.FundNamesFixed++
	}
	if canonical == storedCode {
		return nil
	}
	stats.CodesNormalized++

	now := nowUnix()
	target, err := s.getPosition(ctx, platform, userID, canonical)
	if err != nil {
		return err
	}

	if target == nil {
		moved := *origin
		moved.FundCode = canonical
		moved.FundName = after.Name
		moved.UpdatedAt = now

		sql := `BEGIN TRANSACTION;
UPSERT type::record('position', $new_id) CONTENT $position;
DELETE type::record('position', $old_id);
COMMIT TRANSACTION;`
		vars := map[string]any{
			"new_id":   positionID(platform, userID, canonical),
			"old_id":   positionID(platform, userID, storedCode),
			"position": moved,
		}
		if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
			return fmt.Errorf("failed to relink position: %w", err)
		}
		stats.PositionsRelinked++
	} else {
		mergedShares := origin.Shares + target.Shares
		if mergedShares <= 0 {
			if _, err := s.DeletePosition(ctx, platform, userID, storedCode); err != nil {
				return err
			}
		} else {
			merged := *target
			merged.AvgCost = (origin.AvgCost*origin.Shares + target.AvgCost*target.Shares) / mergedShares
			merged.Shares = mergedShares
			merged.FundName = after.Name
			merged.UpdatedAt = now

			sql := `BEGIN TRANSACTION;
UPSERT type::record('position', $target_id) CONTENT $position;
DELETE type::record('position', $old_id);
COMMIT TRANSACTION;`
			vars := map[string]any{
				"target_id": positionID(platform, userID, canonical),
				"old_id":    positionID(platform, userID, storedCode),
				"position":  merged,
			}
			if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
				return fmt.Errorf("failed to merge position: %w", err)
			}
		}
		stats.PositionsMerged++
	}

	// Repoint the user's audit trail at the canonical code.
	logSQL := `UPDATE position_log SET fund_code = $new WHERE platform = $platform AND user_id = $user AND fund_code = $old RETURN AFTER`
	logVars := map[string]any{
		"new":      canonical,
		"old":      storedCode,
		"platform": platform,
		"user":     userID,
	}
	results, err := surrealdb.Query[[]models.PositionLog](ctx, s.db, logSQL, logVars)
	if err != nil {
		return fmt.Errorf("failed to relink position logs: %w", err)
	}
	if results != nil && len(*results) > 0 {
		stats.LogsRelinked += len((*results)[0].Result)
	}
	return nil
}
