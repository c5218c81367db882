package surrealdb

import (
	"context"
	"errors"
	"testing"

	"github.com/bobmcallan/fundwatch/internal/interfaces"
	"github.com/bobmcallan/fundwatch/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/surrealdb/surrealdb.go"
)

func TestUpsertAndListNavHistory(t *testing.T) {
	mgr := testManager(t)
	store := mgr.navStore
	ctx := context.Background()

	records := []models.NavUpsert{
		{NavDate: "2025-06-27", UnitNav: 1.2345, AccumNav: f64(2.1)},
		{NavDate: "2025-06-30", UnitNav: 1.2401, ChangeRate: f64(0.45)},
		{NavDate: "2025-07-01", UnitNav: 1.2398, ChangeRate: f64(-0.02)},
	}
	count, err := store.UpsertNavHistory(ctx, "007721", "Test Growth Fund", records, "daily:eastmoney")
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	// Batch spanned June and July, so both partitions must exist.
	keys, err := store.parts.list(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, 202506, keys[0].MonthKey())
	assert.Equal(t, 202507, keys[1].MonthKey())

	listed, err := store.ListNavHistory(ctx, "007721", "", "", 0)
	require.NoError(t, err)
	require.Len(t, listed, 3)
	assert.Equal(t, "2025-07-01", listed[0].NavDate)
	assert.Equal(t, "2025-06-30", listed[1].NavDate)
	assert.Equal(t, "2025-06-27", listed[2].NavDate)
	assert.Equal(t, "daily:eastmoney", listed[0].Source)
	assert.Equal(t, "Test Growth Fund", listed[0].FundName)
	require.NotNil(t, listed[1].ChangeRate)
	assert.InDelta(t, 0.45, *listed[1].ChangeRate, 1e-9)
}

func TestUpsertNavHistoryOverwritesValuesKeepsSource(t *testing.T) {
	mgr := testManager(t)
	store := mgr.navStore
	ctx := context.Background()

	_, err := store.UpsertNavHistory(ctx, "007721", "", []models.NavUpsert{
		{NavDate: "2025-07-01", UnitNav: 1.0000},
	}, "daily:eastmoney")
	require.NoError(t, err)

	first, err := store.GetLatestNavRecord(ctx, "007721")
	require.NoError(t, err)
	createdAt := first.CreatedAt

	// Same date, new value, no source: value moves, source and
	// created_at stay.
	_, err = store.UpsertNavHistory(ctx, "007721", "", []models.NavUpsert{
		{NavDate: "2025-07-01", UnitNav: 1.0123},
	}, "")
	require.NoError(t, err)

	second, err := store.GetLatestNavRecord(ctx, "007721")
	require.NoError(t, err)
	assert.InDelta(t, 1.0123, second.UnitNav, 1e-9)
	assert.Equal(t, "daily:eastmoney", second.Source)
	assert.Equal(t, createdAt, second.CreatedAt)
}

func TestUpsertNavHistoryRejectsWholeBatch(t *testing.T) {
	mgr := testManager(t)
	store := mgr.navStore
	ctx := context.Background()

	_, err := store.UpsertNavHistory(ctx, "007721", "", []models.NavUpsert{
		{NavDate: "2025-07-01", UnitNav: 1.01},
		{NavDate: "2025-07-02", UnitNav: -0.5},
	}, "manual")
	require.Error(t, err)
	assert.True(t, errors.Is(err, interfaces.ErrValidation))

	// Nothing from the batch may have landed.
	listed, err := store.ListNavHistory(ctx, "007721", "", "", 0)
	require.NoError(t, err)
	assert.Empty(t, listed)

	_, err = store.UpsertNavHistory(ctx, "007721", "", []models.NavUpsert{
		{NavDate: "not-a-date", UnitNav: 1.01},
	}, "manual")
	assert.True(t, errors.Is(err, interfaces.ErrValidation))
}

func TestListNavHistoryPartitionWinsOverLegacy(t *testing.T) {
	mgr := testManager(t)
	store := mgr.navStore
	ctx := context.Background()

	// Seed a pre-partitioning row directly into the legacy table.
	legacySQL := `UPSERT type::thing('nav_history', $rid) SET
        fund_code = $code, nav_date = $date, unit_nav = $nav,
        source = 'legacy', created_at = $now, updated_at = $now`
	_, err := surrealdb.Query[any](ctx, mgr.db, legacySQL, map[string]any{
		"rid": "007721_2025-07-01", "code": "007721",
		"date": "2025-07-01", "nav": 9.99, "now": nowUnix(),
	})
	require.NoError(t, err)

	_, err = store.UpsertNavHistory(ctx, "007721", "", []models.NavUpsert{
		{NavDate: "2025-07-01", UnitNav: 1.0123},
		{NavDate: "2025-07-02", UnitNav: 1.0150},
	}, "daily:eastmoney")
	require.NoError(t, err)

	listed, err := store.ListNavHistory(ctx, "007721", "", "", 0)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	for _, rec := range listed {
		if rec.NavDate == "2025-07-01" {
			assert.InDelta(t, 1.0123, rec.UnitNav, 1e-9)
			assert.Equal(t, "daily:eastmoney", rec.Source)
		}
	}
}

func TestListNavHistoryLegacyNewestSurvivesLimit(t *testing.T) {
	mgr := testManager(t)
	store := mgr.navStore
	ctx := context.Background()

	// A never-migrated legacy row newer than everything partitioned.
	legacySQL := `UPSERT type::thing('nav_history', $rid) SET
        fund_code = $code, nav_date = $date, unit_nav = $nav,
        source = 'legacy', created_at = $now, updated_at = $now`
	_, err := surrealdb.Query[any](ctx, mgr.db, legacySQL, map[string]any{
		"rid": "007721_2025-07-04", "code": "007721",
		"date": "2025-07-04", "nav": 1.0200, "now": nowUnix(),
	})
	require.NoError(t, err)

	_, err = store.UpsertNavHistory(ctx, "007721", "", []models.NavUpsert{
		{NavDate: "2025-07-01", UnitNav: 1.0100},
		{NavDate: "2025-07-03", UnitNav: 1.0150},
	}, "daily:eastmoney")
	require.NoError(t, err)

	// A limit smaller than the partition row count must not stop the
	// scan before the legacy table.
	listed, err := store.ListNavHistory(ctx, "007721", "", "", 2)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, "2025-07-04", listed[0].NavDate)
	assert.Equal(t, "2025-07-03", listed[1].NavDate)

	latest, err := store.GetLatestNavRecord(ctx, "007721")
	require.NoError(t, err)
	assert.Equal(t, "2025-07-04", latest.NavDate)
	assert.InDelta(t, 1.0200, latest.UnitNav, 1e-9)
}

func TestListNavHistoryRangeAndLimit(t *testing.T) {
	mgr := testManager(t)
	store := mgr.navStore
	ctx := context.Background()

	_, err := store.UpsertNavHistory(ctx, "007721", "", []models.NavUpsert{
		{NavDate: "2025-06-30", UnitNav: 1.01},
		{NavDate: "2025-07-01", UnitNav: 1.02},
		{NavDate: "2025-07-02", UnitNav: 1.03},
		{NavDate: "2025-07-03", UnitNav: 1.04},
	}, "daily:eastmoney")
	require.NoError(t, err)

	listed, err := store.ListNavHistory(ctx, "007721", "2025-07-01", "2025-07-02", 0)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, "2025-07-02", listed[0].NavDate)
	assert.Equal(t, "2025-07-01", listed[1].NavDate)

	limited, err := store.ListNavHistory(ctx, "007721", "", "", 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, "2025-07-03", limited[0].NavDate)

	_, err = store.ListNavHistory(ctx, "007721", "2025-07-03", "2025-07-01", 0)
	assert.True(t, errors.Is(err, interfaces.ErrValidation))
}

func TestGetNavOnOrAfter(t *testing.T) {
	mgr := testManager(t)
	store := mgr.navStore
	ctx := context.Background()

	_, err := store.UpsertNavHistory(ctx, "007721", "", []models.NavUpsert{
		{NavDate: "2025-06-30", UnitNav: 1.01},
		{NavDate: "2025-07-04", UnitNav: 1.04},
	}, "daily:eastmoney")
	require.NoError(t, err)

	// 07-01 has no row; the next published date settles it.
	rec, err := store.GetNavOnOrAfter(ctx, "007721", "2025-07-01", "")
	require.NoError(t, err)
	assert.Equal(t, "2025-07-04", rec.NavDate)

	rec, err = store.GetNavOnOrAfter(ctx, "007721", "2025-06-30", "")
	require.NoError(t, err)
	assert.Equal(t, "2025-06-30", rec.NavDate)

	_, err = store.GetNavOnOrAfter(ctx, "007721", "2025-07-01", "2025-07-03")
	assert.True(t, errors.Is(err, interfaces.ErrNotFound))

	_, err = store.GetNavOnOrAfter(ctx, "007721", "2025-08-01", "")
	assert.True(t, errors.Is(err, interfaces.ErrNotFound))
}

func TestGetLatestNavDate(t *testing.T) {
	mgr := testManager(t)
	store := mgr.navStore
	ctx := context.Background()

	latest, err := store.GetLatestNavDate(ctx, "007721")
	require.NoError(t, err)
	assert.Equal(t, "", latest)

	_, err = store.UpsertNavHistory(ctx, "007721", "", []models.NavUpsert{
		{NavDate: "2025-06-30", UnitNav: 1.01},
		{NavDate: "2025-07-02", UnitNav: 1.03},
	}, "daily:eastmoney")
	require.NoError(t, err)

	latest, err = store.GetLatestNavDate(ctx, "007721")
	require.NoError(t, err)
	assert.Equal(t, "2025-07-02", latest)

	// Unpadded codes resolve to the same fund.
	latest, err = store.GetLatestNavDate(ctx, "7721")
	require.NoError(t, err)
	assert.Equal(t, "2025-07-02", latest)
}

func TestGetLatestNavRecordNotFound(t *testing.T) {
	mgr := testManager(t)
	ctx := context.Background()

	_, err := mgr.navStore.GetLatestNavRecord(ctx, "999999")
	assert.True(t, errors.Is(err, interfaces.ErrNotFound))
}
