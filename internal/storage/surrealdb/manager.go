package surrealdb

import (
	"context"
	"fmt"
	"strings"

	"github.com/bobmcallan/fundwatch/internal/common"
	"github.com/bobmcallan/fundwatch/internal/interfaces"
	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// SchemaVersion is bumped whenever the stored layout changes in a way
// that requires migration. Version 5 introduced monthly NAV partitions.
const SchemaVersion = "5"

// Manager implements interfaces.StorageManager using SurrealDB.
type Manager struct {
	db     *surrealdb.DB
	logger *common.Logger

	ledgerStore *LedgerStore
	navStore    *NavStore
	rateStore   *RateStore
}

// baseTables are defined up front; monthly NAV partitions are defined
// lazily on first write into their month.
var baseTables = []string{"fund", "position", "position_log", "nav_history", "nav_partitions", "exchange_rate", "schema_meta"}

type schemaMeta struct {
	Key       string `json:"key"`
	Value     string `json:"value"`
	UpdatedAt int64  `json:"updated_at"`
}

// NewManager creates a new StorageManager connected to SurrealDB.
func NewManager(logger *common.Logger, config *common.Config) (*Manager, error) {
	ctx := context.Background()

	db, err := surrealdb.New(config.Storage.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SurrealDB: %w", err)
	}

	if _, err := db.SignIn(ctx, map[string]interface{}{
		"user": config.Storage.Username,
		"pass": config.Storage.Password,
	}); err != nil {
		return nil, fmt.Errorf("failed to sign in to SurrealDB: %w", err)
	}

	if err := db.Use(ctx, config.Storage.Namespace, config.Storage.Database); err != nil {
		return nil, fmt.Errorf("failed to select namespace/database: %w", err)
	}

	// Define base tables up front (SurrealDB v3 errors on querying
	// non-existent tables).
	for _, table := range baseTables {
		sql := fmt.Sprintf("DEFINE TABLE IF NOT EXISTS %s SCHEMALESS", table)
		if _, err := surrealdb.Query[any](ctx, db, sql, nil); err != nil {
			return nil, fmt.Errorf("failed to define table %s: %w", table, err)
		}
	}

	if err := ensureSchemaVersion(ctx, db, logger); err != nil {
		return nil, err
	}

	m := &Manager{
		db:     db,
		logger: logger,
	}

	parts := newPartitionRegistry(db, logger)
	m.ledgerStore = NewLedgerStore(db, logger)
	m.navStore = NewNavStore(db, logger, parts)
	m.rateStore = NewRateStore(db, logger)

	logger.Info().
		Str("address", config.Storage.Address).
		Str("namespace", config.Storage.Namespace).
		Str("database", config.Storage.Database).
		Str("schema_version", SchemaVersion).
		Msg("SurrealDB storage manager initialized")

	return m, nil
}

// ensureSchemaVersion records the running schema version. An older stored
// version is tolerated (the layout is additive across versions so far)
// and logged so operators can see a migration happened.
func ensureSchemaVersion(ctx context.Context, db *surrealdb.DB, logger *common.Logger) error {
	meta, err := surrealdb.Select[schemaMeta](ctx, db, surrealmodels.NewRecordID("schema_meta", "schema_version"))
	if err != nil && !isNotFoundError(err) {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if meta != nil && meta.Value == SchemaVersion {
		return nil
	}
	if meta != nil && meta.Value != "" {
		logger.Warn().
			Str("stored", meta.Value).
			Str("current", SchemaVersion).
			Msg("Schema version updated")
	}

	record := schemaMeta{Key: "schema_version", Value: SchemaVersion, UpdatedAt: nowUnix()}
	sql := "UPSERT type::record('schema_meta', $id) CONTENT $meta"
	vars := map[string]any{"id": "schema_version", "meta": record}
	if _, err := surrealdb.Query[[]schemaMeta](ctx, db, sql, vars); err != nil {
		return fmt.Errorf("failed to write schema version: %w", err)
	}
	return nil
}

func (m *Manager) LedgerStore() interfaces.LedgerStore {
	return m.ledgerStore
}

func (m *Manager) NavStore() interfaces.NavStore {
	return m.navStore
}

func (m *Manager) RateStore() interfaces.RateStore {
	return m.rateStore
}

func (m *Manager) Close() error {
	m.db.Close(context.Background())
	return nil
}

// isNotFoundError matches the SDK's "record not found" failures, which
// surface as error strings rather than a typed sentinel.
func isNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not found") || strings.Contains(msg, "no record")
}

// Compile-time check
var _ interfaces.StorageManager = (*Manager)(nil)
