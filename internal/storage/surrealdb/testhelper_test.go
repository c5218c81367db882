package surrealdb

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bobmcallan/fundwatch/internal/common"
	tcommon "github.com/bobmcallan/fundwatch/tests/common"
)

// testManager starts the shared SurrealDB container and returns a fully
// initialized Manager bound to a unique database per test for isolation.
func testManager(t *testing.T) *Manager {
	t.Helper()

	sc := tcommon.StartSurrealDB(t)

	cfg := common.NewDefaultConfig()
	cfg.Storage.Address = sc.Address()
	cfg.Storage.Namespace = "fundwatch_test"
	cfg.Storage.Username = "root"
	cfg.Storage.Password = "root"

	// Sanitize t.Name() because subtests produce names like "Test/subtest"
	// and SurrealDB rejects "/" in database names.
	sanitized := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	cfg.Storage.Database = fmt.Sprintf("t_%s_%d", sanitized, time.Now().UnixNano()%100000)

	mgr, err := NewManager(testLogger(), cfg)
	if err != nil {
		t.Fatalf("init storage manager: %v", err)
	}
	t.Cleanup(func() {
		mgr.Close()
	})
	return mgr
}

// testLogger returns a silent logger for tests.
func testLogger() *common.Logger {
	return common.NewSilentLogger()
}

func f64(v float64) *float64 {
	return &v
}
