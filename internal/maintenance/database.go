package maintenance

import (
	"context"
	"fmt"
	"log"
	"os"

	"reelay/internal/store"
)

// DatabaseTask keeps the SQLite file healthy: an integrity check, refreshed
// planner statistics, and an optional vacuum to reclaim space.
type DatabaseTask struct {
	store  *store.Store
	dbPath string
	vacuum bool
	logger *log.Logger
}

// NewDatabaseTask creates the database upkeep task. dbPath is used to
// measure the file before and after vacuuming; empty falls back to page
// accounting inside SQLite.
func NewDatabaseTask(st *store.Store, dbPath string, vacuum bool, logger *log.Logger) *DatabaseTask {
	if logger == nil {
		logger = log.Default()
	}
	return &DatabaseTask{store: st, dbPath: dbPath, vacuum: vacuum, logger: logger}
}

func (t *DatabaseTask) Name() string { return "database" }

func (t *DatabaseTask) Description() string {
	return "Check database integrity, refresh planner statistics, and vacuum"
}

// Execute runs the upkeep steps. A failed integrity check aborts before the
// vacuum; compacting a corrupt file makes recovery harder.
func (t *DatabaseTask) Execute(ctx context.Context) TaskResult {
	db := t.store.DB()

	var verdict string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&verdict); err != nil {
		return TaskResult{Success: false, Message: "Integrity check failed to run", Error: err}
	}
	if verdict != "ok" {
		return TaskResult{
			Success: false,
			Message: fmt.Sprintf("Integrity check reported: %s", verdict),
		}
	}

	if _, err := db.ExecContext(ctx, "ANALYZE"); err != nil {
		return TaskResult{Success: false, Message: "Failed to refresh planner statistics", Error: err}
	}
	if _, err := db.ExecContext(ctx, "PRAGMA optimize"); err != nil {
		// Not worth failing the run over.
		t.logger.Printf("[Maintenance] PRAGMA optimize failed: %v", err)
	}

	result := TaskResult{Success: true, Message: "Integrity ok"}
	if !t.vacuum {
		return result
	}

	before, _ := t.databaseSize()
	t.logger.Println("[Maintenance] Vacuuming database")
	if err := t.store.Vacuum(); err != nil {
		return TaskResult{Success: false, Message: "Vacuum failed", Error: err}
	}
	after, _ := t.databaseSize()

	if reclaimed := before - after; reclaimed > 0 {
		result.SpaceReclaimed = reclaimed
	}
	result.Message = fmt.Sprintf("Integrity ok, vacuumed (%.1f MB on disk)", float64(after)/(1024*1024))
	return result
}

// databaseSize measures the database file, falling back to SQLite's page
// accounting when no path is known.
func (t *DatabaseTask) databaseSize() (int64, error) {
	if t.dbPath == "" {
		var size int64
		err := t.store.DB().QueryRow(
			"SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()").Scan(&size)
		return size, err
	}
	stat, err := os.Stat(t.dbPath)
	if err != nil {
		return 0, err
	}
	return stat.Size(), nil
}
