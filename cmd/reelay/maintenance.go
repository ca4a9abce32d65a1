package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"text/tabwriter"
	"time"

	"reelay/internal/config"
	"reelay/internal/maintenance"
	"reelay/internal/store"

	"github.com/spf13/cobra"
)

var maintenanceCmd = &cobra.Command{
	Use:   "maintenance",
	Short: "Database maintenance operations",
	Long:  `Run or inspect the database maintenance tasks: history retention and compaction.`,
}

var maintenanceRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run maintenance tasks immediately",
	Long: `Execute all configured maintenance tasks immediately, bypassing the
scheduler. The maintenance window does not apply to explicit runs.`,
	RunE: runMaintenanceTasks,
}

var maintenanceStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show maintenance configuration",
	Long:  `Display the maintenance configuration: schedule, retention policy, and window.`,
	RunE:  showMaintenanceStatus,
}

// Command flags
var maintenanceJSONOutput bool

func init() {
	maintenanceCmd.AddCommand(maintenanceRunCmd)
	maintenanceCmd.AddCommand(maintenanceStatusCmd)

	maintenanceCmd.PersistentFlags().BoolVar(&maintenanceJSONOutput, "json", false, "Output results in JSON format")
}

// registerMaintenanceTasks registers the standard task set, retention first
// so compaction sees the rows retention removed.
func registerMaintenanceTasks(sched *maintenance.Scheduler, st *store.Store, cfg *config.Config, logger *log.Logger) {
	sched.Register(maintenance.NewRetentionTask(st, cfg.Maintenance.RetentionDays, logger))
	sched.Register(maintenance.NewDatabaseTask(st, cfg.Database.Path, cfg.Maintenance.VacuumOnCleanup, logger))
}

// runMaintenanceTasks executes all maintenance tasks against the configured
// database. Safe to run while the server is up; the store uses WAL with a
// busy timeout.
func runMaintenanceTasks(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	st, err := store.NewStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer st.Close()

	logger := log.New(os.Stdout, "", log.LstdFlags)
	if maintenanceJSONOutput {
		logger.SetOutput(os.Stderr) // Send logs to stderr for clean JSON output
	}

	sched := maintenance.NewScheduler(cfg.Maintenance, cfg.GetLocation(), logger)
	registerMaintenanceTasks(sched, st, cfg, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	runErr := sched.RunNow(ctx)

	// Show results even when a task failed; the error decides the exit code.
	if err := displayMaintenanceResults(sched.Status()); err != nil {
		return err
	}
	if runErr != nil {
		return fmt.Errorf("maintenance failed: %w", runErr)
	}
	return nil
}

// showMaintenanceStatus displays the maintenance configuration. Last-run
// results live in the running server's scheduler and are not visible here.
func showMaintenanceStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	m := cfg.Maintenance

	if maintenanceJSONOutput {
		return json.NewEncoder(os.Stdout).Encode(map[string]interface{}{
			"enabled":         m.Enabled,
			"schedule":        m.CronSchedule(),
			"timezone":        cfg.GetLocation().String(),
			"retentionDays":   m.RetentionDays,
			"vacuumOnCleanup": m.VacuumOnCleanup,
			"windowStartHour": m.WindowStartHour,
			"windowEndHour":   m.WindowEndHour,
			"status":          "configuration_only",
		})
	}

	fmt.Printf("Maintenance Configuration:\n")
	fmt.Printf("  Enabled: %t\n", m.Enabled)
	fmt.Printf("  Schedule: %s\n", m.CronSchedule())
	if m.RetentionDays > 0 {
		fmt.Printf("  History Retention: %d days\n", m.RetentionDays)
	} else {
		fmt.Printf("  History Retention: unlimited\n")
	}
	fmt.Printf("  Vacuum On Cleanup: %t\n", m.VacuumOnCleanup)
	if m.WindowStartHour == m.WindowEndHour {
		fmt.Printf("  Window: any time\n")
	} else {
		fmt.Printf("  Window: %02d:00-%02d:00 %s\n", m.WindowStartHour, m.WindowEndHour, cfg.GetLocation())
	}

	fmt.Printf("\nNote: Last-run results require the running server instance.\n")
	fmt.Printf("Run 'reelay maintenance run' to execute tasks immediately.\n")

	return nil
}

// displayMaintenanceResults shows the results of maintenance task execution
func displayMaintenanceResults(status map[string]maintenance.TaskStatus) error {
	if maintenanceJSONOutput {
		return json.NewEncoder(os.Stdout).Encode(status)
	}

	fmt.Println("Maintenance Task Results:")
	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tSTATUS\tDURATION\tRECORDS\tMESSAGE")
	fmt.Fprintln(w, "----\t------\t--------\t-------\t-------")

	for name, taskStatus := range status {
		result := taskStatus.LastResult

		statusStr := "FAILED"
		if result.Success {
			statusStr = "SUCCESS"
		}

		duration := result.Duration.Round(time.Millisecond)
		records := fmt.Sprintf("%d", result.RecordsProcessed)
		if result.RecordsProcessed == 0 {
			records = "-"
		}

		message := result.Message
		if len(message) > 50 {
			message = message[:47] + "..."
		}

		fmt.Fprintf(w, "%s\t%s\t%v\t%s\t%s\n", name, statusStr, duration, records, message)
	}

	w.Flush()

	// Show reclaimed space and errors below the table
	for name, taskStatus := range status {
		result := taskStatus.LastResult
		if result.SpaceReclaimed > 0 {
			fmt.Printf("\n%s reclaimed %.1f MB\n", name, float64(result.SpaceReclaimed)/(1024*1024))
		}
		if !result.Success && result.Error != nil {
			fmt.Printf("\nError in %s: %v\n", name, result.Error)
		}
	}

	return nil
}
