package cli

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/nick-amizich/zmf-production/internal/config"
	internal_http "github.com/nick-amizich/zmf-production/internal/http"
	"github.com/nick-amizich/zmf-production/internal/log"
	internal_storage "github.com/nick-amizich/zmf-production/internal/storage"
	"github.com/nick-amizich/zmf-production/pkg/models"
	"github.com/nick-amizich/zmf-production/pkg/service"
)

func SetupCLI(rootCmd *cobra.Command) {
	createBatchCmd := &cobra.Command{
		Use:   "create-batch",
		Short: "Create a new production batch from order items",
		Run: func(cmd *cobra.Command, args []string) {
			svc := services(cmd)
			name, _ := cmd.Flags().GetString("name")
			items, _ := cmd.Flags().GetString("items")
			templateID, _ := cmd.Flags().GetInt64("template")
			itemIDs, err := parseItemIDs(items)
			if err != nil {
				fail("invalid --items: %v", err)
			}
			var tplRef *int64
			if templateID > 0 {
				tplRef = &templateID
			}
			id, err := svc.Batches.CreateBatch(name, itemIDs, tplRef)
			if err != nil {
				fail("failed to create batch: %v", err)
			}
			fmt.Fprintf(os.Stdout, "Created batch '%s' with ID %d\n", name, id)
		},
	}
	createBatchCmd.Flags().String("name", "", "Batch name")
	createBatchCmd.Flags().String("items", "", "Comma-separated order item IDs")
	createBatchCmd.Flags().Int64("template", 0, "Workflow template ID (optional)")

	startCmd := &cobra.Command{
		Use:   "start [batch-id]",
		Short: "Start a pending batch (first stage transition)",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			svc := services(cmd)
			id := parseBatchID(args[0])
			stage, _ := cmd.Flags().GetString("stage")
			actor, _ := cmd.Flags().GetString("actor")
			result, err := svc.Batches.StartBatch(id, stage, service.TransitionOptions{ActorID: actor})
			if err != nil {
				fail("failed to start batch: %v", err)
			}
			fmt.Fprintf(os.Stdout, "Batch %d started at stage '%s' (%d tasks created)\n",
				id, result.Batch.StageName(), len(result.CreatedTasks))
		},
	}
	startCmd.Flags().String("stage", "", "Starting stage (required for no-workflow batches)")
	startCmd.Flags().String("actor", "", "Acting user ID")

	transitionCmd := &cobra.Command{
		Use:   "transition [batch-id] [to-stage]",
		Short: "Move a batch to the next stage",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			svc := services(cmd)
			id := parseBatchID(args[0])
			override, _ := cmd.Flags().GetBool("override")
			notes, _ := cmd.Flags().GetString("notes")
			actor, _ := cmd.Flags().GetString("actor")
			result, err := svc.Engine.Transition(id, args[1], service.TransitionOptions{
				Notes:    notes,
				ActorID:  actor,
				Override: override,
			})
			if err != nil {
				fail("transition rejected: %v", err)
			}
			fmt.Fprintf(os.Stdout, "Batch %d moved to stage '%s' (%s, %d tasks created)\n",
				id, result.Batch.StageName(), result.Batch.Status, len(result.CreatedTasks))
			if result.Automation != nil && result.Automation.Err != "" {
				fmt.Fprintf(os.Stdout, "Automation (%s) did not complete: %s\n", result.Automation.Kind, result.Automation.Err)
			}
		},
	}
	transitionCmd.Flags().Bool("override", false, "Manager override for rework or stage skipping")
	transitionCmd.Flags().String("notes", "", "Transition notes")
	transitionCmd.Flags().String("actor", "", "Acting user ID")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all production batches",
		Run: func(cmd *cobra.Command, args []string) {
			svc := services(cmd)
			batches, err := svc.Batches.ListBatches()
			if err != nil {
				fail("failed to list batches: %v", err)
			}
			if len(batches) == 0 {
				fmt.Fprintf(os.Stdout, "No batches found.\n")
				return
			}
			fmt.Fprintf(os.Stdout, "Batches:\n")
			for _, b := range batches {
				fmt.Fprintf(os.Stdout, "- ID: %d, Name: %s, Stage: %s, Status: %s, Items: %d, Created: %s\n",
					b.ID, b.Name, b.StageName(), statusColor(b.Status), len(b.ItemIDs), b.CreatedAt.Format(time.RFC3339))
			}
		},
	}

	holdCmd := &cobra.Command{
		Use:   "hold [batch-id]",
		Short: "Place a quality hold on a batch",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			svc := services(cmd)
			id := parseBatchID(args[0])
			reason, _ := cmd.Flags().GetString("reason")
			severity, _ := cmd.Flags().GetString("severity")
			reporter, _ := cmd.Flags().GetString("reporter")
			item, _ := cmd.Flags().GetInt64("item")
			req := service.PlaceHoldRequest{
				BatchID:    id,
				Reason:     reason,
				Severity:   models.HoldSeverity(severity),
				ReportedBy: reporter,
			}
			if item > 0 {
				req.OrderItemID = &item
			}
			hold, err := svc.Holds.PlaceHold(req)
			if err != nil {
				fail("failed to place hold: %v", err)
			}
			fmt.Fprintf(os.Stdout, "Placed %s hold %s on batch %d\n", hold.Severity, hold.ID, id)
		},
	}
	holdCmd.Flags().String("reason", "", "Hold reason")
	holdCmd.Flags().String("severity", "major", "Severity: critical, major or minor")
	holdCmd.Flags().String("reporter", "", "Reporting user ID")
	holdCmd.Flags().Int64("item", 0, "Limit the hold to one order item (optional)")

	resolveHoldCmd := &cobra.Command{
		Use:   "resolve-hold [hold-id]",
		Short: "Resolve a quality hold",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			svc := services(cmd)
			notes, _ := cmd.Flags().GetString("notes")
			actor, _ := cmd.Flags().GetString("actor")
			hold, err := svc.Holds.ResolveHold(args[0], notes, actor)
			if err != nil {
				fail("failed to resolve hold: %v", err)
			}
			fmt.Fprintf(os.Stdout, "Hold %s is now %s\n", hold.ID, hold.Status)
		},
	}
	resolveHoldCmd.Flags().String("notes", "", "Resolution notes (required)")
	resolveHoldCmd.Flags().String("actor", "", "Resolving user ID")

	importTemplateCmd := &cobra.Command{
		Use:   "import-template [file.yaml]",
		Short: "Import a workflow template definition from YAML",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			svc := services(cmd)
			data, err := os.ReadFile(args[0])
			if err != nil {
				fail("failed to read %s: %v", args[0], err)
			}
			t, err := models.ParseTemplate(data)
			if err != nil {
				fail("invalid template: %v", err)
			}
			id, err := svc.Templates.ImportTemplate(t)
			if err != nil {
				fail("failed to import template: %v", err)
			}
			fmt.Fprintf(os.Stdout, "Imported template '%s' with ID %d (%d stages)\n", t.Name, id, len(t.Stages))
		},
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the production API server",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig(cmd)
			store := initStore(cfg.DBConnStr)
			defer store.Close()
			ctx := context.Background()
			logger := log.GetLogger()
			pool := service.NewNotifierPool(ctx, service.NewLogNotifier(logger), logger,
				cfg.NotifyWorkers, cfg.NotifyQueueSize, cfg.NotifyWarnPct)
			defer pool.Stop()
			if err := internal_http.StartServer(ctx, cfg.Port, store, cfg, pool, nil); err != nil {
				fail("server error: %v", err)
			}
		},
	}

	rootCmd.AddCommand(createBatchCmd, startCmd, transitionCmd, listCmd, holdCmd, resolveHoldCmd, importTemplateCmd, serveCmd)
}

// services builds the full service stack against the --db flag for one-shot
// CLI commands. Notifications go to the log.
func services(cmd *cobra.Command) *internal_http.Services {
	cfg := loadConfig(cmd)
	store := initStore(cfg.DBConnStr)
	return internal_http.NewServices(context.Background(), store, cfg, service.NewLogNotifier(log.GetLogger()), nil)
}

func loadConfig(cmd *cobra.Command) config.Config {
	dbFlag, _ := cmd.Flags().GetString("db")
	cfg, err := config.Load()
	if err != nil {
		if dbFlag == "" {
			fail("configuration error: %v", err)
		}
		cfg = config.Config{
			Port:            "8080",
			SlowStageAfter:  30 * time.Minute,
			NotifyWorkers:   2,
			NotifyQueueSize: 64,
			NotifyWarnPct:   90,
		}
	}
	if dbFlag != "" {
		cfg.DBConnStr = dbFlag
	}
	return cfg
}

func initStore(dbConnStr string) *internal_storage.PostgresStore {
	store, err := internal_storage.InitStore(dbConnStr)
	if err != nil {
		log.GetLogger().Errorf("Failed to initialize store: %v", err)
		os.Exit(1)
	}
	return store
}

func parseItemIDs(items string) ([]int64, error) {
	if items == "" {
		return nil, fmt.Errorf("no items given")
	}
	var ids []int64
	for _, part := range strings.Split(items, ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func parseBatchID(arg string) int64 {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		fail("invalid batch id %q", arg)
	}
	return id
}

func statusColor(s models.BatchStatus) string {
	switch s {
	case models.ActiveBatchStatus:
		return color.GreenString(string(s))
	case models.OnHoldBatchStatus:
		return color.RedString(string(s))
	case models.CompletedBatchStatus:
		return color.CyanString(string(s))
	case models.CancelledBatchStatus:
		return color.YellowString(string(s))
	default:
		return string(s)
	}
}

func fail(format string, args ...interface{}) {
	log.GetLogger().Errorf(format, args...)
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
