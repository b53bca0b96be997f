package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"fifoengine/internal/cogs"
	"fifoengine/internal/cogsapp"
)

// Run executes a one-shot CLI command and exits.
// args is os.Args[1:] — the first element is the subcommand name.
func Run(ctx context.Context, svc cogsapp.Service, args []string) {
	if len(args) == 0 {
		log.Fatal("Usage: cogsrun <run|get-run|list-runs|rollback|attributions|summaries|inventory|errors> ...")
	}

	switch args[0] {
	case "run":
		// cogsrun run <tenant-id> [run-id]   (ExecuteRunInput JSON on stdin)
		if len(args) < 2 {
			log.Fatal("Usage: cogsrun run <tenant-id> [run-id]")
		}
		var input cogs.ExecuteRunInput
		if err := json.NewDecoder(os.Stdin).Decode(&input); err != nil {
			log.Fatalf("Invalid JSON on stdin: %v", err)
		}
		input.TenantID = args[1]
		if len(args) >= 3 {
			input.RunID = args[2]
		}
		run, err := svc.CreateRun(ctx, input)
		if err != nil {
			log.Fatalf("Run failed: %v", err)
		}
		printRun(run)

	case "get-run":
		if len(args) < 3 {
			log.Fatal("Usage: cogsrun get-run <tenant-id> <run-id>")
		}
		run, err := svc.GetRun(ctx, args[1], args[2])
		if err != nil {
			log.Fatalf("Failed to get run: %v", err)
		}
		printRun(run)

	case "list-runs":
		if len(args) < 2 {
			log.Fatal("Usage: cogsrun list-runs <tenant-id> [limit]")
		}
		page := cogs.Pagination{}
		if len(args) >= 3 {
			if n, err := strconv.Atoi(args[2]); err == nil {
				page.Limit = n
			}
		}
		runs, err := svc.ListRuns(ctx, args[1], cogs.RunFilter{}, page)
		if err != nil {
			log.Fatalf("Failed to list runs: %v", err)
		}
		for _, r := range runs {
			printRun(r)
		}

	case "rollback":
		if len(args) < 3 {
			log.Fatal("Usage: cogsrun rollback <tenant-id> <run-id>")
		}
		run, err := svc.RollbackRun(ctx, args[1], args[2])
		if err != nil {
			log.Fatalf("Rollback failed: %v", err)
		}
		printRun(run)

	case "attributions":
		if len(args) < 3 {
			log.Fatal("Usage: cogsrun attributions <tenant-id> <run-id>")
		}
		attrs, err := svc.ReadAttributions(ctx, args[1], args[2], cogs.Pagination{})
		if err != nil {
			log.Fatalf("Failed to read attributions: %v", err)
		}
		printJSON(attrs)

	case "summaries":
		if len(args) < 3 {
			log.Fatal("Usage: cogsrun summaries <tenant-id> <run-id>")
		}
		summaries, err := svc.ReadSummaries(ctx, args[1], args[2])
		if err != nil {
			log.Fatalf("Failed to read summaries: %v", err)
		}
		printJSON(summaries)

	case "inventory":
		if len(args) < 2 {
			log.Fatal("Usage: cogsrun inventory <tenant-id> [sku...]")
		}
		var skus []string
		if len(args) > 2 {
			skus = args[2:]
		}
		lots, err := svc.ReadCurrentInventory(ctx, args[1], skus)
		if err != nil {
			log.Fatalf("Failed to read inventory: %v", err)
		}
		printJSON(lots)

	case "errors":
		if len(args) < 3 {
			log.Fatal("Usage: cogsrun errors <tenant-id> <run-id>")
		}
		errs, err := svc.ListValidationErrors(ctx, args[1], args[2])
		if err != nil {
			log.Fatalf("Failed to list validation errors: %v", err)
		}
		printJSON(errs)

	default:
		log.Fatalf("Unknown command: %s\nAvailable: run, get-run, list-runs, rollback, attributions, summaries, inventory, errors", args[0])
	}
}

func printRun(r cogs.Run) {
	fmt.Println(strings.Repeat("-", 60))
	fmt.Printf("  run_id:    %s\n", r.RunID)
	fmt.Printf("  tenant_id: %s\n", r.TenantID)
	fmt.Printf("  status:    %s\n", r.Status)
	fmt.Printf("  mode:      %s\n", r.Mode)
	if r.CompletedAt != nil {
		fmt.Printf("  completed: %s\n", r.CompletedAt.Format("2006-01-02T15:04:05Z"))
	}
	fmt.Printf("  cogs:      %s\n", r.TotalCOGSPosted.StringFixed(2))
	fmt.Println(strings.Repeat("-", 60))
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
