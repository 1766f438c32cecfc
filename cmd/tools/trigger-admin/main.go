// cmd/tools/trigger-admin/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"practice-rules-engine/internal/common/config"
	"practice-rules-engine/internal/common/database"
	"practice-rules-engine/internal/common/logger"
	"practice-rules-engine/internal/engine/registry"
	catalog "practice-rules-engine/pkg/registry"
)

var catalogPath string

func main() {
	validateCmd := flag.NewFlagSet("validate", flag.ExitOnError)
	importCmd := flag.NewFlagSet("import", flag.ExitOnError)
	listCmd := flag.NewFlagSet("list", flag.ExitOnError)
	disableCmd := flag.NewFlagSet("disable", flag.ExitOnError)
	enableCmd := flag.NewFlagSet("enable", flag.ExitOnError)

	validateCmd.StringVar(&catalogPath, "path", "configs/trigger-catalog.json", "Path to catalog file")
	importCmd.StringVar(&catalogPath, "path", "configs/trigger-catalog.json", "Path to catalog file")
	idDisable := disableCmd.String("id", "", "Trigger ID to disable")
	idEnable := enableCmd.String("id", "", "Trigger ID to enable")

	if len(os.Args) < 2 {
		help()
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "validate":
		validateCmd.Parse(os.Args[2:])
		err = validateCatalog()

	case "import":
		importCmd.Parse(os.Args[2:])
		err = withRegistry(ctx, func(reg *registry.Registry) error {
			return importCatalog(ctx, reg)
		})

	case "list":
		listCmd.Parse(os.Args[2:])
		err = withRegistry(ctx, func(reg *registry.Registry) error {
			return listTriggers(ctx, reg)
		})

	case "disable":
		disableCmd.Parse(os.Args[2:])
		if *idDisable == "" {
			fmt.Println("Error: id is required for disable.")
			disableCmd.Usage()
			os.Exit(1)
		}
		err = withRegistry(ctx, func(reg *registry.Registry) error {
			if err := reg.DisableTrigger(ctx, *idDisable); err != nil {
				return err
			}
			fmt.Printf("Disabled trigger %s\n", *idDisable)
			return nil
		})

	case "enable":
		enableCmd.Parse(os.Args[2:])
		if *idEnable == "" {
			fmt.Println("Error: id is required for enable.")
			enableCmd.Usage()
			os.Exit(1)
		}
		err = withRegistry(ctx, func(reg *registry.Registry) error {
			if err := reg.EnableTrigger(ctx, *idEnable); err != nil {
				return err
			}
			fmt.Printf("Enabled trigger %s\n", *idEnable)
			return nil
		})

	case "help":
		help()
		return

	default:
		help()
		os.Exit(1)
	}

	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func validateCatalog() error {
	c, err := catalog.LoadCatalog(catalogPath)
	if err != nil {
		return fmt.Errorf("failed to load catalog: %w", err)
	}
	if errs := catalog.Validate(c); len(errs) > 0 {
		for _, e := range errs {
			fmt.Printf("  - %v\n", e)
		}
		return fmt.Errorf("catalog has %d invalid entries", len(errs))
	}
	fmt.Printf("Catalog validation passed. Found %d templates and %d triggers.\n", len(c.Templates), len(c.Triggers))
	return nil
}

func importCatalog(ctx context.Context, reg *registry.Registry) error {
	if err := validateCatalog(); err != nil {
		return err
	}
	c, err := catalog.LoadCatalog(catalogPath)
	if err != nil {
		return err
	}
	templates, triggers, err := catalog.Import(ctx, c, reg)
	if err != nil {
		return err
	}
	fmt.Printf("Imported %d templates and %d triggers.\n", templates, triggers)
	return nil
}

func listTriggers(ctx context.Context, reg *registry.Registry) error {
	defs, err := reg.ListTriggers(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tEVENT TYPE\tTEMPLATE\tENABLED\tUPDATED")
	for _, d := range defs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n", d.ID, d.EventType, d.TemplateID, d.Enabled, d.UpdatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

// withRegistry connects to Postgres, and to Redis when the trigger cache is
// enabled so writes invalidate it.
func withRegistry(ctx context.Context, fn func(*registry.Registry) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}
	log := logger.NewStructured("warn", "console")

	pg, err := database.NewPostgres(cfg.Database.Postgres)
	if err != nil {
		return err
	}
	defer pg.Close()
	if err := pg.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}

	store := registry.NewPgStore(pg.DB)
	var source registry.Source = store
	if cfg.Registry.CacheEnabled {
		rdb, err := database.NewRedis(cfg.Database.Redis)
		if err != nil {
			return err
		}
		defer rdb.Close()
		source = registry.NewCachedSource(store, rdb.Client, time.Duration(cfg.Registry.CacheTTL)*time.Second, log)
	}

	return fn(registry.New(source, store, log))
}

func help() {
	fmt.Print(`
Usage: trigger-admin <command> [flags]

Commands:
  validate  Validate a trigger catalog file offline
  import    Validate and import a catalog into the registry
  list      List stored triggers
  disable   Disable a trigger
  enable    Re-enable a trigger
  help      Show this help message

Examples:
  trigger-admin validate -path configs/trigger-catalog.json
  trigger-admin import -path configs/trigger-catalog.json
  trigger-admin disable -id task-overdue-escalation

Use 'trigger-admin <command> -h' for more information about a command.
` + "\n")
}
