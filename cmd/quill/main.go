package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"quill/internal/app"
	"quill/internal/config"
	"quill/internal/database"
	"quill/internal/quill"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newApp reads the config and creates a wired App. The caller must defer a.Close().
func newApp() (*app.App, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	a, err := app.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}

	return a, nil
}

var rootCmd = &cobra.Command{
	Use:   "quill",
	Short: "Offline-first asset and sync tool for book projects",
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init SERVER_URL",
	Short: "Initialize configuration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg := config.NewConfig(defaults["base_dir"], args[0])

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Server:   %s\n", cfg.Remote.BaseURL)
		fmt.Printf("Base Dir: %s\n", cfg.BaseDir)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Server:     %s\n", cfg.Remote.BaseURL)
		fmt.Printf("Base Dir:   %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:    %s\n", cfg.LogDir)
		fmt.Printf("Store:      %s\n", cfg.Store.Root)
		fmt.Printf("Database:   %s (%s)\n", cfg.Database.Type, cfg.Database.DataDir)
		fmt.Printf("Sync every: %s, %d upload worker(s)\n", cfg.Sync.Interval(), cfg.Sync.UploadWorkers)
		return nil
	},
}

var configMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Bring the ledger schema up to date",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		ledger, err := database.NewLedgerFromConfig(cfg.Database)
		if err != nil {
			return fmt.Errorf("opening ledger: %w", err)
		}
		defer ledger.Close()

		if err := ledger.MigrateUp(); err != nil {
			return fmt.Errorf("migrating ledger: %w", err)
		}

		fmt.Println("Ledger schema is up to date.")
		return nil
	},
}

// import command
var importCmd = &cobra.Command{
	Use:   "import PATH",
	Short: "Import a file as an asset and attach it to an entity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		bookID, _ := cmd.Flags().GetString("book")
		entityType, _ := cmd.Flags().GetString("entity-type")
		entityID, _ := cmd.Flags().GetString("entity-id")
		role, _ := cmd.Flags().GetString("role")
		tags, _ := cmd.Flags().GetStringSlice("tag")
		desc, _ := cmd.Flags().GetString("desc")

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		target := quill.LinkTarget{
			EntityType: entityType,
			EntityID:   entityID,
			Role:       quill.Role(role),
		}
		meta := quill.LinkMeta{Tags: tags, Description: desc}

		ref, err := a.ImportFile(args[0], bookID, target, meta)
		if err != nil {
			return fmt.Errorf("import failed: %w", err)
		}

		if ref.WasReused {
			fmt.Printf("Reused existing asset %s (digest %s)\n", ref.AssetID, ref.Digest[:12])
		} else {
			fmt.Printf("Imported asset %s (digest %s)\n", ref.AssetID, ref.Digest[:12])
		}
		fmt.Printf("Link: %s\nLocal path: %s\nStatus: %s\n", ref.LinkID, ref.LocalPath, ref.Status)

		a.Kick()
		return nil
	},
}

// sync command
var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Synchronize with the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		watch, _ := cmd.Flags().GetBool("watch")

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if watch {
			fmt.Println("Watching for changes. Press Ctrl-C to stop.")
			if err := a.Watch(ctx); err != nil && err != context.Canceled {
				return err
			}
			return nil
		}

		report, err := a.SyncOnce(ctx)
		if err != nil {
			return fmt.Errorf("sync failed: %w", err)
		}

		fmt.Printf("Uploads:   %d uploaded, %d failed, %d skipped\n",
			report.Uploads.Uploaded, report.Uploads.Failed, report.Uploads.Skipped)
		fmt.Printf("Downloads: %d downloaded, %d matched, %d already known\n",
			report.Downloads.Downloaded, report.Downloads.Matched, report.Downloads.Known)
		fmt.Printf("Nodes:     %d pushed, %d pulled, %d unchanged, %d conflicted\n",
			report.Nodes.Pushed, report.Nodes.Pulled, report.Nodes.Unchanged, report.Nodes.Conflicted)
		return nil
	},
}

// status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "View asset and node sync state",
	RunE: func(cmd *cobra.Command, args []string) error {
		bookID, _ := cmd.Flags().GetString("book")

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		books := []string{bookID}
		if bookID == "" {
			books, err = a.Books()
			if err != nil {
				return err
			}
			if len(books) == 0 {
				fmt.Println("No books known.")
				return nil
			}
		}

		for _, book := range books {
			st, err := a.Status(book)
			if err != nil {
				return err
			}

			fmt.Printf("Book %s: %d asset(s), %d node(s), %d orphan(s), %d conflict(s)\n",
				st.BookID, len(st.Assets), len(st.Nodes), st.Orphans, st.Conflicted)

			for _, asset := range st.Assets {
				fmt.Printf("  %-14s %s  %s\n", asset.Status, asset.ID, asset.FileName)
			}
			for _, node := range st.Nodes {
				conflict := ""
				if node.ConflictState == quill.ConflictNeedsReview {
					conflict = "  [needs review]"
				}
				fmt.Printf("  %-14s %s  (%s)%s\n", node.SyncState, node.ID, node.Kind, conflict)
			}
		}
		return nil
	},
}

// retry command
var retryCmd = &cobra.Command{
	Use:   "retry ASSET_ID",
	Short: "Re-queue a failed asset for upload",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Retry(args[0]); err != nil {
			return fmt.Errorf("retry failed: %w", err)
		}

		fmt.Printf("Asset %s queued for upload.\n", args[0])
		return nil
	},
}

// unlink command
var unlinkCmd = &cobra.Command{
	Use:   "unlink LINK_ID",
	Short: "Detach an asset link; the asset itself is kept",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Unlink(args[0]); err != nil {
			return fmt.Errorf("unlink failed: %w", err)
		}

		fmt.Printf("Link %s removed.\n", args[0])
		return nil
	},
}

// gc command
var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Remove assets no link references",
	RunE: func(cmd *cobra.Command, args []string) error {
		bookID, _ := cmd.Flags().GetString("book")
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if dryRun {
			orphans, err := a.Orphans(bookID)
			if err != nil {
				return err
			}
			if len(orphans) == 0 {
				fmt.Println("No orphaned assets.")
				return nil
			}
			for _, asset := range orphans {
				fmt.Printf("%s  %s  %d bytes\n", asset.ID, asset.FileName, asset.SizeBytes)
			}
			return nil
		}

		count, err := a.DeleteOrphans(bookID)
		if err != nil {
			return fmt.Errorf("gc failed: %w", err)
		}

		fmt.Printf("Deleted %d orphaned asset(s).\n", count)
		return nil
	},
}

// node command
var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Manage hierarchy nodes",
}

var nodeAddCmd = &cobra.Command{
	Use:   "add NODE_ID",
	Short: "Register a hierarchy node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		bookID, _ := cmd.Flags().GetString("book")
		kind, _ := cmd.Flags().GetString("kind")

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.CreateNode(args[0], bookID, kind); err != nil {
			return fmt.Errorf("creating node: %w", err)
		}

		fmt.Printf("Node %s registered in book %s.\n", args[0], bookID)
		return nil
	},
}

var nodeEditCmd = &cobra.Command{
	Use:   "edit NODE_ID PAYLOAD_FILE",
	Short: "Record a local edit to a node payload",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := os.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("reading payload: %w", err)
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.EditNode(args[0], payload); err != nil {
			return fmt.Errorf("recording edit: %w", err)
		}

		fmt.Printf("Node %s marked dirty.\n", args[0])
		a.Kick()
		return nil
	},
}

// resolve command
var resolveCmd = &cobra.Command{
	Use:   "resolve NODE_ID",
	Short: "Settle a conflicted node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		choice, _ := cmd.Flags().GetString("choice")

		switch quill.ResolveChoice(choice) {
		case quill.ResolveLocal, quill.ResolveCloud, quill.ResolveMerge:
		default:
			return fmt.Errorf("invalid choice %q: must be one of %s",
				choice, strings.Join([]string{"local", "cloud", "merge"}, ", "))
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := a.Resolve(ctx, args[0], quill.ResolveChoice(choice)); err != nil {
			return fmt.Errorf("resolve failed: %w", err)
		}

		fmt.Printf("Node %s resolved (%s).\n", args[0], choice)
		return nil
	},
}

func init() {
	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)
	configCmd.AddCommand(configMigrateCmd)

	// import flags
	importCmd.Flags().String("book", "", "Book namespace")
	importCmd.Flags().String("entity-type", "", "Entity type (book, version, chapter, scene, character)")
	importCmd.Flags().String("entity-id", "", "Entity identifier")
	importCmd.Flags().String("role", "", "Attachment role (cover, avatar, gallery, illustration)")
	importCmd.Flags().StringSlice("tag", nil, "Tag to attach (repeatable)")
	importCmd.Flags().String("desc", "", "Link description")
	importCmd.MarkFlagRequired("book")
	importCmd.MarkFlagRequired("entity-type")
	importCmd.MarkFlagRequired("entity-id")
	importCmd.MarkFlagRequired("role")

	// sync flags
	syncCmd.Flags().BoolP("watch", "w", false, "Keep running and sync periodically")

	// status flags
	statusCmd.Flags().String("book", "", "Limit to one book namespace")

	// gc flags
	gcCmd.Flags().String("book", "", "Book namespace")
	gcCmd.Flags().Bool("dry-run", false, "List orphans without deleting")
	gcCmd.MarkFlagRequired("book")

	// node subcommands
	nodeCmd.AddCommand(nodeAddCmd)
	nodeCmd.AddCommand(nodeEditCmd)
	nodeAddCmd.Flags().String("book", "", "Book namespace")
	nodeAddCmd.Flags().String("kind", "", "Node kind (book, version, chapter, scene)")
	nodeAddCmd.MarkFlagRequired("book")
	nodeAddCmd.MarkFlagRequired("kind")

	// resolve flags
	resolveCmd.Flags().String("choice", "", "Resolution: local, cloud or merge")
	resolveCmd.MarkFlagRequired("choice")

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(unlinkCmd)
	rootCmd.AddCommand(gcCmd)
	rootCmd.AddCommand(nodeCmd)
	rootCmd.AddCommand(resolveCmd)
}
