package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/steveyegge/claims/internal/storage"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a claims database in the current directory",
	Long: `Create .claims/claims.db in the current directory. Commands run anywhere
below this directory find the database automatically.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to get current directory: %w", err)
		}
		path, err := storage.InitProject(cwd)
		if err != nil {
			return err
		}

		// Opening the database applies the schema
		db, err := storage.NewStorage(context.WithoutCancel(cmd.Context()), &storage.Config{
			Backend: storage.BackendSQLite,
			Path:    path,
			Codec:   cfg.Storage.Codec,
			Logger:  logger,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		_ = db.Close()

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "\n%s Initialized claims database\n\n", green("✓"))
		fmt.Fprintf(w, "  Database: %s\n", cyan(path))
		fmt.Fprintf(w, "  Project root: %s\n\n", cyan(cwd))
		fmt.Fprintf(w, "%s Next: claims claim <issue-id> <claimant>\n", gray("→"))
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "claims %s\n", Version)
	},
}

func init() {
	rootCmd.AddCommand(initCmd, versionCmd)
}
