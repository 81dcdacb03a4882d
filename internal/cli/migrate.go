package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/andywolf/swarmd/internal/config"
	"github.com/andywolf/swarmd/internal/logx"
	"github.com/andywolf/swarmd/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations and exit",
	Long: `Open the state database at DB_PATH, run any pending goose migrations,
and exit. store.Open already does this automatically on every startup; this
command exists for operators who want to apply schema changes ahead of a
deploy without starting the full orchestrator.`,
	RunE: runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logx.New("migrate")
	st, err := store.Open(cfg.DBPath, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	fmt.Printf("swarmd: migrations applied to %s\n", cfg.DBPath)
	return nil
}
