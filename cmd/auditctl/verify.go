package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/smart-health/audit-api/internal/ledger"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Walk the whole hash chain in the database and report the first broken link",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := ledger.CheckHashing(); err != nil {
			return err
		}

		db, err := connect(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		logger := newLogger()
		defer logger.Sync() //nolint:errcheck

		engine := ledger.NewEngine(ledger.NewPostgresStore(db, logger), ledger.EngineConfig{}, logger)
		stats, err := engine.Stats(ctx)
		if err != nil {
			return err
		}

		if err := engine.Verify(ctx); err != nil {
			var chainErr *ledger.ChainError
			if errors.As(err, &chainErr) {
				fmt.Printf("✗ ledger BROKEN at sequence %d: %s\n", chainErr.Seq, chainErr.Reason)
			}
			return err
		}

		fmt.Printf("✓ ledger intact\n\n")
		fmt.Printf("  Entries: %d\n", stats.Entries)
		fmt.Printf("  Root:    %s\n", stats.Root)
		return nil
	},
}
