package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := loadRuntime()
		if err != nil {
			return err
		}
		defer log.Sync()
		if !isSQLBackend(cfg.Store.Backend) {
			return fmt.Errorf("store backend %q has no schema", cfg.Store.Backend)
		}
		db, err := openSQL(cfg, log, true)
		if err != nil {
			return err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	},
}

func init() {
	RootCmd.AddCommand(migrateCmd)
}
