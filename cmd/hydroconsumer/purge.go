package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var purgeFlags struct {
	keyFlags
	yes bool
}

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Hard-delete history under a key prefix (maintenance only)",
	Long: `Deletes every version record whose key starts with the given selectors.
Selectors narrow in key order: station, point, exam, at.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		prefix, err := purgeFlags.prefix(cmd)
		if err != nil {
			return err
		}
		if !purgeFlags.yes {
			return errors.New("refusing to purge without --yes")
		}
		cfg, log, err := loadRuntime()
		if err != nil {
			return err
		}
		defer log.Sync()
		h, err := openStore(cfg, log)
		if err != nil {
			return err
		}
		defer h.Close()

		n, err := h.Store.DeleteAll(cmd.Context(), prefix)
		if err != nil {
			return err
		}
		log.Warn("history purged", zap.String("station", prefix.StationID), zap.Int("records", n))
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %d records\n", n)
		return nil
	},
}

func init() {
	purgeFlags.register(purgeCmd)
	purgeCmd.Flags().BoolVar(&purgeFlags.yes, "yes", false, "confirm the purge")
	RootCmd.AddCommand(purgeCmd)
}
