package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var historyFlags struct {
	keyFlags
	jsonOut bool
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print the version history of one measurement",
	RunE: func(cmd *cobra.Command, _ []string) error {
		key, err := historyFlags.key(cmd)
		if err != nil {
			return err
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

		recs, err := h.Store.History(cmd.Context(), key)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if historyFlags.jsonOut {
			enc := json.NewEncoder(out)
			for _, r := range recs {
				if err := enc.Encode(r); err != nil {
					return err
				}
			}
			return nil
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "CREATED\tCURRENT\tVALUE\tSOURCE TS")
		for _, r := range recs {
			value := "-"
			if r.Value != nil {
				value = fmt.Sprintf("%g", *r.Value)
			}
			fmt.Fprintf(tw, "%s\t%t\t%s\t%s\n", formatTime(&r.CreatedAt), r.IsCurrent, value, formatTime(r.SourceEventTimestamp))
		}
		return tw.Flush()
	},
}

func init() {
	historyFlags.register(historyCmd)
	historyCmd.Flags().BoolVar(&historyFlags.jsonOut, "json", false, "print one JSON record per line")
	RootCmd.AddCommand(historyCmd)
}
