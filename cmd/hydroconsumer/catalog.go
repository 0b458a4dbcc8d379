package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"hydroconsumer/internal/catalog"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Maintain the measurement type catalog",
}

var catalogAddFlags struct {
	sc        int
	name      string
	parameter string
	unit      string
}

var catalogAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add or replace a measurement type",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if !cmd.Flags().Changed("sc") || catalogAddFlags.name == "" {
			return fmt.Errorf("--sc and --name are required")
		}
		mt := catalog.MeasurementType{ExaminationTypeSc: catalogAddFlags.sc, ExaminationType: catalogAddFlags.name}
		if catalogAddFlags.parameter != "" {
			mt.Parameter = &catalogAddFlags.parameter
		}
		if catalogAddFlags.unit != "" {
			mt.Unit = &catalogAddFlags.unit
		}
		return withCatalog(func(c catalog.Catalog, cmd *cobra.Command) error {
			return c.Upsert(cmd.Context(), mt)
		}, cmd)
	},
}

var catalogListCmd = &cobra.Command{
	Use:   "list",
	Short: "List measurement types",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withCatalog(func(c catalog.Catalog, cmd *cobra.Command) error {
			types, err := c.List(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, t := range types {
				if err := enc.Encode(t); err != nil {
					return err
				}
			}
			return nil
		}, cmd)
	},
}

func withCatalog(fn func(c catalog.Catalog, cmd *cobra.Command) error, cmd *cobra.Command) error {
	cfg, log, err := loadRuntime()
	if err != nil {
		return err
	}
	defer log.Sync()
	if !catalogPersisted(cfg.Store.Backend) {
		return fmt.Errorf("store backend %q does not persist the catalog", cfg.Store.Backend)
	}
	h, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer h.Close()
	return fn(h.Catalog, cmd)
}

func init() {
	f := catalogAddCmd.Flags()
	f.IntVar(&catalogAddFlags.sc, "sc", 0, "examination type code")
	f.StringVar(&catalogAddFlags.name, "name", "", "examination type name")
	f.StringVar(&catalogAddFlags.parameter, "parameter", "", "measured parameter")
	f.StringVar(&catalogAddFlags.unit, "unit", "", "unit of the result")
	catalogCmd.AddCommand(catalogAddCmd, catalogListCmd)
	RootCmd.AddCommand(catalogCmd)
}
