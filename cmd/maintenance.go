package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Finalize runs whose tasks have all reported, once",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "maintenance")
		if err != nil {
			return err
		}
		defer env.Close()

		rep, err := env.Reconciler.Reconcile(ctx)
		if err != nil {
			return err
		}
		return printJSON(rep)
	},
}

var scrubCmd = &cobra.Command{
	Use:   "scrub",
	Short: "Republish orphaned enrich and vectorize work, once",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "maintenance")
		if err != nil {
			return err
		}
		defer env.Close()

		rep, err := env.Scrubber.Scrub(ctx)
		if err != nil {
			return err
		}
		return printJSON(rep)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the database schema",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("maintenance"); err != nil {
			return err
		}
		st, err := openStore(ctx)
		if err != nil {
			return eris.Wrap(err, "migrate")
		}
		defer st.Close() //nolint:errcheck
		fmt.Fprintf(os.Stdout, "Schema up to date (%s).\n", cfg.Store.Driver)
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration with secrets masked",
	RunE: func(_ *cobra.Command, _ []string) error {
		out, err := cfg.YAML()
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(out)
		return err
	},
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(scrubCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(configCmd)
}
