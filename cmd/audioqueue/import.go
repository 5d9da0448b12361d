package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Run the import command over finished torrents once",
	RunE:  runImport,
}

func runImport(cmd *cobra.Command, args []string) error {
	if !cfg.Import.Enabled {
		return errors.New("import is disabled, set import.enabled and import.command")
	}

	ctx := cmd.Context()
	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := newImportRunner(a).Run(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Imported %d, failed %d, skipped %d.\n", report.Imported, report.Failed, report.Skipped)
	return nil
}
