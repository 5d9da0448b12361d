package main

import (
	"fmt"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete finished queue torrents past their retention once",
	RunE:  runSweep,
}

func runSweep(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.torrents.Sweep(ctx)
	if err != nil {
		return err
	}
	if report.Skipped {
		fmt.Printf("%s cleans up on its own, nothing to do.\n", a.torrents.Backend())
		return nil
	}

	fmt.Printf("Checked %d torrents: %d removed, %d removed with data, %d failed (%s freed).\n",
		report.Checked, report.Deleted, report.DeletedWithData, report.Failed,
		units.HumanSize(float64(report.FreedBytes)))
	return nil
}
