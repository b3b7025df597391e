package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"reprolock/internal/constants"
)

type constantsHashReport struct {
	Path    string `json:"path"`
	Version string `json:"version"`
	Hash    string `json:"hash"`
}

type constantsDriftRow struct {
	Path  string `json:"path"`
	OK    bool   `json:"ok"`
	Drift string `json:"drift,omitempty"`
	Hash  string `json:"hash,omitempty"`
	Error string `json:"error,omitempty"`
}

type constantsDriftReport struct {
	Reference string              `json:"reference"`
	Hash      string              `json:"hash"`
	Tolerance float64             `json:"tolerance"`
	Results   []constantsDriftRow `json:"results"`
}

func (a *App) constantsCommand() *cobra.Command {
	hash := &cobra.Command{
		Use:   "hash <constants-file>",
		Short: "Print the content hash an artifact's constants_ref must carry",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := constants.LoadFile(args[0])
			if err != nil {
				return err
			}
			return a.report(constantsHashReport{Path: args[0], Version: rec.Version, Hash: rec.Hash()})
		},
	}

	var tolerance float64
	drift := &cobra.Command{
		Use:   "drift <reference> <other>...",
		Short: "Compare constants files with a reference within an absolute tolerance",
		Args:  usageArgs(cobra.MinimumNArgs(2)),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runConstantsDrift(cmd, args[0], args[1:], tolerance)
		},
	}
	drift.Flags().Float64Var(&tolerance, "tolerance", 0, "Absolute tolerance; values agree when their distance is below it")

	return group("constants", "Inspect constants records", hash, drift)
}

func (a *App) runConstantsDrift(cmd *cobra.Command, refPath string, others []string, tolerance float64) error {
	ref, err := constants.LoadFile(refPath)
	if err != nil {
		return err
	}
	results, err := constants.CheckAll(cmd.Context(), ref, others, tolerance)
	if err != nil {
		return err
	}

	out := constantsDriftReport{Reference: refPath, Hash: ref.Hash(), Tolerance: tolerance}
	var errs []error
	for _, r := range results {
		row := constantsDriftRow{Path: r.Path}
		if r.Record != nil {
			row.Hash = r.Record.Hash()
		}
		switch {
		case r.Err != nil:
			row.Error = r.Err.Error()
			errs = append(errs, fmt.Errorf("%s: %w", r.Path, r.Err))
		case r.Report.OK():
			row.OK = true
		default:
			row.Drift = r.Report.String()
			errs = append(errs, fmt.Errorf("%s: %w", r.Path, r.Report.Err()))
		}
		out.Results = append(out.Results, row)
		a.log.Debug("constants checked", "path", r.Path, "ok", row.OK)
	}
	if err := a.report(out); err != nil {
		return err
	}
	return errors.Join(errs...)
}
