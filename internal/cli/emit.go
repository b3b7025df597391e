package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"reprolock/internal/canon"
	"reprolock/internal/emit"
	"reprolock/internal/fsys"
	"reprolock/internal/record"
)

func (a *App) emitCommand() *cobra.Command {
	var (
		name string
		aux  []string
	)
	cmd := &cobra.Command{
		Use:   "emit <schema> <input.json>",
		Short: "Write a run record as a canonical artifact under the data root",
		Long: `emit reads a run record from input.json, binds it to schema and writes
telemetry/<name>.json under the data root (--data-root, DATA_ROOT or
data_root in the config file). It prints the artifact path and its
SHA-256.`,
		Args: usageArgs(cobra.ExactArgs(2)),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runEmit(cmd, args[0], args[1], name, aux)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Artifact name (default: input file stem)")
	cmd.Flags().StringArrayVar(&aux, "aux", nil, "Auxiliary file as name=path=source (repeatable)")
	cmd.Flags().String("data-root", "", "Artifact root (overrides DATA_ROOT)")
	a.bind("data_root", cmd.Flags().Lookup("data-root"))
	return cmd
}

func (a *App) runEmit(cmd *cobra.Command, schema, input, name string, auxSpecs []string) error {
	if a.cfg.DataRoot == "" {
		return invalidInvocationf("emit: no data root; set --data-root or DATA_ROOT")
	}
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
	}

	data, err := os.ReadFile(input)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	v, err := canon.Unmarshal(data)
	if err != nil {
		return fmt.Errorf("input %s: %w", input, err)
	}
	tree, ok := v.(map[string]any)
	if !ok {
		return fmt.Errorf("%w: input %s is not a JSON object", record.ErrInvalidRecord, input)
	}
	if got, ok := tree[record.KeySchema]; ok && got != schema {
		return fmt.Errorf("%w: input schema %v does not match %s", record.ErrInvalidRecord, got, schema)
	}
	tree[record.KeySchema] = schema
	rec, err := record.FromTree(tree)
	if err != nil {
		return err
	}

	req := emit.Request{Experiment: name, Record: rec}
	for _, spec := range auxSpecs {
		f, err := parseAux(spec)
		if err != nil {
			return err
		}
		req.Aux = append(req.Aux, f)
	}

	e := emit.New(fsys.OS(a.cfg.DataRoot), emit.WithLogger(a.log), emit.WithMetrics(a.metrics))
	desc, err := e.Emit(cmd.Context(), req)
	if err != nil {
		return err
	}
	return a.report(desc)
}
