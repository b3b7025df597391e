package cli

import (
	"github.com/spf13/cobra"

	"reprolock/internal/history"
)

func (a *App) historyCommand() *cobra.Command {
	list := &cobra.Command{
		Use:   "list [dir]",
		Short: "Print recorded verification runs, oldest first, one JSON line each",
		Args:  usageArgs(cobra.MaximumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := a.cfg.History.Dir
			if len(args) == 1 {
				dir = args[0]
			}
			if dir == "" {
				return invalidInvocationf("history list: no directory; pass one or set history.dir")
			}
			store, err := history.NewStore(dir)
			if err != nil {
				return err
			}
			runs, err := store.List()
			if err != nil {
				return err
			}
			for _, r := range runs {
				if err := a.report(r); err != nil {
					return err
				}
			}
			return nil
		},
	}
	return group("history", "Inspect the verification history", list)
}
