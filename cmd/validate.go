// cmd/validate.go
package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/handrail/internal/packfile"
	"github.com/xkilldash9x/handrail/internal/runner"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <pack.yaml>...",
		Short: "Check packs against their guardrails and flow rules without running them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd.OutOrStdout(), args)
		},
	}
}

// runValidate prints every violation in each pack and fails if any pack has one.
func runValidate(out io.Writer, paths []string) error {
	invalid := 0
	for _, path := range paths {
		pack, err := packfile.LoadPack(path)
		if err != nil {
			invalid++
			fmt.Fprintf(out, "%s: %v\n", path, err)
			continue
		}
		problems := runner.ValidatePack(pack)
		if len(problems) == 0 {
			fmt.Fprintf(out, "%s: ok\n", path)
			continue
		}
		invalid++
		fmt.Fprintf(out, "%s: %d problem(s)\n", path, len(problems))
		for _, p := range problems {
			fmt.Fprintf(out, "  - %s\n", p)
		}
	}
	if invalid > 0 {
		return fmt.Errorf("%d of %d packs are invalid", invalid, len(paths))
	}
	return nil
}
