package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/glossopoeia/mvm/bytecode"
	"github.com/glossopoeia/mvm/natives"
	"github.com/glossopoeia/mvm/verifier"
)

// verifyCmd checks every unit in a bundle without touching storage. Each
// module may depend on the core modules and on the modules before it.
var verifyCmd = &cobra.Command{
	Use:   "verify <bundle>",
	Short: "Verify the modules and script in a bundle",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		b, _, err := readBundle(args[0])
		if err != nil {
			return err
		}
		v := verifier.New(cfg.MaxTypeDepth, cfg.KindCacheSize)
		deps := natives.Modules()
		units := b.Modules
		if b.Script != nil {
			units = append(units, b.Script)
		}
		out := cmd.OutOrStdout()
		for _, m := range units {
			if err := v.Verify(m, deps); err != nil {
				return err
			}
			fmt.Fprintf(out, "%s: ok\n", unitName(m))
			deps = append(deps, m)
		}
		return nil
	},
}

func unitName(m *bytecode.Module) string {
	if m.Script {
		return "script"
	}
	return m.ID.String()
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}
