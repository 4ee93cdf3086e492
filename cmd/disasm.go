package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/glossopoeia/mvm/bytecode"
)

var disasmCmd = &cobra.Command{
	Use:   "disasm <bundle>",
	Short: "Print a readable listing of every unit in a bundle",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		b, _, err := readBundle(args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		units := b.Modules
		if b.Script != nil {
			units = append(units, b.Script)
		}
		for i, m := range units {
			if i > 0 {
				fmt.Fprintln(out)
			}
			bytecode.NewDisassembler(m, out).Disassemble()
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(disasmCmd)
}
