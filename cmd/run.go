package cmd

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/glossopoeia/mvm/vm"
)

var (
	runGas      uint64
	runArgs     []string
	runTypeArgs []string
	runFunction string
	runPublish  bool
)

var runCmd = &cobra.Command{
	Use:   "run <bundle>",
	Short: "Run the script of a bundle, or a published function",
	Long: `Runs the bundle's script with the given arguments. With --function the
named public function runs instead, for example --function 0xb0b::Bank::mint.
Arguments are written kind:value, for example --arg u64:5 --arg address:0xa11ce.
With --publish the bundle's modules are published first.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		blobs, b, err := readBlobs(args[0])
		if err != nil {
			return err
		}
		vals, err := parseArgs(runArgs)
		if err != nil {
			return err
		}
		typeArgs, err := parseTypes(runTypeArgs)
		if err != nil {
			return err
		}

		machine, err := vm.Open(cfg, nil)
		if err != nil {
			return err
		}
		defer machine.Close()

		out := cmd.OutOrStdout()
		if runPublish {
			if err := publishAll(out, machine, blobs, false, runGas); err != nil {
				return err
			}
		}

		var res vm.Result
		label := "script"
		if runFunction != "" {
			id, name, err := parseFunction(runFunction)
			if err != nil {
				return err
			}
			label = runFunction
			res, err = machine.ExecuteFunction(id, name, typeArgs, vals, runGas)
			if err != nil {
				return err
			}
		} else {
			if b.Script == nil {
				return errors.Errorf("bundle %s has no script; use --function", args[0])
			}
			res, err = machine.ExecuteScript(b.Script, typeArgs, vals, runGas)
			if err != nil {
				return err
			}
		}
		report(out, label, res)
		if !res.Succeeded() {
			return res.Status
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().Uint64Var(&runGas, "gas", 1_000_000, "gas budget")
	runCmd.Flags().StringArrayVar(&runArgs, "arg", nil, "argument as kind:value (repeatable)")
	runCmd.Flags().StringArrayVar(&runTypeArgs, "type-arg", nil, "type argument (repeatable)")
	runCmd.Flags().StringVar(&runFunction, "function", "", "run address::Module::name instead of the script")
	runCmd.Flags().BoolVar(&runPublish, "publish", false, "publish the bundle's modules first")
}
