package cmd

import (
	"fmt"
	"io"

	"github.com/davecgh/go-spew/spew"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/glossopoeia/mvm/bytecode"
	"github.com/glossopoeia/mvm/types"
	"github.com/glossopoeia/mvm/vm"
)

var (
	sender     types.Address
	publishGas uint64
)

var publishCmd = &cobra.Command{
	Use:   "publish <bundle>",
	Short: "Publish the modules of a bundle to the configured storage",
	Long: `Publishes every module of the bundle in order. Without --sender each
module is published by its own address.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		blobs, _, err := readBlobs(args[0])
		if err != nil {
			return err
		}
		machine, err := vm.Open(cfg, nil)
		if err != nil {
			return err
		}
		defer machine.Close()
		return publishAll(cmd.OutOrStdout(), machine, blobs, cmd.Flags().Changed("sender"), publishGas)
	},
}

func readBlobs(path string) ([][]byte, *bytecode.Bundle, error) {
	b, data, err := readBundle(path)
	if err != nil {
		return nil, nil, err
	}
	blobs, _, err := bytecode.BundleModuleBlobs(data)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "splitting bundle %s", path)
	}
	return blobs, b, nil
}

func publishAll(out io.Writer, machine *vm.VM, blobs [][]byte, explicitSender bool, gas uint64) error {
	for _, blob := range blobs {
		m, err := bytecode.DecodeModule(blob)
		if err != nil {
			return err
		}
		from := m.ID.Address
		if explicitSender {
			from = sender
		}
		res, err := machine.PublishModule(blob, from, gas)
		if err != nil {
			return err
		}
		report(out, m.ID.String(), res)
		if !res.Succeeded() {
			return res.Status
		}
	}
	return nil
}

func report(out io.Writer, label string, res vm.Result) {
	if res.Succeeded() {
		fmt.Fprintf(out, "%s: executed, %d gas\n", label, res.GasUsed)
	} else {
		fmt.Fprintf(out, "%s: %s, %d gas\n", label, res.Status, res.GasUsed)
	}
	for i, v := range res.Returns {
		fmt.Fprintf(out, "  return %d: %s", i, spew.Sdump(v))
	}
	for _, ev := range res.Events {
		fmt.Fprintf(out, "  event %s: %x\n", ev.Type, ev.Data)
	}
}

func init() {
	rootCmd.AddCommand(publishCmd)
	publishCmd.Flags().Var(&sender, "sender", "address publishing the modules")
	publishCmd.Flags().Uint64Var(&publishGas, "gas", 1_000_000, "gas budget per module")
}
