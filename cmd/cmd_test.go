package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/glossopoeia/mvm/bytecode"
	"github.com/glossopoeia/mvm/runtime"
	"github.com/glossopoeia/mvm/types"
)

func TestParseArg(t *testing.T) {
	alice := types.AddressFromUint64(0xA11CE)
	testCases := []struct {
		in  string
		exp runtime.Value
	}{
		{"bool:true", true},
		{"u8:255", uint8(255)},
		{"u64:5", uint64(5)},
		{"u64:0x10", uint64(16)},
		{"u128:18446744073709551616", *new(uint256.Int).Lsh(uint256.NewInt(1), 64)},
		{"address:0xa11ce", alice},
		{"bytes:0x616263", runtime.Bytes([]byte("abc"))},
		{"utf8:abc", runtime.Bytes([]byte("abc"))},
	}

	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			v, err := parseArg(tc.in)
			require.NoError(t, err)
			require.True(t, runtime.Equals(tc.exp, v), "got %v", v)
		})
	}

	for _, bad := range []string{"5", "u8:256", "u128:340282366920938463463374607431768211456", "bytes:zz", "f32:1"} {
		t.Run(bad, func(t *testing.T) {
			_, err := parseArg(bad)
			require.Error(t, err)
		})
	}
}

func TestParseType(t *testing.T) {
	bank := types.ModuleID{Address: types.AddressFromUint64(0xB0B), Name: "Bank"}
	testCases := []struct {
		in  string
		exp types.Type
	}{
		{"u64", types.U64},
		{"vector<u8>", types.Vector{Elem: types.U8}},
		{"vector<vector<address>>", types.Vector{Elem: types.Vector{Elem: types.Addr}}},
		{"0xb0b::Bank::Coin", types.NewStruct(bank.Struct("Coin"))},
		{"0xb0b::Bank::Pair<u8, vector<bool>>", types.NewStruct(bank.Struct("Pair"), types.U8, types.Vector{Elem: types.Bool})},
	}

	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := parseType(tc.in)
			require.NoError(t, err)
			require.True(t, types.Equal(tc.exp, got), "got %s", got)
			// Types print in the notation they parse from.
			again, err := parseType(got.String())
			require.NoError(t, err)
			if diff := cmp.Diff(got, again); diff != "" {
				t.Errorf("reparse (-want +got):\n%s", diff)
			}
		})
	}

	for _, bad := range []string{"u16", "vector<u8", "vector<u8, u8>", "Bank::Coin", "u64>"} {
		t.Run(bad, func(t *testing.T) {
			_, err := parseType(bad)
			require.Error(t, err)
		})
	}
}

func writeBundle(t *testing.T) string {
	addr := types.AddressFromUint64(0xB0B)
	m := bytecode.NewModule(addr, "Counter")
	double := m.Declare("double", nil, []types.Type{types.U64}, []types.Type{types.U64})
	m.Define(double, true, nil, []bytecode.Instruction{
		bytecode.Instr(bytecode.COPY_LOC, 0), bytecode.Instr(bytecode.MOVE_LOC, 0), bytecode.Instr(bytecode.ADD), bytecode.Instr(bytecode.RET),
	})
	mod := m.Build()

	s := bytecode.NewScript(addr)
	h := s.FunctionHandle(bytecode.FunctionHandle{Module: mod.ID, Name: "double", Params: []types.Type{types.U64}, Returns: []types.Type{types.U64}})
	main := s.Declare(bytecode.ScriptFunction, nil, []types.Type{types.U64}, []types.Type{types.U64})
	s.Define(main, true, nil, []bytecode.Instruction{
		bytecode.Instr(bytecode.MOVE_LOC, 0), bytecode.Instr(bytecode.CALL, s.FunctionInst(h)), bytecode.Instr(bytecode.RET),
	})

	data, err := bytecode.EncodeBundle(&bytecode.Bundle{Modules: []*bytecode.Module{mod}, Script: s.Build()})
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "counter.bundle")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestCommands(t *testing.T) {
	bundle := writeBundle(t)

	out, err := execute(t, "verify", bundle)
	require.NoError(t, err)
	require.Equal(t, "0xb0b::Counter: ok\nscript: ok\n", out)

	out, err = execute(t, "disasm", bundle)
	require.NoError(t, err)
	require.Contains(t, out, "module 0xb0b::Counter")
	require.Contains(t, out, "script 0xb0b::script")

	out, err = execute(t, "run", bundle, "--publish", "--arg", "u64:21")
	require.NoError(t, err)
	require.Contains(t, out, "0xb0b::Counter: executed")
	require.Contains(t, out, "script: executed")
	require.Contains(t, out, "(uint64) 42")
}
