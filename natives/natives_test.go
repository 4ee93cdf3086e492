package natives

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ed25519"
	"golang.org/x/crypto/sha3"

	"github.com/glossopoeia/mvm/bytecode"
	"github.com/glossopoeia/mvm/gas"
	"github.com/glossopoeia/mvm/runtime"
	"github.com/glossopoeia/mvm/status"
	"github.com/glossopoeia/mvm/storage"
	"github.com/glossopoeia/mvm/types"
)

type moduleMap map[types.ModuleID]*bytecode.Module

func (mm moduleMap) Module(id types.ModuleID) (*bytecode.Module, error) {
	m, ok := mm[id]
	if !ok {
		return nil, status.Newf(status.LinkerError, "no module %s", id)
	}
	return m, nil
}

func core(name string) types.ModuleID {
	return types.ModuleID{Address: types.CoreAddress, Name: name}
}

// A module that calls into every family of natives.
func demoModule() *bytecode.Module {
	b := bytecode.NewModule(types.AddressFromUint64(0xCAFE), "Demo")
	op := bytecode.Instr
	u64 := types.U64
	vecU64 := types.Vector{Elem: u64}

	native := func(module, name string, tps []types.Kind, params, returns []types.Type, args ...types.Type) uint64 {
		h := b.FunctionHandle(bytecode.FunctionHandle{Module: core(module), Name: name, TypeParams: tps, Params: params, Returns: returns})
		return b.FunctionInst(h, args...)
	}
	all := []types.Kind{types.All}
	digest := native("Hash", "sha3_256", nil, []types.Type{bytesT}, []types.Type{bytesT})
	empty := native("Vector", "empty", all, nil, []types.Type{vecT0}, u64)
	push := native("Vector", "push_back", all, []types.Type{types.MutRef(vecT0), t0}, nil, u64)
	pop := native("Vector", "pop_back", all, []types.Type{types.MutRef(vecT0)}, []types.Type{t0}, u64)
	length := native("Vector", "length", all, []types.Type{types.Ref(vecT0)}, []types.Type{u64}, u64)
	borrow := native("Vector", "borrow", all, []types.Type{types.Ref(vecT0), u64}, []types.Type{types.Ref(t0)}, u64)
	borrowMut := native("Vector", "borrow_mut", all, []types.Type{types.MutRef(vecT0), u64}, []types.Type{types.MutRef(t0)}, u64)
	destroy := native("Vector", "destroy_empty", all, []types.Type{vecT0}, nil, u64)
	emitU64 := native("Event", "emit", []types.Kind{types.Copyable}, []types.Type{t0}, nil, u64)
	height := native("Block", "get_current_block_height", nil, nil, []types.Type{u64})
	clock := native("Time", "now", nil, nil, []types.Type{u64})
	quote := native("Oracle", "get_price", nil, []types.Type{bytesT}, []types.Type{types.U128})

	define := func(name string, params, returns, locals []types.Type, code ...bytecode.Instruction) {
		b.Define(b.Declare(name, nil, params, returns), true, locals, code)
	}
	define("hash", []types.Type{bytesT}, []types.Type{bytesT}, nil,
		op(bytecode.MOVE_LOC, 0), op(bytecode.CALL, digest), op(bytecode.RET))
	define("stack", nil, []types.Type{u64, u64}, []types.Type{vecU64},
		op(bytecode.CALL, empty), op(bytecode.ST_LOC, 0),
		op(bytecode.MUT_BORROW_LOC, 0), op(bytecode.LD_U64, 1), op(bytecode.CALL, push),
		op(bytecode.MUT_BORROW_LOC, 0), op(bytecode.LD_U64, 2), op(bytecode.CALL, push),
		op(bytecode.MUT_BORROW_LOC, 0), op(bytecode.CALL, pop),
		op(bytecode.IMM_BORROW_LOC, 0), op(bytecode.CALL, length),
		op(bytecode.RET))
	define("underflow", nil, []types.Type{u64}, []types.Type{vecU64},
		op(bytecode.CALL, empty), op(bytecode.ST_LOC, 0),
		op(bytecode.MUT_BORROW_LOC, 0), op(bytecode.CALL, pop), op(bytecode.RET))
	define("destroy", nil, nil, []types.Type{vecU64},
		op(bytecode.CALL, empty), op(bytecode.ST_LOC, 0),
		op(bytecode.MUT_BORROW_LOC, 0), op(bytecode.LD_U64, 1), op(bytecode.CALL, push),
		op(bytecode.MOVE_LOC, 0), op(bytecode.CALL, destroy), op(bytecode.RET))
	define("poke", nil, []types.Type{u64}, []types.Type{vecU64},
		op(bytecode.CALL, empty), op(bytecode.ST_LOC, 0),
		op(bytecode.MUT_BORROW_LOC, 0), op(bytecode.LD_U64, 5), op(bytecode.CALL, push),
		op(bytecode.LD_U64, 9), op(bytecode.MUT_BORROW_LOC, 0), op(bytecode.LD_U64, 0), op(bytecode.CALL, borrowMut),
		op(bytecode.WRITE_REF),
		op(bytecode.IMM_BORROW_LOC, 0), op(bytecode.LD_U64, 0), op(bytecode.CALL, borrow), op(bytecode.READ_REF),
		op(bytecode.RET))
	define("emit", []types.Type{u64}, nil, nil,
		op(bytecode.MOVE_LOC, 0), op(bytecode.CALL, emitU64), op(bytecode.RET))
	define("height", nil, []types.Type{u64}, nil, op(bytecode.CALL, height), op(bytecode.RET))
	define("clock", nil, []types.Type{u64}, nil, op(bytecode.CALL, clock), op(bytecode.RET))
	define("quote", []types.Type{bytesT}, []types.Type{types.U128}, nil,
		op(bytecode.MOVE_LOC, 0), op(bytecode.CALL, quote), op(bytecode.RET))
	return b.Build()
}

type demo struct {
	m      *runtime.Machine
	module *runtime.LoadedModule
}

func newDemo(t *testing.T) *demo {
	schedule := gas.DefaultSchedule()
	table := runtime.NewNativeTable(schedule)
	Register(table)

	source := moduleMap{}
	for _, m := range Modules() {
		source[m.ID] = m
	}
	mod := demoModule()
	source[mod.ID] = mod

	loader := runtime.NewLoader(source, table, 32, 64)
	lm, err := loader.Load(mod.ID)
	require.NoError(t, err)
	data := runtime.NewDataCache(storage.NewMemory(), runtime.NewValueCodec(loader, 32))
	return &demo{runtime.NewMachine(loader, data, schedule, 64), lm}
}

func (d *demo) run(t *testing.T, name string, args ...runtime.Value) runtime.ExecutionResult {
	fn, ok := d.module.FunctionByName(name)
	require.True(t, ok, "function %s", name)
	res, err := d.m.Execute(fn, nil, args, 10000)
	require.NoError(t, err)
	return res
}

func decodeHex(t *testing.T, s string) []byte {
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

func TestHashes(t *testing.T) {
	testCases := []struct {
		name string
		fn   runtime.NativeFunc
		exp  string
	}{
		{"Sha3", hashOp(sha3.New256).run, "3a985da74fe225b2045c172d6bd390bd855f086e3e9d525b46bfe24511431532"},
		{"Sha2", hashOp(sha256.New).run, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := tc.fn(nil, nil, []runtime.Value{runtime.Bytes([]byte("abc"))})
			require.NoError(t, err)
			digest, ok := runtime.ToBytes(res[0])
			require.True(t, ok)
			require.Equal(t, decodeHex(t, tc.exp), digest)
		})
	}
}

func TestHashGasScalesWithInput(t *testing.T) {
	d := newDemo(t)

	res := d.run(t, "hash", runtime.Bytes([]byte("abc")))
	require.True(t, res.Succeeded())
	digest, _ := runtime.ToBytes(res.Returns[0])
	require.Equal(t, decodeHex(t, "3a985da74fe225b2045c172d6bd390bd855f086e3e9d525b46bfe24511431532"), digest)

	empty := d.run(t, "hash", runtime.Bytes(nil))
	require.True(t, empty.Succeeded())
	require.Equal(t, uint64(3), res.GasUsed-empty.GasUsed)
}

func TestEd25519Verify(t *testing.T) {
	priv := ed25519.NewKeyFromSeed(make([]byte, ed25519.SeedSize))
	pub := priv.Public().(ed25519.PublicKey)
	msg := []byte("transfer 10")
	sig := ed25519.Sign(priv, msg)

	testCases := []struct {
		name string
		sig  []byte
		key  []byte
		msg  []byte
		exp  bool
	}{
		{"Valid", sig, pub, msg, true},
		{"WrongMessage", sig, pub, []byte("transfer 11"), false},
		{"ShortKey", sig, pub[:10], msg, false},
		{"ShortSignature", sig[:10], pub, msg, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := verifyEd25519(nil, nil, []runtime.Value{runtime.Bytes(tc.sig), runtime.Bytes(tc.key), runtime.Bytes(tc.msg)})
			require.NoError(t, err)
			require.Equal(t, []runtime.Value{tc.exp}, res)
		})
	}
}

func TestVectorNatives(t *testing.T) {
	d := newDemo(t)

	res := d.run(t, "stack")
	require.True(t, res.Succeeded())
	require.Equal(t, []runtime.Value{uint64(2), uint64(1)}, res.Returns)

	res = d.run(t, "poke")
	require.True(t, res.Succeeded())
	require.Equal(t, []runtime.Value{uint64(9)}, res.Returns)

	res = d.run(t, "underflow")
	require.False(t, res.Succeeded())
	require.Equal(t, status.VectorIndexOutOfBounds, res.Abort.Code)

	res = d.run(t, "destroy")
	require.False(t, res.Succeeded())
	require.Equal(t, status.VectorNotEmpty, res.Abort.Code)
}

func TestEmit(t *testing.T) {
	d := newDemo(t)
	require.True(t, d.run(t, "emit", uint64(5)).Succeeded())

	events := d.m.Data().Events()
	require.Len(t, events, 1)
	require.Equal(t, types.Type(types.U64), events[0].Type)
	require.Equal(t, []byte{0x05}, events[0].Data)
	require.Equal(t, d.module.ID, events[0].Caller)
}

type prices map[string]runtime.U128

func (p prices) Price(ticker string) (runtime.U128, bool) {
	v, ok := p[ticker]
	return v, ok
}

func TestHostNatives(t *testing.T) {
	testCases := []struct {
		name string
		fn   string
		args []runtime.Value
		exp  runtime.Value
	}{
		{"BlockHeight", "height", nil, uint64(100)},
		{"Now", "clock", nil, uint64(1700000000)},
		{"Price", "quote", []runtime.Value{runtime.Bytes([]byte("ETH_USD"))}, *uint256.NewInt(2500)},
	}

	d := newDemo(t)
	d.m.Context = runtime.ExecutionContext{BlockHeight: 100, Timestamp: 1700000000}
	d.m.Oracle = prices{"ETH_USD": *uint256.NewInt(2500)}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			res := d.run(t, tc.fn, tc.args...)
			require.True(t, res.Succeeded(), "%v", res.Abort)
			require.Equal(t, []runtime.Value{tc.exp}, res.Returns)
		})
	}

	res := d.run(t, "quote", runtime.Bytes([]byte("BTC_USD")))
	require.False(t, res.Succeeded())
	require.Equal(t, status.NativeFailure, res.Abort.Code)
}

func TestModulesDeclareEveryNative(t *testing.T) {
	table := runtime.NewNativeTable(gas.DefaultSchedule())
	Register(table)

	declared := 0
	for _, m := range Modules() {
		for _, def := range m.Functions {
			name := m.ID.String() + "::" + m.FunctionHandles[def.Handle].Name
			_, ok := table.Lookup(name)
			require.True(t, ok, "native %s declared but not registered", name)
			declared++
		}
	}
	require.Len(t, table.Names(), declared)
}
