package natives

import (
	"crypto/sha256"
	"hash"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ed25519"
	"golang.org/x/crypto/sha3"

	"github.com/glossopoeia/mvm/runtime"
	"github.com/glossopoeia/mvm/types"
)

type hashOp func() hash.Hash

func (o hashOp) run(ctx *runtime.NativeContext, typeArgs []types.Type, args []runtime.Value) ([]runtime.Value, error) {
	s, ok := runtime.ToBytes(args[0])
	if !ok {
		return nil, errors.New("argument is not a byte vector")
	}
	h := o()
	h.Write(s)
	return []runtime.Value{runtime.Bytes(h.Sum(nil))}, nil
}

func hashDeclarations() []declaration {
	return []declaration{
		{module: "Hash", name: "sha3_256", params: []types.Type{bytesT}, returns: []types.Type{bytesT},
			size: byteLen(0), fn: hashOp(sha3.New256).run},
		{module: "Hash", name: "sha2_256", params: []types.Type{bytesT}, returns: []types.Type{bytesT},
			size: byteLen(0), fn: hashOp(sha256.New).run},
	}
}

// An ill-formed key or signature fails verification rather than the
// transaction.
func verifyEd25519(ctx *runtime.NativeContext, typeArgs []types.Type, args []runtime.Value) ([]runtime.Value, error) {
	s, sok := runtime.ToBytes(args[0])
	k, kok := runtime.ToBytes(args[1])
	m, mok := runtime.ToBytes(args[2])
	if !sok || !kok || !mok {
		return nil, errors.New("arguments are not byte vectors")
	}
	if len(k) != ed25519.PublicKeySize || len(s) != ed25519.SignatureSize {
		return []runtime.Value{false}, nil
	}
	return []runtime.Value{ed25519.Verify(ed25519.PublicKey(k), m, s)}, nil
}

func signatureDeclarations() []declaration {
	return []declaration{
		{module: "Signature", name: "ed25519_verify", params: []types.Type{bytesT, bytesT, bytesT}, returns: []types.Type{types.Bool},
			size: byteLen(2), fn: verifyEd25519},
	}
}
