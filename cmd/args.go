package cmd

import (
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/holiman/uint256"
	"github.com/pkg/errors"

	"github.com/glossopoeia/mvm/runtime"
	"github.com/glossopoeia/mvm/types"
)

// Parses a command line argument of the form kind:value, such as u64:5,
// address:0xA11CE, bytes:0x616263 or utf8:hello.
func parseArg(s string) (runtime.Value, error) {
	kind, text, ok := strings.Cut(s, ":")
	if !ok {
		return nil, errors.Errorf("argument %q is not of the form kind:value", s)
	}
	switch kind {
	case "bool":
		return strconv.ParseBool(text)
	case "u8":
		v, err := strconv.ParseUint(text, 0, 8)
		return uint8(v), err
	case "u64":
		return strconv.ParseUint(text, 0, 64)
	case "u128":
		v, err := uint256.FromDecimal(text)
		if err != nil {
			return nil, errors.Wrapf(err, "argument %q", s)
		}
		if v.BitLen() > 128 {
			return nil, errors.Errorf("argument %q does not fit in u128", s)
		}
		return *v, nil
	case "address":
		return types.ParseAddress(text)
	case "bytes":
		raw, err := hex.DecodeString(strings.TrimPrefix(text, "0x"))
		if err != nil {
			return nil, errors.Wrapf(err, "argument %q", s)
		}
		return runtime.Bytes(raw), nil
	case "utf8":
		return runtime.Bytes([]byte(text)), nil
	default:
		return nil, errors.Errorf("unknown argument kind %q", kind)
	}
}

func parseArgs(ss []string) ([]runtime.Value, error) {
	vals := make([]runtime.Value, len(ss))
	for i, s := range ss {
		v, err := parseArg(s)
		if err != nil {
			return nil, err
		}
		vals[i] = v
	}
	return vals, nil
}

// Parses a type in the notation types print in: u64, vector<u8>,
// 0x1::Module::Name<bool>.
func parseType(s string) (types.Type, error) {
	t, rest, err := parseTypePrefix(strings.TrimSpace(s))
	if err != nil {
		return nil, err
	}
	if rest != "" {
		return nil, errors.Errorf("unexpected %q after type %s", rest, t)
	}
	return t, nil
}

func parseTypePrefix(s string) (types.Type, string, error) {
	name, rest := splitName(s)
	switch name {
	case "bool":
		return types.Bool, rest, nil
	case "u8":
		return types.U8, rest, nil
	case "u64":
		return types.U64, rest, nil
	case "u128":
		return types.U128, rest, nil
	case "address":
		return types.Addr, rest, nil
	case "vector":
		args, rest, err := parseTypeArgs(rest)
		if err != nil {
			return nil, "", err
		}
		if len(args) != 1 {
			return nil, "", errors.Errorf("vector takes one type argument, got %d", len(args))
		}
		return types.Vector{Elem: args[0]}, rest, nil
	}

	parts := strings.Split(name, "::")
	if len(parts) != 3 {
		return nil, "", errors.Errorf("unknown type %q", name)
	}
	addr, err := types.ParseAddress(parts[0])
	if err != nil {
		return nil, "", err
	}
	id := types.ModuleID{Address: addr, Name: parts[1]}
	var args []types.Type
	if strings.HasPrefix(rest, "<") {
		if args, rest, err = parseTypeArgs(rest); err != nil {
			return nil, "", err
		}
	}
	return types.NewStruct(id.Struct(parts[2]), args...), rest, nil
}

func splitName(s string) (string, string) {
	end := strings.IndexAny(s, "<>,")
	if end < 0 {
		return strings.TrimSpace(s), ""
	}
	return strings.TrimSpace(s[:end]), s[end:]
}

func parseTypeArgs(s string) ([]types.Type, string, error) {
	if !strings.HasPrefix(s, "<") {
		return nil, "", errors.Errorf("expected type arguments at %q", s)
	}
	rest := s[1:]
	var args []types.Type
	for {
		t, after, err := parseTypePrefix(strings.TrimSpace(rest))
		if err != nil {
			return nil, "", err
		}
		args = append(args, t)
		after = strings.TrimSpace(after)
		switch {
		case strings.HasPrefix(after, ","):
			rest = after[1:]
		case strings.HasPrefix(after, ">"):
			return args, strings.TrimSpace(after[1:]), nil
		default:
			return nil, "", errors.Errorf("unterminated type arguments in %q", s)
		}
	}
}

func parseTypes(ss []string) ([]types.Type, error) {
	ts := make([]types.Type, len(ss))
	for i, s := range ss {
		t, err := parseType(s)
		if err != nil {
			return nil, err
		}
		ts[i] = t
	}
	return ts, nil
}

// Splits 0xB0B::Bank::mint into its module and function name.
func parseFunction(s string) (types.ModuleID, string, error) {
	parts := strings.Split(s, "::")
	if len(parts) != 3 {
		return types.ModuleID{}, "", errors.Errorf("function %q is not of the form address::Module::name", s)
	}
	addr, err := types.ParseAddress(parts[0])
	if err != nil {
		return types.ModuleID{}, "", err
	}
	return types.ModuleID{Address: addr, Name: parts[1]}, parts[2], nil
}
