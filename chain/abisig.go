package chain

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/samber/lo"
)

const erc20JSON = `[
	{"type":"function","name":"balanceOf","stateMutability":"view",
	 "inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

var erc20ABI = lo.Must(abi.JSON(strings.NewReader(erc20JSON)))

// ParseSignature builds an ABI method from a human-readable signature such as
// "mine(address miner,address provider,uint256 epochId)" or
// "canDistribute() view returns (bool)". Parameter names are optional; the
// method ID is derived from the canonical form, so the signature string is
// the only place a selector is defined.
func ParseSignature(sig string) (abi.Method, error) {
	sig = strings.TrimSpace(sig)
	open := strings.IndexByte(sig, '(')
	closeIdx := matchingParen(sig, open)
	if open <= 0 || closeIdx < 0 {
		return abi.Method{}, fmt.Errorf("bad signature %q", sig)
	}
	name := strings.TrimSpace(sig[:open])

	inputs, err := parseArgs(sig[open+1:closeIdx], "arg")
	if err != nil {
		return abi.Method{}, fmt.Errorf("signature %q: %w", sig, err)
	}

	rest := strings.Fields(sig[closeIdx+1:])
	mutability := "nonpayable"
	var outputs abi.Arguments
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "view", "pure", "payable", "nonpayable":
			mutability = rest[i]
		case "returns":
			tail := strings.Join(rest[i+1:], " ")
			o := strings.IndexByte(tail, '(')
			c := matchingParen(tail, o)
			if o < 0 || c < 0 {
				return abi.Method{}, fmt.Errorf("signature %q: bad returns clause", sig)
			}
			outputs, err = parseArgs(tail[o+1:c], "out")
			if err != nil {
				return abi.Method{}, fmt.Errorf("signature %q: %w", sig, err)
			}
			i = len(rest)
		default:
			return abi.Method{}, fmt.Errorf("signature %q: unexpected %q", sig, rest[i])
		}
	}

	isConst := mutability == "view" || mutability == "pure"
	return abi.NewMethod(name, name, abi.Function, mutability, isConst, mutability == "payable", inputs, outputs), nil
}

// ABIOf wraps methods into an ABI usable with bind.BoundContract.
func ABIOf(methods ...abi.Method) abi.ABI {
	out := abi.ABI{Methods: make(map[string]abi.Method, len(methods))}
	for _, m := range methods {
		out.Methods[m.Name] = m
	}
	return out
}

func parseArgs(list, prefix string) (abi.Arguments, error) {
	list = strings.TrimSpace(list)
	if list == "" {
		return abi.Arguments{}, nil
	}
	var args abi.Arguments
	for i, part := range strings.Split(list, ",") {
		fields := strings.Fields(part)
		if len(fields) == 0 || len(fields) > 2 {
			return nil, fmt.Errorf("bad parameter %q", part)
		}
		typ, err := abi.NewType(fields[0], "", nil)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", part, err)
		}
		if err := checkSize(typ); err != nil {
			return nil, fmt.Errorf("parameter %q: %w", part, err)
		}
		name := fmt.Sprintf("%s%d", prefix, i)
		if len(fields) == 2 {
			name = fields[1]
		}
		args = append(args, abi.Argument{Name: name, Type: typ})
	}
	return args, nil
}

// checkSize rejects integer widths abi.NewType lets through, such as uint257.
func checkSize(t abi.Type) error {
	switch t.T {
	case abi.IntTy, abi.UintTy:
		if t.Size < 8 || t.Size > 256 || t.Size%8 != 0 {
			return fmt.Errorf("invalid integer width %d", t.Size)
		}
	case abi.SliceTy, abi.ArrayTy:
		return checkSize(*t.Elem)
	case abi.TupleTy:
		for _, e := range t.TupleElems {
			if err := checkSize(*e); err != nil {
				return err
			}
		}
	}
	return nil
}

func matchingParen(s string, open int) int {
	if open < 0 || open >= len(s) || s[open] != '(' {
		return -1
	}
	depth := 0
	for i := open; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
