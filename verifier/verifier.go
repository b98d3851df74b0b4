// Package verifier confirms that a claimed transaction really performed the
// expected contract call before anything is credited for it.
package verifier

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"donut/chain"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const (
	ReasonNotFound       = "not_found"
	ReasonReverted       = "reverted"
	ReasonWrongContract  = "wrong_contract"
	ReasonWrongFunction  = "wrong_function"
	ReasonParamMismatch  = "param_mismatch"
	ReasonSenderMismatch = "sender_mismatch"
)

// Rejection is a verification failure. It is final for the claimed
// transaction and is never retried.
type Rejection struct {
	Reason string
	Detail string
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return "rejected: " + r.Reason
	}
	return fmt.Sprintf("rejected: %s (%s)", r.Reason, r.Detail)
}

func reject(reason, format string, args ...any) *Rejection {
	return &Rejection{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// IsRejection reports whether err is a verification failure and returns it.
func IsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}

// ParamCheck is one predicate over a decoded call parameter.
type ParamCheck struct {
	Param string
	Desc  string
	Match func(v any) bool
}

func AddressEquals(param string, want common.Address) ParamCheck {
	return ParamCheck{
		Param: param,
		Desc:  "== " + strings.ToLower(want.Hex()),
		Match: func(v any) bool {
			got, ok := v.(common.Address)
			return ok && got == want
		},
	}
}

func UintAtLeast(param string, min *big.Int) ParamCheck {
	return ParamCheck{
		Param: param,
		Desc:  ">= " + min.String(),
		Match: func(v any) bool {
			got, ok := v.(*big.Int)
			return ok && got.Cmp(min) >= 0
		},
	}
}

type Expectation struct {
	TxHash        common.Hash
	ClaimedSender common.Address
	Contract      common.Address
	Selector      Selector
	Checks        []ParamCheck
}

type Verified struct {
	Tx       *chain.Tx
	Receipt  *types.Receipt
	Function Function
	Params   map[string]any
}

type Verifier struct {
	reader   chain.Reader
	registry *Registry
}

func New(reader chain.Reader, registry *Registry) *Verifier {
	return &Verifier{reader: reader, registry: registry}
}

// Verify runs the checks in order and stops at the first failure. A
// *Rejection is a final answer about the transaction; any other error means
// the chain could not be read and the caller should retry.
func (v *Verifier) Verify(ctx context.Context, exp Expectation) (*Verified, error) {
	receipt, err := v.reader.Receipt(ctx, exp.TxHash)
	if err != nil {
		if errors.Is(err, chain.ErrNotFound) {
			return nil, reject(ReasonNotFound, "no receipt for %s", exp.TxHash.Hex())
		}
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, reject(ReasonReverted, "status %d", receipt.Status)
	}

	tx, err := v.reader.Transaction(ctx, exp.TxHash)
	if err != nil {
		if errors.Is(err, chain.ErrNotFound) {
			return nil, reject(ReasonNotFound, "no transaction for %s", exp.TxHash.Hex())
		}
		return nil, err
	}

	if tx.To == nil || *tx.To != exp.Contract {
		to := "contract creation"
		if tx.To != nil {
			to = strings.ToLower(tx.To.Hex())
		}
		return nil, reject(ReasonWrongContract, "sent to %s", to)
	}

	if len(tx.Input) < 4 || !bytes.Equal(tx.Input[:4], exp.Selector[:]) {
		return nil, reject(ReasonWrongFunction, "expected %s", exp.Selector)
	}

	fn, ok := v.registry.Lookup(exp.Selector)
	if !ok {
		return nil, reject(ReasonWrongFunction, "no schema for %s", exp.Selector)
	}
	params, err := fn.Decode(tx.Input)
	if err != nil {
		return nil, reject(ReasonParamMismatch, "decode %s: %v", fn.Method.Sig, err)
	}
	for _, c := range exp.Checks {
		val, ok := params[c.Param]
		if !ok || !c.Match(val) {
			return nil, reject(ReasonParamMismatch, "%s %s", c.Param, c.Desc)
		}
	}

	if tx.From != exp.ClaimedSender {
		return nil, reject(ReasonSenderMismatch, "sent by %s", strings.ToLower(tx.From.Hex()))
	}

	return &Verified{Tx: tx, Receipt: receipt, Function: fn, Params: params}, nil
}
