package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Transfer is one recipient of a payout transaction, in token base units.
type Transfer struct {
	To     common.Address
	Amount *big.Int
}

// ContractPayer sends distribution transactions to a prize contract.
// The distribute method takes either no arguments (the contract splits the
// pool itself) or (address[] winners, uint256[] amounts).
type ContractPayer struct {
	backend    bind.ContractBackend
	contract   *bind.BoundContract
	distribute abi.Method
	guard      *abi.Method
	key        *ecdsa.PrivateKey
	chainID    *big.Int
	timeout    time.Duration
}

type PayerConfig struct {
	Contract      common.Address
	DistributeSig string
	GuardSig      string
	PrivateKeyHex string
	ChainID       *big.Int
	Timeout       time.Duration
}

func NewContractPayer(backend bind.ContractBackend, cfg PayerConfig) (*ContractPayer, error) {
	distribute, err := ParseSignature(cfg.DistributeSig)
	if err != nil {
		return nil, err
	}
	methods := []abi.Method{distribute}

	var guard *abi.Method
	if cfg.GuardSig != "" {
		g, err := ParseSignature(cfg.GuardSig)
		if err != nil {
			return nil, err
		}
		if len(g.Outputs) != 1 || g.Outputs[0].Type.T != abi.BoolTy {
			return nil, fmt.Errorf("guard %q must return a single bool", cfg.GuardSig)
		}
		guard = &g
		methods = append(methods, g)
	}

	if n := len(distribute.Inputs); n != 0 && n != 2 {
		return nil, fmt.Errorf("distribute %q must take no arguments or (address[],uint256[])", cfg.DistributeSig)
	}

	key, err := crypto.HexToECDSA(trim0x(cfg.PrivateKeyHex))
	if err != nil {
		return nil, fmt.Errorf("payout key: %w", err)
	}
	if cfg.ChainID == nil {
		return nil, errors.New("payout chain id is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	contract := bind.NewBoundContract(cfg.Contract, ABIOf(methods...), backend, backend, backend)
	return &ContractPayer{
		backend:    backend,
		contract:   contract,
		distribute: distribute,
		guard:      guard,
		key:        key,
		chainID:    cfg.ChainID,
		timeout:    timeout,
	}, nil
}

// CanDistribute consults the contract's time-window guard. Contracts without
// a guard are always open.
func (p *ContractPayer) CanDistribute(ctx context.Context) (bool, error) {
	if p.guard == nil {
		return true, nil
	}
	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var out []interface{}
	if err := p.contract.Call(&bind.CallOpts{Context: cctx}, &out, p.guard.Name); err != nil {
		if isRevert(err) {
			return false, fmt.Errorf("%w: %v", ErrReverted, err)
		}
		return false, fmt.Errorf("%w: guard: %v", ErrUnavailable, err)
	}
	if len(out) != 1 {
		return false, fmt.Errorf("guard returned %d values", len(out))
	}
	ok, _ := out[0].(bool)
	return ok, nil
}

// Prepare builds and signs the distribution without broadcasting it, so the
// caller can record the hash before the transaction can possibly land.
func (p *ContractPayer) Prepare(ctx context.Context, transfers []Transfer) (*types.Transaction, error) {
	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	opts, err := bind.NewKeyedTransactorWithChainID(p.key, p.chainID)
	if err != nil {
		return nil, err
	}
	opts.Context = cctx
	opts.NoSend = true

	var args []interface{}
	if len(p.distribute.Inputs) == 2 {
		winners := make([]common.Address, len(transfers))
		amounts := make([]*big.Int, len(transfers))
		for i, t := range transfers {
			winners[i] = t.To
			amounts[i] = t.Amount
		}
		args = []interface{}{winners, amounts}
	}

	tx, err := p.contract.Transact(opts, p.distribute.Name, args...)
	if err != nil {
		if isRevert(err) {
			return nil, fmt.Errorf("%w: %v", ErrReverted, err)
		}
		return nil, fmt.Errorf("%w: prepare: %v", ErrUnavailable, err)
	}
	return tx, nil
}

// Send broadcasts a prepared transaction. An error here is ambiguous: the
// node may still have accepted it.
func (p *ContractPayer) Send(ctx context.Context, tx *types.Transaction) error {
	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.backend.SendTransaction(cctx, tx); err != nil {
		return fmt.Errorf("%w: send: %v", ErrUnavailable, err)
	}
	return nil
}

// From is the payout wallet address.
func (p *ContractPayer) From() common.Address {
	return crypto.PubkeyToAddress(p.key.PublicKey)
}

func trim0x(s string) string {
	if has0x(s) {
		return s[2:]
	}
	return s
}
