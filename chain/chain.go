// Package chain reads from and writes to the EVM chain the pipeline settles
// on. Every call carries its own timeout; a timeout or transport failure is
// ErrUnavailable and must be retried, never read as success or failure.
package chain

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	ErrNotFound    = errors.New("chain: not found")
	ErrUnavailable = errors.New("chain: rpc unavailable")
	ErrReverted    = errors.New("chain: execution reverted")
)

// Tx is a transaction body with its recovered sender.
type Tx struct {
	Hash    common.Hash
	From    common.Address
	To      *common.Address
	Input   []byte
	Value   *big.Int
	Pending bool
}

// Reader is the read side the verifier and dispatcher depend on.
type Reader interface {
	Receipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	Transaction(ctx context.Context, hash common.Hash) (*Tx, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error)
	TokenBalance(ctx context.Context, token, holder common.Address) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Backend is the subset of *ethclient.Client one provider must offer.
type Backend interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	Close()
}

// ParseHash accepts a 0x-prefixed 32-byte hex hash.
func ParseHash(s string) (common.Hash, bool) {
	if len(s) != 66 {
		return common.Hash{}, false
	}
	b, err := hexutil.Decode(s)
	if err != nil {
		return common.Hash{}, false
	}
	return common.BytesToHash(b), true
}

// ParseAddress accepts a 0x-prefixed 20-byte hex address in any case.
func ParseAddress(s string) (common.Address, bool) {
	if !common.IsHexAddress(s) || !has0x(s) {
		return common.Address{}, false
	}
	return common.HexToAddress(s), true
}

func has0x(s string) bool {
	return len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X')
}
