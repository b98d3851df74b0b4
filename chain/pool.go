package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"donut/logger"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

const DefaultTimeout = 10 * time.Second

type provider struct {
	name    string
	backend Backend
}

// Pool fans every read out to its providers in order and returns the first
// answer. A provider saying "not found" may just be lagging, so ErrNotFound
// is returned only when every provider says so.
type Pool struct {
	providers []provider
	timeout   time.Duration
}

func Dial(urls []string, timeout time.Duration) (*Pool, error) {
	var backends []Backend
	var names []string
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		c, err := ethclient.Dial(u)
		if err != nil {
			logger.Warn("⚠️  skip rpc %s: %v", redact(u), err)
			continue
		}
		backends = append(backends, c)
		names = append(names, redact(u))
	}
	if len(backends) == 0 {
		return nil, errors.New("chain: no usable rpc endpoint")
	}
	return NewPool(backends, names, timeout), nil
}

func NewPool(backends []Backend, names []string, timeout time.Duration) *Pool {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	p := &Pool{timeout: timeout}
	for i, b := range backends {
		name := fmt.Sprintf("rpc-%d", i)
		if i < len(names) && names[i] != "" {
			name = names[i]
		}
		p.providers = append(p.providers, provider{name: name, backend: b})
	}
	return p
}

func (p *Pool) Close() {
	for _, pr := range p.providers {
		pr.backend.Close()
	}
}

func (p *Pool) do(ctx context.Context, op string, fn func(ctx context.Context, b Backend) error) error {
	var lastErr error
	notFound := 0

	for _, pr := range p.providers {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
		}

		cctx, cancel := context.WithTimeout(ctx, p.timeout)
		err := fn(cctx, pr.backend)
		cancel()

		switch {
		case err == nil:
			return nil
		case errors.Is(err, ethereum.NotFound):
			notFound++
			continue
		case isRevert(err):
			return fmt.Errorf("%w: %s: %v", ErrReverted, op, err)
		}

		logger.Warn("⚠️  %s via %s failed: %v", op, pr.name, err)
		lastErr = err
	}

	if lastErr == nil && notFound > 0 {
		return ErrNotFound
	}
	if lastErr == nil {
		lastErr = errors.New("no providers")
	}
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, lastErr)
}

func (p *Pool) Receipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	var out *types.Receipt
	err := p.do(ctx, "receipt", func(ctx context.Context, b Backend) error {
		r, err := b.TransactionReceipt(ctx, hash)
		if err == nil && r == nil {
			return ethereum.NotFound
		}
		out = r
		return err
	})
	return out, err
}

func (p *Pool) Transaction(ctx context.Context, hash common.Hash) (*Tx, error) {
	var out *Tx
	err := p.do(ctx, "transaction", func(ctx context.Context, b Backend) error {
		tx, pending, err := b.TransactionByHash(ctx, hash)
		if err != nil {
			return err
		}
		if tx == nil {
			return ethereum.NotFound
		}
		from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
		if err != nil {
			return fmt.Errorf("recover sender: %w", err)
		}
		out = &Tx{
			Hash:    tx.Hash(),
			From:    from,
			To:      tx.To(),
			Input:   tx.Data(),
			Value:   tx.Value(),
			Pending: pending,
		}
		return nil
	})
	return out, err
}

func (p *Pool) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	var out []types.Log
	err := p.do(ctx, "filter logs", func(ctx context.Context, b Backend) error {
		logs, err := b.FilterLogs(ctx, q)
		out = logs
		return err
	})
	return out, err
}

func (p *Pool) CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	var out []byte
	err := p.do(ctx, "call", func(ctx context.Context, b Backend) error {
		res, err := b.CallContract(ctx, msg, nil)
		out = res
		return err
	})
	return out, err
}

// TokenBalance returns holder's ERC-20 balance, or its native balance when
// token is the zero address.
func (p *Pool) TokenBalance(ctx context.Context, token, holder common.Address) (*big.Int, error) {
	if token == (common.Address{}) {
		var out *big.Int
		err := p.do(ctx, "balance", func(ctx context.Context, b Backend) error {
			bal, err := b.BalanceAt(ctx, holder, nil)
			out = bal
			return err
		})
		return out, err
	}

	data, err := erc20ABI.Pack("balanceOf", holder)
	if err != nil {
		return nil, err
	}
	res, err := p.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data})
	if err != nil {
		return nil, err
	}
	vals, err := erc20ABI.Unpack("balanceOf", res)
	if err != nil || len(vals) != 1 {
		return nil, fmt.Errorf("decode balanceOf: %v", err)
	}
	bal, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("decode balanceOf: unexpected %T", vals[0])
	}
	return bal, nil
}

func (p *Pool) BlockNumber(ctx context.Context) (uint64, error) {
	var out uint64
	err := p.do(ctx, "block number", func(ctx context.Context, b Backend) error {
		n, err := b.BlockNumber(ctx)
		out = n
		return err
	})
	return out, err
}

func isRevert(err error) bool {
	return strings.Contains(err.Error(), "execution reverted")
}

// redact keeps api keys in provider urls out of the logs.
func redact(u string) string {
	if i := strings.Index(u, "://"); i >= 0 {
		rest := u[i+3:]
		if j := strings.IndexByte(rest, '/'); j >= 0 {
			return u[:i+3] + rest[:j]
		}
	}
	return u
}
