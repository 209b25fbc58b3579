// Package disbursetest provides an in-memory chain for exercising
// disbursement code without a node.
package disbursetest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// RPCError is a JSON-RPC error reply. It satisfies rpc.Error.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string  { return e.Message }
func (e *RPCError) ErrorCode() int { return e.Code }

// ErrTransport simulates a connection failure.
var ErrTransport = errors.New("dial tcp 127.0.0.1:8545: connect: connection refused")

// Backend is a single-account chain. Transactions are validated for nonce
// order, kept in a pool and mined on demand (or immediately with AutoMine).
type Backend struct {
	mu sync.Mutex

	chainID *big.Int
	signer  types.Signer
	baseFee *big.Int
	tip     *big.Int
	head    uint64
	balance *big.Int

	// per sender
	mined   map[common.Address]uint64
	pending map[common.Address]uint64

	pool     map[common.Hash]*types.Transaction
	receipts map[common.Hash]*types.Receipt
	sent     []*types.Transaction

	// AutoMine mines every accepted transaction immediately.
	AutoMine bool
	// RevertOnMine makes mined transfers fail.
	RevertOnMine bool
	// RevertEstimate makes EstimateGas report an execution revert.
	RevertEstimate bool
	// FailSends is the number of upcoming SendTransaction calls that fail
	// with ErrTransport.
	FailSends int
	// AcceptThenFail makes upcoming sends accept the tx but report ErrTransport.
	AcceptThenFail int
	// RejectSends makes SendTransaction reply with this error.
	RejectSends error
	// Down makes every call fail with ErrTransport.
	Down bool
}

func NewBackend(chainID int64) *Backend {
	return &Backend{
		chainID:  big.NewInt(chainID),
		signer:   types.LatestSignerForChainID(big.NewInt(chainID)),
		baseFee:  big.NewInt(1_000_000_000),
		tip:      big.NewInt(100_000_000),
		head:     100,
		balance:  new(big.Int).Lsh(big.NewInt(1), 100),
		mined:    make(map[common.Address]uint64),
		pending:  make(map[common.Address]uint64),
		pool:     make(map[common.Hash]*types.Transaction),
		receipts: make(map[common.Hash]*types.Receipt),
	}
}

// SetNonce sets the on-chain nonce of account.
func (b *Backend) SetNonce(account common.Address, nonce uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mined[account] = nonce
	b.pending[account] = nonce
}

// Configure applies fn under the backend lock.
func (b *Backend) Configure(fn func(b *Backend)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(b)
}

func (b *Backend) ChainID(ctx context.Context) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Down {
		return nil, ErrTransport
	}
	return new(big.Int).Set(b.chainID), nil
}

func (b *Backend) BlockNumber(ctx context.Context) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Down {
		return 0, ErrTransport
	}
	return b.head, nil
}

func (b *Backend) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Down {
		return nil, ErrTransport
	}
	return &types.Header{Number: new(big.Int).SetUint64(b.head), BaseFee: new(big.Int).Set(b.baseFee)}, nil
}

func (b *Backend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Down {
		return 0, ErrTransport
	}
	return b.pending[account], nil
}

func (b *Backend) NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Down {
		return 0, ErrTransport
	}
	return b.mined[account], nil
}

func (b *Backend) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Down {
		return nil, ErrTransport
	}
	return new(big.Int).Set(b.tip), nil
}

func (b *Backend) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Down {
		return 0, ErrTransport
	}
	if b.RevertEstimate {
		return 0, &RPCError{Code: 3, Message: "execution reverted: ERC20: transfer amount exceeds balance"}
	}
	return 52_000, nil
}

func (b *Backend) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Down {
		return nil, ErrTransport
	}
	return common.LeftPadBytes(b.balance.Bytes(), 32), nil
}

func (b *Backend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Down {
		return ErrTransport
	}
	if b.FailSends > 0 {
		b.FailSends--
		return ErrTransport
	}
	if b.RejectSends != nil {
		return b.RejectSends
	}
	if tx.ChainId().Cmp(b.chainID) != 0 {
		return &RPCError{Code: -32000, Message: "invalid chain id"}
	}
	from, err := types.Sender(b.signer, tx)
	if err != nil {
		return &RPCError{Code: -32000, Message: "invalid sender"}
	}
	if _, ok := b.pool[tx.Hash()]; ok {
		return &RPCError{Code: -32000, Message: "already known"}
	}
	if _, ok := b.receipts[tx.Hash()]; ok {
		return &RPCError{Code: -32000, Message: "already known"}
	}
	switch next := b.pending[from]; {
	case tx.Nonce() < next:
		return &RPCError{Code: -32000, Message: "nonce too low"}
	case tx.Nonce() > next:
		return &RPCError{Code: -32000, Message: fmt.Sprintf("nonce gap: have %d, want %d", tx.Nonce(), next)}
	}

	b.pending[from]++
	b.pool[tx.Hash()] = tx
	b.sent = append(b.sent, tx)
	if b.AutoMine {
		b.mineLocked()
	}
	if b.AcceptThenFail > 0 {
		b.AcceptThenFail--
		return ErrTransport
	}
	return nil
}

func (b *Backend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Down {
		return nil, ErrTransport
	}
	rcpt, ok := b.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	cp := *rcpt
	return &cp, nil
}

// Mine includes every pooled transaction in a new block.
func (b *Backend) Mine() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mineLocked()
}

func (b *Backend) mineLocked() {
	b.head++
	for hash, tx := range b.pool {
		status := types.ReceiptStatusSuccessful
		if b.RevertOnMine {
			status = types.ReceiptStatusFailed
		}
		b.receipts[hash] = &types.Receipt{
			Type:        tx.Type(),
			Status:      status,
			TxHash:      hash,
			GasUsed:     tx.Gas(),
			BlockNumber: new(big.Int).SetUint64(b.head),
		}
		from, _ := types.Sender(b.signer, tx)
		if tx.Nonce()+1 > b.mined[from] {
			b.mined[from] = tx.Nonce() + 1
		}
		delete(b.pool, hash)
	}
}

// AdvanceBlocks moves the head without including anything.
func (b *Backend) AdvanceBlocks(n uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.head += n
}

// Replace evicts a pooled transaction as if another transaction with the same
// nonce had been mined in its place.
func (b *Backend) Replace(hash common.Hash) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tx, ok := b.pool[hash]
	if !ok {
		return
	}
	delete(b.pool, hash)
	b.head++
	from, _ := types.Sender(b.signer, tx)
	if tx.Nonce()+1 > b.mined[from] {
		b.mined[from] = tx.Nonce() + 1
	}
}

// Sent returns every accepted transaction in acceptance order.
func (b *Backend) Sent() []*types.Transaction {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*types.Transaction(nil), b.sent...)
}

// Pooled reports whether hash is waiting to be mined.
func (b *Backend) Pooled(hash common.Hash) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.pool[hash]
	return ok
}
