package disburse

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/dawar2151/Learning-Rewards-Protocol/pkg/util/resiliency"
)

// Status is the on-chain state of a submitted transfer.
type Status string

const (
	StatusSubmitted Status = "SUBMITTED"
	StatusConfirmed Status = "CONFIRMED"
	StatusReverted  Status = "REVERTED"
	StatusDropped   Status = "DROPPED"
)

// Outcome is the result of waiting for a transfer.
type Outcome string

const (
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeReverted  Outcome = "reverted"
	OutcomeTimedOut  Outcome = "timed_out"
)

// Tx is a signed transfer from the operator account.
type Tx struct {
	Hash   common.Hash
	Nonce  uint64
	To     common.Address
	Amount *big.Int
	Status Status
}

// TransferRequest asks for amount tokens to be sent to To.
type TransferRequest struct {
	To     common.Address
	Amount *big.Int

	// OnSigned runs after signing and before broadcast. An error aborts the
	// transfer without broadcasting.
	OnSigned func(ctx context.Context, hash common.Hash, nonce uint64) error
}

// Config holds the disbursement settings.
type Config struct {
	// ChainID, if set, must match the node's chain id.
	ChainID          *big.Int
	Token            common.Address
	GasLimitFallback uint64
	Backoff          resiliency.BackoffPolicy
	BreakerThreshold int
	BreakerReset     time.Duration
	PollInterval     time.Duration
	MinConfirmations uint64
}

// Client builds, signs and submits ERC-20 transfers from the operator account.
type Client struct {
	backend Backend
	key     *ecdsa.PrivateKey
	from    common.Address
	chainID *big.Int
	signer  types.Signer
	cfg     Config
	seq     *Sequencer
	retrier *resiliency.Retrier
	logger  *slog.Logger
}

// NewClient resolves the chain id and starts the nonce sequencer.
func NewClient(ctx context.Context, backend Backend, key *ecdsa.PrivateKey, cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Token == (common.Address{}) {
		return nil, errors.New("token address is required")
	}
	if cfg.GasLimitFallback == 0 {
		cfg.GasLimitFallback = 100_000
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.MinConfirmations == 0 {
		cfg.MinConfirmations = 1
	}
	if cfg.Backoff.MaxAttempts == 0 {
		cfg.Backoff = resiliency.DefaultBackoffPolicy()
	}
	if cfg.BreakerThreshold == 0 {
		cfg.BreakerThreshold = 5
	}
	if cfg.BreakerReset == 0 {
		cfg.BreakerReset = 30 * time.Second
	}

	c := &Client{
		backend: backend,
		key:     key,
		from:    ethcrypto.PubkeyToAddress(key.PublicKey),
		cfg:     cfg,
		retrier: resiliency.NewRetrier(cfg.Backoff, resiliency.NewCircuitBreaker("rpc", cfg.BreakerThreshold, cfg.BreakerReset)),
		logger:  logger.With("component", "disburse"),
	}

	var chainID *big.Int
	err := c.retrier.Do(ctx, "chain id", func(ctx context.Context) error {
		id, err := backend.ChainID(ctx)
		if err != nil {
			return readErr(err)
		}
		chainID = id
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDependencyUnavailable, err)
	}
	if cfg.ChainID != nil && cfg.ChainID.Sign() > 0 && cfg.ChainID.Cmp(chainID) != 0 {
		return nil, fmt.Errorf("chain id mismatch: configured %s, node reports %s", cfg.ChainID, chainID)
	}
	c.chainID = chainID
	c.signer = types.LatestSignerForChainID(chainID)
	c.seq = NewSequencer(c.pendingNonce)
	return c, nil
}

// Operator returns the address disbursements are sent from.
func (c *Client) Operator() common.Address { return c.from }

// ChainID returns the chain the client signs for.
func (c *Client) ChainID() *big.Int { return new(big.Int).Set(c.chainID) }

// Close stops the nonce sequencer.
func (c *Client) Close() { c.seq.Close() }

// Transfer signs and broadcasts transfer(req.To, req.Amount).
//
// A nil error means the network accepted the transaction. An error wrapping
// ErrSubmissionUnknown comes with the signed Tx; every other error means
// nothing was broadcast.
func (c *Client) Transfer(ctx context.Context, req TransferRequest) (*Tx, error) {
	data, err := PackTransfer(req.To, req.Amount)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	gas, err := c.estimateGas(ctx, data)
	if err != nil {
		return nil, err
	}
	tip, feeCap, err := c.fees(ctx)
	if err != nil {
		return nil, err
	}

	var tx *Tx
	submit := func(ctx context.Context, nonce uint64) error {
		signed, err := types.SignTx(types.NewTx(&types.DynamicFeeTx{
			ChainID:   c.chainID,
			Nonce:     nonce,
			GasTipCap: tip,
			GasFeeCap: feeCap,
			Gas:       gas,
			To:        &c.cfg.Token,
			Value:     big.NewInt(0),
			Data:      data,
		}), c.signer, c.key)
		if err != nil {
			return fmt.Errorf("sign transfer: %w", err)
		}
		if req.OnSigned != nil {
			if err := req.OnSigned(ctx, signed.Hash(), nonce); err != nil {
				return fmt.Errorf("record signed transfer: %w", err)
			}
		}
		tx = &Tx{Hash: signed.Hash(), Nonce: nonce, To: req.To, Amount: new(big.Int).Set(req.Amount), Status: StatusSubmitted}
		return c.broadcast(ctx, signed)
	}

	// One more try when the node says our nonce view was stale.
	for attempt := 0; attempt < 2; attempt++ {
		tx = nil
		err = c.seq.Submit(ctx, submit)
		if err == nil {
			c.logger.Info("transfer submitted",
				"to", req.To.Hex(), "amount", req.Amount.String(),
				"tx_hash", tx.Hash.Hex(), "nonce", tx.Nonce, "gas", gas)
			return tx, nil
		}
		if !(errors.Is(err, ErrRejected) && errors.Is(err, ErrNonceStale)) {
			break
		}
		c.logger.Warn("nonce conflict, resyncing", "to", req.To.Hex(), "error", err)
	}

	if errors.Is(err, ErrSubmissionUnknown) {
		return tx, err
	}
	return nil, err
}

func (c *Client) broadcast(ctx context.Context, signed *types.Transaction) error {
	hash := signed.Hash()
	sent := false
	err := c.retrier.Do(ctx, "send "+hash.Hex(), func(ctx context.Context) error {
		sent = true
		err := c.backend.SendTransaction(ctx, signed)
		switch {
		case err == nil:
			return nil
		case isAlreadyKnown(err):
			return nil
		case isNonceConflict(err):
			// An earlier attempt of this same transaction may have been mined.
			if rcpt, rerr := c.backend.TransactionReceipt(ctx, hash); rerr == nil && rcpt != nil {
				return nil
			}
			return resiliency.Permanent(fmt.Errorf("%w: %w: %v", ErrRejected, ErrNonceStale, err))
		}
		if _, ok := rpcRejection(err); ok {
			return resiliency.Permanent(fmt.Errorf("%w: %v", ErrRejected, err))
		}
		return err
	})
	if err == nil || errors.Is(err, ErrRejected) {
		return err
	}
	if !sent {
		return fmt.Errorf("%w: %v", ErrDependencyUnavailable, err)
	}
	return fmt.Errorf("%w: %w: %v", ErrSubmissionUnknown, ErrNonceStale, err)
}

func (c *Client) pendingNonce(ctx context.Context) (uint64, error) {
	var nonce uint64
	err := c.retrier.Do(ctx, "pending nonce", func(ctx context.Context) error {
		n, err := c.backend.PendingNonceAt(ctx, c.from)
		if err != nil {
			return readErr(err)
		}
		nonce = n
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrDependencyUnavailable, err)
	}
	c.logger.Debug("operator nonce synced", "operator", c.from.Hex(), "nonce", nonce)
	return nonce, nil
}

func (c *Client) estimateGas(ctx context.Context, data []byte) (uint64, error) {
	var gas uint64
	err := c.retrier.Do(ctx, "estimate gas", func(ctx context.Context) error {
		g, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{From: c.from, To: &c.cfg.Token, Data: data})
		if err != nil {
			if isExecutionRevert(err) {
				return resiliency.Permanent(fmt.Errorf("%w: %v", ErrReverted, err))
			}
			return readErr(err)
		}
		gas = g
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrReverted) {
			return 0, err
		}
		c.logger.Warn("gas estimation failed, using fallback", "gas", c.cfg.GasLimitFallback, "error", err)
		return c.cfg.GasLimitFallback, nil
	}
	return gas, nil
}

// fees prices an EIP-1559 transaction: cap = tip + 2*baseFee.
func (c *Client) fees(ctx context.Context) (*big.Int, *big.Int, error) {
	var baseFee, tip *big.Int
	err := c.retrier.Do(ctx, "fee lookup", func(ctx context.Context) error {
		head, err := c.backend.HeaderByNumber(ctx, nil)
		if err != nil {
			return readErr(err)
		}
		t, err := c.backend.SuggestGasTipCap(ctx)
		if err != nil {
			return readErr(err)
		}
		baseFee, tip = head.BaseFee, t
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrDependencyUnavailable, err)
	}
	if baseFee == nil {
		baseFee = new(big.Int)
	}
	feeCap := new(big.Int).Add(tip, new(big.Int).Mul(baseFee, big.NewInt(2)))
	return tip, feeCap, nil
}

// AwaitConfirmation polls for the receipt of tx until it has the configured
// number of confirmations or timeout elapses. OutcomeTimedOut says nothing
// about whether the transfer will land.
func (c *Client) AwaitConfirmation(ctx context.Context, tx *Tx, timeout time.Duration) (Outcome, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		status, _, err := c.receiptStatus(waitCtx, tx.Hash)
		if err != nil {
			c.logger.Debug("receipt poll failed", "tx_hash", tx.Hash.Hex(), "error", err)
		}
		switch status {
		case StatusConfirmed:
			return OutcomeConfirmed, nil
		case StatusReverted:
			return OutcomeReverted, nil
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return OutcomeTimedOut, nil
		case <-ticker.C:
		}
	}
}

// receiptStatus returns Confirmed or Reverted once a sufficiently deep
// receipt exists, and Submitted otherwise. mined reports whether any
// receipt exists, however shallow.
func (c *Client) receiptStatus(ctx context.Context, hash common.Hash) (status Status, mined bool, err error) {
	rcpt, err := c.backend.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return StatusSubmitted, false, nil
		}
		return StatusSubmitted, false, err
	}
	if rcpt.Status == types.ReceiptStatusFailed {
		return StatusReverted, true, nil
	}
	if c.cfg.MinConfirmations > 1 && rcpt.BlockNumber != nil {
		head, err := c.backend.BlockNumber(ctx)
		if err != nil {
			return StatusSubmitted, true, err
		}
		if head+1 < rcpt.BlockNumber.Uint64()+c.cfg.MinConfirmations {
			return StatusSubmitted, true, nil
		}
	}
	return StatusConfirmed, true, nil
}

// Lookup reports the current status of a transfer for reconciliation.
// Only a transfer with no receipt at all, whose nonce the operator account
// has already used on chain, is reported Dropped. A receipt still short of
// the required depth stays Submitted.
func (c *Client) Lookup(ctx context.Context, hash common.Hash, nonce uint64) (Status, error) {
	var status Status
	err := c.retrier.Do(ctx, "lookup "+hash.Hex(), func(ctx context.Context) error {
		s, mined, err := c.receiptStatus(ctx, hash)
		if err != nil {
			return readErr(err)
		}
		if mined {
			status = s
			return nil
		}
		used, err := c.backend.NonceAt(ctx, c.from, nil)
		if err != nil {
			return readErr(err)
		}
		if used <= nonce {
			status = StatusSubmitted
			return nil
		}
		// The receipt may have landed between the two calls.
		s, mined, err = c.receiptStatus(ctx, hash)
		if err != nil {
			return readErr(err)
		}
		if mined {
			status = s
			return nil
		}
		status = StatusDropped
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDependencyUnavailable, err)
	}
	return status, nil
}

// TokenBalance returns the operator's token balance.
func (c *Client) TokenBalance(ctx context.Context) (*big.Int, error) {
	data, err := tokenABI.Pack("balanceOf", c.from)
	if err != nil {
		return nil, err
	}
	var out []byte
	err = c.retrier.Do(ctx, "balance", func(ctx context.Context) error {
		res, err := c.backend.CallContract(ctx, ethereum.CallMsg{From: c.from, To: &c.cfg.Token, Data: data}, nil)
		if err != nil {
			return readErr(err)
		}
		out = res
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDependencyUnavailable, err)
	}
	values, err := tokenABI.Unpack("balanceOf", out)
	if err != nil {
		return nil, fmt.Errorf("decode balance: %w", err)
	}
	balance, ok := values[0].(*big.Int)
	if !ok {
		return nil, errors.New("decode balance: unexpected type")
	}
	return balance, nil
}

// readErr marks JSON-RPC error replies as permanent for read calls; any
// other error is treated as transport trouble and retried.
func readErr(err error) error {
	if _, ok := rpcRejection(err); ok {
		return resiliency.Permanent(err)
	}
	return err
}
