package disburse_test

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dawar2151/Learning-Rewards-Protocol/pkg/disburse"
	"github.com/dawar2151/Learning-Rewards-Protocol/pkg/disburse/disbursetest"
	"github.com/dawar2151/Learning-Rewards-Protocol/pkg/util/resiliency"
)

var (
	token     = common.HexToAddress("0x00000000000000000000000000000000000070c3")
	recipient = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	oneToken  = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
)

func testConfig() disburse.Config {
	return disburse.Config{
		Token:            token,
		GasLimitFallback: 90_000,
		Backoff:          resiliency.BackoffPolicy{Base: time.Millisecond, Max: 5 * time.Millisecond, MaxAttempts: 3},
		BreakerThreshold: 100,
		BreakerReset:     time.Second,
		PollInterval:     5 * time.Millisecond,
		MinConfirmations: 1,
	}
}

func newClient(t *testing.T, backend *disbursetest.Backend, cfg disburse.Config) (*disburse.Client, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	c, err := disburse.NewClient(context.Background(), backend, key, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c, key
}

func TestTransfer_SignsRecordsAndBroadcasts(t *testing.T) {
	backend := disbursetest.NewBackend(31337)
	backend.Configure(func(b *disbursetest.Backend) { b.AutoMine = true })
	c, _ := newClient(t, backend, testConfig())
	ctx := context.Background()

	var (
		signedHash  common.Hash
		signedNonce uint64
		sentAtSign  int
	)
	tx, err := c.Transfer(ctx, disburse.TransferRequest{
		To:     recipient,
		Amount: oneToken,
		OnSigned: func(ctx context.Context, hash common.Hash, nonce uint64) error {
			signedHash, signedNonce = hash, nonce
			sentAtSign = len(backend.Sent())
			return nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, signedHash, tx.Hash)
	assert.Equal(t, signedNonce, tx.Nonce)
	assert.Equal(t, 0, sentAtSign, "hash must be recorded before broadcast")

	sent := backend.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, token, *sent[0].To())
	assert.Equal(t, int64(31337), sent[0].ChainId().Int64())
	to, amount, err := disburse.UnpackTransfer(sent[0].Data())
	require.NoError(t, err)
	assert.Equal(t, recipient, to)
	assert.Equal(t, 0, amount.Cmp(oneToken))
	assert.Equal(t, uint64(52_000), sent[0].Gas())
	// tip 0.1 gwei + 2 * 1 gwei base fee
	assert.Equal(t, 0, big.NewInt(2_100_000_000).Cmp(sent[0].GasFeeCap()))

	outcome, err := c.AwaitConfirmation(ctx, tx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, disburse.OutcomeConfirmed, outcome)
}

func TestTransfer_ConcurrentNoncesAreContiguous(t *testing.T) {
	backend := disbursetest.NewBackend(1)
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	operator := ethcrypto.PubkeyToAddress(key.PublicKey)
	backend.SetNonce(operator, 7)

	c, err := disburse.NewClient(context.Background(), backend, key, testConfig(), nil)
	require.NoError(t, err)
	defer c.Close()

	const m = 25
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		nonces []uint64
	)
	for i := 0; i < m; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx, err := c.Transfer(context.Background(), disburse.TransferRequest{To: recipient, Amount: oneToken})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			nonces = append(nonces, tx.Nonce)
			mu.Unlock()
		}()
	}
	wg.Wait()

	sort.Slice(nonces, func(i, j int) bool { return nonces[i] < nonces[j] })
	want := make([]uint64, m)
	for i := range want {
		want[i] = uint64(7 + i)
	}
	assert.Equal(t, want, nonces)
	assert.Len(t, backend.Sent(), m)
}

func TestTransfer_RetriesTransportErrors(t *testing.T) {
	backend := disbursetest.NewBackend(1)
	c, _ := newClient(t, backend, testConfig())
	backend.Configure(func(b *disbursetest.Backend) { b.FailSends = 2 })

	tx, err := c.Transfer(context.Background(), disburse.TransferRequest{To: recipient, Amount: oneToken})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), tx.Nonce)
	assert.Len(t, backend.Sent(), 1)
}

func TestTransfer_AcceptedButUnacknowledgedIsNotResent(t *testing.T) {
	backend := disbursetest.NewBackend(1)
	c, _ := newClient(t, backend, testConfig())
	backend.Configure(func(b *disbursetest.Backend) { b.AcceptThenFail = 1 })

	tx, err := c.Transfer(context.Background(), disburse.TransferRequest{To: recipient, Amount: oneToken})
	require.NoError(t, err, "retry sees 'already known'")
	assert.Len(t, backend.Sent(), 1)
	assert.True(t, backend.Pooled(tx.Hash))
}

func TestTransfer_EstimateRevertIsTerminal(t *testing.T) {
	backend := disbursetest.NewBackend(1)
	c, _ := newClient(t, backend, testConfig())
	backend.Configure(func(b *disbursetest.Backend) { b.RevertEstimate = true })

	signed := false
	_, err := c.Transfer(context.Background(), disburse.TransferRequest{
		To: recipient, Amount: oneToken,
		OnSigned: func(context.Context, common.Hash, uint64) error { signed = true; return nil },
	})
	assert.ErrorIs(t, err, disburse.ErrReverted)
	assert.False(t, signed)
	assert.Empty(t, backend.Sent())
}

func TestTransfer_RejectionDoesNotSpendNonce(t *testing.T) {
	backend := disbursetest.NewBackend(1)
	c, _ := newClient(t, backend, testConfig())
	backend.Configure(func(b *disbursetest.Backend) {
		b.RejectSends = &disbursetest.RPCError{Code: -32000, Message: "insufficient funds for gas * price + value"}
	})

	tx, err := c.Transfer(context.Background(), disburse.TransferRequest{To: recipient, Amount: oneToken})
	assert.ErrorIs(t, err, disburse.ErrRejected)
	assert.Nil(t, tx)

	backend.Configure(func(b *disbursetest.Backend) { b.RejectSends = nil })
	tx, err = c.Transfer(context.Background(), disburse.TransferRequest{To: recipient, Amount: oneToken})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), tx.Nonce)
}

func TestTransfer_UnknownOutcomeReturnsSignedTx(t *testing.T) {
	backend := disbursetest.NewBackend(1)
	c, _ := newClient(t, backend, testConfig())
	backend.Configure(func(b *disbursetest.Backend) { b.FailSends = 100 })

	tx, err := c.Transfer(context.Background(), disburse.TransferRequest{To: recipient, Amount: oneToken})
	assert.ErrorIs(t, err, disburse.ErrSubmissionUnknown)
	require.NotNil(t, tx)
	assert.NotEqual(t, common.Hash{}, tx.Hash)

	// The sequencer resyncs from the node, which never saw the transfer.
	backend.Configure(func(b *disbursetest.Backend) { b.FailSends = 0 })
	next, err := c.Transfer(context.Background(), disburse.TransferRequest{To: recipient, Amount: oneToken})
	require.NoError(t, err)
	assert.Equal(t, tx.Nonce, next.Nonce)
}

func TestTransfer_ResyncsAfterExternalNonceUse(t *testing.T) {
	backend := disbursetest.NewBackend(1)
	c, _ := newClient(t, backend, testConfig())
	ctx := context.Background()

	first, err := c.Transfer(ctx, disburse.TransferRequest{To: recipient, Amount: oneToken})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), first.Nonce)

	// Another process spends nonces 1..4 from the same account.
	backend.SetNonce(c.Operator(), 5)

	second, err := c.Transfer(ctx, disburse.TransferRequest{To: recipient, Amount: oneToken})
	require.NoError(t, err)
	assert.Equal(t, uint64(5), second.Nonce)
}

func TestTransfer_DependencyUnavailable(t *testing.T) {
	backend := disbursetest.NewBackend(1)
	c, _ := newClient(t, backend, testConfig())
	backend.Configure(func(b *disbursetest.Backend) { b.Down = true })

	_, err := c.Transfer(context.Background(), disburse.TransferRequest{To: recipient, Amount: oneToken})
	assert.ErrorIs(t, err, disburse.ErrDependencyUnavailable)
	assert.NotErrorIs(t, err, disburse.ErrSubmissionUnknown)
}

func TestAwaitConfirmation(t *testing.T) {
	ctx := context.Background()

	t.Run("timeout leaves the outcome open", func(t *testing.T) {
		backend := disbursetest.NewBackend(1)
		c, _ := newClient(t, backend, testConfig())

		tx, err := c.Transfer(ctx, disburse.TransferRequest{To: recipient, Amount: oneToken})
		require.NoError(t, err)

		outcome, err := c.AwaitConfirmation(ctx, tx, 30*time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, disburse.OutcomeTimedOut, outcome)
		assert.True(t, backend.Pooled(tx.Hash))
	})

	t.Run("reverted", func(t *testing.T) {
		backend := disbursetest.NewBackend(1)
		backend.Configure(func(b *disbursetest.Backend) { b.AutoMine = true; b.RevertOnMine = true })
		c, _ := newClient(t, backend, testConfig())

		tx, err := c.Transfer(ctx, disburse.TransferRequest{To: recipient, Amount: oneToken})
		require.NoError(t, err)

		outcome, err := c.AwaitConfirmation(ctx, tx, time.Second)
		require.NoError(t, err)
		assert.Equal(t, disburse.OutcomeReverted, outcome)
	})

	t.Run("waits for confirmations", func(t *testing.T) {
		backend := disbursetest.NewBackend(1)
		backend.Configure(func(b *disbursetest.Backend) { b.AutoMine = true })
		cfg := testConfig()
		cfg.MinConfirmations = 3
		c, _ := newClient(t, backend, cfg)

		tx, err := c.Transfer(ctx, disburse.TransferRequest{To: recipient, Amount: oneToken})
		require.NoError(t, err)

		outcome, err := c.AwaitConfirmation(ctx, tx, 30*time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, disburse.OutcomeTimedOut, outcome)

		backend.AdvanceBlocks(2)
		outcome, err = c.AwaitConfirmation(ctx, tx, time.Second)
		require.NoError(t, err)
		assert.Equal(t, disburse.OutcomeConfirmed, outcome)
	})

	t.Run("caller cancellation", func(t *testing.T) {
		backend := disbursetest.NewBackend(1)
		c, _ := newClient(t, backend, testConfig())

		tx, err := c.Transfer(ctx, disburse.TransferRequest{To: recipient, Amount: oneToken})
		require.NoError(t, err)

		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err = c.AwaitConfirmation(cctx, tx, time.Second)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestLookup(t *testing.T) {
	ctx := context.Background()
	backend := disbursetest.NewBackend(1)
	c, _ := newClient(t, backend, testConfig())

	a, err := c.Transfer(ctx, disburse.TransferRequest{To: recipient, Amount: oneToken})
	require.NoError(t, err)
	b, err := c.Transfer(ctx, disburse.TransferRequest{To: recipient, Amount: oneToken})
	require.NoError(t, err)

	status, err := c.Lookup(ctx, a.Hash, a.Nonce)
	require.NoError(t, err)
	assert.Equal(t, disburse.StatusSubmitted, status)

	backend.Replace(a.Hash)
	status, err = c.Lookup(ctx, a.Hash, a.Nonce)
	require.NoError(t, err)
	assert.Equal(t, disburse.StatusDropped, status)

	backend.Mine()
	status, err = c.Lookup(ctx, b.Hash, b.Nonce)
	require.NoError(t, err)
	assert.Equal(t, disburse.StatusConfirmed, status)

	backend.Configure(func(b *disbursetest.Backend) { b.Down = true })
	_, err = c.Lookup(ctx, b.Hash, b.Nonce)
	assert.ErrorIs(t, err, disburse.ErrDependencyUnavailable)
}

func TestLookup_ShallowReceiptIsNotDropped(t *testing.T) {
	ctx := context.Background()
	backend := disbursetest.NewBackend(1)
	cfg := testConfig()
	cfg.MinConfirmations = 3
	c, _ := newClient(t, backend, cfg)

	tx, err := c.Transfer(ctx, disburse.TransferRequest{To: recipient, Amount: oneToken})
	require.NoError(t, err)

	// Mined with one confirmation; the account nonce has moved past tx.
	backend.Mine()
	status, err := c.Lookup(ctx, tx.Hash, tx.Nonce)
	require.NoError(t, err)
	assert.Equal(t, disburse.StatusSubmitted, status)

	backend.AdvanceBlocks(2)
	status, err = c.Lookup(ctx, tx.Hash, tx.Nonce)
	require.NoError(t, err)
	assert.Equal(t, disburse.StatusConfirmed, status)
}

func TestNewClient_ChainIDMismatch(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	cfg := testConfig()
	cfg.ChainID = big.NewInt(5)

	_, err = disburse.NewClient(context.Background(), disbursetest.NewBackend(1), key, cfg, nil)
	assert.ErrorContains(t, err, "chain id mismatch")
}

func TestTokenBalance(t *testing.T) {
	c, _ := newClient(t, disbursetest.NewBackend(1), testConfig())

	balance, err := c.TokenBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, balance.Cmp(new(big.Int).Lsh(big.NewInt(1), 100)))
}

func TestLoadOperatorKey(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	hexKey := common.Bytes2Hex(ethcrypto.FromECDSA(key))

	for _, in := range []string{hexKey, "0x" + hexKey, " 0x" + hexKey + "\n"} {
		got, addr, err := disburse.LoadOperatorKey(in)
		require.NoError(t, err)
		assert.Equal(t, ethcrypto.PubkeyToAddress(key.PublicKey), addr)
		assert.Equal(t, ethcrypto.FromECDSA(key), ethcrypto.FromECDSA(got))
	}

	_, _, err = disburse.LoadOperatorKey("")
	assert.Error(t, err)
	_, _, err = disburse.LoadOperatorKey("0xnothex")
	assert.Error(t, err)
}

func TestPackTransferRejectsNonPositiveAmounts(t *testing.T) {
	_, err := disburse.PackTransfer(recipient, big.NewInt(0))
	assert.Error(t, err)
	_, err = disburse.PackTransfer(recipient, nil)
	assert.Error(t, err)
}
