package claims

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dawar2151/Learning-Rewards-Protocol/pkg/challenge"
	"github.com/dawar2151/Learning-Rewards-Protocol/pkg/crypto"
	"github.com/dawar2151/Learning-Rewards-Protocol/pkg/disburse"
	"github.com/dawar2151/Learning-Rewards-Protocol/pkg/disburse/disbursetest"
	"github.com/dawar2151/Learning-Rewards-Protocol/pkg/store/ledger"
	"github.com/dawar2151/Learning-Rewards-Protocol/pkg/util/resiliency"
)

var oneToken = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

type harness struct {
	svc     *Service
	backend *disbursetest.Backend
	ledger  *ledger.MemoryLedger
	client  *disburse.Client
}

type harnessOpts struct {
	autoMine       bool
	confirmTimeout time.Duration
	windows        WindowPolicy
	clock          func() time.Time
	wrap           func(Disburser) Disburser
}

func newHarness(t *testing.T, opts harnessOpts) *harness {
	t.Helper()
	backend := disbursetest.NewBackend(31337)
	backend.Configure(func(b *disbursetest.Backend) { b.AutoMine = opts.autoMine })

	operator, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	client, err := disburse.NewClient(context.Background(), backend, operator, disburse.Config{
		Token:            common.HexToAddress("0x00000000000000000000000000000000000070c3"),
		Backoff:          resiliency.BackoffPolicy{Base: time.Millisecond, Max: 2 * time.Millisecond, MaxAttempts: 2},
		BreakerThreshold: 1000,
		PollInterval:     2 * time.Millisecond,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	store := challenge.NewMemoryStore()
	t.Cleanup(store.Close)

	if opts.confirmTimeout == 0 {
		opts.confirmTimeout = 2 * time.Second
	}
	if opts.windows == nil {
		opts.windows = FixedWindow("W1")
	}
	var disburser Disburser = client
	if opts.wrap != nil {
		disburser = opts.wrap(client)
	}

	l := ledger.NewMemoryLedger(ledger.RetryPolicy{AllowAfterFailure: true})
	svc, err := NewService(Config{Amount: oneToken, ConfirmTimeout: opts.confirmTimeout}, Deps{
		Verifier:   crypto.NewPersonalVerifier(),
		Challenges: challenge.NewIssuer(store, 10*time.Minute),
		Ledger:     l,
		Disburser:  disburser,
		Windows:    opts.windows,
		Clock:      opts.clock,
	})
	require.NoError(t, err)
	return &harness{svc: svc, backend: backend, ledger: l, client: client}
}

func newClaimant(t *testing.T) (*ecdsa.PrivateKey, common.Address) {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	return key, ethcrypto.PubkeyToAddress(key.PublicKey)
}

// signedRequest fetches a challenge for address and signs it with key.
func (h *harness) signedRequest(t *testing.T, key *ecdsa.PrivateKey, address common.Address) Request {
	t.Helper()
	c, err := h.svc.IssueChallenge(context.Background(), address.Hex())
	require.NoError(t, err)
	sig, err := crypto.SignPersonal(key, c.Message())
	require.NoError(t, err)
	return Request{Address: address.Hex(), Signature: hexutil.Encode(sig), Message: c.Message()}
}

func TestClaim_ConfirmedThenDuplicate(t *testing.T) {
	h := newHarness(t, harnessOpts{autoMine: true})
	key, addr := newClaimant(t)
	req := h.signedRequest(t, key, addr)
	ctx := context.Background()

	res, err := h.svc.Claim(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, res.Status)
	require.NotEmpty(t, res.TxHash)

	again, err := h.svc.Claim(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicate, again.Status)
	assert.Equal(t, res.TxHash, again.TxHash)

	// A fresh challenge in the same window is also a duplicate.
	fresh, err := h.svc.Claim(ctx, h.signedRequest(t, key, addr))
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicate, fresh.Status)

	sent := h.backend.Sent()
	require.Len(t, sent, 1, "exactly one disbursement")
	to, amount, err := disburse.UnpackTransfer(sent[0].Data())
	require.NoError(t, err)
	assert.Equal(t, addr, to)
	assert.Equal(t, 0, amount.Cmp(oneToken))

	records, err := h.svc.History(ctx, addr.Hex())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, ledger.StateConfirmed, records[0].State)
	assert.Equal(t, "W1", records[0].WindowID)
	assert.Equal(t, res.TxHash, records[0].TxHash)
}

func TestClaim_SignatureFromAnotherKey(t *testing.T) {
	h := newHarness(t, harnessOpts{autoMine: true})
	_, addr := newClaimant(t)
	otherKey, _ := newClaimant(t)

	req := h.signedRequest(t, otherKey, addr)
	res, err := h.svc.Claim(context.Background(), req)
	assert.ErrorIs(t, err, ErrInvalidSignature)
	assert.Equal(t, StatusRejected, res.Status)
	assert.Equal(t, "InvalidSignature", res.Reason)

	records, err := h.ledger.ListByAddress(context.Background(), addr)
	require.NoError(t, err)
	assert.Empty(t, records, "no ledger record for a bad signature")
	assert.Empty(t, h.backend.Sent())
}

func TestClaim_ConfirmationTimeoutIsPending(t *testing.T) {
	h := newHarness(t, harnessOpts{autoMine: false, confirmTimeout: 20 * time.Millisecond})
	key, addr := newClaimant(t)
	ctx := context.Background()

	res, err := h.svc.Claim(ctx, h.signedRequest(t, key, addr))
	require.NoError(t, err)
	assert.Equal(t, StatusPending, res.Status)
	require.NotEmpty(t, res.TxHash)

	latest, err := h.ledger.Latest(ctx, ledger.Key{Address: addr, WindowID: "W1"})
	require.NoError(t, err)
	assert.Equal(t, ledger.StatePending, latest.State)
	assert.Equal(t, res.TxHash, latest.TxHash)
	require.NotNil(t, latest.TxNonce)

	// While pending, another claim is refused as in flight.
	again, err := h.svc.Claim(ctx, h.signedRequest(t, key, addr))
	assert.ErrorIs(t, err, ErrAlreadyClaimed)
	assert.Equal(t, "AlreadyClaimed", again.Reason)
	assert.Equal(t, res.TxHash, again.TxHash)
	assert.Len(t, h.backend.Sent(), 1)
}

func TestClaim_ConcurrentIdenticalRequests(t *testing.T) {
	h := newHarness(t, harnessOpts{autoMine: true})
	key, addr := newClaimant(t)
	req := h.signedRequest(t, key, addr)

	const n = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		confirmed int
		reasons   = make(map[string]int)
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			res, _ := h.svc.Claim(context.Background(), req)
			mu.Lock()
			defer mu.Unlock()
			if res.Status == StatusConfirmed {
				confirmed++
				return
			}
			reasons[string(res.Status)+"/"+res.Reason]++
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, confirmed)
	for k := range reasons {
		assert.Contains(t, []string{"duplicate/", "rejected/AlreadyClaimed", "rejected/InvalidChallenge"}, k)
	}
	assert.Len(t, h.backend.Sent(), 1)
}

func TestClaim_RejectsBadInput(t *testing.T) {
	h := newHarness(t, harnessOpts{autoMine: true})
	key, addr := newClaimant(t)
	good := h.signedRequest(t, key, addr)

	tests := []struct {
		name   string
		mutate func(r *Request)
		want   error
	}{
		{"address without prefix", func(r *Request) { r.Address = r.Address[2:] }, ErrInvalidRequest},
		{"short address", func(r *Request) { r.Address = "0x1234" }, ErrInvalidRequest},
		{"signature not hex", func(r *Request) { r.Signature = "0xzz" }, ErrInvalidSignature},
		{"signature truncated", func(r *Request) { r.Signature = r.Signature[:100] }, ErrInvalidSignature},
		{"signature 49 bytes", func(r *Request) { r.Signature = "0x" + strings.Repeat("ab", 49) }, ErrInvalidSignature},
		{"empty message", func(r *Request) { r.Message = "" }, ErrInvalidRequest},
		{"message altered", func(r *Request) { r.Message += " " }, ErrInvalidSignature},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := good
			tt.mutate(&req)
			res, err := h.svc.Claim(context.Background(), req)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, StatusRejected, res.Status)
			assert.Equal(t, Reason(tt.want), res.Reason)
		})
	}
	assert.Empty(t, h.backend.Sent())
}

func TestClaim_ChallengeBinding(t *testing.T) {
	ctx := context.Background()

	t.Run("signed free text is not a challenge", func(t *testing.T) {
		h := newHarness(t, harnessOpts{autoMine: true})
		key, addr := newClaimant(t)
		msg := "I would like my reward please"
		sig, err := crypto.SignPersonal(key, msg)
		require.NoError(t, err)

		_, err = h.svc.Claim(ctx, Request{Address: addr.Hex(), Signature: hexutil.Encode(sig), Message: msg})
		assert.ErrorIs(t, err, ErrInvalidChallenge)
	})

	t.Run("challenge issued to another address", func(t *testing.T) {
		h := newHarness(t, harnessOpts{autoMine: true})
		key, addr := newClaimant(t)
		_, other := newClaimant(t)

		c, err := h.svc.IssueChallenge(ctx, other.Hex())
		require.NoError(t, err)
		sig, err := crypto.SignPersonal(key, c.Message())
		require.NoError(t, err)

		_, err = h.svc.Claim(ctx, Request{Address: addr.Hex(), Signature: hexutil.Encode(sig), Message: c.Message()})
		assert.ErrorIs(t, err, ErrInvalidChallenge)
	})

	t.Run("forged nonce", func(t *testing.T) {
		h := newHarness(t, harnessOpts{autoMine: true})
		key, addr := newClaimant(t)
		c := challenge.Challenge{Address: addr, WindowID: "W1", Nonce: "8f14e45f-ceea-467f-a0e6-8d5b7f9a3c21", IssuedAt: time.Now().UTC().Truncate(time.Second)}
		sig, err := crypto.SignPersonal(key, c.Message())
		require.NoError(t, err)

		_, err = h.svc.Claim(ctx, Request{Address: addr.Hex(), Signature: hexutil.Encode(sig), Message: c.Message()})
		assert.ErrorIs(t, err, ErrInvalidChallenge)
		assert.Empty(t, h.backend.Sent())
	})

	t.Run("window closed", func(t *testing.T) {
		now := time.Unix(1_800_000_000, 0)
		var mu sync.Mutex
		clock := func() time.Time { mu.Lock(); defer mu.Unlock(); return now }
		h := newHarness(t, harnessOpts{autoMine: true, windows: EpochWindow{Length: time.Hour}, clock: clock})
		key, addr := newClaimant(t)
		req := h.signedRequest(t, key, addr)

		mu.Lock()
		now = now.Add(time.Hour)
		mu.Unlock()

		_, err := h.svc.Claim(ctx, req)
		assert.ErrorIs(t, err, ErrInvalidChallenge)

		res, err := h.svc.Claim(ctx, h.signedRequest(t, key, addr))
		require.NoError(t, err)
		assert.Equal(t, StatusConfirmed, res.Status)
	})
}

func TestClaim_RevertedAllowsLaterAttempt(t *testing.T) {
	h := newHarness(t, harnessOpts{autoMine: true})
	h.backend.Configure(func(b *disbursetest.Backend) { b.RevertOnMine = true })
	key, addr := newClaimant(t)
	ctx := context.Background()

	res, err := h.svc.Claim(ctx, h.signedRequest(t, key, addr))
	assert.ErrorIs(t, err, ErrDisbursementFailed)
	assert.Equal(t, "DisbursementFailed", res.Reason)
	assert.NotEmpty(t, res.TxHash)

	latest, err := h.ledger.Latest(ctx, ledger.Key{Address: addr, WindowID: "W1"})
	require.NoError(t, err)
	assert.Equal(t, ledger.StateFailed, latest.State)

	h.backend.Configure(func(b *disbursetest.Backend) { b.RevertOnMine = false })
	res, err = h.svc.Claim(ctx, h.signedRequest(t, key, addr))
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, res.Status)

	history, err := h.svc.History(ctx, addr.Hex())
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, 2, history[1].Attempt)
}

func TestClaim_DisbursementErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("estimate revert", func(t *testing.T) {
		h := newHarness(t, harnessOpts{autoMine: true})
		h.backend.Configure(func(b *disbursetest.Backend) { b.RevertEstimate = true })
		key, addr := newClaimant(t)

		_, err := h.svc.Claim(ctx, h.signedRequest(t, key, addr))
		assert.ErrorIs(t, err, ErrDisbursementFailed)
		assert.Empty(t, h.backend.Sent())

		latest, err := h.ledger.Latest(ctx, ledger.Key{Address: addr, WindowID: "W1"})
		require.NoError(t, err)
		assert.Equal(t, ledger.StateFailed, latest.State)
	})

	t.Run("rpc down before broadcast", func(t *testing.T) {
		h := newHarness(t, harnessOpts{autoMine: true})
		key, addr := newClaimant(t)
		req := h.signedRequest(t, key, addr)
		h.backend.Configure(func(b *disbursetest.Backend) { b.Down = true })

		res, err := h.svc.Claim(ctx, req)
		assert.ErrorIs(t, err, ErrDependencyUnavailable)
		assert.Equal(t, "DependencyUnavailable", res.Reason)

		latest, err := h.ledger.Latest(ctx, ledger.Key{Address: addr, WindowID: "W1"})
		require.NoError(t, err)
		assert.Equal(t, ledger.StateFailed, latest.State)
	})

	t.Run("broadcast outcome unknown stays pending", func(t *testing.T) {
		h := newHarness(t, harnessOpts{autoMine: true})
		key, addr := newClaimant(t)
		req := h.signedRequest(t, key, addr)
		h.backend.Configure(func(b *disbursetest.Backend) { b.FailSends = 100 })

		res, err := h.svc.Claim(ctx, req)
		assert.ErrorIs(t, err, ErrDependencyUnavailable)
		assert.NotEmpty(t, res.TxHash)

		latest, err := h.ledger.Latest(ctx, ledger.Key{Address: addr, WindowID: "W1"})
		require.NoError(t, err)
		assert.Equal(t, ledger.StatePending, latest.State)
		assert.Equal(t, res.TxHash, latest.TxHash)
	})
}

type gatedDisburser struct {
	Disburser
	gate chan struct{}
}

func (g *gatedDisburser) Transfer(ctx context.Context, req disburse.TransferRequest) (*disburse.Tx, error) {
	<-g.gate
	return g.Disburser.Transfer(ctx, req)
}

func TestClaim_CallerCancellationDoesNotAbortDisbursement(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, harnessOpts{
		autoMine: true,
		wrap:     func(d Disburser) Disburser { return &gatedDisburser{Disburser: d, gate: gate} },
	})
	key, addr := newClaimant(t)
	req := h.signedRequest(t, key, addr)

	ctx, cancel := context.WithCancel(context.Background())
	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := h.svc.Claim(ctx, req)
		done <- outcome{res, err}
	}()

	require.Eventually(t, func() bool {
		pending, _ := h.ledger.ListPending(context.Background())
		return len(pending) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()
	got := <-done
	require.NoError(t, got.err)
	assert.Equal(t, StatusPending, got.res.Status)
	assert.Empty(t, got.res.Reason)

	close(gate)
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	require.NoError(t, h.svc.Wait(waitCtx))

	latest, err := h.ledger.Latest(context.Background(), ledger.Key{Address: addr, WindowID: "W1"})
	require.NoError(t, err)
	assert.Equal(t, ledger.StateConfirmed, latest.State)
}

func TestIssueChallenge(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	_, addr := newClaimant(t)

	c, err := h.svc.IssueChallenge(context.Background(), addr.Hex())
	require.NoError(t, err)
	assert.Equal(t, addr, c.Address)
	assert.Equal(t, "W1", c.WindowID)

	_, err = h.svc.IssueChallenge(context.Background(), "alice")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestNewService_Validates(t *testing.T) {
	_, err := NewService(Config{Amount: big.NewInt(0)}, Deps{})
	assert.Error(t, err)
	_, err = NewService(Config{Amount: oneToken}, Deps{})
	assert.Error(t, err)
}

func TestWindowPolicy(t *testing.T) {
	assert.Equal(t, "genesis", NewWindowPolicy("genesis", 0).Current(time.Now()))

	p := NewWindowPolicy("ignored", 24*time.Hour)
	day := time.Date(2026, 5, 4, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, p.Current(day), p.Current(day.Add(23*time.Hour)))
	assert.NotEqual(t, p.Current(day), p.Current(day.Add(24*time.Hour)))
	assert.Equal(t, "w1777852800", p.Current(day))
}

func TestReason(t *testing.T) {
	assert.Equal(t, "", Reason(nil))
	assert.Equal(t, "InvalidSignature", Reason(ErrInvalidSignature))
	assert.Equal(t, "AlreadyClaimed", Reason(errors.Join(errors.New("x"), ErrAlreadyClaimed)))
	assert.Equal(t, "DependencyUnavailable", Reason(errors.New("boom")))
}
