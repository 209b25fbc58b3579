package disburse

import (
	"context"
	"errors"
	"sync"
)

// ErrSequencerClosed is returned by Submit after Close.
var ErrSequencerClosed = errors.New("sequencer closed")

// SubmitFunc signs and broadcasts a transaction using nonce. Returning nil
// means the network accepted it and the nonce is spent.
type SubmitFunc func(ctx context.Context, nonce uint64) error

type sequencerReq struct {
	ctx   context.Context
	fn    SubmitFunc
	reply chan error
}

// Sequencer is the single owner of the operator account nonce. Submissions
// run one at a time on its goroutine, so nonces are handed out strictly
// increasing and a nonce is only advanced once a broadcast is accepted.
type Sequencer struct {
	seed      func(ctx context.Context) (uint64, error)
	reqs      chan sequencerReq
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	// owned by the run goroutine
	next   uint64
	seeded bool
}

// NewSequencer starts a sequencer that reads its starting nonce with seed
// on first use and after any ErrNonceStale.
func NewSequencer(seed func(ctx context.Context) (uint64, error)) *Sequencer {
	s := &Sequencer{
		seed: seed,
		reqs: make(chan sequencerReq),
		done: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Submit runs fn with the next nonce and waits for it to finish.
func (s *Sequencer) Submit(ctx context.Context, fn SubmitFunc) error {
	req := sequencerReq{ctx: ctx, fn: fn, reply: make(chan error, 1)}
	select {
	case s.reqs <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSequencerClosed
	}
	// fn owns the outcome of a possibly broadcast transaction; always wait.
	return <-req.reply
}

// Close stops the sequencer after the submission in progress, if any.
func (s *Sequencer) Close() {
	s.closeOnce.Do(func() { close(s.done) })
	s.wg.Wait()
}

func (s *Sequencer) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case req := <-s.reqs:
			req.reply <- s.handle(req)
		}
	}
}

func (s *Sequencer) handle(req sequencerReq) error {
	if !s.seeded {
		n, err := s.seed(req.ctx)
		if err != nil {
			return err
		}
		s.next = n
		s.seeded = true
	}

	err := req.fn(req.ctx, s.next)
	if err == nil {
		s.next++
		return nil
	}
	if errors.Is(err, ErrNonceStale) {
		s.seeded = false
	}
	return err
}
