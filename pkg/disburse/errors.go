package disburse

import (
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
)

var (
	// ErrReverted means the transfer would revert or did revert on chain.
	ErrReverted = errors.New("transfer reverted")

	// ErrRejected means the node answered and refused the transaction.
	// Nothing was broadcast.
	ErrRejected = errors.New("transfer rejected")

	// ErrDependencyUnavailable means the RPC endpoint could not be reached
	// within the retry budget before anything was broadcast.
	ErrDependencyUnavailable = errors.New("rpc unavailable")

	// ErrSubmissionUnknown means a signed transaction may or may not have
	// reached the network. It must be settled by reconciliation, never by
	// assuming failure.
	ErrSubmissionUnknown = errors.New("submission outcome unknown")

	// ErrNonceStale tells the sequencer to re-read the account nonce.
	ErrNonceStale = errors.New("operator nonce out of sync")
)

// rpcRejection returns the node's error if err is a JSON-RPC error reply.
func rpcRejection(err error) (rpc.Error, bool) {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return rpcErr, true
	}
	return nil, false
}

func isAlreadyKnown(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}

func isNonceConflict(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "nonce too low") || strings.Contains(msg, "replacement transaction underpriced")
}

func isExecutionRevert(err error) bool {
	rpcErr, ok := rpcRejection(err)
	if !ok {
		return false
	}
	// code 3 carries revert data on geth-compatible nodes
	return rpcErr.ErrorCode() == 3 || strings.Contains(strings.ToLower(rpcErr.Error()), "execution reverted")
}
