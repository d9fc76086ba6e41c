// Package nodeerr defines the sentinel error taxonomy surfaced to callers of
// the node façade and its collaborators. Authentication errors are logged
// and dropped at the point of receipt rather than returned as an RPC
// response (to avoid signature oracles); the sentinels below for those
// kinds exist for local bookkeeping and tests, not for wire replies.
package nodeerr

import "errors"

var (
	ErrAlreadyOpen         = errors.New("node already open")
	ErrNotOpen             = errors.New("node not open")
	ErrTransport           = errors.New("transport error")
	ErrSignatureInvalid    = errors.New("signature invalid")
	ErrNonceExpired        = errors.New("nonce expired")
	ErrNodeIDMismatch      = errors.New("node id mismatch")
	ErrPeerNotFound        = errors.New("peer not found")
	ErrBadResponse         = errors.New("bad response")
	ErrContractRejected    = errors.New("contract rejected")
	ErrChallengesExhausted = errors.New("challenges exhausted")
	ErrStorage             = errors.New("storage error")
)
