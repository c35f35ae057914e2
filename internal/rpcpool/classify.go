package rpcpool

import "strings"

// Classification is the outcome of classifying an error observed while
// talking to a chain RPC endpoint. It is consulted both by the fetcher
// (to stop retrying early) and by the activities layer (to choose
// between a retryable error and a non-retryable one), so the two call
// sites never disagree about a given error text. The pool's circuit
// breaker does not consult it: every reported failure counts.
type Classification int

const (
	Retryable Classification = iota
	NonRetryable
)

// transientSubstrings are matched case-insensitively against an error's
// text. Any match classifies the error as Retryable.
var transientSubstrings = []string{
	"timeout",
	"timed out",
	"connection reset",
	"connection refused",
	"broken pipe",
	"eof",
	"too many requests",
	"429",
	"rate limit",
	"500",
	"502",
	"503",
	"504",
	"service unavailable",
	"gateway",
	"temporarily unavailable",
	"node is behind",
	"blockhash not found",
	"no healthy upstream",
}

// nonRetryableSubstrings take priority over transientSubstrings when
// both could match (e.g. "invalid request: timeout field malformed"
// should still fail permanently).
var nonRetryableSubstrings = []string{
	"invalid param",
	"invalid request",
	"parse error",
	"method not found",
	"malformed",
	"signature verification failure",
	"instruction error",
	"400 bad request",
	"401",
	"403",
}

// Classify applies the fixed, case-insensitive substring rules of the
// error taxonomy. Unknown errors default to Retryable.
func Classify(err error) Classification {
	if err == nil {
		return Retryable
	}
	text := strings.ToLower(err.Error())
	for _, s := range nonRetryableSubstrings {
		if strings.Contains(text, s) {
			return NonRetryable
		}
	}
	for _, s := range transientSubstrings {
		if strings.Contains(text, s) {
			return Retryable
		}
	}
	return Retryable
}
