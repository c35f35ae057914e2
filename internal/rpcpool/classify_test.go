package rpcpool

import (
	"errors"
	"testing"
)

func TestClassify(t *testing.T) {
	cases := map[string]struct {
		err  error
		want Classification
	}{
		"429 too many requests": {err: errors.New("429 Too Many Requests"), want: Retryable},
		"connection reset":      {err: errors.New("read: connection reset by peer"), want: Retryable},
		"502 bad gateway":       {err: errors.New("502 Bad Gateway"), want: Retryable},
		"malformed request":     {err: errors.New("invalid request: malformed params"), want: NonRetryable},
		"method not found":      {err: errors.New("Method not found"), want: NonRetryable},
		"unknown error":         {err: errors.New("something unexpected happened"), want: Retryable},
		"nil error":             {err: nil, want: Retryable},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Fatalf("Classify(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}
