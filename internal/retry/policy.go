// Package retry runs remote operations under bounded, fixed-delay retry
// policies with pluggable retryable-error classification.
package retry

import (
	"errors"
	"strings"
	"time"

	"github.com/alanyoungcy/lpkeeper/internal/domain"
)

// Matcher reports whether err is worth another attempt.
type Matcher func(err error) bool

// Policy is an immutable retry configuration for one call site.
type Policy struct {
	Name        string
	MaxAttempts int
	Delay       time.Duration
	Retryable   []Matcher
}

// retryable reports whether any of the policy's matchers accepts err. Fatal
// errors are never retryable.
func (p Policy) retryable(err error) bool {
	if err == nil || domain.IsFatal(err) {
		return false
	}
	for _, m := range p.Retryable {
		if m(err) {
			return true
		}
	}
	return false
}

// WithAttempts returns a copy of p with a different attempt budget.
func (p Policy) WithAttempts(n int) Policy {
	p.MaxAttempts = n
	return p
}

// WithDelay returns a copy of p with a different inter-attempt delay.
func (p Policy) WithDelay(d time.Duration) Policy {
	p.Delay = d
	return p
}

// Substrings matches errors whose message contains any of subs, case
// insensitively.
func Substrings(subs ...string) Matcher {
	lowered := make([]string, len(subs))
	for i, s := range subs {
		lowered[i] = strings.ToLower(s)
	}
	return func(err error) bool {
		msg := strings.ToLower(err.Error())
		for _, s := range lowered {
			if strings.Contains(msg, s) {
				return true
			}
		}
		return false
	}
}

// Is matches errors that wrap target.
func Is(target error) Matcher {
	return func(err error) bool { return errors.Is(err, target) }
}

// As matches errors that wrap an E.
func As[E error]() Matcher {
	return func(err error) bool {
		var target E
		return errors.As(err, &target)
	}
}

// Any matches every non-fatal error.
func Any() Matcher {
	return func(error) bool { return true }
}

// transientSubstrings are RPC-level messages that clear up on their own.
var transientSubstrings = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
	"connection reset",
	"connection refused",
	"temporarily unavailable",
	"too many requests",
	"429",
	"503",
	"blockhash not found",
	"nonce too low",
	"replacement transaction underpriced",
}

// slippageSubstrings are on-chain rejections caused by price movement.
var slippageSubstrings = []string{
	"slippage",
	"exceeded bin slippage tolerance",
	"price moved",
	"active bin changed",
}

func transientMatchers() []Matcher {
	return []Matcher{
		Is(domain.ErrTransient),
		Is(domain.ErrSlippage),
		As[*ValidationError](), // unless the validator's error is fatal
		Substrings(transientSubstrings...),
		Substrings(slippageSubstrings...),
	}
}

// CreatePosition covers the create transaction of a single leg.
func CreatePosition() Policy {
	return Policy{Name: "create_position", MaxAttempts: 3, Delay: 2 * time.Second, Retryable: transientMatchers()}
}

// AddLiquidity covers augmenting deposits into existing legs.
func AddLiquidity() Policy {
	return Policy{Name: "add_liquidity", MaxAttempts: 3, Delay: 2 * time.Second, Retryable: transientMatchers()}
}

// ClosePosition covers close/withdraw-all during recovery and teardown.
func ClosePosition() Policy {
	return Policy{Name: "close_position", MaxAttempts: 3, Delay: 3 * time.Second, Retryable: transientMatchers()}
}

// MultiLeg wraps a whole multi-leg creation. Partial failures that were
// already recovered restart the plan from scratch. A plan whose legs all
// failed is retried only when every leg failure is.
func MultiLeg() Policy {
	generic := append(transientMatchers(), As[*domain.PartialFailureError]())
	return Policy{Name: "multi_leg", MaxAttempts: 3, Delay: 15 * time.Second, Retryable: []Matcher{legsFirst(generic)}}
}

// Extraction covers yield withdrawal submissions.
func Extraction() Policy {
	return Policy{Name: "extraction", MaxAttempts: 3, Delay: 5 * time.Second, Retryable: transientMatchers()}
}

// Default is the generic fallback.
func Default() Policy {
	return Policy{Name: "default", MaxAttempts: 3, Delay: time.Second, Retryable: transientMatchers()}
}

// legsFirst classifies a LegsFailedError by its individual leg failures
// only. Its joined message and wrapped errors would otherwise let a single
// transient leg make the whole plan look retryable.
func legsFirst(generic []Matcher) Matcher {
	return func(err error) bool {
		var lf *domain.LegsFailedError
		if errors.As(err, &lf) {
			return allLegsRetryable(err)
		}
		for _, m := range generic {
			if m(err) {
				return true
			}
		}
		return false
	}
}

// allLegsRetryable accepts a LegsFailedError when every leg failure is itself
// transient.
func allLegsRetryable(err error) bool {
	var lf *domain.LegsFailedError
	if !errors.As(err, &lf) || len(lf.Failures) == 0 {
		return false
	}
	inner := Policy{Retryable: transientMatchers()}
	for _, f := range lf.Failures {
		if !inner.retryable(f.Err) {
			return false
		}
	}
	return true
}
