package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/lpkeeper/internal/domain"
	"github.com/alanyoungcy/lpkeeper/internal/retry"
)

// CloseResult lists what ClosePositions retired.
type CloseResult struct {
	Closed     []string
	Signatures []string
	TotalGas   uint64
}

// ClosePositions withdraws and closes each address in pool, then drops its
// tracked state. An empty address list closes every position tracked for
// the pool. Failures do not stop the remaining closes; they are joined into
// the returned error alongside a result describing what did close.
func (o *Orchestrator) ClosePositions(ctx context.Context, pool string, addresses []string) (*CloseResult, error) {
	if pool == "" {
		return nil, domain.Fatal(fmt.Errorf("%w: pool is required", domain.ErrInvalidParams))
	}
	if len(addresses) == 0 {
		for _, st := range o.store.Tracked(pool) {
			addresses = append(addresses, st.Address)
		}
	}
	log := o.logger.With(slog.String("pool", pool))
	if len(addresses) == 0 {
		log.InfoContext(ctx, "no tracked positions to close")
		return &CloseResult{}, nil
	}

	res := &CloseResult{}
	var errs []error
	for _, addr := range addresses {
		tx := domain.TxDescriptor{Kind: domain.TxClosePosition, Pool: pool, Position: addr}
		out, err := retry.Do(ctx, o.engine, o.closePolicy, func(ctx context.Context, _ int) (domain.TxResult, error) {
			return o.chain.SubmitTransaction(ctx, tx, o.signers)
		}, domain.TxResult.Err)
		if err != nil {
			log.ErrorContext(ctx, "close failed", slog.String("position", addr), slog.String("error", err.Error()))
			errs = append(errs, fmt.Errorf("close %s: %w", addr, err))
			continue
		}
		if err := o.store.RemoveState(ctx, addr); err != nil {
			errs = append(errs, fmt.Errorf("purge %s: %w", addr, err))
		}

		res.Closed = append(res.Closed, addr)
		res.Signatures = append(res.Signatures, out.Signature)
		res.TotalGas += out.GasUsed
		o.sink.Emit(ctx, domain.Event{
			Kind:        domain.EventLegClosed,
			Pool:        pool,
			Position:    addr,
			TxReference: out.Signature,
			Detail:      map[string]string{"reason": "requested"},
			At:          o.clock.Now(),
		})
		log.InfoContext(ctx, "position closed", slog.String("position", addr), slog.String("signature", out.Signature))
	}
	return res, errors.Join(errs...)
}
