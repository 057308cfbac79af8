package broker

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"capitalkernel/internal/reconcile"
)

// PositionSource fetches one symbol's current broker-reported position.
// A live venue connector implements this against its REST/WS account
// endpoint; FakePositionSource below is what the test suite and paper runs
// use instead.
type PositionSource interface {
	FetchPosition(ctx context.Context, symbol string) (reconcile.BrokerPosition, error)
}

// FetchSnapshot builds one reconcile.Snapshot by querying src for every
// symbol in symbols concurrently, bounded only by errgroup's own
// fan-out (the caller's symbol list is already bounded by engine
// configuration). A fetch error for any one symbol fails the whole
// snapshot rather than reconciling against a partial account picture,
// since reconcile.Run treats every configured symbol as in scope.
func FetchSnapshot(ctx context.Context, src PositionSource, symbols []string, account string, now time.Time) (reconcile.Snapshot, error) {
	positions := make([]reconcile.BrokerPosition, len(symbols))

	g, ctx := errgroup.WithContext(ctx)
	for i, symbol := range symbols {
		i, symbol := i, symbol
		g.Go(func() error {
			pos, err := src.FetchPosition(ctx, symbol)
			if err != nil {
				return err
			}
			positions[i] = pos
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return reconcile.Snapshot{}, err
	}

	return reconcile.Snapshot{CapturedAt: now, Account: account, Positions: positions}, nil
}

// FakePositionSource reports a fixed position per symbol, exercised by
// tests and available to PAPER runs that have no real account endpoint to
// query.
type FakePositionSource struct {
	Positions map[string]reconcile.BrokerPosition
}

func (f *FakePositionSource) FetchPosition(ctx context.Context, symbol string) (reconcile.BrokerPosition, error) {
	if pos, ok := f.Positions[symbol]; ok {
		return pos, nil
	}
	return reconcile.BrokerPosition{Symbol: symbol}, nil
}
