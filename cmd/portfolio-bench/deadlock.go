package main

import (
	"context"
	"fmt"
	"time"

	"github.com/DonaldAirey/data-model-test/portfolio"
	"github.com/DonaldAirey/data-model-test/store/deadlock"
	"github.com/google/uuid"
	"github.com/pingcap/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newDeadlockCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "deadlock",
		Short: "Lock two quotes in opposite orders and report the deadlock victim",
		RunE:  runDeadlockCommandFunc,
	}
}

func runDeadlockCommandFunc(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if !cfg.Txn.DetectDeadlock {
		return errors.New("the deadlock demo needs txn.detect-deadlock")
	}
	f := portfolio.NewFixture(cfg)
	aapl, msft := uuid.New(), uuid.New()
	if err := loadQuotes(globalContext, f, aapl, msft); err != nil {
		return err
	}

	// Each side takes its first quote, then waits for the other side to take its own before asking
	// for the second one.
	var tookFirst [2]chan struct{}
	for i := range tookFirst {
		tookFirst[i] = make(chan struct{})
	}
	var results [2]error
	var g errgroup.Group
	sides := [2][2]uuid.UUID{{aapl, msft}, {msft, aapl}}
	for i, order := range sides {
		g.Go(func() error {
			results[i] = lockBoth(globalContext, f, order, tookFirst[i], tookFirst[1-i], i == 1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	victims := 0
	for i, err := range results {
		switch {
		case err == nil:
			fmt.Printf("side %d committed\n", i)
		case deadlock.IsDeadlock(err):
			victims++
			dl := errors.Cause(err).(*deadlock.ErrDeadlock)
			fmt.Printf("side %d aborted: %v (cycle %v)\n", i, dl, dl.Cycle)
		default:
			return err
		}
	}
	if victims != 1 {
		return errors.Errorf("expected one deadlock victim, got %d", victims)
	}
	for _, id := range []uuid.UUID{aapl, msft} {
		q, _ := f.Quotes.Find(id)
		fmt.Printf("quote %s last %s\n", id, q.Last.String())
	}
	return nil
}

func loadQuotes(ctx context.Context, f *portfolio.Fixture, ids ...uuid.UUID) error {
	ctx, tx := f.Begin(ctx)
	defer tx.Close()
	if err := f.Assets.EnterWriteLock(ctx); err != nil {
		return err
	}
	if err := f.Quotes.EnterWriteLock(ctx); err != nil {
		return err
	}
	for _, id := range ids {
		if err := f.Assets.Add(ctx, &portfolio.Asset{AssetID: id, Code: id.String()[:4]}); err != nil {
			return err
		}
		if err := f.Quotes.Add(ctx, &portfolio.Quote{AssetID: id, Last: portfolio.MustDecimal("100.00")}); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// lockBoth read-locks order[0] as a reader or write-locks it as a writer, then does the same with
// order[1] once the other side holds its first lock.
func lockBoth(ctx context.Context, f *portfolio.Fixture, order [2]uuid.UUID, mine, theirs chan struct{}, writer bool) error {
	ctx, tx := f.Begin(ctx)
	defer tx.Close()
	if err := f.Quotes.EnterReadLock(ctx); err != nil {
		return err
	}
	for n, id := range order {
		if n == 1 {
			close(mine)
			<-theirs
			if writer {
				// Ask last so that this side closes the cycle.
				waitQueued(f, order[0])
			}
		}
		q, _ := f.Quotes.Find(id)
		if !writer {
			if err := q.EnterReadLock(ctx); err != nil {
				return err
			}
			continue
		}
		if err := q.EnterWriteLock(ctx); err != nil {
			return err
		}
		next := q.Clone()
		next.Last = portfolio.MustDecimal("1.50")
		if err := f.Quotes.Update(ctx, next); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func waitQueued(f *portfolio.Fixture, id uuid.UUID) {
	q, _ := f.Quotes.Find(id)
	for q.RowLock().Waiting() == 0 {
		time.Sleep(time.Millisecond)
	}
}
