package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/DonaldAirey/data-model-test/config"
	"github.com/DonaldAirey/data-model-test/portfolio"
	"github.com/DonaldAirey/data-model-test/store/deadlock"
	"github.com/DonaldAirey/data-model-test/store/txn"
	"github.com/cockroachdb/apd/v3"
	"github.com/google/uuid"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	workersArg      int
	transactionsArg int
	metricsAddrArg  string
)

func newRunCommand() *cobra.Command {
	m := &cobra.Command{
		Use:   "run",
		Short: "Run a randomized trading workload",
		RunE:  runWorkloadCommandFunc,
	}
	m.Flags().IntVar(&workersArg, "workers", 0, "Number of concurrent workers (default from config)")
	m.Flags().IntVar(&transactionsArg, "transactions", 0, "Transactions per worker (default from config)")
	m.Flags().StringVar(&metricsAddrArg, "metrics-addr", "", "Serve Prometheus metrics on this address")
	return m
}

func runWorkloadCommandFunc(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("workers") {
		cfg.Bench.Workers = workersArg
	}
	if cmd.Flags().Changed("transactions") {
		cfg.Bench.Transactions = transactionsArg
	}
	if cmd.Flags().Changed("metrics-addr") {
		cfg.Bench.MetricsAddr = metricsAddrArg
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if addr := cfg.Bench.MetricsAddr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.Error("metrics server stopped", zap.String("addr", addr), zap.Error(err))
			}
		}()
	}

	w, err := newWorkload(globalContext, cfg)
	if err != nil {
		return err
	}
	start := time.Now()
	if err := w.run(globalContext); err != nil {
		return err
	}
	fmt.Printf("Run finished, takes %s\n", time.Since(start))
	fmt.Printf("committed: %d, deadlock victims: %d, lock wait timeouts: %d\n",
		w.committed.Load(), w.victims.Load(), w.timeouts.Load())
	return w.verify()
}

type workload struct {
	cfg      *config.Config
	f        *portfolio.Fixture
	accounts []uuid.UUID
	assets   []uuid.UUID
	holdings map[uuid.UUID]*apd.Decimal

	committed atomic.Int64
	victims   atomic.Int64
	timeouts  atomic.Int64
}

// newWorkload loads accounts, assets with quotes, and a position of every asset in every account.
func newWorkload(ctx context.Context, cfg *config.Config) (*workload, error) {
	w := &workload{
		cfg:      cfg,
		f:        portfolio.NewFixture(cfg),
		holdings: make(map[uuid.UUID]*apd.Decimal),
	}
	ctx, tx := w.f.Begin(ctx)
	defer tx.Close()
	for _, enter := range []func(context.Context) error{
		w.f.Accounts.EnterWriteLock,
		w.f.Assets.EnterWriteLock,
		w.f.Positions.EnterWriteLock,
		w.f.Quotes.EnterWriteLock,
	} {
		if err := enter(ctx); err != nil {
			return nil, err
		}
	}

	for i := 0; i < cfg.Bench.Assets; i++ {
		asset := &portfolio.Asset{AssetID: uuid.New(), Code: fmt.Sprintf("A%03d", i), Name: fmt.Sprintf("Asset %d", i)}
		if err := w.f.Assets.Add(ctx, asset); err != nil {
			return nil, err
		}
		quote := &portfolio.Quote{AssetID: asset.AssetID, Last: portfolio.MustDecimal("100.00")}
		if err := w.f.Quotes.Add(ctx, quote); err != nil {
			return nil, err
		}
		w.assets = append(w.assets, asset.AssetID)
	}
	for i := 0; i < cfg.Bench.Accounts; i++ {
		account := &portfolio.Account{AccountID: uuid.New(), Name: fmt.Sprintf("Account %d", i)}
		if err := w.f.Accounts.Add(ctx, account); err != nil {
			return nil, err
		}
		total := new(apd.Decimal)
		for _, assetID := range w.assets {
			p := &portfolio.Position{AccountID: account.AccountID, AssetID: assetID, Quantity: portfolio.MustDecimal("1000")}
			if err := w.f.Positions.Add(ctx, p); err != nil {
				return nil, err
			}
			if _, err := apd.BaseContext.Add(total, total, &p.Quantity); err != nil {
				return nil, errors.Trace(err)
			}
		}
		w.accounts = append(w.accounts, account.AccountID)
		w.holdings[account.AccountID] = total
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	log.Info("workload loaded",
		zap.Int("accounts", len(w.accounts)),
		zap.Int("assets", len(w.assets)),
		zap.Int("positions", w.f.Positions.Count()))
	return w, nil
}

func (w *workload) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Bench.Workers; i++ {
		rng := rand.New(rand.NewPCG(uint64(i), uint64(time.Now().UnixNano())))
		g.Go(func() error {
			for n := 0; n < w.cfg.Bench.Transactions; n++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				op := w.trade
				if rng.IntN(4) == 0 {
					op = w.requote
				}
				if err := w.retry(ctx, func(ctx context.Context) error { return op(ctx, rng) }); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// retry runs fn until it ends in something other than a deadlock abort or a lock wait timeout.
func (w *workload) retry(ctx context.Context, fn func(ctx context.Context) error) error {
	for {
		err := fn(ctx)
		switch {
		case err == nil:
			w.committed.Inc()
			return nil
		case deadlock.IsDeadlock(err):
			w.victims.Inc()
		case txn.IsLockWaitTimeout(err):
			w.timeouts.Inc()
		default:
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// trade moves a random quantity between two positions of one account. The two positions are locked in
// random order, so concurrent trades deadlock.
func (w *workload) trade(ctx context.Context, rng *rand.Rand) error {
	accountID := w.accounts[rng.IntN(len(w.accounts))]
	i := rng.IntN(len(w.assets))
	j := (i + 1 + rng.IntN(len(w.assets)-1)) % len(w.assets)
	from := portfolio.PositionKey{AccountID: accountID, AssetID: w.assets[i]}
	to := portfolio.PositionKey{AccountID: accountID, AssetID: w.assets[j]}
	amount := apd.New(int64(1+rng.IntN(50)), 0)

	ctx, tx := w.f.Begin(ctx)
	defer tx.Close()
	if err := w.f.Positions.EnterReadLock(ctx); err != nil {
		return err
	}
	var rows [2]*portfolio.Position
	for n, key := range []portfolio.PositionKey{from, to} {
		p, ok := w.f.Positions.Find(key)
		if !ok {
			return errors.Errorf("position %s not found", key)
		}
		if err := p.EnterWriteLock(ctx); err != nil {
			return err
		}
		rows[n], _ = w.f.Positions.Find(key)
	}
	if rows[0].Quantity.Cmp(amount) < 0 {
		return tx.Commit()
	}

	src, dst := rows[0].Clone(), rows[1].Clone()
	if _, err := apd.BaseContext.Sub(&src.Quantity, &src.Quantity, amount); err != nil {
		return errors.Trace(err)
	}
	if _, err := apd.BaseContext.Add(&dst.Quantity, &dst.Quantity, amount); err != nil {
		return errors.Trace(err)
	}
	if err := w.f.Positions.Update(ctx, src); err != nil {
		return err
	}
	if err := w.f.Positions.Update(ctx, dst); err != nil {
		return err
	}
	return tx.Commit()
}

// requote reads a random quote and writes a new price for it.
func (w *workload) requote(ctx context.Context, rng *rand.Rand) error {
	assetID := w.assets[rng.IntN(len(w.assets))]
	ctx, tx := w.f.Begin(ctx)
	defer tx.Close()
	if err := w.f.Quotes.EnterReadLock(ctx); err != nil {
		return err
	}
	q, ok := w.f.Quotes.Find(assetID)
	if !ok {
		return errors.Errorf("quote %s not found", assetID)
	}
	if err := q.EnterReadLock(ctx); err != nil {
		return err
	}
	if err := q.EnterWriteLock(ctx); err != nil {
		return err
	}
	q, _ = w.f.Quotes.Find(assetID)
	next := q.Clone()
	next.Last = *apd.New(int64(5000+rng.IntN(20000)), -2)
	if err := w.f.Quotes.Update(ctx, next); err != nil {
		return err
	}
	return tx.Commit()
}

// verify checks that trades conserved every account's total quantity.
func (w *workload) verify() error {
	for _, accountID := range w.accounts {
		total := new(apd.Decimal)
		for _, p := range w.f.AccountPositions.Children(accountID) {
			if _, err := apd.BaseContext.Add(total, total, &p.Quantity); err != nil {
				return errors.Trace(err)
			}
		}
		if total.Cmp(w.holdings[accountID]) != 0 {
			return errors.Errorf("account %s holds %s, want %s", accountID, total, w.holdings[accountID])
		}
	}
	fmt.Println("all account totals conserved")
	return nil
}
