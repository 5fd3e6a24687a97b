package portfolio

import (
	"context"

	"github.com/DonaldAirey/data-model-test/config"
	"github.com/DonaldAirey/data-model-test/store/table"
	"github.com/DonaldAirey/data-model-test/store/txn"
	"github.com/google/uuid"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Fixture is the trading data model: its tables, the relations between them and the transaction
// manager every transaction on them must come from.
type Fixture struct {
	Models    *table.Table[uuid.UUID, *Model]
	Accounts  *table.Table[uuid.UUID, *Account]
	Assets    *table.Table[uuid.UUID, *Asset]
	Positions *table.Table[PositionKey, *Position]
	Quotes    *table.Table[uuid.UUID, *Quote]

	ModelAccounts    *table.Relation[uuid.UUID, *Model, uuid.UUID, *Account]
	AccountPositions *table.Relation[uuid.UUID, *Account, PositionKey, *Position]
	AssetPositions   *table.Relation[uuid.UUID, *Asset, PositionKey, *Position]
	AssetQuotes      *table.Relation[uuid.UUID, *Asset, uuid.UUID, *Quote]

	txns *txn.Manager
}

func NewFixture(cfg *config.Config) *Fixture {
	opt := table.WithMaxTombstones(cfg.Table.MaxTombstones)
	f := &Fixture{
		Models:    table.New[uuid.UUID, *Model]("models", lessUUID, opt),
		Accounts:  table.New[uuid.UUID, *Account]("accounts", lessUUID, opt),
		Assets:    table.New[uuid.UUID, *Asset]("assets", lessUUID, opt),
		Positions: table.New[PositionKey, *Position]("positions", lessPositionKey, opt),
		Quotes:    table.New[uuid.UUID, *Quote]("quotes", lessUUID, opt),
		txns:      txn.NewManager(cfg),
	}
	f.ModelAccounts = table.Relate("ModelAccounts", f.Models, f.Accounts, func(a *Account) (uuid.UUID, bool) {
		return a.ModelID, a.ModelID != uuid.Nil
	})
	f.AccountPositions = table.Relate("AccountPositions", f.Accounts, f.Positions, func(p *Position) (uuid.UUID, bool) {
		return p.AccountID, true
	})
	f.AssetPositions = table.Relate("AssetPositions", f.Assets, f.Positions, func(p *Position) (uuid.UUID, bool) {
		return p.AssetID, true
	})
	f.AssetQuotes = table.Relate("AssetQuotes", f.Assets, f.Quotes, func(q *Quote) (uuid.UUID, bool) {
		return q.AssetID, true
	})
	log.Debug("fixture created",
		zap.Bool("detect-deadlock", cfg.Txn.DetectDeadlock),
		zap.Duration("lock-wait-timeout", cfg.Txn.LockWaitTimeout.Duration))
	return f
}

// Begin starts a transaction, nested in the one carried by ctx if there is one.
func (f *Fixture) Begin(ctx context.Context) (context.Context, *txn.Txn) {
	return f.txns.Begin(ctx)
}

func (f *Fixture) Manager() *txn.Manager {
	return f.txns
}

func (f *Fixture) PositionAccount(p *Position) (*Account, bool) {
	return f.AccountPositions.Parent(p)
}

func (f *Fixture) PositionAsset(p *Position) (*Asset, bool) {
	return f.AssetPositions.Parent(p)
}

// AccountModel returns the model the account follows, if any.
func (f *Fixture) AccountModel(a *Account) (*Model, bool) {
	return f.ModelAccounts.Parent(a)
}

func (f *Fixture) QuoteAsset(q *Quote) (*Asset, bool) {
	return f.AssetQuotes.Parent(q)
}
