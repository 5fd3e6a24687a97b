package portfolio

import (
	"bytes"
	"fmt"

	"github.com/DonaldAirey/data-model-test/store/table"
	"github.com/cockroachdb/apd/v3"
	"github.com/google/uuid"
)

// Model is a target allocation that accounts may follow.
type Model struct {
	table.Header
	ModelID uuid.UUID
	Name    string
}

func (m *Model) Key() uuid.UUID {
	return m.ModelID
}

func (m *Model) Clone() *Model {
	c := *m
	return &c
}

// Account holds positions. ModelID is uuid.Nil when the account follows no model.
type Account struct {
	table.Header
	AccountID uuid.UUID
	ModelID   uuid.UUID
	Name      string
}

func (a *Account) Key() uuid.UUID {
	return a.AccountID
}

func (a *Account) Clone() *Account {
	c := *a
	return &c
}

type Asset struct {
	table.Header
	AssetID uuid.UUID
	Code    string
	Name    string
}

func (a *Asset) Key() uuid.UUID {
	return a.AssetID
}

func (a *Asset) Clone() *Asset {
	c := *a
	return &c
}

// PositionKey identifies a position by its account and asset.
type PositionKey struct {
	AccountID uuid.UUID
	AssetID   uuid.UUID
}

func (k PositionKey) String() string {
	return fmt.Sprintf("%s/%s", k.AccountID, k.AssetID)
}

// Position is the quantity of one asset held by one account.
type Position struct {
	table.Header
	AccountID uuid.UUID
	AssetID   uuid.UUID
	Quantity  apd.Decimal
}

func (p *Position) Key() PositionKey {
	return PositionKey{AccountID: p.AccountID, AssetID: p.AssetID}
}

func (p *Position) Clone() *Position {
	c := *p
	c.Quantity = apd.Decimal{}
	c.Quantity.Set(&p.Quantity)
	return &c
}

// Quote is the last traded price of an asset.
type Quote struct {
	table.Header
	AssetID uuid.UUID
	Last    apd.Decimal
}

func (q *Quote) Key() uuid.UUID {
	return q.AssetID
}

func (q *Quote) Clone() *Quote {
	c := *q
	c.Last = apd.Decimal{}
	c.Last.Set(&q.Last)
	return &c
}

// MustDecimal parses s and panics if it is not a number.
func MustDecimal(s string) apd.Decimal {
	d, _, err := apd.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return *d
}

func lessUUID(a, b uuid.UUID) bool {
	return bytes.Compare(a[:], b[:]) < 0
}

func lessPositionKey(a, b PositionKey) bool {
	if c := bytes.Compare(a.AccountID[:], b.AccountID[:]); c != 0 {
		return c < 0
	}
	return lessUUID(a.AssetID, b.AssetID)
}
