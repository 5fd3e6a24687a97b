package txn

import "context"

type contextKey struct{}

// NewContext returns a copy of ctx carrying t.
func NewContext(ctx context.Context, t *Txn) context.Context {
	return context.WithValue(ctx, contextKey{}, t)
}

// FromContext returns the innermost transaction carried by ctx.
func FromContext(ctx context.Context) (*Txn, bool) {
	t, ok := ctx.Value(contextKey{}).(*Txn)
	return t, ok && t != nil
}

// Current is FromContext for operations that cannot run without a transaction.
func Current(ctx context.Context) (*Txn, error) {
	t, ok := FromContext(ctx)
	if !ok {
		return nil, ErrNoTransaction
	}
	return t, nil
}
