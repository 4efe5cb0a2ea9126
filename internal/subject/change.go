package subject

import (
	"context"
	"time"
)

// Change is one observed or pending property mutation.
//
// OldValue and NewValue are snapshots; a Change is never mutated after it is
// handed to observers or captured by a transaction.
type Change struct {
	Property PropertyReference
	OldValue any
	NewValue any

	// Source tags who produced the write (a client, a server, a user). Nil for
	// local writes.
	Source any

	// TransactionID is set when the change was applied by a committing
	// transaction.
	TransactionID string

	ChangedAt  time.Time
	ReceivedAt time.Time
}

// WriteContext is passed down the write interceptor chain.
type WriteContext struct {
	Property      PropertyReference
	OldValue      any
	NewValue      any
	Source        any
	TransactionID string
	ChangedAt     time.Time
	ReceivedAt    time.Time
}

// Change snapshots the write as a Change record.
func (w *WriteContext) Change() Change {
	return Change{
		Property:      w.Property,
		OldValue:      w.OldValue,
		NewValue:      w.NewValue,
		Source:        w.Source,
		TransactionID: w.TransactionID,
		ChangedAt:     w.ChangedAt,
		ReceivedAt:    w.ReceivedAt,
	}
}

type sourceKey struct{}
type transactionIDKey struct{}
type changedAtKey struct{}

// WithSource tags writes performed with the returned context.
func WithSource(ctx context.Context, source any) context.Context {
	return context.WithValue(ctx, sourceKey{}, source)
}

// SourceFromContext returns the write source, if any.
func SourceFromContext(ctx context.Context) any {
	return ctx.Value(sourceKey{})
}

// WithTransactionID marks writes as applied by the given committing transaction.
func WithTransactionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, transactionIDKey{}, id)
}

// TransactionIDFromContext returns the applying transaction ID, if any.
func TransactionIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(transactionIDKey{}).(string)
	return id
}

// WithChangedAt overrides the change timestamp, e.g. with a server source timestamp.
func WithChangedAt(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, changedAtKey{}, t)
}

func changedAtFromContext(ctx context.Context) (time.Time, bool) {
	t, ok := ctx.Value(changedAtKey{}).(time.Time)
	return t, ok
}
