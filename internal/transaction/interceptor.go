package transaction

import (
	"context"

	"github.com/roach88/opcsync/internal/subject"
)

// Interceptor captures writes into the transaction carried by the write
// context and serves pending values to reads through that context.
//
// Writes pass through unchanged when no transaction is current, while the
// transaction is committing, and for derived properties.
type Interceptor struct{}

// ReadProperty implements subject.ReadInterceptor.
func (Interceptor) ReadProperty(ctx context.Context, ref subject.PropertyReference, next subject.ReadFunc) any {
	tx := FromContext(ctx)
	if tx == nil || tx.committing.Load() || tx.disposed.Load() {
		return next(ctx, ref)
	}
	if v, ok := tx.pendingValue(ref); ok {
		return v
	}
	return next(ctx, ref)
}

// WriteProperty implements subject.WriteInterceptor.
func (Interceptor) WriteProperty(ctx context.Context, w *subject.WriteContext, next subject.WriteFunc) error {
	tx := FromContext(ctx)
	if tx == nil || tx.committing.Load() || w.Property.Metadata.IsDerived {
		return next(ctx, w)
	}
	return tx.capture(w)
}
