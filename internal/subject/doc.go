// Package subject implements the in-process subject graph primitives.
//
// A Subject is an object whose properties are described by an explicit
// descriptor table (PropertyMetadata). Every property access goes through the
// owning Context, which runs an ordered chain of read and write interceptors
// before reaching the descriptor's Get/Set functions.
//
// ARCHITECTURE:
//
// Descriptor table instead of reflection:
// PropertyMetadata carries Get and Set as function values. Schema builds the
// table for map-backed Objects; hand-written subjects can build their own.
//
// Interceptor chain:
// Context.Use registers capability objects implementing ReadInterceptor,
// WriteInterceptor, or both. They run in registration order. Change
// notification is the terminal step of the write chain, so an interceptor
// that stops the chain (the transaction interceptor) hides the write from all
// observers.
//
// Explicit context:
// Values that would be ambient elsewhere (write source, committing
// transaction, timestamps) travel in context.Context, see WithSource and
// WithTransactionID.
package subject
