package transaction

import (
	"context"
	"fmt"

	"github.com/roach88/opcsync/internal/subject"
)

// WriteResult partitions a batch by external write outcome.
type WriteResult struct {
	// Succeeded were written to their external source.
	Succeeded []subject.Change
	// Failed were refused by their source.
	Failed []FailedChange
	// LocalOnly have no external source and only change the local graph.
	LocalOnly []subject.Change
}

// Writer pushes a commit batch to external systems before local apply.
//
// A non-nil error means the batch as a whole could not be attempted; the
// commit fails and its pending changes stay intact.
type Writer interface {
	WriteChanges(ctx context.Context, changes []subject.Change, handling FailureHandling, req Requirement) (*WriteResult, error)
}

// WriterFunc adapts a function to Writer.
type WriterFunc func(ctx context.Context, changes []subject.Change, handling FailureHandling, req Requirement) (*WriteResult, error)

// WriteChanges implements Writer.
func (f WriterFunc) WriteChanges(ctx context.Context, changes []subject.Change, handling FailureHandling, req Requirement) (*WriteResult, error) {
	return f(ctx, changes, handling, req)
}

// Source is an external system owning some properties, such as an OPC UA
// client connection.
type Source interface {
	// Name identifies the source in logs and errors.
	Name() string
	// WriteChanges writes a batch and returns one error per change (nil on
	// success) or a nil slice when everything succeeded.
	WriteChanges(ctx context.Context, changes []subject.Change) []error
}

type sourceDataKey struct{}

// BindSource marks ref as owned by src. Commits route its changes to src.
func BindSource(ref subject.PropertyReference, src Source) {
	ref.Context().SetPropertyData(ref, sourceDataKey{}, src)
}

// UnbindSource removes the source binding of ref.
func UnbindSource(ref subject.PropertyReference) {
	ref.Context().DeletePropertyData(ref, sourceDataKey{})
}

// SourceOf returns the source bound to ref.
func SourceOf(ref subject.PropertyReference) (Source, bool) {
	v, ok := ref.Context().PropertyData(ref, sourceDataKey{})
	if !ok {
		return nil, false
	}
	return v.(Source), true
}

// SourceWriter is the default Writer: it groups changes by bound Source and
// writes each group. Changes without a source are local only.
type SourceWriter struct{}

type sourceBatch struct {
	src     Source
	changes []subject.Change
}

// WriteChanges implements Writer.
func (SourceWriter) WriteChanges(ctx context.Context, changes []subject.Change, _ FailureHandling, req Requirement) (*WriteResult, error) {
	result := &WriteResult{}

	var batches []*sourceBatch
	bySource := make(map[Source]*sourceBatch)
	for _, ch := range changes {
		src, ok := SourceOf(ch.Property)
		if !ok {
			result.LocalOnly = append(result.LocalOnly, ch)
			continue
		}
		b, ok := bySource[src]
		if !ok {
			b = &sourceBatch{src: src}
			bySource[src] = b
			batches = append(batches, b)
		}
		b.changes = append(b.changes, ch)
	}

	if req == RequirementSingleWrite && len(batches) > 1 {
		names := make([]string, len(batches))
		for i, b := range batches {
			names[i] = b.src.Name()
		}
		return nil, &Error{
			Code:    ErrCodeRequirementViolated,
			Message: fmt.Sprintf("single-write transaction spans %d sources %v", len(batches), names),
		}
	}

	for _, b := range batches {
		errs := b.src.WriteChanges(ctx, b.changes)
		if errs != nil && len(errs) != len(b.changes) {
			err := fmt.Errorf("source %s returned %d results for %d changes", b.src.Name(), len(errs), len(b.changes))
			for _, ch := range b.changes {
				result.Failed = append(result.Failed, FailedChange{Change: ch, Source: b.src.Name(), Err: err})
			}
			continue
		}
		for i, ch := range b.changes {
			if errs != nil && errs[i] != nil {
				result.Failed = append(result.Failed, FailedChange{Change: ch, Source: b.src.Name(), Err: errs[i]})
				continue
			}
			result.Succeeded = append(result.Succeeded, ch)
		}
	}
	return result, nil
}
