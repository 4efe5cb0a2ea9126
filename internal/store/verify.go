package store

import (
	"context"
	"fmt"

	"github.com/roach88/opcsync/internal/ir"
)

// Mismatch describes a stored hash that no longer matches its row.
type Mismatch struct {
	Seq      int    `json:"seq"` // -1 for the record hash
	Stored   string `json:"stored"`
	Computed string `json:"computed"`
}

// VerifyResult is the outcome of re-hashing one journaled transaction.
type VerifyResult struct {
	ID         string     `json:"id"`
	OK         bool       `json:"ok"`
	Mismatches []Mismatch `json:"mismatches,omitempty"`
}

// VerifyTransaction recomputes every change fingerprint and the record hash
// of a journaled transaction from its stored columns and compares them with
// the stored hashes. Returns ErrNotFound if the ID is unknown.
func (s *Store) VerifyTransaction(ctx context.Context, id string) (VerifyResult, error) {
	tr, changes, err := s.ReadTransaction(ctx, id)
	if err != nil {
		return VerifyResult{}, err
	}

	res := VerifyResult{ID: id}
	fingerprints := make([]string, len(changes))
	for i, c := range changes {
		fp, err := ir.ChangeFingerprint(id, c.Property+"#"+c.Status, c.OldValue, c.NewValue)
		if err != nil {
			return VerifyResult{}, fmt.Errorf("verify %s: %w", id, err)
		}
		fingerprints[i] = fp
		if fp != c.Fingerprint {
			res.Mismatches = append(res.Mismatches, Mismatch{Seq: c.Seq, Stored: c.Fingerprint, Computed: fp})
		}
	}

	hash, err := ir.RecordHash(id, tr.Outcome, fingerprints)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("verify %s: %w", id, err)
	}
	if hash != tr.RecordHash {
		res.Mismatches = append(res.Mismatches, Mismatch{Seq: -1, Stored: tr.RecordHash, Computed: hash})
	}
	res.OK = len(res.Mismatches) == 0
	return res, nil
}
