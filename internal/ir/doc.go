// Package ir serializes property values to canonical JSON and derives
// content hashes from it.
//
// The encoding is deterministic: object keys are sorted by UTF-16 code
// units, strings are NFC normalized and HTML characters are not escaped.
// Journal rows store this form so that two records of the same change are
// byte-identical.
//
// ir imports nothing internal. Callers convert graph-specific values (such
// as subject references) to plain maps or strings before encoding.
package ir
