package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content hashes. The version suffix allows the
// algorithm to change without colliding with stored hashes.
const (
	DomainChange = "opcsync/change/v1"
	DomainRecord = "opcsync/record/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data) as hex.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// ChangeFingerprint identifies one property change within a transaction.
// oldValue and newValue must be canonically encodable.
func ChangeFingerprint(transactionID, property string, oldValue, newValue any) (string, error) {
	canonical, err := MarshalCanonical(map[string]any{
		"new":         newValue,
		"old":         oldValue,
		"property":    property,
		"transaction": transactionID,
	})
	if err != nil {
		return "", fmt.Errorf("change fingerprint: %w", err)
	}
	return hashWithDomain(DomainChange, canonical), nil
}

// RecordHash hashes an ordered list of change fingerprints together with the
// transaction outcome.
func RecordHash(transactionID, outcome string, fingerprints []string) (string, error) {
	canonical, err := MarshalCanonical(map[string]any{
		"changes":     fingerprints,
		"outcome":     outcome,
		"transaction": transactionID,
	})
	if err != nil {
		return "", fmt.Errorf("record hash: %w", err)
	}
	return hashWithDomain(DomainRecord, canonical), nil
}
