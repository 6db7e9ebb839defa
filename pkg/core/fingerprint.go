package core

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
)

// Fingerprint is the stable hash a dispatched action is deduplicated on: two
// actions with the same fingerprint within the dedup window are the same
// logical request.
type Fingerprint string

// ComputeFingerprint hashes the fields of an action that determine whether
// two submissions are duplicates of each other: namespace, tenant, kind,
// discriminator, payload and the sorted metadata. SubmittedAt, ID and
// attachments are excluded — two retries of the same logical action carry
// different IDs and timestamps but must fingerprint identically.
func ComputeFingerprint(a *Action) Fingerprint {
	h := sha256.New()
	h.Write([]byte(a.Namespace))
	h.Write([]byte{0})
	h.Write([]byte(a.Tenant))
	h.Write([]byte{0})
	h.Write([]byte(a.Kind))
	h.Write([]byte{0})
	h.Write([]byte(a.Discriminator))
	h.Write([]byte{0})
	h.Write(a.Payload)
	h.Write([]byte{0})

	keys := make([]string, 0, len(a.Metadata))
	for k := range a.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write([]byte(a.Metadata[k]))
		h.Write([]byte{0})
	}

	return Fingerprint(hex.EncodeToString(h.Sum(nil)))
}
