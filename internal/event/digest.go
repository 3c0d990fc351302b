package event

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain tags for digests. The version suffix leaves room for an algorithm
// change without ambiguity between old and new hashes.
const (
	DomainEvent = "tillguard/event/v1"
	DomainBatch = "tillguard/batch/v1"
)

// HashWithDomain computes SHA256(domain || 0x00 || data) as lowercase hex.
// The NUL separator keeps domain and data from running together.
func HashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Digest computes the chain hash of e over
// (id, type, timestamp, device, actor, branch, previous hash, payload).
// previous_hash is omitted at genesis rather than encoded as null.
func Digest(e Event) (string, error) {
	obj := Object{
		"id":        String(e.ID),
		"type":      String(e.Type),
		"timestamp": Int(e.Timestamp.UnixMilli()),
		"device_id": String(e.DeviceID),
		"actor_id":  String(e.ActorID),
		"branch_id": String(e.BranchID),
		"payload":   payloadOrEmpty(e.Payload),
	}
	if e.PreviousHash != "" {
		obj["previous_hash"] = String(e.PreviousHash)
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("digest %s: %w", e.ID, err)
	}
	return HashWithDomain(DomainEvent, canonical), nil
}

// Verify reports whether e.Hash matches its recomputed digest.
func Verify(e Event) bool {
	if e.Hash == "" {
		return false
	}
	h, err := Digest(e)
	return err == nil && h == e.Hash
}

func payloadOrEmpty(p Object) Object {
	if p == nil {
		return Object{}
	}
	return p
}
