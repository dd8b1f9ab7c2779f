package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// digestInput fixes the field order of the canonical encoding. Map keys in
// Payload are sorted by encoding/json.
type digestInput struct {
	Shard      string            `json:"shard"`
	Seq        uint64            `json:"seq"`
	OccurredAt string            `json:"occurred_at"`
	Monotonic  int64             `json:"monotonic"`
	Actor      string            `json:"actor"`
	Kind       Kind              `json:"kind"`
	Subject    string            `json:"subject"`
	Payload    map[string]string `json:"payload"`
	PrevDigest string            `json:"prev_digest"`
}

// CanonicalJSON encodes e without its Digest.
func CanonicalJSON(e Event) ([]byte, error) {
	payload := e.Payload
	if payload == nil {
		payload = map[string]string{}
	}
	in := digestInput{
		Shard:      e.Shard,
		Seq:        e.Seq,
		OccurredAt: e.OccurredAt.UTC().Format(time.RFC3339Nano),
		Monotonic:  e.Monotonic,
		Actor:      e.Actor,
		Kind:       e.Kind,
		Subject:    e.Subject,
		Payload:    payload,
		PrevDigest: e.PrevDigest,
	}
	blob, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("marshal canonical event: %w", err)
	}
	return blob, nil
}

// ComputeDigest returns hex(SHA256(canonical_json(e) || e.PrevDigest)).
func ComputeDigest(e Event) (string, error) {
	blob, err := CanonicalJSON(e)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write(blob)
	h.Write([]byte(e.PrevDigest))
	return hex.EncodeToString(h.Sum(nil)), nil
}
