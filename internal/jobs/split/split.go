// Package split implements the workers-needed policy:
// image-to-video jobs above a threshold are partitioned across workers
// in contiguous, as-equal-as-possible chunks; every other operation
// always needs exactly one worker.
package split

import (
	"encoding/json"

	"github.com/yungbote/mediaforge-backend/internal/domain"
)

// imagePayload is the subset of an image-to-video payload this package
// needs to read/rewrite; the rest of the payload is preserved byte for
// byte across chunks via json.RawMessage merging in ChunkPayloads.
type imagePayload struct {
	Images []json.RawMessage `json:"images"`
}

// WorkersNeeded computes workersNeeded for a job given its operation,
// payload and the current resource bounds. Only Operation.Splittable
// operations can return more than 1.
func WorkersNeeded(op domain.Operation, payload json.RawMessage, maxWorkers, threshold int) (int, error) {
	if !op.Splittable() {
		return 1, nil
	}
	var p imagePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return 1, err
	}
	n := len(p.Images)
	if n <= threshold {
		return 1, nil
	}
	chunkSize := ceilDiv(n, maxWorkers)
	needed := ceilDiv(n, chunkSize)
	if needed > maxWorkers {
		needed = maxWorkers
	}
	if needed < 1 {
		needed = 1
	}
	return needed, nil
}

// ChunkPayloads splits payload's "images" array into `workersNeeded`
// contiguous, near-equal chunks (differing in length by at most one),
// preserving order. Every other field of payload is copied unchanged
// into each chunk. Non-splittable operations return a single chunk
// equal to payload.
func ChunkPayloads(op domain.Operation, payload json.RawMessage, workersNeeded int) ([]json.RawMessage, error) {
	if !op.Splittable() || workersNeeded <= 1 {
		return []json.RawMessage{payload}, nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, err
	}
	var images []json.RawMessage
	if err := json.Unmarshal(raw["images"], &images); err != nil {
		return nil, err
	}
	chunks := partition(len(images), workersNeeded)
	out := make([]json.RawMessage, 0, len(chunks))
	idx := 0
	for _, size := range chunks {
		sub := images[idx : idx+size]
		idx += size
		chunkImages, err := json.Marshal(sub)
		if err != nil {
			return nil, err
		}
		chunkRaw := make(map[string]json.RawMessage, len(raw))
		for k, v := range raw {
			chunkRaw[k] = v
		}
		chunkRaw["images"] = chunkImages
		b, err := json.Marshal(chunkRaw)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// partition splits n items into `parts` contiguous groups whose sizes
// differ by at most one, largest-first (so 100/3 => 34,33,33).
func partition(n, parts int) []int {
	if parts <= 0 {
		return []int{n}
	}
	base := n / parts
	rem := n % parts
	sizes := make([]int, parts)
	for i := range sizes {
		sizes[i] = base
		if i < rem {
			sizes[i]++
		}
	}
	return sizes
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return a
	}
	return (a + b - 1) / b
}
