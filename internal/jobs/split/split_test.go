package split

import (
	"encoding/json"
	"testing"

	"github.com/yungbote/mediaforge-backend/internal/domain"
)

func imagesPayload(n int) json.RawMessage {
	type img struct {
		URL string `json:"url"`
	}
	images := make([]img, n)
	for i := range images {
		images[i].URL = "img.png"
	}
	b, _ := json.Marshal(map[string]any{"images": images, "fps": 24})
	return b
}

func TestWorkersNeededBelowThreshold(t *testing.T) {
	t.Parallel()
	n, err := WorkersNeeded(domain.OperationImageToVideo, imagesPayload(50), 3, 50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Fatalf("got %d, want 1", n)
	}
}

func TestWorkersNeededSplitsAboveThreshold(t *testing.T) {
	t.Parallel()
	// N = threshold+1 must produce exactly 2 sub-requests.
	n, err := WorkersNeeded(domain.OperationImageToVideo, imagesPayload(51), 3, 50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Fatalf("got %d, want 2", n)
	}
}

func TestWorkersNeeded100ImagesCapsAtMaxWorkers(t *testing.T) {
	t.Parallel()
	// 100 images, MAX_WORKERS=3, threshold=50 -> 3 workers.
	n, err := WorkersNeeded(domain.OperationImageToVideo, imagesPayload(100), 3, 50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 3 {
		t.Fatalf("got %d, want 3", n)
	}
}

func TestWorkersNeededNonSplittableAlwaysOne(t *testing.T) {
	t.Parallel()
	for _, op := range []domain.Operation{
		domain.OperationAddAudio, domain.OperationSubtitleBurn, domain.OperationBackgroundMusicMix,
	} {
		n, err := WorkersNeeded(op, imagesPayload(1000), 3, 50)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if n != 1 {
			t.Fatalf("operation %s: got %d, want 1", op, n)
		}
	}
}

func TestChunkPayloads100ImagesThreeWays(t *testing.T) {
	t.Parallel()
	chunks, err := ChunkPayloads(domain.OperationImageToVideo, imagesPayload(100), 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	total := 0
	sizes := make([]int, len(chunks))
	for i, c := range chunks {
		var decoded struct {
			Images []json.RawMessage `json:"images"`
			FPS    int               `json:"fps"`
		}
		if err := json.Unmarshal(c, &decoded); err != nil {
			t.Fatalf("chunk %d: decode: %v", i, err)
		}
		if decoded.FPS != 24 {
			t.Fatalf("chunk %d: non-images field not preserved: got fps=%d", i, decoded.FPS)
		}
		sizes[i] = len(decoded.Images)
		total += len(decoded.Images)
	}
	if total != 100 {
		t.Fatalf("chunk sizes sum to %d, want 100", total)
	}
	// 34, 33, 33
	want := []int{34, 33, 33}
	for i := range want {
		if sizes[i] != want[i] {
			t.Fatalf("chunk sizes = %v, want %v", sizes, want)
		}
	}
	max, min := sizes[0], sizes[0]
	for _, s := range sizes {
		if s > max {
			max = s
		}
		if s < min {
			min = s
		}
	}
	if max-min > 1 {
		t.Fatalf("chunk sizes differ by more than 1: %v", sizes)
	}
}

func TestChunkPayloadsSingleWorkerReturnsWholePayload(t *testing.T) {
	t.Parallel()
	payload := imagesPayload(10)
	chunks, err := ChunkPayloads(domain.OperationImageToVideo, payload, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(chunks) != 1 || string(chunks[0]) != string(payload) {
		t.Fatalf("expected single unmodified chunk")
	}
}
