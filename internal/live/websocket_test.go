package live

import (
	"encoding/base64"
	"testing"
)

func TestWebSocketReadLimitFitsFlushChunk(t *testing.T) {
	t.Parallel()

	repo := newMemRepo()
	reg := NewRegistry(repo, nil, nil, nil, nil, OrchestratorConfig{AccumulatorCap: 1 << 21})
	h := NewWebSocketHandler(repo, reg, "*", true)

	// A flush-sized chunk must fit after base64 inflation plus envelope.
	encoded := int64(base64.StdEncoding.EncodedLen(1 << 21))
	if limit := h.readLimit(); limit < encoded {
		t.Fatalf("read limit %d cannot carry a %d-byte encoded flush", limit, encoded)
	}

	h = NewWebSocketHandler(repo, NewRegistry(repo, nil, nil, nil, nil, OrchestratorConfig{}), "*", true)
	if limit := h.readLimit(); limit < int64(base64.StdEncoding.EncodedLen(1<<20)) {
		t.Fatalf("default read limit %d is below one default accumulator flush", limit)
	}
}
