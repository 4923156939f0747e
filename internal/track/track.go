// Package track turns raw collector signals into finalized session records.
//
// Each sessionizer owns a small state machine guarded by a mutex and emits
// closed sessions into an Enqueuer. Open state lives only in memory; the
// shutdown path closes whatever is open so nothing is lost on exit.
package track

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tracklet/tracklet/internal/model"
)

// Enqueuer is the durable sink for finalized records. Satisfied by
// outbox.Store.
type Enqueuer interface {
	Enqueue(ctx context.Context, stream model.Stream, payload string) error
}

func enqueueJSON(ctx context.Context, enq Enqueuer, stream model.Stream, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", stream, err)
	}
	return enq.Enqueue(ctx, stream, string(payload))
}
