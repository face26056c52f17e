// Package logging implements the workflow events port on the structured
// logger. It serves single-process deployments and tests where no stream
// backend is wired; the Pulse implementation under features/events/pulse is
// the durable backend.
package logging

import (
	"context"
	"encoding/json"

	"goa.design/clue/log"

	"goa.design/flow/workflow"
)

// Emitter logs every event at info level with its JSON-encoded payload.
type Emitter struct{}

// New builds an Emitter.
func New() *Emitter {
	return &Emitter{}
}

// Emit implements workflow.Events.
func (*Emitter) Emit(ctx context.Context, event workflow.Event) {
	kvs := []log.Fielder{log.KV{K: "event", V: event.Type}}
	if event.Data != nil {
		if raw, err := json.Marshal(event.Data); err == nil {
			kvs = append(kvs, log.KV{K: "data", V: string(raw)})
		}
	}
	log.Print(ctx, kvs...)
}
