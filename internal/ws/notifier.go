package ws

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/openassets/solvency-backend/internal/jobs"
)

// Sink fans position events out to the owner's realtime channel. The outbox
// worker calls it once per delivered job.
type Sink struct {
	hub *Hub
}

func NewSink(hub *Hub) *Sink {
	return &Sink{hub: hub}
}

func (s *Sink) NotifyPositionEvent(_ context.Context, ev jobs.PositionEvent) error {
	payload, err := json.Marshal(map[string]any{
		"event": "position_updated",
		"data": map[string]any{
			"position_id": ev.PositionID,
			"kind":        ev.Kind,
			"amount":      ev.Amount,
			"status":      ev.Status,
		},
	})
	if err != nil {
		return err
	}
	s.hub.Publish("positions:"+strings.ToLower(ev.Owner), payload)
	return nil
}
