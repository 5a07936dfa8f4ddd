// Package progress forwards job progress events from redis into hub rooms so
// connected clients can watch their jobs live. It holds no state of its own.
package progress

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/charhubai/charhub/internal/services/hub"
	"github.com/charhubai/charhub/internal/services/jobs"
)

// Broadcaster is the slice of the hub the router needs.
type Broadcaster interface {
	Broadcast(room string, evt *hub.Event)
}

var _ Broadcaster = (*hub.Hub)(nil)

type Router struct {
	redis *redis.Client
	hub   Broadcaster
	log   *zap.Logger
}

func NewRouter(rdb *redis.Client, h Broadcaster, log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{redis: rdb, hub: h, log: log}
}

// Start subscribes to the progress channels and forwards events until the
// context is cancelled.
func (r *Router) Start(ctx context.Context) error {
	sub := r.redis.PSubscribe(ctx, jobs.ProgressChannelPattern)
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}

	go func() {
		defer func() { _ = sub.Close() }()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				r.route([]byte(msg.Payload))
			}
		}
	}()
	return nil
}

func (r *Router) route(payload []byte) {
	var event jobs.ProgressEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		r.log.Warn("dropping malformed progress event", zap.Error(err))
		return
	}
	if event.SessionID == "" {
		return
	}

	evt, err := hub.NewEvent(hub.EvtJobProgress, &hub.JobProgressPayload{
		SessionID: event.SessionID,
		Stage:     event.Stage,
		Total:     event.Total,
		Message:   event.Message,
		Data:      event.Data,
	})
	if err != nil {
		r.log.Error("failed to encode progress event", zap.Error(err))
		return
	}
	r.hub.Broadcast(hub.JobRoom(event.OwnerUserID, event.SessionID), evt)
}
