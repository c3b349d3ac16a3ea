// Package notify broadcasts job status changes over Redis pub/sub so
// callers can subscribe instead of polling. Every persisted mutation of a
// job (claim, progress tick, terminal transition) publishes one event.
package notify

import (
	"context"
	"encoding/json"
	"time"

	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lumenlearn/gradeq/internal/domain"
)

const channelPrefix = "gradeq:job:"

// Event is one status change for one job.
type Event struct {
	JobID    string        `json:"jobId"`
	Status   domain.Status `json:"status"`
	Progress int           `json:"progress"`
	At       time.Time     `json:"at"`
}

type Notifier struct {
	rdb *r.Client
	log *zap.Logger
}

func New(rdb *r.Client, log *zap.Logger) *Notifier {
	return &Notifier{rdb: rdb, log: log}
}

// Publish is best-effort: a dropped notification only means a subscriber
// falls back to polling, so failures are logged, never propagated.
func (n *Notifier) Publish(ctx context.Context, jobID string, status domain.Status, progress int) {
	ev := Event{JobID: jobID, Status: status, Progress: progress, At: time.Now().UTC()}
	b, err := json.Marshal(ev)
	if err != nil {
		n.log.Error("marshal job event", zap.Error(err))
		return
	}
	if err := n.rdb.Publish(ctx, channelPrefix+jobID, b).Err(); err != nil {
		n.log.Warn("publish job event", zap.String("job_id", jobID), zap.Error(err))
	}
}

// Subscription delivers events for one job until Close is called. Close
// releases the underlying pub/sub connection and the Events channel is
// closed shortly after.
type Subscription struct {
	events <-chan Event
	ps     *r.PubSub
	cancel context.CancelFunc
}

func (s *Subscription) Events() <-chan Event { return s.events }

func (s *Subscription) Close() error {
	s.cancel()
	return s.ps.Close()
}

// Subscribe starts listening for one job's status changes.
func (n *Notifier) Subscribe(ctx context.Context, jobID string) *Subscription {
	ctx, cancel := context.WithCancel(ctx)
	ps := n.rdb.Subscribe(ctx, channelPrefix+jobID)
	out := make(chan Event, 16)

	go func() {
		defer close(out)
		ch := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					n.log.Warn("decode job event", zap.Error(err))
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return &Subscription{events: out, ps: ps, cancel: cancel}
}
