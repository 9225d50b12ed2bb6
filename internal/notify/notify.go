package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"referralnet/internal/membership"
	"referralnet/internal/metrics"
)

const defaultTimeout = 5 * time.Second

// Pusher is the Redis command used to queue notices.
type Pusher interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
}

// Notice is the message queued for the delivery workers.
type Notice struct {
	Type     string    `json:"type"`
	MemberID string    `json:"member_id"`
	Phone    string    `json:"phone,omitempty"`
	Title    string    `json:"title"`
	Body     string    `json:"body"`
	OldTier  int       `json:"old_tier"`
	NewTier  int       `json:"new_tier"`
	RoleName string    `json:"role_name"`
	At       time.Time `json:"at"`
}

// RedisNotifier pushes promotion notices onto a Redis list. Delivery runs
// in its own goroutine and its failures are only logged and counted.
type RedisNotifier struct {
	client  Pusher
	queue   string
	timeout time.Duration
	metrics *metrics.Metrics
	wg      sync.WaitGroup
}

// NewRedisNotifier creates a notifier writing to queue.
func NewRedisNotifier(client Pusher, queue string, timeout time.Duration, m *metrics.Metrics) *RedisNotifier {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &RedisNotifier{
		client:  client,
		queue:   queue,
		timeout: timeout,
		metrics: m,
	}
}

// Promoted queues a promotion notice without blocking the caller.
func (n *RedisNotifier) Promoted(ctx context.Context, p membership.Promotion) {
	notice := Notice{
		Type:     "role_promoted",
		MemberID: p.MemberID.String(),
		Phone:    p.Phone,
		Title:    "New role unlocked",
		Body:     fmt.Sprintf("Congratulations %s, you are now %s.", p.FullName, p.RoleName),
		OldTier:  p.OldTier,
		NewTier:  p.NewTier,
		RoleName: p.RoleName,
		At:       p.At,
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()

		pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
		defer cancel()

		if err := n.push(pushCtx, notice); err != nil {
			n.metrics.NotificationFailed()
			slog.Warn("Failed to queue promotion notice", "member_id", notice.MemberID, "role", notice.RoleName, "error", err)
			return
		}
		slog.Debug("Queued promotion notice", "member_id", notice.MemberID, "role", notice.RoleName)
	}()
}

func (n *RedisNotifier) push(ctx context.Context, notice Notice) error {
	payload, err := json.Marshal(notice)
	if err != nil {
		return err
	}
	return n.client.LPush(ctx, n.queue, payload).Err()
}

// Wait blocks until all in-flight notices are done or ctx expires.
func (n *RedisNotifier) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
