// internal/membership/orphans.go
package membership

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// ResolveOrphans attaches every member without a referrer to the root.
// Members already attached no longer match the scan, so re-running it
// fixes nothing.
func (s *service) ResolveOrphans(ctx context.Context) (*OrphanResult, error) {
	result := &OrphanResult{}
	after := uuid.Nil

	for {
		batch, err := s.store.ListOrphans(ctx, after, s.batchSize)
		if err != nil {
			return result, fmt.Errorf("failed to list orphans: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		for _, m := range batch {
			after = m.ID
			if m.IsRoot() {
				continue
			}
			assigned, err := s.store.AssignReferrer(ctx, m.ID, RootCode)
			if err != nil {
				result.Errors++
				slog.Error("Failed to attach orphan to root", "member_id", m.ID, "error", err)
				continue
			}
			if assigned {
				result.Fixed++
				s.record(ctx, m.ID, EventReferrerAssigned, ReferrerAssignedEvent{ID: m.ID, ReferrerCode: RootCode})
			}
		}

		if len(batch) < s.batchSize {
			break
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}
	}

	s.metrics.OrphansFixed(result.Fixed)
	slog.Info("Resolved orphans", "fixed", result.Fixed, "errors", result.Errors)
	return result, nil
}
