// internal/membership/audit.go
package membership

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// ReconcileAll runs the registry policy over every member with a phone.
// A failure on one member is counted and the run continues.
func (s *service) ReconcileAll(ctx context.Context) (*AuditResult, error) {
	if err := authorizeAdmin(ctx); err != nil {
		return nil, err
	}

	result := &AuditResult{}
	after := uuid.Nil

	for {
		batch, err := s.store.ListMembers(ctx, after, s.batchSize)
		if err != nil {
			return result, fmt.Errorf("failed to list members: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		for i := range batch {
			m := &batch[i]
			after = m.ID
			result.Total++

			if m.Phone == "" {
				result.Skipped++
				continue
			}
			res, err := s.reconcile(ctx, m)
			if err != nil {
				result.Errors++
				slog.Error("Failed to reconcile member", "member_id", m.ID, "error", err)
				continue
			}
			if res.Changed {
				result.Fixed++
			}
		}

		if len(batch) < s.batchSize {
			break
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}
	}

	s.metrics.AuditCompleted(result.Fixed, result.Errors)
	slog.Info("Reconciled all members",
		"total", result.Total,
		"fixed", result.Fixed,
		"errors", result.Errors,
		"skipped", result.Skipped)
	return result, nil
}
