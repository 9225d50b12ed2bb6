// internal/clients/trigger_client.go
package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"referralnet/internal/membership"
)

// TriggerClient calls the internal listener of the referral service.
type TriggerClient struct {
	baseURL string
	http    *http.Client
}

func NewTriggerClient(baseURL string) *TriggerClient {
	return &TriggerClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// ProcessResult is the response of the chain processing trigger.
type ProcessResult struct {
	OK          bool        `json:"ok"`
	Credited    []uuid.UUID `json:"credited"`
	BrokenChain bool        `json:"broken_chain"`
}

// RoleResult is the response of the role evaluation trigger.
type RoleResult struct {
	Promoted bool   `json:"promoted"`
	NewRole  string `json:"new_role"`
}

func (c *TriggerClient) ProcessMember(ctx context.Context, id uuid.UUID) (*ProcessResult, error) {
	var out ProcessResult
	if err := c.post(ctx, fmt.Sprintf("/internal/members/%s/process", id), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *TriggerClient) EvaluateRole(ctx context.Context, id uuid.UUID) (*RoleResult, error) {
	var out RoleResult
	if err := c.post(ctx, fmt.Sprintf("/internal/members/%s/evaluate-role", id), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *TriggerClient) ResolveOrphans(ctx context.Context) (*membership.OrphanResult, error) {
	var out membership.OrphanResult
	if err := c.post(ctx, "/internal/orphans/resolve", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *TriggerClient) post(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		json.NewDecoder(resp.Body).Decode(&body)
		return fmt.Errorf("unexpected status code %d: %s %s", resp.StatusCode, body.Error, body.Message)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
