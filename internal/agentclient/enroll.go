package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

type enrollRequest struct {
	AgentID string `json:"agent_id"`
	Token   string `json:"token"`
}

type enrollResponse struct {
	AgentKey string `json:"agent_key"`
}

// enroll exchanges a single-use enrollment token for a long-lived agent key
// by calling the Hub's unauthenticated enroll endpoint.
func enroll(ctx context.Context, hubURL, agentID, token string) (string, error) {
	body, err := json.Marshal(enrollRequest{AgentID: agentID, Token: token})
	if err != nil {
		return "", fmt.Errorf("agentclient: encoding enroll request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hubURL+"/api/v1/agents/enroll", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("agentclient: building enroll request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("agentclient: enroll request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("agentclient: enroll rejected, status %d", resp.StatusCode)
	}

	var out enrollResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("agentclient: decoding enroll response: %w", err)
	}
	return out.AgentKey, nil
}
