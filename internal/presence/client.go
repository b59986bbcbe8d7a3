package presence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/collabfab/roomserver/internal/auth"
	"github.com/collabfab/roomserver/internal/types"
)

// Client pushes occupancy updates from a room actor to the aggregator's
// HTTP surface. Calls carry the internal shared secret and are not
// retried; a failed push is corrected by the next one.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

func (c *Client) Push(ctx context.Context, roomId string, connections int, action string) ([]types.RoomInfo, error) {
	body, err := json.Marshal(Update{
		Id:          roomId,
		Connections: connections,
		Action:      action,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal update: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(auth.InternalAuthHeader, c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("push occupancy: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("push occupancy: unexpected status %d", resp.StatusCode)
	}

	var list []types.RoomInfo
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decode room list: %w", err)
	}

	return list, nil
}
