package salesforce

import (
	"context"
	"fmt"
	"net/http"
)

// Limit is one quota entry from the limits API.
type Limit struct {
	Max       int64 `json:"Max"`
	Remaining int64 `json:"Remaining"`
}

// Used returns the consumed portion of the quota.
func (l Limit) Used() int64 {
	return l.Max - l.Remaining
}

// GetLimits fetches the tenant's quota map. Advisory only; limits are
// displayed, never enforced.
func (c *Client) GetLimits(ctx context.Context) (map[string]Limit, error) {
	var limits map[string]Limit
	if err := c.doJSON(ctx, http.MethodGet, c.dataPath("limits"), nil, &limits); err != nil {
		return nil, fmt.Errorf("failed to fetch limits: %w", err)
	}
	return limits, nil
}
