package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
)

// StartUserStream requests a new listen key for the user data stream.
func (g *Gateway) StartUserStream(ctx context.Context) (string, error) {
	body, err := g.request(ctx, "POST", "/api/v3/userDataStream", nil, false)
	if err != nil {
		return "", err
	}
	var resp struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("failed to decode listen key: %w", err)
	}
	return resp.ListenKey, nil
}

// KeepAliveUserStream extends listenKey's validity. Callers are expected to
// invoke this roughly every 30 minutes, well inside the exchange's 60
// minute expiry window.
func (g *Gateway) KeepAliveUserStream(ctx context.Context, listenKey string) error {
	values := url.Values{"listenKey": {listenKey}}
	_, err := g.request(ctx, "PUT", "/api/v3/userDataStream", values, false)
	return err
}

// CloseUserStream releases listenKey early, e.g. on graceful shutdown.
func (g *Gateway) CloseUserStream(ctx context.Context, listenKey string) error {
	values := url.Values{"listenKey": {listenKey}}
	_, err := g.request(ctx, "DELETE", "/api/v3/userDataStream", values, false)
	return err
}
