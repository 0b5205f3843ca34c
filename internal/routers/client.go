package routers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const inventoryTimeout = 10 * time.Second

// Router is one inventory entry: an access router expected to relay
// subscriber DHCP through this BNG.
type Router struct {
	Name   string
	GIAddr net.IP
}

// Client fetches the access routers assigned to a BNG from the OSS API.
type Client struct {
	baseURL string
	bngID   string
	client  *http.Client
	logger  *slog.Logger
}

func NewClient(baseURL, bngID string, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		bngID:   bngID,
		client:  &http.Client{Timeout: inventoryTimeout},
		logger:  logger,
	}
}

type routersResponse struct {
	Data []struct {
		RouterName string `json:"router_name"`
		GIAddr     string `json:"giaddr"`
	} `json:"data"`
}

// Assigned returns the routers the OSS expects this BNG to serve.
// Entries without a name or with an unparseable giaddr are skipped.
func (c *Client) Assigned(ctx context.Context) ([]Router, error) {
	u := c.baseURL + "/api/routers?bng_id=" + url.QueryEscape(c.bngID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("creating inventory request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("inventory request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("inventory request: status %d: %s", resp.StatusCode, string(excerpt))
	}
	var parsed routersResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decoding inventory reply: %w", err)
	}
	out := make([]Router, 0, len(parsed.Data))
	for _, r := range parsed.Data {
		ip := net.ParseIP(r.GIAddr)
		if r.RouterName == "" || ip == nil {
			c.logger.Warn("skipping malformed inventory entry",
				"router_name", r.RouterName,
				"giaddr", r.GIAddr)
			continue
		}
		out = append(out, Router{Name: r.RouterName, GIAddr: ip})
	}
	return out, nil
}
