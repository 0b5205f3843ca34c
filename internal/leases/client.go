package leases

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ossbng/bngd/internal/dhcp"
	"github.com/ossbng/bngd/pkg/dhcpv4"
)

const keaTimeout = 10 * time.Second

// Config holds the Kea control-agent connection settings.
type Config struct {
	BaseURL  string
	Username string
	Password string
	RelayID  string // this BNG's relay id; foreign leases are dropped
}

// Client talks to the Kea control agent over its HTTP command channel.
type Client struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// NewClient creates a Kea lease client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: keaTimeout},
		logger: logger,
	}
}

type commandRequest struct {
	Command string   `json:"command"`
	Service []string `json:"service"`
}

// One result object per addressed service comes back from the control
// agent.
type commandResult struct {
	Result    int    `json:"result"`
	Text      string `json:"text"`
	Arguments struct {
		Leases []keaLease `json:"leases"`
	} `json:"arguments"`
}

type keaLease struct {
	IPAddress   string          `json:"ip-address"`
	HWAddress   string          `json:"hw-address"`
	CLTT        int64           `json:"cltt"`
	ValidLft    int64           `json:"valid-lft"`
	State       int             `json:"state"`
	UserContext json.RawMessage `json:"user-context"`
}

// Kea stores the relayed Option 82 under user-context.ISC. Depending
// on version the relay-agent-info is either a plain hex string or an
// object with a sub-options field.
type userContext struct {
	ISC struct {
		RelayAgentInfo json.RawMessage `json:"relay-agent-info"`
	} `json:"ISC"`
}

type relayAgentInfo struct {
	SubOptions string `json:"sub-options"`
}

// Snapshot fetches every DHCPv4 lease and returns the ones issued
// through this BNG. Leases without a usable Option 82 identity and
// leases relayed by another BNG are dropped; inactive leases are kept.
func (c *Client) Snapshot(ctx context.Context) ([]Lease, error) {
	body, err := json.Marshal(commandRequest{
		Command: "lease4-get-all",
		Service: []string{"dhcp4"},
	})
	if err != nil {
		return nil, fmt.Errorf("encoding lease command: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/leases", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating lease request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.cfg.Username, c.cfg.Password)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("lease request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("lease request: status %d: %s", resp.StatusCode, string(excerpt))
	}

	var results []commandResult
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return nil, fmt.Errorf("decoding lease reply: %w", err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("lease reply addressed no service")
	}
	if results[0].Arguments.Leases == nil {
		return nil, fmt.Errorf("lease reply carried no lease list (result %d, %q)",
			results[0].Result, results[0].Text)
	}

	leases := make([]Lease, 0, len(results[0].Arguments.Leases))
	for _, kl := range results[0].Arguments.Leases {
		lease, ok := c.convert(kl)
		if !ok {
			continue
		}
		leases = append(leases, lease)
	}
	return leases, nil
}

func (c *Client) convert(kl keaLease) (Lease, bool) {
	subOptions := relaySubOptions(kl.UserContext)
	if subOptions == "" {
		return Lease{}, false
	}

	info, err := decodeRelayHex(subOptions)
	if err != nil {
		c.logger.Debug("lease with undecodable relay info skipped",
			"ip", kl.IPAddress, "error", err)
		return Lease{}, false
	}

	circuitID := dhcp.AgentIDString(info.CircuitID)
	remoteID := dhcp.AgentIDString(info.RemoteID)
	relayID := dhcp.AgentIDString(info.RelayID)
	if circuitID == "" || remoteID == "" || relayID == "" {
		return Lease{}, false
	}
	if relayID != c.cfg.RelayID {
		return Lease{}, false
	}

	mac, err := dhcpv4.NormalizeMAC(kl.HWAddress)
	if err != nil {
		c.logger.Debug("lease with bad hw-address skipped",
			"ip", kl.IPAddress, "hw", kl.HWAddress)
		return Lease{}, false
	}

	ip := net.ParseIP(kl.IPAddress)
	if ip == nil {
		return Lease{}, false
	}

	return Lease{
		CircuitID:         circuitID,
		RemoteID:          remoteID,
		RelayID:           relayID,
		MAC:               mac,
		IP:                ip,
		Expiry:            time.Unix(kl.CLTT+kl.ValidLft, 0),
		LastStateUpdateTS: time.Unix(kl.CLTT, 0),
		State:             kl.State,
	}, true
}

// relaySubOptions digs the Option 82 hex blob out of the lease's
// user-context, tolerating both the object and plain-string shapes.
func relaySubOptions(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var ctx userContext
	if err := json.Unmarshal(raw, &ctx); err != nil {
		return ""
	}
	if len(ctx.ISC.RelayAgentInfo) == 0 {
		return ""
	}

	var asString string
	if err := json.Unmarshal(ctx.ISC.RelayAgentInfo, &asString); err == nil {
		return asString
	}

	var asObject relayAgentInfo
	if err := json.Unmarshal(ctx.ISC.RelayAgentInfo, &asObject); err == nil {
		return asObject.SubOptions
	}
	return ""
}

// decodeRelayHex decodes a 0x-prefixed (or bare) hex TLV string into
// relay agent info.
func decodeRelayHex(s string) (*dhcp.RelayAgentInfo, error) {
	s = strings.TrimPrefix(s, "0x")
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("bad relay info hex: %w", err)
	}
	return dhcp.ParseRelayAgentInfo(data), nil
}
