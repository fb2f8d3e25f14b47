package platform

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/clusterctl/boardctl/internal/nlog"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Endpoints holds the overridable upstream paths (the
// /api/endpoints/* config keys).
type Endpoints struct {
	BoardInfo string
	StackInfo string
	Deploy    string
	Undeploy  string
	Heartbeat string
	Reset     string
}

// DefaultEndpoints returns the upstream's stock paths.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		BoardInfo: "/api/v1/external/qyw/boardinfo",
		StackInfo: "/api/v1/external/qyw/stackinfo",
		Deploy:    "/api/v1/stacks/labels/deploy",
		Undeploy:  "/api/v1/stacks/labels/undeploy",
		Heartbeat: "/api/v1/sys-config/client/up",
		Reset:     "/api/v1/stacks/labels/reset",
	}
}

// Client wraps upstream HTTP calls. Every parsing/transport error
// degrades to a zero-value/false result and is logged — it must never
// propagate past this package.
type Client struct {
	baseURL   string
	endpoints Endpoints
	http      *http.Client
	log       *nlog.Logger
}

// New constructs a platform API client. The standard library's default
// http.Client timeout behavior applies (no explicit deadline beyond
// the per-call context); callers must treat slow responses as eventual
// failures.
func New(baseURL string, endpoints Endpoints, log *nlog.Logger) *Client {
	return &Client{
		baseURL:   baseURL,
		endpoints: endpoints,
		http:      &http.Client{},
		log:       log.With("platform"),
	}
}

func (c *Client) get(ctx context.Context, path string, q url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	return c.do(req)
}

func (c *Client) post(ctx context.Context, path string, body any) ([]byte, error) {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "encode request body")
		}
		rdr = bytes.NewReader(b)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, rdr)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "transport")
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read body")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.Errorf("upstream HTTP %d", resp.StatusCode)
	}
	return b, nil
}

// GetBoardInfo fetches the board inventory. On any failure it logs and
// returns a nil slice (treated by the collector as "skip the tick").
func (c *Client) GetBoardInfo(ctx context.Context) []BoardInfoDTO {
	b, err := c.get(ctx, c.endpoints.BoardInfo, nil)
	if err != nil {
		c.log.Warnf("GetBoardInfo transport failure: %v", err)
		return nil
	}
	var env envelope[[]BoardInfoDTO]
	if err := json.Unmarshal(b, &env); err != nil {
		c.log.Warnf("GetBoardInfo parse failure: %v", err)
		return nil
	}
	if env.Code != 0 {
		c.log.Warnf("GetBoardInfo non-zero code %d: %s", env.Code, env.Message)
		return nil
	}
	return env.Data
}

// GetStackInfo fetches the stack inventory. apiSucceeded distinguishes
// "HTTP OK with empty list" from "call failed" — the collector needs
// this to tell "replace with empty" from "keep as-is".
func (c *Client) GetStackInfo(ctx context.Context) (data []StackInfoDTO, apiSucceeded bool) {
	b, err := c.post(ctx, c.endpoints.StackInfo, nil)
	if err != nil {
		c.log.Warnf("GetStackInfo transport failure: %v", err)
		return nil, false
	}
	var env envelope[[]StackInfoDTO]
	if err := json.Unmarshal(b, &env); err != nil {
		c.log.Warnf("GetStackInfo parse failure: %v", err)
		return nil, false
	}
	if env.Code != 0 {
		// Non-zero code is treated as empty success.
		return nil, true
	}
	return env.Data, true
}

type deployRequest struct {
	StackLabels []string `json:"stackLabels"`
	Account     string   `json:"account,omitempty"`
	Password    string   `json:"password,omitempty"`
	Stop        int      `json:"stop,omitempty"`
}

type undeployRequest struct {
	StackLabels []string `json:"stackLabels"`
}

// DeployStacks deploys the named labels. Parsing/transport failure
// degrades to an all-failure result with the error text as message.
func (c *Client) DeployStacks(ctx context.Context, labels []string, account, password string, stop int) DeployResultDTO {
	b, err := c.post(ctx, c.endpoints.Deploy, deployRequest{StackLabels: labels, Account: account, Password: password, Stop: stop})
	if err != nil {
		c.log.Warnf("DeployStacks transport failure: %v", err)
		return failAll(labels, err)
	}
	return c.parseDeployEnvelope(b, labels)
}

// UndeployStacks undeploys the named labels.
func (c *Client) UndeployStacks(ctx context.Context, labels []string) DeployResultDTO {
	b, err := c.post(ctx, c.endpoints.Undeploy, undeployRequest{StackLabels: labels})
	if err != nil {
		c.log.Warnf("UndeployStacks transport failure: %v", err)
		return failAll(labels, err)
	}
	return c.parseDeployEnvelope(b, labels)
}

func (c *Client) parseDeployEnvelope(b []byte, labels []string) DeployResultDTO {
	var env envelope[[]DeployResultDTO]
	if err := json.Unmarshal(b, &env); err != nil {
		c.log.Warnf("deploy response parse failure: %v", err)
		return failAll(labels, err)
	}
	if env.Code != 0 || len(env.Data) == 0 {
		return failAll(labels, errors.Errorf("upstream code %d: %s", env.Code, env.Message))
	}
	return env.Data[0]
}

func failAll(labels []string, err error) DeployResultDTO {
	out := DeployResultDTO{}
	for _, l := range labels {
		out.FailureStackInfos = append(out.FailureStackInfos, StackOperationDTO{StackName: l, Message: err.Error()})
	}
	return out
}

// SendHeartbeat reports this node's client IP upstream.
func (c *Client) SendHeartbeat(ctx context.Context, clientIP string) bool {
	b, err := c.get(ctx, c.endpoints.Heartbeat, url.Values{"clientIp": []string{clientIP}})
	if err != nil {
		c.log.Warnf("SendHeartbeat transport failure: %v", err)
		return false
	}
	var env envelope[any]
	if err := json.Unmarshal(b, &env); err != nil {
		c.log.Warnf("SendHeartbeat parse failure: %v", err)
		return false
	}
	return env.Code == 0
}

// ResetStacks stops all currently-running stacks.
func (c *Client) ResetStacks(ctx context.Context) bool {
	b, err := c.get(ctx, c.endpoints.Reset, nil)
	if err != nil {
		c.log.Warnf("ResetStacks transport failure: %v", err)
		return false
	}
	var env envelope[any]
	if err := json.Unmarshal(b, &env); err != nil {
		c.log.Warnf("ResetStacks parse failure: %v", err)
		return false
	}
	return env.Code == 0
}
