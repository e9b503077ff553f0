package discovery

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
)

const (
	// DefaultProtocolVersion is offered in the probe's initialize request.
	DefaultProtocolVersion = "2025-06-18"
	// DefaultProbeTimeout bounds a complete probe of one endpoint.
	DefaultProbeTimeout = 3 * time.Second

	sessionHeader         = "Mcp-Session-Id"
	protocolVersionHeader = "Mcp-Protocol-Version"
	maxProbeBody          = 4 << 20
	maxProbePages         = 16
)

var (
	dataMarker = []byte("data:")

	errIdentityMismatch = errors.New("discovery: identity mismatch")
	errNoPayload        = errors.New("discovery: empty response payload")
)

// ProbeResult is the outcome of probing one endpoint. The zero value means
// absent.
type ProbeResult struct {
	Confirmed    bool
	Capabilities []string
	Identity     string
}

// Prober checks whether an endpoint hosts a matching instance. Probe never
// fails: every failure mode maps to an unconfirmed result.
type Prober interface {
	Probe(ctx context.Context, ep Endpoint) ProbeResult
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, ep Endpoint) ProbeResult

// Probe calls f.
func (f ProberFunc) Probe(ctx context.Context, ep Endpoint) ProbeResult { return f(ctx, ep) }

// ProberOptions configures an HTTPProber.
type ProberOptions struct {
	// IdentityToken must occur (case-insensitively) in the server name the
	// responder reports. Required.
	IdentityToken   string
	Timeout         time.Duration
	HTTPClient      *http.Client
	ClientName      string
	ClientVersion   string
	ProtocolVersion string
	Logger          *zap.Logger
}

// HTTPProber performs a lightweight MCP handshake over plain HTTP POSTs. It
// does not keep any session; a session opened by the probe is terminated
// before Probe returns.
type HTTPProber struct {
	token           string
	timeout         time.Duration
	client          *http.Client
	clientInfo      *mcp.Implementation
	protocolVersion string
	logger          *zap.Logger
}

// NewHTTPProber validates opts and builds a prober.
func NewHTTPProber(opts ProberOptions) (*HTTPProber, error) {
	token := strings.ToLower(strings.TrimSpace(opts.IdentityToken))
	if token == "" {
		return nil, fmt.Errorf("discovery: identity token is required")
	}
	p := &HTTPProber{
		token:           token,
		timeout:         opts.Timeout,
		client:          opts.HTTPClient,
		clientInfo:      &mcp.Implementation{Name: opts.ClientName, Version: opts.ClientVersion},
		protocolVersion: opts.ProtocolVersion,
		logger:          opts.Logger,
	}
	if p.timeout <= 0 {
		p.timeout = DefaultProbeTimeout
	}
	if p.client == nil {
		p.client = &http.Client{}
	}
	if p.clientInfo.Name == "" {
		p.clientInfo.Name = "mcphub-probe"
	}
	if p.clientInfo.Version == "" {
		p.clientInfo.Version = "1.0.0"
	}
	if p.protocolVersion == "" {
		p.protocolVersion = DefaultProtocolVersion
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	return p, nil
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context, ep Endpoint) ProbeResult {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	res, err := p.probe(ctx, ep)
	if err != nil {
		p.logger.Debug("probe absent", zap.String("instance", ep.Name), zap.String("url", ep.URL()), zap.Error(err))
		return ProbeResult{}
	}
	return res
}

func (p *HTTPProber) probe(ctx context.Context, ep Endpoint) (ProbeResult, error) {
	url := ep.URL()
	logger := p.logger.With(zap.String("instance", ep.Name))

	var init mcp.InitializeResult
	header, err := p.call(ctx, url, "", "", "initialize", &mcp.InitializeParams{
		ProtocolVersion: p.protocolVersion,
		ClientInfo:      p.clientInfo,
		Capabilities:    &mcp.ClientCapabilities{},
	}, &init)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("initialize: %w", err)
	}

	sessionID := header.Get(sessionHeader)
	version := init.ProtocolVersion
	if version == "" {
		version = p.protocolVersion
	}
	// Any session the responder opened is released, including on a
	// foreign service that fails the identity check.
	if sessionID != "" {
		defer p.terminate(url, sessionID, version)
	}

	identity := reportedIdentity(init.ServerInfo)
	if !strings.Contains(strings.ToLower(identity), p.token) {
		return ProbeResult{}, fmt.Errorf("%w: %q", errIdentityMismatch, identity)
	}

	if err := p.notify(ctx, url, sessionID, version, "notifications/initialized"); err != nil {
		logger.Debug("initialized notification failed", zap.Error(err))
	}

	tools, err := p.listTools(ctx, url, sessionID, version)
	if err != nil {
		// The responder passed the identity check, so it counts as present
		// even when it cannot enumerate tools.
		logger.Debug("tool listing failed", zap.Error(err))
		tools = []string{}
	}
	return ProbeResult{Confirmed: true, Capabilities: tools, Identity: identity}, nil
}

func (p *HTTPProber) listTools(ctx context.Context, url, sessionID, version string) ([]string, error) {
	names := []string{}
	cursor := ""
	for page := 0; page < maxProbePages; page++ {
		var result mcp.ListToolsResult
		if _, err := p.call(ctx, url, sessionID, version, "tools/list", &mcp.ListToolsParams{Cursor: cursor}, &result); err != nil {
			return nil, err
		}
		for _, tool := range result.Tools {
			if tool != nil && tool.Name != "" {
				names = append(names, tool.Name)
			}
		}
		if result.NextCursor == "" {
			return names, nil
		}
		cursor = result.NextCursor
	}
	return names, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// call sends one JSON-RPC request and decodes the result into out.
func (p *HTTPProber) call(ctx context.Context, url, sessionID, version, method string, params, out any) (http.Header, error) {
	resp, err := p.post(ctx, url, sessionID, version, rpcRequest{
		JSONRPC: "2.0",
		ID:      uuid.NewString(),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := readPayload(resp)
	if err != nil {
		return nil, err
	}
	payload, err := ParsePayload(body)
	if err != nil {
		return nil, err
	}
	var decoded rpcResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", method, err)
	}
	if decoded.Error != nil {
		return nil, decoded.Error
	}
	if len(decoded.Result) == 0 {
		return nil, fmt.Errorf("%s response carries no result", method)
	}
	if err := json.Unmarshal(decoded.Result, out); err != nil {
		return nil, fmt.Errorf("decode %s result: %w", method, err)
	}
	return resp.Header, nil
}

func (p *HTTPProber) notify(ctx context.Context, url, sessionID, version, method string) error {
	resp, err := p.post(ctx, url, sessionID, version, rpcRequest{JSONRPC: "2.0", Method: method})
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxProbeBody))
	return resp.Body.Close()
}

// terminate ends the probe session so instances do not accumulate one
// abandoned session per scan cycle.
func (p *HTTPProber) terminate(url, sessionID, version string) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return
	}
	req.Header.Set(sessionHeader, sessionID)
	req.Header.Set(protocolVersionHeader, version)
	resp, err := p.client.Do(req)
	if err != nil {
		return
	}
	_ = resp.Body.Close()
}

func (p *HTTPProber) post(ctx context.Context, url, sessionID, version string, body rpcRequest) (*http.Response, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", body.Method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sessionID != "" {
		req.Header.Set(sessionHeader, sessionID)
	}
	if version != "" {
		req.Header.Set(protocolVersionHeader, version)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%s: unexpected status %s", body.Method, resp.Status)
	}
	return resp, nil
}

// readPayload reads a response body. Event streams are read only up to the
// first non-empty data line, since a streaming response may stay open after it.
func readPayload(resp *http.Response) ([]byte, error) {
	limited := io.LimitReader(resp.Body, maxProbeBody)
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType != "text/event-stream" {
		return io.ReadAll(limited)
	}
	scanner := bufio.NewScanner(limited)
	scanner.Buffer(make([]byte, 0, 64*1024), maxProbeBody)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if bytes.HasPrefix(line, dataMarker) && len(bytes.TrimSpace(line[len(dataMarker):])) > 0 {
			return append([]byte(nil), line...), nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return nil, errNoPayload
}

// ParsePayload extracts the JSON-RPC message from a response body. Bodies in
// event-stream framing yield the content of their first non-empty "data:"
// line; empty data lines such as priming events are skipped. Any other body
// is returned trimmed.
func ParsePayload(body []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, errNoPayload
	}
	framed := false
	for _, line := range bytes.Split(trimmed, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if !bytes.HasPrefix(line, dataMarker) {
			continue
		}
		framed = true
		if payload := bytes.TrimSpace(line[len(dataMarker):]); len(payload) > 0 {
			return payload, nil
		}
	}
	if framed {
		return nil, errNoPayload
	}
	return trimmed, nil
}

func reportedIdentity(info *mcp.Implementation) string {
	if info == nil {
		return ""
	}
	if info.Name != "" {
		return info.Name
	}
	return info.Title
}
