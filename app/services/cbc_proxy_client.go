package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/amirphl/broadcast-core/config"
	"github.com/amirphl/broadcast-core/models"
)

// Message types understood by the CBC proxies. "test" is only used for link tests.
const (
	ProxyMessageTypeAlert  = "alert"
	ProxyMessageTypeUpdate = "update"
	ProxyMessageTypeCancel = "cancel"
	ProxyMessageTypeTest   = "test"
)

// TransmissionOutcome is what the transport reports back for one provider
type TransmissionOutcome string

const (
	TransmissionAck         TransmissionOutcome = "ack"
	TransmissionError       TransmissionOutcome = "error"
	TransmissionUnreachable TransmissionOutcome = "unreachable"
	TransmissionTimeout     TransmissionOutcome = "timeout"
)

// ProviderMessageStatus maps the outcome onto the provider message status it produces
func (o TransmissionOutcome) ProviderMessageStatus() models.ProviderMessageStatus {
	switch o {
	case TransmissionAck:
		return models.ProviderMessageStatusReturnedAck
	case TransmissionError:
		return models.ProviderMessageStatusReturnedError
	default:
		return models.ProviderMessageStatusTechnicalFailure
	}
}

// TransmissionReference points a cancel at an earlier provider message
type TransmissionReference struct {
	MessageID     string `json:"message_id"`
	MessageNumber string `json:"message_number,omitempty"`
	Sent          string `json:"sent"`
}

// TransmissionRequest is everything a proxy needs to build one provider payload
type TransmissionRequest struct {
	Provider      models.BroadcastProvider
	MessageType   string
	Identifier    string
	MessageNumber string // formatted; only transmitted in ibag payloads
	Headline      string
	Description   string
	Polygons      []models.Polygon
	Sent          string
	Expires       string
	Channel       models.BroadcastChannel
	References    []TransmissionReference
}

// CBCProxyClient hands broadcast payloads to the per-provider cell broadcast proxies
type CBCProxyClient interface {
	Send(ctx context.Context, req TransmissionRequest) (TransmissionOutcome, error)
}

// ProxyEndpoints returns the primary and failover endpoint names of a provider
func ProxyEndpoints(provider models.BroadcastProvider) (primary, failover string) {
	return fmt.Sprintf("%s-1-proxy", provider), fmt.Sprintf("%s-2-proxy", provider)
}

type proxyArea struct {
	Polygon models.Polygon `json:"polygon"`
}

// proxyPayload is the JSON document posted to a proxy endpoint
type proxyPayload struct {
	MessageType   string                  `json:"message_type"`
	Identifier    string                  `json:"identifier"`
	MessageNumber *string                 `json:"message_number,omitempty"`
	MessageFormat string                  `json:"message_format"`
	Headline      string                  `json:"headline,omitempty"`
	Description   string                  `json:"description,omitempty"`
	Areas         []proxyArea             `json:"areas,omitempty"`
	References    []TransmissionReference `json:"references,omitempty"`
	Sent          string                  `json:"sent,omitempty"`
	Expires       string                  `json:"expires,omitempty"`
	Language      string                  `json:"language,omitempty"`
	Channel       string                  `json:"channel,omitempty"`
}

// proxyResponse is the optional body a proxy answers with
type proxyResponse struct {
	Result  string `json:"result"`
	Message string `json:"message"`
}

// BuildProxyPayload renders the provider-specific payload for req
func BuildProxyPayload(req TransmissionRequest) (map[string]any, error) {
	payload, err := buildPayload(req)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func buildPayload(req TransmissionRequest) (*proxyPayload, error) {
	if !req.Provider.Valid() {
		return nil, fmt.Errorf("unknown provider %q", req.Provider)
	}
	format := req.Provider.MessageFormat()
	ibag := format == models.MessageFormatIBAG

	p := &proxyPayload{
		MessageType:   req.MessageType,
		Identifier:    req.Identifier,
		MessageFormat: format,
	}
	if ibag {
		number := req.MessageNumber
		p.MessageNumber = &number
	}

	switch req.MessageType {
	case ProxyMessageTypeTest:
	case ProxyMessageTypeAlert, ProxyMessageTypeUpdate:
		p.Headline = req.Headline
		p.Description = req.Description
		p.Areas = make([]proxyArea, 0, len(req.Polygons))
		for _, polygon := range req.Polygons {
			p.Areas = append(p.Areas, proxyArea{Polygon: polygon})
		}
		p.Sent = req.Sent
		p.Expires = req.Expires
		p.Language = InferLanguage(req.Provider, req.Description)
		p.Channel = string(req.Channel)
		if req.MessageType == ProxyMessageTypeUpdate {
			p.References = references(req.References, ibag)
		}
	case ProxyMessageTypeCancel:
		p.References = references(req.References, ibag)
		p.Sent = req.Sent
	default:
		return nil, fmt.Errorf("unknown proxy message type %q", req.MessageType)
	}

	return p, nil
}

// references drops message numbers from cap payloads
func references(refs []TransmissionReference, ibag bool) []TransmissionReference {
	out := make([]TransmissionReference, 0, len(refs))
	for _, r := range refs {
		if !ibag {
			r.MessageNumber = ""
		}
		out = append(out, r)
	}
	return out
}

// InferLanguage picks Welsh when content has characters outside the GSM 03.38 alphabet.
// cap providers use language tags, vodafone uses names.
func InferLanguage(provider models.BroadcastProvider, content string) string {
	welsh := HasNonGSMCharacters(content)
	if provider.MessageFormat() == models.MessageFormatIBAG {
		if welsh {
			return "Welsh"
		}
		return "English"
	}
	if welsh {
		return "cy-GB"
	}
	return "en-GB"
}

const gsmCharacters = "@£$¥èéùìòÇ\nØø\rÅåΔ_ΦΓΛΩΠΨΣΘΞ\x1bÆæßÉ !\"#¤%&'()*+,-./0123456789:;<=>?" +
	"¡ABCDEFGHIJKLMNOPQRSTUVWXYZÄÖÑÜ§¿abcdefghijklmnopqrstuvwxyzäöñüà" +
	"^{}\\[~]|€"

var gsmSet = func() map[rune]struct{} {
	set := make(map[rune]struct{}, len(gsmCharacters))
	for _, r := range gsmCharacters {
		set[r] = struct{}{}
	}
	return set
}()

// HasNonGSMCharacters reports whether content needs more than the GSM 03.38 alphabet and its extension table
func HasNonGSMCharacters(content string) bool {
	for _, r := range content {
		if _, ok := gsmSet[r]; !ok {
			return true
		}
	}
	return false
}

// HTTPCBCProxyClient posts payloads to <base>/<provider>-N-proxy, falling back to the second endpoint
type HTTPCBCProxyClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *log.Logger
}

// NewCBCProxyClient creates the HTTP proxy client
func NewCBCProxyClient(cfg *config.CBCProxyConfig, logger *log.Logger) CBCProxyClient {
	if logger == nil {
		logger = log.Default()
	}
	return &HTTPCBCProxyClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}
}

// Send tries the primary endpoint and then the failover one.
// A proxy that answers with result "error" is an error outcome; it is not retried on the failover endpoint.
func (c *HTTPCBCProxyClient) Send(ctx context.Context, req TransmissionRequest) (TransmissionOutcome, error) {
	payload, err := buildPayload(req)
	if err != nil {
		return TransmissionError, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return TransmissionError, fmt.Errorf("failed to marshal proxy payload: %w", err)
	}

	primary, failover := ProxyEndpoints(req.Provider)

	outcome, err := c.invoke(ctx, primary, body)
	if outcome != TransmissionUnreachable {
		return outcome, err
	}
	c.logger.Printf("cbc proxy: %s failed for %s, trying %s: %v", primary, req.Identifier, failover, err)

	outcome, ferr := c.invoke(ctx, failover, body)
	if outcome != TransmissionUnreachable {
		return outcome, ferr
	}
	return TransmissionUnreachable, fmt.Errorf("proxy failed for both %s and %s: %w", primary, failover, errors.Join(err, ferr))
}

func (c *HTTPCBCProxyClient) invoke(ctx context.Context, endpoint string, body []byte) (TransmissionOutcome, error) {
	if err := ctx.Err(); err != nil {
		return TransmissionTimeout, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+endpoint, bytes.NewReader(body))
	if err != nil {
		return TransmissionError, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("x-api-key", c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return TransmissionTimeout, err
		}
		return TransmissionUnreachable, fmt.Errorf("failed to call %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode > 299 || resp.Header.Get("X-Function-Error") != "" {
		return TransmissionUnreachable, fmt.Errorf("%s returned status %d: %s", endpoint, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var pr proxyResponse
	if len(bytes.TrimSpace(raw)) > 0 && json.Unmarshal(raw, &pr) == nil && pr.Result == "error" {
		return TransmissionError, fmt.Errorf("%s rejected the message: %s", endpoint, pr.Message)
	}

	return TransmissionAck, nil
}

// MockCBCProxyClient implements CBCProxyClient for tests and for running without proxies
type MockCBCProxyClient struct {
	mu       sync.Mutex
	Requests []TransmissionRequest
	// Outcomes overrides the outcome per provider; providers not listed are acked
	Outcomes map[models.BroadcastProvider]TransmissionOutcome
	// Block, when set, makes Send wait until ctx is done
	Block bool
}

// NewMockCBCProxyClient creates a mock client that acks everything
func NewMockCBCProxyClient() *MockCBCProxyClient {
	return &MockCBCProxyClient{Outcomes: make(map[models.BroadcastProvider]TransmissionOutcome)}
}

func (m *MockCBCProxyClient) Send(ctx context.Context, req TransmissionRequest) (TransmissionOutcome, error) {
	m.mu.Lock()
	m.Requests = append(m.Requests, req)
	outcome, ok := m.Outcomes[req.Provider]
	block := m.Block
	m.mu.Unlock()

	if block {
		<-ctx.Done()
		return TransmissionTimeout, ctx.Err()
	}
	if !ok {
		return TransmissionAck, nil
	}
	if outcome != TransmissionAck {
		return outcome, fmt.Errorf("mock %s outcome for %s", outcome, req.Provider)
	}
	return outcome, nil
}

// SentRequests returns a copy of the recorded requests
func (m *MockCBCProxyClient) SentRequests() []TransmissionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]TransmissionRequest(nil), m.Requests...)
}

// SetOutcome sets the outcome returned for provider
func (m *MockCBCProxyClient) SetOutcome(provider models.BroadcastProvider, outcome TransmissionOutcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Outcomes[provider] = outcome
}
