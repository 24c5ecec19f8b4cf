package classifier

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/cybershield/internal/logging"
)

// Config holds classifier endpoint configuration.
type Config struct {
	Endpoint string        // analysis endpoint URL
	Model    string        // model identifier sent with each request
	APIKey   string        // optional bearer token
	Timeout  time.Duration // per-request timeout
}

// DefaultConfig returns the default classifier configuration.
func DefaultConfig() Config {
	return Config{
		Endpoint: "http://localhost:11434/api/analyze",
		Model:    "cybershield-threat-v1",
		Timeout:  30 * time.Second,
	}
}

// HTTPClient is the JSON-over-HTTP implementation of Client.
type HTTPClient struct {
	config     Config
	httpClient *http.Client
	logger     *zap.Logger
}

// NewHTTPClient constructs a classifier client, filling unset config fields
// with defaults.
func NewHTTPClient(config Config, logger *zap.Logger) *HTTPClient {
	defaults := DefaultConfig()
	if config.Endpoint == "" {
		config.Endpoint = defaults.Endpoint
	}
	if config.Model == "" {
		config.Model = defaults.Model
	}
	if config.Timeout == 0 {
		config.Timeout = defaults.Timeout
	}
	return &HTTPClient{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		logger:     logger.Named("classifier"),
	}
}

type wireRequest struct {
	Model          string `json:"model"`
	Text           string `json:"text"`
	AttachmentB64  string `json:"attachment,omitempty"`
	AttachmentMIME string `json:"attachment_mime,omitempty"`
}

type wireResponse struct {
	ThreatLevel string   `json:"threat_level"`
	SafetyScore int      `json:"safety_score"`
	Reasoning   string   `json:"reasoning"`
	Trustworthy bool     `json:"trustworthy"`
	TraceSteps  []string `json:"trace_steps"`
}

// Classify sends the request to the classification service and returns a
// normalized verdict.
func (c *HTTPClient) Classify(ctx context.Context, req *Request) (*Verdict, error) {
	wire := wireRequest{
		Model: c.config.Model,
		Text:  req.Text,
	}
	if req.Attachment != nil {
		wire.AttachmentB64 = base64.StdEncoding.EncodeToString(req.Attachment.Data)
		wire.AttachmentMIME = req.Attachment.MIME
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return nil, logging.NewOperationError("classifier.marshal_request", "", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, logging.NewOperationError("classifier.build_request", "", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		wrapped := logging.NewOperationError("classifier.classify", "", err)
		c.logger.Error("classification call failed", zap.Error(wrapped))
		return nil, wrapped
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
		wrapped := logging.NewOperationError("classifier.classify", "", err)
		c.logger.Error("classification call rejected", zap.Error(wrapped), zap.Int("status", resp.StatusCode))
		return nil, wrapped
	}

	var payload wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		wrapped := logging.NewOperationError("classifier.decode_response", "", err)
		c.logger.Error("malformed classifier response", zap.Error(wrapped))
		return nil, wrapped
	}

	return normalize(&payload), nil
}

// normalize clamps scores into [0,100] and maps unrecognized threat levels
// to ThreatUnknown.
func normalize(w *wireResponse) *Verdict {
	score := w.SafetyScore
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	level := ThreatLevel(strings.ToLower(strings.TrimSpace(w.ThreatLevel)))
	switch level {
	case ThreatSafe, ThreatSuspicious, ThreatDangerous:
	default:
		level = ThreatUnknown
	}

	return &Verdict{
		ThreatLevel: level,
		SafetyScore: score,
		Reasoning:   w.Reasoning,
		Trustworthy: w.Trustworthy,
		TraceSteps:  w.TraceSteps,
	}
}
