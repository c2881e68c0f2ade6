package provisioning

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/google/uuid"
)

// Request signing and retry constants.
const (
	// signingService is the service name the control plane expects in the
	// SigV4 credential scope.
	signingService = "execute-api"

	// maxAttempts bounds transport-level failures: the initial attempt plus
	// three retries backing off 1s, 2s, 4s.
	maxAttempts = 4

	// baseBackoff is the first retry delay; subsequent delays double.
	baseBackoff = time.Second

	// requestTimeout bounds each individual HTTP attempt.
	requestTimeout = 30 * time.Second
)

// Logger defines the logging interface used by the Client.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// Config contains the control-plane client settings.
type Config struct {
	// Region used for request signing and the default endpoint.
	Region string

	// Endpoint overrides the control endpoint. Empty means
	// https://iot.{region}.amazonaws.com.
	Endpoint string

	// AccessKeyID and SecretAccessKey sign every request.
	AccessKeyID     string
	SecretAccessKey string
}

// Client talks to the IoT control plane over its SigV4-signed REST API:
// registering things, issuing certificates, and wiring the two together.
//
// All methods are stateless per call and safe for concurrent use.
type Client struct {
	endpoint string
	region   string
	creds    aws.CredentialsProvider
	signer   *v4.Signer
	http     *http.Client
	logger   Logger

	// sleep is replaced in tests to avoid real backoff delays.
	sleep func(time.Duration)
}

// NewClient creates a control-plane client.
//
// Parameters:
//   - cfg: Region, optional endpoint override, and signing credentials
//   - logger: Logging sink (nil for none)
//
// Returns:
//   - *Client: Ready-to-use client
//   - error: ErrMissingCredentials when the key pair is absent
func NewClient(cfg Config, logger Logger) (*Client, error) {
	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, ErrMissingCredentials
	}
	if logger == nil {
		logger = noopLogger{}
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://iot.%s.amazonaws.com", cfg.Region)
	}
	endpoint = strings.TrimSuffix(endpoint, "/")

	return &Client{
		endpoint: endpoint,
		region:   cfg.Region,
		creds:    credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		signer:   v4.NewSigner(),
		http:     &http.Client{Timeout: requestTimeout},
		logger:   logger,
		sleep:    time.Sleep,
	}, nil
}

// do signs and sends one control-plane request, retrying transport failures
// with exponential backoff. A response with any status code counts as a
// successful transport attempt: non-2xx statuses become an APIError and are
// never retried.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, headers http.Header, body any, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
	}

	target := c.endpoint + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			delay := baseBackoff << (attempt - 2)
			c.logger.Debug("retrying control-plane request",
				"method", method,
				"path", path,
				"attempt", attempt,
				"delay", delay,
			)
			c.sleep(delay)
		}

		respBody, status, err := c.attempt(ctx, method, target, headers, payload)
		if err != nil {
			lastErr = err
			c.logger.Warn("control-plane request failed",
				"method", method,
				"path", path,
				"attempt", attempt,
				"error", err,
			)
			continue
		}

		if status < 200 || status > 299 {
			return &APIError{StatusCode: status, Body: string(respBody)}
		}

		if out != nil && len(respBody) > 0 {
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("decoding %s %s response: %w", method, path, err)
			}
		}
		return nil
	}
	return fmt.Errorf("request failed after %d attempts: %w", maxAttempts, lastErr)
}

// attempt performs one signed HTTP round trip.
func (c *Client) attempt(ctx context.Context, method, target string, headers http.Header, payload []byte) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Amz-Sdk-Invocation-Id", uuid.NewString())
	for key, values := range headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}

	hash := sha256.Sum256(payload)
	payloadHash := hex.EncodeToString(hash[:])

	creds, err := c.creds.Retrieve(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("retrieving credentials: %w", err)
	}
	if err := c.signer.SignHTTP(ctx, creds, req, payloadHash, signingService, c.region, time.Now().UTC()); err != nil {
		return nil, 0, fmt.Errorf("signing request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // Read-only response body

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("reading response: %w", err)
	}
	return respBody, resp.StatusCode, nil
}
