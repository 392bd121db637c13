package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/mappaturasmd/mappatura/internal/collector"
)

const (
	defaultMaxRetries  = 2
	defaultBaseDelay   = 250 * time.Millisecond
	defaultMaxDelay    = 4 * time.Second
	defaultHTTPTimeout = 15 * time.Second
)

// Settings is read on every call so configuration changes apply without a
// restart.
type Settings interface {
	EndpointURL() string
	BearerToken() string
	SessionCode() string
}

type ClientOptions struct {
	HTTPClient *http.Client
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Operator   func() Operator
	Logger     *zap.Logger
}

type Client struct {
	settings   Settings
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	operator   func() Operator
	logger     *zap.Logger
}

func NewClient(settings Settings, opts ClientOptions) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = NewHTTPClient(defaultHTTPTimeout)
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	} else if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = defaultBaseDelay
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}
	operator := opts.Operator
	if operator == nil {
		operator = func() Operator { return Operator{} }
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		settings:   settings,
		httpClient: httpClient,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		operator:   operator,
		logger:     logger,
	}
}

// NewHTTPClient returns a client whose transport negotiates HTTP/2 over TLS
// and falls back to HTTP/1.1.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = 4
	if _, err := http2.ConfigureTransports(transport); err != nil {
		return &http.Client{Timeout: timeout}
	}
	return &http.Client{Timeout: timeout, Transport: transport}
}

func (c *Client) Operator() Operator {
	return c.operator()
}

func (c *Client) CheckAccess(ctx context.Context) (AuthResult, error) {
	op := c.operator()
	body := accessRequest{
		OperatorName: op.Name,
		OperatorUUID: op.CompactUUID(),
		PublishCode:  strings.TrimSpace(c.settings.SessionCode()),
	}
	var out AuthResult
	status, err := c.call(ctx, FunctionCheckAccess, "", body, &out)
	out.HTTPStatus = status
	return out, err
}

func (c *Client) SearchPlot(ctx context.Context, query string) (SearchResult, error) {
	op := c.operator()
	body := searchRequest{
		OperatorName: op.Name,
		OperatorUUID: op.CompactUUID(),
		SearchQuery:  strings.TrimSpace(query),
		PublishCode:  strings.TrimSpace(c.settings.SessionCode()),
	}
	var out SearchResult
	status, err := c.call(ctx, FunctionSearchPlot, "", body, &out)
	out.HTTPStatus = status
	return out, err
}

// SubmitPlot posts one record. HTTP-level failures come back in the result
// with HTTPStatus set; the error is reserved for missing configuration and
// transport failures.
func (c *Client) SubmitPlot(ctx context.Context, rec collector.Record) (SubmitResult, error) {
	op := c.operator()
	body := submitRequest{
		PublishCode:  strings.TrimSpace(c.settings.SessionCode()),
		OperatorName: op.Name,
		OperatorUUID: op.CompactUUID(),
		PlotData: plotData{
			PlotID:        rec.PlotID,
			CoordX:        rec.CoordX,
			CoordZ:        rec.CoordZ,
			Dimension:     rec.Dimension,
			Proprietario:  rec.Owner,
			UltimoAccesso: rec.LastAccess,
		},
	}
	var out SubmitResult
	status, err := c.call(ctx, FunctionSubmitPlot, strings.TrimSpace(c.settings.BearerToken()), body, &out)
	out.HTTPStatus = status
	return out, err
}

func (c *Client) RequestWhitelist(ctx context.Context) (WhitelistResult, error) {
	op := c.operator()
	body := whitelistRequest{
		OperatorName: op.Name,
		OperatorUUID: op.CompactUUID(),
	}
	var out WhitelistResult
	status, err := c.call(ctx, FunctionWhitelistRequest, "", body, &out)
	out.HTTPStatus = status
	return out, err
}

// call wraps doJSON: an HTTP error status is folded into the decoded result
// and is not returned as an error.
func (c *Client) call(ctx context.Context, function, token string, body, out any) (int, error) {
	status, err := c.doJSON(ctx, function, token, body, out)
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode, nil
	}
	return status, err
}

func (c *Client) doJSON(ctx context.Context, function, token string, body, out any) (int, error) {
	endpoint := FunctionURL(c.settings.EndpointURL(), function)
	if endpoint == "" {
		return 0, ErrEndpointMissing
	}
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bodyBytes))
		if err != nil {
			return 0, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Correlation-Id", correlationID())
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return 0, ctxErr
			}
			return 0, &NetworkError{Op: function, Detail: err.Error(), Err: err}
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return resp.StatusCode, &NetworkError{Op: function, Detail: readErr.Error(), Err: readErr}
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(bytes.TrimSpace(payload)) == 0 {
				return resp.StatusCode, nil
			}
			if err := json.Unmarshal(payload, out); err != nil {
				return resp.StatusCode, &NetworkError{Op: function, Detail: "invalid response body: " + err.Error(), Err: err}
			}
			return resp.StatusCode, nil
		}

		if retryableStatus(resp.StatusCode) && attempt < c.maxRetries {
			delay := c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))
			c.logger.Debug("backend call retrying",
				zap.String("function", function),
				zap.Int("status", resp.StatusCode),
				zap.Duration("delay", delay),
			)
			if waitErr := waitWithContext(ctx, delay); waitErr != nil {
				return resp.StatusCode, waitErr
			}
			continue
		}

		if out != nil && len(payload) > 0 {
			_ = json.Unmarshal(payload, out)
		}
		var errPayload struct {
			Code    string `json:"code"`
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		message := errPayload.Message
		if message == "" {
			message = errPayload.Error
		}
		return resp.StatusCode, &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    message,
		}
	}
}

func retryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || (status >= 500 && status <= 599)
}

func correlationID() string {
	return "mappatura_" + uuid.NewString()
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
