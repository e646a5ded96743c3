package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/oopsrest/oopsauth/internal/identity"
	"go.uber.org/zap"
)

const (
	// AuthHeader carries the access credential on every authenticated upstream call.
	AuthHeader = "X-OOPS-AUTH-TOKEN"
	// RequestIDHeader is forwarded so upstream logs can be correlated with ours.
	RequestIDHeader = "X-Request-ID"
	// DefaultBasePath is the versioned REST prefix of the upstream API.
	DefaultBasePath = "/api/v1"
	// DefaultTimeout bounds every upstream call when no timeout is configured.
	DefaultTimeout = 10 * time.Second

	maxResponseBytes = 8 << 20
)

var (
	errEmptyBaseURL   = errors.New("upstream.config.empty_base_url")
	errInvalidBaseURL = errors.New("upstream.config.invalid_base_url")
)

// Config configures Client.
type Config struct {
	BaseURL    string
	BasePath   string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client maps the upstream authentication surface onto Go calls.
// It holds no credentials of its own.
type Client struct {
	baseURL    *url.URL
	basePath   string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient validates the configuration and builds a Client.
func NewClient(configuration Config) (*Client, error) {
	if strings.TrimSpace(configuration.BaseURL) == "" {
		return nil, fmt.Errorf("upstream.new: %w", errEmptyBaseURL)
	}
	parsed, parseErr := url.Parse(strings.TrimRight(configuration.BaseURL, "/"))
	if parseErr != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("upstream.new: %w: %s", errInvalidBaseURL, configuration.BaseURL)
	}
	basePath := configuration.BasePath
	if basePath == "" {
		basePath = DefaultBasePath
	}
	basePath = "/" + strings.Trim(basePath, "/")
	httpClient := configuration.HTTPClient
	if httpClient == nil {
		timeout := configuration.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    parsed,
		basePath:   basePath,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// BasePath returns the versioned prefix used for auth endpoints.
func (client *Client) BasePath() string {
	return client.basePath
}

type requestIDKey struct{}

// WithRequestID attaches a correlation id that Do forwards in RequestIDHeader.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// RequestIDFromContext returns the correlation id set by WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	requestID, _ := ctx.Value(requestIDKey{}).(string)
	return requestID
}

// Request is a replayable upstream call. Path is relative to the upstream root.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte
}

// Response is a fully buffered upstream reply.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports a 2xx status.
func (response *Response) OK() bool {
	return response != nil && response.StatusCode >= 200 && response.StatusCode < 300
}

// ContentType returns the upstream content type, defaulting to JSON.
func (response *Response) ContentType() string {
	if response == nil || response.Header == nil {
		return "application/json"
	}
	if contentType := response.Header.Get("Content-Type"); contentType != "" {
		return contentType
	}
	return "application/json"
}

// Do dispatches request, attaching accessToken when it is non-empty.
// Transport failures and timeouts are reported as identity.ErrUpstreamUnavailable;
// any HTTP status, including 401, is returned as a Response.
func (client *Client) Do(ctx context.Context, request Request, accessToken string) (*Response, error) {
	method := request.Method
	if method == "" {
		method = http.MethodGet
	}
	target := client.resolve(request.Path, request.Query)

	var body io.Reader
	if len(request.Body) > 0 {
		body = bytes.NewReader(request.Body)
	}
	httpRequest, buildErr := http.NewRequestWithContext(ctx, method, target, body)
	if buildErr != nil {
		return nil, fmt.Errorf("upstream.build_request: %w", buildErr)
	}
	for name, values := range request.Header {
		for _, value := range values {
			httpRequest.Header.Add(name, value)
		}
	}
	httpRequest.Header.Del(AuthHeader)
	if requestID := RequestIDFromContext(ctx); requestID != "" && httpRequest.Header.Get(RequestIDHeader) == "" {
		httpRequest.Header.Set(RequestIDHeader, requestID)
	}
	if strings.TrimSpace(accessToken) != "" {
		httpRequest.Header.Set(AuthHeader, accessToken)
	}
	if httpRequest.Header.Get("Accept") == "" {
		httpRequest.Header.Set("Accept", "application/json")
	}

	httpResponse, sendErr := client.httpClient.Do(httpRequest)
	if sendErr != nil {
		client.logger.Debug("upstream request failed",
			zap.String("code", "upstream.transport"),
			zap.String("method", method),
			zap.String("path", request.Path),
			zap.Error(sendErr))
		return nil, fmt.Errorf("%w: %s %s: %v", identity.ErrUpstreamUnavailable, method, request.Path, sendErr)
	}
	defer httpResponse.Body.Close()

	payload, readErr := io.ReadAll(io.LimitReader(httpResponse.Body, maxResponseBytes+1))
	if readErr != nil {
		return nil, fmt.Errorf("%w: read %s: %v", identity.ErrUpstreamUnavailable, request.Path, readErr)
	}
	if len(payload) > maxResponseBytes {
		return nil, fmt.Errorf("%w: response from %s exceeds %d bytes", identity.ErrUpstreamUnavailable, request.Path, maxResponseBytes)
	}
	return &Response{
		StatusCode: httpResponse.StatusCode,
		Header:     httpResponse.Header.Clone(),
		Body:       payload,
	}, nil
}

func (client *Client) resolve(path string, query url.Values) string {
	target := *client.baseURL
	target.Path = strings.TrimRight(client.baseURL.Path, "/") + "/" + strings.TrimLeft(path, "/")
	target.RawQuery = ""
	if len(query) > 0 {
		target.RawQuery = query.Encode()
	}
	return target.String()
}

func (client *Client) authPath(suffix string) string {
	return client.basePath + "/" + strings.TrimLeft(suffix, "/")
}

func jsonRequest(method string, path string, payload any) (Request, error) {
	request := Request{Method: method, Path: path, Header: http.Header{}}
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return Request{}, fmt.Errorf("upstream.encode: %w", err)
		}
		request.Body = encoded
		request.Header.Set("Content-Type", "application/json")
	}
	return request, nil
}

type envelope[T any] struct {
	Data T `json:"data"`
}

type errorBody struct {
	Reason    string `json:"reason"`
	ErrorCode string `json:"errorCode"`
}

func decodeData[T any](response *Response) (T, error) {
	var decoded envelope[T]
	if err := json.Unmarshal(response.Body, &decoded); err != nil {
		var zero T
		return zero, fmt.Errorf("%w: decode body: %v", identity.ErrUpstreamUnavailable, err)
	}
	return decoded.Data, nil
}

func parseErrorBody(body []byte) errorBody {
	var parsed errorBody
	if len(body) == 0 {
		return parsed
	}
	_ = json.Unmarshal(body, &parsed)
	return parsed
}

// NewAPIError converts a non-2xx reply into the error taxonomy.
func NewAPIError(response *Response) *identity.APIError {
	if response == nil {
		return &identity.APIError{}
	}
	parsed := parseErrorBody(response.Body)
	return &identity.APIError{
		Status:    response.StatusCode,
		Reason:    parsed.Reason,
		ErrorCode: parsed.ErrorCode,
	}
}
