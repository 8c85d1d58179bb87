package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// EphemeralToken is a short-lived credential for opening live connections
// from environments that should never hold the long-lived API key.
type EphemeralToken struct {
	// Name is the token resource name; it is passed as the access token when
	// dialing.
	Name string `json:"name"`
	// ExpireTime is when the token stops authenticating new messages.
	ExpireTime time.Time `json:"expireTime,omitempty"`
	// NewSessionExpireTime is when the token stops opening new sessions.
	NewSessionExpireTime time.Time `json:"newSessionExpireTime,omitempty"`
}

type TokenOptions struct {
	// Uses caps how many sessions the token can start. Zero keeps the server
	// default of a single use.
	Uses int

	ExpireTime           time.Time
	NewSessionExpireTime time.Time
}

type TokenOption func(*TokenOptions)

func WithUses(uses int) TokenOption {
	return func(o *TokenOptions) {
		o.Uses = uses
	}
}

func WithExpireTime(expireTime time.Time) TokenOption {
	return func(o *TokenOptions) {
		o.ExpireTime = expireTime
	}
}

func WithNewSessionExpireTime(expireTime time.Time) TokenOption {
	return func(o *TokenOptions) {
		o.NewSessionExpireTime = expireTime
	}
}

type tokenRequestBody struct {
	Uses                 int        `json:"uses,omitempty"`
	ExpireTime           *time.Time `json:"expireTime,omitempty"`
	NewSessionExpireTime *time.Time `json:"newSessionExpireTime,omitempty"`
}

// CreateEphemeralToken provisions a short-lived token bound to this client's
// API key. Pair it with [WithEphemeralToken] on the client that dials.
func (c *Client) CreateEphemeralToken(ctx context.Context, opts ...TokenOption) (*EphemeralToken, error) {
	ctx, span := tracer.Start(ctx, "create ephemeral token")
	defer span.End()

	options := TokenOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	if c.apiKey == "" {
		err := fmt.Errorf("ephemeral tokens require an api key")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	reqBody := tokenRequestBody{Uses: options.Uses}
	if !options.ExpireTime.IsZero() {
		reqBody.ExpireTime = &options.ExpireTime
	}
	if !options.NewSessionExpireTime.IsZero() {
		reqBody.NewSessionExpireTime = &options.NewSessionExpireTime
	}

	requestBodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		err = fmt.Errorf("error marshalling JSON: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	url := fmt.Sprintf("https://%s/%s/authTokens", c.host, apiVersion)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(requestBodyBytes))
	if err != nil {
		err = fmt.Errorf("error creating HTTP request: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.apiKey)

	span.SetAttributes(attribute.String("request.url", req.URL.String()))
	client := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport,
		otelhttp.WithSpanNameFormatter(func(operationName string, request *http.Request) string {
			return operationName + " " + request.URL.Path
		}),
	)}
	resp, err := client.Do(req)
	if err != nil {
		err = fmt.Errorf("error sending request: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("response.status_code", resp.StatusCode))
	if resp.StatusCode != http.StatusOK {
		if errorBody, err := io.ReadAll(resp.Body); err == nil {
			span.SetAttributes(attribute.String("response.error", string(errorBody)))
		}
		err := fmt.Errorf("non-OK HTTP status: %s", resp.Status)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var token EphemeralToken
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		err = fmt.Errorf("error unmarshalling token: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	return &token, nil
}
