package gemini

import (
	"fmt"
	"os"
	"strings"
)

const (
	// DefaultModel is the live-capable model dialed when none is configured.
	DefaultModel = "gemini-2.0-flash-live-001"

	defaultHost = "generativelanguage.googleapis.com"
	apiVersion  = "v1alpha"
)

// Client dials live connections against the Gemini API and provisions the
// credentials they use.
type Client struct {
	apiKey string
	model  string
	host   string

	// accessToken is an ephemeral token name used instead of the API key
	// when dialing, so the long-lived key never reaches the socket layer.
	accessToken string
}

type ClientOption func(*Client)

func WithAPIKey(apiKey string) ClientOption {
	return func(c *Client) {
		c.apiKey = apiKey
	}
}

func WithModel(model string) ClientOption {
	return func(c *Client) {
		c.model = model
	}
}

// WithHost overrides the API host, e.g. for proxies or test servers. A
// "host:port" value without a scheme is expected.
func WithHost(host string) ClientOption {
	return func(c *Client) {
		c.host = host
	}
}

// WithEphemeralToken makes the client authenticate socket dials with the
// given token name instead of the API key. Tokens come from
// [Client.CreateEphemeralToken].
func WithEphemeralToken(tokenName string) ClientOption {
	return func(c *Client) {
		c.accessToken = tokenName
	}
}

// NewClient builds a Gemini live client. The API key falls back to the
// GEMINI_API_KEY environment variable; a client with neither a key nor an
// ephemeral token is refused.
func NewClient(opts ...ClientOption) (*Client, error) {
	c := &Client{
		model: DefaultModel,
		host:  defaultHost,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.apiKey == "" {
		if apiKey, ok := os.LookupEnv("GEMINI_API_KEY"); ok {
			c.apiKey = apiKey
		}
	}
	if c.apiKey == "" && c.accessToken == "" {
		return nil, fmt.Errorf("gemini api key not found")
	}

	return c, nil
}

// Model returns the model identifier this client dials.
func (c *Client) Model() string {
	return c.model
}

// qualifiedModel returns the model name in the "models/" resource form the
// setup message requires.
func (c *Client) qualifiedModel() string {
	if strings.Contains(c.model, "/") {
		return c.model
	}
	return "models/" + c.model
}
