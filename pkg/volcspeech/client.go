// Package volcspeech provides a client for the Volcano Engine v3 speech
// APIs: streaming speech recognition (SAUC bigmodel) and unidirectional
// streaming speech synthesis. Both run over a binary websocket protocol
// with gzip-compressed JSON payloads.
package volcspeech

import (
	"net/http"
	"time"
)

const (
	defaultWSURL       = "wss://openspeech.bytedance.com"
	defaultRecvTimeout = 30 * time.Second
)

// Resource IDs for the v3 APIs.
const (
	// ResourceASRStream is the streaming bigmodel ASR resource.
	ResourceASRStream = "volc.bigasr.sauc.duration"

	// ResourceTTSDefault is the standard big-voice TTS resource.
	ResourceTTSDefault = "volc.service_type.10029"

	// ResourceTTSClone is the voice-clone TTS resource, used for
	// speakers with the "S_" prefix.
	ResourceTTSClone = "volc.megatts.default"
)

// Client is a Volcano Engine speech API client.
type Client struct {
	// ASR provides streaming speech recognition.
	ASR *ASRService

	// TTS provides streaming speech synthesis.
	TTS *TTSService

	config *clientConfig
}

type clientConfig struct {
	appID       string
	accessKey   string
	wsURL       string
	userID      string
	recvTimeout time.Duration
}

// Option configures the client.
type Option func(*clientConfig)

// NewClient creates a speech client. appID and accessKey come from the
// Volcano Engine console.
func NewClient(appID, accessKey string, opts ...Option) *Client {
	config := &clientConfig{
		appID:       appID,
		accessKey:   accessKey,
		wsURL:       defaultWSURL,
		userID:      "default_user",
		recvTimeout: defaultRecvTimeout,
	}
	for _, opt := range opts {
		opt(config)
	}

	c := &Client{config: config}
	c.ASR = &ASRService{client: c}
	c.TTS = &TTSService{client: c}
	return c
}

// WithWSURL overrides the websocket endpoint base URL.
func WithWSURL(url string) Option {
	return func(c *clientConfig) {
		c.wsURL = url
	}
}

// WithUserID sets the user identifier reported to the provider.
func WithUserID(userID string) Option {
	return func(c *clientConfig) {
		c.userID = userID
	}
}

// WithRecvTimeout sets the per-event receive timeout for open streams.
func WithRecvTimeout(d time.Duration) Option {
	return func(c *clientConfig) {
		c.recvTimeout = d
	}
}

// wsHeaders builds the X-Api-* authentication headers for a websocket dial.
func (c *Client) wsHeaders(resourceID, requestID, connectID string) http.Header {
	headers := http.Header{}
	headers.Set("X-Api-App-Key", c.config.appID)
	headers.Set("X-Api-Access-Key", c.config.accessKey)
	headers.Set("X-Api-Resource-Id", resourceID)
	if requestID != "" {
		headers.Set("X-Api-Request-Id", requestID)
	}
	if connectID != "" {
		headers.Set("X-Api-Connect-Id", connectID)
	}
	return headers
}
