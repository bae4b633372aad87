package rest

import (
	"bitmexmd/internal/logger"
	"net/http"
	"time"
)

const (
	MainnetURL = "https://www.bitmex.com"
	TestnetURL = "https://testnet.bitmex.com"

	apiPrefix = "/api/v1/"
)

// Client is the signed REST bridge. It holds no credentials: every call brings the
// key/secret of the stream that issued it. Safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        *logger.Logger
	now        func() time.Time
}

func New(baseURL string, log *logger.Logger) *Client {
	if log == nil {
		log = logger.Discard()
	}

	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		log: log,
		now: time.Now,
	}
}

// BaseURL выбирает адрес API по сети.
func BaseURL(testnet bool) string {
	if testnet {
		return TestnetURL
	}
	return MainnetURL
}
