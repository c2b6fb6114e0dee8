package transfer

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
)

const userAgent = "library-maintainer/1.0"

// ClientConfig holds the transport timeouts. The client has no total request timeout:
// a slow content transfer that keeps making progress must not be killed.
type ClientConfig struct {
	ConnectTimeout        time.Duration
	ResponseHeaderTimeout time.Duration
	// Token, when set, is sent as a bearer token to the upstream server.
	Token string
}

// NewClient builds the shared HTTP client used for catalog, descriptor, listing and
// content transfers.
func NewClient(cfg ClientConfig) *http.Client {
	dialer := &net.Dialer{
		Timeout:   cfg.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}

	base := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: time.Second,
	}

	var rt http.RoundTripper = base
	if cfg.Token != "" {
		rt = &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token, TokenType: "Bearer"}),
			Base:   base,
		}
	}

	return &http.Client{Transport: otelhttp.NewTransport(&userAgentTransport{next: rt})}
}

type userAgentTransport struct {
	next http.RoundTripper
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", userAgent)
	}

	return t.next.RoundTrip(req)
}

// Get issues a GET and returns the response when the server answered 200. Any other status
// is reported as a NetworkError with the body drained and closed.
func Get(ctx context.Context, client *http.Client, operation, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, &NetworkError{Operation: operation, URL: url, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()

		return nil, &NetworkError{Operation: operation, URL: url, StatusCode: resp.StatusCode}
	}

	return resp, nil
}

// Fetch reads a small document completely, bounding the whole exchange by timeout.
func Fetch(ctx context.Context, client *http.Client, operation, url string, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	resp, err := Get(ctx, client, operation, url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Operation: operation, URL: url, Err: err}
	}

	return data, nil
}
