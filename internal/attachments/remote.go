package attachments

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/compliance-store/internal/docstore"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultReadTimeout    = 60 * time.Second
)

// RemotePayload is a fully downloaded remote attachment.
type RemotePayload struct {
	Data        []byte
	ContentType string
}

// RemoteFetcher downloads the payload of remote-only content.
type RemoteFetcher interface {
	Fetch(ctx context.Context, rawURL string) (RemotePayload, error)
}

// HTTPFetcherConfig bounds remote downloads.
type HTTPFetcherConfig struct {
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	// Transport replaces the dialing transport, for tests.
	Transport http.RoundTripper
}

// HTTPFetcher downloads remote payloads over HTTP(S).
type HTTPFetcher struct {
	client   *http.Client
	deadline time.Duration
}

// NewHTTPFetcher builds a fetcher whose connect and read phases are bounded.
func NewHTTPFetcher(cfg HTTPFetcherConfig) *HTTPFetcher {
	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = defaultReadTimeout
	}
	transport := cfg.Transport
	if transport == nil {
		transport = &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: connectTimeout}).DialContext,
			TLSHandshakeTimeout:   connectTimeout,
			ResponseHeaderTimeout: readTimeout,
		}
	}
	return &HTTPFetcher{
		client:   &http.Client{Transport: transport},
		deadline: connectTimeout + readTimeout,
	}
}

// Fetch downloads rawURL completely. Exceeding the deadline reports
// docstore.ErrTimeout.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (RemotePayload, error) {
	ctx, cancel := context.WithTimeout(ctx, f.deadline)
	defer cancel()

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return RemotePayload{}, fmt.Errorf("attachments: remote request: %w", err)
	}
	response, err := f.client.Do(request)
	if err != nil {
		return RemotePayload{}, classifyFetchError(rawURL, err)
	}
	defer response.Body.Close()
	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		return RemotePayload{}, fmt.Errorf("attachments: remote %s answered %d", rawURL, response.StatusCode)
	}
	data, err := io.ReadAll(response.Body)
	if err != nil {
		return RemotePayload{}, classifyFetchError(rawURL, err)
	}
	return RemotePayload{Data: data, ContentType: response.Header.Get("Content-Type")}, nil
}

func classifyFetchError(rawURL string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: download of %s: %v", docstore.ErrTimeout, rawURL, err)
	}
	return fmt.Errorf("attachments: download of %s: %w", rawURL, err)
}
