package kobo

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
	"github.com/segmentio/encoding/json"
)

var passthroughHeaders = map[string]bool{
	"authorization":   true,
	"user-agent":      true,
	"accept":          true,
	"accept-language": true,
}

// Proxy forwards device requests to the upstream Kobo store. The composite
// sync token never crosses the boundary: outgoing requests carry only the
// raw upstream component, and responses get the recomposed composite token.
type Proxy struct {
	client  *http.Client
	baseURL string
}

func NewProxy(baseURL string, client *http.Client) *Proxy {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &Proxy{client: client, baseURL: strings.TrimSuffix(baseURL, "/")}
}

// Forward proxies the request to the store and streams the response back to
// the device. A transport failure surfaces as a 502.
func (p *Proxy) Forward(c echo.Context, path string, includeSyncToken bool) error {
	resp, token, err := p.do(c, path, includeSyncToken)
	if err != nil {
		logger.FromContext(c.Request().Context()).Err(err).Error("proxy request failed", logger.Data{"path": path})
		return c.JSON(http.StatusBadGateway, map[string]string{"error": "Proxy failed"})
	}
	defer resp.Body.Close()

	for key, values := range resp.Header {
		lower := strings.ToLower(key)
		if strings.HasPrefix(lower, "x-kobo-") || lower == "content-type" {
			for _, v := range values {
				c.Response().Header().Add(key, v)
			}
		}
	}

	if includeSyncToken {
		if upstream := resp.Header.Get(SyncTokenHeader); upstream != "" {
			token.RawKoboSyncToken = &upstream
			c.Response().Header().Set(SyncTokenHeader, token.Encode())
		}
	}

	c.Response().WriteHeader(resp.StatusCode)
	_, err = io.Copy(c.Response().Writer, resp.Body)
	return errors.WithStack(err)
}

// FetchSync calls the upstream library sync endpoint and parses its change
// entries. Entries come back as raw JSON so they can be re-emitted verbatim.
// The returned token is the device's composite token with RawKoboSyncToken
// advanced when the upstream provided a new one.
func (p *Proxy) FetchSync(c echo.Context) (int, SyncToken, []json.RawMessage, error) {
	resp, token, err := p.do(c, "/v1/library/sync", true)
	if err != nil {
		return 0, token, nil, err
	}
	defer resp.Body.Close()

	if upstream := resp.Header.Get(SyncTokenHeader); upstream != "" {
		token.RawKoboSyncToken = &upstream
	}

	var entries []json.RawMessage
	if resp.StatusCode == http.StatusOK {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return resp.StatusCode, token, nil, errors.WithStack(err)
		}
		if err := json.Unmarshal(body, &entries); err != nil {
			logger.FromContext(c.Request().Context()).Err(err).Warn("failed to parse upstream sync response")
			entries = nil
		}
	}

	return resp.StatusCode, token, entries, nil
}

func (p *Proxy) do(c echo.Context, path string, includeSyncToken bool) (*http.Response, SyncToken, error) {
	req := c.Request()
	token := TokenFromRequest(req)

	targetURL := p.baseURL + path
	if req.URL.RawQuery != "" {
		targetURL += "?" + req.URL.RawQuery
	}

	proxyReq, err := http.NewRequestWithContext(req.Context(), req.Method, targetURL, req.Body)
	if err != nil {
		return nil, token, errors.WithStack(err)
	}

	for key, values := range req.Header {
		lower := strings.ToLower(key)
		if lower == strings.ToLower(SyncTokenHeader) {
			continue
		}
		if passthroughHeaders[lower] || strings.HasPrefix(lower, "x-kobo-") {
			for _, v := range values {
				proxyReq.Header.Add(key, v)
			}
		}
	}
	proxyReq.Header.Set("Content-Type", "application/json")

	if includeSyncToken && token.RawKoboSyncToken != nil {
		proxyReq.Header.Set(SyncTokenHeader, *token.RawKoboSyncToken)
	}

	resp, err := p.client.Do(proxyReq)
	if err != nil {
		return nil, token, errors.WithStack(err)
	}
	return resp, token, nil
}
