// Package registry is an HTTP client for an npm-style registry, with
// per-request timeouts, retries with backoff, rate limiting, and bearer
// token auth.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/webpm/webpm/auth"
	"github.com/webpm/webpm/models"
	"github.com/webpm/webpm/webpmerr"
)

const (
	defaultBase      = "https://registry.npmjs.org"
	acceptHeader     = "application/vnd.npm.install-v1+json; q=1.0, application/json; q=0.8"
	productUserAgent = "webpm/0"
)

// Config configures a Client.
type Config struct {
	Base       string
	Token      string
	Timeout    time.Duration
	Retry      RetryPolicy
	RateLimit  *RateLimiter
	HTTPClient *http.Client
	Log        *slog.Logger
}

// Client is the registry HTTP client.
type Client struct {
	base    string
	token   string
	timeout time.Duration
	retry   RetryPolicy
	limiter *RateLimiter
	http    *http.Client
	log     *slog.Logger
}

// New constructs a Client, applying defaults for unset fields.
func New(cfg Config) *Client {
	if cfg.Base == "" {
		cfg.Base = defaultBase
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retry == (RetryPolicy{}) {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Client{
		base:    cfg.Base,
		token:   cfg.Token,
		timeout: cfg.Timeout,
		retry:   cfg.Retry,
		limiter: cfg.RateLimit,
		http:    cfg.HTTPClient,
		log:     cfg.Log,
	}
}

func (c *Client) applyHeaders(req *http.Request) {
	req.Header.Set("Accept", acceptHeader)
	req.Header.Set("User-Agent", productUserAgent)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
		if exp, ok := auth.JWTExpiry(c.token); ok && time.Until(exp) < time.Minute {
			c.log.Warn("registry auth token is near expiry", slog.Time("expiresAt", exp))
		}
	}
}

func (c *Client) do(ctx context.Context, method, url string, body io.Reader) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, url, body)
	if err != nil {
		return nil, &webpmerr.Error{Kind: webpmerr.Network, Cause: err, URL: url}
	}
	c.applyHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded {
			return nil, &webpmerr.Error{Kind: webpmerr.Timeout, Cause: err, URL: url}
		}
		if ctx.Err() != nil {
			return nil, &webpmerr.Error{Kind: webpmerr.Cancelled, Cause: ctx.Err(), URL: url}
		}
		return nil, &webpmerr.Error{Kind: webpmerr.Network, Cause: err, URL: url}
	}
	return resp, nil
}

// GetPackageMeta fetches and decodes a package's metadata document.
func (c *Client) GetPackageMeta(ctx context.Context, name string) (models.PackageMeta, error) {
	url := buildMetadataURL(c.base, name)
	var meta models.PackageMeta
	err := c.retry.Do(ctx, func() error {
		resp, err := c.do(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if terminalErr := c.classifyStatus(resp, name, url); terminalErr != nil {
			if terminalErr.Kind == webpmerr.RegistryResponse && resp.StatusCode == http.StatusNotFound {
				return webpmerr.New(webpmerr.PackageNotFound, name, "registry returned 404 for package metadata")
			}
			return terminalErr
		}

		if decErr := json.NewDecoder(resp.Body).Decode(&meta); decErr != nil {
			return webpmerr.Wrap(webpmerr.BrokenMetadataJSON, name, "malformed metadata JSON", decErr)
		}
		return nil
	})
	if err != nil {
		return models.PackageMeta{}, err
	}
	meta.CachedAt = time.Now().UnixNano()
	return meta, nil
}

// DownloadTarball fetches raw tarball bytes from url.
func (c *Client) DownloadTarball(ctx context.Context, specifierName, url string) ([]byte, error) {
	var data []byte
	err := c.retry.Do(ctx, func() error {
		resp, err := c.do(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if terminalErr := c.classifyStatus(resp, specifierName, url); terminalErr != nil {
			return terminalErr
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return &webpmerr.Error{Kind: webpmerr.Network, Cause: err, URL: url}
		}
		data = body
		return nil
	})
	return data, err
}

// classifyStatus turns a non-2xx HTTP response into the error taxonomy:
// 404/401/403 are terminal, 5xx/429 are retryable.
func (c *Client) classifyStatus(resp *http.Response, specifierName, url string) *webpmerr.Error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := 0
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			fmt.Sscanf(ra, "%d", &retryAfter)
		} else if c.limiter != nil {
			retryAfter = c.limiter.RetryAfterSeconds()
		}
		return webpmerr.RateLimitedErr(specifierName, retryAfter)
	}
	return &webpmerr.Error{Kind: webpmerr.RegistryResponse, Specifier: specifierName, URL: url, StatusCode: resp.StatusCode, Hint: resp.Status}
}
