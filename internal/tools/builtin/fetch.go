package builtin

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/moonbotlabs/moonbot/internal/tools"
	"github.com/moonbotlabs/moonbot/internal/tools/toolschema"
	"github.com/moonbotlabs/moonbot/pkg/models"
)

const (
	fetchUserAgent = "Mozilla/5.0 (compatible; moonbot/1.0)"
	maxRedirects   = 5
)

type fetchInput struct {
	URL      string            `json:"url" jsonschema:"required,description=Target URL. http or https only"`
	Method   string            `json:"method,omitempty" jsonschema:"enum=GET,enum=POST,enum=PUT,enum=PATCH,enum=DELETE,enum=HEAD,description=HTTP method. Defaults to GET"`
	Headers  map[string]string `json:"headers,omitempty" jsonschema:"description=Request headers"`
	Body     string            `json:"body,omitempty" jsonschema:"description=Request body"`
	MaxBytes int               `json:"maxBytes,omitempty" jsonschema:"minimum=1,description=Cap on returned body bytes"`
}

type fetcher struct {
	client        *http.Client
	maxBytes      int
	allowLoopback bool
}

func registerFetch(reg *tools.Registry, cfg Config) {
	f := &fetcher{
		maxBytes:      cfg.MaxFetchBytes,
		allowLoopback: cfg.AllowLoopbackFetch,
	}
	f.client = &http.Client{
		Timeout: cfg.FetchTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return f.validate(req.URL)
		},
	}

	reg.Register(tools.Descriptor{
		ID:          "http.fetch",
		Description: "Fetch a URL and return status, headers, and body.",
		InputSchema: toolschema.MustDerive[fetchInput](),
		Handler:     tools.HandlerFunc(f.handle),
	})
}

func (f *fetcher) handle(ctx context.Context, input map[string]any, _ *tools.Call) *models.ToolResult {
	started := time.Now()
	var in fetchInput
	if err := decode(input, &in); err != nil {
		return failInput(err, started)
	}

	target, err := url.Parse(strings.TrimSpace(in.URL))
	if err != nil {
		return models.FailResult(models.ErrInvalidInput,
			fmt.Sprintf("invalid url: %v", err), ms(started))
	}
	if err := f.validate(target); err != nil {
		return models.FailResult(models.ErrInvalidInput, err.Error(), ms(started))
	}

	method := strings.ToUpper(strings.TrimSpace(in.Method))
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if in.Body != "" {
		body = strings.NewReader(in.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return models.FailResult(models.ErrInvalidInput,
			fmt.Sprintf("build request: %v", err), ms(started))
	}
	req.Header.Set("User-Agent", fetchUserAgent)
	for k, v := range in.Headers {
		if strings.EqualFold(k, "Host") {
			continue
		}
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return models.FailResult(models.ErrExecutionError,
			fmt.Sprintf("fetch failed: %v", err), ms(started))
	}
	defer resp.Body.Close()

	limit := f.maxBytes
	if in.MaxBytes > 0 && in.MaxBytes < limit {
		limit = in.MaxBytes
	}
	payload, err := io.ReadAll(io.LimitReader(resp.Body, int64(limit)+1))
	if err != nil {
		return models.FailResult(models.ErrExecutionError,
			fmt.Sprintf("read body: %v", err), ms(started))
	}
	truncated := len(payload) > limit
	if truncated {
		payload = payload[:limit]
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	return models.OKResult(map[string]any{
		"status":    resp.StatusCode,
		"headers":   headers,
		"body":      string(payload),
		"truncated": truncated,
	}, ms(started))
}

// validate refuses anything that is not plain outbound http(s): other
// schemes (file, gopher), loopback hosts, and unspecified addresses. It
// runs on the initial URL and again on every redirect hop.
func (f *fetcher) validate(u *url.URL) error {
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return fmt.Errorf("url must have a host")
	}
	if f.allowLoopback {
		return nil
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return fmt.Errorf("loopback urls are not allowed")
	}
	if ip := net.ParseIP(host); ip != nil && (ip.IsLoopback() || ip.IsUnspecified()) {
		return fmt.Errorf("loopback urls are not allowed")
	}
	return nil
}
