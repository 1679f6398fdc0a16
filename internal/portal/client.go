// Package portal is a small client for the university's lecture booking
// endpoints. It returns raw bodies; interpretation lives in package booking.
package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/example/lecturegrab/internal/booking"
	"github.com/example/lecturegrab/internal/clock"
)

const DefaultBaseURL = "https://ehall.seu.edu.cn/gsapp/sys/jzxxtjapp/"

var ErrUnexpectedStatus = errors.New("portal: unexpected status")

// Client talks to the portal with a session cookie captured from an
// authenticated browser session.
type Client struct {
	hc      *http.Client
	base    *url.URL
	cookie  string
	timeout time.Duration
	now     func() time.Time
}

type Options struct {
	BaseURL string
	Cookie  string
	// Timeout bounds every request. Defaults to 5s.
	Timeout time.Duration
	// Clock stamps the cache-busting query parameter. Defaults to the wall clock.
	Clock clock.Clock
	// HTTPClient overrides the transport, mostly for tests.
	HTTPClient *http.Client
}

func New(opts Options) (*Client, error) {
	raw := opts.BaseURL
	if raw == "" {
		raw = DefaultBaseURL
	}
	if !strings.HasSuffix(raw, "/") {
		raw += "/"
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("portal base url: %w", err)
	}
	c := &Client{
		hc:      opts.HTTPClient,
		base:    base,
		cookie:  strings.TrimSpace(opts.Cookie),
		timeout: opts.Timeout,
		now:     time.Now,
	}
	if c.hc == nil {
		c.hc = &http.Client{}
	}
	if c.timeout <= 0 {
		c.timeout = 5 * time.Second
	}
	if opts.Clock != nil {
		c.now = opts.Clock.Now
	}
	return c, nil
}

// HasCookie reports whether a session cookie was configured.
func (c *Client) HasCookie() bool { return c.cookie != "" }

// FetchCaptcha returns the captcha image as the portal sends it: base64,
// possibly wrapped in a data URL.
func (c *Client) FetchCaptcha(ctx context.Context) (string, error) {
	_, body, err := c.post(ctx, "hdyy/vcode.do", true, nil)
	if err != nil {
		return "", err
	}
	var r struct {
		Result string `json:"result"`
	}
	if err := json.Unmarshal(body, &r); err != nil {
		return "", fmt.Errorf("captcha image: %w", err)
	}
	if strings.TrimSpace(r.Result) == "" {
		return "", errors.New("captcha image: empty result")
	}
	return r.Result, nil
}

func (c *Client) QueryListing(ctx context.Context) ([]byte, error) {
	form := url.Values{"pageIndex": {"1"}, "pageSize": {"100"}}
	_, body, err := c.post(ctx, "hdyy/queryActivityList.do", true, form)
	return body, err
}

func (c *Client) Submit(ctx context.Context, resourceID, code string) ([]byte, error) {
	param, err := json.Marshal(struct {
		ResourceID string `json:"HD_WID"`
		Code       string `json:"vcode"`
	}{resourceID, code})
	if err != nil {
		return nil, err
	}
	_, body, err := c.post(ctx, "hdyy/yySave.do", false, url.Values{"paramJson": {string(param)}})
	return body, err
}

// CheckPermission asks the portal whether the current account may book the
// resource at all. A refusal wraps booking.ErrPermissionDenied with the
// portal's message.
func (c *Client) CheckPermission(ctx context.Context, resourceID string) error {
	_, body, err := c.post(ctx, "hdyy/appiontCheck.do", false, url.Values{"wid": {resourceID}})
	if err != nil {
		return err
	}
	var r struct {
		Success bool   `json:"success"`
		Msg     string `json:"msg"`
	}
	if err := json.Unmarshal(bytes.TrimSpace(body), &r); err != nil {
		return booking.ErrSessionExpired
	}
	if !r.Success {
		return fmt.Errorf("%w: %s", booking.ErrPermissionDenied, r.Msg)
	}
	return nil
}

// Lectures queries and decodes the listing.
func (c *Client) Lectures(ctx context.Context, loc *time.Location) ([]booking.Resource, error) {
	raw, err := c.QueryListing(ctx)
	if err != nil {
		return nil, err
	}
	return booking.DecodeListing(raw, loc)
}

// ServerOffset measures how far the portal's clock is ahead of ours using the
// Date header of a listing request.
func (c *Client) ServerOffset(ctx context.Context) (time.Duration, error) {
	sent := time.Now()
	res, _, err := c.post(ctx, "hdyy/queryActivityList.do", true, url.Values{"pageIndex": {"1"}, "pageSize": {"1"}})
	received := time.Now()
	if err != nil {
		return 0, err
	}
	off, ok := clock.OffsetFromDate(res.Header, sent, received)
	if !ok {
		return 0, errors.New("portal: response carried no usable Date header")
	}
	return off, nil
}

func (c *Client) post(ctx context.Context, path string, stamp bool, form url.Values) (*http.Response, []byte, error) {
	u := c.base.JoinPath(path)
	if stamp {
		u.RawQuery = url.Values{"_": {strconv.FormatInt(c.now().UnixMilli(), 10)}}.Encode()
	}
	var body []byte
	contentType := ""
	if form != nil {
		body = []byte(form.Encode())
		contentType = "application/x-www-form-urlencoded; charset=UTF-8"
	}
	res, status, b, err := c.do(ctx, http.MethodPost, u.String(), contentType, body)
	if err != nil {
		return nil, nil, err
	}
	if status >= 500 {
		return res, b, fmt.Errorf("%w: %s returned %d", ErrUnexpectedStatus, path, status)
	}
	return res, b, nil
}

func (c *Client) do(ctx context.Context, method, rawURL, contentType string, body []byte) (*http.Response, int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, rawURL, bytes.NewReader(body))
	if err != nil {
		return nil, 0, nil, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	req.Header.Set("Accept", "application/json, text/javascript, */*; q=0.01")
	req.Header.Set("Referer", c.base.String())
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.cookie != "" {
		req.Header.Set("Cookie", c.cookie)
	}

	res, err := c.hc.Do(req)
	if err != nil {
		return nil, 0, nil, err
	}
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	if err != nil {
		return res, res.StatusCode, nil, err
	}
	return res, res.StatusCode, b, nil
}
