package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// restClient wraps the signed and public REST surface. All signed requests
// go through the shared rate limiter and carry a server-synchronized
// timestamp.
type restClient struct {
	http      *resty.Client
	apiKey    string
	apiSecret string
	limiter   *rate.Limiter

	offsetMu sync.RWMutex
	offset   time.Duration // serverTime - localTime
}

func newRESTClient(apiKey, apiSecret string, testnet bool) *restClient {
	baseURL := mainnetRESTURL
	if testnet {
		baseURL = testnetRESTURL
	}
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetHeader("X-MBX-APIKEY", apiKey)

	return &restClient{
		http:      httpClient,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		limiter:   rate.NewLimiter(rate.Limit(15), 30),
	}
}

// syncTime samples the server clock and stores the offset used for request
// timestamps.
func (c *restClient) syncTime(ctx context.Context) error {
	var out serverTimeResponse
	before := time.Now()
	if err := c.public(ctx, "/api/v3/time", nil, &out); err != nil {
		return errors.Wrap(err, "server time")
	}
	rtt := time.Since(before)

	server := time.UnixMilli(out.ServerTime)
	local := before.Add(rtt / 2)
	c.offsetMu.Lock()
	c.offset = server.Sub(local)
	c.offsetMu.Unlock()
	return nil
}

func (c *restClient) timestampMs() int64 {
	c.offsetMu.RLock()
	offset := c.offset
	c.offsetMu.RUnlock()
	return time.Now().Add(offset).UnixMilli()
}

func (c *restClient) sign(payload string) string {
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// public performs an unsigned request.
func (c *restClient) public(ctx context.Context, path string, params url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	req := c.http.R().SetContext(ctx)
	if out != nil {
		req.SetResult(out)
	}
	if params != nil {
		req.SetQueryParamsFromValues(params)
	}
	resp, err := req.SetError(&apiError{}).Get(path)
	return c.checkResponse(resp, err, path)
}

// keyed performs a request authenticated by API key alone, without a
// signature. Used by the user-data-stream listen key endpoints.
func (c *restClient) keyed(ctx context.Context, method, path string, params url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	req := c.http.R().SetContext(ctx).SetError(&apiError{})
	if params != nil {
		req.SetQueryParamsFromValues(params)
	}
	if out != nil {
		req.SetResult(out)
	}
	resp, err := req.Execute(method, path)
	return c.checkResponse(resp, err, path)
}

// signed performs an authenticated request. The signature covers the full
// query string including timestamp and recvWindow.
func (c *restClient) signed(ctx context.Context, method, path string, params url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", strconv.FormatInt(c.timestampMs(), 10))
	params.Set("recvWindow", strconv.Itoa(recvWindowMs))

	query := params.Encode()
	query += "&signature=" + c.sign(query)

	req := c.http.R().SetContext(ctx).SetQueryString(query).SetError(&apiError{})
	if out != nil {
		req.SetResult(out)
	}
	resp, err := req.Execute(method, path)
	return c.checkResponse(resp, err, path)
}

func (c *restClient) checkResponse(resp *resty.Response, err error, path string) error {
	if err != nil {
		return errors.Wrapf(err, "binance %s", path)
	}
	if resp.IsError() {
		if apiErr, ok := resp.Error().(*apiError); ok && apiErr.Msg != "" {
			return errors.Errorf("binance %s: code %d: %s", path, apiErr.Code, apiErr.Msg)
		}
		return errors.Errorf("binance %s: http %d: %s", path, resp.StatusCode(), resp.String())
	}
	return nil
}

func formatOrderID(id int64) string {
	return strconv.FormatInt(id, 10)
}
