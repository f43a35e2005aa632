package agent

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/guseggert/hostagent/agent/command"
	"github.com/guseggert/hostagent/agent/process"
	"github.com/guseggert/hostagent/agent/service"
	"github.com/guseggert/hostagent/agent/stats"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Client talks to an agent's HTTP surface.
// Requests are only retried when the connection could not be established, so no operation runs twice.
type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	baseURL                  string
	token                    string
	tlsClientConfig          *tls.Config
	customizeRetryableClient func(*retryablehttp.Client)

	waitInterval time.Duration
}

type ClientOption func(c *Client)

func WithClientWaitInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.waitInterval = d
	}
}

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		c.Logger = l.Named("hostagent_client").Sugar()
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

// WithClientToken sends token as a bearer token on every request.
func WithClientToken(token string) ClientOption {
	return func(c *Client) {
		c.token = token
	}
}

// WithClientTLSConfig switches the client to HTTPS. See ClientTLSConfig.
func WithClientTLSConfig(cfg *tls.Config) ClientOption {
	return func(c *Client) {
		c.tlsClientConfig = cfg
	}
}

// APIError is returned for any non-2xx response.
type APIError struct {
	StatusCode int
	Body       ErrorResponse
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s failed with HTTP status %d (%s): %s", e.Body.Operation, e.StatusCode, e.Body.Error, e.Body.Detail)
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// retryDialErrors retries only requests that never reached the agent.
func retryDialErrors(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	var opErr *net.OpError
	if err != nil && errors.As(err, &opErr) && opErr.Op == "dial" {
		return true, nil
	}
	return false, nil
}

func NewClient(log *zap.SugaredLogger, ipAddr string, port int, opts ...ClientOption) (*Client, error) {
	c := &Client{
		Logger:       log.Named("hostagent_client"),
		waitInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}

	dialer := &net.Dialer{Timeout: 5 * time.Second}
	dialAddr := net.JoinHostPort(ipAddr, strconv.Itoa(port))
	transport := &http.Transport{}
	if c.tlsClientConfig != nil {
		// Dial the IP but keep ServerName as the host, since generated certificates are not issued for IPs.
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.DialContext(ctx, "tcp", dialAddr)
		}
		transport.TLSClientConfig = c.tlsClientConfig
		c.baseURL = fmt.Sprintf("https://%s:%d", ServerName, port)
	} else {
		transport.DialContext = dialer.DialContext
		c.baseURL = "http://" + dialAddr
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &http.Client{Transport: transport}
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	retryClient.CheckRetry = retryDialErrors
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}

	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}

	c.HTTPClient = retryClient.StandardClient()
	return c, nil
}

func (c *Client) prepReq(r *http.Request) {
	r.Header.Add("Content-Type", "application/json")
	if c.token != "" {
		r.Header.Set("Authorization", "Bearer "+c.token)
	}
	r.Close = true
}

// do sends a request and decodes a 200 response into out.
func (c *Client) do(ctx context.Context, method, urlPath string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+urlPath, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	c.prepReq(httpReq)

	httpResp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("HTTP error: %w", err)
	}
	defer httpResp.Body.Close()

	b, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		apiErr := &APIError{StatusCode: httpResp.StatusCode}
		if err := json.Unmarshal(b, &apiErr.Body); err != nil {
			apiErr.Body.Detail = string(b)
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	err = json.Unmarshal(b, out)
	if err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	var resp HealthResponse
	return &resp, c.do(ctx, http.MethodGet, "/health", nil, &resp)
}

func (c *Client) Info(ctx context.Context) (*RootResponse, error) {
	var resp RootResponse
	return &resp, c.do(ctx, http.MethodGet, "/", nil, &resp)
}

func (c *Client) KillByPattern(ctx context.Context, pattern string) (*process.KillPatternResult, error) {
	var resp process.KillPatternResult
	return &resp, c.do(ctx, http.MethodPost, "/system/pkill/"+url.PathEscape(pattern), nil, &resp)
}

func (c *Client) KillExact(ctx context.Context, name string) (*process.KillExactResult, error) {
	var resp process.KillExactResult
	return &resp, c.do(ctx, http.MethodPost, "/system/killall/"+url.PathEscape(name), nil, &resp)
}

// KillByPID sends signal to pid. An empty signal means TERM.
func (c *Client) KillByPID(ctx context.Context, pid int, signal string) (*process.KillPIDResult, error) {
	u := "/system/kill/" + strconv.Itoa(pid)
	if signal != "" {
		u += "?" + url.Values{"signal_type": {signal}}.Encode()
	}
	var resp process.KillPIDResult
	return &resp, c.do(ctx, http.MethodPost, u, nil, &resp)
}

// Processes lists the process table. A limit of zero uses the agent's default.
func (c *Client) Processes(ctx context.Context, limit int) (*ProcessesResponse, error) {
	u := "/system/processes"
	if limit > 0 {
		u += "?limit=" + strconv.Itoa(limit)
	}
	var resp ProcessesResponse
	return &resp, c.do(ctx, http.MethodGet, u, nil, &resp)
}

func (c *Client) SearchProcesses(ctx context.Context, pattern string) (*SearchResponse, error) {
	var resp SearchResponse
	return &resp, c.do(ctx, http.MethodGet, "/system/processes/search/"+url.PathEscape(pattern), nil, &resp)
}

func (c *Client) Stats(ctx context.Context) (*stats.Snapshot, error) {
	var resp stats.Snapshot
	return &resp, c.do(ctx, http.MethodGet, "/system/stats", nil, &resp)
}

func (c *Client) ManageService(ctx context.Context, action service.Action, name string) (*service.Result, error) {
	var resp service.Result
	u := fmt.Sprintf("/system/service/%s/%s", url.PathEscape(string(action)), url.PathEscape(name))
	return &resp, c.do(ctx, http.MethodPost, u, nil, &resp)
}

func (c *Client) Command(ctx context.Context, cmd string) (*command.Result, error) {
	var resp command.Result
	return &resp, c.do(ctx, http.MethodPost, "/system/command/safe", CommandRequest{Cmd: cmd}, &resp)
}

func (c *Client) Whitelist(ctx context.Context) (*WhitelistResponse, error) {
	var resp WhitelistResponse
	return &resp, c.do(ctx, http.MethodGet, "/system/command/whitelist", nil, &resp)
}

func (c *Client) Port(ctx context.Context, port int) (*process.PortReport, error) {
	var resp process.PortReport
	return &resp, c.do(ctx, http.MethodGet, "/system/network/ports/"+strconv.Itoa(port), nil, &resp)
}

func (c *Client) Broadcast(ctx context.Context, data any) (*BroadcastResponse, error) {
	var resp BroadcastResponse
	return &resp, c.do(ctx, http.MethodPost, "/broadcast", data, &resp)
}

// Subscribe opens the real-time channel. The caller owns the returned connection.
func (c *Client) Subscribe(ctx context.Context) (*websocket.Conn, error) {
	u := c.baseURL + "/ws"
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	c.Logger.Debugw("dialing WebSocket", "URL", u)
	wsConn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPClient: c.HTTPClient, HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("dialing WebSocket conn: %w", err)
	}
	return wsConn, nil
}

func (c *Client) WaitForServer(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_, err := c.Health(ctx)
			if err == nil {
				c.Logger.Debug("health check succeeded, done waiting for server")
				return nil
			}
			c.Logger.Debugf("got health check error: %s", err)
		}
	}
}
