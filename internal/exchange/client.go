package exchange

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
	"github.com/yanun0323/logs"

	"tradecore/internal/errors"
	"tradecore/internal/execution"
	"tradecore/pkg/exception"
)

// Config points the client at an order gateway.
type Config struct {
	BaseURL      string        `mapstructure:"base_url"`
	APIKey       string        `mapstructure:"api_key"`
	Timeout      time.Duration `mapstructure:"timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// Enabled reports whether a gateway is configured.
func (c Config) Enabled() bool {
	return c.BaseURL != ""
}

func (c Config) Validate() error {
	if c.BaseURL == "" {
		return errors.Wrap(exception.ErrInvalidConfig, "exchange base_url is required")
	}
	if !strings.HasPrefix(c.BaseURL, "http://") && !strings.HasPrefix(c.BaseURL, "https://") {
		return errors.Wrapf(exception.ErrInvalidConfig, "exchange base_url %q must be http(s)", c.BaseURL)
	}
	if c.Timeout < 0 || c.PollInterval < 0 {
		return errors.Wrap(exception.ErrInvalidConfig, "exchange timeouts must be >= 0")
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Second
	}
	if c.PollInterval == 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	return c
}

// Client places and cancels orders over HTTP and polls for reports.
//
//	POST   /orders          place, body is an execution.OrderRequest
//	DELETE /orders/{id}     cancel by exchange order id
//	GET    /reports?after=  reports newer than a cursor
//
// Transport failures, timeouts, 408, 429 and 5xx are transient. Any other
// non-2xx status is terminal.
type Client struct {
	cfg  Config
	http *resty.Client
}

// New returns a client for cfg.
func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	c := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		c.SetHeader("X-API-Key", cfg.APIKey)
	}
	return &Client{cfg: cfg, http: c}, nil
}

// PollInterval is how often callers should poll for reports.
func (c *Client) PollInterval() time.Duration {
	return c.cfg.PollInterval
}

func (c *Client) PlaceOrder(ctx context.Context, req execution.OrderRequest) (execution.Placement, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", req.ClientOrderID).
		SetBody(req).
		Post("/orders")
	if err := classify(resp, err, "place "+req.ClientOrderID); err != nil {
		return execution.Placement{}, err
	}

	body := resp.Body()
	id := gjson.GetBytes(body, "orderId").String()
	if id == "" {
		return execution.Placement{}, errors.Wrapf(exception.ErrExecutionTerminal,
			"place %s: response without orderId", req.ClientOrderID)
	}
	return execution.Placement{
		ExchangeOrderID: id,
		Acked:           gjson.GetBytes(body, "acked").Bool(),
	}, nil
}

func (c *Client) CancelOrder(ctx context.Context, exchangeOrderID string) error {
	if exchangeOrderID == "" {
		return errors.Wrap(exception.ErrExecutionTerminal, "cancel: empty order id")
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", exchangeOrderID).
		Delete("/orders/{id}")
	return classify(resp, err, "cancel "+exchangeOrderID)
}

// PollReports fetches reports after cursor and returns the next cursor.
// Malformed entries are skipped and logged.
func (c *Client) PollReports(ctx context.Context, cursor string) ([]execution.Report, string, error) {
	r := c.http.R().SetContext(ctx)
	if cursor != "" {
		r.SetQueryParam("after", cursor)
	}
	resp, err := r.Get("/reports")
	if err := classify(resp, err, "poll reports"); err != nil {
		return nil, cursor, err
	}

	body := resp.Body()
	next := gjson.GetBytes(body, "cursor").String()
	if next == "" {
		next = cursor
	}

	var out []execution.Report
	for i, item := range gjson.GetBytes(body, "reports").Array() {
		report, err := parseReport(item)
		if err != nil {
			logs.Warnf("exchange: skip report %d after cursor %q, err: %+v", i, cursor, err)
			continue
		}
		out = append(out, report)
	}
	return out, next, nil
}

func parseReport(item gjson.Result) (execution.Report, error) {
	var r execution.Report
	switch item.Get("kind").String() {
	case "ack":
		r.Kind = execution.ReportAck
	case "fill":
		r.Kind = execution.ReportFill
	case "cancelled":
		r.Kind = execution.ReportCancelled
	case "rejected":
		r.Kind = execution.ReportRejected
	default:
		return r, fmt.Errorf("unknown kind %q", item.Get("kind").String())
	}

	r.IntentID = item.Get("intentId").Uint()
	r.ExchangeOrderID = item.Get("orderId").String()
	if r.IntentID == 0 && r.ExchangeOrderID == "" {
		return r, fmt.Errorf("report without intentId or orderId")
	}
	r.TradeID = item.Get("tradeId").String()
	r.Reason = item.Get("reason").String()
	r.Timestamp = item.Get("ts").Int()

	var err error
	if r.Quantity, err = decimalField(item, "quantity"); err != nil {
		return r, err
	}
	if r.Price, err = decimalField(item, "price"); err != nil {
		return r, err
	}
	if r.Fee, err = decimalField(item, "fee"); err != nil {
		return r, err
	}
	return r, nil
}

// decimalField accepts numbers and numeric strings; absent fields are zero.
func decimalField(item gjson.Result, key string) (decimal.Decimal, error) {
	v := item.Get(key)
	if !v.Exists() || v.Type == gjson.Null {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(v.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("field %s: %w", key, err)
	}
	return d, nil
}

func classify(resp *resty.Response, err error, op string) error {
	if err != nil {
		return errors.Wrapf(exception.ErrExecutionTransient, "%s: %v", op, err)
	}
	if resp.IsSuccess() {
		return nil
	}

	status := resp.StatusCode()
	msg := gjson.GetBytes(resp.Body(), "error").String()
	if msg == "" {
		msg = http.StatusText(status)
	}
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return errors.Wrapf(exception.ErrExecutionTransient, "%s: status %d: %s", op, status, msg)
	default:
		return errors.Wrapf(exception.ErrExecutionTerminal, "%s: status %d: %s", op, status, msg)
	}
}
