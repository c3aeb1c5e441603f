package exchange

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/errors"
	"tradecore/internal/execution"
	"tradecore/internal/schema"
	"tradecore/pkg/exception"
)

func newClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := New(Config{BaseURL: srv.URL + "/", APIKey: "k1", Timeout: time.Second})
	require.NoError(t, err)
	return c
}

func request() execution.OrderRequest {
	return execution.OrderRequest{
		ClientOrderID: execution.ClientOrderID(7),
		IntentID:      7,
		Symbol:        "BTC",
		Side:          schema.OrderSideBuy,
		Type:          schema.OrderTypeMarket,
		Quantity:      decimal.NewFromInt(2),
	}
}

func TestPlaceOrder(t *testing.T) {
	var got map[string]any
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/orders", r.URL.Path)
		assert.Equal(t, "k1", r.Header.Get("X-API-Key"))
		assert.Equal(t, "intent-7", r.Header.Get("Idempotency-Key"))
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		_, _ = w.Write([]byte(`{"orderId":"ex-1","acked":true}`))
	})

	p, err := c.PlaceOrder(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, "ex-1", p.ExchangeOrderID)
	assert.True(t, p.Acked)
	assert.Equal(t, "BTC", got["symbol"])
	assert.Equal(t, "2", got["quantity"])
}

func TestPlaceOrderClassifiesStatus(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusServiceUnavailable, exception.ErrExecutionTransient},
		{http.StatusTooManyRequests, exception.ErrExecutionTransient},
		{http.StatusRequestTimeout, exception.ErrExecutionTransient},
		{http.StatusBadRequest, exception.ErrExecutionTerminal},
		{http.StatusUnprocessableEntity, exception.ErrExecutionTerminal},
	}
	for _, tc := range cases {
		c := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(`{"error":"nope"}`))
		})
		_, err := c.PlaceOrder(context.Background(), request())
		require.Error(t, err, tc.status)
		assert.True(t, errors.Is(err, tc.want), "status %d: %v", tc.status, err)
		assert.Contains(t, err.Error(), "nope")
	}
}

func TestPlaceOrderWithoutIDIsTerminal(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})
	_, err := c.PlaceOrder(context.Background(), request())
	assert.True(t, errors.Is(err, exception.ErrExecutionTerminal))
}

func TestTimeoutIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, Timeout: 20 * time.Millisecond})
	require.NoError(t, err)
	_, err = c.PlaceOrder(context.Background(), request())
	assert.True(t, errors.Is(err, exception.ErrExecutionTransient), "%v", err)
}

func TestCancelOrder(t *testing.T) {
	var calls int32
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, http.MethodDelete, r.Method)
		if r.URL.Path == "/orders/gone" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		assert.Equal(t, "/orders/ex-1", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	})

	require.NoError(t, c.CancelOrder(context.Background(), "ex-1"))
	err := c.CancelOrder(context.Background(), "gone")
	assert.True(t, errors.Is(err, exception.ErrExecutionTerminal))
	err = c.CancelOrder(context.Background(), "")
	assert.True(t, errors.Is(err, exception.ErrExecutionTerminal))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestPollReports(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/reports", r.URL.Path)
		assert.Equal(t, "12", r.URL.Query().Get("after"))
		_, _ = w.Write([]byte(`{"cursor":"15","reports":[
			{"kind":"ack","intentId":7,"orderId":"ex-1","quantity":"2","ts":1000},
			{"kind":"fill","intentId":7,"orderId":"ex-1","tradeId":"t1","quantity":1.5,"price":"100.25","fee":"0.1","ts":1001},
			{"kind":"bogus","intentId":7},
			{"kind":"fill","tradeId":"t2"},
			{"kind":"fill","orderId":"ex-1","tradeId":"t3","price":"abc"},
			{"kind":"cancelled","orderId":"ex-1","reason":"user"}
		]}`))
	})

	reports, next, err := c.PollReports(context.Background(), "12")
	require.NoError(t, err)
	assert.Equal(t, "15", next)
	require.Len(t, reports, 3)

	assert.Equal(t, execution.ReportAck, reports[0].Kind)
	assert.Equal(t, int64(1000), reports[0].Timestamp)

	fill := reports[1]
	assert.Equal(t, execution.ReportFill, fill.Kind)
	assert.Equal(t, uint64(7), fill.IntentID)
	assert.Equal(t, "t1", fill.TradeID)
	assert.True(t, fill.Quantity.Equal(decimal.RequireFromString("1.5")))
	assert.True(t, fill.Price.Equal(decimal.RequireFromString("100.25")))
	assert.True(t, fill.Fee.Equal(decimal.RequireFromString("0.1")))

	assert.Equal(t, execution.ReportCancelled, reports[2].Kind)
	assert.Equal(t, "user", reports[2].Reason)
}

func TestPollReportsKeepsCursorOnEmpty(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"reports":[]}`))
	})
	reports, next, err := c.PollReports(context.Background(), "3")
	require.NoError(t, err)
	assert.Empty(t, reports)
	assert.Equal(t, "3", next)
}

func TestConfigValidate(t *testing.T) {
	assert.Error(t, Config{}.Validate())
	assert.Error(t, Config{BaseURL: "ftp://x"}.Validate())
	assert.Error(t, Config{BaseURL: "http://x", Timeout: -1}.Validate())
	assert.NoError(t, Config{BaseURL: "https://x"}.Validate())
	assert.True(t, errors.Is(Config{}.Validate(), exception.ErrInvalidConfig))
}
