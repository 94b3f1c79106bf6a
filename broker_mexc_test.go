package main

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"
)

const (
	testKey    = "key-123"
	testSecret = "secret-456"
)

func newTestMexc(t *testing.T, mux *http.ServeMux, now time.Time) *MexcBroker {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	mb := NewMexcBroker(ExchangeConfig{
		BaseURL:           srv.URL,
		APIKey:            testKey,
		APISecret:         testSecret,
		RecvWindowMs:      5000,
		RequestsPerSecond: 1000,
		TimeoutSec:        5,
	}, time.Second, quietLogger())
	mb.now = func() time.Time { return now }
	return mb
}

// checkSigned verifies the HMAC the same way the venue does.
func checkSigned(t *testing.T, r *http.Request, q url.Values) {
	t.Helper()
	if r.Header.Get("X-MEXC-APIKEY") != testKey {
		t.Errorf("missing api key header on %s", r.URL.Path)
	}
	sig := q.Get("signature")
	q.Del("signature")
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write([]byte(q.Encode()))
	if want := hex.EncodeToString(mac.Sum(nil)); sig != want {
		t.Errorf("signature %s want %s", sig, want)
	}
	if q.Get("timestamp") == "" || q.Get("recvWindow") != "5000" {
		t.Errorf("timestamp/recvWindow missing: %v", q)
	}
}

func klineRow(open time.Time, o, h, l, c string) string {
	return fmt.Sprintf(`[%d,"%s","%s","%s","%s","100",%d,"100"]`, open.UnixMilli(), o, h, l, c, open.Add(time.Hour).UnixMilli()-1)
}

func TestMexcGetCandlesDropsFormingKline(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/klines", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("symbol") != "XRPUSDT" || q.Get("interval") != "60m" || q.Get("limit") != "3" {
			t.Errorf("klines query %v", q)
		}
		fmt.Fprintf(w, "[%s,%s,%s,%s]",
			klineRow(t0, "1", "1.1", "0.9", "1.05"),
			klineRow(t0.Add(time.Hour), "1.05", "1.2", "1", "1.1"),
			klineRow(t0.Add(2*time.Hour), "1.1", "1.3", "1", "1.2"),
			klineRow(t0.Add(3*time.Hour), "1.2", "1.4", "1.1", "1.3"))
	})
	mb := newTestMexc(t, mux, t0.Add(3*time.Hour+30*time.Minute))

	cs, err := mb.GetCandles(context.Background(), "XRPUSDT", "1h", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(cs) != 2 || !cs[0].OpenTime.Equal(t0.Add(time.Hour)) || cs[1].Close != 1.2 {
		t.Fatalf("candles %+v", cs)
	}
}

func TestMexcInstrumentParsedAndCached(t *testing.T) {
	var calls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/exchangeInfo", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		fmt.Fprint(w, `{"symbols":[{"symbol":"XRPUSDT","baseAsset":"XRP","quoteAsset":"USDT",
			"quotePrecision":4,"baseSizePrecision":"0.01","quoteAmountPrecision":"5","filters":[]}]}`)
	})
	mb := newTestMexc(t, mux, t0)

	for i := 0; i < 2; i++ {
		inst, err := mb.Instrument(context.Background(), "XRPUSDT")
		if err != nil {
			t.Fatal(err)
		}
		if inst.BaseAsset != "XRP" || !inst.LotStep.Equal(d("0.01")) || !inst.MinNotional.Equal(d("5")) || !inst.TickSize.Equal(d("0.0001")) {
			t.Fatalf("instrument %+v", inst)
		}
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("exchangeInfo fetched %d times", n)
	}
	if _, err := parseExchangeInfo("DOGEUSDT", []byte(`{"symbols":[]}`)); err == nil {
		t.Fatal("unknown symbol accepted")
	}
}

func TestMexcSignedAccountAndOpenOrders(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/account", func(w http.ResponseWriter, r *http.Request) {
		checkSigned(t, r, r.URL.Query())
		fmt.Fprint(w, `{"balances":[{"asset":"usdt","free":"12.5","locked":"0"},{"asset":"XRP","free":"3","locked":"1"}]}`)
	})
	mux.HandleFunc("/api/v3/openOrders", func(w http.ResponseWriter, r *http.Request) {
		checkSigned(t, r, r.URL.Query())
		fmt.Fprint(w, `[{"orderId":"C02__1","clientOrderId":"mbabc"},{"orderId":"C02__2"}]`)
	})
	mb := newTestMexc(t, mux, t0)
	ctx := context.Background()

	bal, err := mb.GetAccountBalance(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !bal["USDT"].Equal(d("12.5")) || !bal["XRP"].Equal(d("3")) {
		t.Fatalf("balances %v", bal)
	}
	ids, err := mb.GetOpenOrders(ctx, "XRPUSDT")
	if err != nil || len(ids) != 2 || ids[0] != "C02__1" {
		t.Fatalf("open orders %v err=%v", ids, err)
	}
}

func TestMexcSpread(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/ticker/bookTicker", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"symbol":"XRPUSDT","bidPrice":"0.999","askPrice":"1.001"}`)
	})
	bps, err := newTestMexc(t, mux, t0).Spread(context.Background(), "XRPUSDT")
	if err != nil || !near(bps, 20, 1e-9) {
		t.Fatalf("spread=%v err=%v want 20", bps, err)
	}
}

func orderMux(t *testing.T, order http.HandlerFunc) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/exchangeInfo", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"symbols":[{"symbol":"XRPUSDT","baseAsset":"XRP","quoteAsset":"USDT","quotePrecision":4,
			"baseSizePrecision":"0.1","quoteAmountPrecision":"1","filters":[]}]}`)
	})
	mux.HandleFunc("/api/v3/ticker/price", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"symbol":"XRPUSDT","price":"0.5"}`)
	})
	mux.HandleFunc("/api/v3/order", order)
	return mux
}

func TestMexcPlaceOrderFilled(t *testing.T) {
	mux := orderMux(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method %s", r.Method)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatal(err)
		}
		form := r.PostForm
		if form.Get("quantity") != "10.1" || form.Get("newClientOrderId") != "mbtag" || form.Get("type") != "MARKET" {
			t.Errorf("order form %v", form)
		}
		checkSigned(t, r, form)
		fmt.Fprint(w, `{"orderId":"C02__9","executedQty":"10.1","cummulativeQuoteQty":"5.252","transactTime":1704067200000}`)
	})
	mb := newTestMexc(t, mux, t0.Add(time.Hour))

	res, err := mb.PlaceOrder(context.Background(), OrderRequest{
		Symbol: "XRPUSDT", Side: SideBuy, Type: OrderMarket, Quantity: d("10.17"), ClientTag: "mbtag",
	})
	if err != nil || !res.Accepted {
		t.Fatalf("%+v err=%v", res, err)
	}
	if res.OrderID != "C02__9" || !res.FilledQuantity.Equal(d("10.1")) || !res.FilledPrice.Equal(d("0.52")) || !res.Time.Equal(t0) {
		t.Fatalf("fill %+v", res)
	}
}

func TestMexcPlaceOrderQuoteSizedFallsBackToStatus(t *testing.T) {
	mux := orderMux(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			checkSigned(t, r, r.URL.Query())
			fmt.Fprint(w, `{"orderId":"C02__7","executedQty":"20","cummulativeQuoteQty":"10"}`)
			return
		}
		_ = r.ParseForm()
		if r.PostForm.Get("quoteOrderQty") != "10.0000" || r.PostForm.Get("quantity") != "" {
			t.Errorf("quote order form %v", r.PostForm)
		}
		fmt.Fprint(w, `{"orderId":"C02__7"}`)
	})
	mb := newTestMexc(t, mux, t0)

	res, err := mb.PlaceOrder(context.Background(), OrderRequest{Symbol: "XRPUSDT", Side: SideBuy, QuoteQuantity: d("10")})
	if err != nil || !res.Accepted {
		t.Fatalf("%+v err=%v", res, err)
	}
	if !res.FilledQuantity.Equal(d("20")) || !res.FilledPrice.Equal(d("0.5")) {
		t.Fatalf("fill %+v", res)
	}
}

func TestMexcPlaceOrderClientErrorIsRejection(t *testing.T) {
	mux := orderMux(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"code":30004,"msg":"Insufficient position"}`)
	})
	res, err := newTestMexc(t, mux, t0).PlaceOrder(context.Background(), OrderRequest{Symbol: "XRPUSDT", Side: SideSell, Quantity: d("5")})
	if err != nil {
		t.Fatalf("a 4xx is a definitive answer, got err=%v", err)
	}
	if res.Accepted || res.Err == nil {
		t.Fatalf("result %+v", res)
	}
}

func TestMexcPlaceOrderServerErrorIsUnknownOutcome(t *testing.T) {
	var hits int32
	mux := orderMux(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	mb := newTestMexc(t, mux, t0)
	_, err := mb.PlaceOrder(context.Background(), OrderRequest{Symbol: "XRPUSDT", Side: SideSell, Quantity: d("5"), ClientTag: "mb5xx"})
	var ge *GatewayError
	if !errors.Is(err, ErrUnknownOutcome) || !errors.As(err, &ge) || ge.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("err=%v want ErrUnknownOutcome wrapping the 503", err)
	}
	if isRetryable(err) {
		t.Fatal("an order that may have landed must not be retried")
	}

	pol := retryPolicy{MaxRetries: 2, Initial: time.Millisecond, Max: time.Millisecond}
	_, err = withRetry(context.Background(), pol, nil, "place_order", func(ctx context.Context) (OrderResult, error) {
		return mb.PlaceOrder(ctx, OrderRequest{Symbol: "XRPUSDT", Side: SideSell, Quantity: d("5"), ClientTag: "mb5xx"})
	})
	if err == nil || atomic.LoadInt32(&hits) != 2 {
		t.Fatalf("hits=%d err=%v, want one POST per call", hits, err)
	}
}

func TestMexcPlaceOrderDuplicateClientIDIsUnknown(t *testing.T) {
	mux := orderMux(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"code":30032,"msg":"Duplicate clientOrderId"}`)
	})
	res, err := newTestMexc(t, mux, t0).PlaceOrder(context.Background(), OrderRequest{Symbol: "XRPUSDT", Side: SideBuy, Quantity: d("5"), ClientTag: "mbdup"})
	if !errors.Is(err, ErrUnknownOutcome) {
		t.Fatalf("duplicate tag must not read as a rejection: res=%+v err=%v", res, err)
	}
}

func TestMexcPlaceOrderThrottledIsNotPlaced(t *testing.T) {
	mux := orderMux(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	_, err := newTestMexc(t, mux, t0).PlaceOrder(context.Background(), OrderRequest{Symbol: "XRPUSDT", Side: SideBuy, Quantity: d("5")})
	var ge *GatewayError
	if !errors.As(err, &ge) || ge.StatusCode != http.StatusTooManyRequests || errors.Is(err, ErrUnknownOutcome) {
		t.Fatalf("err=%v want a plain 429 GatewayError", err)
	}
}

func TestMexcLookupOrderByClientTag(t *testing.T) {
	status := `{"orderId":"C02__3","clientOrderId":"mbtag","status":"FILLED","executedQty":"20","cummulativeQuoteQty":"10.4","transactTime":1704067200000}`
	mux := orderMux(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if r.Method != http.MethodGet || q.Get("origClientOrderId") == "" || q.Get("symbol") != "XRPUSDT" {
			t.Errorf("lookup %s %v", r.Method, q)
		}
		checkSigned(t, r, q)
		switch q.Get("origClientOrderId") {
		case "mbtag":
			fmt.Fprint(w, status)
		case "mbopen":
			fmt.Fprint(w, `{"orderId":"C02__4","status":"NEW","executedQty":"0"}`)
		case "mbdead":
			fmt.Fprint(w, `{"orderId":"C02__5","status":"CANCELED","executedQty":"0","cummulativeQuoteQty":"0"}`)
		default:
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"code":-2013,"msg":"Order does not exist."}`)
		}
	})
	mb := newTestMexc(t, mux, t0.Add(time.Hour))
	ctx := context.Background()

	res, err := mb.LookupOrder(ctx, "XRPUSDT", "mbtag")
	if err != nil || !res.Accepted || res.OrderID != "C02__3" {
		t.Fatalf("%+v err=%v", res, err)
	}
	if !res.FilledQuantity.Equal(d("20")) || !res.FilledPrice.Equal(d("0.52")) || !res.Time.Equal(t0) {
		t.Fatalf("fill %+v", res)
	}
	if _, err := mb.LookupOrder(ctx, "XRPUSDT", "mbopen"); !errors.Is(err, ErrOrderWorking) {
		t.Fatalf("NEW order: err=%v want ErrOrderWorking", err)
	}
	if res, err := mb.LookupOrder(ctx, "XRPUSDT", "mbdead"); err != nil || res.Accepted || res.Err == nil {
		t.Fatalf("canceled order: %+v err=%v", res, err)
	}
	if _, err := mb.LookupOrder(ctx, "XRPUSDT", "mbnone"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("missing order: err=%v want ErrOrderNotFound", err)
	}
}
