// FILE: broker_mexc.go
// Package main – MEXC Spot gateway (direct REST/HMAC).
//
// Implements MarketData, OrderGateway, Quoter and InstrumentSource against
// https://api.mexc.com (v3 spot API, Binance-shaped):
//   - klines            GET  /api/v3/klines          (public)
//   - exchangeInfo      GET  /api/v3/exchangeInfo    (public, cached per symbol)
//   - bookTicker        GET  /api/v3/ticker/bookTicker (public)
//   - ticker price      GET  /api/v3/ticker/price    (public)
//   - account           GET  /api/v3/account         (signed)
//   - order             POST /api/v3/order           (signed, newClientOrderId)
//   - order status      GET  /api/v3/order           (signed)
//   - openOrders        GET  /api/v3/openOrders      (signed)
//
// Signing: HMAC-SHA256 (hex, lowercase) over the sorted query string including
// timestamp and recvWindow, sent as `signature`; the key goes in X-MEXC-APIKEY.
//
// Every request waits on a shared rate.Limiter, so all symbol loops share one
// request budget. Errors come back as *GatewayError. On order placement an HTTP
// 4xx is a definitive rejection (Accepted=false) except 429 and a duplicate
// client id; a 5xx or transport failure is wrapped in ErrUnknownOutcome.

package main

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

type MexcBroker struct {
	apiKey     string
	apiSecret  string
	baseURL    string
	recvWindow int64
	hc         *http.Client
	limiter    *rate.Limiter
	poll       time.Duration
	now        func() time.Time
	log        *logrus.Logger

	mu      sync.Mutex
	filters map[string]Instrument
}

func NewMexcBroker(cfg ExchangeConfig, poll time.Duration, log *logrus.Logger) *MexcBroker {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	if poll <= 0 {
		poll = 30 * time.Second
	}
	return &MexcBroker{
		apiKey:     cfg.APIKey,
		apiSecret:  cfg.APISecret,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		recvWindow: int64(cfg.RecvWindowMs),
		hc:         &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		poll:       poll,
		now:        time.Now,
		log:        log,
		filters:    map[string]Instrument{},
	}
}

func (mb *MexcBroker) Name() string { return "mexc" }

// ----- Transport -----

func (mb *MexcBroker) sign(q url.Values) string {
	mac := hmac.New(sha256.New, []byte(mb.apiSecret))
	_, _ = io.WriteString(mac, q.Encode())
	return hex.EncodeToString(mac.Sum(nil))
}

func (mb *MexcBroker) signQuery(q url.Values) {
	q.Set("timestamp", strconv.FormatInt(mb.now().UnixMilli(), 10))
	if mb.recvWindow > 0 {
		q.Set("recvWindow", strconv.FormatInt(mb.recvWindow, 10))
	}
	q.Del("signature")
	q.Set("signature", mb.sign(q))
}

func (mb *MexcBroker) do(ctx context.Context, method, path string, q url.Values, signed bool) ([]byte, error) {
	op := method + " " + path
	if err := mb.limiter.Wait(ctx); err != nil {
		return nil, &GatewayError{Op: op, Err: err}
	}
	if q == nil {
		q = url.Values{}
	}
	if signed {
		mb.signQuery(q)
	}

	var (
		req *http.Request
		err error
	)
	u := mb.baseURL + path
	if method == http.MethodPost {
		req, err = http.NewRequestWithContext(ctx, method, u, strings.NewReader(q.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	} else {
		if enc := q.Encode(); enc != "" {
			u += "?" + enc
		}
		req, err = http.NewRequestWithContext(ctx, method, u, nil)
	}
	if err != nil {
		return nil, &GatewayError{Op: op, Err: err}
	}
	if mb.apiKey != "" {
		req.Header.Set("X-MEXC-APIKEY", mb.apiKey)
	}

	res, err := mb.hc.Do(req)
	if err != nil {
		return nil, &GatewayError{Op: op, Err: err}
	}
	defer res.Body.Close()
	bs, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, &GatewayError{Op: op, Err: err}
	}
	if res.StatusCode/100 != 2 {
		return nil, &GatewayError{Op: op, StatusCode: res.StatusCode, Body: strings.TrimSpace(string(bs))}
	}
	return bs, nil
}

func (mb *MexcBroker) get(ctx context.Context, path string, q url.Values, signed bool) ([]byte, error) {
	return mb.do(ctx, http.MethodGet, path, q, signed)
}

func (mb *MexcBroker) post(ctx context.Context, path string, q url.Values) ([]byte, error) {
	return mb.do(ctx, http.MethodPost, path, q, true)
}

func decodeInto(op string, bs []byte, v any) error {
	if err := json.Unmarshal(bs, v); err != nil {
		return fmt.Errorf("decode %s: %w", op, err)
	}
	return nil
}

func toStr(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	default:
		return fmt.Sprint(v)
	}
}

// ----- Market data -----

// GetCandles returns up to lookback closed candles, oldest first.
func (mb *MexcBroker) GetCandles(ctx context.Context, symbol, timeframe string, lookback int) ([]Candle, error) {
	interval, err := mexcInterval(timeframe)
	if err != nil {
		return nil, err
	}
	tf, _ := parseTimeframe(timeframe)
	limit := lookback + 1 // the newest kline is usually still forming
	if limit <= 1 || limit > 1000 {
		limit = 1000
	}

	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("interval", interval)
	q.Set("limit", strconv.Itoa(limit))
	bs, err := mb.get(ctx, "/api/v3/klines", q, false)
	if err != nil {
		return nil, err
	}
	all, err := parseKlines(bs)
	if err != nil {
		return nil, err
	}

	now := mb.now()
	out := all[:0]
	for _, c := range all {
		if !c.OpenTime.Add(tf).After(now) {
			out = append(out, c)
		}
	}
	if lookback > 0 && len(out) > lookback {
		out = out[len(out)-lookback:]
	}
	return out, nil
}

// parseKlines decodes rows of [openTime, open, high, low, close, volume, closeTime, quoteVolume].
func parseKlines(bs []byte) ([]Candle, error) {
	var raw [][]interface{}
	if err := decodeInto("klines", bs, &raw); err != nil {
		return nil, err
	}
	out := make([]Candle, 0, len(raw))
	for _, row := range raw {
		if len(row) < 6 {
			continue
		}
		ms, ok := row[0].(float64)
		if !ok {
			continue
		}
		open, _ := strconv.ParseFloat(toStr(row[1]), 64)
		high, _ := strconv.ParseFloat(toStr(row[2]), 64)
		low, _ := strconv.ParseFloat(toStr(row[3]), 64)
		close, _ := strconv.ParseFloat(toStr(row[4]), 64)
		vol, _ := strconv.ParseFloat(toStr(row[5]), 64)
		out = append(out, Candle{
			OpenTime: time.UnixMilli(int64(ms)).UTC(),
			Open:     open,
			High:     high,
			Low:      low,
			Close:    close,
			Volume:   vol,
		})
	}
	return out, nil
}

// StreamLatest polls klines and emits each candle once it has closed.
// The channel closes when ctx is done.
func (mb *MexcBroker) StreamLatest(ctx context.Context, symbol, timeframe string) <-chan Candle {
	out := make(chan Candle, 1)
	go func() {
		defer close(out)
		var last time.Time
		t := time.NewTicker(mb.poll)
		defer t.Stop()
		for {
			cs, err := mb.GetCandles(ctx, symbol, timeframe, 3)
			if err != nil && ctx.Err() == nil {
				mb.log.WithField("symbol", symbol).WithError(err).Warn("[STREAM] poll klines failed")
			}
			for _, c := range cs {
				if !c.OpenTime.After(last) {
					continue
				}
				if last.IsZero() && c.OpenTime != cs[len(cs)-1].OpenTime {
					// first poll only seeds the newest closed candle
					continue
				}
				select {
				case out <- c:
					last = c.OpenTime
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
		}
	}()
	return out
}

// Spread returns the bookTicker spread in bps of mid.
func (mb *MexcBroker) Spread(ctx context.Context, symbol string) (float64, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	bs, err := mb.get(ctx, "/api/v3/ticker/bookTicker", q, false)
	if err != nil {
		return 0, err
	}
	var bt struct {
		BidPrice string `json:"bidPrice"`
		AskPrice string `json:"askPrice"`
	}
	if err := decodeInto("bookTicker", bs, &bt); err != nil {
		return 0, err
	}
	bid, _ := strconv.ParseFloat(bt.BidPrice, 64)
	ask, _ := strconv.ParseFloat(bt.AskPrice, 64)
	if bid <= 0 || ask <= 0 || ask < bid {
		return 0, fmt.Errorf("bookTicker %s: bad quote bid=%s ask=%s", symbol, bt.BidPrice, bt.AskPrice)
	}
	mid := (bid + ask) / 2
	return (ask - bid) / mid * 10000, nil
}

func (mb *MexcBroker) lastPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	bs, err := mb.get(ctx, "/api/v3/ticker/price", q, false)
	if err != nil {
		return decimal.Zero, err
	}
	var p struct {
		Price string `json:"price"`
	}
	if err := decodeInto("ticker/price", bs, &p); err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(p.Price)
}

// Instrument resolves (and caches) the venue filters for symbol.
func (mb *MexcBroker) Instrument(ctx context.Context, symbol string) (Instrument, error) {
	mb.mu.Lock()
	if inst, ok := mb.filters[symbol]; ok {
		mb.mu.Unlock()
		return inst, nil
	}
	mb.mu.Unlock()

	q := url.Values{}
	q.Set("symbol", symbol)
	bs, err := mb.get(ctx, "/api/v3/exchangeInfo", q, false)
	if err != nil {
		return Instrument{}, err
	}
	inst, err := parseExchangeInfo(symbol, bs)
	if err != nil {
		return Instrument{}, err
	}

	mb.mu.Lock()
	mb.filters[symbol] = inst
	mb.mu.Unlock()
	return inst, nil
}

func parseExchangeInfo(symbol string, bs []byte) (Instrument, error) {
	var ex struct {
		Symbols []struct {
			Symbol               string `json:"symbol"`
			BaseAsset            string `json:"baseAsset"`
			QuoteAsset           string `json:"quoteAsset"`
			QuotePrecision       int    `json:"quotePrecision"`
			BaseSizePrecision    string `json:"baseSizePrecision"`
			QuoteAmountPrecision string `json:"quoteAmountPrecision"`
			Filters              []struct {
				FilterType  string `json:"filterType"`
				StepSize    string `json:"stepSize"`
				TickSize    string `json:"tickSize"`
				MinNotional string `json:"minNotional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := decodeInto("exchangeInfo", bs, &ex); err != nil {
		return Instrument{}, err
	}
	for _, e := range ex.Symbols {
		if e.Symbol != symbol {
			continue
		}
		inst := Instrument{Symbol: e.Symbol, BaseAsset: e.BaseAsset, QuoteAsset: e.QuoteAsset}
		inst.LotStep, _ = decimal.NewFromString(e.BaseSizePrecision)
		inst.MinNotional, _ = decimal.NewFromString(e.QuoteAmountPrecision)
		if e.QuotePrecision > 0 {
			inst.TickSize = decimal.New(1, -int32(e.QuotePrecision))
		}
		for _, f := range e.Filters {
			switch f.FilterType {
			case "LOT_SIZE":
				if v, err := decimal.NewFromString(f.StepSize); err == nil && v.IsPositive() {
					inst.LotStep = v
				}
			case "PRICE_FILTER":
				if v, err := decimal.NewFromString(f.TickSize); err == nil && v.IsPositive() {
					inst.TickSize = v
				}
			case "MIN_NOTIONAL", "NOTIONAL":
				if v, err := decimal.NewFromString(f.MinNotional); err == nil && v.IsPositive() {
					inst.MinNotional = v
				}
			}
		}
		return inst, nil
	}
	return Instrument{}, fmt.Errorf("exchangeInfo: symbol %s not found", symbol)
}

// ----- Account -----

func (mb *MexcBroker) GetAccountBalance(ctx context.Context) (map[string]decimal.Decimal, error) {
	bs, err := mb.get(ctx, "/api/v3/account", url.Values{}, true)
	if err != nil {
		return nil, err
	}
	var a struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := decodeInto("account", bs, &a); err != nil {
		return nil, err
	}
	out := make(map[string]decimal.Decimal, len(a.Balances))
	for _, b := range a.Balances {
		f, err := decimal.NewFromString(b.Free)
		if err != nil {
			continue
		}
		out[strings.ToUpper(b.Asset)] = f
	}
	return out, nil
}

func (mb *MexcBroker) GetOpenOrders(ctx context.Context, symbol string) ([]string, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	bs, err := mb.get(ctx, "/api/v3/openOrders", q, true)
	if err != nil {
		return nil, err
	}
	var rows []struct {
		OrderID       string `json:"orderId"`
		ClientOrderID string `json:"clientOrderId"`
	}
	if err := decodeInto("openOrders", bs, &rows); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.OrderID)
	}
	return out, nil
}

// ----- Orders -----

type mexcOrder struct {
	OrderID          string `json:"orderId"`
	ClientOrderID    string `json:"clientOrderId"`
	Status           string `json:"status"`
	TransactTime     int64  `json:"transactTime"`
	ExecutedQty      string `json:"executedQty"`
	CummulativeQuote string `json:"cummulativeQuoteQty"`
	OrigQty          string `json:"origQty"`
	Price            string `json:"price"`
}

// PlaceOrder submits a market (or limit) order exactly once. Failures before the
// POST and throttling return *GatewayError (nothing was placed).
func (mb *MexcBroker) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	inst, err := mb.Instrument(ctx, req.Symbol)
	if err != nil {
		return OrderResult{}, err
	}
	snapshot, err := mb.lastPrice(ctx, req.Symbol)
	if err != nil {
		return OrderResult{}, err
	}

	q := url.Values{}
	q.Set("symbol", req.Symbol)
	q.Set("side", string(req.Side))
	typ := req.Type
	if typ == "" {
		typ = OrderMarket
	}
	q.Set("type", string(typ))
	if req.ClientTag != "" {
		q.Set("newClientOrderId", req.ClientTag)
	}
	switch {
	case req.Side == SideBuy && req.QuoteQuantity.IsPositive() && typ == OrderMarket:
		q.Set("quoteOrderQty", req.QuoteQuantity.StringFixed(quoteDigits(inst)))
	case req.Quantity.IsPositive():
		q.Set("quantity", snapDown(req.Quantity, inst.LotStep).String())
	default:
		return OrderResult{Accepted: false, Err: errors.New("order has no quantity"), Time: mb.now().UTC()}, nil
	}
	if typ == OrderLimit {
		q.Set("price", snapDown(req.LimitPrice, inst.TickSize).String())
	}

	bs, err := mb.post(ctx, "/api/v3/order", q)
	if err != nil {
		var ge *GatewayError
		if errors.As(err, &ge) && ge.StatusCode >= 400 && ge.StatusCode < 500 {
			switch {
			case ge.StatusCode == http.StatusTooManyRequests:
				return OrderResult{}, err
			case duplicateClientID(ge.Body):
				// an earlier attempt with this tag reached the venue
				return OrderResult{}, fmt.Errorf("%w: %w", ErrUnknownOutcome, err)
			}
			return OrderResult{Accepted: false, Err: fmt.Errorf("rejected: %s", ge.Body), Time: mb.now().UTC()}, nil
		}
		return OrderResult{}, fmt.Errorf("%w: %w", ErrUnknownOutcome, err)
	}
	var ord mexcOrder
	if err := decodeInto("order", bs, &ord); err != nil {
		return OrderResult{}, fmt.Errorf("%w: %w", ErrUnknownOutcome, err)
	}

	// MEXC acks market orders without fills; ask once for the executed amounts.
	if ord.ExecutedQty == "" && ord.OrderID != "" {
		if full, err := mb.orderStatus(ctx, req.Symbol, url.Values{"orderId": {ord.OrderID}}); err == nil {
			ord = full
		} else {
			mb.log.WithError(err).Debugf("[MEXC] order %s status lookup failed", ord.OrderID)
		}
	}
	if ord.ExecutedQty == "" {
		mb.log.WithFields(logrus.Fields{"symbol": req.Symbol, "order_id": ord.OrderID, "snapshot": snapshot}).
			Warn("[MEXC] no executed quantity reported; assuming full fill at the snapshot price")
	}

	return fillFromOrder(req, ord, snapshot, mb.now().UTC()), nil
}

// LookupOrder queries an order by its newClientOrderId.
func (mb *MexcBroker) LookupOrder(ctx context.Context, symbol, clientTag string) (OrderResult, error) {
	ord, err := mb.orderStatus(ctx, symbol, url.Values{"origClientOrderId": {clientTag}})
	if err != nil {
		var ge *GatewayError
		if errors.As(err, &ge) && ge.StatusCode >= 400 && ge.StatusCode < 500 && orderMissing(ge.Body) {
			return OrderResult{}, fmt.Errorf("%w: %s %s", ErrOrderNotFound, symbol, clientTag)
		}
		return OrderResult{}, err
	}
	return resultFromStatus(ord, mb.now().UTC())
}

// orderStatus fetches one order; by selects it (orderId or origClientOrderId).
func (mb *MexcBroker) orderStatus(ctx context.Context, symbol string, by url.Values) (mexcOrder, error) {
	q := url.Values{}
	for k, v := range by {
		q[k] = v
	}
	q.Set("symbol", symbol)
	bs, err := mb.get(ctx, "/api/v3/order", q, true)
	if err != nil {
		return mexcOrder{}, err
	}
	var ord mexcOrder
	err = decodeInto("order status", bs, &ord)
	return ord, err
}

// fillFromOrder derives the fill; when the venue reports none the snapshot price stands in.
func fillFromOrder(req OrderRequest, ord mexcOrder, snapshot decimal.Decimal, now time.Time) OrderResult {
	qty, _ := decimal.NewFromString(ord.ExecutedQty)
	quote, _ := decimal.NewFromString(ord.CummulativeQuote)

	px := snapshot
	if qty.IsPositive() && quote.IsPositive() {
		px = quote.Div(qty)
	} else if !qty.IsPositive() {
		switch {
		case req.Quantity.IsPositive():
			qty = req.Quantity
		case req.QuoteQuantity.IsPositive() && snapshot.IsPositive():
			qty = req.QuoteQuantity.Div(snapshot)
		}
	}
	at := now
	if ord.TransactTime > 0 {
		at = time.UnixMilli(ord.TransactTime).UTC()
	}
	return OrderResult{
		OrderID:        ord.OrderID,
		Accepted:       true,
		FilledQuantity: qty,
		FilledPrice:    px,
		Time:           at,
	}
}

// resultFromStatus maps a queried order onto a terminal result.
func resultFromStatus(ord mexcOrder, now time.Time) (OrderResult, error) {
	qty, _ := decimal.NewFromString(ord.ExecutedQty)
	quote, _ := decimal.NewFromString(ord.CummulativeQuote)
	at := now
	if ord.TransactTime > 0 {
		at = time.UnixMilli(ord.TransactTime).UTC()
	}
	switch strings.ToUpper(ord.Status) {
	case "NEW", "PARTIALLY_FILLED":
		return OrderResult{}, fmt.Errorf("%w: %s is %s", ErrOrderWorking, ord.OrderID, ord.Status)
	}
	if !qty.IsPositive() {
		return OrderResult{OrderID: ord.OrderID, Accepted: false, Err: fmt.Errorf("order %s ended %s with no fill", ord.OrderID, ord.Status), Time: at}, nil
	}
	px, _ := decimal.NewFromString(ord.Price)
	if quote.IsPositive() {
		px = quote.Div(qty)
	}
	return OrderResult{OrderID: ord.OrderID, Accepted: true, FilledQuantity: qty, FilledPrice: px, Time: at}, nil
}

func duplicateClientID(body string) bool {
	b := strings.ToLower(body)
	return strings.Contains(b, "duplicate") || strings.Contains(b, "clientorderid") && strings.Contains(b, "exist")
}

func orderMissing(body string) bool {
	b := strings.ToLower(body)
	return strings.Contains(b, "-2013") || strings.Contains(b, "not exist") || strings.Contains(b, "unknown order")
}

func quoteDigits(inst Instrument) int32 {
	if inst.TickSize.IsPositive() {
		return -inst.TickSize.Exponent()
	}
	return 2
}
