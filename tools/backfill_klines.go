// Build a backtest CSV by paging the public MEXC /api/v3/klines endpoint forward in time.
//
// Usage:
//   go run ./tools -symbol XRPUSDT -interval 4h -days 365 -out data/XRPUSDT_4h.csv
//   MEXC_BASE_URL=https://api.mexc.com go run ./tools -symbol BTCUSDT -interval 60m -days 30
//
// Notes:
// - klines rows are [openTime(ms), open, high, low, close, volume, closeTime, quoteVolume].
// - Pages of up to -limit rows from startTime; each page resumes after the last openTime.
// - Candles still open at the time of the run are dropped.
// - Dedupe & sort ascending, write RFC3339 timestamps (the backtest loader's header).

package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

type klineRow struct {
	OpenMs int64
	Open   string
	High   string
	Low    string
	Close  string
	Volume string
}

func main() {
	var (
		symbol   = flag.String("symbol", "XRPUSDT", "MEXC spot symbol (e.g., XRPUSDT)")
		interval = flag.String("interval", "4h", "Kline interval (1m,5m,15m,30m,60m,4h,1d,1W)")
		days     = flag.Int("days", 180, "How many days of history to fetch")
		limit    = flag.Int("limit", 1000, "Rows per page (MEXC max 1000)")
		outPath  = flag.String("out", "", "Output CSV path (default data/<symbol>_<interval>.csv)")
	)
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	step := intervalDuration(*interval)
	if step <= 0 {
		log.Fatalf("unsupported interval: %s", *interval)
	}
	if *outPath == "" {
		*outPath = filepath.Join("data", fmt.Sprintf("%s_%s.csv", strings.ToUpper(*symbol), *interval))
	}
	base := strings.TrimRight(getenv("MEXC_BASE_URL", "https://api.mexc.com"), "/")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	hc := &http.Client{Timeout: 15 * time.Second}

	now := time.Now().UTC()
	cursor := now.Add(-time.Duration(*days) * 24 * time.Hour)
	seen := make(map[int64]klineRow)

	for page := 0; cursor.Before(now); page++ {
		q := url.Values{}
		q.Set("symbol", strings.ToUpper(*symbol))
		q.Set("interval", *interval)
		q.Set("limit", strconv.Itoa(*limit))
		q.Set("startTime", strconv.FormatInt(cursor.UnixMilli(), 10))
		q.Set("endTime", strconv.FormatInt(now.UnixMilli(), 10))
		u := base + "/api/v3/klines?" + q.Encode()

		batch, err := fetchPage(ctx, hc, u, log)
		if err != nil {
			log.Fatalf("page %d: %v", page, err)
		}
		if len(batch) == 0 {
			break
		}
		last := cursor
		for _, r := range batch {
			if time.UnixMilli(r.OpenMs).Add(step).After(now) {
				continue
			}
			seen[r.OpenMs] = r
			if t := time.UnixMilli(r.OpenMs); t.After(last) {
				last = t
			}
		}
		log.Debugf("page %d: %d rows, cursor=%s", page, len(batch), last.Format(time.RFC3339))
		next := last.Add(step)
		if !next.After(cursor) {
			break
		}
		cursor = next
	}

	rows := make([]klineRow, 0, len(seen))
	for _, r := range seen {
		rows = append(rows, r)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].OpenMs < rows[j].OpenMs })

	if err := writeCSV(*outPath, rows); err != nil {
		log.Fatal(err)
	}
	log.Infof("Wrote %s (%d rows)", *outPath, len(rows))
}

// fetchPage GETs one klines page, retrying 429/5xx and transport errors.
func fetchPage(ctx context.Context, hc *http.Client, u string, log *logrus.Logger) ([]klineRow, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 8 * time.Second

	return backoff.RetryNotifyWithData(func() ([]klineRow, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		resp, err := hc.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		switch {
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return nil, fmt.Errorf("mexc status %d: %s", resp.StatusCode, string(body))
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			return nil, backoff.Permanent(fmt.Errorf("mexc status %d: %s", resp.StatusCode, string(body)))
		}
		rows, err := parseRows(body)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		return rows, nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, 5), ctx), func(err error, d time.Duration) {
		log.Warnf("klines retry in %s: %v", d, err)
	})
}

func parseRows(body []byte) ([]klineRow, error) {
	var raw [][]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode klines: %w", err)
	}
	out := make([]klineRow, 0, len(raw))
	for _, row := range raw {
		if len(row) < 6 {
			continue
		}
		ms, ok := row[0].(float64)
		if !ok {
			continue
		}
		out = append(out, klineRow{
			OpenMs: int64(ms),
			Open:   asString(row[1]),
			High:   asString(row[2]),
			Low:    asString(row[3]),
			Close:  asString(row[4]),
			Volume: asString(row[5]),
		})
	}
	return out, nil
}

func writeCSV(path string, rows []klineRow) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"time", "open", "high", "low", "close", "volume"}); err != nil {
		return err
	}
	for _, r := range rows {
		ts := time.UnixMilli(r.OpenMs).UTC().Format(time.RFC3339)
		if err := w.Write([]string{ts, r.Open, r.High, r.Low, r.Close, r.Volume}); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func intervalDuration(iv string) time.Duration {
	switch iv {
	case "1m":
		return time.Minute
	case "5m":
		return 5 * time.Minute
	case "15m":
		return 15 * time.Minute
	case "30m":
		return 30 * time.Minute
	case "60m":
		return time.Hour
	case "4h":
		return 4 * time.Hour
	case "1d":
		return 24 * time.Hour
	case "1W":
		return 7 * 24 * time.Hour
	default:
		return 0
	}
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}
