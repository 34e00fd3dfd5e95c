package cn

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"stocksync/internal/domain"
	"stocksync/internal/util"
)

// ---------------------------------------------------------------------------
// AKToolsClient
// ---------------------------------------------------------------------------

// AKToolsClient calls AKShare functions exposed by an AKTools HTTP server at
// GET {baseURL}/api/public/{function}. Every call waits on the shared rate
// limiter first.
type AKToolsClient struct {
	baseURL string
	http    *http.Client
	limiter *util.RateLimiter
	log     *slog.Logger
}

// NewAKToolsClient creates a client for the server at baseURL. limiter may be
// nil for unlimited calls. Deadlines come from the caller's context.
func NewAKToolsClient(baseURL string, limiter *util.RateLimiter) *AKToolsClient {
	return &AKToolsClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Transport: http.DefaultTransport},
		limiter: limiter,
		log:     slog.Default().With("component", "aktools"),
	}
}

// maxErrorBody bounds how much of a failed response is quoted in errors.
const maxErrorBody = 256

// Call invokes function with params and returns the rows of the JSON array it
// answers with. A null or empty body is an empty result.
func (c *AKToolsClient) Call(ctx context.Context, function string, params url.Values) ([]gjson.Result, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	u := fmt.Sprintf("%s/api/public/%s", c.baseURL, function)
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", function, err)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", function, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: read body: %w", function, err)
	}
	c.log.Debug("call", "function", function, "status", resp.StatusCode,
		"bytes", len(body), "elapsed", time.Since(start))

	if resp.StatusCode != http.StatusOK {
		snippet := strings.TrimSpace(string(body))
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody]
		}
		return nil, fmt.Errorf("%s: HTTP %d: %s", function, resp.StatusCode, snippet)
	}

	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, nil
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%s: response is not valid JSON", function)
	}
	parsed := gjson.ParseBytes(body)
	switch {
	case parsed.Type == gjson.Null:
		return nil, nil
	case !parsed.IsArray():
		return nil, fmt.Errorf("%s: expected JSON array, got %s", function, parsed.Type)
	}
	return parsed.Array(), nil
}

// ---------------------------------------------------------------------------
// Sources
// ---------------------------------------------------------------------------

// Source fetches daily records and the instrument list for one kind.
type Source interface {
	Kind() domain.Kind
	// Daily returns the records for symbol between start and end
	// ("YYYYMMDD", inclusive). Malformed rows are dropped.
	Daily(ctx context.Context, symbol, start, end string) ([]domain.DailyRecord, error)
	// List returns the instruments currently listed upstream.
	List(ctx context.Context) ([]domain.Instrument, error)
}

// Compile-time interface checks.
var _ Source = (*StockSource)(nil)
var _ Source = (*IndexSource)(nil)

// StockSource reads A-share equities through stock_zh_a_daily.
type StockSource struct {
	client *AKToolsClient
	adjust domain.Adjust
	log    *slog.Logger
}

// NewStockSource creates an equity source requesting the given adjustment.
func NewStockSource(client *AKToolsClient, adjust domain.Adjust) *StockSource {
	return &StockSource{
		client: client,
		adjust: adjust,
		log:    slog.Default().With("source", "stock_zh_a_daily"),
	}
}

func (s *StockSource) Kind() domain.Kind { return domain.KindEquity }

func (s *StockSource) Daily(ctx context.Context, symbol, start, end string) ([]domain.DailyRecord, error) {
	params := url.Values{
		"symbol":     {symbol},
		"start_date": {start},
		"end_date":   {end},
	}
	if s.adjust != domain.AdjustNone {
		params.Set("adjust", string(s.adjust))
	}
	rows, err := s.client.Call(ctx, "stock_zh_a_daily", params)
	if err != nil {
		return nil, err
	}
	return stockColumns.parse(s.log, symbol, rows), nil
}

func (s *StockSource) List(ctx context.Context) ([]domain.Instrument, error) {
	rows, err := s.client.Call(ctx, "stock_zh_a_spot", nil)
	if err != nil {
		return nil, err
	}
	return parseInstruments(rows, domain.KindEquity, strings.ToLower), nil
}

// IndexSource reads indices through index_zh_a_hist.
type IndexSource struct {
	client   *AKToolsClient
	listName string
	log      *slog.Logger
}

// NewIndexSource creates an index source. listName selects the index list
// passed to stock_zh_index_spot_em.
func NewIndexSource(client *AKToolsClient, listName string) *IndexSource {
	return &IndexSource{
		client:   client,
		listName: listName,
		log:      slog.Default().With("source", "index_zh_a_hist"),
	}
}

func (s *IndexSource) Kind() domain.Kind { return domain.KindIndex }

func (s *IndexSource) Daily(ctx context.Context, symbol, start, end string) ([]domain.DailyRecord, error) {
	code := IndexCode(symbol)
	rows, err := s.client.Call(ctx, "index_zh_a_hist", url.Values{
		"symbol":     {code},
		"period":     {"daily"},
		"start_date": {start},
		"end_date":   {end},
	})
	if err != nil {
		return nil, err
	}
	return indexColumns.parse(s.log, symbol, rows), nil
}

func (s *IndexSource) List(ctx context.Context) ([]domain.Instrument, error) {
	var params url.Values
	if s.listName != "" {
		params = url.Values{"symbol": {s.listName}}
	}
	rows, err := s.client.Call(ctx, "stock_zh_index_spot_em", params)
	if err != nil {
		return nil, err
	}
	return parseInstruments(rows, domain.KindIndex, IndexCode), nil
}

// IndexCode normalizes an index code to six digits, dropping an exchange
// prefix ("sh000001" and "1" both become "000001").
func IndexCode(symbol string) string {
	s := strings.TrimSpace(strings.ToLower(symbol))
	s = strings.TrimPrefix(strings.TrimPrefix(s, "sh"), "sz")
	if len(s) < 6 {
		s = strings.Repeat("0", 6-len(s)) + s
	}
	return s
}

// ---------------------------------------------------------------------------
// Column mapping
// ---------------------------------------------------------------------------

// optionalColumn binds an upstream column to a nullable record field.
type optionalColumn struct {
	key   string
	field func(r *domain.DailyRecord) **float64
}

// columnMap names the upstream columns of one daily function.
type columnMap struct {
	date                 string
	open, high, low, cls string
	volume, amount       string
	optional             []optionalColumn
}

var stockColumns = columnMap{
	date: "date",
	open: "open", high: "high", low: "low", cls: "close",
	volume: "volume", amount: "amount",
	optional: []optionalColumn{
		{"outstanding_share", func(r *domain.DailyRecord) **float64 { return &r.OutstandingShare }},
		{"turnover", func(r *domain.DailyRecord) **float64 { return &r.Turnover }},
	},
}

var indexColumns = columnMap{
	date: "日期",
	open: "开盘", high: "最高", low: "最低", cls: "收盘",
	volume: "成交量", amount: "成交额",
	optional: []optionalColumn{
		{"振幅", func(r *domain.DailyRecord) **float64 { return &r.Amplitude }},
		{"涨跌幅", func(r *domain.DailyRecord) **float64 { return &r.ChangeRate }},
		{"涨跌额", func(r *domain.DailyRecord) **float64 { return &r.ChangeAmount }},
		{"换手率", func(r *domain.DailyRecord) **float64 { return &r.TurnoverRate }},
	},
}

// parse maps rows onto records for symbol. Rows without a valid date or any
// of open/high/low/close are logged and dropped. Missing volume and amount
// read as zero.
func (m columnMap) parse(log *slog.Logger, symbol string, rows []gjson.Result) []domain.DailyRecord {
	records := make([]domain.DailyRecord, 0, len(rows))
	for i, row := range rows {
		date, err := util.ParseDate(row.Get(m.date).String())
		if err != nil {
			log.Warn("dropping row", "symbol", symbol, "row", i, "err", err)
			continue
		}

		rec := domain.DailyRecord{Symbol: symbol, Date: date}
		ok := true
		for _, c := range []struct {
			key string
			dst *float64
		}{
			{m.open, &rec.Open}, {m.high, &rec.High}, {m.low, &rec.Low}, {m.cls, &rec.Close},
		} {
			v, present := number(row.Get(c.key))
			if !present {
				log.Warn("dropping row", "symbol", symbol, "row", i,
					"date", date.Format(util.DateLayout), "missing", c.key)
				ok = false
				break
			}
			*c.dst = v
		}
		if !ok {
			continue
		}

		rec.Volume, _ = number(row.Get(m.volume))
		rec.Amount, _ = number(row.Get(m.amount))
		for _, c := range m.optional {
			if v, present := number(row.Get(c.key)); present {
				*c.field(&rec) = &v
			}
		}
		records = append(records, rec)
	}
	return records
}

// number reads a JSON number or numeric string. NaN and infinities count as
// absent.
func number(v gjson.Result) (float64, bool) {
	var f float64
	switch v.Type {
	case gjson.Number:
		f = v.Num
	case gjson.String:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v.Str), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func parseInstruments(rows []gjson.Result, kind domain.Kind, normalize func(string) string) []domain.Instrument {
	out := make([]domain.Instrument, 0, len(rows))
	seen := make(map[string]bool, len(rows))
	for _, row := range rows {
		code := strings.TrimSpace(row.Get("代码").String())
		if code == "" {
			continue
		}
		code = normalize(code)
		if seen[code] {
			continue
		}
		seen[code] = true
		out = append(out, domain.Instrument{
			Symbol: code,
			Name:   strings.TrimSpace(row.Get("名称").String()),
			Kind:   kind,
		})
	}
	return out
}
