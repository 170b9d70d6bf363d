// loadtest гоняет полный пользовательский сценарий через HTTP API
// checkout-сервиса: пополняет сток, кладёт товар в корзину, делает checkout
// с Idempotency-Key и по желанию отменяет каждый N-й заказ. В конце печатает
// сводку по латентности и error rate, опционально сохраняя её в JSON.
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const idempotencyHeader = "Idempotency-Key"

type config struct {
	baseURL    string
	total      int64
	duration   time.Duration
	workers    int
	timeout    time.Duration
	cancelNth  int64
	sku        string
	priceMinor int64
	currency   string
	method     string
	userTag    string
	reportPath string
}

func parseConfig(args []string) (config, error) {
	fs := flag.NewFlagSet("loadtest", flag.ContinueOnError)

	var cfg config
	fs.StringVar(&cfg.baseURL, "addr", "http://localhost:8080", "базовый URL checkout-сервиса")
	fs.Int64Var(&cfg.total, "total", 400, "сколько сценариев выполнить (0 = без лимита, только по -duration)")
	fs.DurationVar(&cfg.duration, "duration", 0, "ограничение прогона по времени (0 = только по -total)")
	fs.IntVar(&cfg.workers, "workers", 40, "число параллельных воркеров")
	fs.DurationVar(&cfg.timeout, "timeout", 5*time.Second, "timeout одного HTTP-запроса")
	fs.Int64Var(&cfg.cancelNth, "cancel-every", 0, "отменять каждый N-й заказ (0 = не отменять)")
	fs.StringVar(&cfg.sku, "sku", "SKU-LOAD", "SKU товара в сценарии")
	fs.Int64Var(&cfg.priceMinor, "price-minor", 1000, "цена товара в минорных единицах")
	fs.StringVar(&cfg.currency, "currency", "USD", "валюта заказа")
	fs.StringVar(&cfg.method, "payment-method", "credit_card", "способ оплаты")
	fs.StringVar(&cfg.userTag, "user-tag", "load", "префикс user id")
	fs.StringVar(&cfg.reportPath, "report", "", "путь для JSON-отчёта (опционально)")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	switch {
	case cfg.baseURL == "":
		return config{}, errors.New("addr is required")
	case cfg.total < 0:
		return config{}, errors.New("total must be >= 0")
	case cfg.total == 0 && cfg.duration <= 0:
		return config{}, errors.New("either total or duration must bound the run")
	case cfg.workers <= 0:
		return config{}, errors.New("workers must be > 0")
	case cfg.timeout <= 0:
		return config{}, errors.New("timeout must be > 0")
	case cfg.cancelNth < 0:
		return config{}, errors.New("cancel-every must be >= 0")
	case cfg.priceMinor <= 0:
		return config{}, errors.New("price-minor must be > 0")
	case strings.TrimSpace(cfg.sku) == "":
		return config{}, errors.New("sku is required")
	case strings.TrimSpace(cfg.currency) == "":
		return config{}, errors.New("currency is required")
	case strings.TrimSpace(cfg.method) == "":
		return config{}, errors.New("payment-method is required")
	}
	return cfg, nil
}

// series накапливает наблюдения по одному типу вызова.
type series struct {
	durations []time.Duration
	failed    int64
	codes     map[string]int64
}

type metrics struct {
	mu     sync.Mutex
	series map[string]*series
}

func newMetrics() *metrics {
	return &metrics{series: make(map[string]*series)}
}

// observe фиксирует вызов; code — HTTP-статус или "error" для транспортного
// сбоя.
func (m *metrics) observe(call string, took time.Duration, code string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.series[call]
	if s == nil {
		s = &series{codes: make(map[string]int64)}
		m.series[call] = s
	}
	s.durations = append(s.durations, took)
	s.codes[code]++
	if !ok {
		s.failed++
	}
}

type callSummary struct {
	Calls     int64            `json:"calls"`
	Failed    int64            `json:"failed"`
	ErrorRate float64          `json:"error_rate"`
	Codes     map[string]int64 `json:"codes"`
	P50Ms     float64          `json:"p50_ms"`
	P95Ms     float64          `json:"p95_ms"`
	P99Ms     float64          `json:"p99_ms"`
	MaxMs     float64          `json:"max_ms"`
}

func (m *metrics) summarize(call string) callSummary {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.series[call]
	if s == nil {
		return callSummary{Codes: map[string]int64{}}
	}

	sorted := make([]time.Duration, len(s.durations))
	copy(sorted, s.durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	codes := make(map[string]int64, len(s.codes))
	for code, n := range s.codes {
		codes[code] = n
	}

	calls := int64(len(sorted))
	summary := callSummary{
		Calls:  calls,
		Failed: s.failed,
		Codes:  codes,
		P50Ms:  quantileMs(sorted, 0.50),
		P95Ms:  quantileMs(sorted, 0.95),
		P99Ms:  quantileMs(sorted, 0.99),
	}
	if calls > 0 {
		summary.ErrorRate = float64(s.failed) / float64(calls)
		summary.MaxMs = ms(sorted[calls-1])
	}
	return summary
}

func (m *metrics) calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.series))
	for name := range m.series {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// quantileMs берёт квантиль методом ближайшего ранга по отсортированной
// выборке.
func quantileMs(sorted []time.Duration, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(q*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return ms(sorted[rank])
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000.0
}

// bench держит всё состояние прогона: конфиг, HTTP-клиент и метрики. runID
// делает user id и idempotency-ключи уникальными между запусками.
type bench struct {
	cfg     config
	client  *http.Client
	metrics *metrics
	runID   string
}

func newBench(cfg config) *bench {
	return &bench{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.timeout},
		metrics: newMetrics(),
		runID:   fmt.Sprintf("%d-%d", time.Now().UnixNano(), os.Getpid()),
	}
}

// run раздаёт сценарии воркерам через атомарный счётчик: никакой очереди,
// каждый воркер сам берёт следующий номер, пока не кончится лимит или время.
func (b *bench) run() {
	var next int64
	var deadline time.Time
	if b.cfg.duration > 0 {
		deadline = time.Now().Add(b.cfg.duration)
	}

	var wg sync.WaitGroup
	for w := 0; w < b.cfg.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				id := atomic.AddInt64(&next, 1)
				if b.cfg.total > 0 && id > b.cfg.total {
					return
				}
				if !deadline.IsZero() && time.Now().After(deadline) {
					return
				}
				b.scenario(id)
			}
		}()
	}
	wg.Wait()
}

// scenario выполняет один проход покупателя: сток → корзина → checkout →
// (опционально) отмена.
func (b *bench) scenario(id int64) {
	start := time.Now()
	err := b.runSteps(id)

	code := "ok"
	if err != nil {
		code = "failed"
	}
	b.metrics.observe("scenario", time.Since(start), code, err == nil)
}

func (b *bench) runSteps(id int64) error {
	userID := fmt.Sprintf("%s-%s-%d", b.cfg.userTag, b.runID, id)

	if _, err := b.post("seed_stock",
		"/inventory/"+b.cfg.sku+"/add",
		map[string]any{"qty": 1}, ""); err != nil {
		return err
	}

	if _, err := b.post("add_cart_item",
		"/cart/"+userID+"/items",
		map[string]any{"sku": b.cfg.sku, "qty": 1, "price_minor": b.cfg.priceMinor}, ""); err != nil {
		return err
	}

	body, err := b.post("checkout", "/checkout", map[string]any{
		"user_id":        userID,
		"payment_method": b.cfg.method,
		"currency":       b.cfg.currency,
		"items": []map[string]any{
			{"sku": b.cfg.sku, "qty": 1, "price_minor": b.cfg.priceMinor},
		},
	}, fmt.Sprintf("lt-%s-%d", b.runID, id))
	if err != nil {
		return err
	}

	var checkout struct {
		OrderID string `json:"order_id"`
	}
	if err := json.Unmarshal(body, &checkout); err != nil {
		return fmt.Errorf("decode checkout response: %w", err)
	}
	if checkout.OrderID == "" {
		return errors.New("checkout returned empty order id")
	}

	if b.shouldCancel(id) {
		if _, err := b.post("cancel_order",
			"/orders/"+checkout.OrderID+"/cancel",
			map[string]any{"reason": "load-cancel"},
			fmt.Sprintf("lt-cancel-%s-%d", b.runID, id)); err != nil {
			return err
		}
	}
	return nil
}

func (b *bench) shouldCancel(id int64) bool {
	return b.cfg.cancelNth > 0 && id%b.cfg.cancelNth == 0
}

// post выполняет JSON POST и учитывает его латентность в метриках.
func (b *bench) post(call, path string, payload any, idempotencyKey string) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", call, err)
	}
	req, err := http.NewRequest(http.MethodPost, b.cfg.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", call, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set(idempotencyHeader, idempotencyKey)
	}

	start := time.Now()
	resp, err := b.client.Do(req)
	took := time.Since(start)
	if err != nil {
		b.metrics.observe(call, took, "error", false)
		return nil, fmt.Errorf("%s: %w", call, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		b.metrics.observe(call, took, "error", false)
		return nil, fmt.Errorf("read %s response: %w", call, err)
	}

	ok := resp.StatusCode < 400
	b.metrics.observe(call, took, strconv.Itoa(resp.StatusCode), ok)
	if !ok {
		return body, fmt.Errorf("%s returned %d: %s", call, resp.StatusCode, body)
	}
	return body, nil
}

type runReport struct {
	StartedAt      time.Time              `json:"started_at"`
	ElapsedSeconds float64                `json:"elapsed_seconds"`
	RPS            float64                `json:"rps"`
	Scenario       callSummary            `json:"scenario"`
	Calls          map[string]callSummary `json:"calls"`
}

func (b *bench) report(startedAt time.Time, elapsed time.Duration) runReport {
	rep := runReport{
		StartedAt:      startedAt.UTC(),
		ElapsedSeconds: elapsed.Seconds(),
		Scenario:       b.metrics.summarize("scenario"),
		Calls:          make(map[string]callSummary),
	}
	if elapsed > 0 {
		rep.RPS = float64(rep.Scenario.Calls) / elapsed.Seconds()
	}
	for _, name := range b.metrics.calls() {
		if name == "scenario" {
			continue
		}
		rep.Calls[name] = b.metrics.summarize(name)
	}
	return rep
}

func renderReport(w io.Writer, rep runReport) {
	fmt.Fprintf(w, "scenarios=%d failed=%d error_rate=%.4f rps=%.2f elapsed=%.2fs\n",
		rep.Scenario.Calls, rep.Scenario.Failed, rep.Scenario.ErrorRate, rep.RPS, rep.ElapsedSeconds)
	fmt.Fprintf(w, "scenario latency ms: p50=%.2f p95=%.2f p99=%.2f max=%.2f\n",
		rep.Scenario.P50Ms, rep.Scenario.P95Ms, rep.Scenario.P99Ms, rep.Scenario.MaxMs)

	names := make([]string, 0, len(rep.Calls))
	for name := range rep.Calls {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		s := rep.Calls[name]
		fmt.Fprintf(w, "%s: calls=%d failed=%d error_rate=%.4f p95=%.2fms\n",
			name, s.Calls, s.Failed, s.ErrorRate, s.P95Ms)
	}
}

func writeReport(path string, rep runReport) error {
	raw, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	if err := os.WriteFile(path, append(raw, '\n'), 0o600); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

func main() {
	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	b := newBench(cfg)
	startedAt := time.Now()
	b.run()
	rep := b.report(startedAt, time.Since(startedAt))

	renderReport(os.Stdout, rep)
	if cfg.reportPath != "" {
		if err := writeReport(cfg.reportPath, rep); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
	if rep.Scenario.Failed > 0 {
		os.Exit(1)
	}
}
