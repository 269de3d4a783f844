package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type loadMode string

const (
	// modeOrder шлёт только заказы неизвестных клиентов: они ждут профиль.
	modeOrder loadMode = "order"
	// modeCustomerOrder шлёт клиента, затем заказ; часть заказов отменяется по cancel-rate.
	modeCustomerOrder loadMode = "customer-order"
	// modeOrderCancel отменяет каждый заказ.
	modeOrderCancel loadMode = "order-cancel"
)

type config struct {
	baseURL      string
	total        int
	totalSet     bool
	duration     time.Duration
	concurrency  int
	timeout      time.Duration
	mode         loadMode
	cancelRate   int
	businessRate int
	country      string
	currency     string
	amount       decimal.Decimal
	customerTag  string
	outputPath   string
}

func parseConfig(args []string) (config, error) {
	var (
		cfg        config
		modeValue  string
		amountText string
	)

	flags := flag.NewFlagSet("loadtest", flag.ContinueOnError)
	flags.SetOutput(io.Discard)
	flags.StringVar(&cfg.baseURL, "url", "http://localhost:8080", "invoice-service HTTP base URL")
	flags.IntVar(&cfg.total, "total", 400, "total scenarios to execute in count mode; in duration mode only used when explicitly set")
	flags.DurationVar(&cfg.duration, "duration", 0, "optional time-based run duration (e.g. 10m)")
	flags.IntVar(&cfg.concurrency, "concurrency", 40, "number of concurrent workers")
	flags.DurationVar(&cfg.timeout, "timeout", 5*time.Second, "per-request timeout")
	flags.StringVar(&modeValue, "mode", string(modeCustomerOrder), "load mode: order | customer-order | order-cancel")
	flags.IntVar(&cfg.cancelRate, "cancel-rate", 0, "cancel probability in percent for customer-order mode (0..100)")
	flags.IntVar(&cfg.businessRate, "business-rate", 50, "share of customers with a qualified billing profile in percent (0..100)")
	flags.StringVar(&cfg.country, "country", "IT", "billing country of generated orders")
	flags.StringVar(&cfg.currency, "currency", "EUR", "order currency")
	flags.StringVar(&amountText, "amount", "122.00", "base order total")
	flags.StringVar(&cfg.customerTag, "customer-tag", "load", "customer id prefix")
	flags.StringVar(&cfg.outputPath, "output", "", "optional JSON report output file path")
	if err := flags.Parse(args); err != nil {
		return cfg, err
	}

	flags.Visit(func(f *flag.Flag) {
		if f.Name == "total" {
			cfg.totalSet = true
		}
	})

	mode, err := parseMode(modeValue)
	if err != nil {
		return cfg, err
	}
	cfg.mode = mode

	amount, err := decimal.NewFromString(strings.TrimSpace(amountText))
	if err != nil {
		return cfg, fmt.Errorf("parse amount: %w", err)
	}
	cfg.amount = amount
	cfg.country = strings.ToUpper(strings.TrimSpace(cfg.country))
	cfg.currency = strings.ToUpper(strings.TrimSpace(cfg.currency))

	switch {
	case strings.TrimSpace(cfg.baseURL) == "":
		return cfg, errors.New("url is required")
	case cfg.duration < 0:
		return cfg, errors.New("duration must be >= 0")
	case cfg.duration == 0 && cfg.total <= 0:
		return cfg, errors.New("total must be > 0 when duration is not set")
	case cfg.duration > 0 && cfg.totalSet && cfg.total <= 0:
		return cfg, errors.New("total must be > 0 when explicitly set with duration")
	case cfg.concurrency <= 0:
		return cfg, errors.New("concurrency must be > 0")
	case cfg.timeout <= 0:
		return cfg, errors.New("timeout must be > 0")
	case !cfg.amount.IsPositive():
		return cfg, errors.New("amount must be > 0")
	case cfg.cancelRate < 0 || cfg.cancelRate > 100:
		return cfg, errors.New("cancel-rate must be between 0 and 100")
	case cfg.businessRate < 0 || cfg.businessRate > 100:
		return cfg, errors.New("business-rate must be between 0 and 100")
	case len(cfg.country) != 2:
		return cfg, errors.New("country must be a 2-letter code")
	case len(cfg.currency) != 3:
		return cfg, errors.New("currency must be a 3-letter code")
	case strings.TrimSpace(cfg.customerTag) == "":
		return cfg, errors.New("customer-tag is required")
	}

	return cfg, nil
}

func parseMode(value string) (loadMode, error) {
	switch mode := loadMode(strings.TrimSpace(value)); mode {
	case modeOrder, modeCustomerOrder, modeOrderCancel:
		return mode, nil
	default:
		return "", fmt.Errorf("unsupported mode: %s", value)
	}
}

func main() {
	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(2)
	}

	result := run(cfg, http.DefaultTransport)
	printReport(os.Stdout, result, cfg)
	if cfg.outputPath != "" {
		if err := writeJSONReport(cfg.outputPath, result); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "failed to write report: %v\n", err)
			os.Exit(1)
		}
	}
	if result.FailedScenarios > 0 {
		os.Exit(1)
	}
}

// run запускает cfg.concurrency воркеров и собирает отчёт.
func run(cfg config, transport http.RoundTripper) report {
	startedAt := time.Now()
	runID := uuid.NewString()[:8]
	col := newCollector()
	client := newEventClient(cfg.baseURL, cfg.timeout, col, transport)

	jobs := make(chan int, cfg.concurrency*2)
	var wg sync.WaitGroup
	for range cfg.concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for index := range jobs {
				_ = runScenario(client, cfg, index, runID)
			}
		}()
	}

	dispatchJobs(jobs, cfg)
	wg.Wait()

	return col.buildReport(runID, startedAt, time.Since(startedAt))
}

func dispatchJobs(jobs chan<- int, cfg config) {
	defer close(jobs)

	if cfg.duration <= 0 {
		for i := 0; i < cfg.total; i++ {
			jobs <- i
		}
		return
	}

	timer := time.NewTimer(cfg.duration)
	defer timer.Stop()

	for i := 0; ; i++ {
		if cfg.totalSet && i >= cfg.total {
			return
		}
		select {
		case <-timer.C:
			return
		case jobs <- i:
		}
	}
}
