// Package fetcher retrieves raw pages from listing sources. Every call picks a
// random identity header set and reports timeouts, network failures and
// non-2xx statuses as a Result rather than an error. It never retries.
package fetcher

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"time"

	"github.com/aluiziolira/go-realty-radar/config"
	"github.com/aluiziolira/go-realty-radar/metrics"
	"github.com/gocolly/colly/v2"
)

// DefaultTimeout applies when a source does not configure one.
const DefaultTimeout = 10 * time.Second

// Kind classifies a fetch result.
type Kind int

const (
	KindOK Kind = iota
	KindTimeout
	KindNetworkError
	KindHTTPError
)

func (k Kind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindTimeout:
		return "timeout"
	case KindNetworkError:
		return "network_error"
	case KindHTTPError:
		return "http_error"
	default:
		return "unknown"
	}
}

// Result is the outcome of one fetch. Body and Status are set for KindOK and
// KindHTTPError; Err is set for every kind except KindOK.
type Result struct {
	Kind     Kind
	URL      string
	Status   int
	Body     []byte
	Header   http.Header
	Err      error
	Duration time.Duration
}

// OK reports a 2xx response.
func (r Result) OK() bool {
	return r.Kind == KindOK
}

// NotFound reports an HTTP 404, the one status treated as a removal signal.
func (r Result) NotFound() bool {
	return r.Kind == KindHTTPError && r.Status == http.StatusNotFound
}

// Transient reports whether retrying the same URL later may succeed.
func (r Result) Transient() bool {
	return r.Kind != KindOK && IsTransient(r.Err)
}

// ErrorType labels the failure for per-type counts.
func (r Result) ErrorType() string {
	if r.Kind == KindOK {
		return ""
	}
	return ErrorType(r.Err)
}

// Options configures a Fetcher.
type Options struct {
	Source     string
	Timeout    time.Duration
	Identities []Identity
	Transport  http.RoundTripper
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// Fetcher issues single GET requests through a synchronous colly collector.
// It is safe for concurrent use.
type Fetcher struct {
	source     string
	timeout    time.Duration
	collector  *colly.Collector
	identities []Identity
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

const resultKey = "result"

// New builds a Fetcher.
func New(opts Options) *Fetcher {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	identities := opts.Identities
	if len(identities) == 0 {
		identities = DefaultIdentities
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	collector := colly.NewCollector()
	collector.AllowURLRevisit = true
	collector.ParseHTTPErrorResponse = true
	collector.SetRequestTimeout(timeout)
	if opts.Transport != nil {
		collector.WithTransport(opts.Transport)
	} else {
		collector.WithTransport(&http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   timeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:        100,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		})
	}

	collector.OnResponse(func(r *colly.Response) {
		res, ok := r.Ctx.GetAny(resultKey).(*Result)
		if !ok {
			return
		}
		res.Status = r.StatusCode
		res.Body = r.Body
		if r.Headers != nil {
			res.Header = r.Headers.Clone()
		}
	})

	return &Fetcher{
		source:     opts.Source,
		timeout:    timeout,
		collector:  collector,
		identities: identities,
		metrics:    opts.Metrics,
		logger:     logger.With(slog.String("source", opts.Source)),
	}
}

// Timeout returns the per-request timeout.
func (f *Fetcher) Timeout() time.Duration {
	return f.timeout
}

// Fetch retrieves rawURL once.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) Result {
	res := &Result{URL: rawURL}
	if err := ctx.Err(); err != nil {
		res.Kind = KindNetworkError
		res.Err = classifyError(err, 0)
		return *res
	}

	identity := f.identities[rand.IntN(len(f.identities))]
	collyCtx := colly.NewContext()
	collyCtx.Put(resultKey, res)

	start := time.Now()
	err := f.collector.Request(http.MethodGet, rawURL, nil, collyCtx, identity.Header())
	res.Duration = time.Since(start)

	switch {
	case err != nil:
		res.Err = classifyError(err, 0)
		var timeout ErrTimeout
		if errors.As(res.Err, &timeout) {
			res.Kind = KindTimeout
		} else {
			res.Kind = KindNetworkError
		}
	case res.Status >= 200 && res.Status < 300:
		res.Kind = KindOK
	default:
		res.Kind = KindHTTPError
		res.Err = classifyError(nil, res.Status)
	}

	f.metrics.ObserveFetch(f.source, res.Duration)
	f.metrics.IncFetch(f.source, res.Kind.String())
	if res.Kind != KindOK {
		f.metrics.IncError(ErrorType(res.Err))
		f.logger.Debug("fetch failed",
			slog.String("url", rawURL),
			slog.String("kind", res.Kind.String()),
			slog.Int("status", res.Status),
			slog.Any("error", res.Err),
		)
	}
	return *res
}

// Pool holds one Fetcher per configured source so each source keeps its own
// timeout.
type Pool struct {
	bySource map[string]*Fetcher
	fallback *Fetcher
}

// NewPool builds fetchers for every source in cfg. transport may be nil.
func NewPool(cfg *config.Config, transport http.RoundTripper, m *metrics.Metrics, logger *slog.Logger) *Pool {
	p := &Pool{bySource: make(map[string]*Fetcher, len(cfg.Sources))}
	for i := range cfg.Sources {
		src := &cfg.Sources[i]
		p.bySource[src.Name] = New(Options{
			Source:    src.Name,
			Timeout:   src.Timeout(cfg.Timeout),
			Transport: transport,
			Metrics:   m,
			Logger:    logger,
		})
	}
	p.fallback = New(Options{
		Source:    "default",
		Timeout:   cfg.Timeout,
		Transport: transport,
		Metrics:   m,
		Logger:    logger,
	})
	return p
}

// For returns the fetcher of the named source, or a default one.
func (p *Pool) For(source string) *Fetcher {
	if f, ok := p.bySource[source]; ok {
		return f
	}
	return p.fallback
}
