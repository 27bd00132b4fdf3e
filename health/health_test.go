package health

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"

	"github.com/aluiziolira/go-realty-radar/config"
	"github.com/aluiziolira/go-realty-radar/fetcher"
	"github.com/aluiziolira/go-realty-radar/metrics"
	"github.com/aluiziolira/go-realty-radar/models"
	"github.com/aluiziolira/go-realty-radar/parser"
	"github.com/jarcoal/httpmock"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

const detailURL = "https://www.reality.sk/byty/trnavska-cesta-2-izbovy-byt-123456"

func newChecker(t *testing.T, transport http.RoundTripper) (*Checker, *metrics.Metrics) {
	t.Helper()
	cfg := config.DefaultConfig()
	if err := cfg.LoadTables(); err != nil {
		t.Fatalf("load tables: %v", err)
	}
	ex, err := parser.NewExtractor(cfg)
	if err != nil {
		t.Fatalf("extractor: %v", err)
	}
	m := metrics.New()
	return NewChecker(cfg, fetcher.NewPool(cfg, transport, m, nil), ex, m, nil), m
}

func page(price string) string {
	return `<html><body><h1>2-izbový byt</h1><div class="detail-price">` + price + `</div></body></html>`
}

func TestCheckClassification(t *testing.T) {
	tests := []struct {
		name      string
		responder httpmock.Responder
		want      Outcome
		reason    models.RemovalReason
		newPrice  int64
		errType   string
	}{
		{
			name:      "unchanged price",
			responder: httpmock.NewStringResponder(http.StatusOK, page("185 000 €")),
			want:      Unchanged,
		},
		{
			name:      "price drop",
			responder: httpmock.NewStringResponder(http.StatusOK, page("169 900 €")),
			want:      PriceChanged,
			newPrice:  169900,
		},
		{
			name:      "404 is removal with unknown reason",
			responder: httpmock.NewStringResponder(http.StatusNotFound, "not here"),
			want:      Inactive,
			reason:    models.ReasonUnknown,
		},
		{
			name:      "sold phrase",
			responder: httpmock.NewStringResponder(http.StatusOK, `<html><body><p>Táto ponuka už nie je aktuálna.</p></body></html>`),
			want:      Inactive,
			reason:    models.ReasonSold,
		},
		{
			name: "negated sold word is not removal",
			responder: httpmock.NewStringResponder(http.StatusOK,
				`<html><body><p>Stav: nepredané, ponuka nebola predaná</p><div class="detail-price">185 000 €</div></body></html>`),
			want: Unchanged,
		},
		{
			name:      "410 is inconclusive",
			responder: httpmock.NewStringResponder(http.StatusGone, "gone"),
			want:      Inconclusive,
			errType:   "other",
		},
		{
			name:      "server error is inconclusive",
			responder: httpmock.NewStringResponder(http.StatusBadGateway, "bad gateway"),
			want:      Inconclusive,
			errType:   "server_error",
		},
		{
			name:      "forbidden is inconclusive",
			responder: httpmock.NewStringResponder(http.StatusForbidden, "blocked"),
			want:      Inconclusive,
			errType:   "forbidden",
		},
		{
			name:      "network error is inconclusive",
			responder: httpmock.NewErrorResponder(&net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}),
			want:      Inconclusive,
			errType:   "connection",
		},
		{
			name:      "missing price is inconclusive",
			responder: httpmock.NewStringResponder(http.StatusOK, `<html><body><p>Cena dohodou</p></body></html>`),
			want:      Inconclusive,
			errType:   "no_price",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transport := httpmock.NewMockTransport()
			transport.RegisterResponder("GET", detailURL, tt.responder)
			checker, _ := newChecker(t, transport)

			got := checker.Check(context.Background(), Target{ListingID: 1, Source: "reality", URL: detailURL, Price: 185000})
			if got.Outcome != tt.want {
				t.Fatalf("outcome = %v (%s), want %v", got.Outcome, got.Note, tt.want)
			}
			if got.Reason != tt.reason {
				t.Fatalf("reason = %q, want %q", got.Reason, tt.reason)
			}
			if got.NewPrice != tt.newPrice {
				t.Fatalf("new price = %d, want %d", got.NewPrice, tt.newPrice)
			}
			if got.OldPrice != 185000 {
				t.Fatalf("old price = %d", got.OldPrice)
			}
			if got.ErrorType != tt.errType {
				t.Fatalf("error type = %q, want %q", got.ErrorType, tt.errType)
			}
			if got.Outcome == Inconclusive && got.Note == "" {
				t.Fatalf("inconclusive result must carry a note")
			}
		})
	}
}

func TestCheckUnknownSource(t *testing.T) {
	checker, _ := newChecker(t, httpmock.NewMockTransport())
	got := checker.Check(context.Background(), Target{Source: "nope", URL: "https://portal.invalid/byt-1"})
	if got.Outcome != Inconclusive || got.ErrorType != "config" {
		t.Fatalf("result = %+v", got)
	}
}

func TestCheckFallsBackToSourceHost(t *testing.T) {
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", detailURL, httpmock.NewStringResponder(http.StatusOK, page("185 000 €")))
	checker, _ := newChecker(t, transport)

	got := checker.Check(context.Background(), Target{Source: "reality-old", URL: detailURL, Price: 185000})
	if got.Outcome != Unchanged {
		t.Fatalf("result = %+v, want unchanged via host lookup", got)
	}
}

func TestCheckRecordsMetrics(t *testing.T) {
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", detailURL, httpmock.NewStringResponder(http.StatusNotFound, ""))
	checker, m := newChecker(t, transport)

	checker.Check(context.Background(), Target{Source: "reality", URL: detailURL, Price: 1})
	if got := testutil.ToFloat64(m.HealthChecks.WithLabelValues("inactive")); got != 1 {
		t.Fatalf("inactive checks = %v", got)
	}
}
