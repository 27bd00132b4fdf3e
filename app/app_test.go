package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aluiziolira/go-realty-radar/config"
	"github.com/aluiziolira/go-realty-radar/models"
)

const (
	nehnutelnostiPage = "https://www.nehnutelnosti.sk/byty/predaj/1/"
	realityPage       = "https://www.reality.sk/byty/1/"

	nehnutelnostiDetail = "https://www.nehnutelnosti.sk/detail/JuQ3x9aB/3-izbovy-byt-petrzalka"
	realityDetail       = "https://www.reality.sk/byty/bratislava-petrzalka/3-izbovy-byt-romanova-654321/"
)

const nehnutelnostiHTML = `<html><body>
<div class="advertisement-item" data-id="JuQ3x9aB">
  <h2><a href="/detail/JuQ3x9aB/3-izbovy-byt-petrzalka">3-izbový byt, Romanova</a></h2>
  <div class="advertisement-item--content__price">189 000 €</div>
  <div class="advertisement-item--content__info">3-izbový byt • 72 m²</div>
  <div class="advertisement-item--content__info--address">Bratislava-Petržalka, Romanova 12</div>
</div>
</body></html>`

const realityHTML = `<html><body>
<div class="offer" data-offer-id="654321">
  <a class="offer-title" href="/byty/bratislava-petrzalka/3-izbovy-byt-romanova-654321/">3-izbový byt, Romanova</a>
  <div class="offer-price">185 000 €</div>
  <div class="offer-params">3 izby, 71 m²</div>
  <div class="offer-location">Bratislava-Petržalka, Romanova 12</div>
</div>
</body></html>`

func testConfig(t *testing.T, redisAddr string) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	require.NoError(t, cfg.LoadTables())

	var sources []config.SourceConfig
	for _, name := range []string{"nehnutelnosti", "reality"} {
		src, ok := cfg.Source(name)
		require.True(t, ok, name)
		s := *src
		s.ExpectedPerPage = 1
		sources = append(sources, s)
	}
	sources[0].Categories = []config.CategoryConfig{{Name: "byty", URL: "https://www.nehnutelnosti.sk/byty/predaj/{page}/", Kind: "sale"}}
	sources[1].Categories = []config.CategoryConfig{{Name: "byty", URL: "https://www.reality.sk/byty/{page}/", Kind: "sale"}}
	cfg.Sources = sources

	cfg.Delay, cfg.RandomDelay = 0, 0
	cfg.HealthDelay, cfg.HealthRandomDelay = 0, 0
	cfg.RedisAddr = redisAddr
	return cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPipelineEndToEnd(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t, mr.Addr())
	require.NoError(t, cfg.Validate())

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder(http.MethodGet, nehnutelnostiPage, httpmock.NewStringResponder(http.StatusOK, nehnutelnostiHTML))
	transport.RegisterResponder(http.MethodGet, realityPage, httpmock.NewStringResponder(http.StatusOK, realityHTML))

	ctx := context.Background()
	a, err := Build(ctx, cfg, quietLogger(), Options{Transport: transport})
	require.NoError(t, err)
	defer a.Close(ctx)

	reports, err := a.Crawler.RunAll(ctx, nil, 1)
	require.NoError(t, err)
	require.Len(t, reports, 2)
	for _, r := range reports {
		assert.Equal(t, models.RunSuccess, r.Status, "%s: %v", r.Source, r.ErrorSample)
		assert.Equal(t, 1, r.New, r.Source)
	}

	neh, err := a.Repo.FindListingByKey(ctx, "nehnutelnosti", models.Some("JuQ3x9aB"), "")
	require.NoError(t, err)
	rea, err := a.Repo.FindListingByKey(ctx, "reality", models.Some("654321"), "")
	require.NoError(t, err)

	matches, err := a.Repo.MatchesFor(ctx, neh.ID)
	require.NoError(t, err)
	require.Len(t, matches, 1, "the same flat on two portals is one match")
	assert.ElementsMatch(t, []int64{neh.ID, rea.ID}, []int64{matches[0].PrimaryID, matches[0].MatchedID})

	// Sweep: one portal dropped its price, the other took the ad down.
	transport.RegisterResponder(http.MethodGet, realityDetail,
		httpmock.NewStringResponder(http.StatusOK, `<html><body><div class="detail-price">175 000 €</div></body></html>`))
	transport.RegisterResponder(http.MethodGet, nehnutelnostiDetail,
		httpmock.NewStringResponder(http.StatusNotFound, "not found"))

	sweep, err := a.Sweeper.Run(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, sweep.Checked)
	assert.Equal(t, 1, sweep.PriceChanged)
	assert.Equal(t, 1, sweep.Removed)

	rea, err = a.Repo.GetListing(ctx, rea.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(175000), rea.Price)
	history, err := a.Repo.PriceHistory(ctx, rea.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)

	neh, err = a.Repo.GetListing(ctx, neh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRemoved, neh.Status)

	entries, err := a.Redis.XRange(ctx, cfg.EventsStream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "175000", entries[0].Values["new_price"])
	assert.Equal(t, "185000", entries[0].Values["old_price"])

	saved, err := a.Repo.RunReports(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, saved, 2)
}

func TestBuildFailsOnUnreachableRedis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	cfg := testConfig(t, mr.Addr())
	mr.Close()

	_, err = Build(context.Background(), cfg, quietLogger(), Options{})
	require.Error(t, err)
}

func TestBuildWithoutRedis(t *testing.T) {
	cfg := testConfig(t, "")
	a, err := Build(context.Background(), cfg, quietLogger(), Options{})
	require.NoError(t, err)
	defer a.Close(context.Background())

	assert.Nil(t, a.Redis)
	assert.Nil(t, a.Archive)
	assert.NotNil(t, a.Crawler)
	assert.NotNil(t, a.Sweeper)
}
