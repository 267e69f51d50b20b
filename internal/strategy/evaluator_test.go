package strategy

import (
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/model"
)

func int64p(v int64) *int64       { return &v }
func float64p(v float64) *float64 { return &v }

var now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func snapshot(holders int64, top10 float64) model.TokenSnapshot {
	return model.TokenSnapshot{
		Address: "0x4444aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		Dynamic: &model.TokenDynamic{Holders: int64p(holders), Top10Pct: float64p(top10)},
		Meta:    &model.TokenMeta{Symbol: "MEME"},
	}
}

func TestEmptyFilterAlwaysMatches(t *testing.T) {
	e := New("")
	res := e.Sniper(model.SniperFilter{}, model.TokenSnapshot{}, now)
	assert.True(t, res.Match)
	assert.Empty(t, res.Checks)

	res = e.Sweep(model.SweepFilter{Top10MaxPct: 100}, model.TokenSnapshot{}, now)
	assert.True(t, res.Match)
}

func TestTop10OnlyCheckedInsideRange(t *testing.T) {
	e := New("")
	token := snapshot(120, 80)
	for _, max := range []float64{0, 100, 150} {
		assert.True(t, e.Sniper(model.SniperFilter{Top10MaxPct: max}, token, now).Match, "max %v", max)
		assert.True(t, e.Sweep(model.SweepFilter{Top10MaxPct: max}, token, now).Match, "max %v", max)
	}
	assert.False(t, e.Sniper(model.SniperFilter{Top10MaxPct: 79.9}, token, now).Match)
	assert.False(t, e.Sweep(model.SweepFilter{Top10MaxPct: 0.5}, token, now).Match)
	assert.True(t, e.Sweep(model.SweepFilter{Top10MaxPct: 80}, token, now).Match)
}

func TestMinHolders(t *testing.T) {
	e := New("")
	token := snapshot(120, 10)

	res := e.Sniper(model.SniperFilter{MinHolders: 100}, token, now)
	assert.True(t, res.Match)

	res = e.Sniper(model.SniperFilter{MinHolders: 150}, token, now)
	require.False(t, res.Match)
	require.Len(t, res.Reasons(), 1)
	assert.Contains(t, res.Reasons()[0], "120 < 150")
}

func TestNumericFiltersFailClosed(t *testing.T) {
	e := New("")
	missing := model.TokenSnapshot{Address: "0x1234"}

	assert.False(t, e.Sniper(model.SniperFilter{MinHolders: 1}, missing, now).Match)
	assert.False(t, e.Sniper(model.SniperFilter{Top10MaxPct: 50}, missing, now).Match)
	assert.False(t, e.Sweep(model.SweepFilter{ProgressMinPct: 10}, missing, now).Match)

	invalid := model.TokenSnapshot{Dynamic: &model.TokenDynamic{Holders: int64p(-1)}}
	assert.False(t, e.Sweep(model.SweepFilter{MinHolders: 1}, invalid, now).Match)
}

func TestLaunchAgeMissingDataAsymmetry(t *testing.T) {
	e := New("")
	token := snapshot(10, 10)

	assert.True(t, e.Sniper(model.SniperFilter{MaxLaunchMinutes: 5}, token, now).Match)
	assert.False(t, e.Sweep(model.SweepFilter{MaxLaunchMinutes: 5}, token, now).Match)
}

func TestLaunchAgeNormalizesSeconds(t *testing.T) {
	e := New("")
	f := model.SweepFilter{MaxLaunchMinutes: 10}

	token := snapshot(10, 10)
	token.Meta.CreateTime = int64p(now.Add(-5 * time.Minute).Unix())
	assert.True(t, e.Sweep(f, token, now).Match)

	token.Meta.CreateTime = int64p(now.Add(-5 * time.Minute).UnixMilli())
	assert.True(t, e.Sweep(f, token, now).Match)

	token.Meta.CreateTime = int64p(now.Add(-30 * time.Minute).UnixMilli())
	assert.False(t, e.Sweep(f, token, now).Match)
}

func TestTop10AndSocialAndExclusive(t *testing.T) {
	e := New("")
	token := snapshot(500, 42)

	res := e.Sniper(model.SniperFilter{Top10MaxPct: 40, RequireSocial: true, ExclusiveOrigin: true}, token, now)
	require.False(t, res.Match)
	assert.Len(t, res.Reasons(), 2)

	token.Meta.Links = []model.TokenLink{{Label: "tg", URL: "https://t.me/meme"}}
	res = e.Sniper(model.SniperFilter{Top10MaxPct: 50, RequireSocial: true, ExclusiveOrigin: true}, token, now)
	assert.True(t, res.Match)

	token.Address = "0x1234aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	res = e.Sniper(model.SniperFilter{ExclusiveOrigin: true}, token, now)
	assert.False(t, res.Match)
}

func TestEvaluationIsIdempotent(t *testing.T) {
	e := New("")
	f := model.SweepFilter{MinHolders: 200, Top10MaxPct: 30, ProgressMinPct: 50, RequireSocial: true}
	token := snapshot(120, 35)
	token.Dynamic.Progress = float64p(10)

	first := e.Sweep(f, token, now)
	second := e.Sweep(f, token, now)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("results differ: %+v != %+v", first, second)
	}
}
