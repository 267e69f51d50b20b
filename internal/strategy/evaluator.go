// Package strategy decides whether a wallet's filter set accepts a token.
// Evaluation is pure: no I/O, and the clock is passed in.
package strategy

import (
	"fmt"
	"strings"
	"time"

	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/model"
)

// DefaultExclusivePrefix marks addresses minted by the launchpad's vanity deployer.
const DefaultExclusivePrefix = "0x4444"

// secondsThreshold separates second and millisecond timestamps.
const secondsThreshold = 10_000_000_000

// Check is the outcome of one enabled filter.
type Check struct {
	Name   string
	Passed bool
	Reason string
}

// Result is the outcome of evaluating a whole filter set.
type Result struct {
	Match  bool
	Checks []Check
}

// Reasons returns the reasons of the failed checks.
func (r Result) Reasons() []string {
	var out []string
	for _, c := range r.Checks {
		if !c.Passed {
			out = append(out, c.Reason)
		}
	}
	return out
}

// Evaluator holds the static inputs shared by every evaluation.
type Evaluator struct {
	ExclusivePrefix string
}

// New returns an evaluator using prefix for the exclusive-origin filter.
func New(prefix string) Evaluator {
	if prefix == "" {
		prefix = DefaultExclusivePrefix
	}
	return Evaluator{ExclusivePrefix: strings.ToLower(prefix)}
}

// Sniper evaluates a mempool-sourced launch. A missing creation time passes
// the launch-age filter here: freshly launched tokens are often not indexed yet.
func (e Evaluator) Sniper(f model.SniperFilter, token model.TokenSnapshot, now time.Time) Result {
	var checks []Check
	if f.RequireSocial {
		checks = append(checks, socialCheck(token.Meta))
	}
	if f.MinHolders > 0 {
		checks = append(checks, holdersCheck(token.Dynamic, f.MinHolders))
	}
	if f.Top10MaxPct > 0 && f.Top10MaxPct < 100 {
		checks = append(checks, top10Check(token.Dynamic, f.Top10MaxPct))
	}
	if f.ExclusiveOrigin {
		checks = append(checks, e.exclusiveCheck(token.Address))
	}
	if f.MaxLaunchMinutes > 0 {
		checks = append(checks, launchAgeCheck(token.Meta, f.MaxLaunchMinutes, now, true))
	}
	return combine(checks)
}

// Sweep evaluates an event-sourced opportunity. Missing data fails every
// numeric filter.
func (e Evaluator) Sweep(f model.SweepFilter, token model.TokenSnapshot, now time.Time) Result {
	var checks []Check
	if f.RequireSocial {
		checks = append(checks, socialCheck(token.Meta))
	}
	if f.MinHolders > 0 {
		checks = append(checks, holdersCheck(token.Dynamic, f.MinHolders))
	}
	if f.Top10MaxPct > 0 && f.Top10MaxPct < 100 {
		checks = append(checks, top10Check(token.Dynamic, f.Top10MaxPct))
	}
	if f.ProgressMinPct > 0 {
		checks = append(checks, progressCheck(token.Dynamic, f.ProgressMinPct))
	}
	if f.MaxLaunchMinutes > 0 {
		checks = append(checks, launchAgeCheck(token.Meta, f.MaxLaunchMinutes, now, false))
	}
	return combine(checks)
}

func combine(checks []Check) Result {
	res := Result{Match: true, Checks: checks}
	for _, c := range checks {
		if !c.Passed {
			res.Match = false
		}
	}
	return res
}

func socialCheck(meta *model.TokenMeta) Check {
	if meta.HasSocial() {
		return Check{Name: "social", Passed: true, Reason: "has social links"}
	}
	return Check{Name: "social", Reason: "no social links"}
}

func holdersCheck(d *model.TokenDynamic, min int64) Check {
	c := Check{Name: "min_holders"}
	switch {
	case d == nil || d.Holders == nil:
		c.Reason = "holder count unavailable"
	case *d.Holders < 0:
		c.Reason = fmt.Sprintf("holder count invalid (%d)", *d.Holders)
	case *d.Holders < min:
		c.Reason = fmt.Sprintf("holder count too low (%d < %d)", *d.Holders, min)
	default:
		c.Passed = true
		c.Reason = fmt.Sprintf("holder count ok (%d >= %d)", *d.Holders, min)
	}
	return c
}

func top10Check(d *model.TokenDynamic, max float64) Check {
	c := Check{Name: "top10_max"}
	switch {
	case d == nil || d.Top10Pct == nil:
		c.Reason = "top10 concentration unavailable"
	case *d.Top10Pct < 0 || *d.Top10Pct > 100:
		c.Reason = fmt.Sprintf("top10 concentration invalid (%.2f%%)", *d.Top10Pct)
	case *d.Top10Pct > max:
		c.Reason = fmt.Sprintf("top10 concentration too high (%.2f%% > %.2f%%)", *d.Top10Pct, max)
	default:
		c.Passed = true
		c.Reason = fmt.Sprintf("top10 concentration ok (%.2f%% <= %.2f%%)", *d.Top10Pct, max)
	}
	return c
}

func progressCheck(d *model.TokenDynamic, min float64) Check {
	c := Check{Name: "progress_min"}
	switch {
	case d == nil || d.Progress == nil:
		c.Reason = "progress unavailable"
	case *d.Progress < min:
		c.Reason = fmt.Sprintf("progress too low (%.2f%% < %.2f%%)", *d.Progress, min)
	default:
		c.Passed = true
		c.Reason = fmt.Sprintf("progress ok (%.2f%% >= %.2f%%)", *d.Progress, min)
	}
	return c
}

func (e Evaluator) exclusiveCheck(address string) Check {
	prefix := e.ExclusivePrefix
	if prefix == "" {
		prefix = DefaultExclusivePrefix
	}
	if strings.HasPrefix(strings.ToLower(address), prefix) {
		return Check{Name: "exclusive_origin", Passed: true, Reason: "exclusive origin address"}
	}
	return Check{Name: "exclusive_origin", Reason: fmt.Sprintf("address does not start with %s", prefix)}
}

func launchAgeCheck(meta *model.TokenMeta, maxMinutes int64, now time.Time, missingPasses bool) Check {
	c := Check{Name: "max_launch_minutes"}
	if meta == nil || meta.CreateTime == nil || *meta.CreateTime <= 0 {
		c.Passed = missingPasses
		c.Reason = "launch time unavailable"
		return c
	}

	created := LaunchTime(*meta.CreateTime)
	age := now.Sub(created).Minutes()
	if age > float64(maxMinutes) {
		c.Reason = fmt.Sprintf("launched too long ago (%.1f > %d minutes)", age, maxMinutes)
		return c
	}
	c.Passed = true
	c.Reason = fmt.Sprintf("launch age ok (%.1f <= %d minutes)", age, maxMinutes)
	return c
}

// LaunchTime accepts a unix timestamp in seconds or milliseconds.
func LaunchTime(ts int64) time.Time {
	if ts < secondsThreshold {
		return time.Unix(ts, 0)
	}
	return time.UnixMilli(ts)
}
