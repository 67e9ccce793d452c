// Package clientprefetch prefetches predicted routes in the browser through
// the page's navigation capability.
//
// Everything here is best-effort: the executor never returns an error and
// never lets a panic from the page escape.
package clientprefetch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// RetryDelay is how long the executor waits before its single retry for the capability.
const RetryDelay = 100 * time.Millisecond

// Navigator prefetches one route.
type Navigator interface {
	Prefetch(route string) error
}

// Capability returns the navigator once the page has one.
type Capability func() (Navigator, bool)

// Scheduler defers work until the page allows it.
type Scheduler interface {
	// AfterLoad returns once the document has fully loaded.
	AfterLoad(ctx context.Context) error
	// Idle returns when the page is idle.
	Idle(ctx context.Context) error
	Sleep(ctx context.Context, d time.Duration) error
}

type Report struct {
	// Ready is false when the capability never became available.
	Ready   bool
	Retried bool
	// Prefetched and Failed hold normalised routes.
	Prefetched []string
	Failed     []string
}

type Executor struct {
	// TimerScheduler if nil.
	Scheduler Scheduler
	// RetryDelay if zero.
	RetryDelay time.Duration
	Logger     *zerolog.Logger
}

// Run waits for load and idle time, then prefetches every route on its own.
//
// The capability is checked once after idle and once more RetryDelay later,
// so a page script started at t0 gives up at t0 + load + idle + RetryDelay.
// Readiness is judged against that clock: without any load or idle wait
// (TimerScheduler) a capability that appears more than RetryDelay after Run
// is called is never used.
func (e *Executor) Run(ctx context.Context, capability Capability, routes []string) (report Report) {
	logger := e.logger()
	defer func() {
		if r := recover(); r != nil {
			logger.Debug().Interface("panic", r).Msg("Prefetch aborted")
		}
	}()

	routes = Normalize(routes)
	if len(routes) == 0 || capability == nil {
		return report
	}
	sched := e.scheduler()
	if sched.AfterLoad(ctx) != nil || sched.Idle(ctx) != nil {
		return report
	}

	nav, ok := acquire(capability)
	if !ok {
		report.Retried = true
		if sched.Sleep(ctx, e.retryDelay()) != nil {
			return report
		}
		if nav, ok = acquire(capability); !ok {
			logger.Debug().Msg("Navigation capability not ready, skipping prefetch")
			return report
		}
	}
	report.Ready = true

	for _, route := range routes {
		if err := prefetch(nav, route); err != nil {
			logger.Debug().Err(err).Str("route", route).Msg("Prefetch failed")
			report.Failed = append(report.Failed, route)
			continue
		}
		report.Prefetched = append(report.Prefetched, route)
	}
	return report
}

// Normalize makes every route start with "/" and drops empty and repeated ones.
func Normalize(routes []string) []string {
	out := make([]string, 0, len(routes))
	seen := make(map[string]bool, len(routes))
	for _, route := range routes {
		route = strings.TrimSpace(route)
		if route == "" {
			continue
		}
		if !strings.HasPrefix(route, "/") {
			route = "/" + route
		}
		if seen[route] {
			continue
		}
		seen[route] = true
		out = append(out, route)
	}
	return out
}

func acquire(capability Capability) (nav Navigator, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			nav, ok = nil, false
		}
	}()
	nav, ok = capability()
	return nav, ok && nav != nil
}

func prefetch(nav Navigator, route string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("prefetch panic: %v", r)
		}
	}()
	return nav.Prefetch(route)
}

func (e *Executor) scheduler() Scheduler {
	if e.Scheduler != nil {
		return e.Scheduler
	}
	return TimerScheduler{}
}

func (e *Executor) retryDelay() time.Duration {
	if e.RetryDelay > 0 {
		return e.RetryDelay
	}
	return RetryDelay
}

func (e *Executor) logger() *zerolog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return &log.Logger
}

// TimerScheduler is a Scheduler for environments without a document: load and
// idle are immediate, sleeping uses a timer.
type TimerScheduler struct{}

func (TimerScheduler) AfterLoad(ctx context.Context) error { return ctx.Err() }

func (TimerScheduler) Idle(ctx context.Context) error { return ctx.Err() }

func (TimerScheduler) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
