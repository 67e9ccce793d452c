//go:build js && wasm

// Command prefetch-wasm runs in the page: it reads the prediction data island
// and prefetches the routes through the client-side router.
//
//	GOOS=js GOARCH=wasm go build -o prefetch.wasm ./cmd/prefetch-wasm
package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"syscall/js"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/always-cache/always-prefetch/pkg/bridge"
	clientprefetch "github.com/always-cache/always-prefetch/pkg/client-prefetch"
)

// routerGlobal is the dotted path of the router object on the window.
// Override with -ldflags "-X main.routerGlobal=...".
var routerGlobal = "next.router"

// settleTimeout bounds how long the program stays alive for router promises.
const settleTimeout = 30 * time.Second

func main() {
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: consoleWriter{}, NoColor: true}).
		Level(zerolog.DebugLevel)

	routes := readIsland()
	if len(routes) == 0 {
		return
	}
	inflight := &clientprefetch.Inflight{}
	executor := &clientprefetch.Executor{Scheduler: domScheduler{}}
	report := executor.Run(context.Background(), routerCapability(routerGlobal, inflight), routes)
	log.Debug().Bool("ready", report.Ready).Strs("prefetched", report.Prefetched).Msg("Prefetch done")

	// the promise callbacks are Go funcs; returning now would make them throw
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()
	if err := inflight.Wait(ctx); err != nil {
		log.Debug().Err(err).Msg("Prefetch promises still pending")
		// keep the callbacks callable
		select {}
	}
}

func readIsland() []string {
	defer func() { recover() }()
	el := js.Global().Get("document").Call("getElementById", bridge.IslandID)
	if el.IsNull() || el.IsUndefined() {
		return nil
	}
	return bridge.ParsePayload(el.Get("textContent").String())
}

func routerCapability(path string, inflight *clientprefetch.Inflight) clientprefetch.Capability {
	return func() (clientprefetch.Navigator, bool) {
		v := js.Global()
		for _, name := range strings.Split(path, ".") {
			v = v.Get(name)
			if v.IsUndefined() || v.IsNull() {
				return nil, false
			}
		}
		if v.Get("prefetch").Type() != js.TypeFunction {
			return nil, false
		}
		return jsNavigator{router: v, inflight: inflight}, true
	}
}

type jsNavigator struct {
	router   js.Value
	inflight *clientprefetch.Inflight
}

func (n jsNavigator) Prefetch(route string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("router.prefetch(%q): %v", route, r)
		}
	}()
	res := n.router.Call("prefetch", route)
	// rejections are expected and must not surface as unhandled
	if res.Type() == js.TypeObject && res.Get("then").Type() == js.TypeFunction {
		settle := n.inflight.Track()
		var onSettled js.Func
		onSettled = js.FuncOf(func(js.Value, []js.Value) interface{} {
			onSettled.Release()
			settle()
			return nil
		})
		res.Call("then", onSettled, onSettled)
	}
	return nil
}

// domScheduler waits on the document load event and idle callbacks.
type domScheduler struct{}

func (domScheduler) AfterLoad(ctx context.Context) error {
	doc := js.Global().Get("document")
	if doc.Get("readyState").String() == "complete" {
		return nil
	}
	return waitFor(ctx, func(done js.Func) {
		js.Global().Call("addEventListener", "load", done, map[string]interface{}{"once": true})
	})
}

func (domScheduler) Idle(ctx context.Context) error {
	window := js.Global()
	return waitFor(ctx, func(done js.Func) {
		if window.Get("requestIdleCallback").Type() == js.TypeFunction {
			window.Call("requestIdleCallback", done)
		} else {
			window.Call("setTimeout", done, 1)
		}
	})
}

func (domScheduler) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// waitFor registers a one-shot callback and blocks until it fires.
func waitFor(ctx context.Context, register func(done js.Func)) error {
	fired := make(chan struct{})
	done := js.FuncOf(func(js.Value, []js.Value) interface{} {
		select {
		case <-fired:
		default:
			close(fired)
		}
		return nil
	})
	defer done.Release()
	register(done)
	select {
	case <-fired:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type consoleWriter struct{}

func (consoleWriter) Write(p []byte) (int, error) {
	console := js.Global().Get("console")
	if console.IsUndefined() {
		return 0, errors.New("no console")
	}
	console.Call("debug", strings.TrimRight(string(p), "\n"))
	return len(p), nil
}
