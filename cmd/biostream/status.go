package main

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"
)

const (
	statusUpdateInterval = 250 * time.Millisecond
	clearLineSequence    = "\r\033[K"
)

// StatusPrinter keeps one status line refreshed with the output of render.
//
// Usage:
//
//	p := NewStatusPrinter(os.Stderr, func(elapsed time.Duration) string { ... })
//	p.Start()
//	defer p.Stop()
//
// The caller must call Stop to terminate the internal goroutine.
// A StatusPrinter is single-use: Start may be called at most once.
type StatusPrinter struct {
	out       io.Writer
	render    func(elapsed time.Duration) string
	interval  time.Duration
	startTime time.Time
	ticker    atomic.Pointer[time.Ticker]
	stopChan  chan struct{}
	done      chan struct{} // closed when goroutine exits
	started   atomic.Bool
}

// NewStatusPrinter creates a printer that redraws render's line on out.
func NewStatusPrinter(out io.Writer, render func(elapsed time.Duration) string) *StatusPrinter {
	return &StatusPrinter{
		out:      out,
		render:   render,
		interval: statusUpdateInterval,
	}
}

// Start begins redrawing the status line in a background goroutine.
// Panics if called more than once on the same StatusPrinter instance.
func (p *StatusPrinter) Start() {
	if !p.started.CompareAndSwap(false, true) {
		panic("StatusPrinter.Start called more than once")
	}

	p.done = make(chan struct{})
	p.stopChan = make(chan struct{})
	p.startTime = time.Now()
	ticker := time.NewTicker(p.interval)
	p.ticker.Store(ticker)

	p.print()

	go func() {
		defer close(p.done)
		defer func() {
			if r := recover(); r != nil {
				fmt.Fprintf(p.out, "\nstatus printer panic: %v\n", r)
			}
		}()

		for {
			select {
			case <-p.stopChan:
				return
			case <-ticker.C:
				p.print()
			}
		}
	}()
}

func (p *StatusPrinter) print() {
	fmt.Fprintf(p.out, "%s%s", clearLineSequence, p.render(time.Since(p.startTime)))
}

// Stop stops the redraw loop and clears the line.
// Safe to call multiple times; only the first call has an effect.
func (p *StatusPrinter) Stop() {
	ticker := p.ticker.Swap(nil)
	if ticker == nil {
		return // Already stopped or never started
	}

	ticker.Stop()
	close(p.stopChan)
	<-p.done

	fmt.Fprint(p.out, clearLineSequence)
}
