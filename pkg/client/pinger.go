package client

import (
	"context"
	"sync"
	"time"
)

// Pinger pings a Safe often enough that an idle client is never evicted. Failures go
// to the sink and never stop the loop.
type Pinger struct {
	safe     *Safe
	interval time.Duration
	sink     func(error)

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPinger pings every window/divisor; divisor defaults to 2.
func NewPinger(safe *Safe, window time.Duration, divisor int, sink func(error)) *Pinger {
	if divisor <= 0 {
		divisor = DefaultPingDivisor
	}
	if sink == nil {
		sink = func(error) {}
	}
	return &Pinger{
		safe:     safe,
		interval: window / time.Duration(divisor),
		sink:     sink,
	}
}

// Interval returns the time between pings.
func (p *Pinger) Interval() time.Duration {
	return p.interval
}

// Start begins pinging. Starting a running pinger does nothing.
func (p *Pinger) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil || p.interval <= 0 {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.wg.Add(1)

	go func() {
		defer p.wg.Done()

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.ping(ctx)
			}
		}
	}()
}

func (p *Pinger) ping(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			p.safe.logger.Error().Interface("panic", r).Msg("Ping panicked")
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, p.interval)
	defer cancel()
	if err := p.safe.Ping(ctx); err != nil {
		p.sink(err)
	}
}

// Stop halts pinging and waits for an in-progress ping.
func (p *Pinger) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
}
