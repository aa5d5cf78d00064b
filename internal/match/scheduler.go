package match

import (
	"context"
	"log"
	"time"
)

// Scheduler drives the engine: a ticker provides the steady beat and Kick
// pulls the next pass forward when someone joins the queue. A single
// goroutine runs all passes, so they are strictly serialized.
type Scheduler struct {
	engine   *Engine
	interval time.Duration
	kick     chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewScheduler creates a scheduler that runs a pass every interval.
func NewScheduler(engine *Engine, interval time.Duration) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		engine:   engine,
		interval: interval,
		kick:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// Start launches the matching loop.
func (s *Scheduler) Start() {
	go s.run()
	log.Printf("[matcher] scheduler started (interval %s)", s.interval)
}

// Kick requests an immediate matching pass. Kicks coalesce while a pass is
// pending, so a burst of joins costs one extra pass at most.
func (s *Scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Stop halts the loop and waits for an in-flight pass to finish.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.done
	log.Println("[matcher] scheduler stopped")
}

func (s *Scheduler) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		case <-s.kick:
		}

		stats := s.engine.RunCycle(s.ctx)
		if stats.Matched > 0 || stats.Evicted > 0 || stats.Conflicts > 0 || stats.Failures > 0 {
			log.Printf("[matcher] cycle: matched=%d evicted=%d conflicts=%d failures=%d",
				stats.Matched, stats.Evicted, stats.Conflicts, stats.Failures)
		}
	}
}
