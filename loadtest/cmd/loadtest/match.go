package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/moodcall/video-app/loadtest/client"
	"github.com/moodcall/video-app/loadtest/stats"
)

// runMatch implements the matching flow load test. It creates pairs of
// simulated users who connect, bind an identity, join the queue with the same
// mood, get matched, and complete an offer/answer signaling exchange. This
// test measures matching throughput and latency under concurrent load.
func runMatch(args []string) {
	fs := flag.NewFlagSet("match", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	pairs := fs.Int("pairs", 500, "Number of user pairs to match")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for connection creation")
	matchTimeout := fs.Duration("match-timeout", 30*time.Second, "Timeout waiting for match_found and signaling")
	moods := fs.String("moods", "happy", "Comma-separated moods to spread pairs across")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	totalClients := *pairs * 2

	fmt.Printf("Match test: %d pairs (%d clients) to %s (ramp=%s, match-timeout=%s, moods=%q, concurrency=%d)\n",
		*pairs, totalClients, *url, *rampUp, *matchTimeout, *moods, *concurrency)

	// Parse mood list. Both members of a pair always get the same mood so
	// every pair is matchable.
	var moodList []string
	for _, m := range strings.Split(*moods, ",") {
		m = strings.TrimSpace(m)
		if m != "" {
			moodList = append(moodList, m)
		}
	}
	if len(moodList) == 0 {
		moodList = []string{"happy"}
	}

	// Set up signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()

	// Set up metrics scraper.
	scraper := stats.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	// Slice to track all open connections for cleanup.
	var mu sync.Mutex
	clients := make([]*client.Client, 0, totalClients)

	// Track whether ramp-up was interrupted so we can skip matching phase.
	interrupted := false

	// -----------------------------------------------------------------------
	// Phase 1: Connect all users
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 1: Connect all users ---")

	interval := *rampUp / time.Duration(totalClients)
	if interval <= 0 {
		interval = time.Millisecond
	}

	// Semaphore to bound concurrent connection attempts.
	sem := make(chan struct{}, *concurrency)
	var wg sync.WaitGroup

	// Progress reporting: every 2 seconds during ramp-up.
	progressStop := make(chan struct{})
	var progressWg sync.WaitGroup
	progressWg.Add(1)
	go func() {
		defer progressWg.Done()
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		lastCount := 0
		lastTime := time.Now()
		for {
			select {
			case <-ticker.C:
				now := time.Now()
				currentConns := collector.ConnectionCount()
				currentErrs := collector.ErrorCount()
				dt := now.Sub(lastTime).Seconds()
				rate := float64(currentConns-lastCount) / dt
				fmt.Printf("  [connect] connections: %d/%d  errors: %d  rate: %.1f conn/s\n",
					currentConns, totalClients, currentErrs, rate)
				lastCount = currentConns
				lastTime = now
			case <-progressStop:
				return
			}
		}
	}()

	rampStart := time.Now()
	rampTicker := time.NewTicker(interval)

	launched := 0
	for launched < totalClients {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during connection phase.")
			interrupted = true
			launched = totalClients // Break the loop.
		case <-rampTicker.C:
			launched++
			wg.Add(1)
			sem <- struct{}{} // Acquire semaphore slot.

			go func() {
				defer wg.Done()
				defer func() { <-sem }() // Release semaphore slot.

				connCtx, connCancel := context.WithTimeout(ctx, 10*time.Second)
				defer connCancel()

				c, err := client.New(connCtx, *url)
				if err != nil {
					collector.AddError()
					return
				}

				if err := c.WaitForConnected(connCtx); err != nil {
					collector.AddError()
					c.Close()
					return
				}

				m := c.GetMetrics()
				collector.AddConnect(m.ConnectLatency)

				mu.Lock()
				clients = append(clients, c)
				mu.Unlock()
			}()
		}
	}

	rampTicker.Stop()
	wg.Wait()
	close(progressStop)
	progressWg.Wait()

	rampElapsed := time.Since(rampStart)
	mu.Lock()
	connectedCount := len(clients)
	mu.Unlock()
	fmt.Printf("\nPhase 1 complete: %d/%d connections in %s (%d errors)\n",
		connectedCount, totalClients,
		rampElapsed.Round(time.Millisecond), collector.ErrorCount())

	if interrupted {
		fmt.Println("Interrupted: skipping matching phases.")
		cleanup(clients, &mu)
		scraper.Stop()
		collector.Report()
		return
	}

	// -----------------------------------------------------------------------
	// Phase 2: Bind identities and join the queue
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 2: Start matching ---")

	// Counters for tracking match progress.
	var matchedCount atomic.Int64  // Clients that received match_found
	var answeredCount atomic.Int64 // Initiators whose offer was answered

	// WaitGroup for all client goroutines that handle the match flow.
	var matchWg sync.WaitGroup

	mu.Lock()
	activeClients := make([]*client.Client, len(clients))
	copy(activeClients, clients)
	mu.Unlock()

	fmt.Printf("Joining queue from %d clients (moods=%v)...\n", len(activeClients), moodList)

	matchStart := time.Now()

	for i, c := range activeClients {
		c := c // capture loop variable
		userID := fmt.Sprintf("load-%06d", i)
		// Clients 2k and 2k+1 form pair k and share a mood.
		mood := moodList[(i/2)%len(moodList)]
		matchWg.Add(1)

		// Per-client channel to signal when match_found is received.
		matchDone := make(chan struct{})
		// Per-client channel to signal when the offer/answer exchange is done.
		signalDone := make(chan struct{})

		// Register match_found handler. The initiator opens the signaling
		// exchange; the receiver waits for the forwarded offer.
		c.On(client.TypeMatchFound, func(raw json.RawMessage) {
			latency := time.Since(matchStart)
			collector.AddMsgLatency(latency)
			matchedCount.Add(1)

			var msg struct {
				Role      string `json:"role"`
				PartnerID string `json:"partner_id"`
			}
			if err := json.Unmarshal(raw, &msg); err == nil && msg.Role == "initiator" {
				_ = c.Send(map[string]interface{}{
					"type":           client.TypeSignalOffer,
					"target_user_id": msg.PartnerID,
					"payload":        json.RawMessage(`{"type":"offer","sdp":"v=0 loadtest"}`),
				})
			}

			close(matchDone)
		})

		// Receiver: answer the forwarded offer, completing its half.
		c.On(client.TypeSignalOffer, func(raw json.RawMessage) {
			var msg struct {
				FromUserID string `json:"from_user_id"`
			}
			if err := json.Unmarshal(raw, &msg); err == nil && msg.FromUserID != "" {
				_ = c.Send(map[string]interface{}{
					"type":           client.TypeSignalAnswer,
					"target_user_id": msg.FromUserID,
					"payload":        json.RawMessage(`{"type":"answer","sdp":"v=0 loadtest"}`),
				})
			}
			close(signalDone)
		})

		// Initiator: the answer closes the loop.
		c.On(client.TypeSignalAnswer, func(raw json.RawMessage) {
			answeredCount.Add(1)
			close(signalDone)
		})

		// Per-client goroutine to enforce match timeout.
		go func() {
			defer matchWg.Done()

			timeoutTimer := time.NewTimer(*matchTimeout)
			defer timeoutTimer.Stop()

			// Wait for match_found or timeout.
			select {
			case <-matchDone:
				// Matched, now wait for the signaling exchange or timeout.
				select {
				case <-signalDone:
					// Fully matched and signaled.
				case <-timeoutTimer.C:
					collector.AddError()
				case <-ctx.Done():
				}
			case <-timeoutTimer.C:
				collector.AddError()
			case <-ctx.Done():
			}
		}()

		// Bind the identity, then join the queue.
		if err := c.Bind(userID); err != nil {
			collector.AddError()
			continue
		}
		if err := c.JoinQueue(userID, mood); err != nil {
			collector.AddError()
		}
	}

	// -----------------------------------------------------------------------
	// Phase 3: Wait for matches with progress reporting
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 3: Waiting for matches ---")

	// Progress reporting while waiting for matches.
	matchProgressStop := make(chan struct{})
	var matchProgressWg sync.WaitGroup
	matchProgressWg.Add(1)
	go func() {
		defer matchProgressWg.Done()
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		lastMatched := int64(0)
		lastTime := time.Now()
		for {
			select {
			case <-ticker.C:
				now := time.Now()
				currentMatched := matchedCount.Load()
				currentAnswered := answeredCount.Load()
				currentErrors := collector.ErrorCount()
				dt := now.Sub(lastTime).Seconds()
				matchRate := float64(currentMatched-lastMatched) / dt
				// Each pair = 2 clients matched.
				pairsMatched := currentMatched / 2
				fmt.Printf("  [match] pairs: %d/%d  matched: %d  answered: %d  errors: %d  rate: %.1f match/s\n",
					pairsMatched, *pairs, currentMatched, currentAnswered, currentErrors, matchRate)
				lastMatched = currentMatched
				lastTime = now
			case <-matchProgressStop:
				return
			}
		}
	}()

	// Wait for all client goroutines to complete (match or timeout).
	allDone := make(chan struct{})
	go func() {
		matchWg.Wait()
		close(allDone)
	}()

	select {
	case <-allDone:
		// All clients finished.
	case <-ctx.Done():
		fmt.Println("\nInterrupted during matching phase.")
	}

	close(matchProgressStop)
	matchProgressWg.Wait()

	matchElapsed := time.Since(matchStart)

	// -----------------------------------------------------------------------
	// Final report
	// -----------------------------------------------------------------------
	finalMatched := matchedCount.Load()
	finalAnswered := answeredCount.Load()
	successfulPairs := finalAnswered // one answered offer per pair

	fmt.Printf("\n--- Match Results ---\n")
	fmt.Printf("Successful pairs:  %d / %d\n", successfulPairs, *pairs)
	fmt.Printf("Clients matched:   %d / %d\n", finalMatched, len(activeClients))
	fmt.Printf("Offers answered:   %d / %d\n", finalAnswered, *pairs)
	fmt.Printf("Match duration:    %s\n", matchElapsed.Round(time.Millisecond))
	if matchElapsed.Seconds() > 0 {
		fmt.Printf("Match throughput:  %.1f pairs/s\n", float64(successfulPairs)/matchElapsed.Seconds())
	}

	// -----------------------------------------------------------------------
	// Cleanup
	// -----------------------------------------------------------------------
	cleanup(clients, &mu)
	scraper.Stop()
	collector.Report()
}

// cleanup closes all client connections.
func cleanup(clients []*client.Client, mu *sync.Mutex) {
	fmt.Println("\n--- Cleanup ---")
	mu.Lock()
	total := len(clients)
	fmt.Printf("Closing %d connections...\n", total)
	for _, c := range clients {
		c.Close()
	}
	mu.Unlock()
	fmt.Println("All connections closed.")
}
