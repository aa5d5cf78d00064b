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

// pairResult tracks the outcome of a single call pair's lifecycle.
type pairResult struct {
	matched      bool
	callStarted  bool
	iceSent      int64
	iceRecv      int64
	endedCleanly bool
	matchLatency time.Duration
}

// matchInfo is what a client learns from its match_found message.
type matchInfo struct {
	sessionID string
	role      string
	partnerID string
}

// runCalls implements the full call lifecycle load test. Each simulated user
// pair goes through the complete flow: connect -> bind -> join_queue ->
// match_found -> trickle ICE candidates -> end_call. This test measures
// end-to-end latency and throughput for the entire call experience.
func runCalls(args []string) {
	fs := flag.NewFlagSet("calls", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	pairs := fs.Int("pairs", 100, "Number of user pairs for full call lifecycle")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for connection creation")
	callDuration := fs.Duration("call-duration", 30*time.Second, "How long each pair stays in the call")
	iceInterval := fs.Duration("ice-interval", 2*time.Second, "Interval between ICE candidates per user")
	moods := fs.String("moods", "happy", "Comma-separated moods to spread pairs across")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	matchTimeout := fs.Duration("match-timeout", 30*time.Second, "Timeout waiting for match completion")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	totalClients := *pairs * 2

	fmt.Printf("Calls test: %d pairs (%d clients) to %s (ramp=%s, call=%s, ice-interval=%s, moods=%q, concurrency=%d)\n",
		*pairs, totalClients, *url, *rampUp, *callDuration, *iceInterval, *moods, *concurrency)

	// Parse mood list. Both members of a pair always get the same mood.
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

	// Track whether ramp-up was interrupted so we can skip later phases.
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
		fmt.Println("Interrupted: skipping call phases.")
		cleanup(clients, &mu)
		scraper.Stop()
		collector.Report()
		return
	}

	// We need an even number of clients to form pairs. Drop any extra.
	mu.Lock()
	if len(clients)%2 != 0 {
		extra := clients[len(clients)-1]
		clients = clients[:len(clients)-1]
		extra.Close()
	}
	actualPairs := len(clients) / 2
	mu.Unlock()

	if actualPairs == 0 {
		fmt.Println("No pairs could be formed: not enough connections.")
		cleanup(clients, &mu)
		scraper.Stop()
		collector.Report()
		return
	}

	// -----------------------------------------------------------------------
	// Phase 2 + 3 + 4: Match, Call, End (per pair)
	// -----------------------------------------------------------------------
	fmt.Printf("\n--- Phase 2-4: Running %d call pairs ---\n", actualPairs)

	// Global atomic counters for progress reporting.
	var totalIceSent atomic.Int64
	var totalIceRecv atomic.Int64
	var activePairCount atomic.Int64
	var completedPairs atomic.Int64
	var errorCount atomic.Int64

	// Collect results from each pair.
	results := make([]pairResult, actualPairs)

	// WaitGroup for all pair goroutines.
	var pairWg sync.WaitGroup

	// Progress reporting every 5 seconds.
	callProgressStop := make(chan struct{})
	var callProgressWg sync.WaitGroup
	callProgressWg.Add(1)
	go func() {
		defer callProgressWg.Done()
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				active := activePairCount.Load()
				completed := completedPairs.Load()
				sent := totalIceSent.Load()
				recv := totalIceRecv.Load()
				errs := errorCount.Load()
				fmt.Printf("  [calls] active: %d  completed: %d/%d  ice sent: %d  ice recv: %d  errors: %d\n",
					active, completed, actualPairs, sent, recv, errs)
			case <-callProgressStop:
				return
			}
		}
	}()

	callStart := time.Now()

	mu.Lock()
	pairedClients := make([]*client.Client, len(clients))
	copy(pairedClients, clients)
	mu.Unlock()

	for i := 0; i < actualPairs; i++ {
		i := i // capture loop variable
		c1 := pairedClients[i*2]
		c2 := pairedClients[i*2+1]
		mood := moodList[i%len(moodList)]

		pairWg.Add(1)
		go func() {
			defer pairWg.Done()

			// Stagger queue joins by 100ms between pairs to avoid
			// overwhelming the matcher.
			stagger := time.Duration(i) * 100 * time.Millisecond
			select {
			case <-time.After(stagger):
			case <-ctx.Done():
				return
			}

			runPair(ctx, c1, c2,
				fmt.Sprintf("call-%05d-a", i), fmt.Sprintf("call-%05d-b", i), mood,
				*callDuration, *iceInterval, *matchTimeout,
				collector, &results[i],
				&totalIceSent, &totalIceRecv, &activePairCount, &completedPairs, &errorCount)
		}()
	}

	// Wait for all pairs to complete.
	allDone := make(chan struct{})
	go func() {
		pairWg.Wait()
		close(allDone)
	}()

	select {
	case <-allDone:
		// All pairs finished.
	case <-ctx.Done():
		fmt.Println("\nInterrupted: waiting for pairs to wind down...")
		<-allDone
	}

	close(callProgressStop)
	callProgressWg.Wait()

	callElapsed := time.Since(callStart)

	// -----------------------------------------------------------------------
	// Final report
	// -----------------------------------------------------------------------
	var successfulCalls int
	var totalSent, totalRecv int64
	var totalMatchLatency time.Duration
	matchedCount := 0

	for _, r := range results {
		if r.endedCleanly {
			successfulCalls++
		}
		totalSent += r.iceSent
		totalRecv += r.iceRecv
		if r.matched {
			matchedCount++
			totalMatchLatency += r.matchLatency
		}
	}

	fmt.Printf("\n--- Call Results ---\n")
	fmt.Printf("Successful calls:  %d / %d\n", successfulCalls, actualPairs)
	fmt.Printf("Pairs matched:     %d / %d\n", matchedCount, actualPairs)
	fmt.Printf("Total ICE sent:    %d\n", totalSent)
	fmt.Printf("Total ICE recv:    %d\n", totalRecv)
	fmt.Printf("Call duration:     %s\n", callElapsed.Round(time.Millisecond))
	if matchedCount > 0 {
		avgMatch := totalMatchLatency / time.Duration(matchedCount)
		fmt.Printf("Avg match latency: %s\n", avgMatch.Round(time.Millisecond))
	}
	if callElapsed.Seconds() > 0 && totalSent > 0 {
		fmt.Printf("ICE throughput:    %.1f msg/s\n", float64(totalSent)/callElapsed.Seconds())
	}

	// -----------------------------------------------------------------------
	// Cleanup
	// -----------------------------------------------------------------------
	cleanup(clients, &mu)
	scraper.Stop()
	collector.Report()
}

// runPair executes the full call lifecycle for a pair of clients:
// bind -> join_queue -> match_found -> trickle ICE -> end_call.
// It returns after the call ends or the context is cancelled.
//
// The queue is FIFO per mood across all pairs, so under concurrency a client
// may be matched with a member of a different pair. That is fine: each client
// signals and ends against the partner and session from its own match_found,
// and since every client eventually sends end_call, every session gets torn
// down. The extra end_call on an already ended session is a no-op.
func runPair(
	ctx context.Context,
	c1, c2 *client.Client,
	user1, user2, mood string,
	callDuration, iceInterval, matchTimeout time.Duration,
	collector *stats.Collector,
	result *pairResult,
	totalIceSent, totalIceRecv, activePairCount, completedPairs, errorCount *atomic.Int64,
) {
	defer completedPairs.Add(1)

	// --- Phase 2: Matching ---

	// Channels to coordinate the matching flow.
	c1MatchFound := make(chan matchInfo, 1)
	c2MatchFound := make(chan matchInfo, 1)

	// Channels for ICE reception during the call phase.
	c1IceRecv := make(chan struct{}, 100)
	c2IceRecv := make(chan struct{}, 100)

	// Channels for call_ended notification.
	c1CallEnded := make(chan struct{}, 1)
	c2CallEnded := make(chan struct{}, 1)

	onMatch := func(ch chan matchInfo) func(json.RawMessage) {
		return func(raw json.RawMessage) {
			var msg struct {
				SessionID string `json:"session_id"`
				Role      string `json:"role"`
				PartnerID string `json:"partner_id"`
			}
			if err := json.Unmarshal(raw, &msg); err == nil && msg.SessionID != "" {
				select {
				case ch <- matchInfo{sessionID: msg.SessionID, role: msg.Role, partnerID: msg.PartnerID}:
				default:
				}
			}
		}
	}
	c1.On(client.TypeMatchFound, onMatch(c1MatchFound))
	c2.On(client.TypeMatchFound, onMatch(c2MatchFound))

	onIce := func(ch chan struct{}) func(json.RawMessage) {
		return func(raw json.RawMessage) {
			totalIceRecv.Add(1)
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}
	c1.On(client.TypeSignalIce, onIce(c1IceRecv))
	c2.On(client.TypeSignalIce, onIce(c2IceRecv))

	onEnded := func(ch chan struct{}) func(json.RawMessage) {
		return func(raw json.RawMessage) {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}
	c1.On(client.TypeCallEnded, onEnded(c1CallEnded))
	c2.On(client.TypeCallEnded, onEnded(c2CallEnded))

	// Both bind and join the queue with the same mood.
	matchStart := time.Now()

	if err := c1.Bind(user1); err != nil {
		errorCount.Add(1)
		collector.AddError()
		return
	}
	if err := c2.Bind(user2); err != nil {
		errorCount.Add(1)
		collector.AddError()
		return
	}
	if err := c1.JoinQueue(user1, mood); err != nil {
		errorCount.Add(1)
		collector.AddError()
		return
	}
	if err := c2.JoinQueue(user2, mood); err != nil {
		errorCount.Add(1)
		collector.AddError()
		return
	}

	// Wait for match_found on both clients.
	matchCtx, matchCancel := context.WithTimeout(ctx, matchTimeout)
	defer matchCancel()

	var m1, m2 matchInfo

	select {
	case m1 = <-c1MatchFound:
	case <-matchCtx.Done():
		errorCount.Add(1)
		collector.AddError()
		return
	}

	select {
	case m2 = <-c2MatchFound:
	case <-matchCtx.Done():
		errorCount.Add(1)
		collector.AddError()
		return
	}

	matchLatency := time.Since(matchStart)
	result.matched = true
	result.matchLatency = matchLatency
	collector.AddMsgLatency(matchLatency)

	// --- Phase 3: Call (trickle ICE both ways) ---

	activePairCount.Add(1)
	defer activePairCount.Add(-1)
	result.callStarted = true

	callCtx, callCancel := context.WithTimeout(ctx, callDuration)
	defer callCancel()

	// Each client sends candidates on its own ticker. We track approximate
	// relay latency by recording the time of the last send and measuring
	// until the next receive on the same client.
	var c1LastSend atomic.Int64 // unix nanoseconds of last send
	var c2LastSend atomic.Int64

	icePayload := json.RawMessage(`{"type":"ice","candidate":"candidate:0 1 UDP 2122252543 192.0.2.1 54400 typ host"}`)

	sendLoop := func(c *client.Client, target string, lastSend *atomic.Int64) func() {
		return func() {
			ticker := time.NewTicker(iceInterval)
			defer ticker.Stop()

			for {
				select {
				case <-callCtx.Done():
					return
				case <-ticker.C:
					lastSend.Store(time.Now().UnixNano())
					if err := c.Send(map[string]interface{}{
						"type":           client.TypeSignalIce,
						"target_user_id": target,
						"payload":        icePayload,
					}); err != nil {
						errorCount.Add(1)
						collector.AddError()
						return
					}
					totalIceSent.Add(1)
					atomic.AddInt64(&result.iceSent, 1)
				}
			}
		}
	}

	recvLoop := func(ch chan struct{}, lastSend *atomic.Int64) func() {
		return func() {
			for {
				select {
				case <-callCtx.Done():
					return
				case <-ch:
					atomic.AddInt64(&result.iceRecv, 1)
					// Approximate latency: time since this side's last send.
					if ts := lastSend.Load(); ts > 0 {
						latency := time.Since(time.Unix(0, ts))
						collector.AddMsgLatency(latency)
					}
				}
			}
		}
	}

	var callWg sync.WaitGroup
	callWg.Add(4)
	go func() { defer callWg.Done(); sendLoop(c1, m1.partnerID, &c1LastSend)() }()
	go func() { defer callWg.Done(); sendLoop(c2, m2.partnerID, &c2LastSend)() }()
	go func() { defer callWg.Done(); recvLoop(c1IceRecv, &c1LastSend)() }()
	go func() { defer callWg.Done(); recvLoop(c2IceRecv, &c2LastSend)() }()

	// Wait for the call duration to expire.
	callWg.Wait()

	// --- Phase 4: End Call ---

	// Both sides hang up their own session. When the pair shares one session
	// the second end_call is a no-op; when they were matched across pairs it
	// tears down the second session.
	if err := c1.Send(map[string]string{
		"type":       client.TypeEndCall,
		"session_id": m1.sessionID,
	}); err != nil {
		errorCount.Add(1)
		collector.AddError()
		return
	}
	if err := c2.Send(map[string]string{
		"type":       client.TypeEndCall,
		"session_id": m2.sessionID,
	}); err != nil {
		errorCount.Add(1)
		collector.AddError()
		return
	}

	// Wait for call_ended on both clients (with a short timeout).
	endCtx, endCancel := context.WithTimeout(ctx, 5*time.Second)
	defer endCancel()

	ended := 0
	for ended < 2 {
		select {
		case <-c1CallEnded:
			ended++
		case <-c2CallEnded:
			ended++
		case <-endCtx.Done():
			errorCount.Add(1)
			collector.AddError()
			return
		}
	}
	result.endedCleanly = true
}
