// Package main implements a standalone end-to-end integration test for the
// MoodCall video matching service. It validates the full user journey against
// a running Docker Compose stack: health checks, WebSocket handshake, identity
// binding, mood matching, signaling relay, call teardown, mood isolation, and
// rate limiting.
//
// Usage:
//
//	go run ./cmd/e2etest/ [-url ws://localhost:8080/ws] [-api http://localhost:8080] [-timeout 90s]
//
// Exit code 0 if all required scenarios pass, 1 if any fail.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/moodcall/video-app/loadtest/client"
)

// ---------------------------------------------------------------------------
// Result tracking
// ---------------------------------------------------------------------------

// resultKind categorises a scenario outcome.
type resultKind int

const (
	resultPass resultKind = iota
	resultFail
	resultInfo // optional / non-fatal
)

// scenarioResult holds the outcome of a single test scenario.
type scenarioResult struct {
	name   string
	kind   resultKind
	detail string
}

func (r scenarioResult) tag() string {
	switch r.kind {
	case resultPass:
		return "PASS"
	case resultFail:
		return "FAIL"
	default:
		return "INFO"
	}
}

// matchDetails is what a client learns from its match_found message.
type matchDetails struct {
	SessionID string `json:"session_id"`
	Role      string `json:"role"`
	PartnerID string `json:"partner_id"`
	Mood      string `json:"mood"`
}

// ---------------------------------------------------------------------------
// Main
// ---------------------------------------------------------------------------

func main() {
	wsURL := flag.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	apiBase := flag.String("api", "http://localhost:8080", "HTTP API base URL")
	timeout := flag.Duration("timeout", 90*time.Second, "Global test timeout")
	flag.Parse()

	fmt.Println("=== MoodCall E2E Integration Test ===")
	fmt.Printf("Server: %s\n\n", *wsURL)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var results []scenarioResult

	// Run scenarios sequentially.
	results = append(results, scenario1HealthCheck(ctx, *apiBase))
	results = append(results, scenario2ConnectBind(ctx, *wsURL))

	// Scenarios 3-5 share a matched pair; run them as a group.
	s3, s4, s5 := scenario345MatchSignalEnd(ctx, *wsURL)
	results = append(results, s3, s4, s5)

	results = append(results, scenario6MoodIsolation(ctx, *wsURL))

	// Optional scenario (non-fatal).
	results = append(results, scenario7RateLimiting(ctx, *wsURL))

	// ---------------------------------------------------------------------------
	// Summary
	// ---------------------------------------------------------------------------
	fmt.Println()
	passed := 0
	failed := 0
	info := 0
	for _, r := range results {
		fmt.Printf("[%s] %s", r.tag(), r.name)
		if r.detail != "" {
			fmt.Printf(" (%s)", r.detail)
		}
		fmt.Println()

		switch r.kind {
		case resultPass:
			passed++
		case resultFail:
			failed++
		case resultInfo:
			info++
		}
	}

	requiredTotal := passed + failed
	fmt.Printf("\n=== Results: %d/%d passed", passed, requiredTotal)
	if info > 0 {
		fmt.Printf(", %d info", info)
	}
	fmt.Println(" ===")

	if failed > 0 {
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// Scenario 1: Health Check
// ---------------------------------------------------------------------------

func scenario1HealthCheck(ctx context.Context, apiBase string) scenarioResult {
	name := "Scenario 1: Health Check"

	// 1a. /health
	if err := httpGetExpectOK(ctx, apiBase+"/health"); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/health: %v", err)}
	}

	// 1b. /metrics should expose Prometheus text with moodcall_connections.
	metricsBody, err := httpGetBody(ctx, apiBase+"/metrics")
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/metrics: %v", err)}
	}
	if !strings.Contains(string(metricsBody), "moodcall_connections") {
		return scenarioResult{name, resultFail, "/metrics: missing moodcall_connections"}
	}

	return scenarioResult{name, resultPass, ""}
}

// ---------------------------------------------------------------------------
// Scenario 2: Connect and Bind
// ---------------------------------------------------------------------------

func scenario2ConnectBind(ctx context.Context, wsURL string) scenarioResult {
	name := "Scenario 2: Connect and Bind"

	connCtx, connCancel := context.WithTimeout(ctx, 10*time.Second)
	defer connCancel()

	clientA, err := client.New(connCtx, wsURL)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("client A connect: %v", err)}
	}
	defer clientA.Close()

	if err := clientA.WaitForConnected(connCtx); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("client A handshake: %v", err)}
	}

	connID := clientA.ConnectionID()
	if connID == "" {
		return scenarioResult{name, resultFail, "empty connection ID"}
	}

	// Bind an identity and expect a bound ack echoing it.
	bound := make(chan string, 1) // carries the acked connection_id
	userA := fmt.Sprintf("e2e-%d-bind", time.Now().UnixNano())
	clientA.On(client.TypeBound, func(raw json.RawMessage) {
		var msg struct {
			UserID       string `json:"user_id"`
			ConnectionID string `json:"connection_id"`
		}
		if err := json.Unmarshal(raw, &msg); err == nil && msg.UserID == userA {
			select {
			case bound <- msg.ConnectionID:
			default:
			}
		}
	})

	if err := clientA.Bind(userA); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("bind: %v", err)}
	}

	bindCtx, bindCancel := context.WithTimeout(ctx, 5*time.Second)
	defer bindCancel()

	select {
	case ackConnID := <-bound:
		if ackConnID != connID {
			return scenarioResult{name, resultFail,
				fmt.Sprintf("bound ack connection mismatch: %s vs %s", truncateID(ackConnID), truncateID(connID))}
		}
	case <-bindCtx.Done():
		return scenarioResult{name, resultFail, "timeout waiting for bound ack"}
	}

	return scenarioResult{name, resultPass, fmt.Sprintf("conn=%s", truncateID(connID))}
}

// ---------------------------------------------------------------------------
// Scenarios 3, 4, 5: Matching Flow, Signaling Relay, End Call
// ---------------------------------------------------------------------------

func scenario345MatchSignalEnd(ctx context.Context, wsURL string) (scenarioResult, scenarioResult, scenarioResult) {
	s3Name := "Scenario 3: Matching Flow"
	s4Name := "Scenario 4: Signaling Relay"
	s5Name := "Scenario 5: End Call"

	failAll := func(reason string) (scenarioResult, scenarioResult, scenarioResult) {
		return scenarioResult{s3Name, resultFail, reason},
			scenarioResult{s4Name, resultFail, "skipped: matching failed"},
			scenarioResult{s5Name, resultFail, "skipped: matching failed"}
	}

	// --- Connect two clients ---
	connCtx, connCancel := context.WithTimeout(ctx, 10*time.Second)
	defer connCancel()

	clientA, err := client.New(connCtx, wsURL)
	if err != nil {
		return failAll(fmt.Sprintf("client A connect: %v", err))
	}
	defer clientA.Close()

	clientB, err := client.New(connCtx, wsURL)
	if err != nil {
		return failAll(fmt.Sprintf("client B connect: %v", err))
	}
	defer clientB.Close()

	if err := clientA.WaitForConnected(connCtx); err != nil {
		return failAll(fmt.Sprintf("client A handshake: %v", err))
	}
	if err := clientB.WaitForConnected(connCtx); err != nil {
		return failAll(fmt.Sprintf("client B handshake: %v", err))
	}

	// --- Scenario 3: Matching ---
	// userA sorts before userB bytewise, so A must come back as the initiator.
	base := time.Now().UnixNano()
	userA := fmt.Sprintf("e2e-%d-a", base)
	userB := fmt.Sprintf("e2e-%d-b", base)
	mood := "nostalgic"

	matchFoundA := make(chan matchDetails, 1)
	matchFoundB := make(chan matchDetails, 1)

	onMatch := func(ch chan matchDetails) func(json.RawMessage) {
		return func(raw json.RawMessage) {
			var msg matchDetails
			if err := json.Unmarshal(raw, &msg); err == nil && msg.SessionID != "" {
				select {
				case ch <- msg:
				default:
				}
			}
		}
	}
	clientA.On(client.TypeMatchFound, onMatch(matchFoundA))
	clientB.On(client.TypeMatchFound, onMatch(matchFoundB))

	matchStart := time.Now()

	if err := clientA.Bind(userA); err != nil {
		return failAll(fmt.Sprintf("client A bind: %v", err))
	}
	if err := clientB.Bind(userB); err != nil {
		return failAll(fmt.Sprintf("client B bind: %v", err))
	}
	if err := clientA.JoinQueue(userA, mood); err != nil {
		return failAll(fmt.Sprintf("client A join: %v", err))
	}
	if err := clientB.JoinQueue(userB, mood); err != nil {
		return failAll(fmt.Sprintf("client B join: %v", err))
	}

	// Wait for match_found on both (30s timeout).
	matchCtx, matchCancel := context.WithTimeout(ctx, 30*time.Second)
	defer matchCancel()

	var matchA, matchB matchDetails

	select {
	case matchA = <-matchFoundA:
	case <-matchCtx.Done():
		return failAll("timeout waiting for match_found on client A")
	}

	select {
	case matchB = <-matchFoundB:
	case <-matchCtx.Done():
		return failAll("timeout waiting for match_found on client B")
	}

	// Both sides must agree on the session and cross-reference each other.
	if matchA.SessionID != matchB.SessionID {
		return failAll(fmt.Sprintf("session mismatch: %s vs %s",
			truncateID(matchA.SessionID), truncateID(matchB.SessionID)))
	}
	if matchA.PartnerID != userB || matchB.PartnerID != userA {
		return failAll(fmt.Sprintf("partner mismatch: a->%s b->%s", matchA.PartnerID, matchB.PartnerID))
	}
	if matchA.Mood != mood || matchB.Mood != mood {
		return failAll(fmt.Sprintf("mood mismatch: a=%s b=%s", matchA.Mood, matchB.Mood))
	}
	if matchA.Role != "initiator" || matchB.Role != "receiver" {
		return failAll(fmt.Sprintf("unexpected roles: a=%s b=%s", matchA.Role, matchB.Role))
	}

	matchDuration := time.Since(matchStart)
	s3Result := scenarioResult{s3Name, resultPass,
		fmt.Sprintf("session=%s, match_time=%s", truncateID(matchA.SessionID), matchDuration.Round(time.Millisecond))}

	// --- Scenario 4: Signaling Relay ---
	// Offer, answer, and one ICE candidate must arrive annotated with the
	// sender's identity and with the payload byte-for-byte intact.
	type forwarded struct {
		from    string
		payload string
	}
	offerAtB := make(chan forwarded, 1)
	answerAtA := make(chan forwarded, 1)
	iceAtB := make(chan forwarded, 1)

	onSignal := func(ch chan forwarded) func(json.RawMessage) {
		return func(raw json.RawMessage) {
			var msg struct {
				FromUserID string          `json:"from_user_id"`
				Payload    json.RawMessage `json:"payload"`
			}
			if err := json.Unmarshal(raw, &msg); err == nil {
				select {
				case ch <- forwarded{from: msg.FromUserID, payload: string(msg.Payload)}:
				default:
				}
			}
		}
	}
	clientB.On(client.TypeSignalOffer, onSignal(offerAtB))
	clientA.On(client.TypeSignalAnswer, onSignal(answerAtA))
	clientB.On(client.TypeSignalIce, onSignal(iceAtB))

	signalCtx, signalCancel := context.WithTimeout(ctx, 10*time.Second)
	defer signalCancel()

	sendSignal := func(c *client.Client, msgType, target, payload string) error {
		return c.Send(map[string]interface{}{
			"type":           msgType,
			"target_user_id": target,
			"payload":        json.RawMessage(payload),
		})
	}
	expectForwarded := func(ch chan forwarded, wantFrom, wantPayload, what string) error {
		select {
		case fwd := <-ch:
			if fwd.from != wantFrom {
				return fmt.Errorf("%s: from_user_id %q, want %q", what, fwd.from, wantFrom)
			}
			if fwd.payload != wantPayload {
				return fmt.Errorf("%s: payload altered in transit: %s", what, fwd.payload)
			}
			return nil
		case <-signalCtx.Done():
			return fmt.Errorf("timeout waiting for %s", what)
		}
	}

	failSignal := func(err error) (scenarioResult, scenarioResult, scenarioResult) {
		return s3Result,
			scenarioResult{s4Name, resultFail, err.Error()},
			scenarioResult{s5Name, resultFail, "skipped: signaling failed"}
	}

	offerPayload := `{"type":"offer","sdp":"v=0 e2e-offer"}`
	if err := sendSignal(clientA, client.TypeSignalOffer, userB, offerPayload); err != nil {
		return failSignal(fmt.Errorf("client A offer: %w", err))
	}
	if err := expectForwarded(offerAtB, userA, offerPayload, "offer at B"); err != nil {
		return failSignal(err)
	}

	answerPayload := `{"type":"answer","sdp":"v=0 e2e-answer"}`
	if err := sendSignal(clientB, client.TypeSignalAnswer, userA, answerPayload); err != nil {
		return failSignal(fmt.Errorf("client B answer: %w", err))
	}
	if err := expectForwarded(answerAtA, userB, answerPayload, "answer at A"); err != nil {
		return failSignal(err)
	}

	icePayload := `{"type":"ice","candidate":"candidate:0 1 UDP 2122252543 192.0.2.1 54400 typ host"}`
	if err := sendSignal(clientA, client.TypeSignalIce, userB, icePayload); err != nil {
		return failSignal(fmt.Errorf("client A ice: %w", err))
	}
	if err := expectForwarded(iceAtB, userA, icePayload, "ice at B"); err != nil {
		return failSignal(err)
	}

	s4Result := scenarioResult{s4Name, resultPass, "offer/answer/ice relayed verbatim"}

	// --- Scenario 5: End Call ---
	// The ender gets an ack; the partner gets notified. Reasons differ.
	endedAtA := make(chan string, 1) // carries reason
	endedAtB := make(chan string, 1)

	onEnded := func(ch chan string) func(json.RawMessage) {
		return func(raw json.RawMessage) {
			var msg struct {
				SessionID string `json:"session_id"`
				Reason    string `json:"reason"`
			}
			if err := json.Unmarshal(raw, &msg); err == nil && msg.SessionID == matchA.SessionID {
				select {
				case ch <- msg.Reason:
				default:
				}
			}
		}
	}
	clientA.On(client.TypeCallEnded, onEnded(endedAtA))
	clientB.On(client.TypeCallEnded, onEnded(endedAtB))

	endCtx, endCancel := context.WithTimeout(ctx, 10*time.Second)
	defer endCancel()

	if err := clientA.Send(map[string]string{
		"type":       client.TypeEndCall,
		"session_id": matchA.SessionID,
	}); err != nil {
		return s3Result, s4Result,
			scenarioResult{s5Name, resultFail, fmt.Sprintf("client A end_call: %v", err)}
	}

	var reasonA, reasonB string
	select {
	case reasonA = <-endedAtA:
	case <-endCtx.Done():
		return s3Result, s4Result,
			scenarioResult{s5Name, resultFail, "timeout: client A did not receive call_ended ack"}
	}
	select {
	case reasonB = <-endedAtB:
	case <-endCtx.Done():
		return s3Result, s4Result,
			scenarioResult{s5Name, resultFail, "timeout: client B did not receive call_ended"}
	}

	if reasonA != "call ended" || reasonB != "partner ended call" {
		return s3Result, s4Result,
			scenarioResult{s5Name, resultFail, fmt.Sprintf("unexpected reasons: a=%q b=%q", reasonA, reasonB)}
	}

	// Close connections cleanly.
	clientA.Close()
	clientB.Close()

	s5Result := scenarioResult{s5Name, resultPass, "both sides notified"}
	return s3Result, s4Result, s5Result
}

// ---------------------------------------------------------------------------
// Scenario 6: Mood Isolation
// ---------------------------------------------------------------------------

// scenario6MoodIsolation queues two users under different moods and verifies
// that the matcher never pairs them, even after multiple matching cycles.
func scenario6MoodIsolation(ctx context.Context, wsURL string) scenarioResult {
	name := "Scenario 6: Mood Isolation"

	connCtx, connCancel := context.WithTimeout(ctx, 10*time.Second)
	defer connCancel()

	clientC, err := client.New(connCtx, wsURL)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("client C connect: %v", err)}
	}
	defer clientC.Close()

	clientD, err := client.New(connCtx, wsURL)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("client D connect: %v", err)}
	}
	defer clientD.Close()

	if err := clientC.WaitForConnected(connCtx); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("client C handshake: %v", err)}
	}
	if err := clientD.WaitForConnected(connCtx); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("client D handshake: %v", err)}
	}

	base := time.Now().UnixNano()
	userC := fmt.Sprintf("e2e-%d-c", base)
	userD := fmt.Sprintf("e2e-%d-d", base)

	waiting := make(chan string, 2) // carries the user whose join was acked
	matched := make(chan string, 2) // carries the user that got matched

	arm := func(c *client.Client, user string) {
		c.On(client.TypeQueueStatus, func(raw json.RawMessage) {
			var msg struct {
				Status string `json:"status"`
			}
			if err := json.Unmarshal(raw, &msg); err == nil && msg.Status == "waiting" {
				select {
				case waiting <- user:
				default:
				}
			}
		})
		c.On(client.TypeMatchFound, func(json.RawMessage) {
			select {
			case matched <- user:
			default:
			}
		})
	}
	arm(clientC, userC)
	arm(clientD, userD)

	if err := clientC.Bind(userC); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("client C bind: %v", err)}
	}
	if err := clientD.Bind(userD); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("client D bind: %v", err)}
	}
	if err := clientC.JoinQueue(userC, "happy"); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("client C join: %v", err)}
	}
	if err := clientD.JoinQueue(userD, "relaxed"); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("client D join: %v", err)}
	}

	// Both joins must be acked.
	ackCtx, ackCancel := context.WithTimeout(ctx, 5*time.Second)
	defer ackCancel()
	for acked := 0; acked < 2; {
		select {
		case <-waiting:
			acked++
		case <-ackCtx.Done():
			return scenarioResult{name, resultFail, "timeout waiting for queue_status acks"}
		}
	}

	// Hold through at least one full matching cycle. Any match_found here
	// means the matcher crossed mood boundaries.
	hold := time.NewTimer(8 * time.Second)
	defer hold.Stop()

	select {
	case user := <-matched:
		return scenarioResult{name, resultFail, fmt.Sprintf("%s was matched across moods", user)}
	case <-ctx.Done():
		return scenarioResult{name, resultFail, "global timeout during isolation hold"}
	case <-hold.C:
	}

	return scenarioResult{name, resultPass, "no cross-mood match in 8s"}
}

// ---------------------------------------------------------------------------
// Scenario 7: Rate Limiting (optional, non-fatal)
// ---------------------------------------------------------------------------

func scenario7RateLimiting(ctx context.Context, wsURL string) scenarioResult {
	name := "Scenario 7: Rate Limiting"

	connCtx, connCancel := context.WithTimeout(ctx, 10*time.Second)
	defer connCancel()

	clientA, err := client.New(connCtx, wsURL)
	if err != nil {
		return scenarioResult{name, resultInfo, fmt.Sprintf("setup failed: %v", err)}
	}
	defer clientA.Close()

	if err := clientA.WaitForConnected(connCtx); err != nil {
		return scenarioResult{name, resultInfo, fmt.Sprintf("setup failed: %v", err)}
	}

	userA := fmt.Sprintf("e2e-%d-rl", time.Now().UnixNano())

	// Listen for rate_limited on the queue error channel.
	rateLimited := make(chan struct{}, 1)
	clientA.On(client.TypeQueueError, func(raw json.RawMessage) {
		var msg struct {
			Code string `json:"code"`
		}
		if err := json.Unmarshal(raw, &msg); err == nil && msg.Code == "rate_limited" {
			select {
			case rateLimited <- struct{}{}:
			default:
			}
		}
	})

	if err := clientA.Bind(userA); err != nil {
		return scenarioResult{name, resultInfo, fmt.Sprintf("bind failed: %v", err)}
	}

	// Re-join rapidly; the join limit is 10 per minute per user.
	sentCount := 0
	for i := 0; i < 15; i++ {
		if err := clientA.JoinQueue(userA, "happy"); err != nil {
			break
		}
		sentCount++
	}

	// Wait briefly for the rate_limited response.
	rlCtx, rlCancel := context.WithTimeout(ctx, 5*time.Second)
	defer rlCancel()

	select {
	case <-rateLimited:
		return scenarioResult{name, resultInfo, fmt.Sprintf("rate_limited received after %d joins", sentCount)}
	case <-rlCtx.Done():
		return scenarioResult{name, resultInfo, fmt.Sprintf("no rate_limited received after %d joins (limit may be relaxed)", sentCount)}
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// httpGetExpectOK performs an HTTP GET and checks for a 200 status code.
func httpGetExpectOK(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	return nil
}

// httpGetBody performs an HTTP GET and returns the response body.
func httpGetBody(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

// truncateID returns the first 8 characters of an ID for display purposes.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
