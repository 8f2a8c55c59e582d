// Package main is a load generator for the DevConnect chat service. Each
// simulated pair of users creates a chat over REST, opens realtime sessions,
// and exchanges messages for a fixed duration while round-trip latencies are
// collected.
//
// Usage:
//
//	chatload -ws-url ws://localhost:8080/ws -api-url http://localhost:8081 -pairs 50
package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/devconnect/chat-service/client"
)

type collector struct {
	mu        sync.Mutex
	latencies []time.Duration
	sent      int64
	received  int64
	errors    int64
}

func (c *collector) addLatency(d time.Duration) {
	c.mu.Lock()
	c.latencies = append(c.latencies, d)
	c.mu.Unlock()
}

func (c *collector) percentile(p float64) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.latencies) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(c.latencies))
	copy(sorted, c.latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}

func main() {
	wsURL := flag.String("ws-url", "ws://localhost:8080/ws", "WebSocket server URL")
	apiURL := flag.String("api-url", "http://localhost:8081", "REST API base URL")
	pairs := flag.Int("pairs", 50, "Number of user pairs exchanging messages")
	duration := flag.Duration("duration", 30*time.Second, "How long each pair chats")
	msgInterval := flag.Duration("msg-interval", 2*time.Second, "Interval between messages per user")
	flag.Parse()

	fmt.Printf("Chat load: %d pairs (%d clients) ws=%s api=%s duration=%s interval=%s\n",
		*pairs, *pairs*2, *wsURL, *apiURL, *duration, *msgInterval)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	col := &collector{}
	start := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < *pairs; i++ {
		wg.Add(1)
		go func(pair int) {
			defer wg.Done()
			if err := runPair(ctx, col, *wsURL, *apiURL, pair, *duration, *msgInterval); err != nil {
				atomic.AddInt64(&col.errors, 1)
				fmt.Fprintf(os.Stderr, "pair %d: %v\n", pair, err)
			}
		}(i)
	}
	wg.Wait()

	fmt.Printf("\n--- results after %s ---\n", time.Since(start).Round(time.Millisecond))
	fmt.Printf("messages sent:     %d\n", atomic.LoadInt64(&col.sent))
	fmt.Printf("messages received: %d\n", atomic.LoadInt64(&col.received))
	fmt.Printf("errors:            %d\n", atomic.LoadInt64(&col.errors))
	fmt.Printf("latency p50:       %s\n", col.percentile(50))
	fmt.Printf("latency p95:       %s\n", col.percentile(95))
	fmt.Printf("latency p99:       %s\n", col.percentile(99))
}

// runPair drives one pair through the full lifecycle: create chat, open both
// sessions, exchange messages until the duration elapses, close.
func runPair(ctx context.Context, col *collector, wsURL, apiURL string, pair int, duration, interval time.Duration) error {
	a := fmt.Sprintf("load-%d-a@test.local", pair)
	b := fmt.Sprintf("load-%d-b@test.local", pair)

	restA := client.NewRESTClient(apiURL, a)
	restB := client.NewRESTClient(apiURL, b)

	chatID, err := restA.CreateChat(ctx, a, b)
	if err != nil {
		return fmt.Errorf("create chat: %w", err)
	}

	sessA, closeA, err := openSession(ctx, wsURL, restA, chatID, a)
	if err != nil {
		return fmt.Errorf("open session a: %w", err)
	}
	defer closeA()

	sessB, closeB, err := openSession(ctx, wsURL, restB, chatID, b)
	if err != nil {
		return fmt.Errorf("open session b: %w", err)
	}
	defer closeB()

	// Count everything that lands on b's side; a is the sender.
	sessB.OnUpdate(func() {
		atomic.AddInt64(&col.received, 1)
	})

	deadline := time.After(duration)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	seq := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-deadline:
			return nil
		case <-ticker.C:
			seq++
			sendStart := time.Now()
			if _, err := sessA.Send(ctx, fmt.Sprintf("pair %d message %d", pair, seq)); err != nil {
				atomic.AddInt64(&col.errors, 1)
				continue
			}
			atomic.AddInt64(&col.sent, 1)
			col.addLatency(time.Since(sendStart))
		}
	}
}

// openSession builds the transport/manager/session stack for one user and
// returns a cleanup func that tears all of it down.
func openSession(ctx context.Context, wsURL string, rest *client.RESTClient, chatID, user string) (*client.ChatSession, func(), error) {
	transport := client.NewTransport(wsURL, user, client.DefaultTransportConfig())
	manager := client.NewManager(transport)
	sess, err := client.OpenChat(ctx, manager, rest, chatID, user)
	if err != nil {
		manager.Close()
		return nil, nil, err
	}
	cleanup := func() {
		sess.Close()
		manager.Close()
	}
	return sess, cleanup, nil
}
