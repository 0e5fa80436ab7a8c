// Benchmark tool for load-testing Kestrel with synthetic SSH auth traffic.
//
// Usage:
//   go run cmd/benchmark/main.go -url http://localhost:8080 -events 10000
//
// This tool:
//   1. Generates a synthetic population of users and source IPs
//   2. Mixes normal login traffic with simulated brute-force bursts
//   3. Sends each event to Kestrel for evaluation
//   4. Reports the action distribution and latency percentiles
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brianvoe/gofakeit/v7"
)

// AuthEvent is the Kestrel API request format
type AuthEvent struct {
	IP           string         `json:"ip"`
	Username     string         `json:"username"`
	EventType    string         `json:"eventType"`
	TargetServer string         `json:"targetServer,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`

	// Label for reporting only, not sent to the API
	attack bool
}

// EvaluateResponse is the Kestrel API response format
type EvaluateResponse struct {
	Decision struct {
		ID            string `json:"id"`
		Action        string `json:"action"`
		RiskScore     int    `json:"riskScore"`
		AdjustedScore int    `json:"adjustedScore"`
		TriggeredRules []struct {
			RuleID string `json:"ruleId"`
		} `json:"triggeredRules"`
	} `json:"decision"`
}

// Metrics tracks benchmark results
type Metrics struct {
	TotalProcessed int64
	TotalErrors    int64

	ActionNone  int64
	ActionAlert int64
	ActionHold  int64
	ActionBlock int64

	AttackEvents  int64
	AttackFlagged int64 // attack events that got alert/hold/block

	mu        sync.Mutex
	latencies []time.Duration
}

func (m *Metrics) recordLatency(d time.Duration) {
	m.mu.Lock()
	m.latencies = append(m.latencies, d)
	m.mu.Unlock()
}

func main() {
	// Parse flags
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	tenantID := flag.String("tenant", "benchmark-test", "Tenant ID for requests")
	events := flag.Int("events", 10000, "Number of auth events to send")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	users := flag.Int("users", 200, "Size of the synthetic user population")
	attackRate := flag.Float64("attack", 0.1, "Fraction of events that belong to brute-force bursts (0.0-1.0)")
	seed := flag.Int64("seed", 0, "Random seed (0 = time-based)")
	verbose := flag.Bool("verbose", false, "Print each event result")
	flag.Parse()

	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}
	faker := gofakeit.New(uint64(*seed))
	rng := rand.New(rand.NewSource(*seed))

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║          KESTREL BENCHMARK - Synthetic SSH Auth Load          ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nKestrel URL: %s\n", *baseURL)
	fmt.Printf("Tenant ID:   %s\n", *tenantID)
	fmt.Printf("Events:      %d\n", *events)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Users:       %d\n", *users)
	fmt.Printf("Attack Rate: %.2f\n", *attackRate)
	fmt.Printf("Seed:        %d\n", *seed)
	fmt.Println()

	// Check Kestrel is running
	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  cd kestrel && go run cmd/kestrel/main.go")
		os.Exit(1)
	}
	fmt.Println("✓ Kestrel is healthy")

	// Generate synthetic traffic
	fmt.Printf("\nGenerating %d synthetic auth events...\n", *events)
	traffic := generateTraffic(faker, rng, *events, *users, *attackRate)
	attackCount := 0
	for _, ev := range traffic {
		if ev.attack {
			attackCount++
		}
	}
	fmt.Printf("✓ Generated %d events\n", len(traffic))
	fmt.Printf("  - Normal: %d (%.2f%%)\n", len(traffic)-attackCount, 100*float64(len(traffic)-attackCount)/float64(len(traffic)))
	fmt.Printf("  - Attack: %d (%.2f%%)\n", attackCount, 100*float64(attackCount)/float64(len(traffic)))

	// Run benchmark
	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(traffic, *baseURL, *tenantID, *workers, *verbose)
	duration := time.Since(startTime)

	// Print results
	printResults(metrics, duration)
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// generateTraffic builds a mixed workload. Normal traffic is mostly
// successful logins from a stable per-user IP with occasional typo
// failures. Attack traffic arrives in bursts: one hostile IP hammering
// many usernames with failed attempts.
func generateTraffic(faker *gofakeit.Faker, rng *rand.Rand, total, userCount int, attackRate float64) []AuthEvent {
	type account struct {
		username string
		homeIP   string
	}

	population := make([]account, userCount)
	for i := range population {
		population[i] = account{
			username: faker.Username(),
			homeIP:   faker.IPv4Address(),
		}
	}

	servers := []string{"bastion-1", "bastion-2", "web-prod-1", "db-prod-1"}

	var traffic []AuthEvent
	for len(traffic) < total {
		if rng.Float64() < attackRate {
			// Brute-force burst: one IP, many usernames, all failures
			attackerIP := faker.IPv4Address()
			server := servers[rng.Intn(len(servers))]
			burst := 5 + rng.Intn(15)
			for i := 0; i < burst && len(traffic) < total; i++ {
				victim := population[rng.Intn(len(population))]
				traffic = append(traffic, AuthEvent{
					IP:           attackerIP,
					Username:     victim.username,
					EventType:    "failed",
					TargetServer: server,
					Metadata:     map[string]any{"authMethod": "password"},
					attack:       true,
				})
			}
			continue
		}

		acct := population[rng.Intn(len(population))]
		eventType := "successful"
		if rng.Float64() < 0.05 {
			eventType = "failed" // fat-fingered password
		}
		traffic = append(traffic, AuthEvent{
			IP:           acct.homeIP,
			Username:     acct.username,
			EventType:    eventType,
			TargetServer: servers[rng.Intn(len(servers))],
			Metadata:     map[string]any{"authMethod": "publickey"},
		})
	}

	return traffic
}

func runBenchmark(traffic []AuthEvent, baseURL, tenantID string, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{}

	work := make(chan AuthEvent, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for ev := range work {
				start := time.Now()
				result, err := evaluateEvent(client, baseURL, tenantID, ev)
				elapsed := time.Since(start)

				metrics.recordLatency(elapsed)
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s@%s -> %v\n", ev.Username, ev.IP, err)
					}
					continue
				}

				if ev.attack {
					atomic.AddInt64(&metrics.AttackEvents, 1)
				}

				switch result.Decision.Action {
				case "block":
					atomic.AddInt64(&metrics.ActionBlock, 1)
				case "hold":
					atomic.AddInt64(&metrics.ActionHold, 1)
				case "alert":
					atomic.AddInt64(&metrics.ActionAlert, 1)
				default:
					atomic.AddInt64(&metrics.ActionNone, 1)
				}
				if ev.attack && result.Decision.Action != "none" {
					atomic.AddInt64(&metrics.AttackFlagged, 1)
				}

				if verbose {
					fmt.Printf("%-16s | %-20s | %-10s | Action: %-5s | Score: %3d | Rules: %d\n",
						ev.IP,
						ev.Username,
						ev.EventType,
						result.Decision.Action,
						result.Decision.AdjustedScore,
						len(result.Decision.TriggeredRules),
					)
				}
			}
		}()
	}

	for _, ev := range traffic {
		work <- ev
	}
	close(work)

	wg.Wait()

	return metrics
}

func evaluateEvent(client *http.Client, baseURL, tenantID string, ev AuthEvent) (*EvaluateResponse, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/events", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", tenantID)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result EvaluateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	return &result, nil
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      BENCHMARK RESULTS                        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\n📊 TRAFFIC STATISTICS\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Attack Events:    %d\n", m.AttackEvents)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\n⚖️  ACTION DISTRIBUTION\n")
	fmt.Printf("   none:   %8d\n", m.ActionNone)
	fmt.Printf("   alert:  %8d\n", m.ActionAlert)
	fmt.Printf("   hold:   %8d\n", m.ActionHold)
	fmt.Printf("   block:  %8d\n", m.ActionBlock)

	if m.AttackEvents > 0 {
		catchRate := float64(m.AttackFlagged) / float64(m.AttackEvents) * 100
		fmt.Printf("\n🔍 DETECTION ANALYSIS\n")
		fmt.Printf("   Attack Flagged:   %d / %d (%.2f%%)\n", m.AttackFlagged, m.AttackEvents, catchRate)
		fmt.Printf("   Attack Missed:    %d / %d (%.2f%%)\n", m.AttackEvents-m.AttackFlagged, m.AttackEvents, 100-catchRate)
		if m.AttackFlagged == 0 {
			fmt.Println("   Note: detection requires active rules - configure via POST /rules")
		}
	}

	m.mu.Lock()
	sorted := make([]time.Duration, len(m.latencies))
	copy(sorted, m.latencies)
	m.mu.Unlock()
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	fmt.Printf("\n⏱️  PERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if len(sorted) > 0 {
		var sum time.Duration
		for _, d := range sorted {
			sum += d
		}
		eps := float64(m.TotalProcessed) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %v\n", (sum / time.Duration(len(sorted))).Round(time.Microsecond))
		fmt.Printf("   p50 Latency:      %v\n", percentile(sorted, 0.50).Round(time.Microsecond))
		fmt.Printf("   p95 Latency:      %v\n", percentile(sorted, 0.95).Round(time.Microsecond))
		fmt.Printf("   p99 Latency:      %v\n", percentile(sorted, 0.99).Round(time.Microsecond))
		fmt.Printf("   Throughput:       %.2f events/sec\n", eps)
	}

	fmt.Println()
}
