package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/decoyhq/mirage/pkg/mirage"
)

// LoadTestConfig holds load test parameters
type LoadTestConfig struct {
	NumRequests    int
	Concurrency    int
	HostileRatio   float64
	ReportInterval time.Duration
	RulesPath      string
	PoliciesPath   string
}

// LoadTestStats tracks test metrics
type LoadTestStats struct {
	TotalRequests   uint64
	Allowed         uint64
	Countermeasures uint64
	Blocked         uint64
	FailClosed      uint64
	HostileSent     uint64
	HostileCaught   uint64
	BenignSent      uint64
	BenignAllowed   uint64

	TotalDuration       time.Duration
	AvgLatency          time.Duration
	MaxLatency          time.Duration
	MinLatency          time.Duration
	P95Latency          time.Duration
	P99Latency          time.Duration
	ThroughputPerSecond float64
}

// profile shapes one simulated client's requests.
type profile struct {
	name  string
	build func(seq int, session, addr string) *mirage.Request
}

var browsing = profile{
	name: "browsing",
	build: func(seq int, session, addr string) *mirage.Request {
		return &mirage.Request{
			SourceAddress: addr,
			UserAgent:     "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36",
			Endpoint:      "/api/products",
			Query:         fmt.Sprintf("page=%d", seq%40),
			SessionID:     session,
		}
	},
}

var hostileProfiles = []profile{
	{
		name: "sql_injection",
		build: func(seq int, session, addr string) *mirage.Request {
			return &mirage.Request{
				SourceAddress: addr,
				UserAgent:     "sqlmap/1.7",
				Endpoint:      "/api/users",
				Body:          `{"filter": "name='x' OR '1'='1'"}`,
				SessionID:     session,
			}
		},
	},
	{
		name: "path_traversal",
		build: func(seq int, session, addr string) *mirage.Request {
			return &mirage.Request{
				SourceAddress: addr,
				UserAgent:     "curl/8.5.0",
				Endpoint:      "/api/files",
				Query:         "path=../../../etc/passwd",
				SessionID:     session,
			}
		},
	},
	{
		name: "secret_probe",
		build: func(seq int, session, addr string) *mirage.Request {
			return &mirage.Request{
				SourceAddress: addr,
				UserAgent:     "python-requests/2.31",
				Endpoint:      "/.env",
				SessionID:     session,
			}
		},
	},
	{
		name: "scraping",
		build: func(seq int, session, addr string) *mirage.Request {
			return &mirage.Request{
				SourceAddress: addr,
				UserAgent:     "python-requests/2.31",
				Endpoint:      "/api/products",
				Query:         fmt.Sprintf("page=%d", seq),
				SessionID:     session,
			}
		},
	},
}

func main() {
	// Parse flags
	numRequests := flag.Int("requests", 2000, "Number of requests to simulate")
	concurrency := flag.Int("concurrency", 50, "Number of concurrent workers")
	hostileRatio := flag.Float64("hostile", 0.3, "Fraction of traffic drawn from hostile profiles (0..1)")
	reportInterval := flag.Duration("report", 5*time.Second, "Stats reporting interval")
	rulesPath := flag.String("rules", "configs/rules.yaml", "path to the detection rule book")
	policiesPath := flag.String("policies", "configs/policies.yaml", "path to the deception policy book")
	flag.Parse()

	config := LoadTestConfig{
		NumRequests:    *numRequests,
		Concurrency:    *concurrency,
		HostileRatio:   *hostileRatio,
		ReportInterval: *reportInterval,
		RulesPath:      *rulesPath,
		PoliciesPath:   *policiesPath,
	}

	slog.Info("🚀 Starting Defense Pipeline Load Test")
	slog.Info("Requests", "num_requests", config.NumRequests)
	slog.Info("Concurrency", "concurrency", config.Concurrency)
	slog.Info("Hostile ratio", "hostile_ratio", config.HostileRatio)

	stats, mix, scenarios, err := runLoadTest(config)
	if err != nil {
		slog.Error("Load test failed", "error", err)
		return
	}

	// Print final results
	printResults(stats, mix, scenarios)
}

func runLoadTest(config LoadTestConfig) (*LoadTestStats, map[string]uint64, map[string]uint64, error) {
	// The whole pipeline runs in-process, no listener involved.
	eng, err := mirage.New(mirage.Config{
		RulesPath:    config.RulesPath,
		PoliciesPath: config.PoliciesPath,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	defer eng.Close()

	// Ten simulated clients per class. Each hostile client sticks to one
	// attack profile so its history accumulates the way a real scanner's
	// would.
	benignSessions := make([]string, 10)
	hostileSessions := make([]string, 10)
	for i := range benignSessions {
		benignSessions[i] = uuid.NewString()
		hostileSessions[i] = uuid.NewString()
	}

	// Stats tracking
	stats := &LoadTestStats{
		MinLatency: time.Hour, // Initialize to large value
	}
	mix := make(map[string]uint64)
	scenarios := make(map[string]uint64)
	var latencies []time.Duration
	var mu sync.Mutex

	// Worker pool
	reqChan := make(chan int, config.NumRequests)
	var wg sync.WaitGroup

	// Start stats reporter
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reportStats(ctx, stats, config.ReportInterval)

	// Start workers
	startTime := time.Now()
	for i := 0; i < config.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for reqID := range reqChan {
				processRequest(eng, config, reqID, benignSessions, hostileSessions, stats, mix, scenarios, &latencies, &mu)
			}
		}()
	}

	// Feed requests
	for i := 0; i < config.NumRequests; i++ {
		reqChan <- i
	}
	close(reqChan)

	// Wait for completion
	wg.Wait()
	totalDuration := time.Since(startTime)

	// Calculate final stats
	stats.TotalDuration = totalDuration
	stats.ThroughputPerSecond = float64(stats.TotalRequests) / totalDuration.Seconds()

	// Calculate latency percentiles
	mu.Lock()
	if len(latencies) > 0 {
		stats.AvgLatency = calculateAverage(latencies)
		stats.P95Latency = calculatePercentile(latencies, 95)
		stats.P99Latency = calculatePercentile(latencies, 99)
	}
	mu.Unlock()

	return stats, mix, scenarios, nil
}

func processRequest(
	eng *mirage.Engine,
	config LoadTestConfig,
	reqID int,
	benignSessions, hostileSessions []string,
	stats *LoadTestStats,
	mix map[string]uint64,
	scenarios map[string]uint64,
	latencies *[]time.Duration,
	mu *sync.Mutex,
) {
	hostile := reqID%100 < int(config.HostileRatio*100)
	clientID := reqID % 10

	p := browsing
	var req *mirage.Request
	if hostile {
		p = hostileProfiles[clientID%len(hostileProfiles)]
		addr := fmt.Sprintf("198.51.100.%d:40%03d", clientID+1, clientID)
		req = p.build(reqID, hostileSessions[clientID], addr)
		atomic.AddUint64(&stats.HostileSent, 1)
	} else {
		addr := fmt.Sprintf("203.0.113.%d:50%03d", clientID+1, clientID)
		req = browsing.build(reqID, benignSessions[clientID], addr)
		atomic.AddUint64(&stats.BenignSent, 1)
	}

	// Measure classification latency
	start := time.Now()
	v := eng.Process(req)
	latency := time.Since(start)

	// Update stats
	atomic.AddUint64(&stats.TotalRequests, 1)

	switch v.Action {
	case mirage.ActionAllow:
		atomic.AddUint64(&stats.Allowed, 1)
	case mirage.ActionCountermeasures:
		atomic.AddUint64(&stats.Countermeasures, 1)
	case mirage.ActionBlock:
		atomic.AddUint64(&stats.Blocked, 1)
	}
	if v.FailClosed {
		atomic.AddUint64(&stats.FailClosed, 1)
	}
	if hostile && v.Action != mirage.ActionAllow {
		atomic.AddUint64(&stats.HostileCaught, 1)
	}
	if !hostile && v.Action == mirage.ActionAllow {
		atomic.AddUint64(&stats.BenignAllowed, 1)
	}

	// Track latency, traffic mix and scenario spread
	mu.Lock()
	*latencies = append(*latencies, latency)
	if latency > stats.MaxLatency {
		stats.MaxLatency = latency
	}
	if latency < stats.MinLatency {
		stats.MinLatency = latency
	}
	mix[p.name]++
	if v.Scenario != "" {
		scenarios[v.Scenario]++
	}
	mu.Unlock()
}

func reportStats(ctx context.Context, stats *LoadTestStats, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			total := atomic.LoadUint64(&stats.TotalRequests)
			allowed := atomic.LoadUint64(&stats.Allowed)
			counter := atomic.LoadUint64(&stats.Countermeasures)
			blocked := atomic.LoadUint64(&stats.Blocked)

			slog.Info("Progress", "total", total, "allow", allowed, "countermeasures", counter, "block", blocked)
		case <-ctx.Done():
			return
		}
	}
}

func printResults(stats *LoadTestStats, mix, scenarios map[string]uint64) {
	separator := "================================================================================"
	divider := "--------------------------------------------------------------------------------"

	fmt.Println("\n" + separator)
	fmt.Println("📊 LOAD TEST RESULTS")
	fmt.Println(separator)
	fmt.Printf("Total Requests:         %d\n", stats.TotalRequests)
	fmt.Printf("Allowed:                %d (%.2f%%)\n",
		stats.Allowed,
		float64(stats.Allowed)/float64(stats.TotalRequests)*100)
	fmt.Printf("Countermeasures:        %d (%.2f%%)\n",
		stats.Countermeasures,
		float64(stats.Countermeasures)/float64(stats.TotalRequests)*100)
	fmt.Printf("Blocked:                %d (%.2f%%)\n",
		stats.Blocked,
		float64(stats.Blocked)/float64(stats.TotalRequests)*100)
	fmt.Printf("Fail-Closed:            %d\n", stats.FailClosed)
	fmt.Println(divider)
	fmt.Println("Traffic mix:")
	for name, n := range mix {
		fmt.Printf("  %-24s %d\n", name, n)
	}
	fmt.Println(divider)
	if len(scenarios) > 0 {
		fmt.Println("Scenario spread:")
		for name, n := range scenarios {
			fmt.Printf("  %-24s %d\n", name, n)
		}
		fmt.Println(divider)
	}
	fmt.Printf("Total Duration:         %v\n", stats.TotalDuration)
	fmt.Printf("Throughput:             %.2f req/sec\n", stats.ThroughputPerSecond)
	fmt.Println(divider)
	fmt.Printf("Latency (min):          %v\n", stats.MinLatency)
	fmt.Printf("Latency (avg):          %v\n", stats.AvgLatency)
	fmt.Printf("Latency (p95):          %v\n", stats.P95Latency)
	fmt.Printf("Latency (p99):          %v\n", stats.P99Latency)
	fmt.Printf("Latency (max):          %v\n", stats.MaxLatency)
	fmt.Println(separator)

	// Performance assessment
	if stats.ThroughputPerSecond >= 500 {
		fmt.Println("✅ PASS: Throughput meets target (>500 req/sec)")
	} else {
		fmt.Println("❌ FAIL: Throughput below target (<500 req/sec)")
	}

	if stats.HostileSent > 0 {
		containment := float64(stats.HostileCaught) / float64(stats.HostileSent) * 100
		if containment >= 95 {
			fmt.Printf("✅ PASS: Hostile containment meets target (%.2f%% >= 95%%)\n", containment)
		} else {
			fmt.Printf("❌ FAIL: Hostile containment below target (%.2f%% < 95%%)\n", containment)
		}
	}

	if stats.BenignSent > 0 {
		passRate := float64(stats.BenignAllowed) / float64(stats.BenignSent) * 100
		if passRate >= 95 {
			fmt.Printf("✅ PASS: Benign pass rate meets target (%.2f%% >= 95%%)\n", passRate)
		} else {
			fmt.Printf("⚠️  WARN: Benign pass rate below target (%.2f%% < 95%%)\n", passRate)
		}
	}
	fmt.Println(separator + "\n")
}

func calculateAverage(latencies []time.Duration) time.Duration {
	if len(latencies) == 0 {
		return 0
	}

	var total time.Duration
	for _, l := range latencies {
		total += l
	}

	return total / time.Duration(len(latencies))
}

func calculatePercentile(latencies []time.Duration, percentile int) time.Duration {
	if len(latencies) == 0 {
		return 0
	}

	sorted := make([]time.Duration, len(latencies))
	copy(sorted, latencies)

	// Simple bubble sort (good enough for testing)
	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			if sorted[i] > sorted[j] {
				sorted[i], sorted[j] = sorted[j], sorted[i]
			}
		}
	}

	// Calculate percentile index
	idx := int(float64(len(sorted)) * float64(percentile) / 100.0)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}

	return sorted[idx]
}
