package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Config holds the benchmark settings
var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
)

// Metrics
var (
	totalRequests uint64
	staged        uint64
	duplicates    uint64
	rejected      uint64
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "unique", "Workload type: unique | redelivery")
}

func main() {
	flag.Parse()
	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s", workload, concurrency, duration)

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, start)
	}

	wg.Wait()
	printResults(time.Since(start))
}

func worker(wg *sync.WaitGroup, start time.Time) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Second}

	for time.Since(start) < duration {
		payload := map[string]string{
			"TransactionType": "Pay Bill",
			"TransID":         generateTransID(),
			"TransTime":       time.Now().Format("20060102150405"),
			"TransAmount":     fmt.Sprintf("KES %d.00", rand.Intn(5000)+100),
			"BillRefNumber":   fmt.Sprintf("ACC%04d", rand.Intn(50)+1),
			"MSISDN":          fmt.Sprintf("2547%08d", rand.Intn(100000000)),
		}
		body, _ := json.Marshal(payload)

		req, _ := http.NewRequest("POST", targetURL+"/api/v1/webhooks/payments", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch {
		case resp.StatusCode == 200:
			buf := new(bytes.Buffer)
			buf.ReadFrom(resp.Body)
			if bytes.Contains(buf.Bytes(), []byte("Duplicate")) {
				atomic.AddUint64(&duplicates, 1)
			} else {
				atomic.AddUint64(&staged, 1)
			}
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			atomic.AddUint64(&rejected, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		resp.Body.Close()
	}
}

func generateTransID() string {
	if workload == "redelivery" {
		// Redelivery: 50% of traffic reuses a small id pool, exercising the
		// dedup path under concurrency.
		if rand.Float32() < 0.50 {
			return fmt.Sprintf("BENCH-HOT-%d", rand.Intn(100))
		}
	}
	return fmt.Sprintf("BENCH-%d-%d", rand.Intn(1000), time.Now().UnixNano())
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	newStaged := atomic.LoadUint64(&staged)
	dup := atomic.LoadUint64(&duplicates)
	rej := atomic.LoadUint64(&rejected)
	fErr := atomic.LoadUint64(&failOther)

	tps := float64(total) / d.Seconds()

	results := map[string]interface{}{
		"workload":       workload,
		"duration_sec":   d.Seconds(),
		"total_requests": total,
		"throughput_tps": tps,
		"staged":         newStaged,
		"duplicates":     dup,
		"rejected":       rej,
		"errors":         fErr,
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	filename := fmt.Sprintf("results_%s.json", workload)
	file, _ := os.Create(filename)
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
