// Load generator for the scan submission endpoint. Each worker posts
// uniquely-random payloads (anonymous submissions, so every request exercises
// the full analyze-and-persist path) or, with -workload duplicate, repeats
// one payload under a bearer token to measure the duplicate short-circuit.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"mime/multipart"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
	token       string
)

var (
	totalRequests uint64
	created201    uint64
	duplicate200  uint64
	gated402      uint64
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "unique", "Workload type: unique | duplicate")
	flag.StringVar(&token, "token", "", "Bearer token (required for duplicate workload)")
}

func main() {
	flag.Parse()
	if workload == "duplicate" && token == "" {
		log.Fatal("duplicate workload needs -token: duplicates are detected per account")
	}
	log.Printf("Starting loadgen: %s | Workers: %d | Duration: %s", workload, concurrency, duration)

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	fixed := randomPayload()
	for i := 0; i < concurrency; i++ {
		go worker(&wg, start, fixed)
	}

	wg.Wait()
	printResults(time.Since(start))
}

func worker(wg *sync.WaitGroup, start time.Time, fixed []byte) {
	defer wg.Done()
	client := &http.Client{Timeout: 150 * time.Second}

	for time.Since(start) < duration {
		payload := fixed
		if workload != "duplicate" {
			payload = randomPayload()
		}

		var body bytes.Buffer
		mw := multipart.NewWriter(&body)
		part, _ := mw.CreateFormFile("file", "sample.skill")
		part.Write(payload)
		mw.Close()

		req, _ := http.NewRequest(http.MethodPost, targetURL+"/api/v1/scans", &body)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := client.Do(req)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch resp.StatusCode {
		case http.StatusCreated:
			atomic.AddUint64(&created201, 1)
		case http.StatusOK:
			atomic.AddUint64(&duplicate200, 1)
		case http.StatusPaymentRequired:
			atomic.AddUint64(&gated402, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		resp.Body.Close()
	}
}

func randomPayload() []byte {
	buf := make([]byte, 2048)
	rand.Read(buf)
	// Minimal zip local-file-header magic so size/extension validation passes
	// and the analyzer gets something archive-shaped.
	copy(buf, []byte{0x50, 0x4b, 0x03, 0x04})
	return buf
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	results := map[string]interface{}{
		"workload":       workload,
		"duration_sec":   d.Seconds(),
		"total_requests": total,
		"throughput_rps": float64(total) / d.Seconds(),
		"created":        atomic.LoadUint64(&created201),
		"duplicates":     atomic.LoadUint64(&duplicate200),
		"gated":          atomic.LoadUint64(&gated402),
		"errors":         atomic.LoadUint64(&failOther),
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	filename := fmt.Sprintf("results_%s.json", workload)
	file, _ := os.Create(filename)
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
