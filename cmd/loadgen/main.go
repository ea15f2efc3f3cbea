// Load generator for testing Keel against historical shipment data.
//
// Usage:
//   go run cmd/loadgen/main.go -csv /path/to/shipments.csv -url http://localhost:8080
//
// This tool:
//   1. Reads shipment data (subject, cost, service type, lane)
//   2. Sends each shipment to Keel for a margin quote
//   3. Tracks which rule origin and criterion fired per quote
//   4. Reports latency, throughput, and rule-hit distribution
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Shipment represents a row from the shipment CSV
type Shipment struct {
	SubjectID   string
	BaseAmount  float64
	ServiceType string
	Origin      string
	Destination string
}

// CalculateRequest is the Keel API request format
type CalculateRequest struct {
	SubjectID   string  `json:"subjectId"`
	BaseAmount  float64 `json:"baseAmount"`
	ServiceType string  `json:"serviceType,omitempty"`
	Origin      string  `json:"origin,omitempty"`
	Destination string  `json:"destination,omitempty"`
}

// CalculateResponse is the Keel API response format
type CalculateResponse struct {
	CalculationID string `json:"calculationId"`
	RuleSetID     string `json:"ruleSetId"`
	Result        struct {
		MarginAmount        float64 `json:"marginAmount"`
		EffectivePercentage float64 `json:"effectivePercentage"`
		AppliedRuleOrigin   string  `json:"appliedRuleOrigin"`
		AppliedCriterion    string  `json:"appliedCriterion"`
	} `json:"result"`
}

// Metrics tracks load generation results
type Metrics struct {
	RouteHits      int64
	ServiceHits    int64
	VolumeTierHits int64
	DefaultHits    int64

	PercentageWins int64
	MinimumWins    int64

	TotalProcessed int64
	TotalErrors    int64
	NoRuleSet      int64

	TotalMarginCents int64
	ProcessingTimeMs int64
}

func main() {
	// Parse flags
	csvPath := flag.String("csv", "", "Path to shipment CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "Keel base URL")
	tenantID := flag.String("tenant", "loadgen-test", "Tenant ID for requests")
	limit := flag.Int("limit", 10000, "Maximum shipments to process (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	verbose := flag.Bool("verbose", false, "Print each quote result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: loadgen -csv /path/to/shipments.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║            KEEL LOADGEN - Shipment Margin Replay              ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nCSV File:   %s\n", *csvPath)
	fmt.Printf("Keel URL:   %s\n", *baseURL)
	fmt.Printf("Tenant ID:  %s\n", *tenantID)
	fmt.Printf("Workers:    %d\n", *workers)
	fmt.Printf("Limit:      %d\n", *limit)
	fmt.Println()

	// Check Keel is running
	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Keel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Keel is running:")
		fmt.Println("  cd keel && go run cmd/keel/main.go")
		os.Exit(1)
	}
	fmt.Println("✓ Keel is healthy")

	// Read shipment data
	fmt.Printf("\nReading shipments from %s...\n", *csvPath)
	shipments, err := readShipmentCSV(*csvPath, *limit)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Loaded %d shipments\n", len(shipments))

	// Run load
	fmt.Printf("\nRunning load with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runLoad(shipments, *baseURL, *tenantID, *workers, *verbose)
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

func readShipmentCSV(path string, limit int) ([]Shipment, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)

	// Read header
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	// Map column indices
	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}

	col := func(record []string, name string) string {
		i, ok := colIndex[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	var shipments []Shipment

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		amount, err := strconv.ParseFloat(col(record, "baseamount"), 64)
		if err != nil || amount < 0 {
			continue
		}

		shipment := Shipment{
			SubjectID:   col(record, "subjectid"),
			BaseAmount:  amount,
			ServiceType: col(record, "servicetype"),
			Origin:      col(record, "origin"),
			Destination: col(record, "destination"),
		}
		if shipment.SubjectID == "" {
			continue
		}

		shipments = append(shipments, shipment)

		if limit > 0 && len(shipments) >= limit {
			break
		}
	}

	return shipments, nil
}

func runLoad(shipments []Shipment, baseURL, tenantID string, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{}

	// Create work channel
	work := make(chan Shipment, 100)
	var wg sync.WaitGroup

	// Start workers
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for shipment := range work {
				start := time.Now()
				result, status, err := quoteShipment(client, baseURL, tenantID, shipment)
				elapsed := time.Since(start).Milliseconds()

				atomic.AddInt64(&metrics.ProcessingTimeMs, elapsed)
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					if status == http.StatusNotFound {
						atomic.AddInt64(&metrics.NoRuleSet, 1)
					} else {
						atomic.AddInt64(&metrics.TotalErrors, 1)
					}
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", shipment.SubjectID, err)
					}
					continue
				}

				switch result.Result.AppliedRuleOrigin {
				case "route":
					atomic.AddInt64(&metrics.RouteHits, 1)
				case "service":
					atomic.AddInt64(&metrics.ServiceHits, 1)
				case "volume_tier":
					atomic.AddInt64(&metrics.VolumeTierHits, 1)
				default:
					atomic.AddInt64(&metrics.DefaultHits, 1)
				}

				if result.Result.AppliedCriterion == "minimum" {
					atomic.AddInt64(&metrics.MinimumWins, 1)
				} else {
					atomic.AddInt64(&metrics.PercentageWins, 1)
				}

				atomic.AddInt64(&metrics.TotalMarginCents, int64(result.Result.MarginAmount*100))

				if verbose {
					fmt.Printf("✓ %-14s | Cost: $%10.2f | Margin: $%8.2f (%.2f%%) | Origin: %-11s | Criterion: %s\n",
						shipment.SubjectID,
						shipment.BaseAmount,
						result.Result.MarginAmount,
						result.Result.EffectivePercentage,
						result.Result.AppliedRuleOrigin,
						result.Result.AppliedCriterion,
					)
				}
			}
		}()
	}

	// Send work
	for _, shipment := range shipments {
		work <- shipment
	}
	close(work)

	// Wait for completion
	wg.Wait()

	return metrics
}

func quoteShipment(client *http.Client, baseURL, tenantID string, shipment Shipment) (*CalculateResponse, int, error) {
	req := CalculateRequest{
		SubjectID:   shipment.SubjectID,
		BaseAmount:  shipment.BaseAmount,
		ServiceType: shipment.ServiceType,
		Origin:      shipment.Origin,
		Destination: shipment.Destination,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, 0, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/calculate", bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", tenantID)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result CalculateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, resp.StatusCode, err
	}

	return &result, resp.StatusCode, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                       LOADGEN RESULTS                         ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\n📊 REPLAY STATISTICS\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   No Rule Set:      %d\n", m.NoRuleSet)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	quoted := m.RouteHits + m.ServiceHits + m.VolumeTierHits + m.DefaultHits

	fmt.Printf("\n🎯 RULE ORIGIN DISTRIBUTION\n")
	if quoted > 0 {
		fmt.Printf("   Route:        %8d (%.2f%%)\n", m.RouteHits, 100*float64(m.RouteHits)/float64(quoted))
		fmt.Printf("   Service:      %8d (%.2f%%)\n", m.ServiceHits, 100*float64(m.ServiceHits)/float64(quoted))
		fmt.Printf("   Volume Tier:  %8d (%.2f%%)\n", m.VolumeTierHits, 100*float64(m.VolumeTierHits)/float64(quoted))
		fmt.Printf("   Default:      %8d (%.2f%%)\n", m.DefaultHits, 100*float64(m.DefaultHits)/float64(quoted))

		fmt.Printf("\n⚖️  CRITERION DISTRIBUTION\n")
		fmt.Printf("   Percentage:   %8d (%.2f%%)\n", m.PercentageWins, 100*float64(m.PercentageWins)/float64(quoted))
		fmt.Printf("   Minimum:      %8d (%.2f%%)\n", m.MinimumWins, 100*float64(m.MinimumWins)/float64(quoted))

		fmt.Printf("\n💰 MARGIN\n")
		totalMargin := float64(m.TotalMarginCents) / 100
		fmt.Printf("   Total Quoted:  $%.2f\n", totalMargin)
		fmt.Printf("   Avg per Quote: $%.2f\n", totalMargin/float64(quoted))
	}

	fmt.Printf("\n⏱️  PERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalProcessed)
		tps := float64(m.TotalProcessed) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f quotes/sec\n", tps)
	}

	fmt.Println()
}
