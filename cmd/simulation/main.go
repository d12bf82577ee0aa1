// Command simulation load-drives a running paperexec server: it opens
// concurrent workers that authenticate, create KSS pyramid sessions
// across a handful of symbols, start them, and poll the summary
// endpoint, then prints per-route latency statistics.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ksred/paperexec/internal/auth"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	minSessions   = 15
	maxSessions   = 60
	numWorkers    = 5
	serverAddress = "http://localhost:8080"
)

var symbols = []string{"BTC-USD", "ETH-USD", "SOL-USD", "XRP-USD", "DOGE-USD"}

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// routeStats tracks performance statistics for an API endpoint.
type routeStats struct {
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

func (rs *routeStats) addDuration(d time.Duration) {
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
}

func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}
	sort.Slice(rs.durations, func(i, j int) bool { return rs.durations[i] < rs.durations[j] })

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))
	median = rs.durations[len(rs.durations)/2]

	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]
	return
}

// simulationClient handles HTTP communication with a running paperexec server.
type simulationClient struct {
	baseURL   string
	authToken string
	client    *http.Client
	stats     map[string]*routeStats
}

func newSimulationClient() (*simulationClient, error) {
	sc := &simulationClient{
		baseURL: serverAddress,
		client:  &http.Client{Timeout: 10 * time.Second},
		stats: map[string]*routeStats{
			"auth":    {name: "Authentication"},
			"create":  {name: "Create Session"},
			"start":   {name: "Start Session"},
			"summary": {name: "Summary"},
		},
	}

	token, err := sc.authenticate()
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}
	sc.authToken = token
	return sc, nil
}

func (sc *simulationClient) authenticate() (string, error) {
	start := time.Now()
	defer func() { sc.stats["auth"].addDuration(time.Since(start)) }()

	credentials := map[string]string{
		"api_key":    auth.TestAPIKey,
		"api_secret": auth.TestAPISecret,
	}
	body, err := json.Marshal(credentials)
	if err != nil {
		return "", err
	}

	resp, err := sc.client.Post(sc.baseURL+"/api/v1/auth/token", "application/json", bytes.NewBuffer(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("authentication failed with status: %d", resp.StatusCode)
	}

	var result struct {
		Data struct {
			Token string `json:"jwt_token"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	return result.Data.Token, nil
}

type createSessionBody struct {
	Symbol        string  `json:"symbol"`
	EntryPrice    string  `json:"entry_price"`
	DistancePct   float64 `json:"distance_pct"`
	MaxWaves      int     `json:"max_waves"`
	IsolatedFund  string  `json:"isolated_fund"`
	TPPct         float64 `json:"tp_pct"`
	TimeoutMin    float64 `json:"timeout_min"`
	GapMin        float64 `json:"gap_min"`
	PipMultiplier float64 `json:"pip_multiplier"`
}

// createSession opens a new pyramid session and returns its ID.
func (sc *simulationClient) createSession(symbol string, entryPrice float64) (int64, error) {
	start := time.Now()
	defer func() { sc.stats["create"].addDuration(time.Since(start)) }()

	reqBody := createSessionBody{
		Symbol:        symbol,
		EntryPrice:    fmt.Sprintf("%.2f", entryPrice),
		DistancePct:   1.5,
		MaxWaves:      5,
		IsolatedFund:  "1000",
		TPPct:         2.0,
		TimeoutMin:    60,
		GapMin:        5,
		PipMultiplier: 2.0,
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequest("POST", sc.baseURL+"/kss/sessions", bytes.NewBuffer(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+sc.authToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := sc.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		sc.stats["create"].failures++
		return 0, fmt.Errorf("create session failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Data struct {
			ID int64 `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return 0, fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}
	return result.Data.ID, nil
}

// startSession starts a pyramid session's first wave.
func (sc *simulationClient) startSession(id int64) error {
	start := time.Now()
	defer func() { sc.stats["start"].addDuration(time.Since(start)) }()

	req, err := http.NewRequest("POST", fmt.Sprintf("%s/kss/sessions/%d/start", sc.baseURL, id), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+sc.authToken)

	resp, err := sc.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		sc.stats["start"].failures++
		return fmt.Errorf("start session failed with status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// fetchSummary polls the fleet-wide summary endpoint.
func (sc *simulationClient) fetchSummary() error {
	start := time.Now()
	defer func() { sc.stats["summary"].addDuration(time.Since(start)) }()

	req, err := http.NewRequest("GET", sc.baseURL+"/kss/summary", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+sc.authToken)

	resp, err := sc.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		sc.stats["summary"].failures++
		return fmt.Errorf("summary failed with status %d", resp.StatusCode)
	}
	return nil
}

func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	for _, stats := range sc.stats {
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name, stats.totalCalls, stats.failures,
			min.Round(time.Millisecond), max.Round(time.Millisecond),
			mean.Round(time.Millisecond), median.Round(time.Millisecond),
			p95.Round(time.Millisecond), p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

// main drives the load simulation against an already-running paperexec
// server (start one separately with `go run ./cmd/paperexec`).
func main() {
	simClient, err := newSimulationClient()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize simulation client")
	}

	target := rand.Intn(maxSessions-minSessions) + minSessions
	log.Info().Int("target_sessions", target).Msg("starting simulation")

	ids := make(chan int64, target)
	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			createSessionsHTTP(workerID, target/numWorkers, simClient, ids)
		}(i)
	}
	wg.Wait()
	close(ids)

	var sessionIDs []int64
	for id := range ids {
		sessionIDs = append(sessionIDs, id)
	}
	log.Info().Int("sessions_created", len(sessionIDs)).Msg("all sessions created")

	started := 0
	for _, id := range sessionIDs {
		if err := simClient.startSession(id); err != nil {
			log.Error().Err(err).Int64("session_id", id).Msg("failed to start session")
			continue
		}
		started++
		log.Info().Int64("session_id", id).Msg("session started")
	}

	if err := simClient.fetchSummary(); err != nil {
		log.Error().Err(err).Msg("failed to fetch summary")
	}

	log.Info().
		Int("sessions_created", len(sessionIDs)).
		Int("sessions_started", started).
		Msg("simulation completed")

	simClient.printPerformanceStats()
}

// createSessionsHTTP generates and submits random pyramid sessions,
// sending each created session ID to idsChan.
func createSessionsHTTP(workerID, count int, simClient *simulationClient, idsChan chan<- int64) {
	for i := 0; i < count; i++ {
		symbol := symbols[rand.Intn(len(symbols))]
		entryPrice := 100 + rand.Float64()*900

		id, err := simClient.createSession(symbol, entryPrice)
		if err != nil {
			log.Error().Err(err).Int("worker_id", workerID).Str("symbol", symbol).Msg("failed to create session")
			continue
		}

		idsChan <- id
		log.Info().Int("worker_id", workerID).Int64("session_id", id).Str("symbol", symbol).Msg("session created")

		time.Sleep(time.Duration(rand.Intn(300)) * time.Millisecond)
	}
}
