package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aeolun/golem/pkg/client"
	"github.com/aeolun/golem/pkg/protocol"
	"github.com/aeolun/golem/pkg/snowflake"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat. Duis aute irure dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat nulla pariatur. Excepteur sint occaecat cupidatat non proident, sunt in culpa qui officia deserunt mollit anim id est laborum."

var loremWords = strings.Fields(loremIpsum)

var (
	onsets = []string{"b", "br", "d", "f", "g", "k", "l", "m", "n", "p", "r", "s", "st", "t", "v", "z"}
	vowels = []string{"a", "e", "i", "o", "u", "ai", "ou"}
)

// generateUsername strings together a few pronounceable syllables and a
// numeric suffix so names stay unique across runs.
func generateUsername(id int) string {
	var b strings.Builder
	for i := 0; i < 2+rand.Intn(2); i++ {
		b.WriteString(onsets[rand.Intn(len(onsets))])
		b.WriteString(vowels[rand.Intn(len(vowels))])
	}
	return fmt.Sprintf("%s%d_%04d", b.String(), id, rand.Intn(10000))
}

// getCPULoad returns the 1-minute load average
func getCPULoad() float64 {
	// Read /proc/loadavg on Linux
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}

	// Format: "0.52 0.58 0.59 1/285 12345"
	var load1, load5, load15 float64
	fmt.Sscanf(string(data), "%f %f %f", &load1, &load5, &load15)
	return load1
}

// Stats tracks performance metrics
type Stats struct {
	messagesPosted    atomic.Int64
	messagesFailed    atomic.Int64
	totalResponseTime atomic.Int64 // in microseconds
	connectionErrors  atomic.Int64
	successfulClients atomic.Int64 // clients that successfully connected and started running
	eventsReceived    atomic.Int64

	// Detailed failure tracking
	postFailures   atomic.Int64
	fetchFailures  atomic.Int64
	timeouts       atomic.Int64
	disconnections atomic.Int64

	// Connect phase failure breakdown
	connectRegisterFailed atomic.Int64
	connectLoginFailed    atomic.Int64
	connectDialFailed     atomic.Int64
	connectAuthTimeout    atomic.Int64
}

func (s *Stats) recordSuccess(responseTimeUs int64) {
	s.messagesPosted.Add(1)
	s.totalResponseTime.Add(responseTimeUs)
}

func (s *Stats) recordPostFailure() {
	s.messagesFailed.Add(1)
	s.postFailures.Add(1)
}

func (s *Stats) recordFetchFailure() {
	s.fetchFailures.Add(1)
}

func (s *Stats) recordTimeout() {
	s.messagesFailed.Add(1)
	s.timeouts.Add(1)
}

func (s *Stats) recordConnectionError() {
	s.connectionErrors.Add(1)
}

func (s *Stats) recordDisconnection() {
	s.messagesFailed.Add(1)
	s.disconnections.Add(1)
}

func (s *Stats) snapshot() (posted, failed, connErrors int64, avgResponseUs float64) {
	posted = s.messagesPosted.Load()
	failed = s.messagesFailed.Load()
	connErrors = s.connectionErrors.Load()

	if posted > 0 {
		avgResponseUs = float64(s.totalResponseTime.Load()) / float64(posted)
	}

	return
}

// BotClient represents a fake user for load testing. Each bot registers its
// own account and holds one socket to the room.
type BotClient struct {
	id       int
	nickname string
	api      *client.API
	conn     *client.LoadTestConnection
	stats    *Stats
	room     snowflake.ID
	userID   snowflake.ID
	messages []snowflake.ID // Cache of top-level message ids we've seen
	seq      int
}

func NewBotClient(id int, serverAddr string, room snowflake.ID, stats *Stats) (*BotClient, error) {
	api, err := client.NewAPI(serverAddr)
	if err != nil {
		return nil, err
	}
	conn, err := client.NewLoadTestConnection(serverAddr + "/" + room.String())
	if err != nil {
		return nil, err
	}

	return &BotClient{
		id:       id,
		nickname: generateUsername(id),
		api:      api,
		conn:     conn,
		stats:    stats,
		room:     room,
		messages: make([]snowflake.ID, 0, 100),
	}, nil
}

func (bc *BotClient) Connect(ctx context.Context) error {
	password := strconv.FormatInt(rand.Int63(), 36)
	if _, err := bc.api.Register(ctx, bc.nickname, password); err != nil {
		bc.stats.connectRegisterFailed.Add(1)
		return fmt.Errorf("register: %w", err)
	}
	login, err := bc.api.Login(ctx, bc.nickname, password)
	if err != nil {
		bc.stats.connectLoginFailed.Add(1)
		return fmt.Errorf("login: %w", err)
	}
	bc.userID = login.User.ID

	bc.conn.SetToken(login.Token)
	if err := bc.conn.Connect(ctx); err != nil {
		bc.stats.connectDialFailed.Add(1)
		return fmt.Errorf("conn.Connect: %w", err)
	}

	// A pre-authenticated upgrade answers with AuthResult before anything else
	msg, err := bc.conn.ReceiveUntil(5*time.Second, func(m protocol.ServerMsg) bool {
		return m.Kind() == protocol.EventAuthenticate
	})
	if err != nil {
		bc.stats.connectAuthTimeout.Add(1)
		return fmt.Errorf("receive auth result: %w", err)
	}
	if !msg.(protocol.AuthResult).Success {
		bc.stats.connectAuthTimeout.Add(1)
		return fmt.Errorf("token rejected")
	}
	debugLogger.Printf("[Bot %d] connected as %s (%s)", bc.id, bc.nickname, bc.userID)
	return nil
}

// receive waits for the first event match accepts, counting everything read
// on the way. An Error event always ends the wait.
func (bc *BotClient) receive(timeout time.Duration, match func(protocol.ServerMsg) bool) (protocol.ServerMsg, error) {
	msg, err := bc.conn.ReceiveUntil(timeout, func(m protocol.ServerMsg) bool {
		bc.stats.eventsReceived.Add(1)
		return m.Kind() == protocol.EventError || match(m)
	})
	if err != nil {
		return nil, err
	}
	if msg.Kind() == protocol.EventError {
		return nil, errServerRejected
	}
	return msg, nil
}

var errServerRejected = errors.New("server replied with an error")

func (bc *BotClient) PostRandomMessage() error {
	// Decide: new thread (10%) or reply (90%)
	parent := bc.room
	if rand.Float32() >= 0.1 && len(bc.messages) > 0 {
		parent = bc.messages[rand.Intn(len(bc.messages))]
	}

	// Generate random message content (5-20 words)
	wordCount := 5 + rand.Intn(16)
	words := make([]string, 0, wordCount)
	for i := 0; i < wordCount; i++ {
		words = append(words, loremWords[rand.Intn(len(loremWords))])
	}
	content := strings.Join(words, " ")

	bc.seq++
	dedup := fmt.Sprintf("%s-%d", bc.nickname, bc.seq)

	start := time.Now()
	if err := bc.conn.Send(protocol.SendMessage{Parent: parent, Content: content, DedupID: &dedup}); err != nil {
		bc.stats.recordDisconnection()
		return err
	}

	// Our own post comes back through the room broadcast
	msg, err := bc.receive(10*time.Second, func(m protocol.ServerMsg) bool {
		nm, ok := m.(protocol.NewMessage)
		return ok && nm.Message.Author == bc.userID && nm.Message.Content == content
	})
	switch {
	case errors.Is(err, errServerRejected):
		bc.stats.recordPostFailure()
		return err
	case err != nil:
		bc.stats.recordTimeout()
		return fmt.Errorf("receive posted message: %w", err)
	}

	bc.stats.recordSuccess(time.Since(start).Microseconds())
	posted := msg.(protocol.NewMessage).Message
	if posted.Parent == bc.room {
		bc.messages = append(bc.messages, posted.ID)
	}
	debugLogger.Printf("[Bot %d] posted %s under %s in %v", bc.id, posted.ID, parent, time.Since(start))
	return nil
}

func (bc *BotClient) FetchMessages() error {
	if err := bc.conn.Send(protocol.LoadMessages{Amount: 50}); err != nil {
		return err
	}

	msg, err := bc.receive(5*time.Second, func(m protocol.ServerMsg) bool {
		return m.Kind() == protocol.EventMessages
	})
	if err != nil {
		bc.stats.recordFetchFailure()
		return fmt.Errorf("receive message list: %w", err)
	}

	bc.messages = bc.messages[:0]
	for _, m := range msg.(protocol.Messages).List {
		bc.messages = append(bc.messages, m.ID)
	}
	return nil
}

func (bc *BotClient) Run(ctx context.Context, duration time.Duration, minDelay, maxDelay time.Duration, shutdownDelay time.Duration, disconnectTimes chan<- time.Time) {
	defer func() {
		bc.conn.Close()

		// Record disconnect time
		select {
		case disconnectTimes <- time.Now():
		default:
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Bot %d] PANIC: %v", bc.id, r)
		}
	}()

	// Initial fetch failures are not fatal
	_ = bc.FetchMessages()

	endTime := time.Now().Add(duration)
	iteration := 0

	for time.Now().Before(endTime) && ctx.Err() == nil {
		iteration++

		if err := bc.PostRandomMessage(); err != nil {
			debugLogger.Printf("[Bot %d] post failed: %v", bc.id, err)
			// A receive timeout leaves the socket unusable
			if !errors.Is(err, errServerRejected) {
				return
			}
		}

		// Refresh message list every 3 iterations to discover new threads
		if iteration%3 == 0 {
			if err := bc.FetchMessages(); err != nil {
				debugLogger.Printf("[Bot %d] fetch failed: %v", bc.id, err)
				return
			}
		}

		// Random delay between posts
		delay := minDelay
		if maxDelay > minDelay {
			delay += time.Duration(rand.Int63n(int64(maxDelay - minDelay)))
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}

	// Stagger shutdown to avoid thundering herd on disconnect
	if shutdownDelay > 0 {
		select {
		case <-time.After(shutdownDelay):
		case <-ctx.Done():
		}
	}
}

var debugLogger = log.New(io.Discard, "", 0)

func initLogging() error {
	// Create loadtest.log file (truncate on each run to avoid confusion)
	logFile, err := os.OpenFile("loadtest.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return fmt.Errorf("failed to create loadtest.log: %w", err)
	}

	// Create loadtest_debug.log file for detailed bot communication logs
	debugLogFile, err := os.OpenFile("loadtest_debug.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return fmt.Errorf("failed to create loadtest_debug.log: %w", err)
	}

	// Configure standard log to write to both stdout and file
	log.SetOutput(io.MultiWriter(os.Stdout, logFile))
	log.SetFlags(log.LstdFlags)

	// Configure debug logger to write only to debug file
	debugLogger = log.New(debugLogFile, "", log.LstdFlags|log.Lmicroseconds)

	return nil
}

func main() {
	// Command-line flags
	serverAddr := flag.String("server", "localhost:8080", "Server address (host:port or URL)")
	roomRef := flag.String("room", "general", "Room name or id to post in")
	numClients := flag.Int("clients", 10, "Number of concurrent clients")
	duration := flag.Duration("duration", 1*time.Minute, "Test duration")
	minDelay := flag.Duration("min-delay", 100*time.Millisecond, "Minimum delay between posts")
	maxDelay := flag.Duration("max-delay", 1*time.Second, "Maximum delay between posts")
	flag.Parse()

	// Initialize logging to both stdout and file
	if err := initLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	log.Printf("Load test logs will be written to loadtest.log")
	log.Printf("Detailed bot communication logs in loadtest_debug.log")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	api, err := client.NewAPI(*serverAddr)
	if err != nil {
		log.Fatalf("Invalid server address: %v", err)
	}
	room, err := api.RoomID(ctx, *roomRef)
	if err != nil {
		log.Fatalf("Failed to resolve room %q: %v", *roomRef, err)
	}

	// Calculate stagger delay: ramp up over 25% of test duration
	rampUpDuration := *duration / 4
	staggerDelay := rampUpDuration / time.Duration(*numClients)
	if staggerDelay < 1*time.Millisecond {
		staggerDelay = 1 * time.Millisecond
	}

	log.Printf("Starting load test:")
	log.Printf("  Server: %s", *serverAddr)
	log.Printf("  Room: %s (%s)", *roomRef, room)
	log.Printf("  Clients: %d", *numClients)
	log.Printf("  Duration: %v", *duration)
	log.Printf("  Ramp-up: %v (%v per client)", rampUpDuration, staggerDelay)
	log.Printf("  Delay: %v - %v", *minDelay, *maxDelay)
	log.Printf("")

	stats := &Stats{}
	var wg sync.WaitGroup

	// Start stats reporter
	stopStats := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		startTime := time.Now()
		for {
			select {
			case <-ticker.C:
				posted, failed, connErrors, avgUs := stats.snapshot()
				elapsed := time.Since(startTime).Seconds()
				rate := float64(posted) / elapsed
				avgMs := avgUs / 1000.0
				load := getCPULoad()
				goroutines := runtime.NumGoroutine()

				log.Printf("Stats: %d posted (%.1f/s), %d failed, %d conn errors, %d events, avg %.2fms, load %.2f, goroutines %d",
					posted, rate, failed, connErrors, stats.eventsReceived.Load(), avgMs, load, goroutines)
			case <-stopStats:
				return
			}
		}
	}()

	// Track ramp-up and ramp-down timing
	rampUpStart := time.Now()
	var firstConnectTime, lastConnectTime atomic.Value
	var firstDisconnectTime, lastDisconnectTime atomic.Value
	connectTimes := make(chan time.Time, *numClients)
	disconnectTimes := make(chan time.Time, *numClients)

	// Spawn clients
spawn:
	for i := 0; i < *numClients; i++ {
		wg.Add(1)

		// Calculate shutdown delay for this bot (reverse order for ramp-down)
		shutdownDelay := staggerDelay * time.Duration(*numClients-i-1)

		go func(id int, shutdownDelay time.Duration) {
			defer wg.Done()

			bot, err := NewBotClient(id, *serverAddr, room, stats)
			if err != nil {
				stats.recordConnectionError()
				return
			}

			if err := bot.Connect(ctx); err != nil {
				stats.recordConnectionError()
				debugLogger.Printf("[Bot %d] connect failed: %v", id, err)
				bot.conn.Close()
				return
			}

			// Record successful client connection
			stats.successfulClients.Add(1)
			select {
			case connectTimes <- time.Now():
			default:
			}

			// Only log every 100th client during ramp-up
			if id%100 == 0 {
				log.Printf("[Bot %d] Connected", id)
			}

			bot.Run(ctx, *duration, *minDelay, *maxDelay, shutdownDelay, disconnectTimes)
		}(i, shutdownDelay)

		// Stagger client connections based on calculated delay
		select {
		case <-time.After(staggerDelay):
		case <-ctx.Done():
			log.Printf("Shutdown signal received, stopping test...")
			break spawn
		}
	}

	// Track connection and disconnection times in background
	go func() {
		for t := range connectTimes {
			if firstConnectTime.Load() == nil {
				firstConnectTime.Store(t)
			}
			lastConnectTime.Store(t)
		}
	}()

	go func() {
		for t := range disconnectTimes {
			if firstDisconnectTime.Load() == nil {
				firstDisconnectTime.Store(t)
			}
			lastDisconnectTime.Store(t)
		}
	}()

	// Wait for all clients to finish
	wg.Wait()
	close(stopStats)
	close(connectTimes)
	close(disconnectTimes)

	reportTiming("Ramp-up", rampUpDuration, rampUpStart, &firstConnectTime, &lastConnectTime)
	reportTiming("Ramp-down", rampUpDuration, rampUpStart, &firstDisconnectTime, &lastDisconnectTime)

	// Total test duration (from first connect to last disconnect)
	if firstConnectTime.Load() != nil && lastDisconnectTime.Load() != nil {
		first := firstConnectTime.Load().(time.Time)
		last := lastDisconnectTime.Load().(time.Time)
		expectedTotal := *duration + rampUpDuration // ramp-up + test duration, ramp-down overlaps
		log.Printf("Total test duration: %v (expected: ~%v)\n",
			last.Sub(first).Round(time.Second), expectedTotal.Round(time.Second))
	}

	// Final stats
	posted, failed, connErrors, avgUs := stats.snapshot()
	successfulClients := stats.successfulClients.Load()
	totalDuration := *duration
	rate := float64(posted) / totalDuration.Seconds()
	avgMs := avgUs / 1000.0

	// Calculate expected throughput based on successful clients
	avgDelay := (*minDelay + *maxDelay) / 2
	expectedPerClient := float64(totalDuration) / float64(avgDelay)
	expectedTotal := expectedPerClient * float64(successfulClients)
	efficiency := 0.0
	if expectedTotal > 0 {
		efficiency = float64(posted) / expectedTotal * 100
	}

	log.Printf("\n=== Final Results ===")
	log.Printf("Clients: %d attempted, %d successful (%.1f%%)", *numClients, successfulClients, float64(successfulClients)/float64(*numClients)*100)
	log.Printf("Duration: %v", totalDuration)
	log.Printf("Messages posted: %d (%.1f/s)", posted, rate)
	log.Printf("Events received: %d", stats.eventsReceived.Load())
	log.Printf("Messages failed: %d", failed)
	log.Printf("  - Post failures: %d", stats.postFailures.Load())
	log.Printf("  - Fetch failures: %d", stats.fetchFailures.Load())
	log.Printf("  - Timeouts: %d", stats.timeouts.Load())
	log.Printf("  - Disconnections: %d", stats.disconnections.Load())
	log.Printf("Connection errors: %d", connErrors)
	if connErrors > 0 {
		log.Printf("  Connect phase breakdown:")
		log.Printf("    - Register failed: %d", stats.connectRegisterFailed.Load())
		log.Printf("    - Login failed: %d", stats.connectLoginFailed.Load())
		log.Printf("    - Dial failed: %d", stats.connectDialFailed.Load())
		log.Printf("    - Auth result timeout: %d", stats.connectAuthTimeout.Load())
	}
	log.Printf("Average response time: %.2fms", avgMs)
	log.Printf("Expected throughput: %.0f messages (%.1f per client)", expectedTotal, expectedPerClient)
	log.Printf("Actual vs expected: %.1f%% efficiency", efficiency)

	if posted > 0 {
		successRate := float64(posted) / float64(posted+failed) * 100
		log.Printf("Success rate: %.1f%%", successRate)
	}
}

func reportTiming(label string, expected time.Duration, start time.Time, firstV, lastV *atomic.Value) {
	if firstV.Load() == nil || lastV.Load() == nil {
		return
	}
	first := firstV.Load().(time.Time)
	last := lastV.Load().(time.Time)
	actual := last.Sub(first)

	tolerance := 1 * time.Second
	status := "✓"
	if actual < expected-tolerance || actual > expected+tolerance {
		status = "✗"
	}

	log.Printf("%s %s timing: expected %v, took %v (first: %v, last: %v after start)",
		status, label, expected.Round(time.Second), actual.Round(time.Second),
		first.Sub(start).Round(time.Millisecond), last.Sub(start).Round(time.Millisecond))
}
