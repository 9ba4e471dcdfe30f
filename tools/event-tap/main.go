// event-tap subscribes to the orchestrator's Redis event channels and
// mirrors what it sees: every event is logged, and a small HTTP endpoint
// serves counts plus the most recent payloads. Useful when wiring up a
// progress dashboard or debugging a silent notifier.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
)

type event struct {
	Timestamp string `json:"timestamp"`
	Channel   string `json:"channel"`
	Payload   string `json:"payload"`
}

type stats struct {
	Count      int64   `json:"count"`
	LastEvents []event `json:"last_events"`
	Since      string  `json:"since"`
}

var (
	mu         sync.Mutex
	count      int64
	lastEvents []event
	since      time.Time
	maxStored  = 50
)

func main() {
	since = time.Now().UTC()

	addr := ":8081"
	if v := os.Getenv("ADDR"); v != "" {
		addr = v
	}
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := redis.NewClient(&redis.Options{Addr: redisAddr})
	sub := client.Subscribe(ctx, "kestrel:events:state", "kestrel:events:perf")
	defer sub.Close()

	go func() {
		for msg := range sub.Channel() {
			record(msg.Channel, msg.Payload)
		}
	}()

	http.HandleFunc("/stats", statsHandler)
	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	http.HandleFunc("/reset", func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		count = 0
		lastEvents = nil
		since = time.Now().UTC()
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "reset")
	})

	server := &http.Server{Addr: addr}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Printf("event-tap listening on %s, subscribed via %s", addr, redisAddr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}

func record(channel, payload string) {
	ev := event{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Channel:   channel,
		Payload:   payload,
	}

	mu.Lock()
	count++
	lastEvents = append(lastEvents, ev)
	if len(lastEvents) > maxStored {
		lastEvents = lastEvents[len(lastEvents)-maxStored:]
	}
	current := count
	mu.Unlock()

	log.Printf("event #%d on %s: %s", current, channel, payload)
}

func statsHandler(w http.ResponseWriter, _ *http.Request) {
	mu.Lock()
	s := stats{
		Count:      count,
		LastEvents: lastEvents,
		Since:      since.Format(time.RFC3339),
	}
	mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s)
}
