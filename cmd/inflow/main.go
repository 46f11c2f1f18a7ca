package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/inflowhq/inflow/internal/httpapi"
	"github.com/inflowhq/inflow/internal/inflow"
)

func main() {
	addr := os.Getenv("INFLOW_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	store, err := buildStoreFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize store: %v", err)
	}
	defer store.Close()

	extractor, err := buildExtractorFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize extractor: %v", err)
	}
	feed := buildChatFeedFromEnv()

	engine, err := inflow.NewOrchestrator(inflow.OrchestratorOptions{
		Store:     store,
		Extractor: extractor,
		ChatFeed:  feed,
	})
	if err != nil {
		log.Fatalf("failed to initialize engine: %v", err)
	}

	server := httpapi.NewServerWithConfig(store, engine, httpapi.ServerConfig{
		JWTSecret:       os.Getenv("INFLOW_JWT_SECRET"),
		RateLimitMax:    intEnv("INFLOW_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("INFLOW_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:    int64Env("INFLOW_MAX_BODY_BYTES", 0),
		RecentLimit:     intEnv("INFLOW_SUMMARY_RECENT_LIMIT", 0),
	})

	if feed != nil {
		if interval := durationEnv("INFLOW_CHAT_POLL_INTERVAL", 0); interval > 0 {
			users := splitList(os.Getenv("INFLOW_CHAT_POLL_USERS"))
			if len(users) == 0 {
				log.Printf("INFLOW_CHAT_POLL_INTERVAL set but INFLOW_CHAT_POLL_USERS is empty; background polling disabled")
			} else {
				go pollLoop(context.Background(), engine, users, interval)
			}
		}
	}

	log.Printf("inflow listening on %s", addr)
	if err := http.ListenAndServe(addr, server); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func pollLoop(ctx context.Context, engine *inflow.Orchestrator, users []string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, user := range users {
			// Keep polling while the feed reports a truncated page.
			for {
				result, err := engine.PollChat(ctx, user, nil)
				if err != nil {
					log.Printf("chat poll for %s failed: %v", user, err)
					break
				}
				if result.Partial {
					log.Printf("chat poll for %s partial: %s", user, result.Error)
					break
				}
				if !result.HasMore {
					break
				}
			}
		}
	}
}

func buildStoreFromEnv() (inflow.Store, error) {
	dsn := strings.TrimSpace(os.Getenv("INFLOW_STORE_DSN"))
	if dsn == "" {
		if pg := strings.TrimSpace(os.Getenv("INFLOW_POSTGRES_DSN")); pg != "" {
			dsn = pg
		}
	}
	return inflow.BuildStoreFromDSN(dsn, durationEnv("INFLOW_CLAIM_TTL", 0))
}

func buildExtractorFromEnv() (inflow.Extractor, error) {
	baseURL := strings.TrimSpace(os.Getenv("INFLOW_EXTRACTOR_URL"))
	if baseURL == "" {
		return nil, errRequiredEnv("INFLOW_EXTRACTOR_URL")
	}
	return inflow.NewHTTPExtractor(inflow.HTTPExtractorOptions{
		BaseURL:    baseURL,
		APIKey:     os.Getenv("INFLOW_EXTRACTOR_API_KEY"),
		Model:      os.Getenv("INFLOW_EXTRACTOR_MODEL"),
		MaxRetries: intEnv("INFLOW_EXTRACTOR_MAX_RETRIES", 0),
		BaseDelay:  durationEnv("INFLOW_EXTRACTOR_RETRY_DELAY", 0),
	}), nil
}

func buildChatFeedFromEnv() inflow.ChatFeed {
	baseURL := strings.TrimSpace(os.Getenv("INFLOW_CHAT_FEED_URL"))
	if baseURL == "" {
		return nil
	}
	return inflow.NewHTTPChatFeed(inflow.HTTPChatFeedOptions{
		BaseURL:   baseURL,
		APIKey:    os.Getenv("INFLOW_CHAT_FEED_API_KEY"),
		PageSize:  intEnv("INFLOW_CHAT_FEED_PAGE_SIZE", 0),
	})
}

type missingEnvError struct {
	name string
}

func (e *missingEnvError) Error() string {
	return e.name + " is required"
}

func errRequiredEnv(name string) error {
	return &missingEnvError{name: name}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
