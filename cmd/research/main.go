// Command research runs a single research session end to end against the
// reference in-memory corpus and prints the resulting answer, sources, and
// confidence as JSON.
//
// # Configuration
//
// Environment variables (see package config for the complete list and
// defaults):
//
//	LLM_PROVIDER            - "anthropic" or "openai" (default: "anthropic")
//	LLM_MODEL               - chat model name (provider-specific default)
//	ANTHROPIC_API_KEY       - required when LLM_PROVIDER=anthropic
//	OPENAI_API_KEY          - required when LLM_PROVIDER=openai
//	MONGO_URI               - when set, sessions are logged and results
//	                          persisted to MongoDB instead of in-memory stores
//	MONGO_DATABASE          - database name for the above
//	REDIS_ADDR              - when set, Working Memory mirrors scratch state
//	                          to Redis for external observability
//	OTEL_TRACING_ENABLED    - when "true", every session/phase/step opens an
//	                          OTEL span against the global TracerProvider
//
// # Example
//
//	ANTHROPIC_API_KEY=sk-... go run ./cmd/research -mode agentic "What caused the 2008 financial crisis?"
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"deepresearch/chatmodel"
	"deepresearch/chatmodel/anthropic"
	"deepresearch/chatmodel/middleware"
	"deepresearch/chatmodel/openai"
	"deepresearch/config"
	"deepresearch/eventlog"
	"deepresearch/eventlog/mongostore"
	"deepresearch/memory"
	"deepresearch/orchestrator"
	"deepresearch/resultstore"
	resultmongostore "deepresearch/resultstore/mongostore"
	"deepresearch/telemetry"
	"deepresearch/tooling"
	"deepresearch/tooling/reference"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "research:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		modeF  = flag.String("mode", "agentic", "research mode: simple, decomposed, iterative, agentic")
		cfgF   = flag.String("config", "", "path to a YAML config file (optional)")
		sessF  = flag.String("session", "", "session id to use (random if empty)")
		debugF = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	query := flag.Arg(0)
	if query == "" {
		return fmt.Errorf("usage: research [-mode simple|decomposed|iterative|agentic] \"<query>\"")
	}

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *debugF {
		ctx = log.Context(ctx, log.WithDebug())
	}

	cfg, err := config.Load(*cfgF)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	client, model, err := newChatClient(cfg)
	if err != nil {
		return fmt.Errorf("chat client: %w", err)
	}
	client = middleware.Timeout(0)(client)

	store, results, err := newStores(ctx, cfg)
	if err != nil {
		return fmt.Errorf("stores: %w", err)
	}

	registry := tooling.NewRegistry()
	corpus := reference.DemoCorpus()
	registry.Register(reference.TavilySearchSpec, reference.NewTavilySearch(corpus))
	registry.Register(reference.WebFetchSpec, reference.NewWebFetch(corpus))
	registry.Register(reference.SynthesizeSpec, reference.NewSynthesize(client, model))

	mem := newMemoryStore(cfg)
	orch := orchestrator.New(client, store, mem, registry, results, cfg)
	if cfg.TracingEnabled {
		orch = orch.WithTracer(telemetry.NewOTelTracer())
	}

	log.Print(ctx, log.KV{K: "mode", V: *modeF}, log.KV{K: "query", V: query})

	result, err := dispatch(ctx, orch, *modeF, query, *sessF)
	if err != nil {
		return fmt.Errorf("research session: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func dispatch(ctx context.Context, orch *orchestrator.Orchestrator, mode, query, sessionID string) (*resultstore.ResearchResult, error) {
	switch mode {
	case "simple":
		return orch.ExecuteResearch(ctx, query, sessionID)
	case "decomposed":
		return orch.ExecuteDecomposed(ctx, query, sessionID)
	case "iterative":
		return orch.ExecuteWithIterativeRetrieval(ctx, query, sessionID)
	case "agentic":
		return orch.OrchestrateAgenticResearch(ctx, query, sessionID)
	default:
		return nil, fmt.Errorf("unknown mode %q", mode)
	}
}

func newChatClient(cfg config.Config) (chatmodel.Client, string, error) {
	model := cfg.LLMModel
	switch cfg.LLMProvider {
	case "openai":
		if model == "" {
			model = "gpt-4o"
		}
		apiKey := os.Getenv("OPENAI_API_KEY")
		if apiKey == "" {
			return nil, "", fmt.Errorf("OPENAI_API_KEY is required for LLM_PROVIDER=openai")
		}
		client, err := openai.NewFromAPIKey(apiKey, model)
		return client, model, err
	case "anthropic", "":
		if model == "" {
			model = "claude-sonnet-4-5"
		}
		apiKey := os.Getenv("ANTHROPIC_API_KEY")
		if apiKey == "" {
			return nil, "", fmt.Errorf("ANTHROPIC_API_KEY is required for LLM_PROVIDER=anthropic")
		}
		client, err := anthropic.NewFromAPIKey(apiKey, model)
		return client, model, err
	default:
		return nil, "", fmt.Errorf("unknown LLM_PROVIDER %q", cfg.LLMProvider)
	}
}

// newMemoryStore returns a RedisMirror when cfg.RedisAddr is set, so a
// second process can observe in-flight scratch state, or a plain in-process
// Manager otherwise.
func newMemoryStore(cfg config.Config) memory.Store {
	if cfg.RedisAddr == "" {
		return memory.NewManager()
	}
	client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
	return memory.NewRedisMirror(client, "", 30*time.Minute)
}

func newStores(ctx context.Context, cfg config.Config) (eventlog.Store, resultstore.Store, error) {
	if cfg.MongoURI == "" {
		return eventlog.NewMemoryStore(eventlog.NewBus()), resultstore.NewMemoryStore(), nil
	}

	mongoClient, err := mongodriver.Connect(options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to mongo: %w", err)
	}

	logStore, err := mongostore.New(ctx, mongostore.Options{Client: mongoClient, Database: cfg.MongoDatabase, Bus: eventlog.NewBus()})
	if err != nil {
		return nil, nil, fmt.Errorf("event log store: %w", err)
	}
	resStore, err := resultmongostore.New(ctx, resultmongostore.Options{Client: mongoClient, Database: cfg.MongoDatabase})
	if err != nil {
		return nil, nil, fmt.Errorf("result store: %w", err)
	}
	return logStore, resStore, nil
}
