// Command kortex wires the Embedding, Artifact Store, Tool Registry, Tool
// Invocation Runtime, Model Router, Sandbox, Static Validator, Generation
// Controller, Deduplication Gate, Cluster Optimizer, and Conversation
// Manager together and runs one generation request end to end, exercising
// the full pipeline spec.md §2's flow diagram describes: request → I → H
// (consulting D/E/F/G) → B, with J running asynchronously over B.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"

	"github.com/kortexai/kortex/internal/artifact"
	"github.com/kortexai/kortex/internal/config"
	"github.com/kortexai/kortex/internal/conversation"
	"github.com/kortexai/kortex/internal/dedupe"
	"github.com/kortexai/kortex/internal/embedding"
	"github.com/kortexai/kortex/internal/generation"
	"github.com/kortexai/kortex/internal/modelrouter"
	"github.com/kortexai/kortex/internal/optimizer"
	"github.com/kortexai/kortex/internal/sandbox"
	"github.com/kortexai/kortex/internal/telemetry"
	"github.com/kortexai/kortex/internal/toolregistry"
	"github.com/kortexai/kortex/internal/toolruntime"
	"github.com/kortexai/kortex/internal/validator"
)

func main() {
	storeDir := flag.String("store", "./kortex-data/artifacts", "artifact store directory")
	nodeDir := flag.String("nodes", "./kortex-data/nodes", "generated node directory")
	checkpointDir := flag.String("checkpoints", "./kortex-data/checkpoints", "optimizer checkpoint directory")
	toolsDir := flag.String("tools", "./kortex-data/tools", "tool descriptor YAML directory")
	configPath := flag.String("config", "", "optional backend/threshold configuration YAML")
	task := flag.String("task", "write a function that reverses a string", "generation request text")
	flag.Parse()

	ctx := context.Background()
	logger := telemetry.NewNoopLogger()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fatalf("load config: %v", err)
		}
		cfg = loaded
	}

	var redisClient *redis.Client
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: addr})
	}

	embedder := buildEmbedder(cfg, redisClient)

	store, err := artifact.Open(*storeDir, embedder)
	if err != nil {
		fatalf("open artifact store: %v", err)
	}

	registry, err := toolregistry.LoadDir(ctx, *toolsDir)
	if err != nil {
		fatalf("load tool registry: %v", err)
	}

	router := buildRouter(cfg)

	sandboxRunner := sandbox.New()
	failureLookup := artifact.NewFailureLookup(store, embedder)
	runtime := toolruntime.New(registry,
		toolruntime.WithModelCompleter(router),
		toolruntime.WithSandboxRunner(sandboxRunner),
		toolruntime.WithFailureLookup(failureLookup),
	)
	pipeline := validator.Default("github.com/kortexai/kortex")

	gate := dedupe.New(store, embedder,
		dedupe.WithExactThreshold(cfg.Thresholds.DedupeExact),
		dedupe.WithReviewThreshold(cfg.Thresholds.DedupeReview),
		dedupe.WithReviewer(runtime, "kortex.dedupe.review"),
	)

	opt := optimizer.New(store, runtime, pipeline, sandboxRunner, *checkpointDir,
		optimizer.WithClusterThreshold(cfg.Thresholds.ClusterSimilarity),
		optimizer.WithImprovementThreshold(cfg.Thresholds.ClusterImprovement),
		optimizer.WithArchiveThreshold(cfg.Thresholds.ClusterArchive),
		optimizer.WithKeepThreshold(cfg.Thresholds.ClusterKeepUsage),
	)
	if err := opt.Start(ctx); err != nil {
		fatalf("start optimizer: %v", err)
	}
	defer opt.Stop()

	convoOpts := []conversation.Option{}
	if redisClient != nil {
		digestStream, err := streaming.NewStream("kortex/conversation-digests", redisClient)
		if err != nil {
			logger.Warn(ctx, "open conversation digest stream failed", "err", err.Error())
		} else {
			convoOpts = append(convoOpts, conversation.WithDigestStream(digestStream))
		}
	}
	convo := conversation.New(store, embedder, runtime, convoOpts...)

	controller := generation.New(store, runtime, pipeline, router, sandboxRunner, *nodeDir,
		generation.WithDedupeGate(gate),
		generation.WithClusterTrigger(opt),
	)

	sessionID := "kortex-cli"
	bundle, err := convo.PrepareContext(ctx, sessionID, *task, "general")
	if err != nil {
		fatalf("prepare context: %v", err)
	}
	for _, msg := range bundle.Messages {
		logger.Info(ctx, "prior turn", "role", string(msg.Role), "text", msg.Text)
	}

	outcome, err := controller.Run(ctx, generation.Request{SessionID: sessionID, Text: *task})
	if err != nil {
		fatalf("generation failed: %v", err)
	}

	convo.AppendTurn(sessionID, *task, outcome.Source, &conversation.TurnPerformance{})
	if _, err := convo.EndSession(ctx, sessionID); err != nil {
		logger.Warn(ctx, "end session failed", "err", err.Error())
	}

	// Resilient fallback (spec §4.D call_tool_resilient, §8 scenario 4):
	// if any registered tools share the request's enriched tags, prefer
	// them over a bespoke single-tool call so a failing candidate doesn't
	// abort the request — the Runtime tries the next-ranked match instead.
	if tags := dedupe.EnrichTags(*task); len(tags) > 0 {
		if res, err := runtime.CallToolResilientByTags(ctx, sessionID, tags, map[string]any{"task": *task}, 3); err != nil {
			logger.Warn(ctx, "resilient tag-matched call found no usable candidate", "tags", strings.Join(tags, ","), "err", err.Error())
		} else {
			logger.Info(ctx, "resilient tag-matched call succeeded", "tool_id", res.ToolID)
		}
	}

	fmt.Printf("node: %s\nartifact: %s\nquality: %.3f\nreused: %v\nattempts: %d\n\n%s\n",
		outcome.NodeID, outcome.ArtifactID, outcome.QualityScore, outcome.Reused, outcome.Attempts, outcome.Source)
}

// buildEmbedder wires an embedding backend per spec §4.A: OpenAI when
// configured, falling back to the Anthropic no-embed adapter (which always
// reports unavailable, per spec: Anthropic exposes no embeddings endpoint)
// when it isn't — and wraps either in the content-addressed cache (which
// never evicts entries), backed by Redis when REDIS_ADDR is set.
func buildEmbedder(cfg config.Document, redisClient *redis.Client) *embedding.CachedService {
	var backend embedding.Service
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		backend = embedding.NewOpenAIEmbedder(apiKey, "text-embedding-3-small")
	} else {
		backend = embedding.AnthropicNoEmbedAdapter{}
	}
	opts := []embedding.CacheOption{}
	if redisClient != nil {
		opts = append(opts, embedding.WithRedis(redisClient))
	}
	return embedding.NewCachedService(backend, opts...)
}

// buildRouter wires the Model Router per spec §4.E: one backend per
// credential present in the environment, each declared in cfg.Backends.
func buildRouter(cfg config.Document) *modelrouter.Router {
	opts := []modelrouter.Option{}
	for name, b := range cfg.Backends {
		if !cfg.Enabled(name) {
			continue
		}
		switch name {
		case "anthropic":
			opts = append(opts, modelrouter.WithBackend(name, modelrouter.NewAnthropicBackend(os.Getenv(b.CredentialEnv))))
		case "openai":
			opts = append(opts, modelrouter.WithBackend(name, modelrouter.NewOpenAIBackend(os.Getenv(b.CredentialEnv))))
		case "bedrock":
			backend, err := modelrouter.NewBedrockBackend(context.Background(), os.Getenv(b.CredentialEnv))
			if err != nil {
				continue
			}
			opts = append(opts, modelrouter.WithBackend(name, backend))
		}
	}
	return modelrouter.New(cfg, opts...)
}

func fatalf(format string, args ...any) {
	log.New(os.Stderr, "", 0).Fatalf(format, args...)
}
