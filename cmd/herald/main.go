package main

import (
	"context"

	"herald/internal/bot"
	"herald/internal/compose"
	"herald/internal/docs"
	"herald/internal/memory"
	"herald/internal/publish"
	"herald/internal/similarity"
	"herald/internal/stats"
	"herald/pkg/config"
	"herald/pkg/llm"
	"herald/pkg/logging"
	"herald/pkg/monitoring"
	"herald/pkg/server"
	"herald/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("herald")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting Herald (protocol social bot)")

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("herald", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("herald", version.Version, version.GitCommit)
	published, rejected, skipped, fallbacks := metricsCollector.CreateContentMetrics()

	// Memory store
	memoryDir := config.GetEnv("MEMORY_DIR", "./data")
	store := memory.NewStore(memoryDir, logger)

	// On-chain stats source
	statsCfg := stats.LoadConfig()
	source, err := stats.NewSource(statsCfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to chain RPC")
	}

	// LLM backend is optional; without it the local fallback carries the bot
	var provider llm.Provider
	llmCfg := llm.LoadConfig()
	if llmCfg.APIKey != "" || llmCfg.APIURL != "" {
		provider, err = llm.NewProvider(llmCfg)
		if err != nil {
			logger.WithError(err).Warn("Failed to create LLM provider, running fallback-only")
			provider = nil
		}
	} else {
		logger.Warn("No LLM backend configured, running fallback-only")
	}

	// Platform client
	platformCfg := publish.LoadClientConfig()
	var client publish.Client
	if platformCfg.Configured() {
		client = publish.NewHTTPClient(platformCfg, logger)
	} else {
		logger.Warn("PLATFORM_BEARER_TOKEN not set, running in dry-run mode")
		client = publish.NewDryRunClient(logger)
	}

	// Pipeline
	engine := similarity.New(similarity.LoadConfig(), provider, logger)
	generator := compose.NewGenerator(provider, docs.NewSource(logger), logger)
	publisher := publish.NewPublisher(client, store, engine, published, logger)
	loop := bot.NewLoop(generator, engine, store, publisher, source, bot.Metrics{
		Rejected:  rejected,
		Skipped:   skipped,
		Fallbacks: fallbacks,
	}, logger)
	agent := bot.NewAgent(bot.LoadAgentConfig(), loop, store, source, client, publisher, logger)

	// Health checks
	healthChecker.AddCheck("chain_rpc", monitoring.RPCHealthCheck("chain", source))
	healthChecker.AddCheck("memory_store", monitoring.FileStoreHealthCheck(memoryDir))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"CHAIN_RPC_URL":         statsCfg.RPCURL,
		"PLATFORM_BEARER_TOKEN": platformCfg.BearerToken,
		"LLM_API_KEY":           llmCfg.APIKey,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go agent.Run(ctx)

	// Health/metrics server; shutdown hook flushes memory before drain
	router := server.SetupServiceRouter(logger, "herald", healthChecker, metricsCollector)
	srvCfg := server.DefaultConfig("herald", "18050")
	srvCfg.OnShutdown = append(srvCfg.OnShutdown, func() {
		cancel()
		if err := store.Save(); err != nil {
			logger.WithError(err).Error("Failed to flush memory on shutdown")
		}
	})

	if err := server.Start(srvCfg, router, logger); err != nil {
		logger.WithError(err).Fatal("Server failed")
	}
}
