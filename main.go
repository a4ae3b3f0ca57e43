package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"futures-trading-bot/config"
	"futures-trading-bot/internal/aged"
	"futures-trading-bot/internal/api"
	"futures-trading-bot/internal/bot"
	"futures-trading-bot/internal/database"
	"futures-trading-bot/internal/events"
	"futures-trading-bot/internal/exchange"
	"futures-trading-bot/internal/exchange/binance"
	"futures-trading-bot/internal/exchange/bybit"
	"futures-trading-bot/internal/logging"
	"futures-trading-bot/internal/notification"
	"futures-trading-bot/internal/opener"
	"futures-trading-bot/internal/orders"
	"futures-trading-bot/internal/trailing"
	"futures-trading-bot/internal/vault"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.New(cfg.LoggingConfig.Level, cfg.LoggingConfig.JSONFormat)
	logger.Info().Msg("Structured logging initialized")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database
	db, err := database.NewDB(database.Config{
		Host:     cfg.DatabaseConfig.Host,
		Port:     cfg.DatabaseConfig.Port,
		User:     cfg.DatabaseConfig.User,
		Password: cfg.DatabaseConfig.Password,
		Database: cfg.DatabaseConfig.Database,
		SSLMode:  cfg.DatabaseConfig.SSLMode,
	}, logger.With().Str("component", "database").Logger())
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.RunMigrations(ctx); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	// Redis backs the trailing-state mirror and order id sequences. Both
	// degrade gracefully, so a missing Redis is a warning, not a fatal.
	var redisClient *redis.Client
	if cfg.RedisConfig.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisConfig.Address,
			Password: cfg.RedisConfig.Password,
			DB:       cfg.RedisConfig.DB,
			PoolSize: cfg.RedisConfig.PoolSize,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn().Err(err).Msg("Redis unreachable, continuing without mirror")
		}
		defer redisClient.Close()
	}

	var mirror trailing.Mirror
	if redisClient != nil {
		mirror = database.NewRedisStateMirror(redisClient, logger.With().Str("component", "redis_mirror").Logger())
	}

	// Event bus
	bus := events.NewBus()

	// Notifications
	notifier := notification.NewManager(logger.With().Str("component", "notification").Logger())
	if cfg.NotificationConfig.Enabled {
		if cfg.NotificationConfig.Telegram.Enabled {
			notifier.AddNotifier(notification.NewTelegramNotifier(notification.TelegramConfig{
				BotToken: cfg.NotificationConfig.Telegram.BotToken,
				ChatID:   cfg.NotificationConfig.Telegram.ChatID,
				Enabled:  cfg.NotificationConfig.Telegram.Enabled,
			}))
			logger.Info().Msg("Telegram notifications enabled")
		}
		if cfg.NotificationConfig.Discord.Enabled {
			notifier.AddNotifier(notification.NewDiscordNotifier(notification.DiscordConfig{
				WebhookURL: cfg.NotificationConfig.Discord.WebhookURL,
				Enabled:    cfg.NotificationConfig.Discord.Enabled,
			}))
			logger.Info().Msg("Discord notifications enabled")
		}
	}

	// Vault for exchange credentials, falling back to config values
	vaultClient, err := vault.NewClient(cfg.VaultConfig)
	if err != nil {
		log.Fatalf("Failed to initialize vault client: %v", err)
	}

	// Exchange adapters
	registry := exchange.NewRegistry()
	if cfg.Exchanges.Binance.Enabled {
		key, secret := resolveCredentials(ctx, vaultClient, "binance", cfg.Exchanges.Binance, logger)
		registry.Register(binance.NewClient(key, secret, cfg.Exchanges.Binance.BaseURL, cfg.Exchanges.Binance.TestNet,
			logger.With().Str("component", "binance").Logger()))
		logger.Info().Bool("testnet", cfg.Exchanges.Binance.TestNet).Msg("Binance adapter registered")
	}
	if cfg.Exchanges.Bybit.Enabled {
		key, secret := resolveCredentials(ctx, vaultClient, "bybit", cfg.Exchanges.Bybit, logger)
		registry.Register(bybit.NewClient(key, secret, cfg.Exchanges.Bybit.BaseURL, cfg.Exchanges.Bybit.TestNet,
			logger.With().Str("component", "bybit").Logger()))
		logger.Info().Bool("testnet", cfg.Exchanges.Bybit.TestNet).Msg("Bybit adapter registered")
	}
	if len(registry.Names()) == 0 {
		log.Fatalf("No exchanges enabled")
	}

	ids := orders.NewGenerator(redisClient, "futures", logger.With().Str("component", "orders").Logger())

	// Trading core
	trailingEngine := trailing.NewEngine(db, registry, mirror, trailing.Config{
		ActivationPercent:      decimal.NewFromFloat(cfg.TrailingConfig.ActivationPercent),
		CallbackPercent:        decimal.NewFromFloat(cfg.TrailingConfig.CallbackPercent),
		MinUpdateInterval:      time.Duration(cfg.TrailingConfig.MinUpdateIntervalSecs) * time.Second,
		EmergencyMovePercent:   decimal.NewFromFloat(cfg.TrailingConfig.EmergencyMovePercent),
		MinImprovementPercent:  decimal.NewFromFloat(cfg.TrailingConfig.MinImprovementPercent),
		PeakSaveInterval:       time.Duration(cfg.TrailingConfig.PeakSaveIntervalSecs) * time.Second,
		PeakSaveMinMovePercent: decimal.NewFromFloat(cfg.TrailingConfig.PeakSaveMinMovePercent),
	}, logger.With().Str("component", "trailing").Logger())

	positionOpener := opener.New(db, registry, ids, notifier, opener.Config{
		OrderTimeout:       cfg.OrderTimeout(),
		DefaultStopPercent: decimal.NewFromFloat(cfg.TradingConfig.StopLossPercent),
		TrailingActivation: decimal.NewFromFloat(cfg.TrailingConfig.ActivationPercent),
		TrailingCallback:   decimal.NewFromFloat(cfg.TrailingConfig.CallbackPercent),
	}, logger.With().Str("component", "opener").Logger())

	agedSupervisor := aged.NewSupervisor(db, registry, trailingEngine, ids, notifier, aged.Config{
		MaxPositionAgeHours:    cfg.AgedMonitorConfig.MaxPositionAgeHours,
		BalanceSafetyThreshold: decimal.NewFromFloat(cfg.AgedMonitorConfig.BalanceSafetyThreshold),
		CommissionPercent:      decimal.NewFromFloat(cfg.AgedMonitorConfig.CommissionPercent),
		ForceCloseMaxRetries:   cfg.AgedMonitorConfig.ForceCloseMaxRetries,
		LimitReplaceInterval:   time.Duration(cfg.AgedMonitorConfig.LimitReplaceIntervalSecs) * time.Second,
		OrderTimeout:           cfg.OrderTimeout(),
		QuoteAsset:             "USDT",
	}, logger.With().Str("component", "aged").Logger())

	tradingBot := bot.New(cfg, db, registry, bus, positionOpener, trailingEngine, agedSupervisor,
		notifier, logger.With().Str("component", "bot").Logger())
	if err := tradingBot.Start(ctx); err != nil {
		log.Fatalf("Failed to start bot: %v", err)
	}

	// Mark price stream feeds the trailing engine
	if cfg.Exchanges.Binance.Enabled && len(cfg.TradingConfig.TrackedSymbols) > 0 {
		stream := binance.NewMarkPriceStream(cfg.Exchanges.Binance.StreamURL, cfg.TradingConfig.TrackedSymbols,
			bus, logger.With().Str("component", "stream").Logger())
		go stream.Run(ctx)
	}

	// Status API
	if cfg.ServerConfig.Enabled {
		server := api.NewServer(cfg.ServerConfig, db, trailingEngine, registry.Names(),
			logger.With().Str("component", "api").Logger())
		go func() {
			if err := server.Start(ctx); err != nil {
				logger.Error().Err(err).Msg("status API exited")
			}
		}()
	}

	logger.Info().
		Strs("exchanges", registry.Names()).
		Bool("dry_run", cfg.TradingConfig.DryRun).
		Msg("Futures trading bot started")

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("Shutting down...")
	cancel()
	tradingBot.Stop()
	logger.Info().Msg("Shutdown complete")
}

// resolveCredentials prefers vault-managed keys and falls back to the static
// config so local and testnet runs work without a vault.
func resolveCredentials(ctx context.Context, vc *vault.Client, exchangeName string, cfg config.ExchangeConfig, logger zerolog.Logger) (string, string) {
	if vc.IsEnabled() {
		creds, err := vc.GetCredentials(ctx, exchangeName, cfg.TestNet)
		if err == nil {
			return creds.APIKey, creds.SecretKey
		}
		logger.Warn().Err(err).Str("exchange", exchangeName).Msg("vault credentials unavailable, using config values")
	}
	return cfg.APIKey, cfg.SecretKey
}
