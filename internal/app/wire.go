package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/lpkeeper/internal/blob/s3"
	"github.com/alanyoungcy/lpkeeper/internal/cache"
	"github.com/alanyoungcy/lpkeeper/internal/cache/redis"
	"github.com/alanyoungcy/lpkeeper/internal/chain/evm"
	"github.com/alanyoungcy/lpkeeper/internal/clock"
	"github.com/alanyoungcy/lpkeeper/internal/config"
	"github.com/alanyoungcy/lpkeeper/internal/crypto"
	"github.com/alanyoungcy/lpkeeper/internal/domain"
	"github.com/alanyoungcy/lpkeeper/internal/extraction"
	"github.com/alanyoungcy/lpkeeper/internal/ledger"
	"github.com/alanyoungcy/lpkeeper/internal/notify"
	"github.com/alanyoungcy/lpkeeper/internal/orchestrator"
	"github.com/alanyoungcy/lpkeeper/internal/positions"
	"github.com/alanyoungcy/lpkeeper/internal/recovery"
	"github.com/alanyoungcy/lpkeeper/internal/retry"
	"github.com/alanyoungcy/lpkeeper/internal/store/memory"
	"github.com/alanyoungcy/lpkeeper/internal/store/postgres"
	"github.com/alanyoungcy/lpkeeper/internal/valuation"
)

// Dependencies bundles everything the modes need. It is constructed by Wire
// and torn down by the returned cleanup function.
type Dependencies struct {
	Chain   *evm.Client
	Signers []domain.Signer
	Engine  *retry.Engine

	// Storage
	Persistence domain.Persistence
	Positions   *positions.Store
	Ledger      *ledger.Ledger

	// Caches
	Accounts   *cache.Cache[domain.AccountResult]
	ActiveBins *cache.Cache[int64]

	// Pool workflow
	StateMachine *extraction.StateMachine
	Reporter     *extraction.Reporter
	Extractor    *extraction.Extractor
	Orchestrator *orchestrator.Orchestrator

	// Events; EventBus is nil unless Redis is enabled.
	Events   *notify.Queue
	EventBus *redis.EventBus
}

// needsSigner reports whether mode submits transactions.
func needsSigner(mode string) bool {
	return mode != "report"
}

// policy applies a config override on top of a built-in retry policy.
func policy(base retry.Policy, pc config.PolicyConfig) retry.Policy {
	if pc.MaxAttempts > 0 {
		base = base.WithAttempts(pc.MaxAttempts)
	}
	if pc.Delay.Duration > 0 {
		base = base.WithDelay(pc.Delay.Duration)
	}
	return base
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(what string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %s: %w", what, err)
	}

	deps := &Dependencies{}
	clk := clock.System{}
	pool := cfg.Chain.Pool

	// --- Chain ---
	chainClient, err := evm.Dial(ctx, evm.Config{
		RPCURL:            cfg.Chain.RPCURL,
		PositionManager:   cfg.Chain.PositionManager,
		Decimals:          evm.Decimals{X: cfg.Chain.TokenXDecimals, Y: cfg.Chain.TokenYDecimals},
		GasLimit:          cfg.Chain.GasLimit,
		RequestsPerSecond: cfg.Chain.RequestsPerSecond,
		Burst:             cfg.Chain.Burst,
		ReceiptTimeout:    cfg.Chain.ReceiptTimeout.Duration,
		ReceiptPoll:       cfg.Chain.ReceiptPoll.Duration,
	}, logger)
	if err != nil {
		return fail("chain", err)
	}
	closers = append(closers, chainClient.Close)
	deps.Chain = chainClient

	if needsSigner(cfg.Mode) {
		signer, err := crypto.LoadSigner(crypto.KeyConfig{
			RawPrivateKey: cfg.Wallet.PrivateKey,
			KeyFile:       cfg.Wallet.KeyFile,
			Password:      cfg.Wallet.KeyPassword,
		}, cfg.Chain.ChainID)
		if err != nil {
			return fail("wallet", err)
		}
		deps.Signers = []domain.Signer{signer}
		logger.Info("wallet loaded", slog.String("address", signer.Address()))
	}

	deps.Engine = retry.NewEngine(clk, logger)

	// --- Persistence ---
	var repo domain.PositionRepository
	switch cfg.Persistence.Backend {
	case "postgres":
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail("postgres", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail("postgres migrations", err)
			}
		}
		deps.Persistence = postgres.NewKVStore(pgClient.Pool())
		repo = postgres.NewPositionRepository(pgClient.Pool())

	case "s3":
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail("s3", err)
		}
		if err := s3Client.Health(ctx); err != nil {
			return fail("s3 health", err)
		}
		deps.Persistence = s3blob.NewStore(s3Client, cfg.S3.Prefix)

	default:
		logger.Warn("using in-memory persistence; ledger and extraction state are lost on exit")
		deps.Persistence = memory.New()
	}

	// --- Redis (optional) ---
	var locks domain.LockManager
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fail("redis", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })
		locks = redis.NewLockManager(redisClient)
		deps.EventBus = redis.NewEventBus(redisClient)
	}

	// --- Events ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	var handlers []notify.Handler
	if len(senders) > 0 {
		notifier, err := notify.NewNotifier(senders, cfg.Notify.Events, logger)
		if err != nil {
			return fail("notify", err)
		}
		handlers = append(handlers, notifier)
	}
	if deps.EventBus != nil {
		handlers = append(handlers, deps.EventBus)
	}
	deps.Events = notify.NewQueue(cfg.Notify.QueueSize, logger, handlers...)

	// --- Caches and positions ---
	deps.Accounts = cache.New[domain.AccountResult](clk)
	deps.ActiveBins = cache.New[int64](clk)

	posOpts := []positions.Option{positions.WithReadConcurrency(cfg.Cache.ReadConcurrency)}
	if repo != nil {
		posOpts = append(posOpts, positions.WithRepository(repo))
	}
	deps.Positions = positions.New(chainClient, deps.Accounts, cfg.Cache.OnChainTTL.Duration, logger, posOpts...)
	if err := deps.Positions.Load(ctx); err != nil {
		return fail("load positions", err)
	}

	// --- Pool workflow ---
	deps.Ledger = ledger.New(deps.Persistence, clk, logger)
	valuer := valuation.NewStatic(cfg.Extraction.PriceX, cfg.Extraction.PriceY)

	deps.StateMachine = extraction.NewStateMachine(pool, deps.Persistence, clk, cfg.Extraction.StaleAfter.Duration, logger)
	deps.Reporter = extraction.NewReporter(pool, deps.StateMachine, deps.Positions, deps.Ledger, valuer, clk, logger)

	extractorOpts := []extraction.ExtractorOption{
		extraction.WithExtractorEventSink(deps.Events),
		extraction.WithExtractionPolicy(policy(retry.Extraction(), cfg.Retry.Extraction)),
		extraction.WithExtractorClock(clk),
	}
	if locks != nil {
		extractorOpts = append(extractorOpts, extraction.WithLockManager(locks, cfg.Extraction.LockTTL.Duration))
	}
	deps.Extractor = extraction.NewExtractor(pool, deps.StateMachine, deps.Positions, deps.Ledger, valuer,
		chainClient, deps.Engine, deps.Signers, deps.Accounts, logger, extractorOpts...)

	closePolicy := policy(retry.ClosePosition(), cfg.Retry.ClosePosition)
	reconciler := recovery.NewReconciler(chainClient, deps.Positions, deps.Engine, deps.Signers, logger,
		recovery.WithPolicy(closePolicy),
		recovery.WithEventSink(deps.Events),
		recovery.WithClock(clk),
	)
	deps.Orchestrator = orchestrator.New(chainClient, deps.Positions, reconciler, deps.ActiveBins, deps.Engine, deps.Signers, logger,
		orchestrator.WithPolicies(
			policy(retry.MultiLeg(), cfg.Retry.MultiLeg),
			policy(retry.CreatePosition(), cfg.Retry.CreatePosition),
			policy(retry.AddLiquidity(), cfg.Retry.AddLiquidity),
			closePolicy,
		),
		orchestrator.WithEventSink(deps.Events),
		orchestrator.WithClock(clk),
		orchestrator.WithActiveBinTTL(cfg.Cache.ActiveBinTTL.Duration),
	)

	return deps, cleanup, nil
}
