// Package factory wires configuration, clients, stores and services
// together and owns their lifecycle. Production backs every store with
// its real backend; development falls back to in-memory stores for any
// backend that is not reachable.
package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"

	"passkey-service/internal/audit"
	"passkey-service/internal/bucketing"
	"passkey-service/internal/ceremony"
	"passkey-service/internal/client"
	"passkey-service/internal/config"
	"passkey-service/internal/credential"
	"passkey-service/internal/encryption"
	"passkey-service/internal/hashing"
	"passkey-service/internal/identity"
	"passkey-service/internal/models"
	"passkey-service/internal/otp"
	"passkey-service/internal/repository/memory"
	redisrepo "passkey-service/internal/repository/redis"
	"passkey-service/internal/repository/scylla"
	"passkey-service/internal/tls"
	"passkey-service/internal/util"
	"passkey-service/internal/verifier"
)

// Factory manages the lifecycle of all application dependencies.
type Factory struct {
	config     *config.Config
	tlsManager *tls.Manager

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	// Managers
	hasher    *hashing.Hasher
	encryptor *encryption.Manager
	buckets   *bucketing.Manager

	// Stores
	users      models.UserRepository
	creds      models.CredentialRepository
	challenges models.ChallengeStore
	tickets    models.OTPTicketStore
	limiter    models.RateLimiter

	// Services
	sink         *audit.Sink
	webVerifier  verifier.Verifier
	identities   *identity.Resolver
	credResolver *credential.Resolver
	orchestrator *ceremony.Orchestrator
	fallback     *otp.Ceremony

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory creates and initializes all application dependencies.
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	f := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		f.tlsManager = tls.NewManager(&tls.Options{
			AutoCert:    cfg.Server.AutoCert,
			Domain:      cfg.Server.Domain,
			CertFile:    cfg.Server.CertFile,
			KeyFile:     cfg.Server.KeyFile,
			AutoCertDir: cfg.Server.AutoCertDir,
			Email:       cfg.Server.Email,
			Environment: cfg.Environment,
		})
	}

	if err := f.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}
	f.initializeManagers()

	web, err := verifier.NewWebAuthnVerifier(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize verifier: %w", err)
	}
	f.webVerifier = web

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
	)

	return f, nil
}

// initializeClients connects the backend clients with health checks.
// Development tolerates missing backends; production does not.
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var initErrors []error

	if c, err := client.NewRedisClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
	} else if err := c.HealthCheck(ctx); err != nil {
		initErrors = append(initErrors, fmt.Errorf("redis health check: %w", err))
		c.Close()
	} else {
		f.redisClient = c
		util.Info("Redis client initialized and healthy")
	}

	if c, err := scylla.NewScyllaClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
	} else if err := c.HealthCheck(); err != nil {
		initErrors = append(initErrors, fmt.Errorf("scylla health check: %w", err))
		c.Close()
	} else {
		f.scyllaClient = c
		util.Info("ScyllaDB client initialized and healthy")
	}

	if producer, err := client.NewKafkaProducer(f.config, util.Get()); err != nil {
		util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
	} else {
		f.kafkaProducer = producer
		util.Info("Kafka producer initialized")
	}

	if c, err := client.NewElasticsearchClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("elasticsearch: %w", err))
	} else if err := c.HealthCheck(); err != nil {
		initErrors = append(initErrors, fmt.Errorf("elasticsearch health check: %w", err))
	} else {
		f.esClient = c
		util.Info("Elasticsearch client initialized and healthy")
	}

	if c, err := client.NewClickHouseClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
	} else if err := c.HealthCheck(ctx); err != nil {
		initErrors = append(initErrors, fmt.Errorf("clickhouse health check: %w", err))
	} else {
		f.clickhouseClient = c
		util.Info("ClickHouse client initialized and healthy")
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %v", initErrors)
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}

	return nil
}

func (f *Factory) initializeManagers() {
	f.hasher = hashing.NewHasher(f.config)

	var kmsClient *kms.Client
	if f.config.KMS.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
			awsconfig.WithRegion(f.config.KMS.Region))
		if err != nil {
			util.Warn("Failed to load AWS config, using local key derivation", util.ErrorField(err))
		} else {
			kmsClient = kms.NewFromConfig(awsCfg)
		}
	}

	f.encryptor = encryption.NewManager(f.config, kmsClient)
	f.buckets = bucketing.NewManager(f.config)

	if f.config.IsProduction() {
		f.hasher.StartPepperRotation()
	}
}

// Stores

func (f *Factory) UserRepository() models.UserRepository {
	if f.users == nil {
		if f.scyllaClient != nil {
			f.users = scylla.NewUserRepository(f.scyllaClient, f.buckets)
		} else {
			util.Warn("Using in-memory user store")
			f.users = memory.NewUserStore()
		}
	}
	return f.users
}

func (f *Factory) CredentialRepository() models.CredentialRepository {
	if f.creds == nil {
		if f.scyllaClient != nil {
			f.creds = scylla.NewCredentialRepository(f.scyllaClient)
		} else {
			util.Warn("Using in-memory credential store")
			f.creds = memory.NewCredentialStore()
		}
	}
	return f.creds
}

func (f *Factory) ChallengeStore() models.ChallengeStore {
	if f.challenges == nil {
		if f.redisClient != nil {
			f.challenges = redisrepo.NewChallengeStore(f.redisClient, time.Now)
		} else {
			util.Warn("Using in-memory challenge store")
			f.challenges = memory.NewChallengeStore(time.Now)
		}
	}
	return f.challenges
}

func (f *Factory) OTPTicketStore() models.OTPTicketStore {
	if f.tickets == nil {
		if f.redisClient != nil {
			f.tickets = redisrepo.NewOTPTicketStore(f.redisClient, time.Now)
		} else {
			util.Warn("Using in-memory ticket store")
			f.tickets = memory.NewOTPTicketStore(time.Now)
		}
	}
	return f.tickets
}

func (f *Factory) RateLimiter() models.RateLimiter {
	if f.limiter == nil {
		if f.redisClient != nil {
			f.limiter = redisrepo.NewRateLimitCache(f.redisClient, f.buckets, time.Now)
		} else {
			util.Warn("Using in-memory rate limiter")
			f.limiter = memory.NewRateLimiter(time.Now)
		}
	}
	return f.limiter
}

// Services

// Sink returns the audit sink, or nil when the warehouse is not
// available.
func (f *Factory) Sink() *audit.Sink {
	if f.sink == nil && f.clickhouseClient != nil {
		f.sink = audit.NewSink(f.clickhouseClient, f.kafkaProducer, f.esClient,
			f.buckets, f.config, time.Now)
	}
	return f.sink
}

// EventWriter always returns a usable writer so ceremonies can emit
// unconditionally.
func (f *Factory) EventWriter() models.EventWriter {
	if sink := f.Sink(); sink != nil {
		return sink
	}
	util.Warn("Using in-memory event recorder")
	return memory.NewEventRecorder()
}

func (f *Factory) IdentityResolver() *identity.Resolver {
	if f.identities == nil {
		f.identities = identity.NewResolver(f.UserRepository(), f.encryptor)
	}
	return f.identities
}

func (f *Factory) CredentialResolver() *credential.Resolver {
	if f.credResolver == nil {
		f.credResolver = credential.NewResolver(f.CredentialRepository())
	}
	return f.credResolver
}

func (f *Factory) Orchestrator() *ceremony.Orchestrator {
	if f.orchestrator == nil {
		f.orchestrator = ceremony.NewOrchestrator(
			f.UserRepository(),
			f.CredentialRepository(),
			f.CredentialResolver(),
			f.IdentityResolver(),
			f.ChallengeStore(),
			f.webVerifier,
			f.EventWriter(),
			f.RateLimiter(),
			f.config,
			time.Now,
		)
	}
	return f.orchestrator
}

func (f *Factory) OTPCeremony() *otp.Ceremony {
	if f.fallback == nil {
		f.fallback = otp.NewCeremony(
			f.OTPTicketStore(),
			f.IdentityResolver(),
			f.hasher,
			f.Notifier(),
			f.EventWriter(),
			f.RateLimiter(),
			f.config,
			time.Now,
		)
	}
	return f.fallback
}

// Notifier routes codes through Kafka when the producer is up; dev
// falls back to logging them.
func (f *Factory) Notifier() otp.Notifier {
	if f.kafkaProducer != nil {
		return otp.NewKafkaNotifier(f.kafkaProducer, f.config)
	}
	if f.config.IsProduction() {
		util.Error("No notification path configured in production")
	}
	return otp.LogNotifier{}
}

// StartMaintenance launches the background sweeps: expired challenge
// and ticket purges, audit retention, daily until ctx ends.
func (f *Factory) StartMaintenance(ctx context.Context) {
	challenges := f.ChallengeStore()
	tickets := f.OTPTicketStore()

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
				if n, err := challenges.PurgeExpired(sweepCtx); err != nil {
					util.Warn("Challenge purge failed", util.ErrorField(err))
				} else if n > 0 {
					util.Debug("Expired challenges purged", util.Int("count", n))
				}
				if n, err := tickets.PurgeExpired(sweepCtx); err != nil {
					util.Warn("Ticket purge failed", util.ErrorField(err))
				} else if n > 0 {
					util.Debug("Expired tickets purged", util.Int("count", n))
				}
				cancel()
			}
		}
	}()

	if sink := f.Sink(); sink != nil {
		sink.StartRetentionSweeper(ctx)
	}
}

// Health Checks

func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if f.redisClient != nil {
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			healthErrors["redis"] = err
		}
	} else if f.config.IsProduction() {
		healthErrors["redis"] = fmt.Errorf("redis client not initialized")
	}

	if f.scyllaClient != nil {
		if err := f.scyllaClient.HealthCheck(); err != nil {
			healthErrors["scylla"] = err
		}
	} else if f.config.IsProduction() {
		healthErrors["scylla"] = fmt.Errorf("scylla client not initialized")
	}

	if f.esClient != nil {
		if err := f.esClient.HealthCheck(); err != nil {
			healthErrors["elasticsearch"] = err
		}
	}

	if f.clickhouseClient != nil {
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			healthErrors["clickhouse"] = err
		}
	} else if f.config.IsProduction() {
		healthErrors["clickhouse"] = fmt.Errorf("clickhouse client not initialized")
	}

	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	}

	return healthErrors
}

func (f *Factory) IsHealthy(ctx context.Context) bool {
	healthErrors := f.HealthCheck(ctx)
	delete(healthErrors, "kafka")
	return len(healthErrors) == 0
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			}
		}

		if f.esClient != nil {
			f.esClient.Close()
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			}
		}

		if f.encryptor != nil {
			f.encryptor.ClearCache()
		}

		util.Sync()
		util.Info("Factory shutdown completed")
	})

	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

// Getters

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.Manager {
	return f.tlsManager
}

func (f *Factory) Hasher() *hashing.Hasher {
	return f.hasher
}
