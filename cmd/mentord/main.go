// Command mentord runs the session orchestration engine.
//
// The engine accepts authenticated generation requests over HTTP, drives each
// one through its staged pipeline, and streams progress events to live
// observers. Durable state lives in MongoDB and quota counters in Redis; when
// neither is configured the engine runs fully in-memory, which is suitable
// for development only.
//
// # Configuration
//
// Configuration comes from a YAML file (see the config package) selected with
// -config. The auth secret may also be supplied through ENGINE_AUTH_SECRET.
//
// # Example
//
//	ENGINE_AUTH_SECRET=dev mentord -config engine.yaml -debug
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	goredis "github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/health"
	"goa.design/clue/log"
	"golang.org/x/time/rate"

	"github.com/neomentor/engine/api"
	"github.com/neomentor/engine/config"
	jwtauth "github.com/neomentor/engine/features/auth/jwt"
	anthropicmodel "github.com/neomentor/engine/features/model/anthropic"
	bedrockmodel "github.com/neomentor/engine/features/model/bedrock"
	openaimodel "github.com/neomentor/engine/features/model/openai"
	quotaredis "github.com/neomentor/engine/features/quota/redis"
	sessionmongo "github.com/neomentor/engine/features/session/mongo"
	pulsesink "github.com/neomentor/engine/features/stream/pulse"
	clientspulse "github.com/neomentor/engine/features/stream/pulse/clients/pulse"
	synthhttp "github.com/neomentor/engine/features/synth/http"
	"github.com/neomentor/engine/runtime/auth"
	mediafs "github.com/neomentor/engine/runtime/media/fs"
	"github.com/neomentor/engine/runtime/model"
	"github.com/neomentor/engine/runtime/orchestrator"
	"github.com/neomentor/engine/runtime/quota"
	quotainmem "github.com/neomentor/engine/runtime/quota/inmem"
	"github.com/neomentor/engine/runtime/session"
	sessinmem "github.com/neomentor/engine/runtime/session/inmem"
	"github.com/neomentor/engine/runtime/stream"
	"github.com/neomentor/engine/runtime/stream/broker"
	"github.com/neomentor/engine/stages"
)

const defaultSynthURL = "http://localhost:9100"

func main() {
	var (
		configF = flag.String("config", "", "Path to the YAML configuration file")
		dbgF    = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	if err := run(ctx, *configF); err != nil {
		log.Fatalf(ctx, err, "engine exited")
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	secret := cfg.Auth.Secret
	if secret == "" {
		secret = os.Getenv("ENGINE_AUTH_SECRET")
	}
	if secret == "" {
		return errors.New("auth secret is required (auth.secret or ENGINE_AUTH_SECRET)")
	}
	verifier, err := jwtauth.New([]byte(secret))
	if err != nil {
		return err
	}

	var pingers []health.Pinger

	// Durable session store, or in-memory for development.
	var store session.Store
	var mongoClient *mongodriver.Client
	if cfg.Mongo.URI != "" {
		mongoClient, err = mongodriver.Connect(mongooptions.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			return fmt.Errorf("connect to mongo: %w", err)
		}
		defer disconnectMongo(ctx, mongoClient)
		mongoStore, err := sessionmongo.New(sessionmongo.Options{
			Client:   mongoClient,
			Database: cfg.Mongo.Database,
		})
		if err != nil {
			return err
		}
		store = mongoStore
		pingers = append(pingers, mongoStore)
		log.Printf(ctx, "session store: mongo database %s", cfg.Mongo.Database)
	} else {
		store = sessinmem.New()
		log.Printf(ctx, "session store: in-memory (sessions are lost on restart)")
	}

	// Quota ledger and event mirroring share the Redis connection.
	registry := auth.NewTierRegistry(quota.TierFree)
	resolver := quota.TierResolver(cfg.Quota.Tiers, registry.TierOf)
	var ledger quota.Ledger
	var sink stream.Sink
	if cfg.Redis.Addr != "" {
		rdb := goredis.NewClient(&goredis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		redisLedger, err := quotaredis.New(rdb, resolver)
		if err != nil {
			return err
		}
		ledger = redisLedger
		pingers = append(pingers, redisLedger)

		pulseClient, err := clientspulse.New(clientspulse.Options{Redis: rdb})
		if err != nil {
			return err
		}
		sink, err = pulsesink.NewSink(pulsesink.Options{Client: pulseClient})
		if err != nil {
			return err
		}
		log.Printf(ctx, "quota ledger: redis %s (events mirrored to pulse)", cfg.Redis.Addr)
	} else {
		ledger = quotainmem.New(resolver)
		log.Printf(ctx, "quota ledger: in-memory (counters are lost on restart)")
	}

	bus := broker.New(broker.Options{Forward: sink})
	defer bus.Close()

	modelClient, err := buildModelClient(cfg.Model)
	if err != nil {
		return err
	}
	log.Printf(ctx, "model provider: %s", cfg.Model.Provider)

	media, err := mediafs.New(cfg.Media.Dir)
	if err != nil {
		return err
	}

	synthURL := cfg.Synth.BaseURL
	if synthURL == "" {
		synthURL = defaultSynthURL
		log.Printf(ctx, "synth.base_url not set, using %s", synthURL)
	}
	synth, err := synthhttp.New(synthhttp.Options{BaseURL: synthURL})
	if err != nil {
		return err
	}

	pipelines, err := stages.Pipelines(stages.Deps{
		Model:     modelClient,
		Video:     synth,
		Assembler: synth,
		Speech:    synth,
		Media:     media,
		Sessions:  store,
	})
	if err != nil {
		return err
	}

	orchOpts := orchestrator.Options{
		Store:     store,
		Bus:       bus,
		Ledger:    ledger,
		Pipelines: pipelines,
	}
	if cfg.Submit.Rate > 0 {
		orchOpts.SubmitRate = rate.Limit(cfg.Submit.Rate)
		orchOpts.SubmitBurst = cfg.Submit.Burst
	}
	orch, err := orchestrator.New(orchOpts)
	if err != nil {
		return err
	}

	server, err := api.New(api.Options{
		Auth:            verifier,
		Orchestrator:    orch,
		Store:           store,
		Bus:             bus,
		Ledger:          ledger,
		Pingers:         pingers,
		OnAuthenticated: registry.Observe,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: log.HTTP(ctx)(server.Handler()),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf(ctx, "listening on %s", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	select {
	case err := <-errCh:
		return err
	case <-sigCtx.Done():
	}
	log.Printf(ctx, "shutting down")

	graceCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownGrace)
	defer cancel()
	if err := httpServer.Shutdown(graceCtx); err != nil {
		log.Errorf(ctx, err, "http shutdown")
	}
	if err := orch.Shutdown(graceCtx); err != nil {
		log.Errorf(ctx, err, "orchestrator shutdown")
	}
	if sink != nil {
		if err := sink.Close(graceCtx); err != nil {
			log.Errorf(ctx, err, "event sink close")
		}
	}
	return nil
}

// buildModelClient constructs the configured language model adapter.
func buildModelClient(cfg config.ModelConfig) (model.Client, error) {
	switch cfg.Provider {
	case config.ProviderOpenAI:
		return openaimodel.NewFromAPIKey(cfg.APIKey, cfg.Name)
	case config.ProviderAnthropic:
		return anthropicmodel.NewFromAPIKey(cfg.APIKey, cfg.Name)
	case config.ProviderBedrock:
		runtime := bedrockruntime.New(bedrockruntime.Options{
			Region:      envOr("AWS_REGION", "us-east-1"),
			Credentials: envCredentials(),
		})
		return bedrockmodel.New(bedrockmodel.Options{Runtime: runtime, DefaultModel: cfg.Name})
	default:
		return nil, fmt.Errorf("unknown model provider %q", cfg.Provider)
	}
}

// envCredentials reads static AWS credentials from the environment. Only
// environment credentials are supported; the engine deploys with injected
// credentials rather than instance profiles.
func envCredentials() aws.CredentialsProvider {
	return aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
		id := os.Getenv("AWS_ACCESS_KEY_ID")
		secret := os.Getenv("AWS_SECRET_ACCESS_KEY")
		if id == "" || secret == "" {
			return aws.Credentials{}, errors.New("AWS credentials are not set")
		}
		return aws.Credentials{
			AccessKeyID:     id,
			SecretAccessKey: secret,
			SessionToken:    os.Getenv("AWS_SESSION_TOKEN"),
			Source:          "environment",
		}, nil
	})
}

func disconnectMongo(ctx context.Context, client *mongodriver.Client) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Disconnect(ctx); err != nil {
		log.Errorf(ctx, err, "mongo disconnect")
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
