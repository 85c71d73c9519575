// Command contextd serves the session context and approval orchestration
// layer: a Redis hot tier with native TTL eviction in front of a durable
// MongoDB store, plus the pending-action registry and webhook dispatcher.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"goa.design/clue/debug"
	"goa.design/clue/health"
	"goa.design/clue/log"

	"github.com/elva-ai/contextd/api"
	contextmongo "github.com/elva-ai/contextd/features/context/mongo"
	clientsmongo "github.com/elva-ai/contextd/features/context/mongo/clients/mongo"
	contextredis "github.com/elva-ai/contextd/features/context/redis"
	"github.com/elva-ai/contextd/runtime/approval"
	"github.com/elva-ai/contextd/runtime/dispatch"
	"github.com/elva-ai/contextd/runtime/sessionctx"
	"github.com/elva-ai/contextd/runtime/telemetry"
)

func main() {
	var (
		httpAddrF    = flag.String("http-addr", env("CONTEXTD_HTTP_ADDR", ":8080"), "HTTP listen address")
		mongoURIF    = flag.String("mongo-uri", env("CONTEXTD_MONGO_URI", "mongodb://localhost:27017"), "MongoDB connection URI")
		mongoDBF     = flag.String("mongo-db", env("CONTEXTD_MONGO_DB", "contextd"), "MongoDB database name")
		redisAddrF   = flag.String("redis-addr", env("CONTEXTD_REDIS_ADDR", ""), "Redis address; empty disables the hot tier")
		redisPassF   = flag.String("redis-password", env("CONTEXTD_REDIS_PASSWORD", ""), "Redis password")
		webhookF     = flag.String("webhook-url", env("CONTEXTD_WEBHOOK_URL", ""), "Webhook endpoint for approved actions")
		webhookAuthF = flag.String("webhook-token", env("CONTEXTD_WEBHOOK_TOKEN", ""), "Bearer token sent to the webhook endpoint")
		authTokenF   = flag.String("auth-token", env("CONTEXTD_AUTH_TOKEN", ""), "Bearer token required on API requests; empty disables auth")
		ttlF         = flag.Duration("context-ttl", sessionctx.DefaultTTL, "Hot-tier TTL for session contexts")
		maxAgeF      = flag.Duration("pending-max-age", approval.DefaultMaxAge, "Staleness window for unresolved pending actions")
		rateF        = flag.Float64("rate", 50, "API request rate limit per second; 0 disables")
		burstF       = flag.Int("burst", 100, "API request burst allowance")
		dbgF         = flag.Bool("debug", false, "Log request and response bodies")
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

	if *webhookF == "" {
		log.Fatalf(ctx, fmt.Errorf("missing configuration"), "webhook-url is required")
	}

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()

	// Durable tier.
	mongoClient, err := mongo.Connect(ctx, mongooptions.Client().ApplyURI(*mongoURIF))
	if err != nil {
		log.Fatalf(ctx, err, "connect to MongoDB")
	}
	defer func() {
		if err := mongoClient.Disconnect(context.Background()); err != nil {
			log.Errorf(ctx, err, "disconnect from MongoDB")
		}
	}()
	storeClient, err := clientsmongo.New(clientsmongo.Options{
		Client:   mongoClient,
		Database: *mongoDBF,
	})
	if err != nil {
		log.Fatalf(ctx, err, "initialize context store")
	}
	store, err := contextmongo.NewStore(storeClient)
	if err != nil {
		log.Fatalf(ctx, err, "initialize context store")
	}

	// Hot tier, optional.
	svcOpts := []sessionctx.ServiceOption{
		sessionctx.WithTTL(*ttlF),
		sessionctx.WithLogger(logger),
		sessionctx.WithMetrics(metrics),
	}
	pingers := []health.Pinger{storeClient}
	if *redisAddrF != "" {
		rdb := goredis.NewClient(&goredis.Options{Addr: *redisAddrF, Password: *redisPassF})
		defer rdb.Close()
		cache, err := contextredis.New(contextredis.Options{Client: rdb})
		if err != nil {
			log.Fatalf(ctx, err, "initialize context cache")
		}
		svcOpts = append(svcOpts, sessionctx.WithCache(cache))
		pingers = append(pingers, cache)
	} else {
		log.Print(ctx, log.KV{K: "msg", V: "hot tier disabled, serving from durable store only"})
	}

	contexts, err := sessionctx.NewService(store, svcOpts...)
	if err != nil {
		log.Fatalf(ctx, err, "initialize context service")
	}

	var dispatchOpts []dispatch.Option
	if *webhookAuthF != "" {
		dispatchOpts = append(dispatchOpts, dispatch.WithBearerToken(*webhookAuthF))
	}
	webhook, err := dispatch.NewWebhook(*webhookF, dispatchOpts...)
	if err != nil {
		log.Fatalf(ctx, err, "initialize webhook dispatcher")
	}

	registry := approval.NewRegistry(approval.WithMaxAge(*maxAgeF))
	orchestrator, err := approval.NewOrchestrator(registry, webhook, contexts,
		approval.WithLogger(logger),
		approval.WithMetrics(metrics),
	)
	if err != nil {
		log.Fatalf(ctx, err, "initialize orchestrator")
	}

	apiOpts := []api.Option{
		api.WithLogger(logger),
		api.WithMetrics(metrics),
	}
	if *authTokenF != "" {
		apiOpts = append(apiOpts, api.WithBearerToken(*authTokenF))
	}
	if *rateF > 0 {
		apiOpts = append(apiOpts, api.WithRateLimit(*rateF, *burstF))
	}
	svc, err := api.New(contexts, orchestrator, apiOpts...)
	if err != nil {
		log.Fatalf(ctx, err, "initialize HTTP service")
	}

	mux := http.NewServeMux()
	svc.Mount(mux)
	mux.Handle("GET /healthz", health.Handler(health.NewChecker(pingers...)))
	if *dbgF {
		debug.MountDebugLogEnabler(mux)
		debug.MountPprofHandlers(mux)
	}

	var handler http.Handler = mux
	if *dbgF {
		handler = debug.HTTP()(handler)
	}
	handler = log.HTTP(ctx)(handler)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Age out abandoned pending actions in the background.
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				orchestrator.ExpireStale(ctx)
			}
		}
	}()

	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	srv := &http.Server{Addr: *httpAddrF, Handler: handler, ReadHeaderTimeout: 60 * time.Second}
	go func() {
		log.Printf(ctx, "HTTP server listening on %q", *httpAddrF)
		errc <- srv.ListenAndServe()
	}()

	log.Printf(ctx, "exiting (%v)", <-errc)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf(ctx, err, "failed to shut down HTTP server")
	}
	log.Printf(ctx, "exited")
}

func env(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}
