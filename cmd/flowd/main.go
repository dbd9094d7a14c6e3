package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"goa.design/clue/health"
	"goa.design/clue/log"
	"golang.org/x/sync/errgroup"

	"github.com/duraflow/flowd/bus"
	businmem "github.com/duraflow/flowd/bus/inmem"
	buspulse "github.com/duraflow/flowd/bus/pulse"
	"github.com/duraflow/flowd/runtime/engine"
	"github.com/duraflow/flowd/runtime/hooks"
	"github.com/duraflow/flowd/runtime/match"
	"github.com/duraflow/flowd/runtime/runner"
	"github.com/duraflow/flowd/runtime/timer"
	"github.com/duraflow/flowd/store"
	storeinmem "github.com/duraflow/flowd/store/inmem"
	storemongo "github.com/duraflow/flowd/store/mongo"
	"github.com/duraflow/flowd/worker"
)

func main() {
	// Define command line flags. Environment variables provide the defaults
	// so containerized deployments need no argument list.
	var (
		httpPortF    = flag.String("http-port", envOr("FLOWD_HTTP_PORT", "8080"), "HTTP listen port")
		storeF       = flag.String("store", envOr("FLOWD_STORE", "inmem"), "Store backend (valid values: inmem, mongo)")
		mongoURIF    = flag.String("mongo-uri", envOr("FLOWD_MONGO_URI", "mongodb://localhost:27017"), "MongoDB connection URI (store=mongo)")
		mongoDBF     = flag.String("mongo-db", envOr("FLOWD_MONGO_DB", "flowd"), "MongoDB database name (store=mongo)")
		busF         = flag.String("bus", envOr("FLOWD_BUS", "inmem"), "Message bus backend (valid values: inmem, pulse)")
		redisAddrF   = flag.String("redis-addr", envOr("FLOWD_REDIS_ADDR", "localhost:6379"), "Redis address (bus=pulse)")
		matchF       = flag.String("match", envOr("FLOWD_MATCH", "memory"), "Matcher backend (valid values: memory, persistent, hybrid)")
		eventDrivenF = flag.Bool("event-driven", false, "Publish TaskReady announcements on the bus")
		sweepF       = flag.Duration("sweep-interval", time.Second, "Timer sweep interval")
		dbgF         = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	// Setup logger.
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	log.Print(ctx, log.KV{K: "http-port", V: *httpPortF},
		log.KV{K: "store", V: *storeF},
		log.KV{K: "bus", V: *busF},
		log.KV{K: "match", V: *matchF})

	// Store.
	var (
		st      store.Store
		pingers []health.Pinger
	)
	switch *storeF {
	case "inmem":
		st = storeinmem.New()
	case "mongo":
		client, err := mongodriver.Connect(mongooptions.Client().ApplyURI(*mongoURIF))
		if err != nil {
			log.Fatalf(ctx, err, "connect to MongoDB at %s", *mongoURIF)
		}
		defer func() {
			if err := client.Disconnect(context.Background()); err != nil {
				log.Errorf(ctx, err, "disconnect MongoDB client")
			}
		}()
		ms, err := storemongo.New(storemongo.Options{Client: client, Database: *mongoDBF})
		if err != nil {
			log.Fatal(ctx, err)
		}
		st = ms
		pingers = append(pingers, ms)
	default:
		log.Fatal(ctx, fmt.Errorf("invalid store argument: %q (valid stores: inmem, mongo)", *storeF))
	}

	// Message bus.
	var b bus.Bus
	switch *busF {
	case "inmem":
		b = businmem.New()
	case "pulse":
		rdb := redis.NewClient(&redis.Options{Addr: *redisAddrF})
		pb, err := buspulse.New(buspulse.Options{Redis: rdb})
		if err != nil {
			log.Fatalf(ctx, err, "create Pulse bus at %s", *redisAddrF)
		}
		b = pb
	default:
		log.Fatal(ctx, fmt.Errorf("invalid bus argument: %q (valid buses: inmem, pulse)", *busF))
	}
	defer func() {
		if err := b.Close(context.Background()); err != nil {
			log.Errorf(ctx, err, "close bus")
		}
	}()

	// Matcher.
	var m match.Service
	switch *matchF {
	case "memory":
		m = match.NewMemory(match.DefaultRetryPolicy)
	case "persistent":
		m = match.NewPersistent(st, match.DefaultRetryPolicy, 0)
	case "hybrid":
		m = match.NewHybrid(
			match.NewMemory(match.DefaultRetryPolicy),
			match.NewPersistent(st, match.DefaultRetryPolicy, 0),
		)
	default:
		log.Fatal(ctx, fmt.Errorf("invalid match argument: %q (valid matchers: memory, persistent, hybrid)", *matchF))
	}
	if *eventDrivenF {
		m = match.NewEventDriven(m, b)
	}

	// Lifecycle hooks: log, metrics and journal subscribers behind a batched
	// dispatcher so persistence never sits on the engine's critical path.
	hookBus := hooks.NewBus()
	if _, err := hookBus.Register(hooks.NewLogSubscriber()); err != nil {
		log.Fatal(ctx, err)
	}
	if _, err := hookBus.Register(hooks.NewMetricsSubscriber(prometheus.DefaultRegisterer)); err != nil {
		log.Fatal(ctx, err)
	}
	if _, err := hookBus.Register(hooks.NewJournalSubscriber(st)); err != nil {
		log.Fatal(ctx, err)
	}
	dispatcher := hooks.NewBatchedDispatcher(ctx, hookBus, 0, 0)
	defer dispatcher.Close()

	// Engine registry, bus runner, timer sweeper and worker gateway.
	registry, err := engine.NewRegistry(engine.Options{
		Store:      st,
		Dispatcher: dispatcher,
		Match:      m,
	})
	if err != nil {
		log.Fatal(ctx, err)
	}
	defer registry.Close()

	outcomes := runner.New(b, registry)
	if err := outcomes.Start(ctx, "orchestrator"); err != nil {
		log.Fatalf(ctx, err, "subscribe to task outcomes")
	}
	defer outcomes.Close()

	sweeper, err := timer.New(timer.Options{
		Store:    st,
		Registry: registry,
		Match:    m,
		Interval: *sweepF,
	})
	if err != nil {
		log.Fatal(ctx, err)
	}

	// Outcomes ride the bus so any orchestrator process can apply them;
	// heartbeats only touch a row in the shared store, so they apply locally.
	gateway, err := worker.New(worker.Options{
		Match:     m,
		Completer: &runner.BusCompleter{Bus: b},
		Hearts:    &runner.DirectCompleter{Registry: registry},
	})
	if err != nil {
		log.Fatal(ctx, err)
	}

	// HTTP surface: worker protocol, health and metrics.
	mux := chi.NewRouter()
	mux.Use(log.HTTP(ctx))
	mux.Mount("/api/v1/worker", gateway.Router())
	mux.Get("/healthz", health.Handler(health.NewChecker(pingers...)))
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:    net.JoinHostPort("", *httpPortF),
		Handler: otelhttp.NewHandler(mux, "flowd"),
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	// Stop gracefully on SIGINT and SIGTERM.
	g.Go(func() error {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-c:
			return fmt.Errorf("%s", sig)
		case <-gctx.Done():
			return nil
		}
	})

	g.Go(func() error {
		log.Printf(ctx, "HTTP server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		defer stop()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return sweeper.Run(gctx)
	})

	log.Printf(ctx, "exiting (%v)", g.Wait())

	// Let in-flight runs settle before the deferred teardown.
	registry.Wait()
	log.Printf(ctx, "exited")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
