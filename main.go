package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"
	socketio "github.com/zishang520/socket.io/v2/socket"

	"whiteboard-server/access"
	"whiteboard-server/auth"
	"whiteboard-server/config"
	"whiteboard-server/core"
	"whiteboard-server/expiry"
	"whiteboard-server/handlers/api/documents"
	"whiteboard-server/handlers/api/rooms"
	"whiteboard-server/handlers/websocket"
	"whiteboard-server/metrics"
	authmw "whiteboard-server/middleware"
	"whiteboard-server/mutations"
	"whiteboard-server/persistence"
	"whiteboard-server/presence"
	roomcache "whiteboard-server/rooms"
	"whiteboard-server/stores"
)

const shutdownTimeout = 30 * time.Second

// server holds every long-lived component so shutdown can stop them in
// order.
type server struct {
	store     core.Store
	cache     *roomcache.Cache
	scheduler *persistence.Scheduler
	manager   *presence.Manager
	sweeper   *expiry.Sweeper
	ioo       *socketio.Server
	httpSrv   *http.Server
}

func newServer(conf *config.Config, store core.Store, m *metrics.Metrics) *server {
	s := &server{store: store}

	ioo := websocket.SetupSocketIO(conf.AllowedOrigins)
	transport := websocket.NewTransport(ioo)

	s.cache = roomcache.NewCache(store,
		roomcache.WithLoadTimeout(conf.Sync.LoadTimeoutDuration()),
		roomcache.WithOccupancy(func(roomID string) int { return s.manager.Occupancy(roomID) }),
		roomcache.WithFlushCheck(func(roomID string) bool { return s.scheduler.EnsureFlushed(roomID) }),
		roomcache.WithMetrics(m),
	)
	s.scheduler = persistence.NewScheduler(store, s.cache,
		persistence.WithDebounce(conf.Sync.WriteDebounceDuration()),
		persistence.WithWriteTimeout(conf.Sync.WriteTimeoutDuration()),
		persistence.WithRetries(conf.Sync.WriteRetries),
		persistence.WithMetrics(m),
	)
	s.manager = presence.NewManager(transport, s.cache, s.scheduler,
		presence.WithAdmitter(access.NewChecker(store, m)),
		presence.WithEvictionGrace(conf.Sync.EvictionGraceDuration()),
		presence.WithRegistry(store),
		presence.WithMetrics(m),
	)
	handler := mutations.NewHandler(s.cache, s.scheduler, s.manager, transport, m)
	relay := access.NewRelay(store, transport, s.manager)

	authn := auth.NewAuthenticator(conf.Auth.JWTSecret, conf.Auth.AnonymousAllowed())
	websocket.NewCollab(transport, authn, s.manager, handler, relay).Attach(ioo)
	s.ioo = ioo

	s.sweeper = expiry.New(store, transport,
		expiry.WithInterval(conf.Sync.ExpiryIntervalDuration()),
		expiry.WithMetrics(m),
	)

	r := setupRouter(conf, store, s.cache, transport, s.manager, authn, m)
	r.Handle("/socket.io/", ioo.ServeHandler(nil))
	s.httpSrv = &http.Server{Addr: conf.Listen, Handler: r}
	return s
}

func allowOrigin(allowed []string) func(r *http.Request, origin string) bool {
	return func(r *http.Request, origin string) bool {
		if origin == "" {
			return false
		}
		for _, o := range allowed {
			if o == origin {
				return true
			}
		}

		parsed, err := url.Parse(origin)
		if err != nil {
			return false
		}

		switch parsed.Scheme {
		case "http", "https":
			switch parsed.Hostname() {
			case "localhost", "127.0.0.1", "::1":
				return true
			}
		case "tauri":
			return parsed.Hostname() == "localhost"
		}

		return false
	}
}

func setupRouter(
	conf *config.Config,
	store core.Store,
	cache *roomcache.Cache,
	transport *websocket.Transport,
	manager *presence.Manager,
	authn *auth.Authenticator,
	m *metrics.Metrics,
) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowOriginFunc:  allowOrigin(conf.AllowedOrigins),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Content-Length", "X-User-ID", "X-User-Name"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, map[string]any{
			"status":         "ok",
			"resident_rooms": len(cache.Rooms()),
		})
	})
	r.Handle("/metrics", m.Handler())

	r.Route("/api/rooms", func(r chi.Router) {
		r.Use(authmw.AuthJWT(authn))
		r.Post("/", rooms.HandleCreate(store))
		r.Get("/", rooms.HandleList(store, manager))
		r.Route("/{roomId}", func(r chi.Router) {
			r.Get("/", rooms.HandleGet(store, manager))
			r.Get("/elements", documents.HandleGetElements(store, store))
			r.Delete("/elements", documents.HandleDeleteElements(store, store, cache, transport))
		})
	})

	return r
}

func (s *server) run() error {
	if err := s.sweeper.Start(); err != nil {
		return err
	}

	logrus.WithField("addr", s.httpSrv.Addr).Info("starting server")
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithField("event", "start server").Fatal(err)
		}
	}()
	return nil
}

func (s *server) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	_ = s.sweeper.Stop()
	s.ioo.Close(nil)
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		logrus.WithError(err).Warn("HTTP server did not shut down cleanly")
	}
	if err := s.scheduler.FlushAll(ctx); err != nil {
		logrus.WithError(err).Error("Failed to flush rooms on shutdown")
	}
	s.cache.Close()

	if closer, ok := s.store.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to close store")
		}
	}
	logrus.Info("Server stopped")
}

func waitForShutdown() {
	signalC := make(chan os.Signal, 1)
	signal.Notify(signalC, os.Interrupt, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	s := <-signalC
	logrus.WithField("signal", s.String()).Info("Shutting down...")
}

func main() {
	configPath := flag.String("config", "", "Path to a YAML configuration file")
	logLevel := flag.String("loglevel", "", "Set the logging level: debug, info, warn, error, fatal, panic")
	listenAddr := flag.String("listen", "", "Set the server listen address")
	flag.Parse()

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	conf, err := config.Load(*configPath, ".env")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		conf.LogLevel = *logLevel
	}
	if *listenAddr != "" {
		conf.Listen = *listenAddr
	}
	if err := conf.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	level, err := logrus.ParseLevel(conf.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level: %v\n", err)
		os.Exit(1)
	}
	logrus.SetLevel(level)

	store, err := stores.GetStore(conf.Storage)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to open storage")
	}

	m, err := metrics.NewMetrics()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to register metrics")
	}

	s := newServer(conf, store, m)
	if err := s.run(); err != nil {
		logrus.WithError(err).Fatal("Failed to start server")
	}

	logrus.Debug("Server is running in the background")
	waitForShutdown()
	s.shutdown()
}
