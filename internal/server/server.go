package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/victornm/livequiz/internal/api"
	"github.com/victornm/livequiz/internal/event"
	"github.com/victornm/livequiz/internal/leaderboard"
	"github.com/victornm/livequiz/internal/registry"
	"github.com/victornm/livequiz/internal/results"
	"github.com/victornm/livequiz/internal/telemetry"
	"github.com/victornm/livequiz/internal/transport/ws"
)

// Config of the server. Redis and Postgres are optional: leaving their addresses empty
// disables the leaderboard mirror, pub/sub notifications and the results archive.
type Config struct {
	HTTP struct {
		Port         int32
		AllowOrigins []string
	}

	GRPC struct {
		Port int32
	}

	Log struct {
		Level  string
		Format string
	}

	Quiz struct {
		CodeAttempts int
	}

	Redis struct {
		Leaderboard struct {
			Addrs  []string
			Pass   string
			Prefix string
		}

		Pubsub struct {
			Addrs  []string
			Pass   string
			Prefix string
		}
	}

	Postgres struct {
		Results struct {
			Addr string
			User string
			Pass string
			Name string
		}
	}
}

// DefaultConfig returns the values used for anything the config file and environment leave unset.
func DefaultConfig() Config {
	var c Config
	c.HTTP.Port = 8080
	c.HTTP.AllowOrigins = []string{"*"}
	c.GRPC.Port = 9090
	c.Log.Level = "info"
	c.Log.Format = "text"
	c.Redis.Leaderboard.Prefix = "livequiz"
	c.Redis.Pubsub.Prefix = "livequiz"
	return c
}

type Server struct {
	c Config

	eb      *event.Bus
	metrics *telemetry.Metrics
	reg     *registry.Registry

	infra struct {
		redis struct {
			leaderboard redis.UniversalClient
			pubsub      redis.UniversalClient
		}

		postgres struct {
			results *pgxpool.Pool
		}
	}

	service struct {
		leaderboard *leaderboard.Service
		results     *results.Service
	}

	http *http.Server
	grpc *grpc.Server
}

func Init(c Config) (*Server, error) {
	s := &Server{c: c}

	l, err := telemetry.NewLogger(os.Stdout, c.Log.Level, c.Log.Format)
	if err != nil {
		return nil, fmt.Errorf("server: init logger: %w", err)
	}
	slog.SetDefault(l)

	s.eb = event.NewBus()
	s.metrics = telemetry.NewMetrics(prometheus.DefaultRegisterer)
	s.metrics.Subscribe(s.eb)

	if err := s.initInfra(); err != nil {
		return nil, fmt.Errorf("server: init infra: %w", err)
	}

	if err := s.initService(); err != nil {
		return nil, fmt.Errorf("server: init service: %w", err)
	}

	s.initAPI()
	return s, nil
}

func (s *Server) initInfra() error {
	if err := s.initRedis(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	if err := s.initPostgres(); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}

	return nil
}

func (s *Server) initRedis() error {
	connect := func(addrs []string, pass string) (redis.UniversalClient, error) {
		if len(addrs) == 0 {
			return nil, nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		r := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    addrs,
			Password: pass,
		})

		if err := telemetry.MonitorRedis(r); err != nil {
			return nil, err
		}

		if err := r.Ping(ctx).Err(); err != nil {
			return nil, err
		}

		return r, nil
	}

	var err error
	s.infra.redis.leaderboard, err = connect(s.c.Redis.Leaderboard.Addrs, s.c.Redis.Leaderboard.Pass)
	if err != nil {
		return fmt.Errorf("leaderboard: %w", err)
	}

	s.infra.redis.pubsub, err = connect(s.c.Redis.Pubsub.Addrs, s.c.Redis.Pubsub.Pass)
	if err != nil {
		return fmt.Errorf("pubsub: %w", err)
	}

	return nil
}

func (s *Server) initPostgres() (err error) {
	connect := func(addr, user, pass, name string) (*pgxpool.Pool, error) {
		if addr == "" {
			return nil, nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		cc, err := pgxpool.ParseConfig(fmt.Sprintf("postgres://%s:%s@%s/%s", user, pass, addr, name))
		if err != nil {
			return nil, err
		}

		db, err := pgxpool.NewWithConfig(ctx, cc)
		if err != nil {
			return nil, err
		}

		if err := db.Ping(ctx); err != nil {
			return nil, err
		}

		return db, nil
	}

	p := s.c.Postgres.Results
	s.infra.postgres.results, err = connect(p.Addr, p.User, p.Pass, p.Name)
	if err != nil {
		return fmt.Errorf("results: %w", err)
	}

	return nil
}

func (s *Server) initService() error {
	s.reg = registry.New(registry.Config{
		EventBus:     s.eb,
		CodeAttempts: s.c.Quiz.CodeAttempts,
	})

	if s.infra.redis.leaderboard != nil {
		s.service.leaderboard = leaderboard.NewService(leaderboard.Config{
			EventBus: s.eb,
			Redis:    s.infra.redis.leaderboard,
			Prefix:   s.c.Redis.Leaderboard.Prefix,
		})
	}

	if s.infra.postgres.results != nil {
		s.service.results = results.NewService(results.Config{
			EventBus: s.eb,
			DB:       s.infra.postgres.results,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := s.service.results.Migrate(ctx); err != nil {
			return fmt.Errorf("results: %w", err)
		}
	}

	return nil
}

func (s *Server) initAPI() {
	e := gin.New()
	e.Use(gin.Recovery())
	e.Use(cors.New(cors.Config{
		AllowOrigins: s.c.HTTP.AllowOrigins,
		AllowMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type"},
	}))
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(e, "/debug/pprof")

	s.grpc = grpc.NewServer(telemetry.GRPCServerInterceptor(slog.Default()))

	c := api.Config{
		GRPC:         s.grpc,
		EventBus:     s.eb,
		Registry:     s.reg,
		Leaderboard:  s.service.leaderboard,
		Results:      s.service.results,
		PubsubPrefix: s.c.Redis.Pubsub.Prefix,
	}
	if s.infra.redis.pubsub != nil {
		c.Redis = s.infra.redis.pubsub
	}
	api.New(c).RegisterHTTP(e)

	ws.NewHandler(ws.Config{
		Sessions: s.reg,
		Metrics:  s.metrics,
	}).Register(e)

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           e,
		ReadHeaderTimeout: 60 * time.Second,
	}
}

func (s *Server) Start() {
	ctx := context.TODO()

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.c.GRPC.Port))
	if err != nil {
		slog.ErrorContext(ctx, "grpc server: listen failed", "error", err)
		panic(err)
	}

	var eg errgroup.Group
	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: gRPC listening on port %d", s.c.GRPC.Port))
		return s.grpc.Serve(lis)
	})

	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: HTTP listening on port %d", s.c.HTTP.Port))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	err = eg.Wait()
	if err != nil {
		slog.ErrorContext(ctx, "server: shutdown with error", "error", err)
	}
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.grpc.GracefulStop()
	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}

	// WebSocket connections are hijacked and not tracked by the HTTP server.
	for _, sum := range s.reg.List() {
		if err := s.reg.EndSession(ctx, sum.Code); err != nil {
			slog.WarnContext(ctx, "server: end session failed", "code", sum.Code, "error", err)
		}
	}

	s.eb.Stop()

	if r := s.infra.redis.leaderboard; r != nil {
		_ = r.Close()
	}
	if r := s.infra.redis.pubsub; r != nil {
		_ = r.Close()
	}
	if db := s.infra.postgres.results; db != nil {
		db.Close()
	}

	slog.InfoContext(ctx, "server: shutdown completed")
}
