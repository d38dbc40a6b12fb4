// Package server wires the broker, agents, scheduler and store together and
// exposes them over HTTP.
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/maildigest/config"
	"github.com/mohammad-safakhou/maildigest/internal/agent"
	"github.com/mohammad-safakhou/maildigest/internal/bus"
	"github.com/mohammad-safakhou/maildigest/internal/mail"
	"github.com/mohammad-safakhou/maildigest/internal/store"
	"github.com/mohammad-safakhou/maildigest/internal/telemetry"
	"github.com/mohammad-safakhou/maildigest/provider"
)

// Run builds the whole service from configuration and blocks serving HTTP.
func Run(cfg *config.Config, addr string) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = newHTTPErrorHandler(baseLogger)
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(200, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	ctx := context.Background()

	dsn, err := cfg.Storage.Postgres.DSN()
	if err != nil {
		return err
	}
	if err := store.Migrate("file://migrations", dsn, "up", 0); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return err
	}

	tel := telemetry.New()
	broker := bus.NewBroker(cfg.General.QueueSize, tel)
	broker.Start(ctx)

	providers, err := buildMailProviders(cfg.Mail.Accounts)
	if err != nil {
		return err
	}
	var sender mail.DigestSender
	if cfg.Mail.SMTPHost != "" {
		sender = mail.NewSMTPSender(cfg.Mail.SMTPHost, cfg.Mail.SMTPPort, cfg.Mail.SMTPUsername, cfg.Mail.SMTPPassword)
	}

	ai, err := provider.New(cfg.AI)
	if err != nil {
		return err
	}

	collector := agent.NewEmailCollector(broker, st, providers, cfg.Mail.MaxEmailsPerRun, tel)
	detector := agent.NewNewsletterDetector(broker, st, ai, cfg.Mail.DetectionCutoff, tel)
	summarizer := agent.NewContentSummarizer(broker, st, ai, sender, collector, cfg.Mail.DigestRecipient, tel)
	orch := agent.NewOrchestrator(broker, collector, detector, summarizer, st,
		cfg.General.PollInterval, cfg.General.PipelineTimeout, tel)
	if err := orch.Start(ctx); err != nil {
		return err
	}

	var locker agent.Locker
	if cfg.Storage.Redis.Host != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     fmt.Sprintf("%s:%s", cfg.Storage.Redis.Host, cfg.Storage.Redis.Port),
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis connection failed (%s:%s): %w", cfg.Storage.Redis.Host, cfg.Storage.Redis.Port, err)
		}
		locker = &agent.RedisLocker{Client: rdb, Owner: uuid.NewString()}
	}
	sched := agent.NewScheduler(broker, cfg.Location(), cfg.Scheduler.TickInterval,
		cfg.Scheduler.MisfireGrace, cfg.Scheduler.LockTTL, locker)
	hour, minute, err := config.ParseDailyTime(cfg.Scheduler.DailyDigestTime)
	if err != nil {
		return err
	}
	if err := sched.RegisterDefaultJobs(orch, hour, minute, cfg.Scheduler.HealthCheckCron); err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}

	secret := cfg.Server.JWTSecret
	if secret == "" {
		return fmt.Errorf("jwt secret not configured (server.jwt_secret)")
	}
	auth := &AuthHandler{Store: st, Secret: []byte(secret)}

	api := e.Group("/api")
	auth.Register(api.Group("/auth"))

	ph := &PipelineHandler{Orch: orch, Telemetry: tel, Logger: baseLogger}
	ph.Register(api.Group("/pipeline"), auth.Secret)

	sh := &SummariesHandler{Store: st, Orch: orch}
	sh.Register(api.Group("/summaries"), auth.Secret)

	sys := api.Group("/system")
	sys.Use(func(next echo.HandlerFunc) echo.HandlerFunc { return withAuth(next, auth.Secret) })
	sys.GET("/health", ph.health)

	eh := &EmailsHandler{Collector: collector}
	eh.Register(api.Group("/emails"), auth.Secret)

	jh := &JobsHandler{Sched: sched}
	jh.Register(api.Group("/jobs"), auth.Secret)

	if addr == "" {
		addr = cfg.Server.Address
		if addr == "" {
			addr = ":8080"
		}
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}

// newHTTPErrorHandler logs every failed request and answers with the
// HTTPError envelope.
func newHTTPErrorHandler(logger *log.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		logger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, HTTPError{Error: msg})
		}
	}
}

// buildMailProviders maps configured accounts to provider implementations.
// Gmail and Outlook connectors plug in here once their OAuth flows land.
func buildMailProviders(accounts []config.MailAccount) ([]mail.Provider, error) {
	var out []mail.Provider
	for _, acc := range accounts {
		switch acc.Kind {
		case "memory":
			out = append(out, mail.NewMemoryProvider(acc.Name))
		default:
			return nil, fmt.Errorf("unsupported mail account kind %q for %s", acc.Kind, acc.Name)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no mail accounts configured (mail.accounts)")
	}
	return out, nil
}
