// Command authgate runs the Telegram group verification gate: the bot-side
// update loop that mutes and prompts new members, the watchdog that evicts
// members who never verify, and the HTTP callback the external login page
// uses to complete the binding.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/paoluz/authgate/internal/config"
	httpapi "github.com/paoluz/authgate/internal/http"
	"github.com/paoluz/authgate/internal/observability"
	"github.com/paoluz/authgate/internal/repo"
	"github.com/paoluz/authgate/internal/services"
	"github.com/paoluz/authgate/internal/sysutil"
	"github.com/paoluz/authgate/internal/transport"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// Optional .env for local development; real deployments use the process
	// environment.
	_ = godotenv.Load()

	cfg := config.MustLoad()

	sysutil.SetLogLevel(cfg.LogLevel)
	var out = zerolog.New(os.Stderr)
	if cfg.LogPretty {
		out = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	log := out.With().Timestamp().Str("service", "authgate").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup failed")
	}

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("open database failed")
	}
	if cfg.OTEL.Enabled {
		if err := repo.EnableTracing(db); err != nil {
			log.Fatal().Err(err).Msg("db tracing setup failed")
		}
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("migration failed")
	}

	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		log.Fatal().Err(err).Msg("telegram authorization failed")
	}
	log.Info().Str("bot", bot.Self.UserName).Msg("telegram bot authorized")
	tg := transport.NewTelegram(bot)

	issuer := &services.CodeIssuer{DB: db, TTL: cfg.CodeTTL}
	watchdog := &services.Watchdog{
		DB:              db,
		Transport:       tg,
		GracePeriod:     cfg.GracePeriod,
		StaleAfter:      cfg.StaleAfter,
		KickRejoinAfter: cfg.KickRejoinAfter,
		NoticeTTL:       cfg.NoticeTTL,
		Log:             log.With().Str("component", "watchdog").Logger(),
	}
	gate := &services.Gate{
		DB:           db,
		Transport:    tg,
		Issuer:       issuer,
		Scheduler:    watchdog,
		Sweeper:      watchdog,
		GroupIDs:     cfg.GroupIDs,
		LoginBaseURL: cfg.LoginBaseURL,
		ScanKey:      cfg.ScanKey,
		Log:          log.With().Str("component", "gate").Logger(),
	}
	binder := &services.BindingService{DB: db, Issuer: issuer, Notifier: gate}

	gin.SetMode(cfg.GinMode)
	engine := gin.New()
	httpapi.RegisterRoutes(engine, binder, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           engine,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	poller := transport.NewPoller(bot, gate, log.With().Str("component", "poller").Logger())
	go func() {
		// Run returns ctx.Err() on cancellation; anything else is unexpected.
		if err := poller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("update poller exited")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown failed")
	}
	if err := watchdog.Shutdown(shCtx); err != nil {
		log.Error().Err(err).Msg("watchdog drain failed")
	}
	if err := shutdownOTel(shCtx); err != nil {
		log.Error().Err(err).Msg("otel shutdown failed")
	}
	log.Info().Msg("bye")
}
