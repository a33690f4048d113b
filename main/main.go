package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/petrelmail/petrel"
	"github.com/petrelmail/petrel/config"
	"github.com/petrelmail/petrel/dkim"
	"github.com/petrelmail/petrel/dns"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("configuration failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	resolver := dns.NewResolver(dns.ResolverConfig{})

	failures, err := petrel.NewFailureCache(cfg.MaxFailuresPerIPAddress, cfg.FailureLockoutTimespan, cfg.WhitelistIP)
	if err != nil {
		return err
	}
	defer failures.Close()

	var certs *petrel.CertificateCache
	if cfg.SSLCertificateFile != "" {
		certs = petrel.NewCertificateCache(cfg.SSLCertificateFile, cfg.SSLPrivateKeyFile, cfg.SSLCertificatePassword)
	}

	var signer *dkim.Signer
	if cfg.DKIMPemFile != "" {
		signer, err = dkim.LoadSigner(cfg.Domain, cfg.DKIMSelector, cfg.DKIMPemFile)
		if err != nil {
			return err
		}
		logger.Info("dkim signing enabled",
			slog.String("domain", signer.Domain()),
			slog.String("selector", signer.Selector()),
		)
	}

	users, err := buildUsers(cfg.Users)
	if err != nil {
		return err
	}

	certRe, err := cfg.CertErrorsRegex()
	if err != nil {
		return err
	}

	courier, err := petrel.NewCourier(petrel.CourierConfig{
		Hostname:            cfg.Domain,
		Resolver:            resolver,
		Signer:              signer,
		IgnoreCertErrors:    certRe,
		IgnoreAllCertErrors: cfg.IgnoreCertificateErrorsRegex == "*",
		Logger:              logger,
	})
	if err != nil {
		return err
	}
	defer courier.Close()

	var globalForward petrel.MailboxAddress
	if cfg.GlobalForwardAddress != "" {
		globalForward, err = petrel.ParseAddress(cfg.GlobalForwardAddress)
		if err != nil {
			return err
		}
	}

	relay, err := petrel.NewRelay(petrel.RelayConfig{
		Users:         users,
		GlobalForward: globalForward,
		Courier:       courier,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	server, err := petrel.NewServer(petrel.ServerConfig{
		Hostname:             cfg.Domain,
		Addr:                 cfg.ListenAddr(),
		Greeting:             cfg.Greeting,
		MaxMessageSize:       cfg.MaxMessageSize,
		MaxConnections:       cfg.MaxConnectionCount,
		RequireEhloHostMatch: cfg.RequireEhloIPHostMatch,
		RequireSPF:           cfg.RequireSPFMatch,
		Users:                users,
		Certificates:         certs,
		Failures:             failures,
		Resolver:             resolver,
		SpoolDir:             cfg.SpoolDir,
		Logger:               logger,
		Hooks:                relay.Hooks(),
	})
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", slog.String("addr", cfg.ListenAddr()))
		errCh <- server.ListenAndServe()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if errors.Is(err, petrel.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func buildUsers(configs []config.UserConfig) ([]petrel.User, error) {
	users := make([]petrel.User, 0, len(configs))
	for _, uc := range configs {
		addr, err := petrel.ParseAddress(uc.Address)
		if err != nil {
			return nil, err
		}
		user := petrel.User{
			Name:        uc.Name,
			DisplayName: uc.DisplayName,
			Password:    uc.Password,
			Address:     addr,
		}
		if uc.ForwardAddress != "" {
			user.ForwardAddress, err = petrel.ParseAddress(uc.ForwardAddress)
			if err != nil {
				return nil, err
			}
		}
		users = append(users, user)
	}
	return users, nil
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
