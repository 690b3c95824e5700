package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/claimsdesk/formledger/internal/api"
	"github.com/claimsdesk/formledger/internal/catalog"
	"github.com/claimsdesk/formledger/internal/config"
	"github.com/claimsdesk/formledger/internal/forms"
	"github.com/claimsdesk/formledger/internal/judge"
	"github.com/claimsdesk/formledger/internal/ledger"
	"github.com/claimsdesk/formledger/internal/ledger/pgstore"
	"github.com/claimsdesk/formledger/internal/ledger/sqlstore"
	"github.com/claimsdesk/formledger/internal/model"
	"github.com/claimsdesk/formledger/internal/rules"
	"github.com/claimsdesk/formledger/internal/session"
)

func main() {
	if err := runFn(os.Args[1:], os.Getenv, listenAndServe); err != nil {
		fatalf("server error: %v", err)
	}
}

var runFn = run
var fatalf = log.Fatalf

type envFn func(string) string
type listenFn func(*http.Server) error

func run(args []string, getenv envFn, listen listenFn) error {
	fs := flag.NewFlagSet("formledger-gateway", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to formledger config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfgFile := *configPath
	if cfgFile == "" {
		cfgFile = getenv("FORMLEDGER_CONFIG_PATH")
	}
	if cfgFile == "" {
		cfgFile = "configs/formledger.yaml"
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)

	server, err := newServer(cfg, logger)
	if err != nil {
		return err
	}

	logger.Info("formledger-gateway listening", "addr", server.Addr)
	if err := listen(server); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func newServer(cfg config.Config, logger *slog.Logger) (*http.Server, error) {
	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}

	store, err := openStore(cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	var transport judge.Transport
	if cfg.Model.APIKey == "" {
		logger.Warn("model api key not set, model-backed fields will fail")
		transport = model.Unavailable{}
	} else {
		client, err := model.NewClient(model.Config{
			BaseURL:        cfg.Model.BaseURL,
			APIKey:         cfg.Model.APIKey,
			Name:           cfg.Model.Name,
			TimeoutSeconds: cfg.Model.TimeoutSeconds,
			Referer:        cfg.Model.Referer,
			Title:          cfg.Model.Title,
		}, logger)
		if err != nil {
			return nil, err
		}
		transport = client
	}

	engine := judge.NewEngine(cat, rules.NewSet(), transport, logger)

	h := &api.Handler{
		Sessions: session.NewService(store, time.Duration(cfg.Session.TokenTTLHours)*time.Hour),
		Forms: &forms.Service{
			Store:   store,
			Engine:  engine,
			Catalog: cat,
			Strict:  cfg.Validation.StrictFields,
		},
		Engine: engine,
		Store:  store,
		Log:    logger,
	}

	return &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewRouter(h),
		ReadHeaderTimeout: 5 * time.Second,
	}, nil
}

func openStore(cfg config.DBConfig) (ledger.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return ledger.NewInMemoryStore(), nil
	case "sqlite":
		store, err := sqlstore.OpenSQLite(cfg.DSN)
		if err != nil {
			return nil, err
		}
		if err := ledger.Migrate(store.DB(), ledger.DBSQLite); err != nil {
			return nil, err
		}
		return store, nil
	case "postgres":
		store, err := pgstore.OpenPostgres(cfg.DSN)
		if err != nil {
			return nil, err
		}
		if err := ledger.Migrate(store.DB(), ledger.DBPostgres); err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported db driver: %s", cfg.Driver)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func listenAndServe(server *http.Server) error {
	return server.ListenAndServe()
}
