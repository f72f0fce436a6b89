package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/alemhq/alem/internal/changefeed"
	"github.com/alemhq/alem/internal/config"
	"github.com/alemhq/alem/internal/httpapi"
	"github.com/alemhq/alem/internal/identity"
	"github.com/alemhq/alem/internal/namespace"
	"github.com/alemhq/alem/internal/router"
	"github.com/alemhq/alem/internal/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Getenv); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		log.Fatalf("alem-server: %v", err)
	}
}

func run(ctx context.Context, args []string, getenv func(string) string) error {
	flags := pflag.NewFlagSet("alem-server", pflag.ContinueOnError)
	configPath := flags.String("config", getenv("ALEM_CONFIG"), "path to a YAML config file")
	addr := flags.String("addr", "", "listen address (overrides server.addr)")
	if err := flags.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(*configPath, getenv)
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	app, err := build(cfg, log.Default())
	if err != nil {
		return err
	}
	httpServer := &http.Server{Addr: cfg.Server.Addr, Handler: app.server}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("alem-server listening on %s (node %s)", cfg.Server.Addr, app.manager.NodeID())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		log.Printf("alem-server shutting down")
		return errors.Join(httpServer.Shutdown(shutdownCtx), app.close(shutdownCtx))
	})
	return g.Wait()
}

type app struct {
	server  *httpapi.Server
	manager *namespace.Manager
	closers []func() error
}

// build wires storage, namespace supervision, the change feed and the HTTP
// API from cfg.
func build(cfg config.Config, logger *log.Logger) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			_ = a.close(context.Background())
		}
	}()

	signer := storage.NewSigner(cfg.Storage.PresignSecret, cfg.Server.PublicURL)
	blobs, err := storage.BuildBlobStoreFromDSN(cfg.Storage.BlobDSN, signer)
	if err != nil {
		return nil, fmt.Errorf("blob store: %w", err)
	}
	a.closers = append(a.closers, blobs.Close)
	docs, err := storage.BuildDocumentStoreFromDSN(cfg.Storage.DocumentDSN)
	if err != nil {
		return nil, fmt.Errorf("document store: %w", err)
	}
	a.closers = append(a.closers, docs.Close)
	index, err := storage.BuildIndexFromDSN(cfg.Storage.IndexDSN)
	if err != nil {
		return nil, fmt.Errorf("index: %w", err)
	}
	a.closers = append(a.closers, index.Close)
	records, err := namespace.BuildRecordStoreFromDSN(cfg.Namespace.RecordsDSN)
	if err != nil {
		return nil, fmt.Errorf("namespace records: %w", err)
	}
	a.closers = append(a.closers, records.Close)
	nodeID := cfg.Namespace.NodeID
	if nodeID == "" {
		nodeID, _ = os.Hostname()
	}
	registry, err := namespace.BuildRegistryFromDSN(cfg.Namespace.RegistryDSN, nodeID, logger)
	if err != nil {
		return nil, fmt.Errorf("namespace registry: %w", err)
	}
	a.closers = append(a.closers, registry.Close)

	buildRouter := func(record namespace.Record) (*router.Router, error) {
		return router.New(router.Options{
			NamespaceID: record.ID,
			TenantID:    record.TenantID,
			UserID:      record.OwnerID(),
			Blobs:       blobs,
			Docs:        docs,
			Index:       index,
			Logger:      logger,
		})
	}
	a.manager, err = namespace.NewManager(namespace.ManagerOptions{
		NodeID:          nodeID,
		Records:         records,
		Registry:        registry,
		Services:        []namespace.ServiceSpec{namespace.RouterService(buildRouter, cfg.Namespace.MailboxSize)},
		HealthInterval:  cfg.Namespace.HealthInterval,
		PersistInterval: cfg.Namespace.PersistInterval,
		InitRetryDelay:  cfg.Namespace.InitRetryDelay,
		MaxRestarts:     cfg.Namespace.MaxRestarts,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}

	hub := httpapi.NewHub(logger)
	feed, err := changefeed.New(changefeed.Options{
		Documents:  index,
		Records:    records,
		Namespaces: a.manager,
		OnChange:   hub.Publish,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	a.server, err = httpapi.NewServer(httpapi.Options{
		Namespaces: a.manager,
		Feed:       feed,
		Verifier:   identity.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Audience),
		Blobs:      blobs,
		Signer:     signer,
		Hub:        hub,
		Config: httpapi.ServerConfig{
			MaxBodyBytes:   cfg.Server.MaxBodyBytes,
			RequestTimeout: cfg.Server.RequestTimeout,
			UploadTTL:      cfg.Storage.PresignTTL,
		},
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// close stops every namespace and then releases storage in reverse order.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.manager != nil {
		errs = append(errs, a.manager.Close(ctx))
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
