package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/alemhq/alem/internal/client"
	"github.com/alemhq/alem/internal/config"
	"github.com/alemhq/alem/internal/identity"
)

const usage = `usage: alem-sync [flags] <command> [args]

commands:
  run              sync continuously and import files from --watch-dir
  sync             push queued operations and pull server changes once
  status           print sync status and queue counts
  add <file>...    import files as documents
  search <query>   full-text search the local documents
  retry [op-id]    return failed operations to the queue
  did              generate and link a did:key identity
  token            issue a development bearer token
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Getenv, os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		log.Fatalf("alem-sync: %v", err)
	}
}

type options struct {
	configPath string
	serverURL  string
	token      string
	userID     string
	dataDir    string
	watchDir   string
	secret     string
	tenantID   string
	ttl        time.Duration
}

func run(ctx context.Context, args []string, getenv func(string) string, stdout io.Writer) error {
	var opts options
	flags := pflag.NewFlagSet("alem-sync", pflag.ContinueOnError)
	flags.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flags.PrintDefaults()
	}
	flags.StringVar(&opts.configPath, "config", getenv("ALEM_CONFIG"), "path to a YAML config file")
	flags.StringVar(&opts.serverURL, "server", "", "server base URL (overrides client.server_url)")
	flags.StringVar(&opts.token, "token", "", "bearer token (overrides client.token)")
	flags.StringVar(&opts.userID, "user", "", "user id (overrides client.user_id)")
	flags.StringVar(&opts.dataDir, "data-dir", "", "local data directory (overrides client.data_dir)")
	flags.StringVar(&opts.watchDir, "watch-dir", "", "directory to import files from (overrides client.watch_dir)")
	flags.StringVar(&opts.secret, "secret", "", "signing secret for the token command (overrides auth.jwt_secret)")
	flags.StringVar(&opts.tenantID, "tenant", "default", "tenant id for the token command")
	flags.DurationVar(&opts.ttl, "ttl", 24*time.Hour, "token lifetime for the token command")
	if err := flags.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(opts.configPath, getenv)
	if err != nil {
		return err
	}
	applyFlags(&cfg, opts)

	rest := flags.Args()
	command := "run"
	if len(rest) > 0 {
		command, rest = rest[0], rest[1:]
	}
	if command == "token" {
		return issueToken(cfg, opts, stdout)
	}

	c, err := client.Open(client.Options{
		DataDir:       cfg.Client.DataDir,
		WatchDir:      cfg.Client.WatchDir,
		ServerURL:     cfg.Client.ServerURL,
		Token:         cfg.Client.Token,
		UserID:        cfg.Client.UserID,
		MaxRetries:    cfg.Client.MaxRetries,
		ProbeInterval: cfg.Client.ProbeInterval,
		ProbeTimeout:  cfg.Client.ProbeTimeout,
		SyncInterval:  cfg.Client.SyncInterval,
		SyncTimeout:   cfg.Client.SyncTimeout,
		HTTPClient:    &http.Client{Timeout: cfg.Client.HTTPTimeout},
		Logger:        log.Default(),
	})
	if err != nil {
		return err
	}
	defer c.Close()

	switch command {
	case "run":
		log.Printf("alem-sync running for %s against %s", cfg.Client.UserID, cfg.Client.ServerURL)
		return c.Run(ctx)
	case "sync":
		result, err := c.SyncNow(ctx)
		if err != nil {
			return err
		}
		return writeJSON(stdout, result)
	case "status":
		stats, err := c.QueueStats(ctx)
		if err != nil {
			return err
		}
		return writeJSON(stdout, map[string]any{"status": c.Status(), "queue": stats})
	case "add":
		if len(rest) == 0 {
			return fmt.Errorf("add needs at least one file")
		}
		for _, path := range rest {
			doc, err := c.CreateDocument(ctx, client.CreateDocumentInput{LocalPath: path})
			if err != nil {
				return fmt.Errorf("add %s: %w", path, err)
			}
			fmt.Fprintf(stdout, "%s\t%s\n", doc.ID, doc.Filename)
		}
		return nil
	case "search":
		if len(rest) != 1 {
			return fmt.Errorf("search needs exactly one query")
		}
		docs, err := c.SearchDocuments(ctx, rest[0], 0)
		if err != nil {
			return err
		}
		for _, doc := range docs {
			fmt.Fprintf(stdout, "%s\t%s\n", doc.ID, doc.Filename)
		}
		return nil
	case "retry":
		if len(rest) == 1 {
			return c.RetryOperation(ctx, rest[0])
		}
		n, err := c.RetryFailed(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "requeued %d operations\n", n)
		return nil
	case "did":
		did, err := c.GenerateDID(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, did)
		return nil
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func applyFlags(cfg *config.Config, opts options) {
	if opts.serverURL != "" {
		cfg.Client.ServerURL = opts.serverURL
	}
	if opts.token != "" {
		cfg.Client.Token = opts.token
	}
	if opts.userID != "" {
		cfg.Client.UserID = opts.userID
	}
	if opts.dataDir != "" {
		cfg.Client.DataDir = opts.dataDir
	}
	if opts.watchDir != "" {
		cfg.Client.WatchDir = opts.watchDir
	}
	if opts.secret != "" {
		cfg.Auth.JWTSecret = opts.secret
	}
}

func issueToken(cfg config.Config, opts options, stdout io.Writer) error {
	if cfg.Client.UserID == "" {
		return fmt.Errorf("token needs --user")
	}
	verifier := identity.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Audience)
	token, err := verifier.Issue(identity.Claims{Subject: cfg.Client.UserID, TenantID: opts.tenantID}, opts.ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, token)
	return nil
}

func writeJSON(w io.Writer, value any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}
