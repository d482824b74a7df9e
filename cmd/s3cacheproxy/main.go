// Command s3cacheproxy runs the S3 caching reverse proxy: a CLI built with
// creachadair/command and creachadair/flax, the same pairing the teacher's
// own gocacheproxy/tsnsrv binaries use for their verb trees.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/creachadair/command"

	"github.com/scttfrdmn/s3cacheproxy/internal/bus"
	"github.com/scttfrdmn/s3cacheproxy/internal/cache"
	"github.com/scttfrdmn/s3cacheproxy/internal/classify"
	"github.com/scttfrdmn/s3cacheproxy/internal/client"
	"github.com/scttfrdmn/s3cacheproxy/internal/config"
	"github.com/scttfrdmn/s3cacheproxy/internal/envelope"
	"github.com/scttfrdmn/s3cacheproxy/internal/logging"
	"github.com/scttfrdmn/s3cacheproxy/internal/middleware"
	"github.com/scttfrdmn/s3cacheproxy/internal/pipeline"
	"github.com/scttfrdmn/s3cacheproxy/internal/server"
	"github.com/scttfrdmn/s3cacheproxy/internal/sigv4"
	"github.com/scttfrdmn/s3cacheproxy/internal/webhook"
)

// version is overridden at build time with -ldflags.
var version = "dev"

func main() {
	root := &command.C{
		Name:  "s3cacheproxy",
		Usage: "command [flags] ...",
		Help:  "s3cacheproxy is a caching reverse proxy for S3-compatible object storage.",

		SetFlags: func(env *command.Env, fs *flag.FlagSet) {
			env.Config = bindGlobalFlags(fs)
		},

		Commands: []*command.C{
			{
				Name: "run",
				Help: "Run the proxy server using the configured listener and cache settings.",
				Run:  command.Adapt(runRun),
			},
			{
				Name: "config",
				Help: "Generate or validate the configuration file.",
				Run:  command.Adapt(runConfig),
			},
			{
				Name: "version",
				Help: "Print the build version.",
				Run: command.Adapt(func(env *command.Env) error {
					fmt.Println(version)
					return nil
				}),
			},
		},
	}

	env := root.NewEnv(nil)
	if err := command.Execute(env, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "s3cacheproxy:", err)
		os.Exit(1)
	}
}

// perOpPolicies translates the config file's "[cache.ops.<Operation>]"
// sub-tables into the cache package's PerOp override map.
func perOpPolicies(ops map[string]config.OpPolicyConfig) map[classify.OpTag]cache.PerOpPolicy {
	out := make(map[classify.OpTag]cache.PerOpPolicy, len(ops))
	for name, op := range ops {
		tag, ok := classify.ParseOpTag(name)
		if !ok {
			continue
		}
		p := cache.PerOpPolicy{Enabled: op.Enabled}
		if op.TTLSeconds != nil {
			p.TTL = time.Duration(*op.TTLSeconds) * time.Second
		}
		if op.TTISeconds != nil {
			p.TTI = time.Duration(*op.TTISeconds) * time.Second
		}
		out[tag] = p
	}
	return out
}

// httpMux wraps the webhook handler in its own ServeMux so it can be served
// on a listener separate from the proxy's own (spec §6's distinct
// "webhook.addr"), without sharing the proxy server's routing.
func httpMux(wh *webhook.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/webhook", wh)
	return mux
}

func newHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{Addr: addr, Handler: handler}
}

func globalsOf(env *command.Env) *globalFlags {
	g, _ := env.Config.(*globalFlags)
	if g == nil {
		g = &globalFlags{ConfigFile: "s3cacheproxy.toml"}
	}
	return g
}

func runConfig(env *command.Env) error {
	g := globalsOf(env)
	if g.GenerateIfMissing || g.Regenerate {
		return config.EnsureExists(g.ConfigFile, g.Regenerate)
	}
	_, err := config.Load(g.ConfigFile)
	return err
}

func runRun(env *command.Env) error {
	g := globalsOf(env)
	if g.GenerateIfMissing || g.Regenerate {
		if err := config.EnsureExists(g.ConfigFile, g.Regenerate); err != nil {
			return err
		}
	}
	cfg, err := config.Load(g.ConfigFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logf := logging.New(os.Stderr, logging.ParseLevel(cfg.LogLevel))
	slog.SetLogLoggerLevel(logging.ParseLevel(cfg.LogLevel))

	b := bus.New(256)

	addrStyle := client.PathStyle
	if cfg.Upstream.AddressStyle == "virtual-hosted" {
		addrStyle = client.VirtualHostedStyle
	}
	c := client.New(client.Config{
		Upstream:            cfg.Upstream.Endpoint,
		AddressStyle:        addrStyle,
		ConnectTimeout:      time.Duration(cfg.Upstream.ConnectTimeoutMS) * time.Millisecond,
		ReadTimeout:         time.Duration(cfg.Upstream.ReadTimeoutMS) * time.Millisecond,
		PerAttemptTimeout:   time.Duration(cfg.Upstream.PerAttemptTimeoutMS) * time.Millisecond,
		PerOperationTimeout: time.Duration(cfg.Upstream.PerOperationTimeoutMS) * time.Millisecond,
		EnableHTTP2:         cfg.Upstream.EnableHTTP2,
		InsecureSkipVerify:  cfg.Upstream.InsecureSkipVerify,
		Logf:                logf,
	})

	rewriter := sigv4.NewRewriter(sigv4.Credentials{
		AccessKeyID:     cfg.Upstream.CredentialsB.AccessKeyID,
		SecretAccessKey: cfg.Upstream.CredentialsB.SecretAccessKey,
		SessionToken:    cfg.Upstream.CredentialsB.SessionToken,
	}, "s3", cfg.Upstream.Region)

	validator := sigv4.NewValidator(sigv4.Credentials{
		AccessKeyID:     cfg.Upstream.CredentialsA.AccessKeyID,
		SecretAccessKey: cfg.Upstream.CredentialsA.SecretAccessKey,
		SessionToken:    cfg.Upstream.CredentialsA.SessionToken,
	}, "s3", cfg.Upstream.Region)
	if validator.Credentials.Empty() {
		logf("sigv4: credentials A absent, inbound signature validation disabled")
	}

	cacheMW := cache.New(cache.Config{
		CapacityBytes: cfg.Cache.CapacityBytes,
		SketchWidth:   uint64(cfg.Cache.SketchWidth),
		TTL:           time.Duration(cfg.Cache.TTLSeconds) * time.Second,
		TTI:           time.Duration(cfg.Cache.TTISeconds) * time.Second,
		SweepWorkers:  cfg.Cache.SweepWorkers,
		PerOp:         perOpPolicies(cfg.Cache.Ops),
		AccountScope:  cfg.Upstream.CredentialsB.AccessKeyID,
		Logf:          logf,
	}, b)

	validateMW := middleware.Func(func(ctx context.Context, req *envelope.RequestEnvelope, next middleware.Next) (*envelope.ResponseEnvelope, error) {
		classify.Classify(req)
		if err := validator.Validate(req); err != nil {
			return nil, err
		}
		return next(ctx, req)
	})
	// addressMW rewrites Host/Path to the upstream endpoint before signMW
	// signs the request: SigV4 signs whatever Host is on the envelope, so
	// the rewrite must land before signing, not at send time.
	addressMW := middleware.Func(func(ctx context.Context, req *envelope.RequestEnvelope, next middleware.Next) (*envelope.ResponseEnvelope, error) {
		if err := c.ResolveAddress(req); err != nil {
			return nil, err
		}
		return next(ctx, req)
	})
	signMW := middleware.Func(func(ctx context.Context, req *envelope.RequestEnvelope, next middleware.Next) (*envelope.ResponseEnvelope, error) {
		if err := rewriter.Rewrite(req); err != nil {
			return nil, err
		}
		return next(ctx, req)
	})

	h := pipeline.Build(c.Do, validateMW, cacheMW, addressMW, signMW)

	srv := server.New(server.Config{
		Addr:        cfg.Listen.Addr,
		EnableHTTP2: cfg.Listen.EnableHTTP2,
		Logf:        logf,
	}, h)

	wh := webhook.New(webhook.Config{
		RatePerSecond: cfg.Webhook.RatePerSecond,
		Burst:         cfg.Webhook.Burst,
		Logf:          logf,
	}, b)
	whMux := httpMux(wh)
	whServer := newHTTPServer(cfg.Webhook.Addr, whMux)

	errCh := make(chan error, 2)
	go func() { errCh <- srv.ListenAndServe() }()
	go func() { errCh <- whServer.ListenAndServe() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-sigCh:
		logf("s3cacheproxy: shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
	whServer.Shutdown(ctx)
	return h.Shutdown(30 * time.Second)
}
