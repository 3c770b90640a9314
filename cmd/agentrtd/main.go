package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fly-lab/agents/internal/agentserver"
	"github.com/fly-lab/agents/internal/config"
	"github.com/fly-lab/agents/internal/demoagent"
	"github.com/fly-lab/agents/internal/instance"
	"github.com/fly-lab/agents/internal/mcpmanager"
	"github.com/fly-lab/agents/internal/router"
	"github.com/fly-lab/agents/internal/supervisor"
)

func main() {
	cfg := config.Load()
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("create data dir: %v", err)
	}

	idleTimeout, err := time.ParseDuration(cfg.IdleTimeout)
	if err != nil {
		log.Fatalf("invalid idle timeout %q: %v", cfg.IdleTimeout, err)
	}
	registry := instance.NewRegistry(cfg.AgentDBPath, idleTimeout)

	mcp := mcpmanager.New(mcpmanager.NewStreamableTransport)

	rt := router.New(cfg.RoutePrefix, registry)
	rt.CORS = router.DefaultCORS()
	rt.RegisterClass(demoagent.New(mcp))

	agentSrv := agentserver.New(registry)
	rt.OnRequest = agentSrv.OnRequest
	rt.OnUpgrade = agentSrv.OnUpgrade

	stopEviction := make(chan struct{})
	go runIdleEviction(registry, idleTimeout, stopEviction)

	listener, err := supervisor.ListenerFromEnv()
	if err != nil {
		log.Fatalf("listener: %v", err)
	}
	if listener == nil {
		listener, err = net.Listen("tcp", cfg.HTTPAddr)
		if err != nil {
			log.Fatalf("listen: %v", err)
		}
	}

	var httpServer *http.Server
	serverCtx, serverCancel := context.WithCancel(context.Background())

	restarter := &supervisor.Restarter{Listener: listener, Args: os.Args, Env: os.Environ()}
	restartFn := func() error {
		if err := restarter.Restart(); err != nil {
			return err
		}
		go func() {
			time.Sleep(750 * time.Millisecond)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = httpServer.Shutdown(ctx)
			os.Exit(0)
		}()
		return nil
	}

	admin := agentserver.NewAdmin(registry, restartFn, cfg.RestartToken)

	mux := http.NewServeMux()
	mux.Handle("/api/", admin.Handler())
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if mcp.IsCallbackRequest(r) {
			result, err := mcp.HandleCallbackRequest(r.Context(), r)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			_, _ = w.Write([]byte("authenticated: " + result.ServerID))
			return
		}
		if rt.ServeHTTP(w, r) {
			return
		}
		http.NotFound(w, r)
	})

	httpServer = &http.Server{
		Handler:           loggingMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return serverCtx
		},
	}

	go func() {
		log.Printf("agentrtd listening on %s", listener.Addr())
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	close(stopEviction)
	serverCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}
	_ = httpServer.Close()
	mcp.CloseAllConnections()
}

// runIdleEviction periodically closes instances that have had no
// connections or mailbox activity for the configured idle timeout,
// freeing their SQLite handle until the next resolution re-hydrates them.
func runIdleEviction(registry *instance.Registry, idleTimeout time.Duration, stop <-chan struct{}) {
	interval := idleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := registry.EvictIdle(); n > 0 {
				log.Printf("agentrtd: evicted %d idle instance(s)", n)
			}
		case <-stop:
			return
		}
	}
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}
