// Command agentmuxd is the Agent Session Supervisor daemon: it wires the
// Session Backend, Runtime Service, Team State Store, Exit Monitor,
// Restart Controller, and Agent Registration Service together and serves
// the HTTP and WebSocket surfaces. Grounded on the teacher's cmd/wtd/main.go
// (cobra root command, signal.NotifyContext shutdown, http.Server lifecycle).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/coder/websocket"
	"github.com/spf13/cobra"

	"github.com/agentmux/supervisor/internal/supervisor/config"
	"github.com/agentmux/supervisor/internal/supervisor/exitmon"
	"github.com/agentmux/supervisor/internal/supervisor/httpapi"
	"github.com/agentmux/supervisor/internal/supervisor/logger"
	"github.com/agentmux/supervisor/internal/supervisor/mcpconfig"
	"github.com/agentmux/supervisor/internal/supervisor/memory"
	"github.com/agentmux/supervisor/internal/supervisor/model"
	"github.com/agentmux/supervisor/internal/supervisor/msgqueue"
	"github.com/agentmux/supervisor/internal/supervisor/notify"
	"github.com/agentmux/supervisor/internal/supervisor/ptyhost"
	"github.com/agentmux/supervisor/internal/supervisor/registry"
	"github.com/agentmux/supervisor/internal/supervisor/restart"
	"github.com/agentmux/supervisor/internal/supervisor/restartlog"
	"github.com/agentmux/supervisor/internal/supervisor/runtime"
	"github.com/agentmux/supervisor/internal/supervisor/scheduler"
	"github.com/agentmux/supervisor/internal/supervisor/statestore"
	"github.com/agentmux/supervisor/internal/supervisor/status"
	"github.com/agentmux/supervisor/internal/supervisor/wsout"
)

// ptySubscriber adapts ptyhost.Backend.Subscribe's *ptyhost.Subscription
// return value to the bare unsubscribe func exitmon.Subscriber expects.
type ptySubscriber struct {
	backend *ptyhost.Backend
}

func (p ptySubscriber) Subscribe(sessionName string, h func(string, []byte)) (func(), bool) {
	sub, ok := p.backend.Subscribe(sessionName, h)
	if !ok {
		return nil, false
	}
	return sub.Unsubscribe, true
}

func main() {
	root := &cobra.Command{
		Use:   "agentmuxd",
		Short: "agentmux agent session supervisor",
		RunE:  run,
	}
	root.Flags().String("state-file", "", "path to the session state JSON document (defaults under AGENTMUX_HOME)")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	var warnings []string
	cfg := config.Load(func(msg string) { warnings = append(warnings, msg) })

	if err := logger.Init("info", ""); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	for _, w := range warnings {
		logger.Warn(w)
	}

	statePath, _ := cmd.Flags().GetString("state-file")
	if statePath == "" {
		statePath = filepath.Join(cfg.AgentmuxHome, "state.json")
	}

	store, err := statestore.Open(statePath, func(msg string, err error) { logger.Warn(msg, "error", err) })
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer store.Close()

	backend := ptyhost.New()
	capRegistry := runtime.DefaultRegistry()
	runtimeSvc := runtime.NewService(backend, capRegistry)
	msgQueue := msgqueue.New(func(sessionName string, dropped model.Message) {
		logger.Warn("message queue overflow dropped oldest", "session", sessionName)
	})
	memStore := memory.New(filepath.Join(cfg.AgentmuxHome, "memory"))

	var sched *scheduler.Scheduler
	agentSvc := registry.New(backend, runtimeSvc, store, memStore, checkInCancellerFunc(func(sessionName string) {
		if sched != nil {
			sched.CancelForSession(sessionName)
		}
	}), msgQueue, "")
	sched = scheduler.New(agentSvc, func(msg string, err error) { logger.Warn(msg, "error", err) })

	hub := wsout.New(func(err error) { logger.Warn("wsout write failed", "error", err) })

	var notifier restart.Notifier
	if cfg.NtfyTopic != "" {
		notifier = notify.New(cfg.NtfyTopic, cfg.NtfyToken)
	}

	restartCtl := restart.New(agentSvc, memStore, store, notifier, hub, func(err error) { logger.Warn("restart warning", "error", err) })
	if auditStore, err := restartlog.Open(filepath.Join(cfg.AgentmuxHome, "restarts.db")); err != nil {
		logger.Warn("restart audit log unavailable", "error", err)
	} else {
		defer auditStore.Close()
		restartCtl.SetAuditLog(auditStore)
	}

	monitor := exitmon.New(backend, ptySubscriber{backend}, capRegistry, func(sessionName, reason string) {
		logger.Warn("session exited", "session", sessionName, "reason", reason)
		rec := findSessionRecord(store, sessionName)
		ctx := context.Background()
		if rec.Role == model.RoleOrchestrator {
			_ = restartCtl.RestartOrchestrator(ctx, sessionName, rec.ProjectPath)
			return
		}
		_ = restartCtl.RestartAgent(ctx, sessionName, rec.RuntimeType, rec.Role, rec.ProjectPath, rec.MemberID)
	})
	agentSvc.SetOnStarted(monitor.Watch)

	statusEval := status.New(store, backend)
	statusEval.SetOnActivated(func(sessionName string) {
		go func() {
			if err := msgQueue.Drain(context.Background(), sessionName, agentSvc); err != nil {
				logger.Warn("message queue drain failed", "session", sessionName, "error", err)
			}
		}()
	})

	httpSrv := httpapi.NewServer(agentSvc, statusEval, backend).WithMessageGate(store, msgQueue, nil)
	mux := http.NewServeMux()
	httpSrv.Routes(mux)
	mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		hub.Accept(conn)
	})

	addr := fmt.Sprintf(":%d", cfg.WebPort)
	server := &http.Server{Addr: addr, Handler: mux}

	mcpTokens, err := mcpconfig.Open(filepath.Join(cfg.AgentmuxHome, "mcp_tokens.json"))
	if err != nil {
		logger.Warn("mcp token store unavailable", "error", err)
		mcpTokens = nil
	}
	mcpAddr := fmt.Sprintf(":%d", cfg.MCPPort)
	mcpServer := &http.Server{Addr: mcpAddr, Handler: mcpAuthMux(mcpTokens)}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	errCh := make(chan error, 2)
	go func() {
		logger.Info("agentmuxd listening", "addr", addr)
		errCh <- server.ListenAndServe()
	}()
	go func() {
		logger.Info("agentmux mcp gateway listening", "addr", mcpAddr)
		errCh <- mcpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		_ = mcpServer.Close()
		return server.Close()
	case err := <-errCh:
		return err
	}
}

// mcpAuthMux serves the MCP gateway surface (spec.md §6's AGENTMUX_MCP_PORT):
// every request must carry a bearer token that verifies against the
// "default" grant in the mcp token store. The MCP wire protocol itself is
// an external-collaborator surface this spec does not chase parity with;
// this handler only implements the access-control gate in front of it.
func mcpAuthMux(tokens *mcpconfig.Store) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if tokens == nil {
			http.Error(w, "mcp gateway not configured", http.StatusServiceUnavailable)
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" || !tokens.Verify("default", token) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		http.Error(w, "mcp protocol not implemented", http.StatusNotImplemented)
	})
	return mux
}

// checkInCancellerFunc adapts a plain func to registry.CheckInCanceller.
type checkInCancellerFunc func(sessionName string)

func (f checkInCancellerFunc) CancelForSession(sessionName string) { f(sessionName) }

func findSessionRecord(store *statestore.Store, sessionName string) statestore.SessionRecord {
	for _, rec := range store.ListSessionRecords() {
		if rec.SessionName == sessionName {
			return rec
		}
	}
	return statestore.SessionRecord{SessionName: sessionName}
}
