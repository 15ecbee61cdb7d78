package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/maloquacious/fcl/internal/storage"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var (
	port           int
	adminPort      int
	exitAfter      time.Duration
	backupInterval time.Duration
)

func newServeCmd() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the storage server",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&port, "port", 8080, "public HTTP port (health probes)")
	serveCmd.Flags().IntVar(&adminPort, "admin-port", 8383, "admin HTTP port (JSON, loopback only)")
	serveCmd.Flags().DurationVar(&backupInterval, "backup-interval", 0, "take a backup this often; 0 disables")
	serveCmd.Flags().DurationVar(&exitAfter, "exit-after", 0, "optional runtime; if set, server exits after this duration (testing)")
	return serveCmd
}

// runServe starts the public and admin servers, boots the storage in the
// background, and shuts everything down gracefully.
func runServe(cmd *cobra.Command, args []string) error {
	st, cfg, log, err := openStorage(cmd)
	if err != nil {
		return err
	}
	defer closeStorage(st, log)
	log.Info("starting", "version", version.String(), "config", cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	errCh := make(chan error, 3)

	go func() {
		out, err := st.Start(ctx)
		if err != nil {
			if storage.KindOf(err).Fatal() {
				errCh <- fmt.Errorf("cannot start: %w", err)
			}
			return
		}
		if out.Recovered {
			log.Warn("database was restored from a backup", "key", out.Key, "at", out.At)
		}
		st.StartBackups(ctx, cfg.Snapshots.Interval)
	}()

	publicSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: publicRoutes(st),
	}

	// Bind admin to 127.0.0.1 only (loopback enforcement)
	adminListener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", cfg.Admin.Port))
	if err != nil {
		return fmt.Errorf("admin listener bind failed (loopback only): %w", err)
	}
	adminSrv := &http.Server{
		Handler: adminRoutes(st, log),
	}

	go func() {
		log.Info("public server listening", "port", port)
		if err := publicSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("public server error: %w", err)
		}
	}()

	go func() {
		log.Info("admin server listening (JSON-only)", "addr", adminListener.Addr().String())
		if err := adminSrv.Serve(adminListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("admin server error: %w", err)
		}
	}()

	// Optional run timer
	if exitAfter > 0 {
		log.Info("exit-after timer set", "after", exitAfter)
		time.AfterFunc(exitAfter, stop)
	}

	var runErr error
	select {
	case <-ctx.Done():
		// graceful shutdown
	case runErr = <-errCh:
		log.Error("server error", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTO)
	defer cancel()

	_ = publicSrv.Shutdown(shutdownCtx)
	_ = adminSrv.Shutdown(shutdownCtx)
	log.Info("shutdown complete")
	return runErr
}

func publicRoutes(st *storage.Storage) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/live", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if phase, _ := st.Phase(); phase != storage.PhaseReady {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(strings.ToUpper(phase.String())))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("READY"))
	})

	return mux
}

func adminRoutes(st *storage.Storage, log *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /admin/status", jsonOnly(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := struct {
			Version   string         `json:"version"`
			BuildDate string         `json:"buildDate"`
			Time      string         `json:"time"`
			Storage   storage.Status `json:"storage"`
		}{
			Version:   version.String(),
			BuildDate: buildDate,
			Time:      time.Now().UTC().Format(time.RFC3339),
			Storage:   st.Status(r.Context()),
		}
		writeJSON(w, http.StatusOK, resp)
	})))

	mux.Handle("POST /admin/backup", jsonOnly(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if phase, _ := st.Phase(); phase != storage.PhaseReady {
			writeJSONError(w, http.StatusServiceUnavailable, "not_ready", "storage is "+phase.String())
			return
		}
		st.TriggerBackup()
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "backup started"})
	})))

	mux.Handle("GET /admin/backups", jsonOnly(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		infos, err := st.Snapshots(r.Context())
		if err != nil {
			log.Error("list backups", "error", err)
			writeJSONError(w, http.StatusInternalServerError, "internal", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"max": st.MaxSnapshots(), "backups": infos})
	})))

	mux.Handle("GET /admin/recovery", jsonOnly(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, st.Recovery().State())
	})))

	mux.Handle("DELETE /admin/recovery", jsonOnly(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		st.DismissRecovery()
		writeJSON(w, http.StatusOK, st.Recovery().State())
	})))

	mux.Handle("POST /admin/shutdown", jsonOnly(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "shutting down"})
		go func() {
			// give the response a moment to flush
			time.Sleep(200 * time.Millisecond)
			proc, _ := os.FindProcess(os.Getpid())
			_ = proc.Signal(os.Interrupt)
		}()
	})))

	mux.Handle("GET /metrics", promhttp.Handler())

	return mux
}

// jsonOnly enforces JSON-only contract for admin routes.
func jsonOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accept := r.Header.Get("Accept")
		if !strings.Contains(accept, "application/json") && accept != "" && accept != "*/*" {
			writeJSONError(w, http.StatusNotAcceptable, "not_acceptable", "Accept must include application/json")
			return
		}
		if r.ContentLength > 0 && !strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
			writeJSONError(w, http.StatusUnsupportedMediaType, "unsupported_media_type", "Content-Type must be application/json")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{
		"error":   code,
		"message": msg,
	})
}
