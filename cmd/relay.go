package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"relay-call/internal/transport/ws"
	"relay-call/pkg/config"
	"relay-call/pkg/web"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var relayFlags struct {
	addr string
	tls  bool
}

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the websocket room relay",
	Long: `Run the room relay that call clients connect to with --transport ws.
Clients join ws(s)://<addr>/rooms/<room>?identity=<id>. With --tls and no
cert/key files configured a self-signed certificate is generated.`,
	RunE: runRelay,
}

func init() {
	relayCmd.Flags().StringVar(&relayFlags.addr, "addr", "", "listen address (default :8080)")
	relayCmd.Flags().BoolVar(&relayFlags.tls, "tls", false, "serve wss")
}

func newRelayMux(relay *ws.Relay) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/rooms/", relay)
	mux.Handle("/", web.NewStatusHandler(relay.Rooms))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "rooms": relay.Rooms()})
	})
	return mux
}

func runRelay(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("addr") {
		cfg.Relay.Addr = relayFlags.addr
	}
	if cmd.Flags().Changed("tls") {
		cfg.Relay.TLS = relayFlags.tls
	}

	srv := &http.Server{
		Addr:              cfg.Relay.Addr,
		Handler:           newRelayMux(ws.NewRelay()),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if cfg.Relay.TLS {
		tlsCfg, err := cfg.Relay.TLSConfig()
		if err != nil {
			return err
		}
		srv.TLSConfig = tlsCfg
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", srv.Addr).Bool("tls", cfg.Relay.TLS).Msg("Relay listening")
	if cfg.Relay.TLS {
		err = srv.ListenAndServeTLS("", "")
	} else {
		err = srv.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		log.Info().Msg("Relay stopped")
		return nil
	}
	return err
}
