package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	goSession "github.com/MrEthical07/goSession"
	"github.com/MrEthical07/goSession/identity"
	"github.com/MrEthical07/goSession/metrics/export/prometheus"
	"github.com/MrEthical07/goSession/middleware"
)

var (
	listenAddr  string
	tokenSecret string
	demoUsers   []string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start a demo HTTP server backed by the session manager",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		stop, err := withLocalRedis(cmd, &cfg)
		if err != nil {
			return err
		}
		defer stop()

		users, err := demoResolver(demoUsers)
		if err != nil {
			return err
		}

		var tokens *identity.TokenManager
		if tokenSecret != "" {
			tokens, err = identity.NewTokenManager(identity.TokenConfig{
				TTL:           time.Hour,
				SigningMethod: identity.MethodHS256,
				PrivateKey:    []byte(tokenSecret),
				Issuer:        "gosession",
			})
			if err != nil {
				return fmt.Errorf("token manager: %w", err)
			}
		}

		m, err := goSession.New().
			WithConfig(cfg).
			WithIdentityResolver(users).
			WithAuditSink(goSession.NewJSONWriterSink(cmd.ErrOrStderr())).
			Build()
		if err != nil {
			return err
		}
		defer m.Close()

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()
		m.StartSweeper(ctx)

		server := &http.Server{
			Addr:              listenAddr,
			Handler:           newRouter(m, users, tokens),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		done := make(chan error, 1)
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		fmt.Fprintf(cmd.OutOrStdout(), "node %s listening on %s\n", m.Node(), listenAddr)

		select {
		case <-ctx.Done():
			fmt.Fprintln(cmd.OutOrStdout(), "shutting down...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVarP(&listenAddr, "listen", "l", ":8080", "Address to listen on")
	serveCmd.Flags().StringVar(&tokenSecret, "token-secret", "", "HS256 secret enabling bearer identity tokens")
	serveCmd.Flags().StringSliceVar(&demoUsers, "user", []string{"demo:demo-password"}, "Known users as name:password")
}

// demoResolver builds the user table from name:password pairs.
func demoResolver(pairs []string) (*identity.StaticResolver, error) {
	hasher, err := identity.NewPasswordHasher(identity.DefaultPasswordConfig())
	if err != nil {
		return nil, err
	}
	users := identity.NewStaticResolver()
	for _, pair := range pairs {
		name, password, ok := strings.Cut(pair, ":")
		if !ok || name == "" || password == "" {
			return nil, fmt.Errorf("user %q: want name:password", pair)
		}
		hash, err := hasher.Hash(password)
		if err != nil {
			return nil, err
		}
		users.Add(identity.User{Username: name, PasswordHash: hash})
	}
	return users, nil
}

type counterResponse struct {
	Session string `json:"session"`
	Count   int64  `json:"count"`
	User    string `json:"user,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newRouter(m *goSession.Manager, users *identity.StaticResolver, tokens *identity.TokenManager) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := m.Ping(r.Context()); err != nil {
			http.Error(w, "repository unavailable", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", prometheus.NewPrometheusExporter(m).Handler())

	r.Group(func(r chi.Router) {
		r.Use(middleware.Session(m, middleware.Options{Tokens: tokens}))

		r.Get("/counter", func(w http.ResponseWriter, r *http.Request) {
			s, _ := goSession.FromContext(r.Context())
			v, _ := s.Attribute("count")
			n, _ := v.(int64)
			n++
			s.SetAttribute("count", n)
			writeJSON(w, http.StatusOK, counterResponse{Session: s.ID(), Count: n, User: s.PrincipalName()})
		})

		r.Post("/login", func(w http.ResponseWriter, r *http.Request) {
			s, _ := goSession.FromContext(r.Context())
			u, err := users.Authenticate(r.Context(), r.FormValue("user"), r.FormValue("password"))
			if err != nil {
				http.Error(w, "bad credentials", http.StatusForbidden)
				return
			}
			s.SetPrincipal(u)
			resp := map[string]string{"session": s.ID(), "user": u.Name()}
			if tokens != nil {
				tok, err := tokens.Issue(u, s.ID())
				if err != nil {
					http.Error(w, "token issue failed", http.StatusInternalServerError)
					return
				}
				resp["token"] = tok
			}
			writeJSON(w, http.StatusOK, resp)
		})

		r.Post("/logout", func(w http.ResponseWriter, r *http.Request) {
			s, _ := goSession.FromContext(r.Context())
			if err := m.Expire(r.Context(), s); err != nil {
				http.Error(w, "logout failed", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})
	})

	return r
}
