package main

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"llamaste"
	"llamaste/internal/handlers"
	"llamaste/internal/services"
)

func main() {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		log.Fatal(fmt.Errorf("error getting user config dir: %w", err))
	}
	cfgPath := filepath.Join(cfgDir, "llamaste")
	if err := os.MkdirAll(cfgPath, 0755); err != nil {
		log.Fatal(fmt.Errorf("error creating config directory: %w", err))
	}

	cfgFile, err := os.Open(filepath.Join(cfgPath, "config.yaml"))
	if err != nil {
		log.Fatal(fmt.Errorf("error opening config file: %w", err))
	}
	defer cfgFile.Close()

	cfg := config{}
	if err := yaml.NewDecoder(cfgFile).Decode(&cfg); err != nil {
		log.Fatal(fmt.Errorf("error decoding config file: %w", err))
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	boltDB, err := services.NewBoltDB(filepath.Join(cfgPath, "store.db"))
	if err != nil {
		log.Fatal(fmt.Errorf("error opening credential store: %w", err))
	}
	defer boltDB.Close()

	auth := services.NewAuthenticator(services.AuthConfig{
		BaseURL: cfg.BackendURL,
		Keyring: boltDB,
		Skew:    cfg.RenewalSkew,
		Logger:  logger,
	})
	defer auth.Close()

	store := services.NewSessionStore()

	chatHTTPClient := &http.Client{
		Transport: &services.AuthTransport{Auth: auth, Logger: logger},
	}
	chat := services.NewChatClient(services.ChatConfig{
		BaseURL: cfg.BackendURL,
		Client:  chatHTTPClient,
		Store:   store,
		Auth:    auth,
		Grace:   cfg.LogoutGrace,
		Logger:  logger,
	})

	m, err := handlers.NewMain(store, chat, auth, logger)
	if err != nil {
		log.Fatal(fmt.Errorf("error creating handlers: %w", err))
	}

	// Serve static files
	staticFS, err := fs.Sub(llamaste.StaticFS, "static")
	if err != nil {
		log.Fatal(err)
	}
	fileServer := http.FileServer(http.FS(staticFS))

	mux := http.NewServeMux()
	mux.Handle("/static/", http.StripPrefix("/static/", fileServer))
	mux.HandleFunc("/", m.RequireAuth(m.HandleHome))
	mux.HandleFunc("/chats", m.RequireAuth(m.HandleChats))
	mux.HandleFunc("/sessions", m.RequireAuth(m.HandleSessions))
	mux.HandleFunc("/sse/events", m.RequireAuth(m.HandleSSE))
	mux.HandleFunc("/login", m.HandleLogin)
	mux.HandleFunc("/register", m.HandleRegister)
	mux.HandleFunc("/logout", m.HandleLogout)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		if err := m.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown sse server", slog.String("err", err.Error()))
		}
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Server starting", slog.String("port", cfg.Port))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("Server error", slog.String("err", err.Error()))

	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String("err", err.Error()))
			if err := srv.Close(); err != nil {
				logger.Error("Forcing server close", slog.String("err", err.Error()))
			}
		}
	}
}
