package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"securechat/internal/audit"
	"securechat/internal/logging"
	"securechat/internal/server"
)

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func main() {
	var (
		port       = flag.Int("port", getEnvInt("PORT", 8080), "Server port")
		dbPath     = flag.String("db", getEnvString("DB_PATH", "./data"), "Database directory (empty for in-memory)")
		secret     = flag.String("secret", getEnvString("SERVER_SECRET", ""), "Secret for server-encrypted conversation keys")
		keyVersion = flag.Int("key-version", getEnvInt("KEY_VERSION", 1), "Version of the server conversation keys")
		amqpURL    = flag.String("amqp", getEnvString("AMQP_URL", ""), "AMQP broker URL for security events")
		exchange   = flag.String("audit-exchange", getEnvString("AUDIT_EXCHANGE", "securechat.audit"), "AMQP exchange for security events")
		origins    = flag.String("origins", getEnvString("ALLOWED_ORIGINS", ""), "Comma separated WebSocket origins")
	)
	flag.Parse()
	logging.SetService("securechat-server")

	var sink audit.Logger = audit.LogSink{}
	if *amqpURL != "" {
		publisher, err := audit.DialAMQP(*amqpURL, *exchange)
		if err != nil {
			logging.WarnWithError("AMQP unavailable, security events go to the log", err)
		} else {
			defer publisher.Close()
			sink = publisher
		}
	}

	var allowed []string
	if *origins != "" {
		allowed = strings.Split(*origins, ",")
	}

	srv, err := server.NewServer(server.Config{
		DataDir:        *dbPath,
		Secret:         *secret,
		KeyVersion:     *keyVersion,
		Audit:          sink,
		AllowedOrigins: allowed,
	})
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	// Start server hub
	go srv.Run()

	addr := fmt.Sprintf(":%d", *port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Setup graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-c
		logging.Info("Shutting down server...")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			logging.WarnWithError("HTTP shutdown incomplete", err)
		}
	}()

	logging.Info("SecureChat server starting", map[string]string{
		"addr":      addr,
		"websocket": "ws://localhost" + addr + "/ws",
		"health":    "http://localhost" + addr + "/health",
	})

	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Server failed: %v", err)
	}
	if err := srv.Close(); err != nil {
		logging.WarnWithError("Failed to close databases", err)
	}
}
