package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lunara-ai/converse/internal/cache"
	"github.com/lunara-ai/converse/internal/config"
	"github.com/lunara-ai/converse/internal/domain/analytics"
	"github.com/lunara-ai/converse/internal/domain/contextvar"
	"github.com/lunara-ai/converse/internal/domain/rule"
	"github.com/lunara-ai/converse/internal/domain/session"
	"github.com/lunara-ai/converse/internal/domain/turn"
	"github.com/lunara-ai/converse/internal/engine"
	"github.com/lunara-ai/converse/internal/sqlite"
	"github.com/lunara-ai/converse/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logWriter := io.Writer(os.Stdout)
	if logPath := os.Getenv("CONVERSE_LOG_PATH"); logPath != "" {
		fileWriter, file, err := newLogFileWriter(logPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "log file error: %v\n", err)
		} else {
			defer file.Close()
			logWriter = fileWriter
		}
	}
	logger := slog.New(slog.NewTextHandler(logWriter, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Log.Level),
	}))

	if err := ensureDBDir(cfg.DB.Path); err != nil {
		logger.Error("failed to prepare database path", "error", err)
		os.Exit(1)
	}

	db, err := sqlite.New(cfg.DB.Path)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.RunMigrations(); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	sessionRepo := sqlite.NewSessionRepository(db)
	turnRepo := sqlite.NewTurnRepository(db)
	ruleRepo := sqlite.NewRuleRepository(db)
	aggregateRepo := sqlite.NewAggregateRepository(db)

	freshness := time.Duration(cfg.Cache.FreshnessSeconds) * time.Second
	var sessionCache session.Cache
	if cfg.Cache.Driver == "redis" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Cache.RedisAddr})
		sessionCache = cache.NewRedis(client, freshness, logger)
		logger.Info("using redis session cache", "addr", cfg.Cache.RedisAddr)
	} else {
		sessionCache = cache.NewMemory(freshness, cfg.Cache.Capacity)
	}

	sessionSvc := session.NewService(sessionRepo, sessionCache, logger,
		session.WithTTL(time.Duration(cfg.Session.TTLMinutes)*time.Minute),
		session.WithRetention(time.Duration(cfg.Session.RetentionDays)*24*time.Hour),
	)
	turnSvc := turn.NewRecorder(turnRepo, sessionSvc, logger)
	sessionSvc.SetTurnAppender(turnSvc)

	ruleEngine := rule.NewEngine(ruleRepo, logger)
	contextSvc := contextvar.NewService(sessionSvc, logger,
		contextvar.WithDefaultLifespan(cfg.Session.ContextLifespanTurns),
		contextvar.WithRuleEvaluator(ruleEngine),
	)
	analyticsSvc := analytics.NewService(aggregateRepo, logger)

	processor := engine.NewProcessor(sessionSvc, turnSvc, ruleEngine, logger,
		engine.WithAnalytics(analyticsSvc),
	)

	resolver := &apiKeyResolver{db: db}
	router := transport.NewServer(
		processor, sessionSvc, turnSvc, contextSvc, ruleRepo, analyticsSvc,
		logger, transport.AuthMiddleware(resolver),
	)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go runCleanupLoop(logger, sessionSvc)

	go func() {
		logger.Info("server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
		}
	}()

	waitForShutdown(logger, httpServer)
}

// runCleanupLoop sweeps idle sessions and purges expired ones on a fixed
// interval. The HTTP maintenance endpoint triggers the same sweep on
// demand.
func runCleanupLoop(logger *slog.Logger, sessions *session.Service) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if count, err := sessions.CleanupExpired(ctx); err != nil {
			logger.Error("cleanup sweep failed", "error", err)
		} else if count > 0 {
			logger.Info("expired idle sessions", "count", count)
		}
		if count, err := sessions.PurgeOld(ctx); err != nil {
			logger.Error("retention purge failed", "error", err)
		} else if count > 0 {
			logger.Info("purged old sessions", "count", count)
		}
		cancel()
	}
}

func ensureDBDir(path string) error {
	if path == ":memory:" || path == "" {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func waitForShutdown(logger *slog.Logger, server *http.Server) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	logger.Info("shutting down")
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

const (
	maxLogSizeBytes  = 6 * 1024 * 1024
	keepLogSizeBytes = 5 * 1024 * 1024
)

type logFileWriter struct {
	path string
	file *os.File
	mu   sync.Mutex
}

func newLogFileWriter(path string) (*logFileWriter, *os.File, error) {
	if err := ensureLogDir(path); err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	writer := &logFileWriter{path: path, file: file}
	if err := writer.truncateIfNeeded(); err != nil {
		return nil, nil, err
	}
	return writer, file, nil
}

func ensureLogDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func (w *logFileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	n, err := w.file.Write(p)
	if err != nil {
		return n, err
	}
	if err := w.truncateIfNeeded(); err != nil {
		return n, err
	}
	return n, nil
}

func (w *logFileWriter) truncateIfNeeded() error {
	info, err := w.file.Stat()
	if err != nil {
		return err
	}
	size := info.Size()
	if size <= maxLogSizeBytes {
		return nil
	}

	buf := make([]byte, keepLogSizeBytes)
	if _, err := w.file.Seek(size-keepLogSizeBytes, io.SeekStart); err != nil {
		return err
	}
	n, err := w.file.Read(buf)
	if err != nil && err != io.EOF {
		return err
	}
	buf = buf[:n]

	if err := w.file.Truncate(0); err != nil {
		return err
	}
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if _, err := w.file.Write(buf); err != nil {
		return err
	}
	_, err = w.file.Seek(0, io.SeekEnd)
	return err
}

type apiKeyResolver struct {
	db *sqlite.DB
}

func (r *apiKeyResolver) ResolveTenant(ctx context.Context, token string) (string, error) {
	hash := hashToken(token)
	var tenantID string
	err := r.db.QueryRowContext(ctx, `SELECT tenant_id FROM api_keys WHERE key_hash = ?`, hash).Scan(&tenantID)
	if err != nil || tenantID == "" {
		return "", fmt.Errorf("unauthorized: invalid token")
	}
	return tenantID, nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
