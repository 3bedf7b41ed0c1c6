package main

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/KrushnaGardhe/injured-animal/libs/mailer"
	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const (
	maxDescriptionLength       = 2000
	maxUploadBytes             = 10 * 1024 * 1024
	reportRateLimitRequests    = 8
	reportRateLimitWindow      = 5 * time.Minute
	authRateLimitRequests      = 10
	authRateLimitWindow        = 10 * time.Minute
	rateLimiterCleanupInterval = time.Minute
	ngoCookieName              = "rescue_ngo_session"
	ngoSessionDuration         = 12 * time.Hour
	deleteTokenExpiry          = 15 * time.Minute
	deleteTokenHeader          = "X-Delete-Token"
	minPasswordLength          = 6
	ngoLoginPath               = "/ngo/login"
	mediaRoutePrefix           = "/media"
	devCORSOriginLocalhost     = "http://localhost:5173"
	devCORSOriginLoopback      = "http://127.0.0.1:5173"
	trustedProxyLoopbackIPv4   = "127.0.0.1"
	trustedProxyLoopbackIPv6   = "::1"
)

const (
	statusPending  = "pending"
	statusAccepted = "accepted"
	statusDeclined = "declined"
)

var (
	reportStatuses    = []string{statusPending, statusAccepted, statusDeclined}
	decisionStatuses  = []string{statusAccepted, statusDeclined}
	allowedImageTypes = map[string]string{"image/jpeg": ".jpg", "image/webp": ".webp", "image/png": ".png"}
	exportFormats     = []string{"csv", "geojson", "pdf"}
)

type Config struct {
	Addr             string
	Env              string
	DatabaseURL      string
	DataRoot         string
	PublicBaseURL    string
	AppSigningSecret string

	ImageBucket         string
	MinIOEndpoint       string
	MinIOPublicEndpoint string
	MinIOAccessKey      string
	MinIOSecretKey      string
	MinIOUseSSL         bool

	RabbitMQURL      string
	RabbitMQExchange string

	MapboxAccessToken   string
	GeocoderProvider    string
	ResendAPIKey        string
	MailerFromAddresses map[string]string
	NotifyNGOsOnReport  bool
}

type App struct {
	cfg *Config
	db  *sql.DB
	log *slog.Logger

	images    ObjectStore
	events    EventPublisher
	geocoder  Geocoder
	mailer    *mailer.Mailer
	now       func() time.Time
	bgTimeout time.Duration

	rateLimiterMu sync.Mutex
	rateBuckets   map[string]rateBucket

	// store hooks, replaced in handler tests
	registerNGO            func(ctx context.Context, input RegistrationInput, passwordHash string) (*NGOProfile, error)
	authenticateNGO        func(ctx context.Context, email, password string) (*NGOProfile, error)
	getNGOProfile          func(ctx context.Context, accountID string) (*NGOProfile, error)
	openNGOSession         func(ctx context.Context, accountID string, expiresAt time.Time) (string, error)
	ngoSessionActive       func(ctx context.Context, sessionID string) (bool, error)
	revokeNGOSession       func(ctx context.Context, sessionID string) error
	insertReport           func(ctx context.Context, input ReportInput) (*Report, error)
	queryReports           func(ctx context.Context, filters map[string]any) ([]Report, error)
	decideReport           func(ctx context.Context, reportID int64, status string, session NGOSession) (*Report, error)
	recordEvent            func(ctx context.Context, reportID int64, eventType, actor string, metadata map[string]any) error
	listNGOEmails          func(ctx context.Context) ([]string, error)
	countPendingReports    func(ctx context.Context) (int, error)
	listUnaddressedReports func(ctx context.Context) ([]Report, error)
	setReportAddress       func(ctx context.Context, reportID int64, address string) error
	listReportEvents       func(ctx context.Context, reportID int64) ([]ReportEvent, error)
	imageKeyReferenced     func(ctx context.Context, key string) (bool, error)
}

type rateBucket struct {
	start time.Time
	count int
}

type Report struct {
	ID          int64     `json:"id"`
	Description string    `json:"description"`
	Latitude    *float64  `json:"latitude"`
	Longitude   *float64  `json:"longitude"`
	ImageURL    string    `json:"image_url"`
	ImageKey    string    `json:"-"`
	Status      string    `json:"status"`
	Address     *string   `json:"address,omitempty"`
	ReviewedBy  *string   `json:"reviewed_by,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Located reports whether the report can be placed on a map.
func (r Report) Located() bool {
	return r.Latitude != nil && r.Longitude != nil
}

type ReportInput struct {
	Description string
	Latitude    float64
	Longitude   float64
	ImageURL    string
	ImageKey    string
	SourceIP    string
}

type ReportMarker struct {
	ReportID int64   `json:"report_id"`
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
	Status   string  `json:"status"`
}

type ReportEvent struct {
	ID        int64          `json:"id"`
	ReportID  *int64         `json:"report_id"`
	CreatedAt time.Time      `json:"created_at"`
	Type      string         `json:"type"`
	Actor     string         `json:"actor"`
	Metadata  map[string]any `json:"metadata"`
}

type NGOProfile struct {
	ID                 string    `json:"id"`
	Email              string    `json:"email"`
	Name               string    `json:"name"`
	Organization       string    `json:"organization"`
	RegistrationNumber string    `json:"registration_number"`
	Phone              string    `json:"phone"`
	Address            string    `json:"address"`
	Description        string    `json:"description"`
	CreatedAt          time.Time `json:"created_at"`
}

type RegistrationInput struct {
	Email              string `json:"email"`
	Password           string `json:"password"`
	Name               string `json:"name"`
	Organization       string `json:"organization"`
	RegistrationNumber string `json:"registration_number"`
	Phone              string `json:"phone"`
	Address            string `json:"address"`
	Description        string `json:"description"`
}

type NGOSession struct {
	SessionID string    `json:"session_id"`
	AccountID string    `json:"account_id"`
	Email     string    `json:"email"`
	ExpiresAt time.Time `json:"expires_at"`
}

type apiError struct {
	Status  int
	Code    string
	Message string
}

func (e *apiError) Error() string { return e.Message }

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}

	cfg, err := loadConfig()
	if err != nil {
		panic(err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		panic(err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		panic(err)
	}

	images, err := newObjectStore(ctx, cfg, logger)
	if err != nil {
		panic(err)
	}

	events := newEventPublisher(cfg, logger)
	defer events.Close()

	app := newApp(cfg, db, logger, images, events)
	app.geocoder = newGeocoder(cfg)
	app.mailer = newMailer(cfg, logger)

	logger.Info(
		"runtime configuration",
		"env", cfg.Env,
		"addr", cfg.Addr,
		"image_bucket", cfg.ImageBucket,
		"object_store", images.Name(),
		"event_publisher", events.Name(),
	)

	if err := app.runMigrations(ctx); err != nil {
		panic(err)
	}

	if len(os.Args) > 1 {
		if err := app.runCommand(ctx, os.Args[1]); err != nil {
			logger.Error("command failed", "command", os.Args[1], "err", err)
			os.Exit(1)
		}
		return
	}

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	defer cleanupCancel()
	app.startRateLimiterCleanup(cleanupCtx, rateLimiterCleanupInterval)

	r, err := app.newRouter()
	if err != nil {
		panic(err)
	}

	app.log.Info("starting gin API", "addr", cfg.Addr)
	if err := r.Run(cfg.Addr); err != nil {
		panic(err)
	}
}

func newApp(cfg *Config, db *sql.DB, logger *slog.Logger, images ObjectStore, events EventPublisher) *App {
	app := &App{
		cfg:         cfg,
		db:          db,
		log:         logger,
		images:      images,
		events:      events,
		now:         time.Now,
		bgTimeout:   30 * time.Second,
		rateBuckets: make(map[string]rateBucket),
	}

	app.registerNGO = app.storeRegisterNGO
	app.authenticateNGO = app.authenticateNGOCredentials
	app.getNGOProfile = app.storeGetNGOProfile
	app.openNGOSession = app.storeOpenNGOSession
	app.ngoSessionActive = app.storeNGOSessionActive
	app.revokeNGOSession = app.storeRevokeNGOSession
	app.insertReport = app.storeInsertReport
	app.queryReports = app.storeListReports
	app.decideReport = app.storeDecideReport
	app.recordEvent = app.addEvent
	app.listNGOEmails = app.storeListNGOEmails
	app.countPendingReports = app.storeCountPendingReports
	app.listUnaddressedReports = app.storeListUnaddressedReports
	app.setReportAddress = app.storeSetReportAddress
	app.listReportEvents = app.listEvents
	app.imageKeyReferenced = app.storeImageKeyReferenced
	return app
}

func newMailer(cfg *Config, logger *slog.Logger) *mailer.Mailer {
	var provider mailer.Provider
	if cfg.ResendAPIKey != "" {
		provider = mailer.NewResendProvider(cfg.ResendAPIKey)
	} else {
		provider = mailer.NewLogProvider(logger)
	}
	logger.Info("mailer initialized", "provider", provider.Name())
	return mailer.New(provider, cfg.MailerFromAddresses[provider.Name()])
}

func (a *App) newRouter() (*gin.Engine, error) {
	r := gin.New()
	if err := r.SetTrustedProxies([]string{trustedProxyLoopbackIPv4, trustedProxyLoopbackIPv6}); err != nil {
		return nil, err
	}
	r.MaxMultipartMemory = maxUploadBytes
	r.Use(gin.Recovery())
	r.Use(a.loggingMiddleware())
	r.Use(a.corsMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET(path.Join(mediaRoutePrefix, a.cfg.ImageBucket)+"/*key", a.serveImageHandler)

	api := r.Group("/api/v1")
	{
		api.POST("/reports", a.createReportHandler)

		bucket := api.Group("/storage/" + a.cfg.ImageBucket)
		{
			bucket.POST("", a.uploadImageHandler)
			bucket.DELETE("/*key", a.deleteImageHandler)
		}

		auth := api.Group("/auth")
		{
			auth.POST("/register", a.registerHandler)
			auth.POST("/login", a.loginHandler)
			auth.POST("/logout", a.logoutHandler)
			auth.GET("/session", a.requireNGOSession(), a.sessionHandler)
			auth.POST("/refresh", a.requireNGOSession(), a.refreshHandler)
		}

		ngo := api.Group("/ngo")
		ngo.Use(a.requireNGOSession())
		{
			ngo.GET("/reports", a.listReportsHandler)
			ngo.GET("/reports/export", a.exportReportsHandler)
			ngo.GET("/reports/:id/events", a.reportEventsHandler)
			ngo.POST("/reports/:id/status", a.updateReportStatusHandler)
		}
	}
	return r, nil
}

func (a *App) runCommand(ctx context.Context, name string) error {
	switch name {
	case "send-digest":
		sent, err := a.sendPendingDigest(ctx)
		if err != nil {
			return err
		}
		a.log.Info("send-digest completed", "sent", sent)
		return nil
	case "backfill-addresses":
		count, err := a.backfillAddresses(ctx)
		if err != nil {
			return err
		}
		a.log.Info("backfill completed", "count", count)
		return nil
	case "migrate":
		return nil
	default:
		return fmt.Errorf("unknown command %q", name)
	}
}

func loadConfig() (*Config, error) {
	databaseURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if databaseURL == "" {
		host := valueFromEnvKeys("PGHOST", "POSTGRES_HOST")
		if host == "" {
			host = "127.0.0.1"
		}
		port := valueFromEnvKeys("PGPORT", "POSTGRES_PORT")
		if port == "" {
			port = "5432"
		}
		dbname := valueFromEnvKeys("PGDATABASE", "POSTGRES_DB")
		user := valueFromEnvKeys("PGUSER", "POSTGRES_USER")
		password := valueFromEnvKeys("PGPASSWORD", "POSTGRES_PASSWORD")
		sslmode := valueFromEnvKeys("PGSSLMODE", "POSTGRES_SSLMODE")
		if sslmode == "" {
			sslmode = "disable"
		}
		if dbname != "" && user != "" {
			databaseURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, password, host, port, dbname, sslmode)
		}
	}
	if databaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL or PG*/POSTGRES_* variables must be configured")
	}

	secret := strings.TrimSpace(os.Getenv("APP_SIGNING_SECRET"))
	if len(secret) < 16 {
		return nil, fmt.Errorf("APP_SIGNING_SECRET must be at least 16 characters")
	}

	env := valueFromEnvKeys("APP_ENV", "GIN_ENV")
	if env == "" {
		env = "development"
	}

	cfg := &Config{
		Addr:                valueOrDefault("GIN_ADDR", ":8080"),
		Env:                 env,
		DatabaseURL:         databaseURL,
		DataRoot:            valueOrDefault("DATA_ROOT", "/var/lib/injured-animal"),
		PublicBaseURL:       strings.TrimRight(valueOrDefault("PUBLIC_BASE_URL", "http://localhost:8080"), "/"),
		AppSigningSecret:    secret,
		ImageBucket:         valueOrDefault("IMAGE_BUCKET", "animal-images"),
		MinIOEndpoint:       strings.TrimSpace(os.Getenv("MINIO_ENDPOINT")),
		MinIOPublicEndpoint: strings.TrimSpace(os.Getenv("MINIO_PUBLIC_ENDPOINT")),
		MinIOAccessKey:      strings.TrimSpace(os.Getenv("MINIO_ACCESS_KEY")),
		MinIOSecretKey:      strings.TrimSpace(os.Getenv("MINIO_SECRET_KEY")),
		RabbitMQURL:         strings.TrimSpace(os.Getenv("RABBITMQ_URL")),
		RabbitMQExchange:    valueOrDefault("RABBITMQ_EXCHANGE", "animal-rescue"),
		MapboxAccessToken:   strings.TrimSpace(os.Getenv("MAPBOX_ACCESS_TOKEN")),
		GeocoderProvider:    strings.TrimSpace(os.Getenv("GEOCODER_PROVIDER")),
		ResendAPIKey:        strings.TrimSpace(os.Getenv("RESEND_API_KEY")),
		MailerFromAddresses: map[string]string{
			"resend": valueOrDefault("MAILER_FROM_ADDRESS_RESEND", "alerts@mail.injured-animal.org"),
			"log":    valueOrDefault("MAILER_FROM_ADDRESS_LOG", "alerts@injured-animal.local"),
		},
		NotifyNGOsOnReport: true,
	}

	if strings.Contains(cfg.ImageBucket, "/") {
		return nil, fmt.Errorf("IMAGE_BUCKET must not contain '/'")
	}

	var parseErr error
	cfg.MinIOUseSSL, parseErr = boolFromEnv("MINIO_USE_SSL", false)
	if parseErr != nil {
		return nil, parseErr
	}
	cfg.NotifyNGOsOnReport, parseErr = boolFromEnv("NOTIFY_NGOS_ON_REPORT", true)
	if parseErr != nil {
		return nil, parseErr
	}

	if cfg.MinIOEndpoint != "" && (cfg.MinIOAccessKey == "" || cfg.MinIOSecretKey == "") {
		return nil, fmt.Errorf("MINIO_ACCESS_KEY and MINIO_SECRET_KEY are required when MINIO_ENDPOINT is set")
	}

	switch cfg.GeocoderProvider {
	case "", "fallback", "mapbox", "nominatim", "none":
	default:
		return nil, fmt.Errorf("GEOCODER_PROVIDER must be one of mapbox, nominatim, fallback, none")
	}

	return cfg, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean", key)
	}
	return parsed, nil
}

func valueOrDefault(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func valueFromEnvKeys(keys ...string) string {
	for _, key := range keys {
		value := strings.TrimSpace(os.Getenv(key))
		if value != "" {
			return value
		}
	}
	return ""
}

func (a *App) runMigrations(ctx context.Context) error {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return err
	}

	if _, err := a.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return err
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)

	for _, file := range files {
		var exists bool
		if err := a.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE filename = $1)`, file).Scan(&exists); err != nil {
			return err
		}
		if exists {
			continue
		}

		content, err := migrationFiles.ReadFile(path.Join("migrations", file))
		if err != nil {
			return err
		}

		tx, err := a.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, string(content)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %s failed: %w", file, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (filename) VALUES ($1)`, file); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}

		a.log.Info("applied migration", "file", file)
	}

	return nil
}

func (a *App) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		a.log.Info("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"ip", c.ClientIP(),
		)
	}
}

func (a *App) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := strings.TrimSpace(c.GetHeader("Origin"))
		if a.isAllowedCORSOrigin(origin) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, "+deleteTokenHeader)
			c.Header("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
			c.Header("Vary", "Origin")
		}
		if c.Request.Method == http.MethodOptions {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		c.Next()
	}
}

func (a *App) isAllowedCORSOrigin(origin string) bool {
	if origin == "" || a.cfg == nil {
		return false
	}
	if a.cfg.PublicBaseURL != "" && origin == a.cfg.PublicBaseURL {
		return true
	}
	if !strings.EqualFold(a.cfg.Env, "development") {
		return false
	}
	return origin == devCORSOriginLocalhost || origin == devCORSOriginLoopback
}

func writeAPIError(c *gin.Context, err error) {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		c.JSON(apiErr.Status, gin.H{"error": apiErr.Code, "message": apiErr.Message})
		return
	}

	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
}
