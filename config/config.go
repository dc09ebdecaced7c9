package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	JWT        JWTConfig
	Device     DeviceConfig
	YouTube    YouTubeConfig
	Archive    ArchiveConfig
	Selection  SelectionConfig
	Automation AutomationConfig
	Uploader   UploaderConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds JWT signing and validation settings.
type JWTConfig struct {
	Secret      string
	ExpireHours int
}

// DeviceConfig holds the production device (encoder) websocket settings.
type DeviceConfig struct {
	URL               string // e.g. ws://192.168.1.50:4455
	Password          string
	ReconnectSeconds  int // delay between reconnect attempts
	HandshakeTimeout  int // seconds
	RequestTimeoutSec int // per device query (record directory etc.)
}

// YouTubeConfig holds the YouTube upload destination settings.
type YouTubeConfig struct {
	ClientID      string
	ClientSecret  string
	RefreshToken  string
	ChunkSizeMB   int    // resumable upload chunk size
	CategoryID    string // default upload category
	TokenEndpoint string // overridable for tests
	UploadURL     string // overridable for tests
	APIURL        string // data API base, overridable for tests
}

// ArchiveConfig holds the S3 archive destination settings.
type ArchiveConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	PartSizeMB      int
}

// SelectionConfig holds recording selection thresholds.
type SelectionConfig struct {
	ShortVideoSeconds   int // below this a file is a false start / test
	MinUploadSeconds    int // below this a file never auto-qualifies
	WindowSlackSeconds  int // slack added to both ends of the session window
	FFProbePath         string
	EstimateBytesPerMin int64 // fallback duration estimate when ffprobe fails
}

// AutomationConfig gates the post-event automation run.
type AutomationConfig struct {
	MinSessionMinutes int // sessions shorter than this never trigger automation
}

// UploaderConfig paces the background upload queue.
type UploaderConfig struct {
	IdleDelaySeconds    int // re-scan delay when the queue is empty
	ItemDelaySeconds    int // fixed pause between consecutive items
	StartupDelaySeconds int // delay before first scan after boot
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 30),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "sermonrelay"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-me-in-production"),
			ExpireHours: getEnvInt("JWT_EXPIRE_HOURS", 24),
		},
		Device: DeviceConfig{
			URL:               getEnv("DEVICE_WS_URL", "ws://localhost:4455"),
			Password:          getEnv("DEVICE_WS_PASSWORD", ""),
			ReconnectSeconds:  getEnvInt("DEVICE_RECONNECT_SEC", 5),
			HandshakeTimeout:  getEnvInt("DEVICE_HANDSHAKE_TIMEOUT_SEC", 10),
			RequestTimeoutSec: getEnvInt("DEVICE_REQUEST_TIMEOUT_SEC", 5),
		},
		YouTube: YouTubeConfig{
			ClientID:      getEnv("YOUTUBE_CLIENT_ID", ""),
			ClientSecret:  getEnv("YOUTUBE_CLIENT_SECRET", ""),
			RefreshToken:  getEnv("YOUTUBE_REFRESH_TOKEN", ""),
			ChunkSizeMB:   getEnvInt("YOUTUBE_CHUNK_SIZE_MB", 8),
			CategoryID:    getEnv("YOUTUBE_CATEGORY_ID", "22"),
			TokenEndpoint: getEnv("YOUTUBE_TOKEN_ENDPOINT", "https://oauth2.googleapis.com/token"),
			UploadURL:     getEnv("YOUTUBE_UPLOAD_URL", "https://www.googleapis.com/upload/youtube/v3/videos"),
			APIURL:        getEnv("YOUTUBE_API_URL", "https://www.googleapis.com/youtube/v3"),
		},
		Archive: ArchiveConfig{
			Region:          getEnv("AWS_REGION", ""),
			AccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
			Bucket:          getEnv("ARCHIVE_S3_BUCKET", ""),
			PartSizeMB:      getEnvInt("ARCHIVE_S3_PART_SIZE_MB", 8),
		},
		Selection: SelectionConfig{
			ShortVideoSeconds:   getEnvInt("SELECTION_SHORT_VIDEO_SEC", 30),
			MinUploadSeconds:    getEnvInt("SELECTION_MIN_UPLOAD_SEC", 60),
			WindowSlackSeconds:  getEnvInt("SELECTION_WINDOW_SLACK_SEC", 120),
			FFProbePath:         getEnv("FFPROBE_PATH", "ffprobe"),
			EstimateBytesPerMin: int64(getEnvInt("SELECTION_ESTIMATE_BYTES_PER_MIN", 5*1024*1024)),
		},
		Automation: AutomationConfig{
			MinSessionMinutes: getEnvInt("AUTOMATION_MIN_SESSION_MINUTES", 5),
		},
		Uploader: UploaderConfig{
			IdleDelaySeconds:    getEnvInt("UPLOADER_IDLE_DELAY_SEC", 10),
			ItemDelaySeconds:    getEnvInt("UPLOADER_ITEM_DELAY_SEC", 5),
			StartupDelaySeconds: getEnvInt("UPLOADER_STARTUP_DELAY_SEC", 15),
		},
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
