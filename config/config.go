package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
)

const (
	StoragePostgres = "postgres"
	StorageSQLite   = "sqlite"

	PhotoStorageLocal = "local"
	PhotoStorageR2    = "r2"
)

// Config holds everything the coordinator reads from the environment.
type Config struct {
	ServerAddr       string `env:"SERVER_ADDR" envDefault:":5200"`
	AllowedOrigins   string `env:"ALLOWED_ORIGINS" envDefault:"http://localhost:3000"`
	GameServiceToken string `env:"GAME_SERVICE_TOKEN,required,notEmpty"`

	DatabaseDriver string `env:"DATABASE_DRIVER" envDefault:"postgres"`
	DatabaseURL    string `env:"DATABASE_URL,required,notEmpty"`

	// Outbound collaborators.
	GatewayURL    string        `env:"GATEWAY_URL,required,notEmpty"`
	ScorerURL     string        `env:"SCORER_URL,required,notEmpty"`
	ScorerTimeout time.Duration `env:"SCORER_TIMEOUT" envDefault:"60s"`

	DrawEpsilon        float64       `env:"DRAW_EPSILON" envDefault:"0.001"`
	RandomMatchTimeout time.Duration `env:"RANDOM_MATCH_TIMEOUT" envDefault:"5m"`
	RoomTTL            time.Duration `env:"ROOM_TTL" envDefault:"5m"`
	TasksPath          string        `env:"TASKS_PATH" envDefault:""`

	PhotoStorage                  string `env:"PHOTO_STORAGE" envDefault:"local"`
	UploadsDir                    string `env:"UPLOADS_DIR" envDefault:"uploads"`
	CleanupUploadsAfterEvaluation bool   `env:"CLEANUP_UPLOADS_AFTER_EVALUATION" envDefault:"true"`
	R2                            R2Config

	RedisURL      string        `env:"REDIS_URL" envDefault:""`
	RedisPassword string        `env:"REDIS_PASSWORD" envDefault:""`
	RedisDB       int           `env:"REDIS_DB" envDefault:"0"`
	CacheTTL      time.Duration `env:"CACHE_TTL" envDefault:"5m"`

	SweepInterval      time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`
	DedupAuditInterval time.Duration `env:"DEDUP_AUDIT_INTERVAL" envDefault:"10m"`
	DuelWorkers        int           `env:"DUEL_WORKERS" envDefault:"4"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// R2Config is only read when PHOTO_STORAGE=r2.
type R2Config struct {
	AccountID       string `env:"CLOUDFLARE_ACCOUNT_ID"`
	AccessKeyID     string `env:"R2_ACCESS_KEY_ID"`
	AccessKeySecret string `env:"R2_ACCESS_KEY_SECRET"`
	Bucket          string `env:"R2_BUCKET_NAME"`
}

// Load reads an optional .env file and then parses the environment.
func Load() (Config, error) {
	// A missing .env is normal in containers.
	_ = godotenv.Load()

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, eris.Wrap(err, "failed to parse config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.DatabaseDriver {
	case StoragePostgres, StorageSQLite:
	default:
		return eris.Errorf("unsupported DATABASE_DRIVER %q", c.DatabaseDriver)
	}

	switch c.PhotoStorage {
	case PhotoStorageLocal:
	case PhotoStorageR2:
		if c.R2.AccountID == "" || c.R2.Bucket == "" {
			return eris.New("PHOTO_STORAGE=r2 requires CLOUDFLARE_ACCOUNT_ID and R2_BUCKET_NAME")
		}
	default:
		return eris.Errorf("unsupported PHOTO_STORAGE %q", c.PhotoStorage)
	}

	if c.DrawEpsilon < 0 {
		return eris.New("DRAW_EPSILON must not be negative")
	}
	if c.ScorerTimeout <= 0 {
		return eris.New("SCORER_TIMEOUT must be positive")
	}
	if c.DuelWorkers < 1 {
		return eris.New("DUEL_WORKERS must be at least 1")
	}
	return nil
}
