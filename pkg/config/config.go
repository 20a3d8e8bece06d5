package config

import (
	"log"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type (
	Config struct {
		HTTP       HTTP       `envPrefix:"HTTP_"`
		Logger     Logger     `envPrefix:"LOGGER_"`
		Telemetry  Telemetry  `envPrefix:"TELEMETRY_"`
		Storage    Storage    `envPrefix:"STORAGE_"`
		Redis      Redis      `envPrefix:"REDIS_"`
		Generation Generation `envPrefix:"GENERATION_"`
		Scheduler  Scheduler  `envPrefix:"SCHEDULER_"`
	}

	HTTP struct {
		Server  Server        `envPrefix:"SERVER_"`
		Timeout time.Duration `env:"TIMEOUT" envDefault:"10s"`
	}

	Server struct {
		Port         string        `env:"PORT,required" validate:"required,numeric"`
		ReadTimeout  time.Duration `env:"READ_TIMEOUT" envDefault:"15s"`
		WriteTimeout time.Duration `env:"WRITE_TIMEOUT" envDefault:"15s"`
		IdleTimeout  time.Duration `env:"IDLE_TIMEOUT" envDefault:"60s"`
	}

	Logger struct {
		Level string `env:"LEVEL,required" validate:"required,oneof=debug info warn error"`
	}

	Telemetry struct {
		Enabled        bool   `env:"ENABLED" envDefault:"false"`
		ServiceName    string `env:"SERVICE_NAME" envDefault:"farplanetwo-tiles"`
		ServiceVersion string `env:"SERVICE_VERSION" envDefault:"1.0.0"`
		Environment    string `env:"ENVIRONMENT" envDefault:"production"`
		OTLPEndpoint   string `env:"OTLP_ENDPOINT" envDefault:"localhost:4317"`
	}

	// Storage selects the persistent tile store backend.
	Storage struct {
		Backend       string        `env:"BACKEND" envDefault:"sqlite" validate:"oneof=memory filesystem sqlite redis"`
		SQLitePath    string        `env:"SQLITE_PATH" envDefault:"tiles.db"`
		Root          string        `env:"ROOT" envDefault:"data/tiles"`
		FlushInterval time.Duration `env:"FLUSH_INTERVAL" envDefault:"2s" validate:"gt=0"`
	}

	Redis struct {
		Addr     string        `env:"ADDR" envDefault:"localhost:6379"`
		Password string        `env:"PASSWORD" envDefault:""`
		DB       int           `env:"DB" envDefault:"0" validate:"gte=0"`
		TTL      time.Duration `env:"TTL" envDefault:"0s"`
	}

	Generation struct {
		LowResolutionEnabled  bool   `env:"LOW_RESOLUTION_ENABLED" envDefault:"true"`
		ProgressiveRefinement bool   `env:"PROGRESSIVE_REFINEMENT" envDefault:"true"`
		MaxConcurrentWorkers  int    `env:"MAX_CONCURRENT_WORKERS" envDefault:"4" validate:"gte=1,lte=256"`
		MaxLevel              int32  `env:"MAX_LEVEL" envDefault:"8" validate:"gte=0,lte=24"`
		ProfilePath           string `env:"PROFILE_PATH" envDefault:""`
		PrefetchNeighbors     bool   `env:"PREFETCH_NEIGHBORS" envDefault:"true"`
	}

	Scheduler struct {
		RescheduleRate  float64 `env:"RESCHEDULE_RATE" envDefault:"500" validate:"gt=0"`
		RescheduleBurst int     `env:"RESCHEDULE_BURST" envDefault:"64" validate:"gte=1"`
	}
)

func New() (*Config, error) {
	err := godotenv.Load()
	if err != nil {
		log.Printf("NOTICE: .env file not found or cannot be loaded: %v\n", err)
	}

	return parse()
}

func parse() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, err
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
