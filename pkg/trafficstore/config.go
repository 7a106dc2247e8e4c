package trafficstore

import (
	"fmt"
	"os"
	"strconv"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
}

// DSN renders the config as a Postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
	)
}

// LoadDatabaseConfigFromEnv loads Postgres settings from environment variables.
func LoadDatabaseConfigFromEnv() (*DatabaseConfig, error) {
	port := 5432
	if p := os.Getenv("DB_PORT"); p != "" {
		parsed, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT %q: %w", p, err)
		}
		port = parsed
	}
	return &DatabaseConfig{
		Host:     getEnv("DB_HOST", "localhost"),
		Port:     port,
		User:     getEnv("DB_USER", "traffic"),
		Password: getEnv("DB_PASSWORD", ""),
		Name:     getEnv("DB_NAME", "traffic"),
		SSLMode:  getEnv("DB_SSLMODE", "disable"),
	}, nil
}

// Open connects to Postgres and migrates the schema. TranslateError is
// required: the resolver's conflict handling depends on uniqueness
// violations surfacing as gorm.ErrDuplicatedKey.
func Open(cfg *DatabaseConfig) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres %s:%d/%s: %w", cfg.Host, cfg.Port, cfg.Name, err)
	}
	if err := Migrate(db); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return db, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
