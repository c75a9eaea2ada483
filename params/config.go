package params

import (
	"os"

	"github.com/joho/godotenv"
)

type Server struct {
	HTTPAddr string
}

type Ledger struct {
	DBPath string
}

type Exchange struct {
	// CashTicker is the quote currency every instrument trades against.
	CashTicker string
	// AdminName, when set, bootstraps an admin account on first start.
	AdminName string
}

type Config struct {
	Server   Server
	Ledger   Ledger
	Exchange Exchange
	LogFile  string
}

func Default() Config {
	return Config{
		Server:   Server{HTTPAddr: ":8080"},
		Ledger:   Ledger{DBPath: "data/exchange"},
		Exchange: Exchange{CashTicker: "RUB", AdminName: "admin"},
		LogFile:  "",
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load() // loads .env from current directory
	}

	cfg.Server.HTTPAddr = getEnv("HTTP_ADDR", cfg.Server.HTTPAddr)
	cfg.Ledger.DBPath = getEnv("DB_PATH", cfg.Ledger.DBPath)
	cfg.Exchange.CashTicker = getEnv("CASH_TICKER", cfg.Exchange.CashTicker)
	cfg.Exchange.AdminName = getEnv("ADMIN_NAME", cfg.Exchange.AdminName)
	cfg.LogFile = getEnv("LOG_FILE", cfg.LogFile)

	return cfg
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
