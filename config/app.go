package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type AppConfig struct {
	CacheDir    string
	DownloadDir string
	DB          *DBConfig
	ListenPort  uint16
	DownLimit   int
	UpLimit     int
	FdCacheSize int
}

func envInt(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func NewAppConfig() *AppConfig {
	cacheDir := os.Getenv("CACHE_DIR")
	if cacheDir == "" {
		cacheDir = "storage/cache"
	}

	downloadDir := os.Getenv("DOWNLOAD_DIR")
	if downloadDir == "" {
		downloadDir = "storage/downloads"
	}

	dbConf := NewDBConfig()

	return &AppConfig{
		CacheDir:    cacheDir,
		DownloadDir: downloadDir,
		DB:          dbConf,
		ListenPort:  uint16(envInt("LISTEN_PORT", 6881)),
		DownLimit:   envInt("DOWN_LIMIT_BPS", 0),
		UpLimit:     envInt("UP_LIMIT_BPS", 0),
		FdCacheSize: envInt("FD_CACHE_SIZE", 64),
	}
}

var Main *AppConfig

func init() {
	_ = godotenv.Load()
	Main = NewAppConfig()
}
