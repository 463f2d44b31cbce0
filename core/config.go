package core

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type (
	// BucketLimits bounds one cache bucket: entries older than MaxAge are
	// evicted, and the bucket never holds more than MaxEntries records.
	BucketLimits struct {
		MaxAge     time.Duration
		MaxEntries int
	}

	Config struct {
		Debug    bool
		TestMode bool
		Env      string
		Build    string
		AppName  string

		SecretKey    string
		RollbarToken string

		Server struct {
			Addr            string
			DebugHost       string
			ShutdownTimeout time.Duration
		}

		Upstream struct {
			BaseURL        string
			HealthPath     string
			NetworkTimeout time.Duration // network-first deadline
		}

		Store struct {
			Engine string // sqlite | inmem
			Path   string
		}

		Cache map[string]BucketLimits // keyed by bucket name

		Session struct {
			AutosaveInterval time.Duration
			Timeout          time.Duration
		}
	}
)

func NewConfig() *Config {
	v := viper.New()
	v.SetTypeByDefaultValue(true)

	// defaults
	v.SetDefault("debug", true)
	v.SetDefault("appName", "Tathmini")
	v.SetDefault("build", "dev")
	v.SetDefault("secretKey", "w3p$-kml)aqz$+31=xy&uoxh2(h!x)#*c2(#yg4h^$cegm2emy")
	v.SetDefault("rollbarToken", "")
	v.SetDefault("serverAddr", "127.0.0.1:8700")
	v.SetDefault("serverDebugHost", "127.0.0.1:8701")
	v.SetDefault("serverShutdownTimeout", 5*time.Second)
	v.SetDefault("upstreamBaseURL", "http://localhost:8000")
	v.SetDefault("upstreamHealthPath", "/health")
	v.SetDefault("networkTimeout", 3*time.Second)
	v.SetDefault("storeEngine", "sqlite")
	v.SetDefault("storePath", filepath.Join(os.TempDir(), "tathmini.db"))
	v.SetDefault("autosaveInterval", 30*time.Second)
	v.SetDefault("sessionTimeout", 30*time.Minute)

	// per-bucket cache limits
	v.SetDefault("cacheStaticMaxAge", 7*24*time.Hour)
	v.SetDefault("cacheStaticMaxEntries", 100)
	v.SetDefault("cacheAPIMaxAge", time.Hour)
	v.SetDefault("cacheAPIMaxEntries", 50)
	v.SetDefault("cacheImageMaxAge", 30*24*time.Hour)
	v.SetDefault("cacheImageMaxEntries", 60)
	v.SetDefault("cacheFontMaxAge", 365*24*time.Hour)
	v.SetDefault("cacheFontMaxEntries", 10)
	v.SetDefault("cacheRuntimeMaxAge", 7*24*time.Hour)
	v.SetDefault("cacheRuntimeMaxEntries", 30)

	env := os.Getenv("ENV") // DEV (local; default), TEST, QA, PROD
	switch env {
	case "":
		env = "DEV"
	case "TEST":
		v.SetDefault("testMode", true)
	}
	v.SetEnvPrefix(env)

	// load .env if it exists (ignore if it does not)
	dotEnvPath := filepath.Join("config", ".env."+strings.ToLower(env))
	if _, err := os.Stat(dotEnvPath); err == nil {
		if err := godotenv.Load(dotEnvPath); err != nil {
			log.Fatalf("config.godotenv(%s): %v", dotEnvPath, err)
		}
	} else if !os.IsNotExist(err) {
		log.Fatalf("config.os.Stat(%s): %v", dotEnvPath, err)
	}
	v.AutomaticEnv()

	conf := &Config{
		Debug:        v.GetBool("debug"),
		TestMode:     v.GetBool("testMode"),
		Env:          env,
		Build:        v.GetString("build"),
		AppName:      v.GetString("appName"),
		SecretKey:    v.GetString("secretKey"),
		RollbarToken: v.GetString("rollbarToken"),
	}
	conf.Server.Addr = v.GetString("serverAddr")
	conf.Server.DebugHost = v.GetString("serverDebugHost")
	conf.Server.ShutdownTimeout = v.GetDuration("serverShutdownTimeout")
	conf.Upstream.BaseURL = strings.TrimRight(v.GetString("upstreamBaseURL"), "/")
	conf.Upstream.HealthPath = v.GetString("upstreamHealthPath")
	conf.Upstream.NetworkTimeout = v.GetDuration("networkTimeout")
	conf.Store.Engine = v.GetString("storeEngine")
	conf.Store.Path = v.GetString("storePath")
	conf.Session.AutosaveInterval = v.GetDuration("autosaveInterval")
	conf.Session.Timeout = v.GetDuration("sessionTimeout")
	conf.Cache = map[string]BucketLimits{
		"static":  {MaxAge: v.GetDuration("cacheStaticMaxAge"), MaxEntries: v.GetInt("cacheStaticMaxEntries")},
		"api":     {MaxAge: v.GetDuration("cacheAPIMaxAge"), MaxEntries: v.GetInt("cacheAPIMaxEntries")},
		"image":   {MaxAge: v.GetDuration("cacheImageMaxAge"), MaxEntries: v.GetInt("cacheImageMaxEntries")},
		"font":    {MaxAge: v.GetDuration("cacheFontMaxAge"), MaxEntries: v.GetInt("cacheFontMaxEntries")},
		"runtime": {MaxAge: v.GetDuration("cacheRuntimeMaxAge"), MaxEntries: v.GetInt("cacheRuntimeMaxEntries")},
	}
	return conf
}
