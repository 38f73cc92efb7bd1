package conf

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

type Env struct {
	Logger      *zap.SugaredLogger
	Env         string
	Port        string
	ServiceName string
	Repository  *RepositoryConfig
	Cache       *CacheConfig
	Graph       *GraphConfig
	Auth        *AuthConfig
	AgentHost   string
}

// RepositoryConfig holds connection settings for the remote architecture
// repository (ADOIT REST API).
type RepositoryConfig struct {
	URL        string
	Identifier string
	Secret     string
	RepoId     string
	PageSize   int
	Timeout    time.Duration
	RetryCount int
}

type CacheConfig struct {
	Location      string
	DefaultTtl    time.Duration
	EvictAfter    time.Duration
	EvictSchedule string
}

type GraphConfig struct {
	Workers         int
	ExpansionRounds int
}

type AuthConfig struct {
	Middleware string
	Secret     string
	Audience   string
	Issuer     string
}

func NewEnv() (*Env, error) {
	profile := loadEnv()
	logger := GetLogger(profile)
	logger.Infof("Starting with profile: %s", profile)

	repo := &RepositoryConfig{
		URL:        strings.TrimRight(viper.GetString("ADOIT_URL"), "/"),
		Identifier: viper.GetString("ADOIT_API_ID"),
		Secret:     viper.GetString("ADOIT_API_SECRET"),
		RepoId:     strings.Trim(viper.GetString("ADOIT_REPO_ID"), "{}"),
		PageSize:   viper.GetInt("ADOIT_PAGE_SIZE"),
		Timeout:    viper.GetDuration("ADOIT_TIMEOUT"),
		RetryCount: viper.GetInt("ADOIT_RETRY_COUNT"),
	}

	// missing credentials are fatal here, not on the first outbound call
	if repo.URL == "" || repo.Identifier == "" || repo.Secret == "" {
		return nil, errors.New("missing required configuration: ADOIT_URL, ADOIT_API_ID and ADOIT_API_SECRET must be set")
	}

	return &Env{
		Logger:      logger,
		Env:         profile,
		Port:        viper.GetString("SERVER_PORT"),
		ServiceName: viper.GetString("SERVICE_NAME"),
		Repository:  repo,
		Cache: &CacheConfig{
			Location:      viper.GetString("CACHE_LOCATION"),
			DefaultTtl:    viper.GetDuration("CACHE_DEFAULT_TTL"),
			EvictAfter:    viper.GetDuration("CACHE_EVICT_AFTER"),
			EvictSchedule: viper.GetString("CACHE_EVICT_SCHEDULE"),
		},
		Graph: &GraphConfig{
			Workers:         viper.GetInt("GRAPH_WORKERS"),
			ExpansionRounds: viper.GetInt("GRAPH_EXPANSION_ROUNDS"),
		},
		Auth: &AuthConfig{
			Middleware: viper.GetString("AUTHORIZATION_MIDDLEWARE"),
			Secret:     viper.GetString("TOKEN_SECRET"),
			Audience:   viper.GetString("TOKEN_AUDIENCE"),
			Issuer:     viper.GetString("TOKEN_ISSUER"),
		},
		AgentHost: viper.GetString("DD_AGENT_HOST"),
	}, nil
}

func loadEnv() string {
	viper.SetDefault("PROFILE", "local")
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("SERVICE_NAME", "archrepo-datalayer")
	viper.SetDefault("ADOIT_PAGE_SIZE", 200)
	viper.SetDefault("ADOIT_TIMEOUT", "30s")
	viper.SetDefault("ADOIT_RETRY_COUNT", 3)
	viper.SetDefault("CACHE_LOCATION", "data/archrepo_cache.db")
	viper.SetDefault("CACHE_DEFAULT_TTL", "48h")
	viper.SetDefault("CACHE_EVICT_AFTER", "336h")
	viper.SetDefault("CACHE_EVICT_SCHEDULE", "@every 24h")
	viper.SetDefault("GRAPH_WORKERS", 10)
	viper.SetDefault("GRAPH_EXPANSION_ROUNDS", 3)
	viper.SetDefault("AUTHORIZATION_MIDDLEWARE", "noop")

	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig() // optional, plain env vars still apply without it

	return viper.GetString("PROFILE")
}
