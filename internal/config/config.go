// Package config loads and validates the §6 TOML configuration schema: the
// TOML body (github.com/pelletier/go-toml/v2) into a File struct, then
// layers environment/flag overrides through viper before validating every
// constraint in the configuration table.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"

	"github.com/jonesrussell/sumi-ripple/internal/failure"
)

// CrawlerSection is the `[crawler]` table.
type CrawlerSection struct {
	MaxDepth               int `toml:"max_depth" mapstructure:"max_depth"`
	MaxConcurrentPagesOpen int `toml:"max_concurrent_pages_open" mapstructure:"max_concurrent_pages_open"`
	MinTimeOnPageMS        int `toml:"min_time_on_page_ms" mapstructure:"min_time_on_page_ms"`
	MaxDomainRequests      int `toml:"max_domain_requests" mapstructure:"max_domain_requests"`
}

// UserAgentSection is the `[user_agent]` table.
type UserAgentSection struct {
	Name         string `toml:"name" mapstructure:"name"`
	Version      string `toml:"version" mapstructure:"version"`
	ContactURL   string `toml:"contact_url" mapstructure:"contact_url"`
	ContactEmail string `toml:"contact_email" mapstructure:"contact_email"`
}

// OutputSection is the `[output]` table.
type OutputSection struct {
	DatabasePath string `toml:"database_path" mapstructure:"database_path"`
	SummaryPath  string `toml:"summary_path" mapstructure:"summary_path"`
}

// QualityDomain is one `[[quality]]` entry: a fully-explored domain plus
// its seed URLs.
type QualityDomain struct {
	Domain string   `toml:"domain" mapstructure:"domain"`
	Seeds  []string `toml:"seeds" mapstructure:"seeds"`
}

// DomainEntry is one `[[blacklist]]` or `[[stub]]` entry.
type DomainEntry struct {
	Domain string `toml:"domain" mapstructure:"domain"`
}

// File is the on-disk §6 configuration shape.
type File struct {
	Crawler   CrawlerSection  `toml:"crawler" mapstructure:"crawler"`
	UserAgent UserAgentSection `toml:"user_agent" mapstructure:"user_agent"`
	Output    OutputSection   `toml:"output" mapstructure:"output"`
	Quality   []QualityDomain `toml:"quality" mapstructure:"quality"`
	Blacklist []DomainEntry   `toml:"blacklist" mapstructure:"blacklist"`
	Stub      []DomainEntry   `toml:"stub" mapstructure:"stub"`
}

// Config is a validated File ready for use by the rest of the module.
type Config struct {
	File
}

var userAgentNamePattern = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

// MinTimeOnPage converts the TOML millisecond field to a time.Duration.
func (c Config) MinTimeOnPage() time.Duration {
	return time.Duration(c.Crawler.MinTimeOnPageMS) * time.Millisecond
}

// UserAgentString renders the §4.6 step 6 User-Agent header value.
func (c Config) UserAgentString() string {
	return fmt.Sprintf("%s/%s (+%s; %s)", c.UserAgent.Name, c.UserAgent.Version, c.UserAgent.ContactURL, c.UserAgent.ContactEmail)
}

// Hash returns a stable digest of the configuration, persisted into
// Run.config_hash (§6). It re-encodes the validated File to TOML, whose
// field order is fixed by the struct definition, and hashes the bytes.
func (c Config) Hash() (string, error) {
	encoded, err := toml.Marshal(c.File)
	if err != nil {
		return "", fmt.Errorf("encode config for hashing: %w", err)
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:]), nil
}

// FlagOverrides carries CLI-flag-sourced values that take precedence over
// the TOML file and environment, mirroring viper's BindPFlags precedence.
type FlagOverrides struct {
	DatabasePath string
	SummaryPath  string
}

func configErr(msg string) failure.ClassifiedError {
	return failure.New(failure.KindConfig, failure.SeverityFatal, "", fmt.Errorf("%s", msg))
}

// Load reads the TOML file at path, merges environment and flag overrides
// through viper, and validates the result against §6's constraint table.
// An optional ".env" file in the working directory is loaded first (local
// development convenience), matching the teacher's cmd/ bootstrap.
func Load(path string, overrides FlagOverrides) (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	v.SetEnvPrefix("SUMI_RIPPLE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("%w", failure.New(failure.KindConfig, failure.SeverityFatal, path, err))
	}

	var file File
	if err := v.Unmarshal(&file); err != nil {
		return Config{}, fmt.Errorf("%w", failure.New(failure.KindConfig, failure.SeverityFatal, path, err))
	}

	if overrides.DatabasePath != "" {
		file.Output.DatabasePath = overrides.DatabasePath
	}
	if overrides.SummaryPath != "" {
		file.Output.SummaryPath = overrides.SummaryPath
	}

	cfg := Config{File: file}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// validate enforces every constraint in §6's configuration table.
func (c Config) validate() error {
	if c.Crawler.MaxDepth < 0 {
		return configErr("crawler.max_depth must be >= 0")
	}
	if c.Crawler.MaxConcurrentPagesOpen < 1 || c.Crawler.MaxConcurrentPagesOpen > 100 {
		return configErr("crawler.max_concurrent_pages_open must be in 1..=100")
	}
	if c.Crawler.MinTimeOnPageMS < 100 {
		return configErr("crawler.min_time_on_page_ms must be >= 100")
	}
	if c.Crawler.MaxDomainRequests < 1 {
		return configErr("crawler.max_domain_requests must be >= 1")
	}
	if !userAgentNamePattern.MatchString(c.UserAgent.Name) {
		return configErr("user_agent.name must be non-empty alphanumeric/hyphen")
	}
	if c.Output.DatabasePath == "" {
		return configErr("output.database_path is required")
	}
	if c.Output.SummaryPath == "" {
		return configErr("output.summary_path is required")
	}
	if len(c.Quality) == 0 {
		return configErr("at least one [[quality]] domain is required")
	}
	for i, q := range c.Quality {
		if q.Domain == "" {
			return configErr(fmt.Sprintf("quality[%d].domain must be non-empty", i))
		}
		if len(q.Seeds) == 0 {
			return configErr(fmt.Sprintf("quality[%d].seeds must be non-empty", i))
		}
		for _, seed := range q.Seeds {
			u, err := url.Parse(seed)
			if err != nil || u.Scheme != "https" || u.Host == "" {
				return configErr(fmt.Sprintf("quality[%d] seed %q must be an https URL", i, seed))
			}
		}
	}
	for i, b := range c.Blacklist {
		if b.Domain == "" {
			return configErr(fmt.Sprintf("blacklist[%d].domain must be non-empty", i))
		}
	}
	for i, s := range c.Stub {
		if s.Domain == "" {
			return configErr(fmt.Sprintf("stub[%d].domain must be non-empty", i))
		}
	}
	return nil
}
