// Package `config` loads and validates the `worldbakd` YAML config.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/worldbak/worldbak/backend/internal/registry"
	yaml "gopkg.in/yaml.v2"
)

// `OnTimeout` selects the quiesce timeout policy; see package `quiesce`.
const (
	OnTimeoutFail     = "fail"
	OnTimeoutDegraded = "degraded"
)

type Config struct {
	OriginDir       string `yaml:"originDir"`
	ArchiveStoreDir string `yaml:"archiveStoreDir"`
	StagingDir      string `yaml:"stagingDir"`

	Rcon      RconConfig      `yaml:"rcon"`
	Quiesce   QuiesceConfig   `yaml:"quiesce"`
	Retention RetentionConfig `yaml:"retention"`
	Schedule  []ScheduleEntry `yaml:"schedule"`
	Remote    *RemoteConfig   `yaml:"remote"`

	// `startCommand` restarts the writer process after a restore.
	StartCommand []string `yaml:"startCommand"`
}

type RconConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	// `passwordFile` takes precedence over the inline password.
	PasswordFile string `yaml:"passwordFile"`
}

type QuiesceConfig struct {
	Timeout string `yaml:"timeout"`
	// `onTimeout` is `fail` or `degraded`; default `fail`.
	OnTimeout string `yaml:"onTimeout"`
}

type RetentionConfig struct {
	Daily   int `yaml:"daily"`
	Weekly  int `yaml:"weekly"`
	Monthly int `yaml:"monthly"`
	// `localOnlyPrune` allows pruning archives that have not been
	// uploaded even though a remote is configured.
	LocalOnlyPrune bool `yaml:"localOnlyPrune"`
	DeleteRemote   bool `yaml:"deleteRemote"`
}

type ScheduleEntry struct {
	Every    string `yaml:"every"`
	Tier     string `yaml:"tier"`
	Disabled bool   `yaml:"disabled"`
}

type RemoteConfig struct {
	// `driver` is `gcs` or `localdir`.
	Driver string `yaml:"driver"`

	// gcs driver.
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	CredentialsFile string `yaml:"credentialsFile"`

	// localdir driver.
	Dir string `yaml:"dir"`

	Workers     int    `yaml:"workers"`
	PartSizeMiB int    `yaml:"partSizeMiB"`
	MaxAttempts int    `yaml:"maxAttempts"`
	BaseDelay   string `yaml:"baseDelay"`
	MaxDelay    string `yaml:"maxDelay"`

	RequestsPerSecond float64 `yaml:"requestsPerSecond"`
	// `bandwidthLimit` is bytes per second, with optional `k`, `m`, `g`
	// suffix.
	BandwidthLimit string `yaml:"bandwidthLimit"`
}

func Load(path string) (*Config, error) {
	dat, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(dat, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse `%s`: %v", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config `%s`: %v", path, err)
	}
	if cfg.Rcon.PasswordFile != "" {
		pw, err := os.ReadFile(cfg.Rcon.PasswordFile)
		if err != nil {
			return nil, err
		}
		cfg.Rcon.Password = strings.TrimSpace(string(pw))
	}
	return &cfg, nil
}

func (cfg *Config) validate() error {
	for _, d := range []struct{ name, path string }{
		{"originDir", cfg.OriginDir},
		{"archiveStoreDir", cfg.ArchiveStoreDir},
		{"stagingDir", cfg.StagingDir},
	} {
		if d.path == "" {
			return fmt.Errorf("missing `%s`", d.name)
		}
		if !filepath.IsAbs(d.path) {
			return fmt.Errorf(
				"`%s` must be an absolute path", d.name,
			)
		}
	}

	if cfg.Rcon.Addr == "" {
		return errors.New("missing `rcon.addr`")
	}
	if cfg.Rcon.Password == "" && cfg.Rcon.PasswordFile == "" {
		return errors.New(
			"missing `rcon.password` or `rcon.passwordFile`",
		)
	}

	switch cfg.Quiesce.OnTimeout {
	case "", OnTimeoutFail, OnTimeoutDegraded:
	default:
		return fmt.Errorf(
			"invalid `quiesce.onTimeout` `%s`",
			cfg.Quiesce.OnTimeout,
		)
	}
	if cfg.Quiesce.Timeout != "" {
		if _, err := ParseInterval(cfg.Quiesce.Timeout); err != nil {
			return fmt.Errorf("invalid `quiesce.timeout`: %v", err)
		}
	}

	if cfg.Retention.Daily < 0 || cfg.Retention.Weekly < 0 ||
		cfg.Retention.Monthly < 0 {
		return errors.New("retention counts must not be negative")
	}

	for i, e := range cfg.Schedule {
		if _, err := ParseInterval(e.Every); err != nil {
			return fmt.Errorf(
				"invalid `schedule[%d].every`: %v", i, err,
			)
		}
		if _, err := ParseTier(e.Tier); err != nil {
			return fmt.Errorf(
				"invalid `schedule[%d].tier`: %v", i, err,
			)
		}
	}

	if r := cfg.Remote; r != nil {
		switch r.Driver {
		case "gcs":
			if r.Bucket == "" {
				return errors.New("missing `remote.bucket`")
			}
		case "localdir":
			if r.Dir == "" {
				return errors.New("missing `remote.dir`")
			}
			if !filepath.IsAbs(r.Dir) {
				return errors.New(
					"`remote.dir` must be an absolute path",
				)
			}
		default:
			return fmt.Errorf(
				"invalid `remote.driver` `%s`", r.Driver,
			)
		}
		for _, d := range []struct{ name, val string }{
			{"remote.baseDelay", r.BaseDelay},
			{"remote.maxDelay", r.MaxDelay},
		} {
			if d.val == "" {
				continue
			}
			if _, err := time.ParseDuration(d.val); err != nil {
				return fmt.Errorf(
					"invalid `%s`: %v", d.name, err,
				)
			}
		}
		if r.BandwidthLimit != "" {
			if _, err := ParseByteRate(r.BandwidthLimit); err != nil {
				return fmt.Errorf(
					"invalid `remote.bandwidthLimit`: %v",
					err,
				)
			}
		}
	}

	return nil
}

func ParseTier(s string) (registry.Tier, error) {
	switch s {
	case "daily":
		return registry.TierDaily, nil
	case "weekly":
		return registry.TierWeekly, nil
	case "monthly":
		return registry.TierMonthly, nil
	case "manual":
		return registry.TierManual, nil
	default:
		return "", fmt.Errorf("unknown tier `%s`", s)
	}
}

var intervalRgxs = map[time.Duration]*regexp.Regexp{
	time.Second:    regexp.MustCompile(`^([0-9]+)\s*(s|seconds?)$`),
	time.Minute:    regexp.MustCompile(`^([0-9]+)\s*(m|minutes?)$`),
	time.Hour:      regexp.MustCompile(`^([0-9]+)\s*(h|hours?)$`),
	24 * time.Hour: regexp.MustCompile(`^([0-9]+)\s*(d|days?)$`),
}

// `ParseInterval()` parses human-readable intervals like `90 seconds`, `15
// minutes`, `6 hours`, or `1 day`.
func ParseInterval(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	for unit, rgx := range intervalRgxs {
		m := rgx.FindStringSubmatch(s)
		if m != nil {
			v, err := strconv.Atoi(m[1])
			if err != nil {
				break
			}
			return time.Duration(v) * unit, nil
		}
	}
	return 0, fmt.Errorf("failed to parse interval `%s`", s)
}

var byteRateRgx = regexp.MustCompile(`^([0-9]+)\s*([kmg]?)$`)

// `ParseByteRate()` parses bytes per second with an optional binary suffix,
// like `500k` or `10m`.
func ParseByteRate(s string) (int64, error) {
	m := byteRateRgx.FindStringSubmatch(strings.ToLower(strings.TrimSpace(s)))
	if m == nil {
		return 0, fmt.Errorf("failed to parse byte rate `%s`", s)
	}
	v, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse byte rate `%s`", s)
	}
	switch m[2] {
	case "k":
		v *= 1 << 10
	case "m":
		v *= 1 << 20
	case "g":
		v *= 1 << 30
	}
	return v, nil
}
