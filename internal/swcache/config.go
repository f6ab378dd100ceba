package swcache

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port          int    `yaml:"port"`
		Origin        string `yaml:"origin"`
		Upstream      string `yaml:"upstream"`
		ControlPrefix string `yaml:"controlPrefix"`
		FetchTimeout  string `yaml:"fetchTimeout"`

		fetchTimeoutDur time.Duration
	} `yaml:"server"`

	Cache struct {
		Prefix      string `yaml:"prefix"`
		Version     string `yaml:"version"`
		OfflinePage string `yaml:"offlinePage"`
	} `yaml:"cache"`

	Storage struct {
		Path string `yaml:"path"`
		RAM  struct {
			Max string `yaml:"max"`
		} `yaml:"ram"`
		Disk struct {
			Max string `yaml:"max"`
		} `yaml:"disk"`

		ramMax  int64
		diskMax int64
	} `yaml:"storage"`

	Manifest struct {
		Entries   []string       `yaml:"entries"`
		Sequences []PageSequence `yaml:"sequences"`
	} `yaml:"manifest"`

	Allowlist        []string `yaml:"allowlist"`
	StaticExtensions []string `yaml:"staticExtensions"`

	Install struct {
		Policy      string `yaml:"policy"`
		SkipWaiting *bool  `yaml:"skipWaiting"`
		Concurrency int    `yaml:"concurrency"`
	} `yaml:"install"`

	Sync struct {
		PeriodicEvery string   `yaml:"periodicEvery"`
		Sitemaps      []string `yaml:"sitemaps"`

		periodicEveryDur time.Duration
	} `yaml:"sync"`

	Notifications NotificationConfig `yaml:"notifications"`

	Logging struct {
		Level      string `yaml:"level"`
		StatsEvery string `yaml:"statsEvery"`

		statsEveryDur time.Duration
	} `yaml:"logging"`
}

// PageSequence expands into Pattern formatted with every number in
// [From, To]. Comic pages are numbered this way.
type PageSequence struct {
	Pattern string `yaml:"pattern"`
	From    int    `yaml:"from"`
	To      int    `yaml:"to"`
}

type NotificationConfig struct {
	Title        string `yaml:"title"`
	Icon         string `yaml:"icon"`
	Badge        string `yaml:"badge"`
	Vibrate      []int  `yaml:"vibrate"`
	ExploreURL   string `yaml:"exploreURL"`
	ExploreTitle string `yaml:"exploreTitle"`
	CloseTitle   string `yaml:"closeTitle"`
}

const (
	InstallStrict   = "strict"
	InstallTolerant = "tolerant"
)

var defaultStaticExtensions = []string{
	".css", ".js",
	".jpg", ".jpeg", ".png", ".gif", ".webp", ".svg",
	".pdf",
	".woff2", ".woff", ".ttf",
	".html", ".json",
}

var defaultAllowlist = []string{
	"googleapis.com", "**.googleapis.com",
	"gstatic.com", "**.gstatic.com",
	"cdnjs.cloudflare.com",
}

// Settings is the immutable per-worker configuration every handler closes
// over. It is built once by LoadConfig.
type Settings struct {
	Origin           *url.URL
	Upstream         *url.URL
	Prefix           string
	Version          string
	StaticCacheName  string
	DynamicCacheName string
	OfflinePage      string
	Manifest         []string
	AllowlistHosts   []string
	StaticExtensions []string
	InstallPolicy    string
	SkipWaiting      bool
	Concurrency      int
	Notifications    NotificationConfig
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) normalize() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Upstream == "" {
		return fmt.Errorf("server.upstream is required")
	}
	cfg.Server.Upstream = strings.TrimRight(cfg.Server.Upstream, "/")
	if cfg.Server.Origin == "" {
		cfg.Server.Origin = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	for name, raw := range map[string]string{"server.origin": cfg.Server.Origin, "server.upstream": cfg.Server.Upstream} {
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if !u.IsAbs() || u.Host == "" {
			return fmt.Errorf("%s: %q is not an absolute url", name, raw)
		}
	}
	if cfg.Server.ControlPrefix == "" {
		cfg.Server.ControlPrefix = "/__sw"
	}
	if !strings.HasPrefix(cfg.Server.ControlPrefix, "/") {
		return fmt.Errorf("server.controlPrefix: %q must start with /", cfg.Server.ControlPrefix)
	}
	cfg.Server.ControlPrefix = strings.TrimRight(cfg.Server.ControlPrefix, "/")
	cfg.Server.fetchTimeoutDur = 30 * time.Second
	if cfg.Server.FetchTimeout != "" {
		d, err := time.ParseDuration(cfg.Server.FetchTimeout)
		if err != nil {
			return fmt.Errorf("server.fetchTimeout: %w", err)
		}
		cfg.Server.fetchTimeoutDur = d
	}

	if cfg.Cache.Prefix == "" {
		return fmt.Errorf("cache.prefix is required")
	}
	if strings.Contains(cfg.Cache.Prefix, "\x00") {
		return fmt.Errorf("cache.prefix: invalid character")
	}
	if !strings.HasPrefix(cfg.Cache.Version, "v") || len(cfg.Cache.Version) < 2 {
		return fmt.Errorf("cache.version: %q must look like v<semver>", cfg.Cache.Version)
	}

	if cfg.Storage.RAM.Max != "" {
		n, err := humanize.ParseBytes(cfg.Storage.RAM.Max)
		if err != nil {
			return fmt.Errorf("storage.ram.max: %w", err)
		}
		cfg.Storage.ramMax = int64(n)
	}
	if cfg.Storage.Disk.Max != "" {
		n, err := humanize.ParseBytes(cfg.Storage.Disk.Max)
		if err != nil {
			return fmt.Errorf("storage.disk.max: %w", err)
		}
		cfg.Storage.diskMax = int64(n)
	}

	for i, s := range cfg.Manifest.Sequences {
		if !strings.Contains(s.Pattern, "%d") {
			return fmt.Errorf("manifest.sequences[%d].pattern: missing %%d", i)
		}
		if s.To < s.From {
			return fmt.Errorf("manifest.sequences[%d]: to < from", i)
		}
	}

	if len(cfg.Allowlist) == 0 {
		cfg.Allowlist = defaultAllowlist
	}
	if _, err := compileAllowlist(cfg.Allowlist); err != nil {
		return fmt.Errorf("allowlist: %w", err)
	}
	if len(cfg.StaticExtensions) == 0 {
		cfg.StaticExtensions = defaultStaticExtensions
	}

	switch cfg.Install.Policy {
	case "":
		cfg.Install.Policy = InstallStrict
	case InstallStrict, InstallTolerant:
	default:
		return fmt.Errorf("install.policy: unknown policy %q", cfg.Install.Policy)
	}
	if cfg.Install.SkipWaiting == nil {
		t := true
		cfg.Install.SkipWaiting = &t
	}
	if cfg.Install.Concurrency <= 0 {
		cfg.Install.Concurrency = 8
	}

	if cfg.Sync.PeriodicEvery != "" {
		d, err := time.ParseDuration(cfg.Sync.PeriodicEvery)
		if err != nil {
			return fmt.Errorf("sync.periodicEvery: %w", err)
		}
		cfg.Sync.periodicEveryDur = d
	}
	if cfg.Logging.StatsEvery != "" {
		d, err := time.ParseDuration(cfg.Logging.StatsEvery)
		if err != nil {
			return fmt.Errorf("logging.statsEvery: %w", err)
		}
		cfg.Logging.statsEveryDur = d
	}

	n := &cfg.Notifications
	if n.Title == "" {
		n.Title = cfg.Cache.Prefix
	}
	if len(n.Vibrate) == 0 {
		n.Vibrate = []int{200, 100, 200}
	}
	if n.ExploreURL == "" {
		n.ExploreURL = "/?section=reader"
	}
	if n.ExploreTitle == "" {
		n.ExploreTitle = "Read now"
	}
	if n.CloseTitle == "" {
		n.CloseTitle = "Close"
	}
	return nil
}

// Settings derives the worker settings. The config must have gone through
// LoadConfig or ParseConfig.
func (cfg Config) Settings() Settings {
	origin, _ := url.Parse(cfg.Server.Origin)
	upstream, _ := url.Parse(cfg.Server.Upstream)
	return Settings{
		Origin:           origin,
		Upstream:         upstream,
		Prefix:           cfg.Cache.Prefix,
		Version:          cfg.Cache.Version,
		StaticCacheName:  cacheName(cfg.Cache.Prefix, "static", cfg.Cache.Version),
		DynamicCacheName: cacheName(cfg.Cache.Prefix, "dynamic", cfg.Cache.Version),
		OfflinePage:      cfg.Cache.OfflinePage,
		Manifest:         cfg.manifest(),
		AllowlistHosts:   append([]string(nil), cfg.Allowlist...),
		StaticExtensions: append([]string(nil), cfg.StaticExtensions...),
		InstallPolicy:    cfg.Install.Policy,
		SkipWaiting:      cfg.Install.SkipWaiting == nil || *cfg.Install.SkipWaiting,
		Concurrency:      cfg.Install.Concurrency,
		Notifications:    cfg.Notifications,
	}
}

// manifest returns the ordered static manifest: explicit entries first,
// then expanded sequences, without duplicates.
func (cfg Config) manifest() []string {
	seen := map[string]struct{}{}
	var out []string
	add := func(u string) {
		u = strings.TrimSpace(u)
		if u == "" {
			return
		}
		if _, ok := seen[u]; ok {
			return
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	for _, e := range cfg.Manifest.Entries {
		add(e)
	}
	for _, s := range cfg.Manifest.Sequences {
		for i := s.From; i <= s.To; i++ {
			add(fmt.Sprintf(s.Pattern, i))
		}
	}
	return out
}

func cacheName(prefix, kind, version string) string {
	return prefix + "-" + kind + "-" + version
}

func (cfg Config) FetchTimeout() time.Duration { return cfg.Server.fetchTimeoutDur }

func (cfg Config) StatsEvery() time.Duration { return cfg.Logging.statsEveryDur }

func (cfg Config) PeriodicSyncEvery() time.Duration { return cfg.Sync.periodicEveryDur }
