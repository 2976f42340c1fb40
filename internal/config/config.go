// Package config はゲートウェイの設定を読み込む.
//
// 優先順位は フラグ > 環境変数 > 設定ファイル > 既定値. 読み込みは起動時に一度だけ行い、
// 以降は不変の Config として扱う.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/Xerox-Pro/Xeroxproxy-ver2.0notpw/internal/domain"
)

// Config はゲートウェイ全体の設定
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Gate      GateConfig      `mapstructure:"gate"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Handshake HandshakeConfig `mapstructure:"handshake"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Static    StaticConfig    `mapstructure:"static"`
	Tunnel    TunnelConfig    `mapstructure:"tunnel"`
	Log       LogConfig       `mapstructure:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// ServerConfig は公開サーバーの設定
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AdminConfig はメトリクス用サーバーの設定. Port が 0 の場合は起動しない.
type AdminConfig struct {
	Port int `mapstructure:"port"`
}

// GateConfig はアクセスゲートの設定
type GateConfig struct {
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	OriginsFile     string   `mapstructure:"origins_file"`
	SecretToken     string   `mapstructure:"secret_token"`
	SelfHost        string   `mapstructure:"self_host"`
	AllowSameOrigin bool     `mapstructure:"allow_same_origin"`
	ExemptRoutes    bool     `mapstructure:"exempt_routes"`
}

// AuthConfig はBasic認証の設定. Users は "ユーザー名:パスワード" の一覧で、空の場合は無効.
type AuthConfig struct {
	Users []string `mapstructure:"users"`
	Realm string   `mapstructure:"realm"`
}

// Credentials はユーザー名とパスワードの対応を返す
func (a AuthConfig) Credentials() map[string]string {
	creds := make(map[string]string, len(a.Users))
	for _, u := range splitList(a.Users) {
		name, password, ok := strings.Cut(u, ":")
		if !ok || name == "" {
			continue
		}
		creds[name] = password
	}
	return creds
}

// HandshakeConfig はハンドシェイクページの設定
type HandshakeConfig struct {
	Token        string        `mapstructure:"token"`
	ParentOrigin string        `mapstructure:"parent_origin"`
	Path         string        `mapstructure:"path"`
	Timeout      time.Duration `mapstructure:"timeout"`
	ContentFile  string        `mapstructure:"content_file"`
}

// CacheConfig はアセットキャッシュの設定
type CacheConfig struct {
	Prefix       string            `mapstructure:"prefix"`
	TTL          time.Duration     `mapstructure:"ttl"`
	FetchTimeout time.Duration     `mapstructure:"fetch_timeout"`
	SingleFlight bool              `mapstructure:"single_flight"`
	Upstreams    []domain.Upstream `mapstructure:"upstreams"`
}

// StaticConfig は静的ファイルの設定
type StaticConfig struct {
	Root         string         `mapstructure:"root"`
	Extension    string         `mapstructure:"extension"`
	FallbackFile string         `mapstructure:"fallback_file"`
	Routes       []domain.Route `mapstructure:"routes"`
}

// TunnelConfig はトンネル転送の設定. Backend が空の場合は無効.
type TunnelConfig struct {
	Prefix      string        `mapstructure:"prefix"`
	Backend     string        `mapstructure:"backend"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	MaxLifetime time.Duration `mapstructure:"max_lifetime"`
}

// LogConfig はログ出力の設定
type LogConfig struct {
	Level string `mapstructure:"level"`
	Dir   string `mapstructure:"dir"`
	File  string `mapstructure:"file"`
}

// MetricsConfig はメトリクス保存の設定
type MetricsConfig struct {
	File         string        `mapstructure:"file"`
	SaveInterval time.Duration `mapstructure:"save_interval"`
}

// DefaultUpstreams は /e/ 配下の既定の取得元
var DefaultUpstreams = []domain.Upstream{
	{Prefix: "/e/1/", BaseURL: "https://raw.githubusercontent.com/qrs/x/fixy/"},
	{Prefix: "/e/2/", BaseURL: "https://raw.githubusercontent.com/3v1/V5-Assets/main/"},
	{Prefix: "/e/3/", BaseURL: "https://raw.githubusercontent.com/3v1/V5-Retro/master/"},
}

// DefaultRoutes は短縮パスの既定の対応表
var DefaultRoutes = []domain.Route{
	{Path: "/b", File: "apps.html"},
	{Path: "/a", File: "games.html"},
	{Path: "/play.html", File: "games.html"},
	{Path: "/c", File: "settings.html"},
	{Path: "/d", File: "tabs.html"},
	{Path: "/", File: "index.html"},
}

// 既存デプロイで使われている環境変数名
var envBindings = map[string][]string{
	"server.port":             {"PORT"},
	"gate.allowed_origins":    {"ALLOWED_ORIGINS", "ALLOWED_PARENTS", "ALLOWED_ORIGIN"},
	"gate.secret_token":       {"SECRET_QUERY_TOKEN"},
	"gate.self_host":          {"SELF_HOST"},
	"auth.users":              {"AUTH_USERS"},
	"handshake.token":         {"HANDSHAKE_TOKEN"},
	"handshake.parent_origin": {"HANDSHAKE_PARENT_ORIGIN"},
	"tunnel.backend":          {"BARE_BACKEND"},
	"log.level":               {"LOG_LEVEL"},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("admin.port", 8081)
	v.SetDefault("gate.allowed_origins", []string{})
	v.SetDefault("gate.allow_same_origin", true)
	v.SetDefault("gate.exempt_routes", false)
	v.SetDefault("auth.users", []string{})
	v.SetDefault("auth.realm", "Authorization Required")
	v.SetDefault("handshake.path", "/api/check")
	v.SetDefault("handshake.timeout", 3*time.Second)
	v.SetDefault("cache.prefix", "/e/")
	v.SetDefault("cache.ttl", 30*24*time.Hour)
	v.SetDefault("cache.fetch_timeout", 30*time.Second)
	v.SetDefault("cache.single_flight", false)
	v.SetDefault("static.root", "static")
	v.SetDefault("static.extension", ".html")
	v.SetDefault("static.fallback_file", "404.html")
	v.SetDefault("tunnel.prefix", "/ca/")
	v.SetDefault("tunnel.dial_timeout", 10*time.Second)
	v.SetDefault("tunnel.max_lifetime", 24*time.Hour)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.dir", "./logs")
	v.SetDefault("log.file", "gateway.log")
	v.SetDefault("metrics.file", "./logs/metrics.json")
	v.SetDefault("metrics.save_interval", time.Minute)
}

// Flags はコマンドラインフラグを定義する
func Flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("gateway", pflag.ContinueOnError)
	fs.String("config", "", "Path to a config file")
	fs.Int("port", 8080, "Gateway listening port")
	fs.Int("admin-port", 8081, "Admin (metrics) server port, 0 to disable")
	fs.String("static-root", "static", "Static file root")
	fs.String("log-dir", "./logs", "Log directory")
	fs.String("log-level", "info", "Log level")
	return fs
}

var flagKeys = map[string]string{
	"port":        "server.port",
	"admin-port":  "admin.port",
	"static-root": "static.root",
	"log-dir":     "log.dir",
	"log-level":   "log.level",
}

// Load は設定を読み込んで検証する. fs が nil の場合はフラグを使わない.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, envs := range envBindings {
		args := append([]string{key}, envs...)
		if err := v.BindEnv(args...); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	configFile := ""
	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil && f.Changed {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
		if f := fs.Lookup("config"); f != nil {
			configFile = f.Value.String()
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.Gate.AllowedOrigins = splitList(v.GetStringSlice("gate.allowed_origins"))
	cfg.Auth.Users = splitList(v.GetStringSlice("auth.users"))
	if len(cfg.Cache.Upstreams) == 0 {
		cfg.Cache.Upstreams = append([]domain.Upstream(nil), DefaultUpstreams...)
	}
	if len(cfg.Static.Routes) == 0 {
		cfg.Static.Routes = append([]domain.Route(nil), DefaultRoutes...)
	}
	if cfg.Handshake.ParentOrigin == "" {
		cfg.Handshake.ParentOrigin = firstOrigin(cfg.Gate.AllowedOrigins)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate は設定値を検証する
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port: invalid port %d", c.Server.Port))
	}
	if c.Admin.Port < 0 || c.Admin.Port > 65535 {
		errs = append(errs, fmt.Errorf("admin.port: invalid port %d", c.Admin.Port))
	}
	if c.Admin.Port != 0 && c.Admin.Port == c.Server.Port {
		errs = append(errs, errors.New("admin.port: must differ from server.port"))
	}
	if c.Cache.TTL <= 0 {
		errs = append(errs, errors.New("cache.ttl: must be positive"))
	}
	if c.Cache.FetchTimeout <= 0 {
		errs = append(errs, errors.New("cache.fetch_timeout: must be positive"))
	}
	if c.Handshake.Timeout <= 0 {
		errs = append(errs, errors.New("handshake.timeout: must be positive"))
	}
	if !strings.HasPrefix(c.Tunnel.Prefix, "/") {
		errs = append(errs, fmt.Errorf("tunnel.prefix: %q must start with /", c.Tunnel.Prefix))
	}
	if !strings.HasPrefix(c.Cache.Prefix, "/") {
		errs = append(errs, fmt.Errorf("cache.prefix: %q must start with /", c.Cache.Prefix))
	}
	for i, u := range c.Cache.Upstreams {
		if !strings.HasPrefix(u.Prefix, c.Cache.Prefix) {
			errs = append(errs, fmt.Errorf("cache.upstreams[%d]: prefix %q outside %q", i, u.Prefix, c.Cache.Prefix))
		}
		if parsed, err := url.Parse(u.BaseURL); err != nil || parsed.Scheme == "" || parsed.Host == "" {
			errs = append(errs, fmt.Errorf("cache.upstreams[%d]: invalid base_url %q", i, u.BaseURL))
		}
	}
	for i, u := range c.Auth.Users {
		if name, _, ok := strings.Cut(strings.TrimSpace(u), ":"); !ok || name == "" {
			errs = append(errs, fmt.Errorf("auth.users[%d]: expected user:password", i))
		}
	}
	for i, r := range c.Static.Routes {
		if !strings.HasPrefix(r.Path, "/") || r.File == "" {
			errs = append(errs, fmt.Errorf("static.routes[%d]: invalid route %q -> %q", i, r.Path, r.File))
		}
	}
	if c.Tunnel.Backend != "" {
		if parsed, err := url.Parse(c.Tunnel.Backend); err != nil || parsed.Host == "" {
			errs = append(errs, fmt.Errorf("tunnel.backend: invalid url %q", c.Tunnel.Backend))
		}
	}
	if c.Handshake.ParentOrigin != "" {
		if parsed, err := url.Parse(c.Handshake.ParentOrigin); err != nil || parsed.Scheme == "" || parsed.Host == "" {
			errs = append(errs, fmt.Errorf("handshake.parent_origin: %q is not an origin", c.Handshake.ParentOrigin))
		}
	}

	return errors.Join(errs...)
}

// AccessPolicy はゲート用のポリシーを組み立てる
func (c *Config) AccessPolicy() domain.AccessPolicy {
	return domain.AccessPolicy{
		AllowedOrigins:  append([]string(nil), c.Gate.AllowedOrigins...),
		SecretToken:     c.Gate.SecretToken,
		HandshakeToken:  c.Handshake.Token,
		SelfHost:        c.Gate.SelfHost,
		AllowSameOrigin: c.Gate.AllowSameOrigin,
		ExemptRoutes:    c.Gate.ExemptRoutes,
	}
}

// splitList はカンマ区切りの値を含む一覧を平坦化する
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// firstOrigin はスキーム付きの最初の許可オリジンを返す
func firstOrigin(origins []string) string {
	for _, o := range origins {
		if u, err := url.Parse(o); err == nil && u.Scheme != "" && u.Host != "" {
			return u.Scheme + "://" + u.Host
		}
	}
	return ""
}
