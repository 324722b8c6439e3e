// Package config loads eslctl TOML files onto the package defaults.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/shimaore/esl/internal/admin"
	"github.com/shimaore/esl/internal/client"
	"github.com/shimaore/esl/internal/logging"
	"github.com/shimaore/esl/internal/protocol/session"
	"github.com/shimaore/esl/internal/server"
)

var ErrInvalid = errors.New("config: invalid")

// Config is the resolved eslctl configuration.
type Config struct {
	Log     logging.Config
	Session session.Config
	Client  client.Config
	Server  server.Config
	Admin   admin.Config
	// RelayAPITimeout bounds api calls made through the websocket relay.
	RelayAPITimeout time.Duration
}

func Default() Config {
	sess := session.DefaultConfig()
	cl := client.DefaultConfig()
	cl.Session = sess
	srv := server.DefaultConfig()
	srv.Session = sess
	return Config{
		Log:             logging.DefaultConfig(logging.ProfileRuntime),
		Session:         sess,
		Client:          cl,
		Server:          srv,
		Admin:           admin.DefaultConfig(),
		RelayAPITimeout: 30 * time.Second,
	}
}

// fileConfig is the on-disk shape. Durations are Go duration strings.
type fileConfig struct {
	Log     logTable     `toml:"log"`
	Session sessionTable `toml:"session"`
	Client  clientTable  `toml:"client"`
	Server  serverTable  `toml:"server"`
	Admin   adminTable   `toml:"admin"`
}

type logTable struct {
	Level     string `toml:"level"`
	Timestamp bool   `toml:"timestamp"`
	NoColor   bool   `toml:"no_color"`
	JSON      bool   `toml:"json"`
}

type sessionTable struct {
	SendTimeout     string `toml:"send_timeout"`
	CommandTimeout  string `toml:"command_timeout"`
	EventTimeout    string `toml:"event_timeout"`
	WriteTimeout    string `toml:"write_timeout"`
	LingerDelay     string `toml:"linger_delay"`
	DisconnectDelay string `toml:"disconnect_delay"`
	ReadBufferSize  int    `toml:"read_buffer_size"`
	MaxHeaderBytes  int    `toml:"max_header_bytes"`
	MaxBodyBytes    int    `toml:"max_body_bytes"`
}

type clientTable struct {
	Address           string   `toml:"address"`
	Password          string   `toml:"password"`
	ConnectTimeout    string   `toml:"connect_timeout"`
	AuthTimeout       string   `toml:"auth_timeout"`
	Events            []string `toml:"events"`
	BackoffInitial    string   `toml:"backoff_initial"`
	BackoffMultiplier float64  `toml:"backoff_multiplier"`
	BackoffMax        string   `toml:"backoff_max"`
}

type serverTable struct {
	Listen         string `toml:"listen"`
	AllEvents      bool   `toml:"all_events"`
	MyEvents       bool   `toml:"my_events"`
	MaxConnections int    `toml:"max_connections"`
}

type adminTable struct {
	Enabled         bool     `toml:"enabled"`
	Addr            string   `toml:"addr"`
	ID              string   `toml:"id"`
	CorsOrigins     []string `toml:"cors_origins"`
	TrustedProxies  []string `toml:"trusted_proxies"`
	Token           string   `toml:"token"`
	RelayAPITimeout string   `toml:"relay_api_timeout"`
}

// Load decodes path over Default and validates the result. Keys absent
// from the file keep their defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return Config{}, fmt.Errorf("%w: unknown keys in %s: %s", ErrInvalid, path, strings.Join(keys, ", "))
	}

	o := overlay{meta: meta}
	o.logTable(&cfg.Log, raw.Log)
	o.sessionTable(&cfg.Session, raw.Session)
	o.clientTable(&cfg.Client, raw.Client)
	o.serverTable(&cfg.Server, raw.Server)
	o.adminTable(&cfg, raw.Admin)
	if o.err != nil {
		return Config{}, fmt.Errorf("config parse failed (%s): %w", path, o.err)
	}

	cfg.Client.Session = cfg.Session
	cfg.Server.Session = cfg.Session
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// overlay copies defined keys, keeping the first parse error.
type overlay struct {
	meta toml.MetaData
	err  error
}

func (o *overlay) defined(key ...string) bool {
	return o.meta.IsDefined(key...)
}

func (o *overlay) duration(dst *time.Duration, raw string, key ...string) {
	if !o.defined(key...) || o.err != nil {
		return
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		o.err = fmt.Errorf("parse %s: %w", strings.Join(key, "."), err)
		return
	}
	*dst = d
}

func (o *overlay) str(dst *string, raw string, key ...string) {
	if o.defined(key...) {
		*dst = strings.TrimSpace(raw)
	}
}

func (o *overlay) logTable(dst *logging.Config, raw logTable) {
	if o.defined("log", "level") {
		lvl, ok := logging.ParseLevel(raw.Level)
		if !ok && o.err == nil {
			o.err = fmt.Errorf("parse log.level: unknown level %q", raw.Level)
		}
		dst.Level = lvl
	}
	if o.defined("log", "timestamp") {
		dst.Timestamp = raw.Timestamp
	}
	if o.defined("log", "no_color") {
		dst.NoColor = raw.NoColor
	}
	if o.defined("log", "json") {
		dst.Bypass = raw.JSON
	}
}

func (o *overlay) sessionTable(dst *session.Config, raw sessionTable) {
	o.duration(&dst.SendTimeout, raw.SendTimeout, "session", "send_timeout")
	o.duration(&dst.CommandTimeout, raw.CommandTimeout, "session", "command_timeout")
	o.duration(&dst.EventTimeout, raw.EventTimeout, "session", "event_timeout")
	o.duration(&dst.WriteTimeout, raw.WriteTimeout, "session", "write_timeout")
	o.duration(&dst.LingerDelay, raw.LingerDelay, "session", "linger_delay")
	o.duration(&dst.DisconnectDelay, raw.DisconnectDelay, "session", "disconnect_delay")
	if o.defined("session", "read_buffer_size") {
		dst.ReadBufferSize = raw.ReadBufferSize
	}
	if o.defined("session", "max_header_bytes") {
		dst.MaxHeaderBytes = raw.MaxHeaderBytes
	}
	if o.defined("session", "max_body_bytes") {
		dst.MaxBodyBytes = raw.MaxBodyBytes
	}
}

func (o *overlay) clientTable(dst *client.Config, raw clientTable) {
	o.str(&dst.Address, raw.Address, "client", "address")
	if o.defined("client", "password") {
		dst.Password = raw.Password
	}
	o.duration(&dst.ConnectTimeout, raw.ConnectTimeout, "client", "connect_timeout")
	o.duration(&dst.AuthTimeout, raw.AuthTimeout, "client", "auth_timeout")
	if o.defined("client", "events") {
		dst.Events = normalizeList(raw.Events)
	}
	o.duration(&dst.Backoff.InitialDelay, raw.BackoffInitial, "client", "backoff_initial")
	if o.defined("client", "backoff_multiplier") {
		dst.Backoff.Multiplier = raw.BackoffMultiplier
	}
	o.duration(&dst.Backoff.MaxDelay, raw.BackoffMax, "client", "backoff_max")
}

func (o *overlay) serverTable(dst *server.Config, raw serverTable) {
	o.str(&dst.ListenAddr, raw.Listen, "server", "listen")
	if o.defined("server", "all_events") {
		dst.AllEvents = raw.AllEvents
	}
	if o.defined("server", "my_events") {
		dst.MyEvents = raw.MyEvents
	}
	if o.defined("server", "max_connections") {
		dst.MaxConnections = raw.MaxConnections
	}
}

func (o *overlay) adminTable(cfg *Config, raw adminTable) {
	dst := &cfg.Admin
	if o.defined("admin", "enabled") {
		dst.Enabled = raw.Enabled
	}
	o.str(&dst.Addr, raw.Addr, "admin", "addr")
	o.str(&dst.ID, raw.ID, "admin", "id")
	if o.defined("admin", "cors_origins") {
		dst.CorsOrigins = normalizeList(raw.CorsOrigins)
	}
	if o.defined("admin", "trusted_proxies") {
		dst.TrustedProxies = normalizeList(raw.TrustedProxies)
	}
	o.str(&dst.Token, raw.Token, "admin", "token")
	o.duration(&cfg.RelayAPITimeout, raw.RelayAPITimeout, "admin", "relay_api_timeout")
}

// Validate rejects configurations the client, server or admin cannot run with.
func Validate(cfg Config) error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	positive := map[string]time.Duration{
		"session.send_timeout":     cfg.Session.SendTimeout,
		"session.command_timeout":  cfg.Session.CommandTimeout,
		"session.event_timeout":    cfg.Session.EventTimeout,
		"session.write_timeout":    cfg.Session.WriteTimeout,
		"session.linger_delay":     cfg.Session.LingerDelay,
		"session.disconnect_delay": cfg.Session.DisconnectDelay,
		"client.connect_timeout":   cfg.Client.ConnectTimeout,
		"client.auth_timeout":      cfg.Client.AuthTimeout,
		"client.backoff_initial":   cfg.Client.Backoff.InitialDelay,
		"client.backoff_max":       cfg.Client.Backoff.MaxDelay,
		"admin.relay_api_timeout":  cfg.RelayAPITimeout,
	}
	keys := make([]string, 0, len(positive))
	for key := range positive {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	for _, key := range keys {
		if positive[key] <= 0 {
			add("%s must be positive", key)
		}
	}
	if cfg.Session.ReadBufferSize <= 0 {
		add("session.read_buffer_size must be positive")
	}
	if cfg.Session.MaxHeaderBytes <= 0 || cfg.Session.MaxBodyBytes <= 0 {
		add("session.max_header_bytes and session.max_body_bytes must be positive")
	}
	if strings.TrimSpace(cfg.Client.Address) == "" {
		add("client.address is required")
	}
	if cfg.Client.Backoff.Multiplier < 1 {
		add("client.backoff_multiplier must be at least 1")
	}
	if cfg.Client.Backoff.MaxDelay < cfg.Client.Backoff.InitialDelay {
		add("client.backoff_max must not be below client.backoff_initial")
	}
	if strings.TrimSpace(cfg.Server.ListenAddr) == "" {
		add("server.listen is required")
	}
	if cfg.Server.MaxConnections < 0 {
		add("server.max_connections must not be negative")
	}
	if cfg.Admin.Enabled && strings.TrimSpace(cfg.Admin.Addr) == "" {
		add("admin.addr is required when admin is enabled")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
