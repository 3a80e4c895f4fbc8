package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/hexlink/internal/auth"
	"github.com/danmuck/hexlink/internal/link"
	"github.com/danmuck/hexlink/internal/peer"
	"github.com/danmuck/hexlink/internal/transport"
	"github.com/danmuck/hexlink/internal/transport/wsconn"
)

// hexlinkctl config.toml key mapping to link, transport and peer settings.
type fileConfig struct {
	Name              string  `toml:"name"`
	URL               string  `toml:"url"`
	TextFrames        bool    `toml:"text_frames"`
	AttemptTimeout    string  `toml:"attempt_timeout"`
	MaxAttempts       int     `toml:"max_attempts"`
	RetryDelay        string  `toml:"retry_delay"`
	BackoffInitial    string  `toml:"backoff_initial"`
	BackoffMax        string  `toml:"backoff_max"`
	BackoffMultiplier float64 `toml:"backoff_multiplier"`
	BackoffJitter     bool    `toml:"backoff_jitter"`
	LogCapacity       int     `toml:"log_capacity"`
	KeyOffset         int     `toml:"key_offset"`
	KeyLen            int     `toml:"key_len"`
	HandshakeTimeout  string  `toml:"handshake_timeout"`
	WriteTimeout      string  `toml:"write_timeout"`
	ReadLimit         int64   `toml:"read_limit"`
	Token             string  `toml:"token"`

	TLS  tlsFileConfig  `toml:"tls"`
	Peer peerFileConfig `toml:"peer"`
}

type tlsFileConfig struct {
	Enabled            bool   `toml:"enabled"`
	Mutual             bool   `toml:"mutual"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	CAFile             string `toml:"ca_file"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

type peerFileConfig struct {
	Name         string           `toml:"name"`
	Addr         string           `toml:"addr"`
	ReadTimeout  string           `toml:"read_timeout"`
	WriteTimeout string           `toml:"write_timeout"`
	Token        string           `toml:"token"`
	Unsolicited  []string         `toml:"unsolicited"`
	Rules        []ruleFileConfig `toml:"rules"`
	TLS          tlsFileConfig    `toml:"tls"`
}

type ruleFileConfig struct {
	Request   string   `toml:"request"`
	Key       string   `toml:"key"`
	Respond   []string `toml:"respond"`
	Echo      bool     `toml:"echo"`
	Delay     string   `toml:"delay"`
	DropFirst int      `toml:"drop_first"`
}

// appConfig is the resolved runtime configuration for every subcommand.
type appConfig struct {
	URL         string
	Link        link.Config
	Dial        wsconn.Options
	Peer        peer.Config
	Rules       []peer.Rule
	Unsolicited []string
}

func defaultAppConfig() appConfig {
	return appConfig{
		URL:  "ws://127.0.0.1:9400/ws",
		Link: link.DefaultConfig(),
		Dial: wsconn.DefaultOptions(),
		Peer: peer.DefaultConfig(),
	}
}

// loadAppConfig overlays path onto the defaults. An empty path keeps them.
func loadAppConfig(path string) (appConfig, error) {
	cfg := defaultAppConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return appConfig{}, fmt.Errorf("load hexlinkctl config: %w", err)
	}

	if meta.IsDefined("name") {
		cfg.Link.Name = strings.TrimSpace(raw.Name)
	}
	if meta.IsDefined("url") {
		cfg.URL = strings.TrimSpace(raw.URL)
	}
	if meta.IsDefined("text_frames") {
		cfg.Dial.TextFrames = raw.TextFrames
	}
	if meta.IsDefined("max_attempts") {
		cfg.Link.Session.MaxAttempts = raw.MaxAttempts
	}
	if meta.IsDefined("log_capacity") {
		cfg.Link.Session.LogCapacity = raw.LogCapacity
	}
	if meta.IsDefined("key_offset") {
		cfg.Link.Session.Key.Offset = raw.KeyOffset
	}
	if meta.IsDefined("key_len") {
		cfg.Link.Session.Key.Len = raw.KeyLen
	}
	if meta.IsDefined("read_limit") {
		cfg.Dial.ReadLimit = raw.ReadLimit
	}
	if meta.IsDefined("token") {
		cfg.Dial.Header = auth.Header(strings.TrimSpace(raw.Token))
	}
	if meta.IsDefined("backoff_multiplier") {
		cfg.Link.Session.Backoff.Multiplier = raw.BackoffMultiplier
	}
	if meta.IsDefined("backoff_jitter") {
		cfg.Link.Session.Backoff.Jitter = raw.BackoffJitter
	}

	durations := []struct {
		key string
		val string
		dst *time.Duration
	}{
		{"attempt_timeout", raw.AttemptTimeout, &cfg.Link.Session.AttemptTimeout},
		{"retry_delay", raw.RetryDelay, &cfg.Link.Session.RetryDelay},
		{"backoff_initial", raw.BackoffInitial, &cfg.Link.Session.Backoff.InitialDelay},
		{"backoff_max", raw.BackoffMax, &cfg.Link.Session.Backoff.MaxDelay},
		{"handshake_timeout", raw.HandshakeTimeout, &cfg.Dial.HandshakeTimeout},
		{"write_timeout", raw.WriteTimeout, &cfg.Dial.WriteTimeout},
		{"peer.read_timeout", raw.Peer.ReadTimeout, &cfg.Peer.ReadTimeout},
		{"peer.write_timeout", raw.Peer.WriteTimeout, &cfg.Peer.WriteTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(strings.Split(d.key, ".")...) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.val))
		if err != nil {
			return appConfig{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}

	if meta.IsDefined("tls") {
		cfg.Dial.TLS = raw.TLS.toTransport()
	}
	if meta.IsDefined("peer", "name") {
		cfg.Peer.Name = strings.TrimSpace(raw.Peer.Name)
	}
	if meta.IsDefined("peer", "addr") {
		cfg.Peer.Addr = strings.TrimSpace(raw.Peer.Addr)
	}
	if meta.IsDefined("peer", "token") {
		cfg.Peer.Token = strings.TrimSpace(raw.Peer.Token)
	}
	if meta.IsDefined("peer", "tls") {
		cfg.Peer.TLS = raw.Peer.TLS.toTransport()
	}
	if meta.IsDefined("peer", "unsolicited") {
		cfg.Unsolicited = normalizeFrames(raw.Peer.Unsolicited)
	}
	for i, r := range raw.Peer.Rules {
		rule := peer.Rule{
			Request:   strings.TrimSpace(r.Request),
			Key:       strings.TrimSpace(r.Key),
			Respond:   normalizeFrames(r.Respond),
			Echo:      r.Echo,
			DropFirst: r.DropFirst,
		}
		if strings.TrimSpace(r.Delay) != "" {
			d, err := time.ParseDuration(strings.TrimSpace(r.Delay))
			if err != nil {
				return appConfig{}, fmt.Errorf("parse peer.rules[%d].delay: %w", i, err)
			}
			rule.Delay = d
		}
		cfg.Rules = append(cfg.Rules, rule)
	}

	if err := cfg.Link.Session.Policy().Validate(); err != nil {
		return appConfig{}, err
	}
	if err := cfg.Link.Session.Key.Validate(); err != nil {
		return appConfig{}, fmt.Errorf("key_offset/key_len: %w", err)
	}
	if err := cfg.Dial.TLS.ValidateClient(); err != nil {
		return appConfig{}, fmt.Errorf("tls: %w", err)
	}
	if err := cfg.Peer.TLS.ValidateServer(); err != nil {
		return appConfig{}, fmt.Errorf("peer.tls: %w", err)
	}
	return cfg, nil
}

func (c tlsFileConfig) toTransport() transport.TLSConfig {
	return transport.TLSConfig{
		Enabled:            c.Enabled,
		Mutual:             c.Mutual,
		CertFile:           strings.TrimSpace(c.CertFile),
		KeyFile:            strings.TrimSpace(c.KeyFile),
		CAFile:             strings.TrimSpace(c.CAFile),
		ServerName:         strings.TrimSpace(c.ServerName),
		InsecureSkipVerify: c.InsecureSkipVerify,
	}
}

func normalizeFrames(in []string) []string {
	out := make([]string, 0, len(in))
	for _, f := range in {
		v := strings.TrimSpace(f)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
