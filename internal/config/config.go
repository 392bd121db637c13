// Package config holds the agent settings file and the live Store that the
// rest of the agent reads them through.
package config

import (
	"strings"
	"time"

	"github.com/mappaturasmd/mappatura/internal/backend"
	"github.com/mappaturasmd/mappatura/internal/collector"
	"github.com/mappaturasmd/mappatura/internal/delivery"
	"github.com/mappaturasmd/mappatura/internal/scheduler"
)

const (
	DefaultFileName        = "mappaturasmd.json"
	DefaultEndpointURL     = "https://mappatura-smd-8dad3f3c.base44.com"
	DefaultIndexFile       = "mappaturasmd_cache.json"
	DefaultLastAuthMessage = "Non verificato"

	defaultTickInterval      = 1
	defaultCommandCooldownMs = 600
	defaultParserTimeoutMs   = 5000
	minParserTimeoutMs       = 1000
	defaultNotifyCooldownMs  = 30000
	defaultLogLevel          = "info"
	defaultLogFormat         = "json"
)

// AppConfig is the on-disk settings document. Keys keep the names used by
// existing installations.
type AppConfig struct {
	EndpointURL      string `json:"endpointUrl" yaml:"endpointUrl"`
	IngestKey        string `json:"ingestKey" yaml:"ingestKey"`
	BearerToken      string `json:"bearerToken" yaml:"bearerToken"`
	SessionCode      string `json:"sessionCode" yaml:"sessionCode"`
	AutoStart        bool   `json:"autoStart" yaml:"autoStart"`
	PlotInfoCommand  string `json:"plotInfoCommand" yaml:"plotInfoCommand"`
	TickInterval     int    `json:"tickInterval" yaml:"tickInterval"`
	CommandCooldown  int64  `json:"commandCooldownMs" yaml:"commandCooldownMs"`
	ParserTimeout    int64  `json:"parserTimeoutMs" yaml:"parserTimeoutMs"`
	DimensionDefault string `json:"dimensionDefault" yaml:"dimensionDefault"`
	Authorized       bool   `json:"authorized" yaml:"authorized"`
	LastAuthMessage  string `json:"lastAuthMessage" yaml:"lastAuthMessage"`

	ProbeMaxAttempts  int    `json:"probeMaxAttempts" yaml:"probeMaxAttempts"`
	SubmitWorkers     int    `json:"submitWorkers" yaml:"submitWorkers"`
	SubmitMaxAttempts int    `json:"submitMaxAttempts" yaml:"submitMaxAttempts"`
	SubmitBaseDelayMs int64  `json:"submitBaseDelayMs" yaml:"submitBaseDelayMs"`
	SubmitMaxDelayMs  int64  `json:"submitMaxDelayMs" yaml:"submitMaxDelayMs"`
	SuspendDelayMs    int64  `json:"suspendDelayMs" yaml:"suspendDelayMs"`
	NotifyCooldownMs  int64  `json:"notifyCooldownMs" yaml:"notifyCooldownMs"`
	PendingStoreDSN   string `json:"pendingStoreDsn" yaml:"pendingStoreDsn"`
	IndexFile         string `json:"indexFile" yaml:"indexFile"`
	LogLevel          string `json:"logLevel" yaml:"logLevel"`
	LogFormat         string `json:"logFormat" yaml:"logFormat"`
}

func Defaults() AppConfig {
	return AppConfig{
		EndpointURL:       DefaultEndpointURL,
		PlotInfoCommand:   scheduler.DefaultCommand,
		TickInterval:      defaultTickInterval,
		CommandCooldown:   defaultCommandCooldownMs,
		ParserTimeout:     defaultParserTimeoutMs,
		DimensionDefault:  collector.DefaultDimension,
		LastAuthMessage:   DefaultLastAuthMessage,
		ProbeMaxAttempts:  scheduler.DefaultMaxAttempts,
		SubmitWorkers:     delivery.DefaultWorkers,
		SubmitMaxAttempts: delivery.DefaultMaxAttempts,
		SubmitBaseDelayMs: delivery.DefaultBaseDelay.Milliseconds(),
		SubmitMaxDelayMs:  delivery.DefaultMaxDelay.Milliseconds(),
		SuspendDelayMs:    delivery.DefaultSuspendDelay.Milliseconds(),
		NotifyCooldownMs:  defaultNotifyCooldownMs,
		IndexFile:         DefaultIndexFile,
		LogLevel:          defaultLogLevel,
		LogFormat:         defaultLogFormat,
	}
}

// Migrate repairs values older or hand-edited files may carry.
func (c *AppConfig) Migrate() {
	d := Defaults()
	if strings.TrimSpace(c.EndpointURL) == "" {
		c.EndpointURL = d.EndpointURL
	}
	c.EndpointURL = backend.NormalizeURL(c.EndpointURL)
	if strings.TrimSpace(c.PlotInfoCommand) == "" {
		c.PlotInfoCommand = d.PlotInfoCommand
	}
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.CommandCooldown < 0 {
		c.CommandCooldown = d.CommandCooldown
	}
	if c.ParserTimeout < minParserTimeoutMs {
		c.ParserTimeout = d.ParserTimeout
	}
	if strings.TrimSpace(c.DimensionDefault) == "" {
		c.DimensionDefault = d.DimensionDefault
	}
	if strings.TrimSpace(c.LastAuthMessage) == "" {
		c.LastAuthMessage = d.LastAuthMessage
	}
	if c.ProbeMaxAttempts <= 0 {
		c.ProbeMaxAttempts = d.ProbeMaxAttempts
	}
	if c.SubmitWorkers < delivery.DefaultWorkers {
		c.SubmitWorkers = delivery.DefaultWorkers
	}
	if c.SubmitMaxAttempts <= 0 {
		c.SubmitMaxAttempts = d.SubmitMaxAttempts
	}
	if c.SubmitBaseDelayMs <= 0 {
		c.SubmitBaseDelayMs = d.SubmitBaseDelayMs
	}
	if c.SubmitMaxDelayMs < c.SubmitBaseDelayMs {
		c.SubmitMaxDelayMs = max(d.SubmitMaxDelayMs, c.SubmitBaseDelayMs)
	}
	if c.SuspendDelayMs <= 0 {
		c.SuspendDelayMs = d.SuspendDelayMs
	}
	if c.NotifyCooldownMs < 0 {
		c.NotifyCooldownMs = d.NotifyCooldownMs
	}
	if strings.TrimSpace(c.IndexFile) == "" {
		c.IndexFile = d.IndexFile
	}
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	if c.LogFormat == "" {
		c.LogFormat = d.LogFormat
	}
}

func (c AppConfig) Scheduler() scheduler.Settings {
	return scheduler.Settings{
		Command:      c.PlotInfoCommand,
		Cooldown:     time.Duration(c.CommandCooldown) * time.Millisecond,
		Timeout:      time.Duration(c.ParserTimeout) * time.Millisecond,
		MaxAttempts:  c.ProbeMaxAttempts,
		TickInterval: c.TickInterval,
	}
}

// Delivery fills the retry knobs of opts from the config.
func (c AppConfig) Delivery(opts delivery.Options) delivery.Options {
	opts.Workers = c.SubmitWorkers
	opts.MaxAttempts = c.SubmitMaxAttempts
	opts.BaseDelay = time.Duration(c.SubmitBaseDelayMs) * time.Millisecond
	opts.MaxDelay = time.Duration(c.SubmitMaxDelayMs) * time.Millisecond
	opts.SuspendDelay = time.Duration(c.SuspendDelayMs) * time.Millisecond
	opts.NotifyCooldown = time.Duration(c.NotifyCooldownMs) * time.Millisecond
	return opts
}
