package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete voice bridge configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Provider    ProviderConfig    `yaml:"provider"`
	Segmenter   SegmenterConfig   `yaml:"segmenter"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Reply       ReplyConfig       `yaml:"reply"`
	Synthesis   SynthesisConfig   `yaml:"synthesis"`
	Call        CallConfig        `yaml:"call"`
	Storage     StorageConfig     `yaml:"storage"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	// PublicBaseURL is the externally reachable base used to build the
	// webhook and media stream URLs handed to the telephony provider,
	// e.g. "https://bridge.example.com".
	PublicBaseURL string `yaml:"public_base_url"`
}

// ProviderConfig contains telephony provider API configuration
type ProviderConfig struct {
	SpaceURL   string `yaml:"space_url"`
	ProjectID  string `yaml:"project_id"`
	AuthToken  string `yaml:"auth_token"`
	FromNumber string `yaml:"from_number"`
	SMSEnabled bool   `yaml:"sms_enabled"`
}

// SegmenterConfig contains utterance segmentation parameters
type SegmenterConfig struct {
	EnergyThreshold    float64 `yaml:"energy_threshold"`
	SilenceHangover    float64 `yaml:"silence_hangover"`     // seconds
	MinUtterance       float64 `yaml:"min_utterance"`        // seconds
	MinVoicedFrames    int     `yaml:"min_voiced_frames"`    // frames before the silence timer arms
	HangoverFrames     int     `yaml:"hangover_frames"`      // trailing frames kept after voice stops
	ConfidentUtterance int     `yaml:"confident_utterance"`  // voiced frames that justify a transcription retry
}

// RecognitionConfig contains speech recognition service configuration
type RecognitionConfig struct {
	StreamURL    string `yaml:"stream_url"`
	APIKey       string `yaml:"api_key"`
	SampleRate   int    `yaml:"sample_rate"`
	ChunkBytes   int    `yaml:"chunk_bytes"`
	ChunkDelayMs int    `yaml:"chunk_delay_ms"`
	// SettleMsPerSec is how long to wait after the last chunk, per second
	// of buffered audio, before sending the end-of-input control message.
	SettleMsPerSec int `yaml:"settle_ms_per_sec"`
	MinWaitSec     int `yaml:"min_wait_sec"`
	MaxWaitSec     int `yaml:"max_wait_sec"`
}

// ReplyConfig contains reply generation service configuration
type ReplyConfig struct {
	URL             string `yaml:"url"`
	APIKey          string `yaml:"api_key"`
	MaxTokens       int    `yaml:"max_tokens"`
	SoftWrapUpAfter int    `yaml:"soft_wrapup_after"` // exchanges before the wrap-up instruction
	MaxExchanges    int    `yaml:"max_exchanges"`     // unconditional wrap-up
	Persona         string `yaml:"persona"`
}

// SynthesisConfig contains speech synthesis service configuration
type SynthesisConfig struct {
	URL        string  `yaml:"url"`
	APIKey     string  `yaml:"api_key"`
	VoiceID    string  `yaml:"voice_id"`
	SampleRate int     `yaml:"sample_rate"`
	Speed      float64 `yaml:"speed"`
	MaxChars   int     `yaml:"max_chars"`
}

// CallConfig contains call lifecycle configuration
type CallConfig struct {
	MaxDuration   float64 `yaml:"max_duration"`   // seconds
	EvictionGrace float64 `yaml:"eviction_grace"` // seconds a finished call stays pollable
	Greeting      string  `yaml:"greeting"`
}

// StorageConfig contains persistence configuration
type StorageConfig struct {
	PostgresDSN string  `yaml:"postgres_dsn"`
	FeedDriver  string  `yaml:"feed_driver"` // memory or redis
	RedisAddr   string  `yaml:"redis_addr"`
	RedisPass   string  `yaml:"redis_pass"`
	RedisDB     int     `yaml:"redis_db"`
	FeedTTL     float64 `yaml:"feed_ttl"` // seconds, 0 keeps messages forever
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

var e164Pattern = regexp.MustCompile(`^\+[1-9]\d{6,14}$`)

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Provider.Validate(); err != nil {
		return fmt.Errorf("provider config: %w", err)
	}

	if err := c.Segmenter.Validate(); err != nil {
		return fmt.Errorf("segmenter config: %w", err)
	}

	if err := c.Recognition.Validate(); err != nil {
		return fmt.Errorf("recognition config: %w", err)
	}

	if err := c.Reply.Validate(); err != nil {
		return fmt.Errorf("reply config: %w", err)
	}

	if err := c.Synthesis.Validate(); err != nil {
		return fmt.Errorf("synthesis config: %w", err)
	}

	if err := c.Call.Validate(); err != nil {
		return fmt.Errorf("call config: %w", err)
	}

	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}

	if s.PublicBaseURL == "" {
		return fmt.Errorf("public_base_url cannot be empty")
	}

	return nil
}

// Validate validates provider configuration
func (p *ProviderConfig) Validate() error {
	if p.SpaceURL == "" {
		return fmt.Errorf("space_url cannot be empty")
	}

	if p.ProjectID == "" {
		return fmt.Errorf("project_id cannot be empty")
	}

	if p.AuthToken == "" {
		return fmt.Errorf("auth_token cannot be empty")
	}

	if !e164Pattern.MatchString(p.FromNumber) {
		return fmt.Errorf("from_number must be E.164 format, got '%s'", p.FromNumber)
	}

	return nil
}

// Validate validates segmenter configuration
func (s *SegmenterConfig) Validate() error {
	if s.EnergyThreshold <= 0 {
		return fmt.Errorf("energy_threshold must be positive, got %f", s.EnergyThreshold)
	}

	if s.SilenceHangover <= 0 {
		return fmt.Errorf("silence_hangover must be positive, got %f", s.SilenceHangover)
	}

	if s.MinUtterance <= 0 {
		return fmt.Errorf("min_utterance must be positive, got %f", s.MinUtterance)
	}

	if s.MinUtterance >= s.SilenceHangover+10 {
		return fmt.Errorf("min_utterance (%f) is implausibly large", s.MinUtterance)
	}

	if s.MinVoicedFrames < 1 {
		return fmt.Errorf("min_voiced_frames must be at least 1, got %d", s.MinVoicedFrames)
	}

	if s.HangoverFrames < 0 {
		return fmt.Errorf("hangover_frames cannot be negative, got %d", s.HangoverFrames)
	}

	if s.ConfidentUtterance < 1 {
		return fmt.Errorf("confident_utterance must be at least 1, got %d", s.ConfidentUtterance)
	}

	return nil
}

// Validate validates recognition configuration
func (r *RecognitionConfig) Validate() error {
	if r.StreamURL == "" {
		return fmt.Errorf("stream_url cannot be empty")
	}

	if r.APIKey == "" {
		return fmt.Errorf("api_key cannot be empty")
	}

	if r.SampleRate != 8000 && r.SampleRate != 16000 {
		return fmt.Errorf("sample_rate must be 8000 or 16000 Hz, got %d", r.SampleRate)
	}

	if r.ChunkBytes < 320 {
		return fmt.Errorf("chunk_bytes must be at least 320, got %d", r.ChunkBytes)
	}

	if r.ChunkDelayMs < 0 {
		return fmt.Errorf("chunk_delay_ms cannot be negative, got %d", r.ChunkDelayMs)
	}

	if r.SettleMsPerSec < 0 {
		return fmt.Errorf("settle_ms_per_sec cannot be negative, got %d", r.SettleMsPerSec)
	}

	if r.MinWaitSec < 1 {
		return fmt.Errorf("min_wait_sec must be at least 1, got %d", r.MinWaitSec)
	}

	if r.MaxWaitSec < r.MinWaitSec {
		return fmt.Errorf("max_wait_sec (%d) must be >= min_wait_sec (%d)", r.MaxWaitSec, r.MinWaitSec)
	}

	return nil
}

// Validate validates reply generation configuration
func (r *ReplyConfig) Validate() error {
	if r.URL == "" {
		return fmt.Errorf("url cannot be empty")
	}

	if r.MaxTokens < 1 {
		return fmt.Errorf("max_tokens must be at least 1, got %d", r.MaxTokens)
	}

	if r.SoftWrapUpAfter < 1 {
		return fmt.Errorf("soft_wrapup_after must be at least 1, got %d", r.SoftWrapUpAfter)
	}

	if r.MaxExchanges < r.SoftWrapUpAfter {
		return fmt.Errorf("max_exchanges (%d) must be >= soft_wrapup_after (%d)", r.MaxExchanges, r.SoftWrapUpAfter)
	}

	return nil
}

// Validate validates synthesis configuration
func (s *SynthesisConfig) Validate() error {
	if s.URL == "" {
		return fmt.Errorf("url cannot be empty")
	}

	if s.VoiceID == "" {
		return fmt.Errorf("voice_id cannot be empty")
	}

	if s.SampleRate != 8000 && s.SampleRate != 16000 && s.SampleRate != 22050 && s.SampleRate != 24000 {
		return fmt.Errorf("sample_rate must be one of [8000, 16000, 22050, 24000], got %d", s.SampleRate)
	}

	if s.Speed <= 0 || s.Speed > 2 {
		return fmt.Errorf("speed must be between 0 and 2, got %f", s.Speed)
	}

	if s.MaxChars < 1 {
		return fmt.Errorf("max_chars must be at least 1, got %d", s.MaxChars)
	}

	return nil
}

// Validate validates call lifecycle configuration
func (c *CallConfig) Validate() error {
	if c.MaxDuration <= 0 {
		return fmt.Errorf("max_duration must be positive, got %f", c.MaxDuration)
	}

	if c.EvictionGrace < 0 {
		return fmt.Errorf("eviction_grace cannot be negative, got %f", c.EvictionGrace)
	}

	return nil
}

// Validate validates storage configuration
func (s *StorageConfig) Validate() error {
	if s.PostgresDSN == "" {
		return fmt.Errorf("postgres_dsn cannot be empty")
	}

	switch s.FeedDriver {
	case "memory":
	case "redis":
		if s.RedisAddr == "" {
			return fmt.Errorf("redis_addr cannot be empty when feed_driver is 'redis'")
		}
	default:
		return fmt.Errorf("feed_driver must be 'memory' or 'redis', got '%s'", s.FeedDriver)
	}

	if s.FeedTTL < 0 {
		return fmt.Errorf("feed_ttl cannot be negative, got %f", s.FeedTTL)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

// GetSilenceHangover returns the silence hangover as a time.Duration
func (s *SegmenterConfig) GetSilenceHangover() time.Duration {
	return time.Duration(s.SilenceHangover * float64(time.Second))
}

// GetMinUtterance returns the minimum utterance duration as a time.Duration
func (s *SegmenterConfig) GetMinUtterance() time.Duration {
	return time.Duration(s.MinUtterance * float64(time.Second))
}

// GetChunkDelay returns the inter-chunk pacing delay as a time.Duration
func (r *RecognitionConfig) GetChunkDelay() time.Duration {
	return time.Duration(r.ChunkDelayMs) * time.Millisecond
}

// GetMaxDuration returns the call duration ceiling as a time.Duration
func (c *CallConfig) GetMaxDuration() time.Duration {
	return time.Duration(c.MaxDuration * float64(time.Second))
}

// GetEvictionGrace returns the post-call eviction grace as a time.Duration
func (c *CallConfig) GetEvictionGrace() time.Duration {
	return time.Duration(c.EvictionGrace * float64(time.Second))
}

// GetFeedTTL returns the feed message TTL as a time.Duration
func (s *StorageConfig) GetFeedTTL() time.Duration {
	return time.Duration(s.FeedTTL * float64(time.Second))
}

// Default returns a configuration with sensible defaults for everything
// that is not deployment specific
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:    8080,
			Address: "0.0.0.0",
		},
		Segmenter: SegmenterConfig{
			EnergyThreshold:    500,
			SilenceHangover:    1.2,
			MinUtterance:       0.3,
			MinVoicedFrames:    3,
			HangoverFrames:     10,
			ConfidentUtterance: 15,
		},
		Recognition: RecognitionConfig{
			SampleRate:     16000,
			ChunkBytes:     3200,
			ChunkDelayMs:   50,
			SettleMsPerSec: 250,
			MinWaitSec:     3,
			MaxWaitSec:     10,
		},
		Reply: ReplyConfig{
			MaxTokens:       120,
			SoftWrapUpAfter: 6,
			MaxExchanges:    10,
		},
		Synthesis: SynthesisConfig{
			SampleRate: 16000,
			Speed:      1.0,
			MaxChars:   600,
		},
		Call: CallConfig{
			MaxDuration:   120,
			EvictionGrace: 60,
			Greeting:      "Hello! This is the RouteGuard assistant calling.",
		},
		Storage: StorageConfig{
			FeedDriver: "memory",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
