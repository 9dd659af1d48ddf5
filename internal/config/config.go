// Package config loads pilotd's runtime configuration in four layers —
// built-in defaults, the YAML settings file, environment variables, then
// explicit CLI-flag overrides — recording in Metadata which layer supplied
// each field, so callers can tell "why is this set to that".
package config

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ValueSource identifies which configuration layer produced a field's
// current value.
type ValueSource string

const (
	SourceDefault ValueSource = "default"
	SourceFile    ValueSource = "file"
	SourceEnv     ValueSource = "env"
	SourceFlag    ValueSource = "flag"
)

// RuntimeConfig is pilotd's full configuration surface.
type RuntimeConfig struct {
	Host string
	Port int

	RootDir string // base of the persisted-state layout (spec.md §6)

	SafetyThreshold  float64
	MaxIterations    int
	VLMChatTimeout   time.Duration
	CaptureTimeout   time.Duration
	ActuatorTimeout  time.Duration
	HTTPTimeout      time.Duration
	PostActionDelay  time.Duration
	IdleHoldWindow   time.Duration
	WarmUpDeadline   time.Duration
	ShutdownWindow   time.Duration

	VLMBaseURL     string
	VLMBinaryPath  string
	VLMModelID     string
	VLMModelFile   string
	VLMMmprojPath  string
	VLMPort        int
	VLMGPULayers   int
	VLMContextSize int

	RateLimitGeneralRPM   int
	RateLimitLifecycleRPM int
	RateLimitBurst        int
	MaxBodyBytes          int64
	CORSOrigins           []string
	TrustLoopback         bool

	HeartbeatEnabled       bool
	HeartbeatInterval      time.Duration
	HeartbeatActiveHourStart int
	HeartbeatActiveHourEnd   int

	ScreenStabilityEnabled bool
	ScreenStabilityMaxWait time.Duration
	UISettleDelay          time.Duration

	ClickOffsetX int
	ClickOffsetY int

	MemoryFloorMB           int
	AgentCrashWindow        time.Duration
	AgentCrashThreshold     int

	TracingEnabled bool
}

// Metadata carries per-field provenance alongside the loaded config.
type Metadata struct {
	Sources  map[string]ValueSource
	LoadedAt time.Time
}

func defaults() RuntimeConfig {
	return RuntimeConfig{
		Host:                     "127.0.0.1",
		Port:                     8000,
		RootDir:                  "~/.pilotd",
		SafetyThreshold:          0.8,
		MaxIterations:            20,
		VLMChatTimeout:           90 * time.Second,
		CaptureTimeout:           2 * time.Second,
		ActuatorTimeout:          5 * time.Second,
		HTTPTimeout:              10 * time.Second,
		PostActionDelay:          100 * time.Millisecond,
		IdleHoldWindow:           10 * time.Minute,
		WarmUpDeadline:           120 * time.Second,
		ShutdownWindow:           2 * time.Second,
		VLMBaseURL:               "http://127.0.0.1:8080",
		VLMBinaryPath:            "llama-server",
		VLMModelID:               "qwen3-vl",
		VLMContextSize:           8192,
		RateLimitGeneralRPM:      120,
		RateLimitLifecycleRPM:    10,
		RateLimitBurst:           20,
		MaxBodyBytes:             1 << 20,
		CORSOrigins:              nil,
		TrustLoopback:            true,
		HeartbeatEnabled:         true,
		HeartbeatInterval:        30 * time.Minute,
		HeartbeatActiveHourStart: 9,
		HeartbeatActiveHourEnd:   23,
		ScreenStabilityEnabled:   true,
		ScreenStabilityMaxWait:   3 * time.Second,
		UISettleDelay:            1500 * time.Millisecond,
		MemoryFloorMB:            512,
		AgentCrashWindow:         10 * time.Minute,
		AgentCrashThreshold:      3,
	}
}

// EnvLookup abstracts os.LookupEnv for tests.
type EnvLookup func(key string) (string, bool)

// FileReader abstracts os.ReadFile for tests.
type FileReader func(path string) ([]byte, error)

type loadOptions struct {
	envLookup  EnvLookup
	readFile   FileReader
	filePath   string
	overrides  RuntimeConfig
	hasOverride map[string]bool
}

// Option customizes Load.
type Option func(*loadOptions)

// WithEnvLookup overrides the environment source, for tests.
func WithEnvLookup(fn EnvLookup) Option { return func(o *loadOptions) { o.envLookup = fn } }

// WithFileReader overrides the file source, for tests.
func WithFileReader(fn FileReader) Option { return func(o *loadOptions) { o.readFile = fn } }

// WithFilePath sets the settings.yaml path to read.
func WithFilePath(path string) Option { return func(o *loadOptions) { o.filePath = path } }

// FlagOverrides carries explicit CLI-flag values from cmd/pilotd's cobra
// command. Only the fields a caller actually sets (cobra's Flag.Changed)
// should be populated; nil/zero fields are left alone so the env/file/
// default layers beneath them are unaffected.
type FlagOverrides struct {
	Host    *string
	Port    *int
	RootDir *string
}

// WithFlagOverrides applies the outermost layer: explicit flags beat
// environment, file and defaults, and are recorded as SourceFlag so the
// returned Metadata reflects how the value was actually set.
func WithFlagOverrides(f FlagOverrides) Option {
	return func(o *loadOptions) {
		if f.Host != nil {
			o.overrides.Host = *f.Host
			o.hasOverride["host"] = true
		}
		if f.Port != nil {
			o.overrides.Port = *f.Port
			o.hasOverride["port"] = true
		}
		if f.RootDir != nil {
			o.overrides.RootDir = *f.RootDir
			o.hasOverride["root_dir"] = true
		}
	}
}

// Load builds a RuntimeConfig by layering defaults, file, environment, then
// flag overrides.
func Load(opts ...Option) (RuntimeConfig, Metadata, error) {
	options := loadOptions{
		envLookup:   os.LookupEnv,
		readFile:    os.ReadFile,
		hasOverride: map[string]bool{},
	}
	for _, opt := range opts {
		opt(&options)
	}

	cfg := defaults()
	meta := Metadata{Sources: map[string]ValueSource{}, LoadedAt: time.Now()}
	for _, field := range []string{
		"host", "port", "root_dir", "safety_threshold", "max_iterations",
		"vlm_chat_timeout", "vlm_base_url", "vlm_model_id", "vlm_binary_path",
		"vlm_model_file", "vlm_mmproj_path", "vlm_port", "vlm_gpu_layers",
		"cors_origins", "trust_loopback", "heartbeat_enabled",
		"heartbeat_interval", "tracing_enabled",
	} {
		meta.Sources[field] = SourceDefault
	}

	if options.filePath != "" {
		data, err := options.readFile(options.filePath)
		if err != nil {
			if !os.IsNotExist(err) {
				return RuntimeConfig{}, Metadata{}, fmt.Errorf("reading config file: %w", err)
			}
		} else if err := applyYAML(&cfg, &meta, data); err != nil {
			return RuntimeConfig{}, Metadata{}, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnv(&cfg, &meta, options.envLookup)
	applyFlags(&cfg, &meta, options)

	return cfg, meta, nil
}

// applyFlags is the outermost override layer, sourced from cmd/pilotd's
// cobra flags via WithFlagOverrides.
func applyFlags(cfg *RuntimeConfig, meta *Metadata, options loadOptions) {
	if options.hasOverride["host"] {
		cfg.Host = options.overrides.Host
		meta.Sources["host"] = SourceFlag
	}
	if options.hasOverride["port"] {
		cfg.Port = options.overrides.Port
		meta.Sources["port"] = SourceFlag
	}
	if options.hasOverride["root_dir"] {
		cfg.RootDir = options.overrides.RootDir
		meta.Sources["root_dir"] = SourceFlag
	}
}

func applyEnv(cfg *RuntimeConfig, meta *Metadata, lookup EnvLookup) {
	str := func(field, env string, dst *string) {
		if v, ok := lookup(env); ok && strings.TrimSpace(v) != "" {
			*dst = v
			meta.Sources[field] = SourceEnv
		}
	}
	integer := func(field, env string, dst *int) {
		if v, ok := lookup(env); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
				meta.Sources[field] = SourceEnv
			}
		}
	}
	float := func(field, env string, dst *float64) {
		if v, ok := lookup(env); ok {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
				meta.Sources[field] = SourceEnv
			}
		}
	}
	duration := func(field, env string, dst *time.Duration) {
		if v, ok := lookup(env); ok {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
				meta.Sources[field] = SourceEnv
			}
		}
	}
	boolean := func(field, env string, dst *bool) {
		if v, ok := lookup(env); ok {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
				meta.Sources[field] = SourceEnv
			}
		}
	}

	str("host", "HOST", &cfg.Host)
	integer("port", "PORT", &cfg.Port)
	str("root_dir", "PILOTD_ROOT", &cfg.RootDir)
	float("safety_threshold", "PILOTD_SAFETY_THRESHOLD", &cfg.SafetyThreshold)
	integer("max_iterations", "PILOTD_MAX_ITERATIONS", &cfg.MaxIterations)
	duration("vlm_chat_timeout", "PILOTD_VLM_CHAT_TIMEOUT", &cfg.VLMChatTimeout)
	str("vlm_base_url", "PILOTD_VLM_BASE_URL", &cfg.VLMBaseURL)
	str("vlm_model_id", "PILOTD_VLM_MODEL_ID", &cfg.VLMModelID)
	str("vlm_binary_path", "PILOTD_VLM_BINARY_PATH", &cfg.VLMBinaryPath)
	str("vlm_model_file", "PILOTD_VLM_MODEL_FILE", &cfg.VLMModelFile)
	str("vlm_mmproj_path", "PILOTD_VLM_MMPROJ_PATH", &cfg.VLMMmprojPath)
	integer("vlm_port", "PILOTD_VLM_PORT", &cfg.VLMPort)
	integer("vlm_gpu_layers", "PILOTD_VLM_GPU_LAYERS", &cfg.VLMGPULayers)
	boolean("trust_loopback", "PILOTD_TRUST_LOOPBACK", &cfg.TrustLoopback)
	boolean("heartbeat_enabled", "PILOTD_HEARTBEAT_ENABLED", &cfg.HeartbeatEnabled)
	duration("heartbeat_interval", "PILOTD_HEARTBEAT_INTERVAL", &cfg.HeartbeatInterval)
	boolean("tracing_enabled", "PILOTD_TRACING_ENABLED", &cfg.TracingEnabled)

	if v, ok := lookup("PILOTD_CORS_ORIGINS"); ok && strings.TrimSpace(v) != "" {
		cfg.CORSOrigins = strings.Split(v, ",")
		meta.Sources["cors_origins"] = SourceEnv
	}
}

// applyYAML parses settings.yaml through a scratch viper instance — real
// YAML-to-Go type coercion (ints arrive as int) rather than a hand-rolled
// map[string]any walk, while still mutating cfg field-by-field so
// per-field provenance stays exact (mirrors the teacher's own applyFile,
// which mutates cfg rather than unmarshalling into RuntimeConfig
// directly; viper.Unmarshal's struct-tag mapping would erase that
// granularity).
func applyYAML(cfg *RuntimeConfig, meta *Metadata, data []byte) error {
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return err
	}
	set := func(field string) { meta.Sources[field] = SourceFile }

	if v.IsSet("host") {
		cfg.Host = v.GetString("host")
		set("host")
	}
	if v.IsSet("port") {
		cfg.Port = v.GetInt("port")
		set("port")
	}
	if v.IsSet("safety_threshold") {
		cfg.SafetyThreshold = v.GetFloat64("safety_threshold")
		set("safety_threshold")
	}
	if v.IsSet("max_iterations") {
		cfg.MaxIterations = v.GetInt("max_iterations")
		set("max_iterations")
	}
	if v.IsSet("vlm_base_url") {
		cfg.VLMBaseURL = v.GetString("vlm_base_url")
		set("vlm_base_url")
	}
	if v.IsSet("vlm_binary_path") {
		cfg.VLMBinaryPath = v.GetString("vlm_binary_path")
		set("vlm_binary_path")
	}
	if v.IsSet("vlm_model_id") {
		cfg.VLMModelID = v.GetString("vlm_model_id")
		set("vlm_model_id")
	}
	if v.IsSet("vlm_model_file") {
		cfg.VLMModelFile = v.GetString("vlm_model_file")
		set("vlm_model_file")
	}
	if v.IsSet("vlm_mmproj_path") {
		cfg.VLMMmprojPath = v.GetString("vlm_mmproj_path")
		set("vlm_mmproj_path")
	}
	if v.IsSet("root_dir") {
		cfg.RootDir = v.GetString("root_dir")
		set("root_dir")
	}
	if v.IsSet("cors_origins") {
		cfg.CORSOrigins = v.GetStringSlice("cors_origins")
		set("cors_origins")
	}
	if v.IsSet("trust_loopback") {
		cfg.TrustLoopback = v.GetBool("trust_loopback")
		set("trust_loopback")
	}
	if v.IsSet("heartbeat_enabled") {
		cfg.HeartbeatEnabled = v.GetBool("heartbeat_enabled")
		set("heartbeat_enabled")
	}
	if v.IsSet("tracing_enabled") {
		cfg.TracingEnabled = v.GetBool("tracing_enabled")
		set("tracing_enabled")
	}
	return nil
}

// PublicSubset returns the fields safe to expose at GET /config (spec.md
// §6) — no secrets, no filesystem paths.
func (c RuntimeConfig) PublicSubset() map[string]any {
	return map[string]any{
		"host":                c.Host,
		"port":                c.Port,
		"safety_threshold":    c.SafetyThreshold,
		"max_iterations":      c.MaxIterations,
		"vlm_model_id":        c.VLMModelID,
		"heartbeat_enabled":   c.HeartbeatEnabled,
		"heartbeat_interval":  c.HeartbeatInterval.String(),
		"rate_limit_general":  c.RateLimitGeneralRPM,
		"rate_limit_lifecycle": c.RateLimitLifecycleRPM,
		"tracing_enabled":     c.TracingEnabled,
	}
}
