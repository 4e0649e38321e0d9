// Package config defines the agent's configuration tree and loads it from
// YAML plus environment variables. Defaults and validation live on the
// types themselves so every entry point resolves the same tree.
package config

import "fmt"

// Config is the agent-wide configuration tree, loaded once at startup.
type Config struct {
	Agent      AgentConfig        `yaml:"agent" json:"agent"`
	Processes  []ProcessSpec      `yaml:"processes" json:"processes"`
	Strategies []RecoveryStrategy `yaml:"recoveryStrategies" json:"recoveryStrategies"`
}

// AgentConfig carries the ambient/global settings: logging, tracing,
// metrics, persistence.
type AgentConfig struct {
	LogLevel            string `yaml:"logLevel" json:"logLevel"`
	LogFormat           string `yaml:"logFormat" json:"logFormat"`
	StateDir            string `yaml:"stateDir" json:"stateDir"`
	PersistIntervalMs   int    `yaml:"persistIntervalMs" json:"persistIntervalMs"`
	RetentionTTLMs      int    `yaml:"retentionTtlMs" json:"retentionTtlMs"`
	CrashGraceMs        int    `yaml:"crashGraceMs" json:"crashGraceMs"`
	SilentRecovery      bool   `yaml:"silentRecovery" json:"silentRecovery"`
	SampleIntervalMs    int    `yaml:"sampleIntervalMs" json:"sampleIntervalMs"`
	MetricsEnabled      bool   `yaml:"metricsEnabled" json:"metricsEnabled"`
	MetricsPort         int    `yaml:"metricsPort" json:"metricsPort"`
	TracingEnabled      bool   `yaml:"tracingEnabled" json:"tracingEnabled"`
	TracingExporter     string `yaml:"tracingExporter" json:"tracingExporter"` // stdout | otlp-grpc | none
	OTLPEndpoint        string `yaml:"otlpEndpoint" json:"otlpEndpoint"`
	TestRunRetentionCap int    `yaml:"testRunRetentionCap" json:"testRunRetentionCap"`
	EventRingCap        int    `yaml:"eventRingCap" json:"eventRingCap"`
	WorkspaceRoot       string `yaml:"workspaceRoot" json:"workspaceRoot"`
	SnapshotBackend     string `yaml:"snapshotBackend" json:"snapshotBackend"` // json | sqlite
}

// ProcessSpec is the request shape for start-process/start-task and for a
// test run's backend/frontend/tests legs.
type ProcessSpec struct {
	Name      string            `yaml:"name" json:"name"`
	Command   string            `yaml:"command" json:"command"`
	Args      []string          `yaml:"args" json:"args"`
	Cwd       string            `yaml:"cwd" json:"cwd"`
	Env       map[string]string `yaml:"env" json:"env"`
	Role      string            `yaml:"role" json:"role"` // frontend|backend|test|e2e|utility
	Tags      []string          `yaml:"tags" json:"tags"`
	Singleton bool              `yaml:"singleton" json:"singleton"`
	Readiness *ReadinessSpec    `yaml:"readiness" json:"readiness"`
	// StopOnShutdown marks children the agent politely stops during its own
	// shutdown; everything else is detached and reattached next start.
	StopOnShutdown bool `yaml:"stopOnShutdown" json:"stopOnShutdown"`
}

// ReadinessSpec selects and parameterizes one readiness probe.
type ReadinessSpec struct {
	Kind       string `yaml:"kind" json:"kind"` // port|http|log
	Port       int    `yaml:"port" json:"port"`
	URL        string `yaml:"url" json:"url"`
	Pattern    string `yaml:"pattern" json:"pattern"`
	IsRegex    bool   `yaml:"isRegex" json:"isRegex"`
	TimeoutMs  int    `yaml:"timeoutMs" json:"timeoutMs"`
	IntervalMs int    `yaml:"intervalMs" json:"intervalMs"`
}

// SetDefaults fills in the probe defaults (timeoutMs=20000, intervalMs=250).
func (r *ReadinessSpec) SetDefaults() {
	if r.TimeoutMs == 0 {
		r.TimeoutMs = 20000
	}
	if r.IntervalMs == 0 {
		r.IntervalMs = 250
	}
}

// Validate checks a ReadinessSpec is well-formed for its kind.
func (r *ReadinessSpec) Validate() error {
	switch r.Kind {
	case "port":
		if r.Port <= 0 {
			return fmt.Errorf("readiness kind=port requires a positive port")
		}
	case "http":
		if r.URL == "" {
			return fmt.Errorf("readiness kind=http requires a url")
		}
	case "log":
		if r.Pattern == "" {
			return fmt.Errorf("readiness kind=log requires a pattern")
		}
	default:
		return fmt.Errorf("unknown readiness kind %q", r.Kind)
	}
	if r.TimeoutMs < 0 {
		return fmt.Errorf("timeoutMs must be >= 0")
	}
	return nil
}

// Condition is one clause of a RecoveryStrategy; all clauses must hold.
type Condition struct {
	Metric     string  `yaml:"metric" json:"metric"` // errorCount|memoryBytes|cpuPct|healthScore|unresponsiveMs
	Op         string  `yaml:"op" json:"op"`     // gt|lt|eq
	Value      float64 `yaml:"value" json:"value"`
	DurationMs int     `yaml:"durationMs" json:"durationMs"`
}

// Action is one step of a RecoveryStrategy's remediation chain.
type Action struct {
	Type    string `yaml:"type" json:"type"` // notify|restart|kill|cleanup
	DelayMs int    `yaml:"delayMs" json:"delayMs"`
}

// RecoveryStrategy is a named bundle of conditions and actions.
type RecoveryStrategy struct {
	Name        string      `yaml:"name" json:"name"`
	Target      string      `yaml:"target" json:"target"` // process name or tag
	Conditions  []Condition `yaml:"conditions" json:"conditions"`
	Actions     []Action    `yaml:"actions" json:"actions"`
	MaxAttempts int         `yaml:"maxAttempts" json:"maxAttempts"`
	CooldownMs  int         `yaml:"cooldownMs" json:"cooldownMs"`
	Enabled     bool        `yaml:"enabled" json:"enabled"`
}

// SetDefaults fills the agent-level defaults.
func (c *Config) SetDefaults() {
	if c.Agent.LogLevel == "" {
		c.Agent.LogLevel = "info"
	}
	if c.Agent.LogFormat == "" {
		c.Agent.LogFormat = "json"
	}
	if c.Agent.StateDir == "" {
		c.Agent.StateDir = ".process-herder"
	}
	if c.Agent.PersistIntervalMs == 0 {
		c.Agent.PersistIntervalMs = 5000
	}
	if c.Agent.RetentionTTLMs == 0 {
		c.Agent.RetentionTTLMs = 10 * 60 * 1000
	}
	if c.Agent.CrashGraceMs == 0 {
		c.Agent.CrashGraceMs = 5000
	}
	if c.Agent.SampleIntervalMs == 0 {
		c.Agent.SampleIntervalMs = 2000
	}
	if c.Agent.TestRunRetentionCap == 0 {
		c.Agent.TestRunRetentionCap = 200
	}
	if c.Agent.EventRingCap == 0 {
		c.Agent.EventRingCap = 10000
	}
	if c.Agent.TracingExporter == "" {
		c.Agent.TracingExporter = "none"
	}
	if c.Agent.WorkspaceRoot == "" {
		c.Agent.WorkspaceRoot = "."
	}
	if c.Agent.SnapshotBackend == "" {
		c.Agent.SnapshotBackend = "json"
	}

	for i := range c.Processes {
		if c.Processes[i].Readiness != nil {
			c.Processes[i].Readiness.SetDefaults()
		}
	}
	for i := range c.Strategies {
		if c.Strategies[i].MaxAttempts == 0 {
			c.Strategies[i].MaxAttempts = 3
		}
		if c.Strategies[i].CooldownMs == 0 {
			c.Strategies[i].CooldownMs = 60000
		}
	}
}

// Validate checks the whole tree.
func (c *Config) Validate() error {
	switch c.Agent.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid agent.logLevel: %s", c.Agent.LogLevel)
	}
	switch c.Agent.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("invalid agent.logFormat: %s", c.Agent.LogFormat)
	}
	if c.Agent.PersistIntervalMs < 0 {
		return fmt.Errorf("agent.persistIntervalMs must be >= 0")
	}

	seen := make(map[string]bool)
	for _, p := range c.Processes {
		if p.Name == "" {
			return fmt.Errorf("process entry missing name")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate process name %q", p.Name)
		}
		seen[p.Name] = true
		if p.Command == "" {
			return fmt.Errorf("process %s has no command", p.Name)
		}
		if p.Readiness != nil {
			if err := p.Readiness.Validate(); err != nil {
				return fmt.Errorf("process %s: %w", p.Name, err)
			}
		}
	}

	for _, s := range c.Strategies {
		if s.Name == "" {
			return fmt.Errorf("recovery strategy missing name")
		}
		for _, a := range s.Actions {
			switch a.Type {
			case "notify", "restart", "kill", "cleanup":
			default:
				return fmt.Errorf("strategy %s has invalid action type %q", s.Name, a.Type)
			}
		}
	}
	return nil
}
