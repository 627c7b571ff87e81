package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/taskcore/engine/constitution"
	"github.com/taskcore/engine/modelrouter"
)

// config is the process-wide deployment configuration: budget presets and
// the constitution default set are baked into their packages, but the
// router's model catalogue and any additional constitution rules are
// deployer-specific and loaded from YAML (spec §6's config surface).
type config struct {
	Providers providerConfig  `yaml:"providers"`
	Router    routerConfig    `yaml:"router"`
	Rules     []ruleConfig    `yaml:"rules"`
	Stores    storeConfig     `yaml:"stores"`
	RateLimit rateLimitConfig `yaml:"rateLimit"`
}

type providerConfig struct {
	Anthropic string `yaml:"anthropicApiKey"`
	OpenAI    string `yaml:"openaiApiKey"`
	Bedrock   bool   `yaml:"bedrockEnabled"`
}

type modelChoiceConfig struct {
	Provider        string  `yaml:"provider"`
	Model           string  `yaml:"model"`
	CostPer1KTokens float64 `yaml:"costPer1kTokens"`
}

type routerConfig struct {
	SLM modelChoiceConfig `yaml:"slm"`
	LLM modelChoiceConfig `yaml:"llm"`
}

// ruleConfig loads one user-supplied constitution rule: only the
// arg-pattern form is exposed via YAML, since the output-pattern/custom
// forms need a compiled regexp and Go-side Execute-adjacent logic that a
// flat config file cannot express.
type ruleConfig struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Severity    string `yaml:"severity"`
	Category    string `yaml:"category"`
	Description string `yaml:"description"`
	Tool        string `yaml:"tool"`
	Field       string `yaml:"field"`
	Pattern     string `yaml:"pattern"`
}

type storeConfig struct {
	RedisAddr  string `yaml:"redisAddr"`
	MongoURI   string `yaml:"mongoUri"`
	MongoDB    string `yaml:"mongoDatabase"`
	WebhookKey string `yaml:"webhookSecret"`
}

type rateLimitConfig struct {
	InitialTPM float64 `yaml:"initialTpm"`
	MaxTPM     float64 `yaml:"maxTpm"`
	ClusterKey string  `yaml:"clusterKey"`
}

func loadConfig(path string) (config, error) {
	var cfg config
	if path == "" {
		return defaultConfig(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func defaultConfig() config {
	cfg := config{}
	cfg.applyDefaults()
	return cfg
}

func (c *config) applyDefaults() {
	if c.Router.SLM.Provider == "" {
		c.Router.SLM = modelChoiceConfig{Provider: "anthropic", Model: "claude-haiku-4-5", CostPer1KTokens: 0.001}
	}
	if c.Router.LLM.Provider == "" {
		c.Router.LLM = modelChoiceConfig{Provider: "anthropic", Model: "claude-sonnet-4-5", CostPer1KTokens: 0.015}
	}
	if c.Stores.RedisAddr == "" {
		c.Stores.RedisAddr = "localhost:6379"
	}
	if c.Stores.MongoURI == "" {
		c.Stores.MongoURI = "mongodb://localhost:27017"
	}
	if c.Stores.MongoDB == "" {
		c.Stores.MongoDB = "taskcore"
	}
	if c.RateLimit.InitialTPM == 0 {
		c.RateLimit.InitialTPM = 60_000
	}
	if c.RateLimit.MaxTPM == 0 {
		c.RateLimit.MaxTPM = 240_000
	}
	if c.RateLimit.ClusterKey == "" {
		c.RateLimit.ClusterKey = "taskcore:escalations"
	}
}

func (c config) policy() modelrouter.Policy {
	return modelrouter.Policy{
		SLM: modelrouter.ModelChoice{Provider: c.Router.SLM.Provider, Model: c.Router.SLM.Model, CostPer1KTokens: c.Router.SLM.CostPer1KTokens},
		LLM: modelrouter.ModelChoice{Provider: c.Router.LLM.Provider, Model: c.Router.LLM.Model, CostPer1KTokens: c.Router.LLM.CostPer1KTokens},
	}
}

// userRules compiles the YAML-loaded rule configs into constitution.Rules.
// A rule referencing an unsupported severity fails the whole load with an
// error rather than being defaulted silently, since an operator-authored
// rule with a typo'd severity should fail loud rather than enforce at the
// wrong level.
func (c config) userRules() ([]constitution.Rule, error) {
	rules := make([]constitution.Rule, 0, len(c.Rules))
	for _, rc := range c.Rules {
		sev, err := parseSeverity(rc.Severity)
		if err != nil {
			return nil, fmt.Errorf("config: rule %s: %w", rc.ID, err)
		}
		rules = append(rules, constitution.Rule{
			ID: rc.ID, Name: rc.Name, Severity: sev, Category: rc.Category, Description: rc.Description,
			Enforce: constitution.Enforcement{
				ArgPatterns: []constitution.ArgPattern{constitution.NewArgPattern(rc.Tool, rc.Field, rc.Pattern)},
			},
		})
	}
	return rules, nil
}

func parseSeverity(s string) (constitution.Severity, error) {
	switch s {
	case "critical":
		return constitution.Critical, nil
	case "high":
		return constitution.High, nil
	case "medium":
		return constitution.Medium, nil
	case "low":
		return constitution.Low, nil
	default:
		return "", fmt.Errorf("unknown severity %q", s)
	}
}
