package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// fileConfig is the on-disk YAML configuration.
type fileConfig struct {
	Database string `yaml:"database"` // sqlite path, ":memory:" allowed

	OpenRouter struct {
		APIKey     string   `yaml:"api_key"`
		Models     []string `yaml:"models"`
		EmbedModel string   `yaml:"embed_model"`
		Referer    string   `yaml:"referer"`
		Title      string   `yaml:"title"`
	} `yaml:"openrouter"`

	Budget struct {
		MaxContextTokens int `yaml:"max_context_tokens"`
		MaxOutputTokens  int `yaml:"max_output_tokens"`
	} `yaml:"budget"`

	Lorebook struct {
		ScanDepth       int  `yaml:"scan_depth"`
		TokenBudget     int  `yaml:"token_budget"`
		Recursive       bool `yaml:"recursive"`
		MatchWholeWords bool `yaml:"match_whole_words"`
	} `yaml:"lorebook"`

	UserName         string `yaml:"user_name"`
	ConsolidateEvery int    `yaml:"consolidate_every"`
}

func loadConfig(path string) (*fileConfig, error) {
	cfg := &fileConfig{}
	cfg.Database = "goloom.db"
	cfg.OpenRouter.Models = []string{"anthropic/claude-sonnet-4"}
	cfg.OpenRouter.EmbedModel = "openai/text-embedding-3-small"
	cfg.Budget.MaxContextTokens = 8192
	cfg.Budget.MaxOutputTokens = 1024
	cfg.Lorebook.Recursive = true

	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if cfg.OpenRouter.APIKey == "" {
		cfg.OpenRouter.APIKey = os.Getenv("OPENROUTER_API_KEY")
	}
	return cfg, nil
}
