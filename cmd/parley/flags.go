package main

import (
	"flag"

	"github.com/MrWong99/parley/internal/config"
)

// options holds the command line. Only flags the user actually set override
// the file; see [options.apply].
type options struct {
	configPath string

	model, baseURL           string
	modelA, modelB           string
	baseURLA, baseURLB       string
	topic                    string
	roleA, roleB             string
	maxTurns, minSat, stable int
	keepLast, maxPoints      int
	transcriptPath           string
	timeoutS                 int
	metricsAddr              string
	logLevel                 string
}

func newFlagSet(o *options) *flag.FlagSet {
	fs := flag.NewFlagSet("parley", flag.ContinueOnError)
	fs.StringVar(&o.configPath, "config", "", "path to the YAML configuration file (built-in defaults when empty)")
	fs.StringVar(&o.model, "model", "", "model used by both agents")
	fs.StringVar(&o.baseURL, "base-url", "", "inference endpoint base URL")
	fs.StringVar(&o.modelA, "agent-a-model", "", "model override for agent A")
	fs.StringVar(&o.modelB, "agent-b-model", "", "model override for agent B")
	fs.StringVar(&o.baseURLA, "agent-a-base-url", "", "endpoint override for agent A")
	fs.StringVar(&o.baseURLB, "agent-b-base-url", "", "endpoint override for agent B")
	fs.StringVar(&o.topic, "topic", "", "conversation topic")
	fs.StringVar(&o.roleA, "agent-a-role", "", "extra role instructions for agent A")
	fs.StringVar(&o.roleB, "agent-b-role", "", "extra role instructions for agent B")
	fs.IntVar(&o.maxTurns, "max-turns", 0, "maximum number of turns")
	fs.IntVar(&o.minSat, "min-sat", 0, "satisfaction both agents must reach (0-100)")
	fs.IntVar(&o.stable, "stable-rounds", 0, "consecutive turns at or above -min-sat needed to converge")
	fs.IntVar(&o.keepLast, "summary-keep-last", 0, "turns kept verbatim in the prompt")
	fs.IntVar(&o.maxPoints, "summary-max-points", 0, "maximum points in the running summary")
	fs.StringVar(&o.transcriptPath, "transcript-path", "", "write the JSON lines transcript to this file")
	fs.IntVar(&o.timeoutS, "timeout-s", 0, "read timeout per inference call in seconds")
	fs.StringVar(&o.metricsAddr, "metrics-addr", "", "serve /metrics, /healthz and /readyz on this address")
	fs.StringVar(&o.logLevel, "log-level", "", "log level: debug, info, warn or error")
	return fs
}

// apply copies every flag that was set on fs into cfg.
func (o *options) apply(fs *flag.FlagSet, cfg *config.Config) {
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "model":
			cfg.Providers.LLM.Model = o.model
		case "base-url":
			cfg.Providers.LLM.BaseURL = o.baseURL
		case "agent-a-model":
			cfg.Agents.A.Model = o.modelA
		case "agent-b-model":
			cfg.Agents.B.Model = o.modelB
		case "agent-a-base-url":
			cfg.Agents.A.BaseURL = o.baseURLA
		case "agent-b-base-url":
			cfg.Agents.B.BaseURL = o.baseURLB
		case "topic":
			cfg.Conversation.Topic = o.topic
		case "agent-a-role":
			cfg.Agents.A.Role = o.roleA
		case "agent-b-role":
			cfg.Agents.B.Role = o.roleB
		case "max-turns":
			cfg.Conversation.MaxTurns = o.maxTurns
		case "min-sat":
			cfg.Conversation.MinSatisfaction = o.minSat
		case "stable-rounds":
			cfg.Conversation.StableRounds = o.stable
		case "summary-keep-last":
			cfg.Summary.KeepLast = o.keepLast
		case "summary-max-points":
			cfg.Summary.MaxPoints = o.maxPoints
		case "transcript-path":
			cfg.Transcript.Path = o.transcriptPath
			cfg.Transcript.Enabled = true
		case "timeout-s":
			cfg.Inference.TimeoutSeconds = o.timeoutS
		case "metrics-addr":
			cfg.Server.MetricsAddr = o.metricsAddr
		case "log-level":
			cfg.Server.LogLevel = config.LogLevel(o.logLevel)
		}
	})
}

// loadConfig parses args, reads the config file when one is given, applies
// the flag overrides and validates the result.
func loadConfig(args []string) (*config.Config, error) {
	var o options
	fs := newFlagSet(&o)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := config.Default()
	if o.configPath != "" {
		var err error
		if cfg, err = config.Read(o.configPath); err != nil {
			return nil, err
		}
	}
	o.apply(fs, cfg)
	config.ApplyDefaults(cfg)
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
