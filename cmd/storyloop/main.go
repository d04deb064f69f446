// Command storyloop drives a coding agent through a backlog of stories,
// one at a time, accepting each only when its tests pass and the working
// tree is clean.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"storyloop/pkg/backlog"
	"storyloop/pkg/config"
	"storyloop/pkg/exec"
	"storyloop/pkg/gitx"
	"storyloop/pkg/invoker"
	"storyloop/pkg/ledger"
	"storyloop/pkg/logx"
	"storyloop/pkg/loop"
	"storyloop/pkg/metrics"
	"storyloop/pkg/persistence"
	"storyloop/pkg/prompt"
	"storyloop/pkg/runstate"
	"storyloop/pkg/testrunner"
	"storyloop/pkg/version"
)

const defaultPromptPrefix = "prompts/default.txt"

// stringSliceFlag collects repeatable flag values.
type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, value)
	return nil
}

func main() {
	os.Exit(run())
}

//nolint:gocyclo // Flag wiring and startup sequencing, linear and flat
func run() int {
	logger := logx.NewLogger("storyloop")

	var (
		backlogPath     = flag.String("backlog", "", "Path to the backlog JSON file")
		progressPath    = flag.String("progress", "", "Path to the progress ledger")
		statePath       = flag.String("state", "", "Path to the run-state file")
		historyPath     = flag.String("history-db", "", "Path to the iteration-history database")
		maxIterations   = flag.Int("max-iterations", 0, "Iteration budget")
		once            = flag.Bool("once", false, "Run exactly one iteration")
		sleepInterval   = flag.Duration("sleep", -1, "Pause between iterations")
		completionToken = flag.String("completion-token", "", "Token the agent emits on full completion")
		allowDirty      = flag.Bool("allow-dirty", false, "Allow starting with uncommitted changes (use with caution)")
		agentBackend    = flag.String("agent", "", "Agent backend: process, anthropic, openai, ollama, gemini")
		agentBin        = flag.String("agent-bin", "", "Agent CLI binary for the process backend")
		model           = flag.String("model", "", "Model passed to the agent")
		ollamaHost      = flag.String("ollama-host", "", "Ollama host URL")
		allowProfile    = flag.String("allow-profile", "", "Tool permission profile: safe, dev, locked, yolo")
		promptPrefix    = flag.String("prompt-prefix", "", "File prepended verbatim to every instruction")
		noDefaultPrompt = flag.Bool("no-default-prompt", false, "Disable auto-loading of "+defaultPromptPrefix)
		metricsAddr     = flag.String("metrics-addr", "", "Address for the /metrics listener (empty disables)")
		stats           = flag.Bool("stats", false, "Print aggregated loop metrics from Prometheus and exit")
		prometheusURL   = flag.String("prometheus-url", "http://localhost:9090", "Prometheus base URL for -stats")
		initSecretsMode = flag.Bool("init-secrets", false, "Create the encrypted secrets file and exit")
		debug           = flag.Bool("debug", false, "Enable debug logging")
		showVersion     = flag.Bool("version", false, "Print version and exit")
	)
	var allowTools, denyTools stringSliceFlag
	flag.Var(&allowTools, "allow-tool", "Extra tool to allow (repeatable)")
	flag.Var(&denyTools, "deny-tool", "Extra tool to deny (repeatable)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("storyloop %s (commit %s, built %s)\n", version.Version, version.Commit, version.Date)
		return 0
	}
	if *debug {
		logx.SetDebug(true)
	}

	workDir, err := os.Getwd()
	if err != nil {
		logger.Error("Failed to determine working directory: %v", err)
		return 1
	}

	if *initSecretsMode {
		return initSecrets(workDir, logger)
	}
	if *stats {
		return printStats(*prometheusURL, logger)
	}

	cfg, err := config.Load(workDir)
	if err != nil {
		logger.Error("Failed to load config: %v", err)
		return 1
	}
	applyFlagOverrides(cfg, map[string]func(){
		"backlog":           func() { cfg.Backlog = *backlogPath },
		"progress":          func() { cfg.Progress = *progressPath },
		"state":             func() { cfg.State = *statePath },
		"history-db":        func() { cfg.HistoryDB = *historyPath },
		"max-iterations":    func() { cfg.MaxIterations = *maxIterations },
		"sleep":             func() { cfg.Sleep = config.Duration(*sleepInterval) },
		"completion-token":  func() { cfg.CompletionToken = *completionToken },
		"allow-dirty":       func() { cfg.AllowDirty = *allowDirty },
		"agent":             func() { cfg.Agent.Backend = *agentBackend },
		"agent-bin":         func() { cfg.Agent.Bin = *agentBin },
		"model":             func() { cfg.Agent.Model = *model },
		"ollama-host":       func() { cfg.Agent.Host = *ollamaHost },
		"allow-profile":     func() { cfg.Agent.AllowProfile = *allowProfile },
		"prompt-prefix":     func() { cfg.Prompt.PrefixFile = *promptPrefix },
		"no-default-prompt": func() { cfg.Prompt.NoDefaultPrefix = *noDefaultPrompt },
		"metrics-addr":      func() { cfg.MetricsAddr = *metricsAddr },
	})
	cfg.Agent.AllowTools = append(cfg.Agent.AllowTools, allowTools...)
	cfg.Agent.DenyTools = append(cfg.Agent.DenyTools, denyTools...)
	if *once {
		cfg.MaxIterations = 1
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid configuration: %v", err)
		return 1
	}

	logger.Info("Starting story loop")
	logger.Info("Using backlog: %s", cfg.Backlog)
	logger.Info("Using progress ledger: %s", cfg.Progress)
	logger.Info("Using state file: %s", cfg.State)
	logger.Info("Max iterations: %d", cfg.MaxIterations)

	prefix, err := loadPromptPrefix(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}

	if err := loadSecrets(workDir, logger); err != nil {
		logger.Error("Failed to load secrets: %v", err)
		return 1
	}

	counter, err := prompt.NewTokenCounter()
	if err != nil {
		logger.Warn("Tokenizer unavailable, using character estimates: %v", err)
	}
	token := cfg.CompletionToken
	builder := prompt.NewBuilder(token, prefix, counter, cfg.Prompt.MaxTailTokens)
	logger.Info("Completion token: %s", builder.CompletionToken())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	agent, err := buildInvoker(ctx, cfg, workDir)
	if err != nil {
		logger.Error("Failed to create agent backend: %v", err)
		return 1
	}

	controller := loop.NewController(
		loop.Config{
			MaxIterations: cfg.MaxIterations,
			Sleep:         time.Duration(cfg.Sleep),
			AllowDirty:    cfg.AllowDirty,
			TailLines:     cfg.Prompt.TailLines,
		},
		backlog.NewStore(cfg.Backlog),
		gitx.NewGuard(gitx.NewDefaultRunner(), workDir),
		testrunner.NewRunner(exec.NewLocalExec(), workDir, time.Duration(cfg.Agent.Timeout)),
		ledger.NewLedger(cfg.Progress),
		agent,
		builder,
		runstate.NewStore(cfg.State),
	)

	// Audit surfaces: best effort, never gate the loop.
	if history, err := persistence.Open(cfg.HistoryDB); err != nil {
		logger.Warn("Iteration history disabled: %v", err)
	} else {
		defer history.Close()
		controller.SetHistory(history)
		logger.Info("Recording history session %s", history.SessionID())
	}
	if cfg.MetricsAddr != "" {
		controller.SetRecorder(metrics.NewRecorder())
		go func() {
			if err := metrics.Serve(cfg.MetricsAddr); err != nil {
				logger.Warn("Metrics listener failed: %v", err)
			}
		}()
		logger.Info("Serving metrics on %s", cfg.MetricsAddr)
	}

	code, err := controller.Run(ctx)
	if err != nil {
		logger.Error("Loop stopped: %v", err)
	}
	return code
}

// applyFlagOverrides applies only the flags the user actually set, so
// file-configured values survive unset flags.
func applyFlagOverrides(_ *config.Config, overrides map[string]func()) {
	flag.Visit(func(f *flag.Flag) {
		if apply, ok := overrides[f.Name]; ok {
			apply()
		}
	})
}

// loadPromptPrefix resolves the instruction prefix: an explicit file wins
// and must exist; otherwise prompts/default.txt is auto-detected unless
// disabled.
func loadPromptPrefix(cfg *config.Config, logger *logx.Logger) (string, error) {
	if cfg.Prompt.PrefixFile != "" {
		data, err := os.ReadFile(cfg.Prompt.PrefixFile)
		if err != nil {
			return "", fmt.Errorf("prompt prefix file not found: %s", cfg.Prompt.PrefixFile)
		}
		logger.Info("Using prompt prefix from: %s", cfg.Prompt.PrefixFile)
		return strings.TrimSpace(string(data)), nil
	}
	if cfg.Prompt.NoDefaultPrefix {
		logger.Info("Prompt prefix disabled")
		return "", nil
	}
	data, err := os.ReadFile(defaultPromptPrefix)
	if err != nil {
		logger.Info("No prompt prefix found (using dynamic instructions only)")
		return "", nil
	}
	logger.Info("Auto-detected prompt prefix: %s", defaultPromptPrefix)
	return strings.TrimSpace(string(data)), nil
}

// loadSecrets decrypts the project secrets file when present, prompting
// for the password on the terminal. API keys fall back to environment
// variables when no file exists.
func loadSecrets(workDir string, logger *logx.Logger) error {
	if !config.SecretsFileExists(workDir) {
		return nil
	}
	fmt.Fprint(os.Stderr, "Secrets password: ")
	password, err := term.ReadPassword(syscall.Stdin)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to read password: %w", err)
	}
	secrets, err := config.DecryptSecretsFile(workDir, string(password))
	if err != nil {
		return err
	}
	config.SetDecryptedSecrets(secrets)
	logger.Info("Loaded %d secrets", len(secrets))
	return nil
}

// printStats queries aggregated loop metrics back out of Prometheus and
// prints a short report.
func printStats(prometheusURL string, logger *logx.Logger) int {
	svc, err := metrics.NewQueryService(prometheusURL)
	if err != nil {
		logger.Error("Failed to create metrics query service: %v", err)
		return 1
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	loopMetrics, err := svc.GetLoopMetrics(ctx)
	if err != nil {
		logger.Error("Failed to query loop metrics from %s: %v", prometheusURL, err)
		return 1
	}
	outcomes, err := svc.GetIterationsByOutcome(ctx)
	if err != nil {
		logger.Error("Failed to query iteration outcomes: %v", err)
		return 1
	}

	fmt.Printf("Iterations:       %d\n", loopMetrics.Iterations)
	fmt.Printf("Stories accepted: %d\n", loopMetrics.StoriesAccepted)
	fmt.Printf("Test runs passed: %d\n", loopMetrics.TestRunsPassed)
	fmt.Printf("Test runs failed: %d\n", loopMetrics.TestRunsFailed)
	if len(outcomes) > 0 {
		fmt.Println("Iterations by outcome:")
		names := make([]string, 0, len(outcomes))
		for name := range outcomes {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Printf("  %-22s %d\n", name, outcomes[name])
		}
	}
	return 0
}

// initSecrets creates the encrypted secrets file: prompts for a password
// on the terminal, then reads KEY=VALUE pairs from stdin.
func initSecrets(workDir string, logger *logx.Logger) int {
	fmt.Fprint(os.Stderr, "New secrets password: ")
	password, err := term.ReadPassword(syscall.Stdin)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		logger.Error("Failed to read password: %v", err)
		return 1
	}
	fmt.Fprint(os.Stderr, "Confirm password: ")
	confirm, err := term.ReadPassword(syscall.Stdin)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		logger.Error("Failed to read password confirmation: %v", err)
		return 1
	}
	if string(password) != string(confirm) {
		_ = logx.Errorf("passwords do not match")
		return 1
	}

	fmt.Fprintln(os.Stderr, "Enter KEY=VALUE pairs, one per line (blank line or EOF to finish):")
	secrets := make(map[string]string)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			break
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			logger.Warn("Skipping malformed line (want KEY=VALUE): %s", line)
			continue
		}
		secrets[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}

	if err := config.EncryptSecretsFile(workDir, string(password), secrets); err != nil {
		logger.Error("Failed to write secrets file: %v", err)
		return 1
	}
	logger.Info("Encrypted %d secrets into %s/", len(secrets), config.ProjectConfigDir)
	return 0
}

// buildInvoker constructs the configured agent backend.
func buildInvoker(ctx context.Context, cfg *config.Config, workDir string) (invoker.Invoker, error) {
	agent := &cfg.Agent
	switch agent.Backend {
	case invoker.BackendProcess:
		extraArgs, err := invoker.ToolArgs(agent.Model, agent.AllowProfile, agent.AllowTools, agent.DenyTools)
		if err != nil {
			return nil, err
		}
		return invoker.NewProcessInvoker(agent.Bin, workDir, extraArgs, time.Duration(agent.Timeout)), nil
	case invoker.BackendAnthropic:
		key, err := config.GetSecret("ANTHROPIC_API_KEY")
		if err != nil {
			return nil, err
		}
		return invoker.NewAnthropicInvoker(key, agent.Model), nil
	case invoker.BackendOpenAI:
		key, err := config.GetSecret("OPENAI_API_KEY")
		if err != nil {
			return nil, err
		}
		return invoker.NewOpenAIInvoker(key, agent.Model), nil
	case invoker.BackendOllama:
		return invoker.NewOllamaInvoker(agent.Host, agent.Model), nil
	case invoker.BackendGemini:
		key, err := config.GetSecret("GEMINI_API_KEY")
		if err != nil {
			return nil, err
		}
		return invoker.NewGeminiInvoker(ctx, key, agent.Model)
	default:
		return nil, fmt.Errorf("unknown agent backend %q", agent.Backend)
	}
}
