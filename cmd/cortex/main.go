package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"cortex/internal/approval"
	"cortex/internal/config"
	"cortex/internal/core"
	"cortex/internal/events"
	"cortex/internal/logging"
	"cortex/internal/module"
	"cortex/internal/perception"
	"cortex/internal/rules"
	"cortex/internal/types"
)

var (
	// Global flags
	verbose    bool
	workspace  string
	provider   string
	model      string
	timeout    time.Duration
	showEvents bool

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "cortex",
	Short: "cortex - cognitive orchestration engine",
	Long: `cortex classifies a user turn along six semantic dimensions, derives an
execution plan from a rule base, and drives one or more LLM calls (direct,
sequential, parallel, or a tool-using task loop) to produce a single response.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg := zap.NewProductionConfig()
		if verbose {
			cfg = zap.NewDevelopmentConfig()
			cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = cfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		if err := logging.Initialize(workspace); err != nil {
			logger.Warn("category logging unavailable", zap.Error(err))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var runCmd = &cobra.Command{
	Use:   "run [input]",
	Short: "Process one turn through the full pipeline",
	Long: `Classifies the input, derives and selects an execution plan, executes it,
and prints the response. Tool calls in ask mode prompt for approval on stdin.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runTurn,
}

var classifyCmd = &cobra.Command{
	Use:   "classify [input]",
	Short: "Show the signal facts the classifier bank produces for an input",
	Args:  cobra.MinimumNArgs(1),
	RunE:  classifyInput,
}

var plansCmd = &cobra.Command{
	Use:   "plans [input]",
	Short: "Show plan derivation and selection for an input without executing",
	Args:  cobra.MinimumNArgs(1),
	RunE:  showPlans,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", ".", "Workspace directory")
	rootCmd.PersistentFlags().StringVar(&provider, "provider", "", "LLM provider (openai, anthropic, gemini, mock)")
	rootCmd.PersistentFlags().StringVar(&model, "model", "", "Model override")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Minute, "Turn timeout")
	runCmd.Flags().BoolVar(&showEvents, "events", false, "Print the boundary event stream")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(classifyCmd)
	rootCmd.AddCommand(plansCmd)
}

func main() {
	_ = godotenv.Load()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads workspace config and applies CLI overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	if provider != "" {
		cfg.LLM.Provider = provider
	}
	if model != "" {
		cfg.LLM.Model = model
	}
	return cfg, nil
}

// signalContext returns a context cancelled by SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			logger.Info("received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func runTurn(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.HasLLM() {
		return fmt.Errorf("no LLM provider configured: set an API key or use --provider mock")
	}

	client, err := perception.NewClient(ctx, cfg.LLM)
	if err != nil {
		return err
	}

	stream := events.NewStream()
	if showEvents {
		stream.Subscribe(func(ev events.Event) {
			fmt.Fprintf(os.Stderr, "[event] %-14s %s %s\n", ev.EventRole, ev.BoundaryType, ev.Event)
		})
	}

	pipeline, err := core.New(core.Options{Config: cfg, Client: client, Stream: stream})
	if err != nil {
		return err
	}
	if err := pipeline.Start(ctx); err != nil {
		return err
	}
	defer pipeline.Close()

	// In ask mode, resolve tool approvals interactively on stdin.
	if cfg.Tools.ApprovalMode == string(approval.ModeAsk) {
		go resolveApprovals(ctx, pipeline.Approvals())
	}

	input := strings.Join(args, " ")
	resp := pipeline.RunTurn(ctx, types.Thread{{Role: types.RoleUser, Content: input}})

	fmt.Println(resp.Text)
	if verbose {
		logger.Info("turn complete",
			zap.String("strategy", resp.Metadata.Strategy),
			zap.String("role", resp.Metadata.Role),
			zap.Duration("duration", resp.Metadata.Duration),
			zap.Bool("fallback", resp.Metadata.Fallback),
			zap.String("errorCode", resp.Metadata.ErrorCode),
			zap.Int("tokens", resp.Metadata.Usage.Total()))
	}
	return nil
}

// resolveApprovals prompts on stdin for every queued tool approval.
func resolveApprovals(ctx context.Context, c *approval.Coordinator) {
	reader := bufio.NewReader(os.Stdin)
	for {
		req, ok := c.Next(ctx)
		if !ok {
			return
		}
		fmt.Fprintf(os.Stderr, "approve tool call %s(%v)? [y/N] ", req.Tool, req.Args)
		line, err := reader.ReadString('\n')
		if err != nil {
			c.Resolve(req.ID, false)
			continue
		}
		answer := strings.ToLower(strings.TrimSpace(line))
		c.Resolve(req.ID, answer == "y" || answer == "yes")
	}
}

func classifyInput(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Classification works offline: enhancement is skipped without a client.
	var client types.LLMClient
	if cfg.HasLLM() && cfg.LLM.EnhanceClassifiers {
		if client, err = perception.NewClient(ctx, cfg.LLM); err != nil {
			return err
		}
	}

	bankCfg := perception.DefaultBankConfig()
	bankCfg.Enhance = client != nil
	bank := perception.NewBank(client, bankCfg)

	input := strings.Join(args, " ")
	signals, err := bank.Classify(ctx, types.Thread{{Role: types.RoleUser, Content: input}}, 1)
	if err != nil {
		return err
	}

	if len(signals) == 0 {
		fmt.Println("no signals")
		return nil
	}
	for _, s := range signals {
		fmt.Printf("%-12s %-16s %.2f  (%s)\n", s.Dimension, s.Signal, s.Confidence, s.Provenance.Source)
	}
	return nil
}

func showPlans(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	bank := perception.NewBank(nil, perception.DefaultBankConfig())
	input := strings.Join(args, " ")
	signals, err := bank.Classify(ctx, types.Thread{{Role: types.RoleUser, Content: input}}, 1)
	if err != nil {
		return err
	}

	mod := module.Default()
	engine := rules.New()
	engine.AddRules(mod.Rules())
	engine.AddRules(rules.GeneratePolicyRules(cfg.Limits))
	engine.AddRules(rules.SystemRules(rules.DefaultSystemConfig()))
	engine.InsertFact(&types.TurnContext{CurrentTurnIndex: 1})
	for _, s := range signals {
		engine.InsertFact(s)
	}

	factMap, err := engine.Run()
	if err != nil {
		return err
	}

	for _, p := range factMap.Plans() {
		status := ""
		if p.PolicyBlocked {
			status = fmt.Sprintf("  BLOCKED %s", p.BlockedCode)
		}
		fmt.Printf("%-24s %-10s%s\n", p.Name, p.Strategy, status)
	}
	if sel := factMap.Selected(); sel != nil && sel.Plan != nil {
		fmt.Printf("\nselected: %s (%s)\n", sel.Plan.Name, sel.Plan.Strategy)
		if sel.Plan.Rationale != "" {
			fmt.Printf("rationale: %s\n", sel.Plan.Rationale)
		}
	}
	return nil
}
