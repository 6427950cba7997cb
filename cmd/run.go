// File: cmd/run.go
package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wayfindlabs/wayfind/internal/agent"
	"github.com/wayfindlabs/wayfind/internal/browser"
	"github.com/wayfindlabs/wayfind/internal/config"
	"github.com/wayfindlabs/wayfind/internal/observability"
	"github.com/wayfindlabs/wayfind/internal/planner"
	"github.com/wayfindlabs/wayfind/internal/trace"
)

// newRunCmd creates and configures the `run` command.
func newRunCmd() *cobra.Command {
	var (
		startURL    string
		maxSteps    int
		interactive bool
		autoConfirm bool
		headed      bool
	)

	runCmd := &cobra.Command{
		Use:   "run <goal>",
		Short: "Runs one agent session toward the given goal",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger := observability.GetLogger()
			goal := strings.TrimSpace(strings.Join(args, " "))
			if goal == "" {
				return fmt.Errorf("goal must not be empty")
			}

			// Flag overrides on top of file/env configuration.
			if cmd.Flags().Changed("max-steps") {
				cfg.Agent.MaxSteps = maxSteps
			}
			if cmd.Flags().Changed("interactive") {
				cfg.Agent.Interactive = interactive
			}
			if cmd.Flags().Changed("auto-confirm") {
				cfg.Agent.AutoConfirm = autoConfirm
			}
			if cmd.Flags().Changed("headed") {
				cfg.Browser.Headless = !headed
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration after flag overrides: %w", err)
			}

			sessionID := uuid.New().String()
			logger.Info("Starting agent session",
				zap.String("session_id", sessionID),
				zap.String("goal", goal),
				zap.String("start_url", startURL),
				zap.Int("max_steps", cfg.Agent.MaxSteps))

			tracer, err := trace.NewWriter(cfg.Agent.StateDir, sessionID, logger)
			if err != nil {
				return fmt.Errorf("failed to open trace writer: %w", err)
			}
			defer tracer.Close()

			env, err := browser.NewRuntime(ctx, cfg.Browser, cfg.Agent.MappingLimit, logger)
			if err != nil {
				return fmt.Errorf("failed to launch browser: %w", err)
			}
			defer env.Close()

			if startURL != "" {
				if !strings.HasPrefix(startURL, "http://") && !strings.HasPrefix(startURL, "https://") {
					startURL = "https://" + startURL
				}
				if err := env.Navigate(ctx, startURL); err != nil {
					return fmt.Errorf("failed to open start URL: %w", err)
				}
			}

			oracle, err := planner.New(cfg.Oracle, cfg.Agent.StateDir, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize planner: %w", err)
			}

			confirmer := newConsoleConfirmer(cfg.Agent.Interactive, os.Stdin, os.Stderr)
			engine := agent.NewEngine(env, oracle, confirmer, tracer, logger, engineConfig(cfg.Agent))

			res, runErr := engine.Run(ctx, sessionID, goal)

			if path, saveErr := tracer.SaveResult(res); saveErr != nil {
				logger.Warn("Could not persist session result.", zap.Error(saveErr))
			} else {
				logger.Info("Session result saved.", zap.String("path", path))
			}
			if runErr != nil {
				return fmt.Errorf("session aborted: %w", runErr)
			}
			if res.TerminalType != agent.TerminalSuccess {
				return fmt.Errorf("session finished without success: %s (%s)", res.TerminalReason, res.StopDetails)
			}
			return nil
		},
	}

	runCmd.Flags().StringVarP(&startURL, "url", "u", "", "URL to open before the first observation")
	runCmd.Flags().IntVar(&maxSteps, "max-steps", 0, "override the step budget for this session")
	runCmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "prompt on confirmation points instead of auto-declining")
	runCmd.Flags().BoolVar(&autoConfirm, "auto-confirm", false, "approve security-flagged actions without prompting")
	runCmd.Flags().BoolVar(&headed, "headed", false, "run the browser with a visible window")

	return runCmd
}

// engineConfig maps the file configuration onto the control-loop config.
func engineConfig(a config.AgentConfig) agent.Config {
	return agent.Config{
		MappingLimit:          a.MappingLimit,
		MaxSteps:              a.MaxSteps,
		PlannerTimeout:        a.PlannerTimeout,
		ExecuteTimeout:        a.ExecuteTimeout,
		AutoConfirm:           a.AutoConfirm,
		Interactive:           a.Interactive,
		LoopRepeatThreshold:   a.LoopRepeatThreshold,
		StagnationThreshold:   a.StagnationThreshold,
		MaxAutoScrolls:        a.MaxAutoScrolls,
		LoopRetryMappingBoost: a.LoopRetryMappingBoost,
		ProgressKeywords:      a.ProgressKeywords,
		AutoDoneMode:          a.AutoDoneMode,
		AutoDoneThreshold:     a.AutoDoneThreshold,
		AutoDoneRequireURL:    a.AutoDoneRequireURL,
		PagedScanSteps:        a.PagedScanSteps,
		PagedScanViewports:    a.PagedScanViewports,
		TypeSubmitFallback:    a.TypeSubmitFallback,
		ConservativeObserve:   a.ConservativeObserve,
		MaxReobserveAttempts:  a.MaxReobserveAttempts,
		MaxAttemptsPerElement: a.MaxAttemptsPerElement,
		ScrollStep:            a.ScrollStep,
		MaxPlannerCalls:       a.MaxPlannerCalls,
		MaxNoProgressSteps:    a.MaxNoProgressSteps,
		SensitivePaths:        a.SensitivePaths,
		RiskyDomains:          a.RiskyDomains,
	}
}
