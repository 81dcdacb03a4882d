package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/andywolf/swarmd/internal/agentproc"
	"github.com/andywolf/swarmd/internal/config"
	"github.com/andywolf/swarmd/internal/dashboard"
	"github.com/andywolf/swarmd/internal/ghclient"
	"github.com/andywolf/swarmd/internal/logx"
	"github.com/andywolf/swarmd/internal/metrics"
	"github.com/andywolf/swarmd/internal/poller"
	"github.com/andywolf/swarmd/internal/prmonitor"
	"github.com/andywolf/swarmd/internal/store"
	"github.com/andywolf/swarmd/internal/supervisor"
	"github.com/andywolf/swarmd/internal/worktree"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator's control loops until signaled to stop",
	Long: `serve loads configuration, opens the state store, runs startup
crash recovery, and then runs the Issue Poller, PR Monitor, Agent Pool
Supervisor, rate-limit watcher, and status dashboard concurrently until
SIGINT/SIGTERM.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log := logx.New("swarmd")
	log.Info("starting with config: %+v", cfg.Redacted())

	st, err := store.Open(cfg.DBPath, logx.New("store"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	result, orphaned, err := st.Recover(agentproc.IsAlive, logx.New("recovery"))
	if err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}
	log.Info("recovery: inspected=%d left_alone=%d orphaned=%d", result.Inspected, result.LeftAlone, result.Orphaned)

	wt := worktree.New(cfg.TargetRepoPath, cfg.WorktreeDir, cfg.BaseBranch)
	for _, run := range orphaned {
		if err := wt.Cleanup(context.Background(), run.WorktreePath); err != nil {
			log.Warn("cleanup orphaned worktree %s: %v", run.WorktreePath, err)
		}
	}

	host, err := ghclient.New(cfg.GitHubRepo, cfg.GHToken)
	if err != nil {
		return fmt.Errorf("init github client: %w", err)
	}

	met := metrics.New()

	capDir := ""
	if cfg.SkillsEnabled {
		capDir = cfg.CapabilitiesDir
	}

	sup := supervisor.New(st, host, wt, met, logx.New("supervisor"), supervisor.Config{
		Repository:           cfg.GitHubRepo,
		BaseBranch:           cfg.BaseBranch,
		ClaudeCodeOAuthToken: cfg.ClaudeCodeOAuthToken,
		GHToken:              cfg.GHToken,
		MaxConcurrentAgents:  cfg.MaxConcurrentAgents,
		MaxTurnsImplement:    cfg.AgentMaxTurnsImplement,
		MaxTurnsFix:          cfg.AgentMaxTurnsFix,
		AgentTimeout:         cfg.AgentTimeout,
		MaxRateLimitResumes:  cfg.MaxRateLimitResumes,
		MaxIssueRetries:      cfg.MaxIssueRetries,
		NeedsHumanLabel:      "needs-human",
		CapabilityDir:        capDir,
	})

	pollLoop := poller.New(host, st, logx.New("poller"), cfg.IssueLabel, cfg.TriggerMention,
		cfg.PollInterval, cfg.PollInterval*10)
	prLoop := prmonitor.New(host, st, logx.New("prmonitor"), cfg.MaxPRFixRetries, "needs-human")
	dash := dashboard.New(st, met, logx.New("dashboard"), cfg.DashboardPort, 120, cfg.PRPollInterval)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received signal %v, shutting down", sig)
		cancel()
	}()

	go pollLoop.Run(ctx, cfg.PollInterval)
	go prLoop.Run(ctx, cfg.PRPollInterval)
	go sup.RateLimitWatcher(ctx, cfg.RateLimitRetryInterval)
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			sup.DispatchCycle(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	if err := dash.Run(ctx); err != nil {
		log.Error("dashboard exited with error: %v", err)
		return err
	}

	log.Info("swarmd stopped")
	return nil
}
