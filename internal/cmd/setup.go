package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/harrison/taskproof/internal/clock"
	"github.com/harrison/taskproof/internal/config"
	"github.com/harrison/taskproof/internal/ledger"
	"github.com/harrison/taskproof/internal/logger"
	"github.com/harrison/taskproof/internal/notify"
	"github.com/harrison/taskproof/internal/pipeline"
	"github.com/harrison/taskproof/internal/scheduler"
	"github.com/harrison/taskproof/internal/store"
	"github.com/harrison/taskproof/internal/verify"
)

// app bundles everything a command needs. Only serve runs the scheduler;
// one-shot commands evaluate deadlines lazily when they touch a task.
type app struct {
	cfg     *config.Config
	log     logger.Logger
	store   store.Backend
	ledger  *ledger.Service
	machine *verify.Machine
	sched   *scheduler.Scheduler
	webhook *notify.WebhookClient
	fileLog *logger.FileLogger
}

type appOptions struct {
	// scheduled attaches a deadline scheduler to the machine
	scheduled bool
	// fileLog writes a run log under cfg.LogDir
	fileLog bool
}

// loadConfig resolves configuration: file, then .env and TASKPROOF_* env, then flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	flags := cmd.Flags()

	envFile, _ := flags.GetString("env-file")
	if envFile != "" {
		if err := config.LoadEnv(envFile); err != nil {
			return nil, err
		}
	}

	configPath, _ := flags.GetString("config")
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadConfig(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
		}
	} else {
		home, err := config.GetHome()
		if err != nil {
			return nil, err
		}
		cfg, err = config.LoadConfig(filepath.Join(home, "config.yaml"))
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}
	cfg.ApplyEnv()

	// Only flags the user actually set override the config
	stringFlag := func(name string) *string {
		if !flags.Changed(name) {
			return nil
		}
		v, _ := flags.GetString(name)
		return &v
	}
	var listenAddr *string
	if flags.Lookup("listen") != nil {
		listenAddr = stringFlag("listen")
	}
	cfg.MergeWithFlags(stringFlag("log-level"), stringFlag("log-dir"), stringFlag("data-dir"), stringFlag("store"), listenAddr)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newApp loads configuration and wires the store, ledger, pipeline,
// notifier and state machine.
func newApp(cmd *cobra.Command, opts appOptions) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg}
	console := logger.NewConsoleLogger(cmd.ErrOrStderr(), cfg.LogLevel)
	a.log = console
	if opts.fileLog {
		fl, err := logger.NewFileLogger(cfg.LogDir, cfg.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("failed to create file logger: %w", err)
		}
		a.fileLog = fl
		a.log = logger.NewMultiLogger(console, fl)
	}

	if cfg.StoreBackend != store.BackendMemory {
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			a.Close()
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}
	st, err := store.Open(cfg.StoreBackend, cfg.DataDir)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open %s store: %w", cfg.StoreBackend, err)
	}
	a.store = st
	a.ledger = ledger.New(st, a.log)

	verifier, err := newPipeline(cfg, st, a.log)
	if err != nil {
		a.Close()
		return nil, err
	}

	senders := notify.MultiSender{notify.NewLogSender(a.log)}
	if cfg.Notify.Enabled && cfg.Notify.WebhookURL != "" {
		a.webhook = notify.NewWebhookClient(notify.WebhookConfig{
			Enabled: true,
			URL:     cfg.Notify.WebhookURL,
			Timeout: cfg.Notify.Timeout,
		}, a.log)
		senders = append(senders, a.webhook)
	}

	clk := clock.System{}
	deps := verify.Deps{
		Tasks:    st,
		Configs:  st,
		Records:  st,
		Ledger:   a.ledger,
		Verifier: verifier,
		Notifier: notify.NewAnnouncer(senders),
		Clock:    clk,
		Logger:   a.log,
	}
	if opts.scheduled {
		a.sched = scheduler.New(clk, a.log)
		deps.Scheduler = a.sched
	}
	a.machine = verify.New(deps, settingsFromConfig(cfg.Verification))
	return a, nil
}

// Close releases the store and waits for in-flight webhook posts.
func (a *app) Close() error {
	if a.sched != nil {
		a.sched.Stop()
	}
	if a.webhook != nil {
		a.webhook.Wait()
	}
	var err error
	if a.store != nil {
		err = a.store.Close()
	}
	if a.fileLog != nil {
		if cerr := a.fileLog.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func settingsFromConfig(v config.VerificationConfig) verify.Settings {
	return verify.Settings{
		StartWindow:         v.StartWindow,
		StartTimeoutReset:   v.StartTimeoutReset,
		TaskTimeoutReset:    v.TaskTimeoutReset,
		StartThreshold:      v.StartThreshold,
		CompletionThreshold: v.CompletionThreshold,
		MaxStartTimeouts:    v.MaxStartTimeouts,
		FailureStrikeLimit:  v.FailureStrikeLimit,
		EndingWarnings:      append([]time.Duration(nil), v.EndingWarnings...),
	}
}

func pipelineOptions(p config.PipelineConfig) pipeline.Options {
	return pipeline.Options{
		CompressTimeout: p.CompressTimeout,
		UploadTimeout:   p.UploadTimeout,
		ScoreTimeout:    p.ScoreTimeout,
	}
}

// newPipeline builds compress, upload and score stages from config.
func newPipeline(cfg *config.Config, tasks verify.TaskStore, log logger.Logger) (*pipeline.Pipeline, error) {
	p := cfg.Pipeline

	var uploader pipeline.Uploader
	switch strings.ToLower(p.Uploader) {
	case "", "local":
		uploader = pipeline.NewLocalUploader(p.UploadDir, p.PublicBaseURL)
	case "ipfs":
		uploader = pipeline.NewIPFSUploader(p.IPFSAPI, p.IPFSGateway, p.UploadTimeout)
	default:
		return nil, fmt.Errorf("unknown uploader %q, must be one of: local, ipfs", p.Uploader)
	}

	return pipeline.New(
		pipeline.NewJPEGCompressor(p.MaxImageDimension, p.JPEGQuality),
		uploader,
		pipeline.NewHTTPScorer(cfg.Scorer.BaseURL, cfg.Scorer.APIKey),
		verify.TaskAttachments{Tasks: tasks},
		pipelineOptions(p),
		log,
	), nil
}
