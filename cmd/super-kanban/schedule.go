package main

import (
	"context"
	"log/slog"

	"github.com/aira-core/openclaw/internal/bindings"
	"github.com/aira-core/openclaw/internal/config"
	"github.com/aira-core/openclaw/internal/reconcile"
	"github.com/aira-core/openclaw/internal/redact"
	"github.com/aira-core/openclaw/internal/schedule"
)

// startScheduledReconcile arms the cron-driven fix pass when configured.
func startScheduledReconcile(ctx context.Context, cfg config.Config, index *bindings.Index, redactor *redact.Redactor, client reconcile.Poster, logger *slog.Logger) (*schedule.Scheduler, error) {
	if cfg.Reconcile.Schedule == "" {
		return nil, nil
	}
	sched, err := schedule.New(schedule.Config{
		Spec:   cfg.Reconcile.Schedule,
		Logger: logger,
		Run: func(ctx context.Context) error {
			report, err := reconcile.Run(ctx, reconcile.Options{
				StateDir:       cfg.StateDir,
				Mode:           reconcile.ModeFix,
				AgentAllowlist: cfg.Reconcile.Agents,
				MaxSessions:    cfg.Reconcile.MaxSessions,
				PreviewLimit:   cfg.Reconcile.PreviewLimit,
				Client:         client,
				Index:          index,
				Redactor:       redactor,
				Logger:         logger,
			})
			if err != nil {
				return err
			}
			logger.Info("scheduled reconcile report",
				"matched", report.SessionsMatched,
				"messages", report.Messages,
				"tool_calls", report.ToolCalls,
				"requests", report.Requests,
			)
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	sched.Start(ctx)
	return sched, nil
}
