package agent

import (
	"context"
	"log/slog"

	"github.com/moonbotlabs/moonbot/internal/sessions"
	"github.com/moonbotlabs/moonbot/pkg/models"
)

// Pipeline is the orchestrator's entry point: plan the task's message, then
// execute the plan against the runtime.
type Pipeline struct {
	planner  *Planner
	executor *Executor
	sessions *sessions.Store
	logger   *slog.Logger
}

// NewPipeline wires a planner and executor behind one Run call.
func NewPipeline(planner *Planner, executor *Executor, store *sessions.Store, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Pipeline{
		planner:  planner,
		executor: executor,
		sessions: store,
		logger:   logger.With("component", "pipeline"),
	}
}

// Run handles one task end to end and returns the reply text. The user
// message is recorded here, after the planning history snapshot, so the
// prompt never carries the message twice.
func (p *Pipeline) Run(ctx context.Context, task *models.Task, session *models.Session) (string, error) {
	history, err := p.sessions.GetHistory(ctx, session.ID, 20)
	if err != nil {
		p.logger.Warn("history unavailable, planning without it",
			"session", session.ID, "error", err)
	}
	if err := p.sessions.AppendMessage(ctx, session.ID, models.Message{
		Type:    models.MessageUser,
		Content: task.Message,
	}); err != nil {
		p.logger.Warn("failed to record user message", "session", session.ID, "error", err)
	}

	plan, err := p.planner.Plan(ctx, task.Message, history, session.UserID)
	if err != nil {
		return "", err
	}
	return p.executor.Execute(ctx, plan, session)
}
