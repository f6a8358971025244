package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"julian-relay/internal/delivery"
	"julian-relay/internal/domain"
	"julian-relay/internal/generation"
	"julian-relay/internal/trigger"
)

// DefaultTimeout bounds one task from the user-turn append to the last
// delivered message.
const DefaultTimeout = 3 * time.Minute

const (
	errorPrefix       = "❌ Error: "
	resetConfirmation = "🧹 Your context in this channel has been cleared."
)

// HistoryStore holds per-session turn history behind a per-key lock.
type HistoryStore interface {
	Acquire(ctx context.Context, key domain.SessionKey) (func(), error)
	Get(key domain.SessionKey) []domain.Turn
	Append(key domain.SessionKey, role domain.Role, text string)
	Clear(key domain.SessionKey)
}

type Generator interface {
	Complete(ctx context.Context, prompt string) (string, error)
	Stream(ctx context.Context, prompt string) (*generation.Stream, error)
}

// TranscriptWriter archives completed exchanges. It never feeds history.
type TranscriptWriter interface {
	SaveExchange(ctx context.Context, key domain.SessionKey, requestID string, turns []domain.Turn) error
}

// Responder is the outgoing side of one inbound event.
type Responder interface {
	delivery.Target
	// Reply sends a standalone response to the triggering event.
	Reply(ctx context.Context, text string) error
	// Typing shows a short-lived activity indicator.
	Typing(ctx context.Context) error
}

type MessageInput struct {
	RequestID      string
	ConversationID string
	AuthorID       string
	AuthorName     string
	IsBot          bool
	Text           string
	BotID          string
}

type CommandInput struct {
	RequestID      string
	ConversationID string
	AuthorID       string
	AuthorName     string
	Prompt         string
	Ephemeral      bool
}

type ResetInput struct {
	RequestID      string
	ConversationID string
	AuthorID       string
}

type RelayConfig struct {
	Persona string
	Stream  bool
	Scope   domain.SessionScope
	// Timeout bounds generation and delivery of one task. Zero means
	// DefaultTimeout.
	Timeout time.Duration
}

type RelayService struct {
	store   HistoryStore
	router  *trigger.Router
	gen     Generator
	ctrl    *delivery.Controller
	archive TranscriptWriter
	logger  *slog.Logger

	persona string
	stream  bool
	scope   domain.SessionScope
	timeout time.Duration
	hint    string
}

func NewRelayService(store HistoryStore, router *trigger.Router, gen Generator, ctrl *delivery.Controller, archive TranscriptWriter, logger *slog.Logger, cfg RelayConfig) (*RelayService, error) {
	if store == nil {
		return nil, errors.New("usecase: history store must not be nil")
	}
	if router == nil {
		return nil, errors.New("usecase: router must not be nil")
	}
	if gen == nil {
		return nil, errors.New("usecase: generator must not be nil")
	}
	if ctrl == nil {
		return nil, errors.New("usecase: delivery controller must not be nil")
	}
	if archive == nil {
		archive = noopArchive{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	persona := strings.TrimSpace(cfg.Persona)
	if persona == "" {
		persona = DefaultPersona
	}
	scope := cfg.Scope
	if scope == "" {
		scope = domain.ScopeChannelUser
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &RelayService{
		store:   store,
		router:  router,
		gen:     gen,
		ctrl:    ctrl,
		archive: archive,
		logger:  logger,
		persona: persona,
		stream:  cfg.Stream,
		scope:   scope,
		timeout: timeout,
		hint:    usageHint(router.Prefixes()),
	}, nil
}

func usageHint(prefixes []string) string {
	if len(prefixes) == 0 {
		return "Write your message after the mention."
	}
	return fmt.Sprintf("Write your message after the prefix (%s) or after the mention.", strings.Join(prefixes, "/"))
}

// HandleMessage handles free text. Events from bots and text not addressed
// to the bot are ignored.
func (s *RelayService) HandleMessage(ctx context.Context, in MessageInput, r Responder) error {
	if in.IsBot {
		return nil
	}
	m, ok := s.router.Route(in.Text, in.BotID)
	if !ok {
		return nil
	}
	if m.Empty() {
		if err := r.Reply(ctx, s.hint); err != nil {
			return newError(ErrorDelivery, "hint_reply_failed", err)
		}
		return newError(ErrorInvalidInput, "empty_prompt", nil)
	}

	t := s.newTask(in.RequestID, in.ConversationID, in.AuthorID, in.AuthorName, m.Prompt, "message", delivery.MessageProfile)
	if err := r.Typing(ctx); err != nil {
		t.log.Debug("typing indicator failed", "error", err)
	}
	return s.run(ctx, t, r)
}

// HandleCommand handles the direct command. The reply has already been
// deferred by the caller.
func (s *RelayService) HandleCommand(ctx context.Context, in CommandInput, r Responder) error {
	prompt := strings.TrimSpace(in.Prompt)
	if prompt == "" {
		if err := r.Update(ctx, s.hint); err != nil {
			return newError(ErrorDelivery, "hint_update_failed", err)
		}
		return newError(ErrorInvalidInput, "empty_prompt", nil)
	}
	t := s.newTask(in.RequestID, in.ConversationID, in.AuthorID, in.AuthorName, prompt, "command", delivery.CommandProfile)
	return s.run(ctx, t, r)
}

// Reset clears the caller's session once any task running on it is done.
func (s *RelayService) Reset(ctx context.Context, in ResetInput, r Responder) error {
	key := domain.NewSessionKey(s.scope, in.ConversationID, in.AuthorID)
	release, err := s.store.Acquire(ctx, key)
	if err != nil {
		return newError(ErrorInternal, "session_lock_cancelled", err)
	}
	s.store.Clear(key)
	release()

	s.logger.Info("session reset", "request_id", requestID(in.RequestID), "session", string(key))
	if err := r.Reply(ctx, resetConfirmation); err != nil {
		return newError(ErrorDelivery, "reset_reply_failed", err)
	}
	return nil
}

type task struct {
	key     domain.SessionKey
	id      string
	prompt  string
	speaker string
	profile delivery.Profile
	log     *slog.Logger
}

func (s *RelayService) newTask(reqID, conversationID, authorID, authorName, prompt, mode string, p delivery.Profile) task {
	key := domain.NewSessionKey(s.scope, conversationID, authorID)
	id := requestID(reqID)
	return task{
		key:     key,
		id:      id,
		prompt:  prompt,
		speaker: speakerName(authorName),
		profile: p,
		log:     s.logger.With("request_id", id, "session", string(key), "mode", mode),
	}
}

// run is the shared pipeline. The session lock is held from the user-turn
// append to the assistant-turn append. Generation and delivery share the
// task timeout.
func (s *RelayService) run(ctx context.Context, t task, r Responder) error {
	release, err := s.store.Acquire(ctx, t.key)
	if err != nil {
		return newError(ErrorInternal, "session_lock_cancelled", err)
	}
	defer release()

	start := time.Now()
	s.store.Append(t.key, domain.RoleUser, t.prompt)
	prompt := BuildPrompt(s.persona, s.store.Get(t.key), t.prompt, t.speaker)

	genCtx, cancel := context.WithTimeout(ctx, s.timeout)
	answer, err := s.generate(genCtx, prompt, t.profile, r)
	cancel()
	if answer == "" {
		// Generation never completed; history keeps only the user turn.
		s.reportFailure(ctx, t, r, err)
		return err
	}

	s.store.Append(t.key, domain.RoleAssistant, answer)
	turns := []domain.Turn{
		{Role: domain.RoleUser, Text: t.prompt},
		{Role: domain.RoleAssistant, Text: answer},
	}
	if archiveErr := s.archive.SaveExchange(ctx, t.key, t.id, turns); archiveErr != nil {
		t.log.Warn("transcript archive failed", "error", archiveErr)
	}

	if err != nil {
		t.log.Error("delivery failed", "error", err)
		return err
	}
	t.log.Info("task completed",
		"stream", s.stream,
		"answer_chars", len([]rune(answer)),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// generate produces and delivers the answer. A non-empty answer means
// generation completed even if err reports a delivery failure.
func (s *RelayService) generate(ctx context.Context, prompt string, p delivery.Profile, r Responder) (string, error) {
	if s.stream {
		stream, err := s.gen.Stream(ctx, prompt)
		if err != nil {
			return "", generationError("stream_open_error", err)
		}
		defer stream.Close()

		final, err := s.ctrl.Stream(ctx, r, stream, p)
		var genErr *delivery.GenerationError
		switch {
		case errors.As(err, &genErr):
			return "", generationError("stream_error", err)
		case err != nil && final == "":
			return "", newError(ErrorDelivery, "progress_delivery_failed", err)
		case err != nil:
			return final, newError(ErrorDelivery, "final_delivery_failed", err)
		}
		return final, nil
	}

	if p.Placeholder != "" {
		if err := r.Update(ctx, p.Placeholder); err != nil {
			return "", newError(ErrorDelivery, "placeholder_failed", err)
		}
	}
	text, err := s.gen.Complete(ctx, prompt)
	if err != nil {
		return "", generationError("respond_error", err)
	}
	if text == "" {
		text = delivery.EmptyText
	}
	if err := s.ctrl.Deliver(ctx, r, text); err != nil {
		return text, newError(ErrorDelivery, "final_delivery_failed", err)
	}
	return text, nil
}

// reportFailure tells the user about a failed task: first by replacing the
// reply, then by a fresh reply. A second failure is only logged.
func (s *RelayService) reportFailure(ctx context.Context, t task, r Responder, err error) {
	t.log.Error("task failed", "error", err)
	msg := errorPrefix + userMessage(err)
	updateErr := r.Update(ctx, msg)
	if updateErr == nil {
		return
	}
	if replyErr := r.Reply(ctx, msg); replyErr != nil {
		t.log.Warn("error report not delivered", "update_error", updateErr, "reply_error", replyErr)
	}
}

func userMessage(err error) string {
	var svcErr *generation.ServiceError
	switch {
	case errors.As(err, &svcErr) && svcErr.Message != "":
		return svcErr.Message
	case errors.Is(err, context.DeadlineExceeded):
		return "the model took too long to answer"
	case errors.Is(err, context.Canceled):
		return "the request was cancelled"
	}
	if code, ok := CodeOf(err); ok && code == ErrorRateLimited {
		return "the model is rate limited, try again in a moment"
	}
	var ue *Error
	if errors.As(err, &ue) && ue.Err != nil {
		return ue.Err.Error()
	}
	return err.Error()
}

func speakerName(name string) string {
	if name = strings.TrimSpace(name); name != "" {
		return name
	}
	return "User"
}

func requestID(id string) string {
	if id != "" {
		return id
	}
	return newUUID()
}

type noopArchive struct{}

func (noopArchive) SaveExchange(context.Context, domain.SessionKey, string, []domain.Turn) error {
	return nil
}

var newUUID = func() string {
	return uuid.NewString()
}
