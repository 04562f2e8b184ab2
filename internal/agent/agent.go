package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/comigor/pycoder/internal/config"
	"github.com/comigor/pycoder/internal/credential"
	"github.com/comigor/pycoder/internal/history"
	"github.com/comigor/pycoder/internal/llm"
	"github.com/comigor/pycoder/internal/logger"

	"github.com/qmuntal/stateless" // FSM library
)

// FSM States
type FSMState stateless.State

var (
	StateIdle             FSMState = "Idle"             // no active credential
	StateReady            FSMState = "Ready"            // credential active, accepting input
	StateAwaitingResponse FSMState = "AwaitingResponse" // a completion request is in flight
)

// FSM Triggers
type FSMTrigger stateless.Trigger

var (
	TriggerCredentialAccepted  FSMTrigger = "CredentialAccepted"
	TriggerCredentialCleared   FSMTrigger = "CredentialCleared"
	TriggerSubmitInput         FSMTrigger = "SubmitInput"
	TriggerCompletionSucceeded FSMTrigger = "CompletionSucceeded"
	TriggerCompletionFailed    FSMTrigger = "CompletionFailed"
)

// Fixed request parameters.
const (
	Temperature float32 = 0.7
	MaxTokens           = 2048
)

// ErrEmptyInput is returned when the submitted text is blank.
var ErrEmptyInput = errors.New("empty input")

// Completer is what the controller needs from a completion client.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (string, error)
}

// ClientFactory builds a Completer for a credential. Errors should be
// *llm.Error of KindInitialization.
type ClientFactory func(apiKey string) (Completer, error)

// NewClientFactory returns a factory that builds go-openai backed completers.
func NewClientFactory(cfg config.LLMConfig) ClientFactory {
	return func(apiKey string) (Completer, error) {
		c, err := llm.NewCompleter(cfg, apiKey)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// Controller drives one conversation session. It owns its history and its
// credential; nothing is shared with other controllers.
type Controller struct {
	mu sync.Mutex // serializes credential changes and requests

	// statusMu guards initErr together with credential transitions so
	// Status never waits on an in-flight request.
	statusMu sync.RWMutex

	cfg     config.Config
	factory ClientFactory
	envKey  string
	userKey string

	session *history.Session
	client  Completer
	initErr error
	fsm     *stateless.StateMachine
	now     func() time.Time
}

// New creates a controller with an empty session. The environment default
// key is resolved right away; without one the controller starts Idle.
func New(cfg config.Config, factory ClientFactory, envKey string) *Controller {
	c := &Controller{
		cfg:     cfg,
		factory: factory,
		envKey:  envKey,
		session: history.New(),
		now:     time.Now,
	}
	if c.cfg.LLM.SystemPrompt == "" {
		c.cfg.LLM.SystemPrompt = config.DefaultSystemPrompt
	}

	fsm := stateless.NewStateMachine(StateIdle)

	fsm.Configure(StateIdle).
		Permit(TriggerCredentialAccepted, StateReady).
		Ignore(TriggerCredentialCleared)

	fsm.Configure(StateReady).
		PermitReentry(TriggerCredentialAccepted).
		Permit(TriggerCredentialCleared, StateIdle).
		Permit(TriggerSubmitInput, StateAwaitingResponse)

	fsm.Configure(StateAwaitingResponse).
		Permit(TriggerCompletionSucceeded, StateReady).
		Permit(TriggerCompletionFailed, StateReady)

	fsm.OnTransitioned(func(_ context.Context, t stateless.Transition) {
		logger.ForSession(c.session.ID()).Debug("FSM transition", "from", t.Source, "to", t.Destination, "trigger", t.Trigger)
	})

	c.fsm = fsm

	if err := c.applyCredential(); err != nil {
		logger.ForSession(c.session.ID()).Warn("default credential rejected", "error", err)
	}
	return c
}

// SetCredential sets the interactively supplied key. A blank key falls back
// to the environment default. A rejected key leaves the controller Idle and
// is returned as an llm.KindInitialization error.
func (c *Controller) SetCredential(userKey string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userKey = userKey
	return c.applyCredential()
}

// applyCredential resolves the credential and builds a client. Callers hold mu.
func (c *Controller) applyCredential() error {
	log := logger.ForSession(c.session.ID())

	key, ok := credential.Resolve(c.envKey, c.userKey)
	if !ok {
		log.Info("no credential available")
		return c.setClient(nil, nil, TriggerCredentialCleared)
	}

	client, err := c.factory(key)
	if err != nil {
		if !llm.IsKind(err, llm.KindInitialization) {
			err = &llm.Error{Kind: llm.KindInitialization, Err: err}
		}
		if fireErr := c.setClient(nil, err, TriggerCredentialCleared); fireErr != nil {
			log.Warn("FSM fire error", "error", fireErr)
		}
		return err
	}

	log.Info("credential active", "key", credential.Mask(key))
	return c.setClient(client, nil, TriggerCredentialAccepted)
}

func (c *Controller) setClient(client Completer, initErr error, trigger FSMTrigger) error {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	c.client, c.initErr = client, initErr
	return c.fsm.Fire(trigger)
}

// Submit sends one user question. On success the assistant reply is appended
// to the session and returned. On a failed request the user message stays in
// the session and no reply is recorded. Input is refused while Idle.
func (c *Controller) Submit(ctx context.Context, text string) (history.Message, error) {
	if strings.TrimSpace(text) == "" {
		return history.Message{}, ErrEmptyInput
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	log := logger.ForSession(c.session.ID())

	if c.fsm.MustState() == StateIdle {
		if c.initErr != nil {
			log.Warn("input rejected, credential was not accepted")
			return history.Message{}, c.initErr
		}
		log.Warn("input rejected, no credential")
		return history.Message{}, llm.ErrMissingCredential
	}

	c.session.Append(history.Message{Role: history.RoleUser, Content: text, CreatedAt: c.now()})
	if err := c.fsm.FireCtx(ctx, TriggerSubmitInput); err != nil {
		return history.Message{}, fmt.Errorf("FSM internal error: %w", err)
	}

	req := llm.Request{
		Model:       c.cfg.LLM.Model,
		Messages:    c.buildMessages(),
		Temperature: Temperature,
		MaxTokens:   MaxTokens,
	}
	log.Debug("calling completion API", "messages", len(req.Messages), "chars", len(text))

	started := c.now()
	reply, err := c.client.Complete(ctx, req)
	if err != nil {
		if !llm.IsKind(err, llm.KindRequest) {
			err = &llm.Error{Kind: llm.KindRequest, Err: err}
		}
		log.Error("completion failed", "error", err)
		if fireErr := c.fsm.FireCtx(ctx, TriggerCompletionFailed); fireErr != nil {
			log.Warn("FSM fire error", "error", fireErr)
		}
		return history.Message{}, err
	}

	msg := history.Message{Role: history.RoleAssistant, Content: reply, CreatedAt: c.now()}
	c.session.Append(msg)
	if err := c.fsm.FireCtx(ctx, TriggerCompletionSucceeded); err != nil {
		return msg, fmt.Errorf("FSM internal error: %w", err)
	}
	log.Info("completion received", "elapsed", c.now().Sub(started), "session_len", c.session.Len())
	return msg, nil
}

// buildMessages prepends the system instruction to the request window.
func (c *Controller) buildMessages() []history.Message {
	window := c.session.Tail(c.cfg.History.MaxMessages)
	msgs := make([]history.Message, 0, len(window)+1)
	msgs = append(msgs, history.Message{Role: history.RoleSystem, Content: c.cfg.LLM.SystemPrompt})
	return append(msgs, window...)
}

// State returns the current FSM state.
func (c *Controller) State() FSMState {
	return c.fsm.MustState()
}

// Ready reports whether input would be accepted.
func (c *Controller) Ready() bool {
	return c.State() == StateReady
}

// Status is a consistent view of the controller for rendering.
type Status struct {
	State   FSMState
	InitErr error // set only while Idle after a rejected credential
}

// Status returns the current state and pending credential rejection. It
// does not wait for an in-flight request.
func (c *Controller) Status() Status {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	return Status{State: c.fsm.MustState(), InitErr: c.initErr}
}

// InitError returns the pending credential rejection, if any.
func (c *Controller) InitError() error {
	return c.Status().InitErr
}

// Session returns the conversation owned by this controller.
func (c *Controller) Session() *history.Session {
	return c.session
}

// Messages returns the visible conversation.
func (c *Controller) Messages() []history.Message {
	return c.session.All()
}
