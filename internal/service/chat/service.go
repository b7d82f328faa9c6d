package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zhouzirui/ragdesk/internal/backend"
	"github.com/zhouzirui/ragdesk/internal/events"
	"github.com/zhouzirui/ragdesk/internal/model/chat"
	"github.com/zhouzirui/ragdesk/internal/model/session"
)

// ErrorMessage is the assistant reply recorded when a question fails.
const ErrorMessage = "Connection error. Please try again."

var (
	ErrEmptyQuestion   = errors.New("question is empty")
	ErrQuestionPending = errors.New("a question is already pending")
	// ErrConversationReset is returned by Ask when the conversation was
	// reset before the reply arrived.
	ErrConversationReset = errors.New("conversation was reset")

	// ErrTransport and ErrBackendRejected classify a failed question.
	ErrTransport       = errors.New("chat transport failure")
	ErrBackendRejected = errors.New("chat rejected by backend")
)

// Error describes why a question produced the fixed error reply.
type Error struct {
	Kind error
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%v: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() []error { return []error{e.Kind, e.Err} }

func classify(err error) *Error {
	if backend.IsTransport(err) {
		return &Error{Kind: ErrTransport, Err: err}
	}
	return &Error{Kind: ErrBackendRejected, Err: err}
}

// Chatter sends one question with its prior transcript.
type Chatter interface {
	Chat(ctx context.Context, question string, history []chat.HistoryEntry) (*backend.ChatResponse, error)
}

// Gate reports whether the user is logged in.
type Gate interface {
	Authenticated() bool
	Invalidate(reason error)
}

// Controller owns the conversation transcript and allows at most one
// question in flight.
type Controller struct {
	mu         sync.RWMutex
	turns      []chat.Turn
	pending    bool
	generation uint64

	backend Chatter
	gate    Gate
	events  events.Publisher
	log     *zap.Logger
	now     func() time.Time
}

// NewController creates an idle controller with an empty transcript.
func NewController(be Chatter, gate Gate, pub events.Publisher, log *zap.Logger) *Controller {
	if pub == nil {
		pub = events.Discard
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{
		turns:   make([]chat.Turn, 0, 16),
		backend: be,
		gate:    gate,
		events:  pub,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Submit records the question and asks the backend asynchronously. The
// returned channel yields the assistant turn once it is appended and is
// then closed; it is closed without a value if the conversation was reset
// in the meantime. A rejected submission changes nothing.
func (c *Controller) Submit(ctx context.Context, text string) (<-chan chat.Turn, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyQuestion
	}
	if !c.gate.Authenticated() {
		return nil, session.ErrNotAuthenticated
	}

	c.mu.Lock()
	if c.pending {
		c.mu.Unlock()
		return nil, ErrQuestionPending
	}
	history := chat.History(c.turns)
	question := c.newTurn(schema.User, text, nil)
	c.turns = append(c.turns, question)
	c.pending = true
	gen := c.generation
	c.events.Publish(events.TypeTurn, question.Clone())
	c.events.Publish(events.TypePending, true)
	c.mu.Unlock()

	c.log.Debug("question submitted", zap.String("turn", question.ID), zap.Int("history", len(history)))

	out := make(chan chat.Turn, 1)
	go c.await(ctx, gen, text, history, out)
	return out, nil
}

// Ask submits a question and waits for its reply. A failed question still
// yields the error turn with a nil error.
func (c *Controller) Ask(ctx context.Context, text string) (chat.Turn, error) {
	ch, err := c.Submit(ctx, text)
	if err != nil {
		return chat.Turn{}, err
	}
	turn, ok := <-ch
	if !ok {
		return chat.Turn{}, ErrConversationReset
	}
	return turn, nil
}

func (c *Controller) await(ctx context.Context, gen uint64, text string, history []chat.HistoryEntry, out chan<- chat.Turn) {
	defer close(out)

	var reply chat.Turn
	resp, err := c.backend.Chat(ctx, text, history)
	if err != nil {
		if errors.Is(err, backend.ErrUnauthorized) {
			c.gate.Invalidate(err)
		}
		c.log.Warn("question failed", zap.Error(classify(err)))
		reply = c.newTurn(schema.Assistant, ErrorMessage, nil)
		reply.Failed = true
	} else {
		reply = c.newTurn(schema.Assistant, *resp.Answer, resp.Sources)
	}

	c.mu.Lock()
	c.pending = false
	current := gen == c.generation
	if current {
		c.turns = append(c.turns, reply)
		c.events.Publish(events.TypeTurn, reply.Clone())
	}
	c.events.Publish(events.TypePending, false)
	c.mu.Unlock()

	if !current {
		c.log.Info("dropping reply for a reset conversation", zap.String("turn", reply.ID))
		return
	}
	out <- reply.Clone()
}

// Reset clears the transcript. A reply still in flight is discarded when
// it arrives but releases the pending slot.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	c.turns = make([]chat.Turn, 0, 16)
	c.events.Publish(events.TypeConversationReset, nil)
}

// Turns returns a copy of the transcript.
func (c *Controller) Turns() []chat.Turn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cloneLocked()
}

func (c *Controller) cloneLocked() []chat.Turn {
	turns := make([]chat.Turn, len(c.turns))
	for i, turn := range c.turns {
		turns[i] = turn.Clone()
	}
	return turns
}

// Snapshot returns the transcript and the pending flag read together.
func (c *Controller) Snapshot() ([]chat.Turn, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cloneLocked(), c.pending
}

// Messages exports the transcript as eino messages.
func (c *Controller) Messages() []*schema.Message {
	return chat.Messages(c.Turns())
}

func (c *Controller) Pending() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pending
}

func (c *Controller) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.turns)
}

func (c *Controller) newTurn(role schema.RoleType, content string, sources []string) chat.Turn {
	return chat.Turn{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Sources:   append(make([]string, 0, len(sources)), sources...),
		CreatedAt: c.now(),
	}
}
