// ABOUTME: Bridge wires the registry, correlation and both translation pipelines
// ABOUTME: Consumes agent pushes and Matrix events through keyed serial queues

package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/matrix-wechat/internal/agent"
	"github.com/2389/matrix-wechat/internal/dedupe"
	"github.com/2389/matrix-wechat/internal/matrix"
	"github.com/2389/matrix-wechat/internal/retry"
	"github.com/2389/matrix-wechat/internal/store"
)

// AgentTransport is what the bridge needs from the agent link.
type AgentTransport interface {
	agent.Requester
	Subscribe(ctx context.Context) (<-chan agent.Push, string)
	State() retry.State
}

// Bridge is the Matrix ⇄ WeChat bridge core.
type Bridge struct {
	opts       Options
	store      store.Store
	registry   *Registry
	correlator *Correlator
	intents    matrix.Intents
	agent      AgentTransport
	commands   *CommandProcessor
	replay     *dedupe.Window
	inbound    *keyedQueue
	outbound   *keyedQueue
	http       *http.Client
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
}

// New creates a bridge. Start must be called before pushes are consumed.
func New(opts Options, s store.Store, intents matrix.Intents, tr AgentTransport, logger *slog.Logger) (*Bridge, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts.applyDefaults()
	if opts.Domain == "" {
		return nil, errors.New("bridge: domain is required")
	}
	if opts.BotMXID == "" {
		return nil, errors.New("bridge: bot mxid is required")
	}
	if err := ValidateTemplate(opts.DisplaynameTemplate); err != nil {
		return nil, err
	}

	logger = logger.With("component", "bridge")
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		opts:       opts,
		store:      s,
		registry:   NewRegistry(s, opts.GhostMXID, logger),
		correlator: NewCorrelator(s, logger),
		intents:    intents,
		agent:      tr,
		replay:     dedupe.New(opts.ReplayWindow, 4096),
		inbound:    newKeyedQueue(opts.MaxConcurrency, logger),
		outbound:   newKeyedQueue(opts.MaxConcurrency, logger),
		http:       &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
	b.commands = NewCommandProcessor(b)
	return b, nil
}

// Registry exposes the entity registry.
func (b *Bridge) Registry() *Registry { return b.registry }

// Correlator exposes message correlation.
func (b *Bridge) Correlator() *Correlator { return b.correlator }

// Options returns the effective options.
func (b *Bridge) Options() Options { return b.opts }

// IsGhost reports whether userID belongs to the ghost namespace.
func (b *Bridge) IsGhost(userID id.UserID) bool { return b.opts.IsGhost(userID) }


// Start restores logged-in users and begins consuming agent pushes. The
// bridge stops when ctx is cancelled or Stop is called.
func (b *Bridge) Start(ctx context.Context) error {
	var err error
	b.startOnce.Do(func() {
		context.AfterFunc(ctx, b.cancel)

		err = b.restoreUsers(b.ctx)
		if err != nil {
			return
		}

		pushes, subID := b.agent.Subscribe(b.ctx)
		b.logger.Info("bridge started", "subscription", subID)

		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			for {
				select {
				case <-b.ctx.Done():
					return
				case p, ok := <-pushes:
					if !ok {
						return
					}
					b.HandlePush(p)
				}
			}
		}()
	})
	return err
}

// Stop cancels in-flight work and waits for the workers to return.
func (b *Bridge) Stop() {
	b.cancel()
	b.wg.Wait()
	b.inbound.Wait()
	b.outbound.Wait()
	b.logger.Info("bridge stopped")
}

// Flush waits until both queues are idle.
func (b *Bridge) Flush() {
	b.inbound.Wait()
	b.outbound.Wait()
}

func (b *Bridge) restoreUsers(ctx context.Context) error {
	users, err := b.registry.AllLoggedInUsers(ctx)
	if err != nil {
		return fmt.Errorf("restoring users: %w", err)
	}
	for _, u := range users {
		u.setSession(agent.NewClient(b.agent, u.MXID().String()))
		b.logger.Info("restored session", "user", u.MXID(), "uin", u.UIN())
	}
	return nil
}

// HandlePush queues an agent push for its portal.
func (b *Bridge) HandlePush(p agent.Push) {
	if p.Event == nil {
		return
	}
	key := store.PortalKey{UID: p.Event.Chat.ID, Receiver: p.Event.From.ID}
	b.inbound.Submit(b.ctx, key.String(), func(ctx context.Context) {
		if err := b.HandleExternalEvent(ctx, p); err != nil {
			b.logger.Error("failed to bridge wechat event",
				"event_id", p.Event.ID,
				"type", p.Event.Type,
				"chat", p.Event.Chat.ID,
				"error", err)
		}
	})
}

// HandleMatrixEvent queues a Matrix event for its room.
func (b *Bridge) HandleMatrixEvent(evt *event.Event) {
	if evt == nil {
		return
	}
	b.outbound.Submit(b.ctx, evt.RoomID.String(), func(ctx context.Context) {
		if err := b.ProcessMatrixEvent(ctx, evt); err != nil {
			b.logger.Error("failed to bridge matrix event",
				"event_id", evt.ID,
				"type", evt.Type.Type,
				"room", evt.RoomID,
				"error", err)
		}
	})
}

// sessionFor returns the agent client to use on behalf of mxid.
func (b *Bridge) sessionFor(ctx context.Context, mxid id.UserID) *agent.Client {
	if mxid != "" && mxid != b.opts.BotMXID {
		if u, err := b.registry.GetUserByMXID(ctx, mxid); err == nil {
			if s := u.Session(); s != nil {
				return s
			}
		}
	}
	return agent.NewClient(b.agent, mxid.String())
}

// sendNotice posts a markdown notice as the bot.
func (b *Bridge) sendNotice(ctx context.Context, roomID id.RoomID, text string) {
	if _, err := b.intents.Bot().SendMessage(ctx, roomID, event.EventMessage, NoticeContent(text)); err != nil {
		b.logger.Warn("failed to send notice", "room", roomID, "error", err)
	}
}
