package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/noah-isme/gema-chat/internal/dto"
	"github.com/noah-isme/gema-chat/internal/observability"
	"github.com/noah-isme/gema-chat/internal/realtime"
	"github.com/noah-isme/gema-chat/internal/service"
)

const (
	DefaultJoinTimeout        = 10 * time.Second
	DefaultRetryBackoff       = 3 * time.Second
	DefaultPageSize           = 50
	DefaultErrorDisplayWindow = 5 * time.Second
)

// State is the lifecycle stage of a Session.
type State string

const (
	StateInitializing State = "initializing"
	StateSubscribing  State = "subscribing"
	StateReady        State = "ready"
	StateDegraded     State = "degraded"
	StateClosed       State = "closed"
	StateUnauthorized State = "unauthorized"
)

// ConnectionState is the coarse connectivity shown to users.
type ConnectionState string

const (
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionDisconnected ConnectionState = "disconnected"
)

// EventKind names the part of the session that changed.
type EventKind string

const (
	EventState    EventKind = "state"
	EventMessages EventKind = "messages"
	EventPresence EventKind = "presence"
	EventTyping   EventKind = "typing"
	EventError    EventKind = "error"
)

// SessionEvent is handed to the Observer after every change.
type SessionEvent struct {
	Kind            EventKind
	State           State
	ConnectionState ConnectionState
	Err             error
}

// Observer receives session events one at a time. It must not call Close.
type Observer func(SessionEvent)

// MessageStore is the durable log the session reads and writes.
type MessageStore interface {
	Append(ctx context.Context, req dto.ChatAppendRequest) (dto.ChatMessageResponse, error)
	List(ctx context.Context, query dto.ChatHistoryQuery) ([]dto.ChatMessageResponse, error)
	Edit(ctx context.Context, messageID uint, content, requesterID string) (dto.ChatMessageResponse, error)
	Delete(ctx context.Context, messageID uint, requesterID string) error
}

// Identity is the user behind a session. ClientID distinguishes the user's
// devices or tabs.
type Identity struct {
	ClientID string
	UserID   string
	UserName string
}

// Options tunes a session. Zero values take the defaults.
type Options struct {
	JoinTimeout time.Duration
	// RetryBackoff is the delay between join attempts. When RetryMaxBackoff
	// is larger the delay doubles up to that cap.
	RetryBackoff       time.Duration
	RetryMaxBackoff    time.Duration
	TypingIdle         time.Duration
	TypingTTL          time.Duration
	PageSize           int
	ErrorDisplayWindow time.Duration
	Logger             zerolog.Logger
	Clock              func() time.Time
}

func (o Options) withDefaults() Options {
	if o.JoinTimeout <= 0 {
		o.JoinTimeout = DefaultJoinTimeout
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = DefaultRetryBackoff
	}
	if o.TypingIdle <= 0 {
		o.TypingIdle = DefaultTypingIdle
	}
	if o.TypingTTL <= 0 {
		o.TypingTTL = DefaultTypingTTL
	}
	if o.PageSize <= 0 {
		o.PageSize = DefaultPageSize
	}
	if o.ErrorDisplayWindow <= 0 {
		o.ErrorDisplayWindow = DefaultErrorDisplayWindow
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

func (o Options) backoff() retry.Backoff {
	if o.RetryMaxBackoff > o.RetryBackoff {
		return retry.WithCappedDuration(o.RetryMaxBackoff, retry.NewExponential(o.RetryBackoff))
	}
	return retry.NewConstant(o.RetryBackoff)
}

// PendingMessage is a send that the store has not confirmed yet.
type PendingMessage struct {
	ClientRef    string    `json:"client_ref"`
	Content      string    `json:"content"`
	AttachmentID *string   `json:"attachment_id,omitempty"`
	QueuedAt     time.Time `json:"queued_at"`
}

// Snapshot is a point-in-time copy of a session's observable state.
type Snapshot struct {
	ProjectID       string                    `json:"project_id"`
	State           State                     `json:"state"`
	ConnectionState ConnectionState           `json:"connection_state"`
	Messages        []dto.ChatMessageResponse `json:"messages"`
	Pending         []PendingMessage          `json:"pending"`
	OnlineUsers     []dto.ChatPresence        `json:"online_users"`
	TypingUsers     []TypingUser              `json:"typing_users"`
	HasMore         bool                      `json:"has_more"`
	LastError       string                    `json:"last_error,omitempty"`
}

// Session is one client's live view of a project chat. It owns a single
// transport subscription, merges store changes into its local history and
// rejoins in the background whenever the subscription is lost.
type Session struct {
	projectID string
	identity  Identity
	store     MessageStore
	auth      service.MembershipChecker
	transport realtime.Transport
	opts      Options
	logger    zerolog.Logger
	observer  Observer
	onClose   func(*Session)

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once

	mu           sync.Mutex
	state        State
	conn         ConnectionState
	sub          *realtime.Subscription
	history      messageLog
	historyGen   uint64
	pending      []PendingMessage
	presence     PresenceTracker
	typingUsers  *TypingSet
	hasMore      bool
	lastErr      error
	lastErrAt    time.Time
	typingTimer  *time.Timer
	errorTimer   *time.Timer
	typingSender *TypingCoordinator

	emitMu   sync.Mutex
	silenced bool
}

// NewSession builds a session in the Initializing state. Start launches it.
func NewSession(projectID string, identity Identity, store MessageStore, auth service.MembershipChecker, transport realtime.Transport, observer Observer, opts Options) *Session {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		projectID:   projectID,
		identity:    identity,
		store:       store,
		auth:        auth,
		transport:   transport,
		opts:        opts,
		logger:      opts.Logger.With().Str("component", "chat_session").Str("project_id", projectID).Str("user_id", identity.UserID).Logger(),
		observer:    observer,
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		state:       StateInitializing,
		conn:        ConnectionConnecting,
		typingUsers: NewTypingSet(opts.TypingTTL),
	}
	s.typingSender = NewTypingCoordinator(
		dto.ChatTypingPayload{UserID: identity.UserID, UserName: identity.UserName},
		opts.TypingIdle,
		s.publishTyping,
		s.logger,
	)
	return s
}

// Start runs the authorization check and the subscribe loop in the background.
func (s *Session) Start() {
	s.startOnce.Do(func() {
		observability.ChatSessionsActive().Inc()
		go s.run()
	})
}

// Close leaves the channel and stops every background activity. Results of
// operations still in flight are discarded. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.emitMu.Lock()
		s.silenced = true
		s.emitMu.Unlock()

		s.typingSender.Stop()

		s.mu.Lock()
		if s.state != StateUnauthorized {
			s.state = StateClosed
		}
		s.conn = ConnectionDisconnected
		s.stopTimersLocked()
		s.mu.Unlock()

		s.cancel()
		// A session closed before Start never runs.
		s.startOnce.Do(func() { close(s.done) })
		<-s.done

		if s.onClose != nil {
			s.onClose(s)
		}
		s.logger.Debug().Msg("chat session closed")
	})
}

// Done is closed once the background loop has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) ProjectID() string  { return s.projectID }
func (s *Session) Identity() Identity { return s.identity }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) ConnectionState() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Messages returns the held history, oldest first.
func (s *Session) Messages() []dto.ChatMessageResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.snapshot()
}

// PendingMessages returns sends awaiting confirmation from the store.
func (s *Session) PendingMessages() []PendingMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.pending)
}

// OnlineUsers returns the last presence snapshot.
func (s *Session) OnlineUsers() []dto.ChatPresence {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presence.Online()
}

// TypingUsers returns the members typing within the liveness window.
func (s *Session) TypingUsers() []TypingUser {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.typingUsers.Active(s.opts.Clock())
}

// HasMore reports whether older history may exist beyond the oldest held message.
func (s *Session) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasMore
}

// LastError returns the most recent operation failure while it is still
// within the display window. Unauthorized sessions always report it.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErrorLocked()
}

// Snapshot captures every observable field under one lock.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		ProjectID:       s.projectID,
		State:           s.state,
		ConnectionState: s.conn,
		Messages:        s.history.snapshot(),
		Pending:         slices.Clone(s.pending),
		OnlineUsers:     s.presence.Online(),
		TypingUsers:     s.typingUsers.Active(s.opts.Clock()),
		HasMore:         s.hasMore,
	}
	if err := s.lastErrorLocked(); err != nil {
		snap.LastError = err.Error()
	}
	return snap
}

func (s *Session) lastErrorLocked() error {
	if s.state == StateUnauthorized {
		return service.ErrChatUnauthorized
	}
	if s.lastErr == nil || s.opts.Clock().Sub(s.lastErrAt) > s.opts.ErrorDisplayWindow {
		return nil
	}
	return s.lastErr
}

// Send stores a new message. Until the store answers the content is listed
// in PendingMessages; afterwards exactly one copy sits in Messages no matter
// when the broadcast echo arrives.
func (s *Session) Send(ctx context.Context, content string, attachmentID *string) (dto.ChatMessageResponse, error) {
	if err := s.operational(); err != nil {
		return dto.ChatMessageResponse{}, err
	}

	pending := PendingMessage{
		ClientRef:    uuid.NewString(),
		Content:      content,
		AttachmentID: attachmentID,
		QueuedAt:     s.opts.Clock().UTC(),
	}
	s.mu.Lock()
	s.pending = append(s.pending, pending)
	s.mu.Unlock()
	s.emit(EventMessages, nil)

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()

	message, err := s.store.Append(opCtx, dto.ChatAppendRequest{
		ProjectID:    s.projectID,
		SenderID:     s.identity.UserID,
		Content:      content,
		AttachmentID: attachmentID,
		ClientRef:    pending.ClientRef,
	})

	s.mu.Lock()
	if s.isClosedLocked() {
		s.mu.Unlock()
		return message, err
	}
	s.dropPendingLocked(pending.ClientRef)
	if err != nil {
		opErr := &OperationError{Op: OpSend, Err: err}
		s.setErrorLocked(opErr)
		s.mu.Unlock()
		s.emit(EventMessages, nil)
		s.emit(EventError, opErr)
		return dto.ChatMessageResponse{}, opErr
	}
	s.history.insert(message)
	s.mu.Unlock()

	s.emit(EventMessages, nil)
	return message, nil
}

// Edit replaces the content of one of the user's messages.
func (s *Session) Edit(ctx context.Context, messageID uint, content string) (dto.ChatMessageResponse, error) {
	if err := s.operational(); err != nil {
		return dto.ChatMessageResponse{}, err
	}

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()

	message, err := s.store.Edit(opCtx, messageID, content, s.identity.UserID)

	s.mu.Lock()
	if s.isClosedLocked() {
		s.mu.Unlock()
		return message, err
	}
	if err != nil {
		opErr := s.failMutationLocked(OpEdit, messageID, err)
		s.mu.Unlock()
		s.emit(EventMessages, nil)
		s.emit(EventError, opErr)
		return dto.ChatMessageResponse{}, opErr
	}
	s.history.update(message)
	s.mu.Unlock()

	s.emit(EventMessages, nil)
	return message, nil
}

// Delete removes one of the user's messages.
func (s *Session) Delete(ctx context.Context, messageID uint) error {
	if err := s.operational(); err != nil {
		return err
	}

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()

	err := s.store.Delete(opCtx, messageID, s.identity.UserID)

	s.mu.Lock()
	if s.isClosedLocked() {
		s.mu.Unlock()
		return err
	}
	if err != nil {
		opErr := s.failMutationLocked(OpDelete, messageID, err)
		s.mu.Unlock()
		s.emit(EventMessages, nil)
		s.emit(EventError, opErr)
		return opErr
	}
	s.history.remove(messageID)
	s.mu.Unlock()

	s.emit(EventMessages, nil)
	return nil
}

// LoadMore fetches the page preceding the oldest held message and reports
// whether further history may exist. A page fetched across a reconnect is
// discarded and requested again from the reloaded history.
func (s *Session) LoadMore(ctx context.Context) (bool, error) {
	if err := s.operational(); err != nil {
		return false, err
	}

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()

	for {
		query := dto.ChatHistoryQuery{ProjectID: s.projectID, Limit: s.opts.PageSize}
		s.mu.Lock()
		generation := s.historyGen
		if oldest, ok := s.history.oldest(); ok {
			before := oldest.CreatedAt
			query.Before = &before
			query.BeforeID = oldest.ID
		}
		s.mu.Unlock()

		page, err := s.store.List(opCtx, query)

		s.mu.Lock()
		if s.isClosedLocked() {
			s.mu.Unlock()
			return false, ErrSessionClosed
		}
		if err != nil {
			opErr := &OperationError{Op: OpLoad, Err: err}
			s.setErrorLocked(opErr)
			hasMore := s.hasMore
			s.mu.Unlock()
			s.emit(EventError, opErr)
			return hasMore, opErr
		}
		if generation != s.historyGen {
			s.mu.Unlock()
			s.logger.Debug().Msg("history reloaded during load, fetching again")
			continue
		}
		for _, message := range page {
			s.history.insert(message)
		}
		s.hasMore = len(page) == s.opts.PageSize
		hasMore := s.hasMore
		s.mu.Unlock()

		s.emit(EventMessages, nil)
		return hasMore, nil
	}
}

// SetTyping signals keystrokes (true) or an explicit stop (false).
func (s *Session) SetTyping(isTyping bool) error {
	if err := s.operational(); err != nil {
		return err
	}
	s.typingSender.SetTyping(isTyping)
	return nil
}

func (s *Session) run() {
	defer close(s.done)
	defer observability.ChatSessionsActive().Dec()

	allowed, err := s.authorize()
	if err != nil {
		return
	}
	if !allowed {
		s.deny()
		return
	}

	s.mu.Lock()
	s.state = StateSubscribing
	s.mu.Unlock()
	s.emit(EventState, nil)

	for {
		sub, err := s.subscribe()
		if err != nil {
			return
		}

		s.reload(sub)

		lost := s.consume(sub)
		s.transport.Leave(sub)

		s.mu.Lock()
		s.sub = nil
		s.mu.Unlock()

		if !lost {
			return
		}

		reason := sub.Err()
		if errors.Is(reason, realtime.ErrMembershipRevoked) {
			allowed, err := s.authorize()
			if err != nil {
				return
			}
			if !allowed {
				s.deny()
				return
			}
		}
		if reason == nil {
			reason = errors.New("subscription closed")
		}
		s.degrade(fmt.Errorf("%w: %w", realtime.ErrTransportUnavailable, reason))
	}
}

// authorize asks the membership service, retrying lookup failures until the
// session is closed.
func (s *Session) authorize() (bool, error) {
	if s.auth == nil {
		return true, nil
	}
	var allowed bool
	err := retry.Do(s.ctx, s.opts.backoff(), func(ctx context.Context) error {
		ok, err := s.auth.IsMember(ctx, s.projectID, s.identity.UserID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn().Err(err).Msg("membership check failed, retrying")
			return retry.RetryableError(err)
		}
		allowed = ok
		return nil
	})
	return allowed, err
}

// subscribe joins the channel, retrying with backoff until it succeeds or
// the session is closed.
func (s *Session) subscribe() (*realtime.Subscription, error) {
	var sub *realtime.Subscription
	err := retry.Do(s.ctx, s.opts.backoff(), func(ctx context.Context) error {
		joined, err := s.join(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			observability.ChatJoinAttempts().WithLabelValues("failure").Inc()
			s.degrade(err)
			return retry.RetryableError(err)
		}
		observability.ChatJoinAttempts().WithLabelValues("success").Inc()
		sub = joined
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.isClosedLocked() {
		s.mu.Unlock()
		s.transport.Leave(sub)
		return nil, ErrSessionClosed
	}
	s.sub = sub
	s.mu.Unlock()
	return sub, nil
}

// join bounds a single Join call by the join timeout even when the transport
// ignores its context. A join that completes after the deadline is released.
func (s *Session) join(ctx context.Context) (*realtime.Subscription, error) {
	joinCtx, cancel := context.WithTimeout(ctx, s.opts.JoinTimeout)
	defer cancel()

	type result struct {
		sub *realtime.Subscription
		err error
	}
	done := make(chan result, 1)
	identity := dto.ChatPresence{UserID: s.identity.UserID, UserName: s.identity.UserName}
	go func() {
		sub, err := s.transport.Join(joinCtx, s.projectID, identity)
		done <- result{sub: sub, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, res.err
		}
		return res.sub, nil
	case <-joinCtx.Done():
		go func() {
			if res := <-done; res.sub != nil {
				s.transport.Leave(res.sub)
			}
		}()
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: join timed out after %s", realtime.ErrTransportUnavailable, s.opts.JoinTimeout)
	}
}

// reload replaces the held history with the newest page. Changes missed while
// disconnected, deletes included, are recovered this way; older pages come
// back through LoadMore.
func (s *Session) reload(sub *realtime.Subscription) {
	ctx, cancel := context.WithTimeout(s.ctx, s.opts.JoinTimeout)
	page, err := s.store.List(ctx, dto.ChatHistoryQuery{ProjectID: s.projectID, Limit: s.opts.PageSize})
	cancel()

	s.mu.Lock()
	if s.isClosedLocked() {
		s.mu.Unlock()
		return
	}
	var opErr error
	if err != nil {
		opErr = &OperationError{Op: OpLoad, Err: err}
		s.setErrorLocked(opErr)
		s.logger.Warn().Err(err).Msg("failed to reload chat history")
	} else {
		s.history.replace(page)
		s.historyGen++
		s.hasMore = len(page) == s.opts.PageSize
	}
	s.state = StateReady
	s.conn = ConnectionConnected
	s.mu.Unlock()

	s.logger.Debug().Str("connection_id", sub.ID()).Msg("chat session ready")
	s.emit(EventMessages, nil)
	if opErr != nil {
		s.emit(EventError, opErr)
	}
	s.emit(EventState, nil)
}

// consume applies events until the subscription ends (true) or the session
// is closed (false).
func (s *Session) consume(sub *realtime.Subscription) bool {
	for {
		select {
		case <-s.ctx.Done():
			return false
		case event, ok := <-sub.Events():
			if !ok {
				return s.ctx.Err() == nil
			}
			s.apply(event)
		}
	}
}

func (s *Session) apply(event realtime.Event) {
	switch event.Kind {
	case realtime.EventStoreChange:
		if event.Change != nil && s.applyChange(*event.Change) {
			s.emit(EventMessages, nil)
		}
	case realtime.EventPresence:
		s.mu.Lock()
		s.presence.Replace(event.Presence)
		s.typingUsers.Retain(s.presence.Contains)
		s.mu.Unlock()
		s.emit(EventPresence, nil)
	case realtime.EventBroadcast:
		if event.Broadcast != nil && event.Broadcast.Kind == dto.ChatBroadcastTyping {
			s.applyTyping(*event.Broadcast)
		}
	}
}

// applyChange merges a store change by id. Redelivered changes are no-ops.
func (s *Session) applyChange(change dto.ChatStoreChange) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch change.Op {
	case dto.ChatChangeInsert:
		if change.Message == nil {
			return false
		}
		dropped := change.ClientRef != "" && s.dropPendingLocked(change.ClientRef)
		return s.history.insert(*change.Message) || dropped
	case dto.ChatChangeUpdate:
		if change.Message == nil {
			return false
		}
		return s.history.update(*change.Message)
	case dto.ChatChangeDelete:
		return s.history.remove(change.MessageID)
	default:
		return false
	}
}

func (s *Session) applyTyping(broadcast dto.ChatBroadcast) {
	if broadcast.From.UserID == s.identity.UserID {
		return
	}
	var payload dto.ChatTypingPayload
	if len(broadcast.Payload) > 0 {
		if err := json.Unmarshal(broadcast.Payload, &payload); err != nil {
			s.logger.Debug().Err(err).Msg("invalid typing payload")
			return
		}
	}

	s.mu.Lock()
	s.typingUsers.Apply(broadcast.From, payload, s.opts.Clock())
	if !s.isClosedLocked() {
		// Wake the observer when the entry leaves the liveness window.
		ttl := s.typingUsers.TTL()
		if s.typingTimer == nil {
			s.typingTimer = time.AfterFunc(ttl, func() { s.emit(EventTyping, nil) })
		} else {
			s.typingTimer.Reset(ttl)
		}
	}
	s.mu.Unlock()

	s.emit(EventTyping, nil)
}

func (s *Session) publishTyping(ctx context.Context, payload dto.ChatTypingPayload) error {
	s.mu.Lock()
	sub := s.sub
	s.mu.Unlock()
	if sub == nil {
		return realtime.ErrTransportUnavailable
	}

	var raw json.RawMessage
	if !payload.IsEmpty() {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		raw = encoded
	}
	return s.transport.Publish(ctx, sub, dto.ChatBroadcastTyping, raw)
}

// deny moves the session to the terminal Unauthorized state.
func (s *Session) deny() {
	s.mu.Lock()
	if s.isClosedLocked() {
		s.mu.Unlock()
		return
	}
	s.state = StateUnauthorized
	s.conn = ConnectionDisconnected
	s.presence.Clear()
	s.typingUsers.Clear()
	s.mu.Unlock()

	s.logger.Info().Msg("chat access denied")
	s.emit(EventState, service.ErrChatUnauthorized)
}

func (s *Session) degrade(cause error) {
	s.mu.Lock()
	if s.isClosedLocked() {
		s.mu.Unlock()
		return
	}
	s.state = StateDegraded
	s.conn = ConnectionDisconnected
	s.mu.Unlock()

	s.logger.Warn().Err(cause).Msg("chat transport unavailable, retrying")
	s.emit(EventState, cause)
}

// failMutationLocked records a failed edit or delete. A message the store no
// longer has is dropped locally; any other failure leaves local state alone.
func (s *Session) failMutationLocked(op Op, messageID uint, err error) error {
	if errors.Is(err, service.ErrChatMessageNotFound) {
		s.history.remove(messageID)
	}
	opErr := &OperationError{Op: op, MessageID: messageID, Err: err}
	s.setErrorLocked(opErr)
	return opErr
}

func (s *Session) setErrorLocked(err error) {
	s.lastErr = err
	s.lastErrAt = s.opts.Clock()
	if s.errorTimer == nil {
		s.errorTimer = time.AfterFunc(s.opts.ErrorDisplayWindow, func() { s.emit(EventError, nil) })
	} else {
		s.errorTimer.Reset(s.opts.ErrorDisplayWindow)
	}
}

func (s *Session) dropPendingLocked(clientRef string) bool {
	i := slices.IndexFunc(s.pending, func(p PendingMessage) bool { return p.ClientRef == clientRef })
	if i < 0 {
		return false
	}
	s.pending = slices.Delete(s.pending, i, i+1)
	return true
}

func (s *Session) stopTimersLocked() {
	if s.typingTimer != nil {
		s.typingTimer.Stop()
	}
	if s.errorTimer != nil {
		s.errorTimer.Stop()
	}
}

func (s *Session) isClosedLocked() bool {
	return s.state == StateClosed || s.ctx.Err() != nil
}

func (s *Session) operational() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.isClosedLocked():
		return ErrSessionClosed
	case s.state == StateUnauthorized:
		return service.ErrChatUnauthorized
	case s.state == StateReady, s.state == StateDegraded:
		return nil
	default:
		return ErrSessionNotReady
	}
}

// operationContext ties a store call to the session so Close cancels it.
func (s *Session) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	opCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	return opCtx, func() {
		stop()
		cancel()
	}
}

func (s *Session) emit(kind EventKind, err error) {
	if s.observer == nil {
		return
	}
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if s.silenced {
		return
	}

	s.mu.Lock()
	event := SessionEvent{Kind: kind, State: s.state, ConnectionState: s.conn, Err: err}
	s.mu.Unlock()

	s.observer(event)
}
