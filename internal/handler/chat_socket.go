package handler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-chat/internal/chat"
	"github.com/noah-isme/gema-chat/internal/dto"
)

const (
	chatSocketWriteWait      = 10 * time.Second
	chatSocketPingPeriod     = 30 * time.Second
	chatSocketCommandTimeout = 15 * time.Second
	chatSocketReplyBuffer    = 16

	// Sent when the session ends because the user lost access to the project.
	chatCloseUnauthorized = 4403
)

// chatSocket pumps one websocket connection against one chat session.
// Session events only raise a flag; the writer renders a fresh snapshot so a
// slow browser never blocks the session.
type chatSocket struct {
	conn      *websocket.Conn
	ctx       context.Context
	validator *validator.Validate
	logger    zerolog.Logger

	session *chat.Session
	changes chan chat.EventKind
	replies chan dto.ChatSocketFrame
	closed  chan struct{}
	once    sync.Once
}

func newChatSocket(conn *websocket.Conn, ctx context.Context, validate *validator.Validate, logger zerolog.Logger) *chatSocket {
	if validate == nil {
		validate = validator.New(validator.WithRequiredStructEnabled())
	}
	return &chatSocket{
		conn:      conn,
		ctx:       ctx,
		validator: validate,
		logger:    logger,
		changes:   make(chan chat.EventKind, 1),
		replies:   make(chan dto.ChatSocketFrame, chatSocketReplyBuffer),
		closed:    make(chan struct{}),
	}
}

// observe is the session observer. It never blocks.
func (s *chatSocket) observe(event chat.SessionEvent) {
	select {
	case s.changes <- event.Kind:
	default:
	}
}

func (s *chatSocket) serve(session *chat.Session) {
	s.session = session

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writer()
	}()

	s.reader()
	wg.Wait()
}

func (s *chatSocket) reader() {
	defer s.close()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug().Err(err).Msg("chat read loop ended")
			}
			return
		}

		var command dto.ChatSocketCommand
		if err := json.Unmarshal(data, &command); err != nil {
			s.reply(dto.ChatSocketFrame{Type: dto.ChatFrameError, Code: fiber.StatusBadRequest, Error: "invalid command"})
			continue
		}

		s.reply(s.execute(command))
	}
}

func (s *chatSocket) execute(command dto.ChatSocketCommand) dto.ChatSocketFrame {
	if err := s.validator.Struct(command); err != nil {
		return errorFrame(command.Ref, err)
	}

	ctx, cancel := context.WithTimeout(s.ctx, chatSocketCommandTimeout)
	defer cancel()

	var (
		data interface{}
		err  error
	)
	switch command.Type {
	case dto.ChatCommandSend:
		data, err = s.session.Send(ctx, command.Content, command.AttachmentID)
	case dto.ChatCommandEdit:
		data, err = s.session.Edit(ctx, command.MessageID, command.Content)
	case dto.ChatCommandDelete:
		err = s.session.Delete(ctx, command.MessageID)
	case dto.ChatCommandLoadMore:
		var hasMore bool
		hasMore, err = s.session.LoadMore(ctx)
		data = fiber.Map{"has_more": hasMore}
	case dto.ChatCommandTyping:
		err = s.session.SetTyping(command.Typing)
	}
	if err != nil {
		var opErr *chat.OperationError
		if errors.As(err, &opErr) {
			s.logger.Debug().Err(err).Str("op", string(opErr.Op)).Msg("chat command failed")
		}
		return errorFrame(command.Ref, err)
	}

	return dto.ChatSocketFrame{Type: dto.ChatFrameAck, Ref: command.Ref, Event: command.Type, Data: data}
}

func (s *chatSocket) writer() {
	defer s.close()

	ticker := time.NewTicker(chatSocketPingPeriod)
	defer ticker.Stop()

	if err := s.writeSnapshot(chat.EventState); err != nil {
		return
	}

	for {
		select {
		case kind := <-s.changes:
			if err := s.writeSnapshot(kind); err != nil {
				s.logger.Debug().Err(err).Msg("chat write loop terminated")
				return
			}
		case frame := <-s.replies:
			if err := s.write(frame); err != nil {
				s.logger.Debug().Err(err).Msg("chat write loop terminated")
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(chatSocketWriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, []byte("keepalive")); err != nil {
				s.logger.Debug().Err(err).Msg("chat ping failed")
				return
			}
		case <-s.session.Done():
			s.finish()
			return
		case <-s.closed:
			return
		}
	}
}

// finish reports the terminal state and closes the connection with a code
// telling the client whether reconnecting makes sense.
func (s *chatSocket) finish() {
	_ = s.writeSnapshot(chat.EventState)

	code, reason := websocket.CloseNormalClosure, "chat session closed"
	if s.session.State() == chat.StateUnauthorized {
		code, reason = chatCloseUnauthorized, "chat access denied"
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(chatSocketWriteWait))
	_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
}

func (s *chatSocket) writeSnapshot(kind chat.EventKind) error {
	return s.write(dto.ChatSocketFrame{Type: dto.ChatFrameSnapshot, Event: string(kind), Data: s.session.Snapshot()})
}

func (s *chatSocket) write(frame dto.ChatSocketFrame) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(chatSocketWriteWait))
	return s.conn.WriteJSON(frame)
}

func (s *chatSocket) reply(frame dto.ChatSocketFrame) {
	select {
	case s.replies <- frame:
	case <-s.closed:
	}
}

func (s *chatSocket) close() {
	s.once.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
	})
}

func errorFrame(ref string, err error) dto.ChatSocketFrame {
	return dto.ChatSocketFrame{Type: dto.ChatFrameError, Ref: ref, Code: chatErrorStatus(err), Error: err.Error()}
}
