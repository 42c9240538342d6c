package handler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-chat/internal/chat"
	"github.com/noah-isme/gema-chat/internal/dto"
	"github.com/noah-isme/gema-chat/internal/middleware"
	"github.com/noah-isme/gema-chat/internal/realtime"
	"github.com/noah-isme/gema-chat/internal/repository"
	"github.com/noah-isme/gema-chat/internal/service"
	"github.com/noah-isme/gema-chat/internal/utils"
)

// MemberEvictor detaches a user's live subscriptions from a project channel.
type MemberEvictor interface {
	Evict(projectID, userID string, reason error) int
}

// ChatHandlerOptions tunes the chat routes.
type ChatHandlerOptions struct {
	RateLimit  int
	RateWindow time.Duration
}

// ChatHandler wires chat endpoints including the websocket upgrade.
type ChatHandler struct {
	messages  service.ChatMessageService
	members   service.MembershipService
	sessions  *chat.Manager
	evictor   MemberEvictor
	validator *validator.Validate
	logger    zerolog.Logger
	opts      ChatHandlerOptions
}

// NewChatHandler creates a chat handler instance.
func NewChatHandler(messages service.ChatMessageService, members service.MembershipService, sessions *chat.Manager, evictor MemberEvictor, validator *validator.Validate, logger zerolog.Logger, opts ChatHandlerOptions) *ChatHandler {
	return &ChatHandler{
		messages:  messages,
		members:   members,
		sessions:  sessions,
		evictor:   evictor,
		validator: validator,
		logger:    logger.With().Str("component", "chat_handler").Logger(),
		opts:      opts,
	}
}

// Register binds chat routes under the provided router group.
func (h *ChatHandler) Register(router fiber.Router) {
	project := router.Group("/projects/:projectID/chat")
	project.Get("/ws", h.upgrade, websocket.New(h.handleConnection))
	project.Get("/messages", h.list)
	project.Post("/messages", middleware.RateLimit("chat_append", h.opts.RateLimit, h.opts.RateWindow), h.append)
	project.Get("/latest", h.latest)

	project.Get("/members", middleware.WithAuth(h.listMembers, middleware.AuthOptions{Role: middleware.AuthRoleMember}))
	admins := middleware.RequireRole(middleware.AuthRoleAdmin, middleware.AuthRoleOwner)
	project.Post("/members", admins, h.addMember)
	project.Delete("/members/:userID", admins, h.removeMember)

	messages := router.Group("/chat/messages")
	messages.Patch("/:id", h.edit)
	messages.Delete("/:id", h.delete)
}

func (h *ChatHandler) upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	if userIDStringFromContext(c) == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}
	c.Locals("request_ctx", withRequestContext(c))
	return c.Next()
}

func (h *ChatHandler) handleConnection(conn *websocket.Conn) {
	userID := localString(conn.Locals("user_id"))
	projectID := strings.TrimSpace(conn.Params("projectID"))

	userName := localString(conn.Locals("user_name"))
	if userName == "" {
		userName = userID
	}
	clientID := strings.TrimSpace(conn.Query("client_id"))
	if clientID == "" {
		clientID = uuid.NewString()
	}

	baseCtx, _ := conn.Locals("request_ctx").(context.Context)
	if baseCtx == nil {
		baseCtx = context.Background()
	}

	logger := h.logger.With().
		Str("project_id", projectID).
		Str("user_id", userID).
		Str("client_id", clientID).
		Str("correlation_id", middleware.CorrelationIDFromContext(baseCtx)).
		Logger()

	client := newChatSocket(conn, baseCtx, h.validator, logger)
	session, err := h.sessions.Open(projectID, chat.Identity{ClientID: clientID, UserID: userID, UserName: userName}, client.observe)
	if err != nil {
		logger.Warn().Err(err).Msg("chat session rejected")
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()))
		_ = conn.Close()
		return
	}
	defer session.Close()

	logger.Info().Msg("chat websocket connected")
	client.serve(session)
	logger.Info().Msg("chat websocket disconnected")
}

func (h *ChatHandler) list(c *fiber.Ctx) error {
	userID := userIDStringFromContext(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	query := dto.ChatHistoryQuery{ProjectID: c.Params("projectID")}

	if before := strings.TrimSpace(c.Query("before")); before != "" {
		parsed, err := time.Parse(time.RFC3339Nano, before)
		if err != nil {
			return utils.SendError(c, fiber.StatusBadRequest, "invalid before timestamp")
		}
		query.Before = &parsed
	}

	beforeID, err := parseQueryInt(c, "before_id")
	if err != nil || beforeID < 0 {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid before_id")
	}
	query.BeforeID = uint(beforeID)

	limit, err := parseQueryInt(c, "limit")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid limit")
	}
	query.Limit = limit

	ctx := withRequestContext(c)

	if err := h.requireMember(ctx, query.ProjectID, userID); err != nil {
		return h.fail(c, err)
	}

	messages, err := h.messages.List(ctx, query)
	if err != nil {
		return h.fail(c, err)
	}

	meta := fiber.Map{"count": len(messages), "has_more": len(messages) == repository.NormalizeChatLimit(query.Limit)}
	if len(messages) > 0 {
		oldest := messages[0]
		meta["next_before"] = oldest.CreatedAt.Format(time.RFC3339Nano)
		meta["next_before_id"] = oldest.ID
	}

	return utils.OK(c, messages, "chat history", meta)
}

func (h *ChatHandler) append(c *fiber.Ctx) error {
	userID := userIDStringFromContext(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	var payload dto.ChatAppendRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}
	payload.ProjectID = c.Params("projectID")
	payload.SenderID = userID

	response, err := h.messages.Append(withRequestContext(c), payload)
	if err != nil {
		return h.fail(c, err)
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "message stored", response)
}

func (h *ChatHandler) latest(c *fiber.Ctx) error {
	userID := userIDStringFromContext(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	projectID := c.Params("projectID")
	ctx := withRequestContext(c)

	if err := h.requireMember(ctx, projectID, userID); err != nil {
		return h.fail(c, err)
	}

	message, err := h.messages.Latest(ctx, projectID)
	if err != nil {
		return h.fail(c, err)
	}
	if message == nil {
		return utils.SendError(c, fiber.StatusNotFound, "no messages yet")
	}

	return utils.SendSuccess(c, "latest message", message)
}

func (h *ChatHandler) edit(c *fiber.Ctx) error {
	userID := userIDStringFromContext(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	id, err := parseUintParamValue(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	var payload dto.ChatEditRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	response, err := h.messages.Edit(withRequestContext(c), uint(id), payload.Content, userID)
	if err != nil {
		return h.fail(c, err)
	}

	return utils.SendSuccess(c, "message updated", response)
}

func (h *ChatHandler) delete(c *fiber.Ctx) error {
	userID := userIDStringFromContext(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	id, err := parseUintParamValue(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	if err := h.messages.Delete(withRequestContext(c), uint(id), userID); err != nil {
		return h.fail(c, err)
	}

	return utils.SendSuccess(c, "message deleted", nil)
}

func (h *ChatHandler) listMembers(c *fiber.Ctx) error {
	members, err := h.members.Members(withRequestContext(c), c.Params("projectID"))
	if err != nil {
		return h.fail(c, err)
	}
	return utils.SendSuccess(c, "chat members", members)
}

func (h *ChatHandler) addMember(c *fiber.Ctx) error {
	var payload dto.ChatMemberRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}
	payload.ProjectID = c.Params("projectID")

	if err := h.members.AddMember(withRequestContext(c), payload); err != nil {
		return h.fail(c, err)
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "member added", payload)
}

func (h *ChatHandler) removeMember(c *fiber.Ctx) error {
	projectID := c.Params("projectID")
	userID := strings.TrimSpace(c.Params("userID"))
	if userID == "" {
		return utils.SendError(c, fiber.StatusBadRequest, "userID required")
	}

	if err := h.members.RemoveMember(withRequestContext(c), projectID, userID); err != nil {
		return h.fail(c, err)
	}

	evicted := 0
	if h.evictor != nil {
		evicted = h.evictor.Evict(projectID, userID, realtime.ErrMembershipRevoked)
	}
	requestLogger(h.logger, c).Info().
		Str("project_id", projectID).
		Str("user_id", userID).
		Int("evicted", evicted).
		Msg("chat member removed")

	return utils.SendSuccess(c, "member removed", fiber.Map{"evicted_connections": evicted})
}

func (h *ChatHandler) requireMember(ctx context.Context, projectID, userID string) error {
	if h.members == nil {
		return nil
	}
	allowed, err := h.members.IsMember(ctx, strings.TrimSpace(projectID), userID)
	if err != nil {
		return fmt.Errorf("%w: membership check: %w", service.ErrChatStoreUnavailable, err)
	}
	if !allowed {
		return service.ErrChatUnauthorized
	}
	return nil
}

func (h *ChatHandler) fail(c *fiber.Ctx, err error) error {
	status := chatErrorStatus(err)
	if status >= fiber.StatusInternalServerError {
		requestLogger(h.logger, c).Error().Err(err).Str("path", c.Path()).Msg("chat request failed")
	}
	return utils.Fail(c, status, err.Error(), validationDetails(err))
}
