package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/miragelabs/mirage/backend/internal/characters"
	"github.com/miragelabs/mirage/backend/internal/chats"
	"github.com/miragelabs/mirage/backend/internal/payments"
	"github.com/miragelabs/mirage/backend/internal/rewards"
	"github.com/miragelabs/mirage/backend/internal/users"
)

const (
	userIDContextKey = "mirage_user_id"

	signatureHeader = "X-Webhook-Signature"

	streamHeartbeat = 25 * time.Second
	maxWebhookBody  = 1 << 20
)

var (
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingCharacters    = errors.New("character service dependency required")
	errMissingChats         = errors.New("chat service dependency required")
	errMissingPayments      = errors.New("payment service dependency required")
	errMissingRewards       = errors.New("reward service dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// BackendTokenManager validates bearer tokens and returns their subject.
type BackendTokenManager interface {
	ValidateToken(token string) (string, error)
}

// Dependencies carries everything the HTTP layer needs.
type Dependencies struct {
	TokenManager BackendTokenManager
	Users        *users.Service
	Characters   *characters.Service
	Chats        *chats.Service
	Rewards      *rewards.Service
	Payments     *payments.Service
	LiveQueries  *LiveQueryRegistry
	Bus          *ChangeBus
	Logger       *zap.Logger
}

// NewHTTPHandler assembles the gin router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Characters == nil {
		return nil, errMissingCharacters
	}
	if deps.Chats == nil {
		return nil, errMissingChats
	}
	if deps.Payments == nil {
		return nil, errMissingPayments
	}
	if deps.Rewards == nil {
		return nil, errMissingRewards
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", signatureHeader},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:      deps.TokenManager,
		users:       deps.Users,
		characters:  deps.Characters,
		chats:       deps.Chats,
		rewards:     deps.Rewards,
		payments:    deps.Payments,
		liveQueries: deps.LiveQueries,
		bus:         deps.Bus,
		logger:      logger,
	}

	router.POST("/payment-webhook", handler.handlePaymentWebhook)
	router.GET("/character", handler.handleGetCharacter)
	router.GET("/characters", handler.handleListCharacters)
	router.GET("/characters/search", handler.handleSearchCharacters)
	router.GET("/characters/similar", handler.handleSimilarCharacters)
	router.GET("/characters/stream", handler.handleCharacterStream)
	router.GET("/tags/popular", handler.handlePopularTags)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/characters", handler.handleUpsertCharacter)
	protected.POST("/characters/generate", handler.handleGenerateCharacter)
	protected.POST("/characters/:id/publish", handler.handlePublishCharacter)
	protected.POST("/characters/:id/archive", handler.handleArchiveCharacter)
	protected.POST("/characters/:id/instruction", handler.handleRequestInstruction)
	protected.GET("/characters/mine", handler.handleListMine)
	protected.POST("/chats", handler.handleCreateChat)
	protected.POST("/chats/:id/messages", handler.handlePostMessage)
	protected.POST("/chats/:id/followups", handler.handleRequestFollowUps)
	protected.GET("/chats/:id/followups", handler.handleGetFollowUps)
	protected.GET("/chats/:id/followups/stream", handler.handleFollowUpStream)
	protected.POST("/chats/:id/autopilot", handler.handleAutopilot)
	protected.POST("/checkin", handler.handleCheckin)
	protected.GET("/checkin", handler.handleCheckedIn)

	return router, nil
}

type httpHandler struct {
	tokens      BackendTokenManager
	users       *users.Service
	characters  *characters.Service
	chats       *chats.Service
	rewards     *rewards.Service
	payments    *payments.Service
	liveQueries *LiveQueryRegistry
	bus         *ChangeBus
	logger      *zap.Logger
}

// handlePaymentWebhook verifies and fulfills a provider event. The provider
// retries on 400; replay of a fulfilled event id returns 200 with no second
// credit.
func (h *httpHandler) handlePaymentWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.String(http.StatusBadRequest, "Webhook Error")
		return
	}
	signature := c.GetHeader(signatureHeader)
	if err := h.payments.Fulfill(c.Request.Context(), signature, payload); err != nil {
		c.String(http.StatusBadRequest, "Webhook Error")
		return
	}
	c.Status(http.StatusOK)
}

func (h *httpHandler) handleGetCharacter(c *gin.Context) {
	characterID := c.Query("characterId")
	character, err := h.characters.Get(c.Request.Context(), characterID)
	if err != nil {
		if errors.Is(err, characters.ErrNotFound) {
			c.String(http.StatusNotFound, "Character not found")
			return
		}
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, character)
}

func (h *httpHandler) handleListCharacters(c *gin.Context) {
	page, err := h.characters.List(c.Request.Context(), listRequestFromQuery(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *httpHandler) handleSearchCharacters(c *gin.Context) {
	request := characters.SearchRequest{
		ListRequest: listRequestFromQuery(c),
		Query:       c.Query("query"),
	}
	page, err := h.characters.Search(c.Request.Context(), request)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *httpHandler) handleSimilarCharacters(c *gin.Context) {
	query := strings.TrimSpace(c.Query("query"))
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	results, err := h.characters.Similar(c.Request.Context(), query)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func (h *httpHandler) handlePopularTags(c *gin.Context) {
	tags, err := h.characters.ListPopularTags(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tags)
}

// handleCharacterStream serves a live listing over SSE: the current first
// page immediately, then a fresh page per affecting change.
func (h *httpHandler) handleCharacterStream(c *gin.Context) {
	if h.liveQueries == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "live_queries_disabled"})
		return
	}
	pages, cancel, err := h.liveQueries.SubscribeList(c.Request.Context(), listRequestFromQuery(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	defer cancel()

	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case page, ok := <-pages:
			if !ok {
				return false
			}
			c.SSEvent("characters", page)
			return true
		case <-heartbeat.C:
			c.SSEvent("heartbeat", time.Now().UTC().Format(time.RFC3339))
			return true
		}
	})
}

type upsertCharacterPayload struct {
	CharacterID  string   `json:"characterId"`
	RemixID      *string  `json:"remixId"`
	Name         *string  `json:"name"`
	Description  *string  `json:"description"`
	Instructions *string  `json:"instructions"`
	Model        *string  `json:"model"`
	CardImageURL *string  `json:"cardImageUrl"`
	Greetings    []string `json:"greetings"`
}

func (h *httpHandler) handleUpsertCharacter(c *gin.Context) {
	var payload upsertCharacterPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if payload.Model != nil && *payload.Model != "" && !characters.IsSupportedModel(*payload.Model) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported_model"})
		return
	}
	character, err := h.characters.Upsert(c.Request.Context(), c.GetString(userIDContextKey), characters.UpsertRequest{
		CharacterID:  payload.CharacterID,
		RemixID:      payload.RemixID,
		Name:         payload.Name,
		Description:  payload.Description,
		Instructions: payload.Instructions,
		Model:        payload.Model,
		CardImageURL: payload.CardImageURL,
		Greetings:    payload.Greetings,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, character)
}

func (h *httpHandler) handleGenerateCharacter(c *gin.Context) {
	character, err := h.characters.Generate(c.Request.Context(), c.GetString(userIDContextKey))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, character)
}

type publishPayload struct {
	Visibility string `json:"visibility"`
}

func (h *httpHandler) handlePublishCharacter(c *gin.Context) {
	var payload publishPayload
	if err := c.ShouldBindJSON(&payload); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if payload.Visibility != "" &&
		payload.Visibility != characters.VisibilityPublic &&
		payload.Visibility != characters.VisibilityPrivate {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_visibility"})
		return
	}
	character, err := h.characters.Publish(c.Request.Context(), c.GetString(userIDContextKey), c.Param("id"), payload.Visibility)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, character)
}

func (h *httpHandler) handleArchiveCharacter(c *gin.Context) {
	err := h.characters.Archive(c.Request.Context(), c.GetString(userIDContextKey), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type instructionPayload struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (h *httpHandler) handleRequestInstruction(c *gin.Context) {
	var payload instructionPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	current, err := h.characters.RequestInstruction(
		c.Request.Context(), c.GetString(userIDContextKey), c.Param("id"), payload.Name, payload.Description)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"instructions": current})
}

func (h *httpHandler) handleListMine(c *gin.Context) {
	page, err := h.characters.ListMine(
		c.Request.Context(), c.GetString(userIDContextKey), c.Query("cursor"), queryInt(c, "limit"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

type createChatPayload struct {
	CharacterID string `json:"characterId"`
	ChatName    string `json:"chatName"`
}

func (h *httpHandler) handleCreateChat(c *gin.Context) {
	var payload createChatPayload
	if err := c.ShouldBindJSON(&payload); err != nil || payload.CharacterID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if _, err := h.characters.Get(c.Request.Context(), payload.CharacterID); err != nil {
		h.respondError(c, err)
		return
	}
	chat, err := h.chats.Create(c.Request.Context(), c.GetString(userIDContextKey), payload.CharacterID, payload.ChatName)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, chat)
}

type postMessagePayload struct {
	Text      string `json:"text"`
	PersonaID string `json:"personaId"`
}

func (h *httpHandler) handlePostMessage(c *gin.Context) {
	var payload postMessagePayload
	if err := c.ShouldBindJSON(&payload); err != nil || strings.TrimSpace(payload.Text) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	chatID := c.Param("id")
	if _, err := h.chats.Get(c.Request.Context(), c.GetString(userIDContextKey), chatID); err != nil {
		h.respondError(c, err)
		return
	}
	message, err := h.chats.AppendMessage(c.Request.Context(), chatID, chats.RoleUser, payload.Text, payload.PersonaID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, message)
}

type followUpRequestPayload struct {
	CharacterID string `json:"characterId"`
	PersonaID   string `json:"personaId"`
}

func (h *httpHandler) handleRequestFollowUps(c *gin.Context) {
	var payload followUpRequestPayload
	if err := c.ShouldBindJSON(&payload); err != nil || payload.CharacterID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	err := h.chats.RequestFollowUps(
		c.Request.Context(), c.GetString(userIDContextKey), c.Param("id"), payload.CharacterID, payload.PersonaID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *httpHandler) handleGetFollowUps(c *gin.Context) {
	followUp, err := h.chats.LatestFollowUp(c.Request.Context(), c.GetString(userIDContextKey), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, followUp)
}

// handleFollowUpStream pushes the latest follow-up set whenever the chat
// changes.
func (h *httpHandler) handleFollowUpStream(c *gin.Context) {
	if h.bus == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "live_queries_disabled"})
		return
	}
	userID := c.GetString(userIDContextKey)
	chatID := c.Param("id")
	if _, err := h.chats.Get(c.Request.Context(), userID, chatID); err != nil {
		h.respondError(c, err)
		return
	}

	changes, cancel := h.bus.SubscribeChat(c.Request.Context(), chatID)
	defer cancel()

	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case _, ok := <-changes:
			if !ok {
				return false
			}
			followUp, err := h.chats.LatestFollowUp(c.Request.Context(), userID, chatID)
			if err != nil {
				return true
			}
			c.SSEvent("followups", followUp)
			return true
		case <-heartbeat.C:
			c.SSEvent("heartbeat", time.Now().UTC().Format(time.RFC3339))
			return true
		}
	})
}

type autopilotPayload struct {
	CharacterID string `json:"characterId"`
	PersonaID   string `json:"personaId"`
}

func (h *httpHandler) handleAutopilot(c *gin.Context) {
	var payload autopilotPayload
	if err := c.ShouldBindJSON(&payload); err != nil || payload.CharacterID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	err := h.chats.Autopilot(
		c.Request.Context(), c.GetString(userIDContextKey), c.Param("id"), payload.CharacterID, payload.PersonaID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *httpHandler) handleCheckin(c *gin.Context) {
	record, err := h.rewards.Checkin(c.Request.Context(), c.GetString(userIDContextKey))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (h *httpHandler) handleCheckedIn(c *gin.Context) {
	checkedIn, err := h.rewards.CheckedIn(c.Request.Context(), c.GetString(userIDContextKey))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"checkedIn": checkedIn})
}

// authorizeRequest resolves the bearer token to a user id. SSE clients may
// pass the token as an access_token query parameter instead of a header.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := ""
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	if token == "" {
		token = strings.TrimSpace(c.Query("access_token"))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if h.users != nil {
		if _, err := h.users.Ensure(c.Request.Context(), subject, "", ""); err != nil {
			h.logger.Error("user provisioning failed", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "user_provisioning_failed"})
			return
		}
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}

// respondError maps domain errors to HTTP statuses with a structured body.
func (h *httpHandler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, characters.ErrPermissionDenied), errors.Is(err, chats.ErrPermissionDenied):
		c.JSON(http.StatusForbidden, gin.H{"error": "permission_denied", "message": err.Error()})
	case errors.Is(err, characters.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": err.Error()})
	case errors.Is(err, characters.ErrNotFound), errors.Is(err, chats.ErrNotFound), errors.Is(err, users.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, rewards.ErrAlreadyClaimed):
		c.JSON(http.StatusConflict, gin.H{"error": "already_claimed"})
	default:
		h.logger.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

func listRequestFromQuery(c *gin.Context) characters.ListRequest {
	return characters.ListRequest{
		Cursor:         c.Query("cursor"),
		Limit:          queryInt(c, "limit"),
		GenreTag:       c.Query("genreTag"),
		PersonalityTag: c.Query("personalityTag"),
		RoleTag:        c.Query("roleTag"),
		LanguageTag:    c.Query("languageTag"),
		Model:          c.Query("model"),
	}
}

func queryInt(c *gin.Context, name string) int {
	raw := c.Query(name)
	if raw == "" {
		return 0
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return value
}
