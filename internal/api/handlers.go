package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"edututor/internal/auth"
	"edututor/internal/models"
	"edututor/internal/quiz"
	"edututor/internal/service/assistant"
	"edututor/internal/session"
	"edututor/internal/tutor"
	"edututor/internal/worker"
)

const (
	writeWait       = 10 * time.Second
	maxFrameBytes   = 64 << 10
	inboundBacklog  = 8
	conversationKey = "conversation"
)

// GenerationPool is the part of the generation bridge the routes use: stats
// for health checks and dropping queued turns of a cleared conversation.
type GenerationPool interface {
	Stats() worker.Stats
	Cancel(key int64)
}

// Handler wires the WebSocket endpoint and the HTTP routes to the services.
type Handler struct {
	assistant *assistant.Service
	auth      *auth.Service
	identity  tutor.Identity
	router    *tutor.Router
	sessions  *session.Store
	quiz      *quiz.Engine
	pool      GenerationPool
	logger    *zap.Logger
	upgrader  websocket.Upgrader
}

// Options holds the collaborators of a Handler.
type Options struct {
	Assistant *assistant.Service
	Auth      *auth.Service
	Identity  tutor.Identity
	Router    *tutor.Router
	Sessions  *session.Store
	Quiz      *quiz.Engine
	Pool      GenerationPool
	Logger    *zap.Logger
}

// NewHandler constructs a Handler instance.
func NewHandler(o Options) *Handler {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return &Handler{
		assistant: o.Assistant,
		auth:      o.Auth,
		identity:  o.Identity,
		router:    o.Router,
		sessions:  o.Sessions,
		quiz:      o.Quiz,
		pool:      o.Pool,
		logger:    o.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// browsers on other origins are allowed; identity comes from the token
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/healthz", h.healthz)
	router.GET("/ws/assistant", h.auth.Optional(), h.serveWS)

	api := router.Group("/api")
	api.Use(h.auth.Middleware())
	api.POST("/logout", h.logout)
	api.GET("/conversations", h.listConversations)
	conv := api.Group("/conversations/:id")
	conv.Use(h.requireConversation())
	conv.GET("/messages", h.getMessages)
	conv.DELETE("/session", h.clearSession)
	api.POST("/quiz/generate", h.generateQuiz)
	api.POST("/quiz/grade", h.gradeQuiz)
}

func (h *Handler) healthz(c *gin.Context) {
	body := gin.H{"status": "ok", "sessions": h.sessions.Len()}
	if h.pool != nil {
		body["workers"] = h.pool.Stats()
	}
	c.JSON(http.StatusOK, body)
}

func (h *Handler) callerStudent(c *gin.Context) (*models.Student, bool) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok || userID <= 0 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return nil, false
	}
	st, err := h.identity.StudentForUser(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, assistant.ErrStudentNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "student profile not found"})
			return nil, false
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, false
	}
	return st, true
}

// requireConversation checks that the :id conversation belongs to the caller.
func (h *Handler) requireConversation() gin.HandlerFunc {
	return func(c *gin.Context) {
		st, ok := h.callerStudent(c)
		if !ok {
			return
		}
		convID, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil || convID <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
			return
		}
		conv, err := h.assistant.GetConversation(c.Request.Context(), st.ID, convID)
		if err != nil {
			if errors.Is(err, assistant.ErrConversationNotFound) {
				c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
				return
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Set(conversationKey, conv)
		c.Next()
	}
}

func conversationFromContext(c *gin.Context) *models.Conversation {
	v, _ := c.Get(conversationKey)
	conv, _ := v.(*models.Conversation)
	return conv
}

func (h *Handler) listConversations(c *gin.Context) {
	st, ok := h.callerStudent(c)
	if !ok {
		return
	}
	convs, err := h.assistant.ListConversations(c.Request.Context(), st.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if convs == nil {
		convs = make([]models.Conversation, 0)
	}
	c.JSON(http.StatusOK, gin.H{"conversations": convs})
}

func (h *Handler) getMessages(c *gin.Context) {
	conv := conversationFromContext(c)
	messages, err := h.assistant.ListMessages(c.Request.Context(), conv.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if messages == nil {
		messages = make([]models.Message, 0)
	}
	c.JSON(http.StatusOK, gin.H{
		"conversation": conv,
		"messages":     messages,
	})
}

func (h *Handler) clearSession(c *gin.Context) {
	conv := conversationFromContext(c)
	h.sessions.ClearSession(conv.ID)
	if h.pool != nil {
		h.pool.Cancel(conv.ID)
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) logout(c *gin.Context) {
	if authToken, ok := auth.AuthTokenFromContext(c); ok {
		if err := h.auth.RevokeToken(c.Request.Context(), authToken); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     h.auth.AuthCookieName(),
		Value:    "",
		MaxAge:   -1,
		Path:     "/",
		Secure:   gin.Mode() == gin.ReleaseMode,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	c.Status(http.StatusNoContent)
}

func (h *Handler) generateQuiz(c *gin.Context) {
	var req quiz.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Topic) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "topic is required"})
		return
	}
	c.JSON(http.StatusOK, h.quiz.Generate(c.Request.Context(), req))
}

type gradeRequest struct {
	Quiz    *models.Quiz `json:"quiz"`
	Answers map[int]int  `json:"answers"`
}

func (h *Handler) gradeQuiz(c *gin.Context) {
	var req gradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Quiz == nil || len(req.Quiz.Questions) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "quiz is required"})
		return
	}
	c.JSON(http.StatusOK, h.quiz.GradeQuiz(c.Request.Context(), req.Quiz, req.Answers))
}

// serveWS runs one tutoring connection. A reader goroutine feeds frames to
// the loop below, which handles them one at a time; a read error cancels
// the connection context and with it any running generation.
func (h *Handler) serveWS(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	callerID, authenticated := auth.UserIDFromContext(c)
	logger := h.logger.With(zap.String("remote", c.ClientIP()))

	ctx, cancel := context.WithCancel(c.Request.Context())
	frames := make(chan []byte, inboundBacklog)
	readerDone := make(chan struct{})
	defer func() {
		cancel()
		conn.Close()
		<-readerDone
	}()

	conn.SetReadLimit(maxFrameBytes)
	go func() {
		defer close(readerDone)
		defer close(frames)
		defer cancel()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logger.Info("websocket read failed", zap.Error(err))
				}
				return
			}
			select {
			case frames <- data:
			case <-ctx.Done():
				return
			}
		}
	}()

	var writeMu sync.Mutex
	emit := func(ev tutor.Event) error {
		data, err := tutor.MarshalEvent(ev)
		if err != nil {
			return err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(websocket.TextMessage, data)
	}

	for data := range frames {
		in, err := tutor.DecodeInbound(data)
		if err != nil {
			text := "Action inconnue"
			if errors.Is(err, tutor.ErrMalformed) {
				text = "Payload non-JSON"
			}
			if err := emit(tutor.ErrorEvent{Text: text}); err != nil {
				return
			}
			continue
		}
		if authenticated && callerID > 0 {
			in = tutor.WithStudent(in, callerID)
		}
		if err := h.router.Handle(ctx, in, emit); err != nil {
			if ctx.Err() == nil {
				logger.Info("websocket write failed", zap.Error(err))
			}
			return
		}
	}
}
