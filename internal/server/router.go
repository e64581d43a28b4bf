package server

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	maxUploadBytes  = 50 << 20
	maxNameSegment  = 190
	uploadsRoute    = "/uploads"
	viewRoutePrefix = "/view/"
)

var (
	errMissingHub         = errors.New("room hub dependency required")
	errMissingViewOnce    = errors.New("view-once store dependency required")
	errMissingUploadsDir  = errors.New("uploads directory required")
	errMissingViewOnceDir = errors.New("view-once directory required")

	viewTokenPattern = regexp.MustCompile(`^[a-fA-F0-9]+$`)
)

// Dependencies describes the collaborators of the room server HTTP handler.
type Dependencies struct {
	Hub         *RoomHub
	ViewOnce    *ViewOnceStore
	UploadsDir  string
	ViewOnceDir string
	NewID       func() (string, error)
	Clock       func() time.Time
	Logger      *zap.Logger
}

// NewHTTPHandler wires the room websocket, upload and view-once routes.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Hub == nil {
		return nil, errMissingHub
	}
	if deps.ViewOnce == nil {
		return nil, errMissingViewOnce
	}
	if strings.TrimSpace(deps.UploadsDir) == "" {
		return nil, errMissingUploadsDir
	}
	if strings.TrimSpace(deps.ViewOnceDir) == "" {
		return nil, errMissingViewOnceDir
	}
	for _, dir := range []string{deps.UploadsDir, deps.ViewOnceDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	newID := deps.NewID
	if newID == nil {
		newID = newMessageID
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	router := gin.New()
	router.UseRawPath = true
	router.MaxMultipartMemory = 8 << 20
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		hub:         deps.Hub,
		viewOnce:    deps.ViewOnce,
		uploadsDir:  deps.UploadsDir,
		viewOnceDir: deps.ViewOnceDir,
		newID:       newID,
		now:         clock,
		logger:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	router.GET("/health", handler.handleHealth)
	router.GET("/ws/:room/:username", handler.handleRoomSocket)
	router.POST("/upload", handler.handleUpload)
	router.GET(viewRoutePrefix+":token", handler.handleView)
	router.Static(uploadsRoute, deps.UploadsDir)

	return router, nil
}

type httpHandler struct {
	hub         *RoomHub
	viewOnce    *ViewOnceStore
	uploadsDir  string
	viewOnceDir string
	newID       func() (string, error)
	now         func() time.Time
	logger      *zap.Logger
	upgrader    websocket.Upgrader
}

type uploadResponsePayload struct {
	URL   string `json:"url"`
	Token string `json:"token,omitempty"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleRoomSocket(c *gin.Context) {
	roomName := strings.TrimSpace(c.Param("room"))
	username := strings.TrimSpace(c.Param("username"))
	if roomName == "" || username == "" ||
		len([]rune(roomName)) > maxNameSegment || len([]rune(username)) > maxNameSegment {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_room_or_username"})
		return
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	connection := &roomConnection{
		hub:      h.hub,
		ws:       ws,
		room:     roomName,
		username: username,
		newID:    h.newID,
		now:      h.now,
		logger:   h.logger,
	}
	h.logger.Info("member connected", zap.String("room", roomName), zap.String("user", username))
	connection.serve(c.Request.Context())
	h.logger.Info("member disconnected", zap.String("room", roomName), zap.String("user", username))
}

func (h *httpHandler) handleUpload(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadBytes)
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_file"})
		return
	}
	baseName := sanitizeFileName(fileHeader.Filename)

	if c.PostForm("view_once") != "true" {
		id, err := h.newID()
		if err != nil {
			h.logger.Error("failed to issue upload id", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "upload_failed"})
			return
		}
		storedName := id + "_" + baseName
		if err := c.SaveUploadedFile(fileHeader, filepath.Join(h.uploadsDir, storedName)); err != nil {
			h.logger.Error("failed to store upload", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "upload_failed"})
			return
		}
		c.JSON(http.StatusOK, uploadResponsePayload{URL: uploadsRoute + "/" + storedName})
		return
	}

	token := h.viewOnce.NewToken()
	storedPath := filepath.Join(h.viewOnceDir, token)
	if err := c.SaveUploadedFile(fileHeader, storedPath); err != nil {
		h.logger.Error("failed to store view-once upload", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "upload_failed"})
		return
	}
	contentType := "application/octet-stream"
	if detected, err := mimetype.DetectFile(storedPath); err == nil {
		contentType = detected.String()
	}
	media := ViewOnceMedia{Token: token, FileName: baseName, ContentType: contentType, StoredPath: storedPath}
	if err := h.viewOnce.Register(c.Request.Context(), media); err != nil {
		h.logger.Error("failed to register view-once upload", zap.Error(err))
		_ = os.Remove(storedPath)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "upload_failed"})
		return
	}
	c.JSON(http.StatusOK, uploadResponsePayload{URL: viewRoutePrefix + token, Token: token})
}

func (h *httpHandler) handleView(c *gin.Context) {
	token := c.Param("token")
	if !viewTokenPattern.MatchString(token) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}

	media, err := h.viewOnce.Consume(c.Request.Context(), strings.ToLower(token))
	if err != nil {
		if !errors.Is(err, ErrViewOnceUnavailable) {
			h.logger.Error("failed to consume view-once media", zap.Error(err))
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}

	data, err := os.ReadFile(media.StoredPath)
	if removeErr := os.Remove(media.StoredPath); removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
		h.logger.Warn("failed to remove view-once media", zap.String("token", token), zap.Error(removeErr))
	}
	if err != nil {
		h.logger.Error("view-once media missing on disk", zap.String("token", token), zap.Error(err))
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}

	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, media.ContentType, data)
}

func sanitizeFileName(name string) string {
	base := filepath.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	if base == "." || base == "/" || base == "" {
		return "upload"
	}
	return base
}

func newMessageID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}
