package server

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/compliance-store/internal/attachments"
	"github.com/MarcoPoloResearchLab/compliance-store/internal/auth"
	"github.com/MarcoPoloResearchLab/compliance-store/internal/checksum"
	"github.com/MarcoPoloResearchLab/compliance-store/internal/docstore"
)

const (
	identityContextKey    = "compliance_identity"
	bundleFilename        = "attachments.zip"
	defaultHeartbeatEvery = 15 * time.Second
)

var (
	errMissingSessions  = errors.New("session validator dependency required")
	errMissingConnector = errors.New("stream connector dependency required")
	errMissingContents  = errors.New("content repository dependency required")
	errMissingOwners    = errors.New("ownership resolver dependency required")
	errMissingChecksums = errors.New("checksum service dependency required")
)

// SessionValidator resolves the caller of a request.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
	Identity(claims auth.SessionClaims) attachments.Identity
}

// Dependencies wires the HTTP surface to the attachment subsystem.
type Dependencies struct {
	Sessions    SessionValidator
	Connector   *attachments.StreamConnector
	Contents    *attachments.ContentRepository
	Owners      *attachments.OwnershipResolver
	Checksums   *checksum.Service
	Permissions attachments.PermissionChecker
	Events      *UploadEvents
	// AllowedOrigins lists CORS origins; empty allows any origin without credentials.
	AllowedOrigins []string
	Heartbeat      time.Duration
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin router of the attachment service.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}
	if deps.Connector == nil {
		return nil, errMissingConnector
	}
	if deps.Contents == nil {
		return nil, errMissingContents
	}
	if deps.Owners == nil {
		return nil, errMissingOwners
	}
	if deps.Checksums == nil {
		return nil, errMissingChecksums
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	permissions := deps.Permissions
	if permissions == nil {
		permissions = attachments.VisibilityPolicy{}
	}
	events := deps.Events
	if events == nil {
		events = NewUploadEvents()
	}
	heartbeat := deps.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatEvery
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		sessions:    deps.Sessions,
		connector:   deps.Connector,
		contents:    deps.Contents,
		owners:      deps.Owners,
		checksums:   deps.Checksums,
		permissions: permissions,
		events:      events,
		heartbeat:   heartbeat,
		logger:      logger,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/attachments/:id", handler.handleDownload)
	protected.GET("/attachments/:id/events", handler.handleEvents)
	protected.PUT("/attachments/:id/parts/:index", handler.handlePartUpload)
	protected.POST("/attachments/bundle", handler.handleBundle)
	protected.POST("/attachments/checksums", handler.handleChecksums)

	return router, nil
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		ExposeHeaders: []string{
			"Content-Disposition",
		},
		MaxAge: 12 * time.Hour,
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
		cfg.AllowCredentials = true
	}
	return cors.New(cfg)
}

type httpHandler struct {
	sessions    SessionValidator
	connector   *attachments.StreamConnector
	contents    *attachments.ContentRepository
	owners      *attachments.OwnershipResolver
	checksums   *checksum.Service
	permissions attachments.PermissionChecker
	events      *UploadEvents
	heartbeat   time.Duration
	logger      *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, jwt.ErrTokenExpired) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(identityContextKey, h.sessions.Identity(claims))
	c.Next()
}

func identityFrom(c *gin.Context) attachments.Identity {
	identity, _ := c.Get(identityContextKey)
	resolved, _ := identity.(attachments.Identity)
	return resolved
}

func (h *httpHandler) handleDownload(c *gin.Context) {
	ctx := c.Request.Context()
	contentID := c.Param("id")
	content, err := h.contents.GetStrict(ctx, contentID)
	if err != nil {
		h.respondError(c, "download", err)
		return
	}
	stream, err := h.connector.ReadStreamFor(ctx, identityFrom(c), contentID, h.owners.OwnerOf(ctx, contentID))
	if err != nil {
		h.respondError(c, "download", err)
		return
	}
	defer stream.Close()

	contentType := content.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.DataFromReader(http.StatusOK, -1, contentType, stream, map[string]string{
		"Content-Disposition": disposition(content.Filename),
	})
}

type bundleRequestPayload struct {
	OwnershipID string   `json:"ownershipId"`
	ContentIDs  []string `json:"contentIds"`
}

func (h *httpHandler) handleBundle(c *gin.Context) {
	var request bundleRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.OwnershipID) == "" || len(request.ContentIDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	ctx := c.Request.Context()
	owner, err := h.owners.GetStrict(ctx, request.OwnershipID)
	if err != nil {
		h.respondError(c, "bundle", err)
		return
	}
	contents := h.contents.GetByIDs(ctx, request.ContentIDs)
	if len(contents) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	stream, err := h.connector.ReadBundle(ctx, contents, identityFrom(c), owner)
	if err != nil {
		h.respondError(c, "bundle", err)
		return
	}
	defer func() {
		if err := stream.Close(); err != nil {
			h.logger.Warn("bundle ended with error",
				zap.String("operation", "bundle"),
				zap.String("reason", "producer_failed"),
				zap.Error(err))
		}
	}()
	c.DataFromReader(http.StatusOK, -1, "application/zip", stream, map[string]string{
		"Content-Disposition": disposition(bundleFilename),
	})
}

func (h *httpHandler) handlePartUpload(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil || index < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_part_index"})
		return
	}
	ctx := c.Request.Context()
	contentID := c.Param("id")
	if !h.canUpload(ctx, identityFrom(c), contentID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	rev, err := h.connector.WritePart(ctx, contentID, index, c.Request.Body)
	if err != nil {
		h.respondError(c, "part_upload", err)
		return
	}
	h.events.Publish(UploadEvent{ContentID: contentID, EventType: EventPartStored, Part: index, Rev: rev})
	c.JSON(http.StatusCreated, gin.H{"id": contentID, "rev": rev, "part": index})
}

// canUpload admits the owner of the content's ownership context and admins.
func (h *httpHandler) canUpload(ctx context.Context, identity attachments.Identity, contentID string) bool {
	if identity.Admin {
		return true
	}
	owner := h.owners.OwnerOf(ctx, contentID)
	return owner != nil && identity.UserID != "" && owner.OwnerID == identity.UserID
}

type checksumPayload struct {
	AttachmentContentID string `json:"attachmentContentId"`
	Filename            string `json:"filename"`
	SHA1                string `json:"sha1,omitempty"`
	MD5                 string `json:"md5,omitempty"`
	SHA256              string `json:"sha256,omitempty"`
	CheckStatus         string `json:"checkStatus,omitempty"`
}

type checksumRequestPayload struct {
	Attachments []checksumPayload `json:"attachments"`
}

type checksumResponsePayload struct {
	Attachments   []checksumPayload `json:"attachments"`
	HasDuplicates bool              `json:"hasDuplicates"`
}

func (h *httpHandler) handleChecksums(c *gin.Context) {
	var request checksumRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Attachments) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	ctx := c.Request.Context()
	identity := identityFrom(c)

	list := make([]attachments.Attachment, 0, len(request.Attachments))
	for _, payload := range request.Attachments {
		attachment, err := payload.attachment()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_check_status"})
			return
		}
		if err := h.authorizeContent(ctx, identity, attachment.AttachmentContentID); err != nil {
			h.respondError(c, "checksums", err)
			return
		}
		if err := h.checksums.SetIfAbsent(ctx, &attachment); err != nil {
			h.respondError(c, "checksums", err)
			return
		}
		h.events.Publish(UploadEvent{ContentID: attachment.AttachmentContentID, EventType: EventChecksumsComputed})
		list = append(list, attachment)
	}

	response := checksumResponsePayload{
		Attachments:   make([]checksumPayload, 0, len(list)),
		HasDuplicates: checksum.HasDuplicates(list),
	}
	for _, attachment := range list {
		response.Attachments = append(response.Attachments, newChecksumPayload(attachment))
	}
	c.JSON(http.StatusOK, response)
}

func (p checksumPayload) attachment() (attachments.Attachment, error) {
	status := attachments.CheckNotChecked
	if p.CheckStatus != "" {
		parsed, err := attachments.ParseCheckStatus(p.CheckStatus)
		if err != nil {
			return attachments.Attachment{}, err
		}
		status = parsed
	}
	return attachments.Attachment{
		AttachmentContentID: p.AttachmentContentID,
		Filename:            p.Filename,
		SHA1:                p.SHA1,
		MD5:                 p.MD5,
		SHA256:              p.SHA256,
		CheckStatus:         status,
	}, nil
}

func newChecksumPayload(attachment attachments.Attachment) checksumPayload {
	return checksumPayload{
		AttachmentContentID: attachment.AttachmentContentID,
		Filename:            attachment.Filename,
		SHA1:                attachment.SHA1,
		MD5:                 attachment.MD5,
		SHA256:              attachment.SHA256,
		CheckStatus:         attachment.CheckStatus.String(),
	}
}

func (h *httpHandler) handleEvents(c *gin.Context) {
	ctx := c.Request.Context()
	contentID := c.Param("id")
	if err := h.authorizeContent(ctx, identityFrom(c), contentID); err != nil {
		h.respondError(c, "events", err)
		return
	}

	stream, cleanup := h.events.Subscribe(ctx, contentID)
	defer cleanup()
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent(eventHeartbeat, gin.H{"contentId": contentID})
	c.Writer.Flush()
	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case event, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(event.EventType, event)
			return true
		case <-ticker.C:
			c.SSEvent(eventHeartbeat, gin.H{"contentId": contentID})
			return true
		}
	})
}

// authorizeContent applies the download permission of contentID to identity.
func (h *httpHandler) authorizeContent(ctx context.Context, identity attachments.Identity, contentID string) error {
	content, err := h.contents.GetStrict(ctx, contentID)
	if err != nil {
		return err
	}
	if !h.permissions.CanDownload(ctx, identity, content, h.owners.OwnerOf(ctx, contentID)) {
		return docstore.ErrPermissionDenied
	}
	return nil
}

func (h *httpHandler) respondError(c *gin.Context, operation string, err error) {
	status, code := statusForError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("attachment request failed",
			zap.String("operation", operation),
			zap.String("reason", code),
			zap.Error(err))
	}
	c.JSON(status, gin.H{"error": code})
}

func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, docstore.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, docstore.ErrPermissionDenied):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, docstore.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, docstore.ErrInvalidDocument):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, docstore.ErrTimeout):
		return http.StatusGatewayTimeout, "remote_timeout"
	default:
		return http.StatusInternalServerError, "store_error"
	}
}

func disposition(filename string) string {
	value := mime.FormatMediaType("attachment", map[string]string{"filename": filename})
	if value == "" {
		return "attachment"
	}
	return value
}
