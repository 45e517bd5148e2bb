package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/docviewer/internal/annotation"
	"github.com/MarcoPoloResearchLab/docviewer/internal/auth"
	"github.com/MarcoPoloResearchLab/docviewer/internal/canvadocs"
	"github.com/MarcoPoloResearchLab/docviewer/internal/store"
)

const (
	listAPIVersion   = "2018-04-06"
	upsertAPIVersion = "2018-03-07"
	deleteAPIVersion = "1"

	clientIDHeader = "X-Client-Id"
)

var (
	errMissingTokenManager = errors.New("session token manager dependency required")
	errMissingAnnotations  = errors.New("annotation service dependency required")
)

// SessionTokenManager mints and validates the signed session keys that
// appear in every wire-protocol URL.
type SessionTokenManager interface {
	Issue(sessionKey, documentID, userID, userName, permissions string) (string, int64, error)
	Validate(token string) (auth.SessionClaims, error)
}

// AnnotationService is the persistence surface the handler drives,
// satisfied by store.Service.
type AnnotationService interface {
	CreateSession(ctx context.Context, session store.Session) (store.Session, error)
	GetSession(ctx context.Context, sessionKey string) (store.Session, error)
	ListAnnotations(ctx context.Context, sessionKey string) ([]annotation.Annotation, error)
	GetAnnotation(ctx context.Context, sessionKey, annotationID string) (annotation.Annotation, error)
	UpsertAnnotation(ctx context.Context, sessionKey string, record annotation.Annotation) (annotation.Annotation, error)
	DeleteAnnotation(ctx context.Context, sessionKey, annotationID, deletedBy, deletedByID string) error
}

type Dependencies struct {
	TokenManager SessionTokenManager
	Annotations  AnnotationService
	// Dispatcher fans annotation changes out to push subscribers; nil
	// disables the push channel.
	Dispatcher *RealtimeDispatcher
	// PushHost is the websocket endpoint advertised in session metadata,
	// e.g. "ws://localhost:8080/push". Empty omits the push block.
	PushHost string
	Logger   *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Annotations == nil {
		return nil, errMissingAnnotations
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", clientIDHeader},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:      deps.TokenManager,
		annotations: deps.Annotations,
		dispatcher:  deps.Dispatcher,
		pushHost:    deps.PushHost,
		logger:      logger,
	}

	router.POST("/api/sessions", handler.handleCreateSession)
	router.GET("/sessions/:sessionID", handler.handleMetadata)
	router.GET("/sessions/:sessionID/file", handler.handleFile)
	router.GET("/"+listAPIVersion+"/sessions/:sessionID/annotations", handler.handleList)
	router.PUT("/"+upsertAPIVersion+"/sessions/:sessionID/annotations/:annotationID", handler.handleUpsert)
	router.DELETE("/"+deleteAPIVersion+"/sessions/:sessionID/annotations/:annotationID", handler.handleDelete)
	if deps.Dispatcher != nil {
		router.GET("/push", handler.handlePush)
	}

	return router, nil
}

type httpHandler struct {
	tokens      SessionTokenManager
	annotations AnnotationService
	dispatcher  *RealtimeDispatcher
	pushHost    string
	logger      *zap.Logger
}

type createSessionPayload struct {
	DocumentID         string `json:"document_id"`
	DocumentPath       string `json:"document_path"`
	UserID             string `json:"user_id"`
	UserName           string `json:"user_name"`
	Permissions        string `json:"permissions"`
	AnnotationsEnabled bool   `json:"annotations_enabled"`
}

type createSessionResponse struct {
	SessionKey string `json:"session_key"`
	SessionURL string `json:"session_url"`
	Token      string `json:"token"`
	ExpiresIn  int64  `json:"expires_in"`
}

func (h *httpHandler) handleCreateSession(c *gin.Context) {
	var request createSessionPayload
	if err := c.ShouldBindJSON(&request); err != nil ||
		strings.TrimSpace(request.DocumentID) == "" ||
		strings.TrimSpace(request.UserID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	permissions := string(parseSessionPermissions(request.Permissions))

	sessionKey := uuid.NewString()
	token, expiresIn, err := h.tokens.Issue(sessionKey, request.DocumentID, request.UserID, request.UserName, permissions)
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	_, err = h.annotations.CreateSession(c.Request.Context(), store.Session{
		SessionKey:         sessionKey,
		DocumentID:         request.DocumentID,
		DocumentPath:       request.DocumentPath,
		UserID:             request.UserID,
		UserName:           request.UserName,
		Permissions:        permissions,
		AnnotationsEnabled: request.AnnotationsEnabled,
	})
	if err != nil {
		h.logger.Error("failed to create session", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session_create_failed"})
		return
	}

	c.JSON(http.StatusOK, createSessionResponse{
		SessionKey: sessionKey,
		SessionURL: "/sessions/" + token,
		Token:      token,
		ExpiresIn:  expiresIn,
	})
}

// resolveSession validates the signed session key from the URL and loads the
// session row. It writes the error response itself.
func (h *httpHandler) resolveSession(c *gin.Context) (auth.SessionClaims, store.Session, bool) {
	claims, err := h.tokens.Validate(c.Param("sessionID"))
	if err != nil {
		h.logger.Warn("session token validation failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return auth.SessionClaims{}, store.Session{}, false
	}
	session, err := h.annotations.GetSession(c.Request.Context(), claims.SessionKey())
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session_not_found"})
			return auth.SessionClaims{}, store.Session{}, false
		}
		h.logger.Error("failed to load session", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session_load_failed"})
		return auth.SessionClaims{}, store.Session{}, false
	}
	return claims, session, true
}

type metadataURLs struct {
	PDFDownload string `json:"pdf_download"`
}

type metadataAnnotations struct {
	Enabled     bool   `json:"enabled"`
	UserID      string `json:"user_id"`
	UserName    string `json:"user_name"`
	Permissions string `json:"permissions"`
}

type metadataPandaPush struct {
	Host               string `json:"host"`
	AnnotationsChannel string `json:"annotations_channel"`
	AnnotationsToken   string `json:"annotations_token"`
}

type metadataResponse struct {
	URLs        metadataURLs         `json:"urls"`
	Annotations *metadataAnnotations `json:"annotations,omitempty"`
	PandaPush   *metadataPandaPush   `json:"panda_push,omitempty"`
}

func (h *httpHandler) handleMetadata(c *gin.Context) {
	_, session, ok := h.resolveSession(c)
	if !ok {
		return
	}
	token := c.Param("sessionID")

	response := metadataResponse{
		URLs: metadataURLs{PDFDownload: "/sessions/" + token + "/file"},
		Annotations: &metadataAnnotations{
			Enabled:     session.AnnotationsEnabled,
			UserID:      session.UserID,
			UserName:    session.UserName,
			Permissions: session.Permissions,
		},
	}
	if h.pushHost != "" && h.dispatcher != nil {
		response.PandaPush = &metadataPandaPush{
			Host:               h.pushHost,
			AnnotationsChannel: annotationsChannel(session.SessionKey),
			AnnotationsToken:   token,
		}
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleFile(c *gin.Context) {
	_, session, ok := h.resolveSession(c)
	if !ok {
		return
	}
	if session.DocumentPath == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "document_not_found"})
		return
	}
	c.File(session.DocumentPath)
}

func (h *httpHandler) handleList(c *gin.Context) {
	_, session, ok := h.resolveSession(c)
	if !ok {
		return
	}
	records, err := h.annotations.ListAnnotations(c.Request.Context(), session.SessionKey)
	if err != nil {
		h.logger.Error("failed to list annotations", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}

	data := make([]json.RawMessage, 0, len(records))
	for _, record := range records {
		payload, err := annotation.Encode(record)
		if err != nil {
			h.logger.Error("failed to encode annotation", zap.String("annotation_id", record.ID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
			return
		}
		data = append(data, payload)
	}
	c.JSON(http.StatusOK, gin.H{"data": data})
}

func (h *httpHandler) handleUpsert(c *gin.Context) {
	claims, session, ok := h.resolveSession(c)
	if !ok {
		return
	}
	if !writePermitted(session.Permissions) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	// The store ceiling is inclusive: a payload of exactly the limit is
	// already too big.
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, canvadocs.AnnotationSizeLimit-1))
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "annotation_too_big"})
		return
	}
	record, err := annotation.Decode(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_annotation"})
		return
	}
	record.ID = c.Param("annotationID")
	record.DocumentID = session.DocumentID
	if record.UserID == "" {
		record.UserID = claims.UserID
	}
	if record.UserName == "" {
		record.UserName = claims.UserName
	}

	existing, err := h.annotations.GetAnnotation(c.Request.Context(), session.SessionKey, record.ID)
	if err == nil && existing.UserID != claims.UserID && !managePermitted(session.Permissions) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	if err != nil && !errors.Is(err, store.ErrAnnotationNotFound) {
		h.logger.Error("failed to load annotation", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "upsert_failed"})
		return
	}

	canonical, err := h.annotations.UpsertAnnotation(c.Request.Context(), session.SessionKey, record)
	if err != nil {
		h.logger.Error("failed to upsert annotation", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "upsert_failed"})
		return
	}
	payload, err := annotation.Encode(canonical)
	if err != nil {
		h.logger.Error("failed to encode annotation", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "upsert_failed"})
		return
	}

	h.publish(PushMessage{
		Channel:  annotationsChannel(session.SessionKey),
		Event:    EventAnnotationUpsert,
		ClientID: c.GetHeader(clientIDHeader),
		Data:     payload,
	})
	c.Data(http.StatusOK, "application/json", payload)
}

func (h *httpHandler) handleDelete(c *gin.Context) {
	claims, session, ok := h.resolveSession(c)
	if !ok {
		return
	}
	if !writePermitted(session.Permissions) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	annotationID := c.Param("annotationID")

	existing, err := h.annotations.GetAnnotation(c.Request.Context(), session.SessionKey, annotationID)
	if err != nil {
		if errors.Is(err, store.ErrAnnotationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "annotation_not_found"})
			return
		}
		h.logger.Error("failed to load annotation", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete_failed"})
		return
	}
	if existing.UserID != claims.UserID && !managePermitted(session.Permissions) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	err = h.annotations.DeleteAnnotation(c.Request.Context(), session.SessionKey, annotationID, claims.UserName, claims.UserID)
	if err != nil {
		h.logger.Error("failed to delete annotation", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete_failed"})
		return
	}

	data, _ := json.Marshal(gin.H{"id": annotationID})
	h.publish(PushMessage{
		Channel:  annotationsChannel(session.SessionKey),
		Event:    EventAnnotationDelete,
		ClientID: c.GetHeader(clientIDHeader),
		Data:     data,
	})
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) publish(message PushMessage) {
	if h.dispatcher == nil {
		return
	}
	h.dispatcher.Publish(message)
}

func annotationsChannel(sessionKey string) string {
	return fmt.Sprintf("/sessions/%s/annotations", sessionKey)
}

func writePermitted(permissions string) bool {
	return permissions == string(canvadocs.PermissionsReadWrite) ||
		permissions == string(canvadocs.PermissionsReadWriteManage)
}

func managePermitted(permissions string) bool {
	return permissions == string(canvadocs.PermissionsReadWriteManage)
}

func parseSessionPermissions(value string) canvadocs.Permissions {
	switch canvadocs.Permissions(strings.ToLower(strings.TrimSpace(value))) {
	case canvadocs.PermissionsReadWrite:
		return canvadocs.PermissionsReadWrite
	case canvadocs.PermissionsReadWriteManage:
		return canvadocs.PermissionsReadWriteManage
	default:
		return canvadocs.PermissionsRead
	}
}
