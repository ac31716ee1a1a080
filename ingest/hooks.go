package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"stagecast/engine"
)

// SessionHandler is the part of the engine the hook server drives.
type SessionHandler interface {
	HandlePublish(ctx context.Context, sessionId string, path string) error
	HandleUnpublish(ctx context.Context, sessionId string, path string) error
}

// HookServer receives the media server's publish/unpublish callbacks and
// translates them into session transitions. A rejected publish answers
// 403, which tells the media server to drop the connection.
type HookServer struct {
	sugar   *zap.SugaredLogger
	handler SessionHandler
}

func NewHookServer(sugar *zap.SugaredLogger, handler SessionHandler) *HookServer {
	return &HookServer{sugar: sugar, handler: handler}
}

type hookRequest struct {
	Id   string `json:"id" binding:"required"`
	Path string `json:"path" binding:"required"`
}

func (h *HookServer) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.POST("/hooks/publish", h.onPublish)
	r.POST("/hooks/unpublish", h.onUnpublish)
	return r
}

func (h *HookServer) onPublish(c *gin.Context) {
	var req hookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid hook payload"})
		return
	}

	err := h.handler.HandlePublish(c.Request.Context(), req.Id, req.Path)
	if errors.Is(err, engine.ErrRejectedSession) {
		c.JSON(http.StatusForbidden, gin.H{"error": "unauthorized"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *HookServer) onUnpublish(c *gin.Context) {
	var req hookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid hook payload"})
		return
	}

	if err := h.handler.HandleUnpublish(c.Request.Context(), req.Id, req.Path); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// NewLiveChecker queries the media server's API for whether a stream key
// is currently publishing. Also used as the thumbnail cache's liveness
// probe (HEAD against the playback manifest).
func NewLiveChecker(playbackBaseUrl string) func(streamKey string) (bool, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	return func(streamKey string) (bool, error) {
		resp, err := client.Head(fmt.Sprintf("%s/%s/index.m3u8", playbackBaseUrl, streamKey))
		if err != nil {
			return false, err
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK, nil
	}
}
