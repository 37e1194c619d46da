package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"stargazer/internal/database"
)

type enqueueRequest struct {
	Target   int64 `json:"target" binding:"required"`
	Position int64 `json:"position" binding:"required"`
	DeviceID int64 `json:"associated_key_id" binding:"required"`
}

// Enqueue - POST /control/command.
func (h *Handler) Enqueue(c *gin.Context) {
	var req enqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "некорректное тело запроса: "+err.Error())
		return
	}
	cmd, err := h.queue.Enqueue(c.Request.Context(), req.Target, req.Position, req.DeviceID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, cmd)
}

// DeleteCommand - DELETE /control/command?id=. Мягкое удаление.
func (h *Handler) DeleteCommand(c *gin.Context) {
	id, ok := queryInt64(c, "id")
	if !ok {
		return
	}
	if err := h.queue.SoftDelete(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id})
}

// ListCommands - GET /control/commands?filter_type=&filter_value=&page=.
func (h *Handler) ListCommands(c *gin.Context) {
	filter := database.CommandFilter{
		Type:         database.FilterType(c.DefaultQuery("filter_type", string(database.FilterAll))),
		Value:        c.Query("filter_value"),
		FailureFloor: h.queue.FailureFloor(),
	}
	page := queryPage(c)
	ctx := c.Request.Context()

	total, err := h.store.CountCommands(ctx, filter)
	if err != nil {
		respondError(c, err)
		return
	}
	commands, err := h.store.ListCommands(ctx, filter, page, h.pageSize)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"commands": commands,
		"page":     page,
		"pages":    database.Pages(total, h.pageSize),
		"total":    total,
	})
}

// NextCommand - GET /control/commands/next: ближайшая ожидаемая съёмка.
func (h *Handler) NextCommand(c *gin.Context) {
	next, err := h.store.NextEstimate(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	if next == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, next)
}

// ListTargets - GET /control/targets.
func (h *Handler) ListTargets(c *gin.Context) {
	targets, err := h.store.ListTargets(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, targets)
}

// ListImages - GET /control/images?page=.
func (h *Handler) ListImages(c *gin.Context) {
	page := queryPage(c)
	ctx := c.Request.Context()
	total, err := h.store.CountImages(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	images, err := h.store.ListImages(ctx, page, h.pageSize)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"images": images,
		"page":   page,
		"pages":  database.Pages(total, h.pageSize),
		"total":  total,
	})
}

// LatestImage - GET /control/images/latest.
func (h *Handler) LatestImage(c *gin.Context) {
	img, err := h.store.LatestImage(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	if img == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, img)
}

// ReconcileImages - POST /control/images/reconcile: ручная сверка папки с каталогом.
func (h *Handler) ReconcileImages(c *gin.Context) {
	report, err := h.reconciler.Reconcile(c.Request.Context(), h.adopt)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// ListKeys - GET /control/keys.
func (h *Handler) ListKeys(c *gin.Context) {
	devices, err := h.queue.ListDevices(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, devices)
}

type newKeyRequest struct {
	Name string `json:"name" binding:"required"`
}

// CreateKey - POST /control/keys: новое устройство с новым токеном.
func (h *Handler) CreateKey(c *gin.Context) {
	var req newKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "некорректное тело запроса: "+err.Error())
		return
	}
	device, err := h.queue.CreateDevice(c.Request.Context(), req.Name)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, device)
}

// DeleteKey - DELETE /control/keys?id=: устройство удаляется вместе с командами.
func (h *Handler) DeleteKey(c *gin.Context) {
	id, ok := queryInt64(c, "id")
	if !ok {
		return
	}
	if err := h.queue.DeleteDevice(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id})
}

// DeleteKeyCommands - DELETE /control/keys/commands?token=: физически удаляет все команды устройства.
func (h *Handler) DeleteKeyCommands(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		badRequest(c, "параметр token обязателен")
		return
	}
	n, err := h.queue.DeleteAllForDevice(c.Request.Context(), token)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}
