package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"stargazer/internal/models"
)

// Dispatch - GET /api/command?token=. Пустой объект, если выдавать нечего.
func (h *Handler) Dispatch(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		badRequest(c, "параметр token обязателен")
		return
	}
	cmd, err := h.queue.Dispatch(c.Request.Context(), token)
	if err != nil {
		respondError(c, err)
		return
	}
	if cmd == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, cmd)
}

// reportRequest - отчёт устройства. Либо status (с необязательным time),
// либо устаревшее поле response.
type reportRequest struct {
	Token    string `json:"token"`
	ID       int64  `json:"id" binding:"required"`
	Status   *int   `json:"status"`
	Time     *int64 `json:"time"`
	Response *bool  `json:"response"`
}

// Report - POST /api/command.
func (h *Handler) Report(c *gin.Context) {
	var req reportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "некорректное тело запроса: "+err.Error())
		return
	}

	var (
		cmd *models.Command
		err error
	)
	switch {
	case req.Status != nil:
		cmd, err = h.queue.Report(c.Request.Context(), req.Token, req.ID, models.CommandStatus(*req.Status), req.Time)
	case req.Response != nil:
		cmd, err = h.queue.ReportResponse(c.Request.Context(), req.Token, req.ID, *req.Response)
	default:
		badRequest(c, "нужно поле status или response")
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": cmd.ID, "status": cmd.Status})
}

type uploadRequest struct {
	Token string `json:"token"`
	ID    int64  `json:"id" binding:"required"`
	Data  string `json:"data"`
}

// Upload - POST /api/upload.
func (h *Handler) Upload(c *gin.Context) {
	// base64 длиннее данных на треть; сверх этого тело не читаем.
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, int64(h.maxUpload)*4/3+4096)
	var req uploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "некорректное тело запроса: "+err.Error())
		return
	}
	img, err := h.uploader.Upload(c.Request.Context(), req.Token, req.ID, req.Data)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, img)
}
