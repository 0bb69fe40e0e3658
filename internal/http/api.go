package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/irohalab/mira-download-manager/internal/domain"
	"github.com/irohalab/mira-download-manager/internal/service"
)

// Handler wires HTTP routes to the download service.
type Handler struct {
	downloads *service.DownloadService
}

func NewHandler(downloads *service.DownloadService) *Handler {
	return &Handler{downloads: downloads}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(corsMiddleware())

	jobs := router.Group("/download/job")
	{
		jobs.GET("", h.listJobs)
		jobs.GET("/:id", h.getJob)
		jobs.PUT("/:id", h.jobAction)
		jobs.PUT("/:id/resend-finish-message", h.resendFinishMessage)
		jobs.GET("/:id/content", h.jobContent)
	}

	files := router.Group("/file")
	{
		files.GET("/content/:jobId", h.fileContent)
		files.DELETE("/torrent/:downloadTaskId", h.deleteByTaskMessage)
	}

	router.GET("/health", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"ok": "ok"})
	})
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "Content-Disposition")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func (h *Handler) listJobs(c *gin.Context) {
	status := domain.JobStatus(c.DefaultQuery("status", string(domain.JobStatusDownloading)))
	jobs, err := h.downloads.JobsByStatus(c.Request.Context(), status)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := make([]JobResponse, len(jobs))
	for i := range jobs {
		resp[i] = jobToResponse(jobs[i])
	}
	c.JSON(http.StatusOK, gin.H{"data": resp, "status": http.StatusOK})
}

func (h *Handler) getJob(c *gin.Context) {
	job, err := h.downloads.Job(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if job == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": jobToResponse(job), "status": http.StatusOK})
}

type jobActionRequest struct {
	Action string `json:"action" binding:"required"`
}

func (h *Handler) jobAction(c *gin.Context) {
	var req jobActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	id := c.Param("id")
	switch req.Action {
	case "pause":
		job, err := h.downloads.Pause(ctx, id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if err := h.downloads.SaveJob(ctx, job); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": jobToResponse(job), "status": http.StatusOK})
	case "resume":
		job, err := h.downloads.Resume(ctx, id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if err := h.downloads.SaveJob(ctx, job); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": jobToResponse(job), "status": http.StatusOK})
	case "delete":
		if err := h.downloads.Delete(ctx, id); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"deleted": id, "status": http.StatusOK})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown action " + req.Action})
	}
}

func (h *Handler) resendFinishMessage(c *gin.Context) {
	if err := h.downloads.ResendFinishMessage(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": http.StatusOK})
}

func (h *Handler) jobContent(c *gin.Context) {
	files, err := h.downloads.Content(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": files, "status": http.StatusOK})
}

func (h *Handler) fileContent(c *gin.Context) {
	relative := c.Query("relativeFilePath")
	if relative == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "relativeFilePath is required"})
		return
	}
	path, err := h.downloads.FilePath(c.Request.Context(), c.Param("jobId"), relative)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.File(path)
}

func (h *Handler) deleteByTaskMessage(c *gin.Context) {
	id := c.Param("downloadTaskId")
	if err := h.downloads.DeleteByTaskMessageID(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id, "status": http.StatusOK})
}

type JobResponse struct {
	ID                    string               `json:"id"`
	TorrentID             string               `json:"torrentId"`
	Downloader            string               `json:"downloader"`
	Status                domain.JobStatus     `json:"status"`
	TorrentURL            string               `json:"torrentUrl"`
	BangumiID             string               `json:"bangumiId"`
	DownloadTaskMessageID string               `json:"downloadTaskMessageId"`
	FileMapping           []domain.FileMapping `json:"fileMapping,omitempty"`
	VideoID               string               `json:"videoId,omitempty"`
	Progress              float64              `json:"progress"`
	Speed                 int64                `json:"speed"`
	ETA                   int64                `json:"eta"`
	Availability          float64              `json:"availability"`
	Priority              int                  `json:"priority"`
	Size                  int64                `json:"size"`
	Downloaded            int64                `json:"downloaded"`
	AmountLeft            int64                `json:"amountLeft"`
	ActiveTime            int64                `json:"activeTime"`
	NumSeeds              int                  `json:"numSeeds"`
	NumLeechs             int                  `json:"numLeechs"`
	ErrorInfo             *domain.ErrorInfo    `json:"errorInfo,omitempty"`
	CreateTime            string               `json:"createTime"`
	EndTime               *string              `json:"endTime,omitempty"`
}

func jobToResponse(job *domain.Job) JobResponse {
	resp := JobResponse{
		ID:                    job.ID,
		TorrentID:             job.TorrentID,
		Downloader:            string(job.Downloader),
		Status:                job.Status,
		TorrentURL:            job.TorrentURL,
		BangumiID:             job.BangumiID,
		DownloadTaskMessageID: job.DownloadTaskMessageID,
		FileMapping:           job.FileMapping,
		VideoID:               job.VideoID,
		Progress:              job.Progress,
		Speed:                 job.Speed,
		ETA:                   job.ETA,
		Availability:          job.Availability,
		Priority:              job.Priority,
		Size:                  job.Size,
		Downloaded:            job.Downloaded,
		AmountLeft:            job.AmountLeft,
		ActiveTime:            job.ActiveTime,
		NumSeeds:              job.NumSeeds,
		NumLeechs:             job.NumLeechs,
		ErrorInfo:             job.ErrorInfo,
		CreateTime:            job.CreateTime.Format(time.RFC3339),
	}
	if job.EndTime != nil {
		v := job.EndTime.Format(time.RFC3339)
		resp.EndTime = &v
	}
	return resp
}
