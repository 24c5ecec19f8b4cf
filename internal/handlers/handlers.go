// Package handlers wires the scan API's HTTP surface.
package handlers

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/example/cybershield/internal/auth"
	"github.com/example/cybershield/internal/classifier"
	"github.com/example/cybershield/internal/repository"
	"github.com/example/cybershield/internal/usecase"
)

// MaxUploadSize is the largest accepted attachment (50 MB).
const MaxUploadSize = 50 << 20

// allowedMIMEPrefixes gates uploaded part content types.
var allowedMIMEPrefixes = []string{"text/", "image/", "video/"}

// RegisterRoutes wires the HTTP handlers to the Gin router. Every route
// except /health sits behind the auth middleware.
func RegisterRoutes(router *gin.Engine, uc *usecase.ScanUseCase, authMiddleware gin.HandlerFunc) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	protected := router.Group("/", authMiddleware)

	protected.POST("/scan", func(c *gin.Context) {
		userID, ok := auth.GetUserID(c.Request.Context())
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing identity"})
			return
		}

		text := c.PostForm("text")
		upload, status, errMsg := readUpload(c)
		if errMsg != "" {
			c.JSON(status, gin.H{"error": errMsg})
			return
		}
		if text == "" && upload == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "text or file is required"})
			return
		}

		requestID, verdict, err := uc.Scan(c.Request.Context(), userID, text, upload)
		if err != nil {
			category := classifier.ClassifyFailure(err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":    classifier.FailureMessage(category),
				"category": category,
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"request_id":   requestID,
			"threat_level": verdict.ThreatLevel,
			"safety_score": verdict.SafetyScore,
			"trustworthy":  verdict.Trustworthy,
			"reasoning":    verdict.Reasoning,
			"trace_steps":  verdict.TraceSteps,
		})
	})

	protected.GET("/scan/:id", func(c *gin.Context) {
		userID, ok := auth.GetUserID(c.Request.Context())
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing identity"})
			return
		}
		requestID := c.Param("id")
		if requestID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
			return
		}

		log, err := uc.GetResult(c.Request.Context(), userID, requestID)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
			return
		}

		c.JSON(http.StatusOK, scanLogJSON(log))
	})

	protected.GET("/history", func(c *gin.Context) {
		userID, ok := auth.GetUserID(c.Request.Context())
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing identity"})
			return
		}

		limit := 0
		if raw := c.Query("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed < 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
				return
			}
			limit = parsed
		}

		logs, err := uc.History(c.Request.Context(), userID, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		entries := make([]gin.H, 0, len(logs))
		for _, log := range logs {
			entries = append(entries, scanLogJSON(log))
		}
		c.JSON(http.StatusOK, gin.H{"scans": entries})
	})

	protected.GET("/metrics/summary", func(c *gin.Context) {
		summary, err := uc.GetMetricsSummary(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, summary)
	})
}

// readUpload extracts the optional file part, enforcing size and media-type
// limits. Returns a nil upload with empty errMsg when no file was sent.
func readUpload(c *gin.Context) (upload *usecase.Upload, status int, errMsg string) {
	file, err := c.FormFile("file")
	if err != nil {
		if err == http.ErrMissingFile {
			return nil, 0, ""
		}
		return nil, http.StatusBadRequest, "malformed upload"
	}

	if file.Size > MaxUploadSize {
		return nil, http.StatusRequestEntityTooLarge, "file exceeds upload limit"
	}

	mime := file.Header.Get("Content-Type")
	if !allowedMIME(mime) {
		return nil, http.StatusUnsupportedMediaType, "unsupported media type"
	}

	src, err := file.Open()
	if err != nil {
		return nil, http.StatusBadRequest, "unable to open upload"
	}
	defer src.Close()

	data, err := io.ReadAll(io.LimitReader(src, MaxUploadSize+1))
	if err != nil {
		return nil, http.StatusInternalServerError, "failed to read upload"
	}
	if len(data) > MaxUploadSize {
		return nil, http.StatusRequestEntityTooLarge, "file exceeds upload limit"
	}

	return &usecase.Upload{Data: data, MIME: mime}, 0, ""
}

func allowedMIME(mime string) bool {
	if mime == "" || mime == "application/octet-stream" {
		return true
	}
	for _, prefix := range allowedMIMEPrefixes {
		if strings.HasPrefix(mime, prefix) {
			return true
		}
	}
	return false
}

func scanLogJSON(log *repository.ScanLog) gin.H {
	return gin.H{
		"request_id":   log.RequestID,
		"input_kind":   log.InputKind,
		"threat_level": log.ThreatLevel,
		"safety_score": log.SafetyScore,
		"trustworthy":  log.Trustworthy,
		"reasoning":    log.Reasoning,
		"enhanced":     log.Enhanced,
		"created_at":   log.CreatedAt,
	}
}
