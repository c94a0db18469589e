package debugapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/goodtune/vsyncd/internal/storage"
	"github.com/goodtune/vsyncd/internal/timestats"
)

// JankViews handles jank statistics requests.
type JankViews struct {
	store  storage.JankStore
	stats  *timestats.Recorder
	logger zerolog.Logger
}

func NewJankViews(store storage.JankStore, stats *timestats.Recorder, logger zerolog.Logger) *JankViews {
	return &JankViews{
		store:  store,
		stats:  stats,
		logger: logger.With().Str("handler", "jank").Logger(),
	}
}

// ListStats returns the flushed statistics and the counts still pending.
func (v *JankViews) ListStats(ctx *gin.Context) {
	stats, err := v.store.ListStats(ctx.Request.Context())
	if err != nil {
		v.logger.Error().Err(err).Msg("Failed to list jank stats")
		ctx.JSON(http.StatusInternalServerError, gin.H{
			"error":   "server_error",
			"message": "Failed to list jank statistics",
		})
		return
	}

	resp := gin.H{"stats": stats}
	if v.stats != nil {
		resp["pending"] = v.stats.Pending()
	}
	ctx.JSON(http.StatusOK, resp)
}

// DeleteStats removes the statistics stored under the key query parameter.
func (v *JankViews) DeleteStats(ctx *gin.Context) {
	key := ctx.Query("key")
	if key == "" {
		ctx.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "key is required",
		})
		return
	}

	err := v.store.DeleteStats(ctx.Request.Context(), key)
	if errors.Is(err, storage.ErrNotFound) {
		ctx.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No statistics for " + key,
		})
		return
	}
	if err != nil {
		v.logger.Error().Err(err).Str("key", key).Msg("Failed to delete jank stats")
		ctx.JSON(http.StatusInternalServerError, gin.H{
			"error":   "server_error",
			"message": "Failed to delete jank statistics",
		})
		return
	}

	ctx.Status(http.StatusNoContent)
}
