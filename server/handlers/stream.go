package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/san-kum/object-tracker/server/framesource"
	"github.com/san-kum/object-tracker/server/models"
	"github.com/san-kum/object-tracker/server/session"
)

const maxBatchFrames = 10000

type StreamHandler struct {
	session   *session.Session
	logger    *zap.Logger
	inputSize int
	batchRoot string
	maxBatch  int
	stats     *ingestStats

	sourcesMu sync.Mutex
	sources   map[string]func() any
}

// SystemStats counts frames seen by the HTTP and WebSocket ingest paths.
type SystemStats struct {
	TotalFrames    int64     `json:"total_frames"`
	Accepted       int64     `json:"accepted"`
	Dropped        int64     `json:"dropped"`
	ProcessedError int64     `json:"processed_error"`
	AvgDecodeTime  float64   `json:"avg_decode_time_ms"`
	LastUpdated    time.Time `json:"last_updated"`
	ActiveClients  int       `json:"active_clients"`
}

type FrameUploadRequest struct {
	ImageData string `json:"image_data" binding:"required"`
	Timestamp int64  `json:"timestamp"`
}

// BatchRequest carries either inline data-URL frames or the name of an
// image directory under the configured batch root.
type BatchRequest struct {
	Frames    []string `json:"frames"`
	Directory string   `json:"directory"`
}

func NewStreamHandler(s *session.Session, inputSize int, batchRoot string, logger *zap.Logger) *StreamHandler {
	return &StreamHandler{
		session:   s,
		logger:    logger,
		inputSize: inputSize,
		batchRoot: batchRoot,
		maxBatch:  maxBatchFrames,
		stats:     &ingestStats{},
		sources:   make(map[string]func() any),
	}
}

// AddStatsSource adds a named section to the stats endpoint.
func (h *StreamHandler) AddStatsSource(name string, fn func() any) {
	h.sourcesMu.Lock()
	h.sources[name] = fn
	h.sourcesMu.Unlock()
}

func (h *StreamHandler) StartStream(c *gin.Context) {
	id, err := h.session.StartStream()
	if err != nil {
		respondSessionError(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"run_id": id})
}

func (h *StreamHandler) StopStream(c *gin.Context) {
	st, err := h.session.Stop()
	if err != nil {
		respondSessionError(c, err)
		return
	}
	respond(c, http.StatusOK, st)
}

// ProcessFrame offers one live frame. A dropped frame is a normal outcome,
// reported with accepted=false.
func (h *StreamHandler) ProcessFrame(c *gin.Context) {
	var request FrameUploadRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		h.logger.Debug("Invalid request format", zap.Error(err))
		h.stats.recordError()
		respondError(c, http.StatusBadRequest, "invalid_request", "Invalid request format")
		return
	}

	frame, err := h.decodeFrame(request.ImageData)
	if err != nil {
		h.logger.Debug("Failed to decode frame", zap.Error(err))
		h.stats.recordError()
		respondError(c, http.StatusBadRequest, "invalid_frame", err.Error())
		return
	}

	accepted, err := h.session.SubmitFrame(frame)
	if err != nil {
		h.stats.recordError()
		respondSessionError(c, err)
		return
	}
	h.stats.recordSubmit(accepted)

	respond(c, http.StatusOK, gin.H{
		"accepted":  accepted,
		"timestamp": request.Timestamp,
	})
}

func (h *StreamHandler) StartBatch(c *gin.Context) {
	var request BatchRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", "Invalid request format")
		return
	}
	if (len(request.Frames) == 0) == (request.Directory == "") {
		respondError(c, http.StatusBadRequest, "invalid_request", "Exactly one of frames or directory is required")
		return
	}
	if len(request.Frames) > h.maxBatch {
		respondError(c, http.StatusBadRequest, "too_many_frames", fmt.Sprintf("At most %d frames per batch", h.maxBatch))
		return
	}

	var frames []models.Frame
	var err error
	if request.Directory != "" {
		frames, err = framesource.LoadDir(h.resolveDir(request.Directory), h.inputSize, h.maxBatch)
		if errors.Is(err, framesource.ErrTooManyFrames) {
			respondError(c, http.StatusBadRequest, "too_many_frames", fmt.Sprintf("At most %d frames per batch", h.maxBatch))
			return
		}
		if err != nil {
			h.logger.Warn("Failed to load batch directory",
				zap.String("directory", request.Directory),
				zap.Error(err))
			respondError(c, http.StatusBadRequest, "invalid_directory", "Failed to load frames from directory")
			return
		}
		if len(frames) == 0 {
			respondError(c, http.StatusBadRequest, "invalid_directory", "Directory contains no images")
			return
		}
	} else {
		frames = make([]models.Frame, 0, len(request.Frames))
		for i, data := range request.Frames {
			frame, err := h.decodeFrame(data)
			if err != nil {
				respondError(c, http.StatusBadRequest, "invalid_frame", fmt.Sprintf("frame %d: %v", i, err))
				return
			}
			frames = append(frames, frame)
		}
	}

	id, err := h.session.StartBatch(frames)
	if err != nil {
		respondSessionError(c, err)
		return
	}

	respond(c, http.StatusAccepted, gin.H{
		"job_id": id,
		"frames": len(frames),
		"status": "processing",
	})
}

func (h *StreamHandler) GetJobStatus(c *gin.Context) {
	st, err := h.session.Run(c.Param("job_id"))
	if err != nil {
		respondSessionError(c, err)
		return
	}
	respond(c, http.StatusOK, st)
}

func (h *StreamHandler) GetSession(c *gin.Context) {
	respond(c, http.StatusOK, h.session.Status())
}

func (h *StreamHandler) GetTracks(c *gin.Context) {
	respond(c, http.StatusOK, h.session.Tracks())
}

func (h *StreamHandler) GetFrames(c *gin.Context) {
	respond(c, http.StatusOK, h.session.FrameResults())
}

// ExportTracks streams the tracks as a CSV download.
func (h *StreamHandler) ExportTracks(c *gin.Context) {
	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="tracks_%s.csv"`, h.session.ID()[:8]))
	c.Status(http.StatusOK)

	if err := h.session.WriteCSV(c.Request.Context(), c.Writer); err != nil {
		h.logger.Error("CSV download failed", zap.Error(err))
		c.Abort()
	}
}

func (h *StreamHandler) SaveSession(c *gin.Context) {
	path, err := h.session.Save(c.Request.Context())
	if err != nil {
		respondSessionError(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"path": path})
}

func (h *StreamHandler) AnnotateSession(c *gin.Context) {
	dir, err := h.session.Annotate(c.Request.Context())
	if err != nil {
		respondSessionError(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"directory": dir})
}

func (h *StreamHandler) CancelSession(c *gin.Context) {
	if err := h.session.Cancel(); err != nil {
		respondSessionError(c, err)
		return
	}
	respond(c, http.StatusOK, h.session.Status())
}

func (h *StreamHandler) ResetSession(c *gin.Context) {
	if err := h.session.Reset(); err != nil {
		respondSessionError(c, err)
		return
	}
	respond(c, http.StatusOK, h.session.Status())
}

func (h *StreamHandler) GetStats(c *gin.Context) {
	dispatcherStats := h.session.Dispatcher().GetStats()
	tr := h.session.Tracker()

	response := gin.H{
		"system":     h.stats.snapshot(),
		"dispatcher": dispatcherStats,
		"tracker": gin.H{
			"counts":         tr.Counts(),
			"dropped_events": tr.DroppedEvents(),
		},
		"uptime_seconds": time.Since(dispatcherStats.StartTime).Seconds(),
	}

	h.sourcesMu.Lock()
	for name, fn := range h.sources {
		response[name] = fn()
	}
	h.sourcesMu.Unlock()

	respond(c, http.StatusOK, response)
}

func (h *StreamHandler) decodeFrame(dataURL string) (models.Frame, error) {
	start := time.Now()
	img, err := framesource.DecodeDataURL(dataURL)
	if err != nil {
		return models.Frame{}, err
	}
	frame, err := framesource.Letterbox(img, h.inputSize)
	if err != nil {
		return models.Frame{}, err
	}
	h.stats.recordDecode(time.Since(start))
	return frame, nil
}

// resolveDir keeps the requested directory inside the batch root.
func (h *StreamHandler) resolveDir(dir string) string {
	return filepath.Join(h.batchRoot, filepath.Clean(string(filepath.Separator)+dir))
}

type ingestStats struct {
	mu sync.Mutex
	s  SystemStats
}

func (st *ingestStats) recordSubmit(accepted bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.s.TotalFrames++
	if accepted {
		st.s.Accepted++
	} else {
		st.s.Dropped++
	}
}

func (st *ingestStats) recordError() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.s.TotalFrames++
	st.s.ProcessedError++
}

func (st *ingestStats) recordDecode(duration time.Duration) {
	st.mu.Lock()
	defer st.mu.Unlock()

	currentTime := float64(duration.Microseconds()) / 1000
	if st.s.AvgDecodeTime == 0 {
		st.s.AvgDecodeTime = currentTime
	} else {
		alpha := 0.1
		st.s.AvgDecodeTime = alpha*currentTime + (1-alpha)*st.s.AvgDecodeTime
	}
}

func (st *ingestStats) clientConnected(delta int) {
	st.mu.Lock()
	st.s.ActiveClients += delta
	st.mu.Unlock()
}

func (st *ingestStats) snapshot() SystemStats {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := st.s
	out.LastUpdated = time.Now()
	return out
}
