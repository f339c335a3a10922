package http

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"ridewatch-console/internal/domain/ride"
	"ridewatch-console/internal/service"
	"ridewatch-console/internal/state"
)

type Handler struct {
	dashboard *service.DashboardService
	tokens    *TokenIssuer
	heartbeat time.Duration
	log       zerolog.Logger
}

func NewHandler(
	dashboard *service.DashboardService,
	tokens *TokenIssuer,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		dashboard: dashboard,
		tokens:    tokens,
		heartbeat: 15 * time.Second,
		log:       log.With().Str("component", "console_api").Logger(),
	}
}

func (h *Handler) Register(r *gin.Engine, authMiddleware gin.HandlerFunc) {
	public := r.Group("/api/v1")
	{
		public.POST("/auth/login", h.login)
	}

	protected := r.Group("/api/v1")
	protected.Use(authMiddleware)
	{
		protected.GET("/state", h.getState)
		protected.GET("/state/stream", h.streamState)

		protected.POST("/cameras/stop-all", h.stopAll)
		protected.POST("/cameras/:camera/start", h.startCamera)
		protected.POST("/cameras/:camera/stop", h.stopCamera)
		protected.POST("/cameras/:camera/retry", h.retryCamera)
		protected.GET("/cameras/:camera/frame", h.getFrame)
		protected.POST("/cameras/:camera/upload", h.uploadVideo)

		protected.POST("/rides/select", h.selectRide)
		protected.POST("/data/clear", h.clearData)
		protected.GET("/params", h.getParams)
		protected.PUT("/params", h.updateParams)

		protected.GET("/bikers", h.listBikers)
		protected.GET("/rides", h.listRides)
		protected.GET("/rides/:id/violations", h.listRideViolations)
		protected.GET("/rides/:id/journal", h.getRideJournal)
	}
}

type loginRequest struct {
	Username string `json:"username" form:"username" binding:"required"`
	Password string `json:"password" form:"password" binding:"required"`
}

func (h *Handler) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	user, err := h.dashboard.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		h.handleError(c, err)
		return
	}

	token, expiresAt, err := h.tokens.Issue(user.ID, user.Username, user.Role)
	if err != nil {
		h.log.Error().Err(err).Str("username", user.Username).Msg("failed to issue token")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
		return
	}

	c.JSON(http.StatusOK, successResponse(gin.H{
		"token":      token,
		"expires_at": expiresAt,
		"user":       user,
	}))
}

func (h *Handler) getState(c *gin.Context) {
	c.JSON(http.StatusOK, successResponse(h.dashboard.Snapshot()))
}

// streamState pushes a snapshot event whenever the state changes. Bursts of
// changes are coalesced into one snapshot.
func (h *Handler) streamState(c *gin.Context) {
	changed := make(chan struct{}, 1)
	sub := h.dashboard.Subscribe(func(state.Change) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer sub.Unsubscribe()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	send := func() {
		c.SSEvent("snapshot", h.dashboard.Snapshot())
		c.Writer.Flush()
	}
	send()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			h.log.Debug().Msg("state stream closed by client")
			return
		case <-changed:
			send()
		case <-heartbeat.C:
			c.SSEvent("ping", time.Now().UTC())
			c.Writer.Flush()
		}
	}
}

type startRequest struct {
	FilePath string `json:"file_path" form:"file_path"`
}

func (h *Handler) startCamera(c *gin.Context) {
	camera, ok := cameraParam(c)
	if !ok {
		return
	}
	var req startRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBind(&req); err != nil {
			c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
			return
		}
	}

	if err := h.dashboard.StartCamera(c.Request.Context(), camera, req.FilePath); err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(h.dashboard.Snapshot().Cameras[camera]))
}

func (h *Handler) stopCamera(c *gin.Context) {
	camera, ok := cameraParam(c)
	if !ok {
		return
	}
	if err := h.dashboard.StopCamera(c.Request.Context(), camera); err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(h.dashboard.Snapshot().Cameras[camera]))
}

func (h *Handler) stopAll(c *gin.Context) {
	if err := h.dashboard.StopAll(c.Request.Context()); err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(h.dashboard.Snapshot().Activation))
}

func (h *Handler) retryCamera(c *gin.Context) {
	camera, ok := cameraParam(c)
	if !ok {
		return
	}
	if err := h.dashboard.Retry(camera); err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(h.dashboard.Snapshot().Cameras[camera]))
}

func (h *Handler) getFrame(c *gin.Context) {
	camera, ok := cameraParam(c)
	if !ok {
		return
	}
	data, receivedAt, err := h.dashboard.Frame(camera)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Header("X-Frame-Received-At", receivedAt.UTC().Format(time.RFC3339Nano))
	c.Data(http.StatusOK, http.DetectContentType(data), data)
}

func (h *Handler) uploadVideo(c *gin.Context) {
	camera, ok := cameraParam(c)
	if !ok {
		return
	}
	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("file is required"))
		return
	}
	f, err := fh.Open()
	if err != nil {
		h.log.Error().Err(err).Str("filename", fh.Filename).Msg("failed to open upload")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
		return
	}
	defer f.Close()

	path, err := h.dashboard.UploadVideo(c.Request.Context(), camera, fh.Filename, f)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, successResponse(gin.H{
		"camera_type": camera,
		"file_path":   path,
	}))
}

func (h *Handler) selectRide(c *gin.Context) {
	var rc ride.Context
	if err := c.ShouldBindJSON(&rc); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	if err := h.dashboard.SwitchRide(rc); err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(h.dashboard.Snapshot()))
}

func (h *Handler) clearData(c *gin.Context) {
	h.dashboard.ClearData()
	c.JSON(http.StatusOK, successResponse(h.dashboard.Snapshot()))
}

func (h *Handler) getParams(c *gin.Context) {
	c.JSON(http.StatusOK, successResponse(h.dashboard.Params()))
}

func (h *Handler) updateParams(c *gin.Context) {
	p := h.dashboard.Params()
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	updated, err := h.dashboard.UpdateParams(p)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(updated))
}

func (h *Handler) listBikers(c *gin.Context) {
	bikers, err := h.dashboard.Bikers(c.Request.Context())
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(bikers))
}

func (h *Handler) listRides(c *gin.Context) {
	bikerID, err := parseID(c.Query("biker_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("biker_id parameter is required"))
		return
	}
	rides, err := h.dashboard.Rides(c.Request.Context(), bikerID)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(rides))
}

func (h *Handler) listRideViolations(c *gin.Context) {
	rideID, err := parseID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("invalid ride id"))
		return
	}
	violations, err := h.dashboard.RideViolations(c.Request.Context(), rideID)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(violations))
}

func (h *Handler) getRideJournal(c *gin.Context) {
	rideID, err := parseID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("invalid ride id"))
		return
	}
	entry, err := h.dashboard.RideJournal(c.Request.Context(), rideID)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(entry))
}

func (h *Handler) handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
	case errors.Is(err, service.ErrUnauthorized):
		c.JSON(http.StatusUnauthorized, errorResponse(err.Error()))
	case errors.Is(err, service.ErrForbidden):
		c.JSON(http.StatusForbidden, errorResponse(err.Error()))
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, errorResponse(err.Error()))
	case errors.Is(err, service.ErrCameraActive):
		c.JSON(http.StatusConflict, errorResponse(err.Error()))
	case errors.Is(err, service.ErrBackend):
		h.log.Warn().Err(err).Str("path", c.FullPath()).Msg("backend call failed")
		c.JSON(http.StatusBadGateway, errorResponse(err.Error()))
	default:
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("handler error")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
	}
}

func cameraParam(c *gin.Context) (ride.CameraType, bool) {
	camera, err := ride.ParseCameraType(c.Param("camera"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return "", false
	}
	return camera, true
}

func successResponse(data interface{}) gin.H {
	return gin.H{
		"data": data,
	}
}

func errorResponse(message string) gin.H {
	return gin.H{
		"error": message,
	}
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, err
	}
	if id < 0 {
		return 0, strconv.ErrRange
	}
	return id, nil
}
