package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/mediaguard/mediaguard/moderation/embedding"
	"github.com/mediaguard/mediaguard/moderation/enforce"
	"github.com/mediaguard/mediaguard/moderation/engine"
	"github.com/mediaguard/mediaguard/moderation/frames"
	"github.com/mediaguard/mediaguard/moderation/ledger"
	"github.com/mediaguard/mediaguard/moderation/scoring"
	"github.com/mediaguard/mediaguard/moderation/store"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

type GenericError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type GenericStatus struct {
	Daemon  string `json:"daemon"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type RegisterUserRequest struct {
	Identity string `json:"identity"`
	Username string `json:"username"`
}

// maps moderation errors to HTTP responses
func errorResponse(c echo.Context, err error) error {
	var code int
	var name string
	switch {
	case errors.Is(err, engine.ErrInvalidIdentity):
		code, name = http.StatusBadRequest, "InvalidIdentity"
	case errors.Is(err, engine.ErrUnknownUser):
		code, name = http.StatusNotFound, "UnknownUser"
	case errors.Is(err, store.ErrNotFound):
		code, name = http.StatusNotFound, "NotFound"
	case errors.Is(err, engine.ErrUserBlocked):
		code, name = http.StatusForbidden, "UserBlocked"
	case errors.Is(err, ledger.ErrNotRegistered):
		code, name = http.StatusForbidden, "LedgerNotRegistered"
	case errors.Is(err, enforce.ErrNotBlocked):
		code, name = http.StatusConflict, "NotBlocked"
	case errors.Is(err, enforce.ErrAlreadyPending):
		code, name = http.StatusConflict, "UnblockAlreadyRequested"
	case errors.Is(err, frames.ErrMediaUnreadable):
		code, name = http.StatusUnprocessableEntity, "MediaUnreadable"
	case errors.Is(err, embedding.ErrEmbeddingRejected):
		code, name = http.StatusUnprocessableEntity, "MediaNotModerated"
	case errors.Is(err, engine.ErrLedgerDisabled):
		code, name = http.StatusServiceUnavailable, "LedgerDisabled"
	default:
		return err
	}
	return c.JSON(code, GenericError{Error: name, Message: err.Error()})
}

func (srv *Server) errorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	var errorMessage string
	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		errorMessage = fmt.Sprintf("%s", he.Message)
	}
	if code >= 500 {
		srv.logger.Warn("mediaguard-http-internal-error", "err", err)
		errorMessage = "internal error"
	}
	c.JSON(code, GenericError{Error: http.StatusText(code), Message: errorMessage})
}

func (srv *Server) HandleHealthCheck(c echo.Context) error {
	if err := srv.eng.Store.Ping(c.Request().Context()); err != nil {
		srv.logger.Error("database health check failed", "err", err)
		return c.JSON(http.StatusServiceUnavailable, GenericStatus{Status: "error", Daemon: "mediaguard", Message: "database unavailable"})
	}
	return c.JSON(http.StatusOK, GenericStatus{Status: "ok", Daemon: "mediaguard"})
}

func (srv *Server) HandleRegisterUser(c echo.Context) error {
	var req RegisterUserRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, GenericError{Error: "InvalidRequest", Message: err.Error()})
	}
	res, err := srv.eng.RegisterUser(c.Request().Context(), req.Identity, req.Username)
	if err != nil {
		return errorResponse(c, err)
	}
	code := http.StatusOK
	if res.Created {
		code = http.StatusCreated
	}
	return c.JSON(code, res)
}

func (srv *Server) HandleUserStatus(c echo.Context) error {
	res, err := srv.eng.Status(c.Request().Context(), c.Param("id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

// Multipart form: "media" file part, optional "caption" field.
func (srv *Server) HandleSubmit(c echo.Context) error {
	fh, err := c.FormFile("media")
	if err != nil {
		return c.JSON(http.StatusBadRequest, GenericError{Error: "InvalidRequest", Message: "expected multipart 'media' file"})
	}
	f, err := fh.Open()
	if err != nil {
		return err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return err
	}

	res, err := srv.eng.Submit(c.Request().Context(), engineSubmission(c.Param("id"), c.FormValue("caption"), fh.Filename, data))
	if err != nil {
		return errorResponse(c, err)
	}
	if !res.Accepted {
		return c.JSON(http.StatusUnprocessableEntity, res)
	}
	return c.JSON(http.StatusCreated, res)
}

func (srv *Server) HandleRequestUnblock(c echo.Context) error {
	res, err := srv.eng.RequestUnblock(c.Request().Context(), c.Param("id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (srv *Server) HandleGetPost(c echo.Context) error {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, GenericError{Error: "InvalidRequest", Message: "post id must be an integer"})
	}
	res, err := srv.eng.GetPost(c.Request().Context(), id)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (srv *Server) HandleBlockedUsers(c echo.Context) error {
	users, err := srv.eng.BlockedUsers(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"users": users})
}

func (srv *Server) HandleUnblockRequests(c echo.Context) error {
	users, err := srv.eng.UnblockRequests(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"users": users})
}

func (srv *Server) HandleAdminUnblock(c echo.Context) error {
	res, err := srv.eng.AdminUnblock(c.Request().Context(), c.Param("id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (srv *Server) HandleReconcile(c echo.Context) error {
	limit := 100
	if s := c.QueryParam("limit"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v <= 0 {
			return c.JSON(http.StatusBadRequest, GenericError{Error: "InvalidRequest", Message: "limit must be a positive integer"})
		}
		limit = v
	}
	res, err := srv.eng.Reconcile(c.Request().Context(), limit)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

type StatsResponse struct {
	*engine.StatsReport
	// verdicts produced by this process, by vulgarity label
	Verdicts map[string]int64 `json:"verdicts"`
}

func (srv *Server) HandleStats(c echo.Context) error {
	st, err := srv.eng.Stats(c.Request().Context())
	if err != nil {
		return err
	}
	verdicts, err := verdictTotals(prometheus.DefaultGatherer)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, StatsResponse{StatsReport: st, Verdicts: verdicts})
}

// Reads the verdict counter back out of the metrics registry, summed over
// the "assessed" label.
func verdictTotals(g prometheus.Gatherer) (map[string]int64, error) {
	families, err := g.Gather()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64)
	for _, fam := range families {
		if fam.GetName() != scoring.VerdictMetricName {
			continue
		}
		for _, m := range fam.GetMetric() {
			out[metricLabel(m, "category")] += int64(m.GetCounter().GetValue())
		}
	}
	return out, nil
}

func metricLabel(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}
