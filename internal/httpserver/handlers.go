package httpserver

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Hugo0713/Kunpeng-AED/internal/features"
	"github.com/Hugo0713/Kunpeng-AED/internal/logger"
	"github.com/Hugo0713/Kunpeng-AED/internal/monitor"
	"github.com/Hugo0713/Kunpeng-AED/internal/pipeline"
	"github.com/Hugo0713/Kunpeng-AED/internal/publisher"
)

const indexPage = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Kunpeng AED</title></head>
<body>
<h1>Kunpeng AED</h1>
<ul>
<li><a href="/api/v1/events">/api/v1/events</a> result stream (server-sent events)</li>
<li><code>/ws</code> result stream (websocket)</li>
<li><a href="/api/v1/status">/api/v1/status</a> pipeline status</li>
<li><code>PUT /api/v1/normalization</code> update feature normalization</li>
<li><a href="/metrics">/metrics</a> Prometheus metrics</li>
</ul>
</body>
</html>
`

// StatusResponse is the body of GET /api/v1/status.
type StatusResponse struct {
	publisher.SystemStatus
	Pipeline      pipeline.Stats       `json:"pipeline"`
	Publisher     publisher.Stats      `json:"publisher"`
	Normalization features.Stats       `json:"normalization"`
	Host          monitor.HostSnapshot `json:"host"`
}

// NormalizationRequest is the body of PUT /api/v1/normalization.
type NormalizationRequest struct {
	Mean *float64 `json:"mean"`
	Std  *float64 `json:"std"`
}

func (s *Server) index(c echo.Context) error {
	return c.HTML(http.StatusOK, indexPage)
}

func (s *Server) getStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, StatusResponse{
		SystemStatus:  s.ctrl.Status(),
		Pipeline:      s.ctrl.Stats(),
		Publisher:     s.pub.Stats(),
		Normalization: s.ctrl.Normalization(),
		Host:          s.host(),
	})
}

func (s *Server) putNormalization(c echo.Context) error {
	var req NormalizationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}
	if req.Mean == nil || req.Std == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "mean and std are required")
	}
	if err := s.ctrl.SetNormalization(*req.Mean, *req.Std); err != nil {
		s.log.Warn("rejected normalization update",
			logger.Float64("mean", *req.Mean),
			logger.Float64("std", *req.Std),
			logger.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, s.ctrl.Normalization())
}
