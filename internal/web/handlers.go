package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sweeney/nozzleflow/internal/logic"
	"github.com/sweeney/nozzleflow/internal/monitor"
	"github.com/sweeney/nozzleflow/internal/settings"
	"github.com/sweeney/nozzleflow/internal/store"
)

const maxGeneratedSensors = 64

var errNoController = errors.New("no controller attached")

// abort maps domain errors to HTTP status codes.
func (s *Server) abort(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrJobNotFound):
		code = http.StatusNotFound
	case errors.Is(err, store.ErrNoCurrentJob):
		code = http.StatusConflict
	case errors.Is(err, settings.ErrInvalid),
		errors.Is(err, monitor.ErrInvalidOverride),
		errors.Is(err, store.ErrSensorIndex):
		code = http.StatusBadRequest
	case errors.Is(err, errNoController):
		code = http.StatusServiceUnavailable
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(code, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func (s *Server) getPump(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Monitor.Pump())
}

type overrideRequest struct {
	State logic.Override `json:"state" binding:"required"`
}

func (s *Server) setOverride(c *gin.Context) {
	var req overrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := s.deps.Monitor.SetOverride(req.State); err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, s.deps.Monitor.Pump())
}

func (s *Server) listJobs(c *gin.Context) {
	jobs, err := s.deps.Jobs.Jobs(c.Request.Context())
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, jobs)
}

// jobRequest holds the operator-editable fields of a job.
type jobRequest struct {
	Title         string  `json:"title" binding:"required"`
	ExpectedFlow  float64 `json:"expectedFlow" binding:"gt=0"`
	Tolerance     float64 `json:"tolerance" binding:"gte=0,lt=1"`
	NozzleSpacing float64 `json:"nozzleSpacing" binding:"gte=0"`
}

func (r jobRequest) apply(job *logic.Job) {
	job.Title = r.Title
	job.ExpectedFlow = r.ExpectedFlow
	job.Tolerance = r.Tolerance
	job.NozzleSpacing = r.NozzleSpacing
}

func (s *Server) createJob(c *gin.Context) {
	var req jobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	var job logic.Job
	req.apply(&job)
	saved, err := s.deps.Jobs.SaveJob(c.Request.Context(), job)
	if err != nil {
		s.abort(c, err)
		return
	}
	s.deps.Log.Info("job created", zap.String("job_id", saved.ID), zap.String("title", saved.Title))
	c.JSON(http.StatusCreated, saved)
}

func (s *Server) getJob(c *gin.Context) {
	job, err := s.deps.Jobs.Job(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) updateJob(c *gin.Context) {
	var req jobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	job, err := s.deps.Jobs.UpdateJob(c.Request.Context(), c.Param("id"), req.apply)
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) deleteJob(c *gin.Context) {
	id := c.Param("id")
	if err := s.deps.Jobs.RemoveJob(c.Request.Context(), id); err != nil {
		s.abort(c, err)
		return
	}
	s.deps.Log.Info("job removed", zap.String("job_id", id))
	c.Status(http.StatusNoContent)
}

func (s *Server) getCurrentJob(c *gin.Context) {
	job, ok, err := s.deps.Jobs.CurrentJob(c.Request.Context())
	if err != nil {
		s.abort(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusOK, gin.H{"id": "", "job": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": job.ID, "job": job})
}

type currentJobRequest struct {
	ID string `json:"id"`
}

func (s *Server) setCurrentJob(c *gin.Context) {
	var req currentJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := s.deps.Jobs.SetCurrentJob(c.Request.Context(), req.ID); err != nil {
		s.abort(c, err)
		return
	}
	s.deps.Log.Info("current job selected", zap.String("job_id", req.ID))
	c.JSON(http.StatusOK, gin.H{"id": req.ID})
}

func (s *Server) markViewed(c *gin.Context) {
	changed, err := s.deps.Monitor.MarkEventAsViewed(c.Request.Context(), c.Param("eventId"))
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"changed": changed})
}

func (s *Server) markAllViewed(c *gin.Context) {
	changed, err := s.deps.Monitor.MarkAllEventsAsViewed(c.Request.Context())
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"changed": changed})
}

func (s *Server) getSettings(c *gin.Context) {
	cfg, err := s.deps.Settings.Get(c.Request.Context())
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// putSettings merges the body over the stored settings. Fields absent from
// the body keep their values.
func (s *Server) putSettings(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		badRequest(c, err)
		return
	}
	var probe settings.Settings
	if err := json.Unmarshal(body, &probe); err != nil {
		badRequest(c, err)
		return
	}
	cfg, err := s.deps.Settings.Update(c.Request.Context(), func(cur *settings.Settings) {
		_ = json.Unmarshal(body, cur)
	})
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (s *Server) getSensors(c *gin.Context) {
	sensors, err := s.deps.Sensors.Sensors(c.Request.Context())
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, sensors)
}

func (s *Server) putSensors(c *gin.Context) {
	var sensors []logic.Sensor
	if err := c.ShouldBindJSON(&sensors); err != nil {
		badRequest(c, err)
		return
	}
	for i, sn := range sensors {
		if sn.Kind != logic.SensorFlowmeter && sn.Kind != logic.SensorOptical {
			badRequest(c, fmt.Errorf("sensor %d: unknown type %q", i, sn.Kind))
			return
		}
	}
	if err := s.deps.Sensors.SetSensors(c.Request.Context(), sensors); err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, sensors)
}

type generateRequest struct {
	Count int `json:"count" binding:"gte=1"`
}

func (s *Server) generateSensors(c *gin.Context) {
	var req generateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.Count > maxGeneratedSensors {
		badRequest(c, fmt.Errorf("count must be at most %d", maxGeneratedSensors))
		return
	}
	sensors := store.GenerateFlowmeters(req.Count)
	if err := s.deps.Sensors.SetSensors(c.Request.Context(), sensors); err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, sensors)
}

type calibrateRequest struct {
	PulsesPerLiter float64 `json:"pulsesPerLiter" binding:"gt=0"`
	// NozzleIndex selects one flowmeter; nil calibrates all of them.
	NozzleIndex *int `json:"nozzleIndex"`
}

// calibrate sends the calibration to the controller and records it in the
// sensor registry.
func (s *Server) calibrate(c *gin.Context) {
	var req calibrateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if s.deps.Controller == nil {
		s.abort(c, errNoController)
		return
	}
	ctx := c.Request.Context()

	sensors, err := s.deps.Sensors.Sensors(ctx)
	if err != nil {
		s.abort(c, err)
		return
	}
	if req.NozzleIndex != nil {
		i := *req.NozzleIndex
		if i < 0 || i >= len(sensors) || sensors[i].Kind != logic.SensorFlowmeter {
			s.abort(c, fmt.Errorf("calibrate nozzle %d: %w", i, store.ErrSensorIndex))
			return
		}
		if err := s.deps.Controller.Calibrate(ctx, i, req.PulsesPerLiter); err != nil {
			s.abort(c, err)
			return
		}
		sensors[i].PulsesPerLiter = req.PulsesPerLiter
	} else {
		if err := s.deps.Controller.CalibrateAll(ctx, req.PulsesPerLiter); err != nil {
			s.abort(c, err)
			return
		}
		for i := range sensors {
			if sensors[i].Kind == logic.SensorFlowmeter {
				sensors[i].PulsesPerLiter = req.PulsesPerLiter
			}
		}
	}
	if err := s.deps.Sensors.SetSensors(ctx, sensors); err != nil {
		s.abort(c, err)
		return
	}
	s.deps.Log.Info("flowmeters calibrated", zap.Float64("pulses_per_liter", req.PulsesPerLiter))
	c.JSON(http.StatusOK, sensors)
}

type intervalRequest struct {
	Interval int `json:"interval" binding:"gt=0"` // ms
}

// setInterval changes the controller's counting window and the polling
// interval together, since pulse rates are derived from it.
func (s *Server) setInterval(c *gin.Context) {
	var req intervalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if s.deps.Controller == nil {
		s.abort(c, errNoController)
		return
	}
	ctx := c.Request.Context()
	if err := s.deps.Controller.SetInterval(ctx, time.Duration(req.Interval)*time.Millisecond); err != nil {
		s.abort(c, err)
		return
	}
	cfg, err := s.deps.Settings.Update(ctx, func(cur *settings.Settings) { cur.Interval = req.Interval })
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (s *Server) getNavigation(c *gin.Context) {
	nav := s.deps.Monitor.Navigation()
	c.JSON(http.StatusOK, gin.H{"page": nav.Page, "previousPage": nav.PreviousPage, "polling": s.deps.Monitor.ShouldPoll()})
}

func (s *Server) putNavigation(c *gin.Context) {
	var nav monitor.Navigation
	if err := c.ShouldBindJSON(&nav); err != nil {
		badRequest(c, err)
		return
	}
	s.deps.Monitor.SetNavigation(nav)
	c.JSON(http.StatusOK, gin.H{"page": nav.Page, "previousPage": nav.PreviousPage, "polling": s.deps.Monitor.ShouldPoll()})
}
