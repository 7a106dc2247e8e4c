package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/illmade-knight/go-traffic/pkg/telemetry"
	"github.com/illmade-knight/go-traffic/pkg/trafficstore"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// EventPublisher is the outbound broker hand-off the write path uses. It is
// fire-and-forget: implementations must not block the caller or surface
// broker failures, because API requests succeed or fail on persistence alone.
type EventPublisher interface {
	Publish(payload []byte)
}

// EventHandler serves the traffic event REST endpoints.
type EventHandler struct {
	db        *gorm.DB
	resolver  *trafficstore.EntityResolver
	writer    *trafficstore.EventWriter
	publisher EventPublisher
	cache     *CacheService
	logger    zerolog.Logger
}

// NewEventHandler creates the handler. cache may be nil to disable caching.
func NewEventHandler(
	db *gorm.DB,
	resolver *trafficstore.EntityResolver,
	writer *trafficstore.EventWriter,
	publisher EventPublisher,
	cache *CacheService,
	logger zerolog.Logger,
) *EventHandler {
	return &EventHandler{
		db:        db,
		resolver:  resolver,
		writer:    writer,
		publisher: publisher,
		cache:     cache,
		logger:    logger.With().Str("component", "EventHandler").Logger(),
	}
}

// CreateEvent persists a traffic event (resolving its hierarchy first) and
// then hands the validated payload to the publisher. The response depends
// only on persistence: a broker outage still returns 201.
func (h *EventHandler) CreateEvent(c *gin.Context) {
	report, ok := h.decodeBody(c)
	if !ok {
		return
	}

	event, err := h.persistReport(c.Request.Context(), report)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to persist traffic event")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to persist traffic event"})
		return
	}

	if payload, err := json.Marshal(report); err == nil {
		h.publisher.Publish(payload)
	} else {
		h.logger.Error().Err(err).Msg("Failed to marshal report for publishing")
	}

	c.JSON(http.StatusCreated, event)
}

// PublishOnly publishes an event payload without persisting it, for a pure
// streaming pipeline. Always 202: the hand-off is best effort by contract.
func (h *EventHandler) PublishOnly(c *gin.Context) {
	report, ok := h.decodeBody(c)
	if !ok {
		return
	}

	payload, err := json.Marshal(report)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to marshal report for publishing")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to encode event"})
		return
	}
	h.publisher.Publish(payload)

	c.JSON(http.StatusAccepted, gin.H{"detail": "event queued for publishing"})
}

// ListEvents returns recent events newest first, optionally filtered by
// district and road name, with a short-TTL cache in front of the database.
func (h *EventHandler) ListEvents(c *gin.Context) {
	limit := 50
	if l, err := strconv.Atoi(c.DefaultQuery("limit", "50")); err == nil && l > 0 && l <= 200 {
		limit = l
	}
	roadName := c.Query("road_name")
	districtName := c.Query("district_name")

	cacheKey := fmt.Sprintf("traffic:events:%s:%s:%d", districtName, roadName, limit)
	var cached []trafficstore.TrafficEvent
	if err := h.cache.Get(c.Request.Context(), cacheKey, &cached); err == nil {
		c.JSON(http.StatusOK, gin.H{"data": cached})
		return
	}

	query := h.db.WithContext(c.Request.Context()).
		Model(&trafficstore.TrafficEvent{}).
		Order("created_at DESC").
		Limit(limit)
	if roadName != "" || districtName != "" {
		query = query.Joins("JOIN signallers ON signallers.id = traffic_events.signaller_id")
	}
	if roadName != "" {
		query = query.Where("signallers.road_name = ?", roadName)
	}
	if districtName != "" {
		query = query.
			Joins("JOIN districts ON districts.id = signallers.district_id").
			Where("districts.district_name = ?", districtName)
	}

	var events []trafficstore.TrafficEvent
	if err := query.Find(&events).Error; err != nil {
		h.logger.Error().Err(err).Msg("Event listing query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "database query failed"})
		return
	}

	go h.cache.Set(context.Background(), cacheKey, events)

	c.JSON(http.StatusOK, gin.H{"data": events})
}

// Health reports service liveness and database reachability.
func (h *EventHandler) Health(c *gin.Context) {
	sqlDB, err := h.db.DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "DOWN", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "UP"})
}

// decodeBody reads and validates the request body with the same decoder the
// ingestion pipeline uses, so both write paths accept an identical payload.
func (h *EventHandler) decodeBody(c *gin.Context) (*telemetry.TrafficReport, bool) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return nil, false
	}

	report, err := telemetry.Decode(body)
	if err != nil {
		if errors.Is(err, telemetry.ErrMalformedPayload) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to decode payload"})
		}
		return nil, false
	}
	return report, true
}

func (h *EventHandler) persistReport(ctx context.Context, report *telemetry.TrafficReport) (*trafficstore.TrafficEvent, error) {
	persistCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	signaller, err := h.resolver.Resolve(persistCtx, report.CityName, report.DistrictName, report.RoadName)
	if err != nil {
		return nil, err
	}
	return h.writer.Write(persistCtx, signaller, report.AverageKMH, report.KnownReason, report.ExpectedResolutionTime)
}
