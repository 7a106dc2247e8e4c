package ingestion_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-traffic/pkg/ingestion"
	"github.com/illmade-knight/go-traffic/pkg/trafficstore"
	"github.com/illmade-knight/go-traffic/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// stubConsumer feeds canned messages into the pipeline.
type stubConsumer struct {
	msgChan  chan types.ConsumedMessage
	doneChan chan struct{}
	stopOnce sync.Once
}

func newStubConsumer() *stubConsumer {
	return &stubConsumer{
		msgChan:  make(chan types.ConsumedMessage, 16),
		doneChan: make(chan struct{}),
	}
}

func (s *stubConsumer) Messages() <-chan types.ConsumedMessage { return s.msgChan }
func (s *stubConsumer) Start(_ context.Context) error          { return nil }
func (s *stubConsumer) Done() <-chan struct{}                  { return s.doneChan }
func (s *stubConsumer) Stop() error {
	s.stopOnce.Do(func() {
		close(s.doneChan)
		close(s.msgChan)
	})
	return nil
}

// outcome tracks the Ack/Nack result for one injected message.
type outcome struct {
	mu     sync.Mutex
	acked  bool
	nacked bool
}

func (o *outcome) ack()  { o.mu.Lock(); o.acked = true; o.mu.Unlock() }
func (o *outcome) nack() { o.mu.Lock(); o.nacked = true; o.mu.Unlock() }
func (o *outcome) isAcked() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.acked
}
func (o *outcome) isNacked() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.nacked
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, trafficstore.Migrate(db))
	return db
}

func startService(t *testing.T, db *gorm.DB) *stubConsumer {
	t.Helper()
	consumer := newStubConsumer()
	resolver := trafficstore.NewEntityResolver(db, zerolog.Nop())
	writer := trafficstore.NewEventWriter(db, zerolog.Nop())

	service, err := ingestion.NewService(1, consumer, resolver, writer, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, service.Start(context.Background()))
	t.Cleanup(service.Stop)
	return consumer
}

func TestService_ValidPayload_PersistsAndAcks(t *testing.T) {
	db := newTestDB(t)
	consumer := startService(t, db)

	result := &outcome{}
	consumer.msgChan <- types.ConsumedMessage{
		ID:      "msg-1",
		Payload: []byte(`{"city_name":"Istanbul","district_name":"Kadikoy","road_name":"Bagdat Cad.","average_kmh":12,"known_reason":"accident"}`),
		Ack:     result.ack,
		Nack:    result.nack,
	}

	require.Eventually(t, result.isAcked, 2*time.Second, 10*time.Millisecond, "valid message should be Acked")
	assert.False(t, result.isNacked())

	var district trafficstore.District
	require.NoError(t, db.Where("city_name = ? AND district_name = ?", "Istanbul", "Kadikoy").First(&district).Error)

	var signaller trafficstore.Signaller
	require.NoError(t, db.Where("district_id = ? AND road_name = ?", district.ID, "Bagdat Cad.").First(&signaller).Error)

	var event trafficstore.TrafficEvent
	require.NoError(t, db.Where("signaller_id = ?", signaller.ID).First(&event).Error)
	assert.Equal(t, 12, event.AverageKMH)
	require.NotNil(t, event.KnownReason)
	assert.Equal(t, "accident", *event.KnownReason)

	var notification trafficstore.Notification
	require.NoError(t, db.Where("event_id = ?", event.ID).First(&notification).Error)
}

func TestService_MalformedPayload_NacksAndWritesNothing(t *testing.T) {
	db := newTestDB(t)
	consumer := startService(t, db)

	result := &outcome{}
	consumer.msgChan <- types.ConsumedMessage{
		ID:      "msg-bad",
		Payload: []byte(`{"average_kmh":"not-a-number"}`),
		Ack:     result.ack,
		Nack:    result.nack,
	}

	require.Eventually(t, result.isNacked, 2*time.Second, 10*time.Millisecond, "malformed message should be Nacked")
	assert.False(t, result.isAcked())

	for _, model := range []any{
		&trafficstore.District{}, &trafficstore.Signaller{},
		&trafficstore.TrafficEvent{}, &trafficstore.Notification{},
	} {
		var count int64
		require.NoError(t, db.Model(model).Count(&count).Error)
		assert.Zero(t, count, "no rows may be created for a rejected message")
	}
}

func TestService_MissingIdentityFields_UsesFallbacks(t *testing.T) {
	db := newTestDB(t)
	consumer := startService(t, db)

	result := &outcome{}
	consumer.msgChan <- types.ConsumedMessage{
		ID:      "msg-lenient",
		Payload: []byte(`{"average_kmh":40}`),
		Ack:     result.ack,
		Nack:    result.nack,
	}

	require.Eventually(t, result.isAcked, 2*time.Second, 10*time.Millisecond)

	var district trafficstore.District
	require.NoError(t, db.First(&district).Error)
	assert.Equal(t, "Unknown", district.CityName)
	assert.Equal(t, "Unknown", district.DistrictName)

	var signaller trafficstore.Signaller
	require.NoError(t, db.First(&signaller).Error)
	assert.Equal(t, "Unknown Road", signaller.RoadName)
}

// Duplicate delivery of the same payload creates a second event under the
// same signaller. At-least-once semantics: documented behavior, not a defect.
func TestService_DuplicateDelivery_CreatesSecondEvent(t *testing.T) {
	db := newTestDB(t)
	consumer := startService(t, db)

	payload := []byte(`{"city_name":"Istanbul","district_name":"Kadikoy","road_name":"Bagdat Cad.","average_kmh":12}`)
	first, second := &outcome{}, &outcome{}
	consumer.msgChan <- types.ConsumedMessage{ID: "dup-1", Payload: payload, Ack: first.ack, Nack: first.nack}
	consumer.msgChan <- types.ConsumedMessage{ID: "dup-2", Payload: payload, Ack: second.ack, Nack: second.nack}

	require.Eventually(t, func() bool { return first.isAcked() && second.isAcked() },
		2*time.Second, 10*time.Millisecond)

	var signallerCount, eventCount, notificationCount int64
	require.NoError(t, db.Model(&trafficstore.Signaller{}).Count(&signallerCount).Error)
	require.NoError(t, db.Model(&trafficstore.TrafficEvent{}).Count(&eventCount).Error)
	require.NoError(t, db.Model(&trafficstore.Notification{}).Count(&notificationCount).Error)
	assert.EqualValues(t, 1, signallerCount, "reference data resolution is idempotent")
	assert.EqualValues(t, 2, eventCount, "each delivery persists its own event")
	assert.EqualValues(t, 2, notificationCount)
}
