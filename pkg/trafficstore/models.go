package trafficstore

import (
	"time"

	"gorm.io/gorm"
)

// District holds the city/district pair a sensor belongs to. The pair is the
// natural key: no two rows may share both names. Rows are created lazily on
// first sighting and never mutated or deleted by the ingestion path.
type District struct {
	ID           uint   `gorm:"primaryKey" json:"id"`
	CityName     string `gorm:"column:city_name;size:50;uniqueIndex:idx_districts_city_district" json:"city_name"`
	DistrictName string `gorm:"column:district_name;size:50;uniqueIndex:idx_districts_city_district" json:"district_name"`
}

func (District) TableName() string { return "districts" }

// Signaller is a roadside traffic sensor. It belongs to exactly one District
// (cascade-deleted with it) and is identified within the district by road
// name. The schema deliberately carries no unique constraint on
// (district_id, road_name): concurrent first sightings of the same road can
// create duplicate rows, and downstream consumers must tolerate them.
type Signaller struct {
	ID         uint     `gorm:"primaryKey" json:"id"`
	DistrictID uint     `gorm:"column:district_id;index" json:"district_id"`
	District   District `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	RoadName   string   `gorm:"column:road_name;size:60" json:"road_name"`
	Active     bool     `gorm:"column:active;default:true" json:"active"`
}

func (Signaller) TableName() string { return "signallers" }

// TrafficEvent is one measurement from a signaller. Immutable once created;
// ordering defaults to newest first on created_at.
type TrafficEvent struct {
	ID                     uint       `gorm:"primaryKey" json:"id"`
	SignallerID            uint       `gorm:"column:signaller_id;index" json:"signaller_id"`
	Signaller              Signaller  `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	AverageKMH             int        `gorm:"column:average_kmh" json:"average_kmh"`
	KnownReason            *string    `gorm:"column:known_reason;size:100" json:"known_reason"`
	ExpectedResolutionTime *time.Time `gorm:"column:expected_resolution_time" json:"expected_resolution_time"`
	CreatedAt              time.Time  `gorm:"column:created_at;index" json:"created_at"`
}

func (TrafficEvent) TableName() string { return "traffic_events" }

// Notification records that an event has been surfaced downstream. It is
// created atomically alongside its TrafficEvent and carries only a publish
// timestamp; there is no separate delivery state machine.
type Notification struct {
	ID          uint         `gorm:"primaryKey" json:"id"`
	EventID     uint         `gorm:"column:event_id;index" json:"event_id"`
	Event       TrafficEvent `gorm:"foreignKey:EventID;constraint:OnDelete:CASCADE" json:"-"`
	PublishTime time.Time    `gorm:"column:publish_time;autoCreateTime" json:"publish_time"`
}

func (Notification) TableName() string { return "notifications" }

// Migrate creates or updates the schema for all traffic entities.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&District{}, &Signaller{}, &TrafficEvent{}, &Notification{})
}
