package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// SessionBatch is one accepted payload from an agent flush.
type SessionBatch struct {
	ID               uuid.UUID      `gorm:"type:uuid;primaryKey;column:id"`
	APIKey           string         `gorm:"type:varchar(128);not null;index:idx_batches_key_received,priority:1;column:api_key"`
	Received         time.Time      `gorm:"not null;index:idx_batches_key_received,priority:2,sort:desc;index;column:received"`
	SessionID        string         `gorm:"type:varchar(64);index;column:session_id"`
	UserIDHash       string         `gorm:"type:varchar(255);index;column:user_id_hash"`
	AppVersion       string         `gorm:"type:varchar(100);column:app_version"`
	SessionStartMS   int64          `gorm:"not null;default:0;column:session_start_ms"`
	Latitude         float64        `gorm:"not null;default:0;column:latitude"`
	Longitude        float64        `gorm:"not null;default:0;column:longitude"`
	LocationAccuracy float32        `gorm:"not null;default:0;column:location_accuracy"`
	ClientIP         string         `gorm:"type:varchar(64);column:client_ip"`
	UserAgent        string         `gorm:"type:text;column:user_agent"`
	Country          string         `gorm:"type:varchar(8);column:country"`
	Region           string         `gorm:"type:varchar(100);column:region"`
	City             string         `gorm:"type:varchar(100);column:city"`
	ASNOrg           string         `gorm:"type:varchar(255);column:asn_org"`
	EventCount       int            `gorm:"not null;default:0;column:event_count"`
	ErrorCount       int            `gorm:"not null;default:0;column:error_count"`
	SDK              datatypes.JSON `gorm:"type:jsonb;column:sdk"`
}

func (SessionBatch) TableName() string { return "session_batches" }

type SessionEvent struct {
	ID         int64          `gorm:"primaryKey;autoIncrement;column:id"`
	BatchID    uuid.UUID      `gorm:"type:uuid;not null;index;column:batch_id"`
	APIKey     string         `gorm:"type:varchar(128);not null;index:idx_session_events_key_received,priority:1;column:api_key"`
	Received   time.Time      `gorm:"not null;index:idx_session_events_key_received,priority:2,sort:desc;column:received"`
	SessionID  string         `gorm:"type:varchar(64);index;column:session_id"`
	UserIDHash string         `gorm:"type:varchar(255);column:user_id_hash"`
	Name       string         `gorm:"type:varchar(255);not null;index;column:name"`
	Parameters datatypes.JSON `gorm:"type:jsonb;not null;column:parameters"`
	TimeOffset int64          `gorm:"not null;default:0;column:time_offset"`
	Duration   int64          `gorm:"not null;default:0;column:duration"`
	ClientID   int64          `gorm:"not null;default:0;column:client_id"`
}

func (SessionEvent) TableName() string { return "session_events" }

type SessionError struct {
	ID          int64     `gorm:"primaryKey;autoIncrement;column:id"`
	BatchID     uuid.UUID `gorm:"type:uuid;not null;index;column:batch_id"`
	APIKey      string    `gorm:"type:varchar(128);not null;index:idx_session_errors_key_received,priority:1;column:api_key"`
	Received    time.Time `gorm:"not null;index:idx_session_errors_key_received,priority:2,sort:desc;column:received"`
	SessionID   string    `gorm:"type:varchar(64);index;column:session_id"`
	Name        string    `gorm:"type:varchar(255);not null;column:name"`
	Description string    `gorm:"type:text;column:description"`
	LineNumber  int       `gorm:"not null;default:0;column:line_number"`
	Timestamp   int64     `gorm:"not null;default:0;column:timestamp"`
	ClientID    int64     `gorm:"not null;default:0;column:client_id"`
}

func (SessionError) TableName() string { return "session_errors" }

// All lists every table the collector owns, in creation order.
func All() []any {
	return []any{&SessionBatch{}, &SessionEvent{}, &SessionError{}}
}
