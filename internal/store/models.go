package store

import (
	"time"
)

// ResultRecord is one delivered result as seen by the client.
type ResultRecord struct {
	ID          uint      `json:"id" gorm:"primaryKey"`
	RequestID   uint64    `json:"request_id" gorm:"index"`
	Tag         string    `json:"tag" gorm:"type:varchar(64);index;not null"`
	Status      string    `json:"status" gorm:"type:varchar(32);not null"`
	ResultCount int       `json:"result_count"`
	PayloadType string    `json:"payload_type" gorm:"type:varchar(16)"`
	PayloadSize int       `json:"payload_size"`
	Summary     string    `json:"summary" gorm:"type:text"` // text results, truncated
	RoundTripMS int64     `json:"round_trip_ms"`
	SentAt      time.Time `json:"sent_at"`
	ReceivedAt  time.Time `json:"received_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// SessionRecord summarizes one finished server session.
type SessionRecord struct {
	ID          uint      `json:"id" gorm:"primaryKey"`
	SessionID   string    `json:"session_id" gorm:"type:varchar(36);uniqueIndex;not null"`
	RemoteAddr  string    `json:"remote_addr" gorm:"type:varchar(64)"`
	Engine      string    `json:"engine" gorm:"type:varchar(32)"`
	Received    uint64    `json:"received"`
	Processed   uint64    `json:"processed"`
	Dropped     uint64    `json:"dropped"`
	Rejected    uint64    `json:"rejected"`
	CloseReason string    `json:"close_reason" gorm:"type:text"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at"`
	CreatedAt   time.Time `json:"created_at"`
}
