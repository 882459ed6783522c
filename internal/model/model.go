package model

import "time"

// Reading is one persisted observation of a channel quantity.
type Reading struct {
	ID        uint      `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Channel   int       `gorm:"column:channel;index" json:"channel"`
	Quantity  string    `gorm:"column:quantity;index" json:"quantity"`
	Value     float64   `gorm:"column:value" json:"value"`
	Timestamp time.Time `gorm:"column:timestamp;index" json:"timestamp"`
}

func (Reading) TableName() string { return "readings" }

// WriteAudit records a confirmed settings write, with its origin, so a
// settings change can be traced back to the producer that requested it.
type WriteAudit struct {
	ID        uint      `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Channel   int       `gorm:"column:channel;index" json:"channel"`
	Quantity  string    `gorm:"column:quantity" json:"quantity"`
	Value     float64   `gorm:"column:value" json:"value"`
	Origin    string    `gorm:"column:origin" json:"origin"`
	Timestamp time.Time `gorm:"column:timestamp;index" json:"timestamp"`
}

func (WriteAudit) TableName() string { return "write_audits" }
