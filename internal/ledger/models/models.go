// Package models defines the gorm-backed persistence schema for the fleet
// registry: services, their instances, replay-prevention nonces, and the
// singleton registry version counter.
package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// InstanceStatus enumerates the lifecycle states of a ServiceInstance.
type InstanceStatus string

const (
	StatusUp    InstanceStatus = "UP"
	StatusDown  InstanceStatus = "DOWN"
	StatusDrain InstanceStatus = "DRAIN"
)

// Service is a logical service name, unique across the fleet.
type Service struct {
	ServiceID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name               string    `gorm:"size:64;uniqueIndex;not null"`
	BootstrapSecretRef string    `gorm:"size:256;not null"`
	ActiveKID          string    `gorm:"size:32;not null;default:v1"`
	Publishes          JSONList  `gorm:"type:text"`
	Consumes           JSONList  `gorm:"type:text"`
	Meta               JSONMap   `gorm:"type:text"`
	Region             string    `gorm:"size:64;not null;default:eu-central-1"`
	TTLSeconds         int       `gorm:"not null;default:300"`
	CreatedAt          time.Time
	UpdatedAt          time.Time

	Instances []ServiceInstance `gorm:"foreignKey:ServiceID;constraint:OnDelete:CASCADE"`
}

// ServiceInstance is a running replica of a Service.
type ServiceInstance struct {
	InstanceID           uuid.UUID      `gorm:"type:uuid;primaryKey"`
	ServiceID            uuid.UUID      `gorm:"type:uuid;index:idx_instance_service_status;not null"`
	NodeID               *string        `gorm:"size:128;index:idx_instance_dedup"`
	TaskSlot             *int           `gorm:"index:idx_instance_dedup"`
	BootID               string         `gorm:"size:128"`
	BaseURL              string         `gorm:"size:512;not null"`
	HealthURL            string         `gorm:"size:512;not null"`
	HeartbeatIntervalSec int            `gorm:"not null;default:10"`
	Status               InstanceStatus `gorm:"size:16;index:idx_instance_service_status;not null;default:UP"`
	LastHeartbeatAt      *time.Time     `gorm:"index"`
	ConsecutiveMiss      int            `gorm:"not null;default:0"`
	PushKID              string         `gorm:"size:32;not null;default:v1"`
	Meta                 JSONMap        `gorm:"type:text"`
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// BootstrapNonce records a consumed bootstrap-flow nonce, scoped by the
// presenting service name.
type BootstrapNonce struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement"`
	ServiceName string `gorm:"size:64;uniqueIndex:idx_bootstrap_nonce;not null"`
	Nonce       string `gorm:"size:128;uniqueIndex:idx_bootstrap_nonce;not null"`
	CreatedAt   time.Time
}

// InstanceNonce records a consumed instance-flow nonce, scoped by instance.
type InstanceNonce struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement"`
	InstanceID uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_instance_nonce;not null"`
	Nonce      string    `gorm:"size:128;uniqueIndex:idx_instance_nonce;not null"`
	CreatedAt  time.Time
}

// RegistryState is the single-row, monotone registry version counter.
type RegistryState struct {
	PKID           int   `gorm:"primaryKey;autoIncrement:false"`
	RegistryVersion int64 `gorm:"not null;default:0"`
}

// registryStatePK is the fixed primary key of the singleton RegistryState row.
const registryStatePK = 1

// AutoMigrate creates or updates all tables owned by this package, mirroring
// the single aggregator-function convention used across the codebase.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&Service{},
		&ServiceInstance{},
		&BootstrapNonce{},
		&InstanceNonce{},
		&RegistryState{},
	); err != nil {
		return err
	}
	return ensurePartialUniqueIndex(db)
}

// ensurePartialUniqueIndex enforces the conditional uniqueness invariant on
// (service_id, node_id, task_slot): it only applies when both node_id and
// task_slot are set. gorm struct tags cannot express a partial index, so it
// is created directly here, with separate syntax per dialect.
func ensurePartialUniqueIndex(db *gorm.DB) error {
	switch db.Dialector.Name() {
	case "postgres":
		return db.Exec(`
			CREATE UNIQUE INDEX IF NOT EXISTS idx_service_instance_dedup
			ON service_instances (service_id, node_id, task_slot)
			WHERE node_id IS NOT NULL AND task_slot IS NOT NULL
		`).Error
	case "sqlite":
		// sqlite supports partial indexes with identical syntax since 3.8.0.
		return db.Exec(`
			CREATE UNIQUE INDEX IF NOT EXISTS idx_service_instance_dedup
			ON service_instances (service_id, node_id, task_slot)
			WHERE node_id IS NOT NULL AND task_slot IS NOT NULL
		`).Error
	default:
		return nil
	}
}
