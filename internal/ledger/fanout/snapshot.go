// Package fanout builds point-in-time fleet snapshots and pushes them,
// concurrently and with per-target signed headers, to every healthy
// instance.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"

	"gorm.io/gorm"

	"ledgerd/internal/ledger/models"
	"ledgerd/internal/ledger/registry"
)

// Capabilities mirrors a service's publish/consume capability lists in the
// snapshot document.
type Capabilities struct {
	Publishes []string `json:"publishes"`
	Consumes  []string `json:"consumes"`
}

// SnapshotInstance is a single instance entry within a snapshot.
type SnapshotInstance struct {
	InstanceID string                 `json:"instance_id"`
	BaseURL    string                 `json:"base_url"`
	Status     string                 `json:"status"`
	Meta       map[string]interface{} `json:"meta"`
}

// SnapshotService is a single service entry within a snapshot, with its
// instances nested per spec.md §4.I.
type SnapshotService struct {
	ServiceID    string                 `json:"service_id"`
	Name         string                 `json:"name"`
	Capabilities Capabilities           `json:"capabilities"`
	Meta         map[string]interface{} `json:"meta"`
	Instances    []SnapshotInstance     `json:"instances"`
}

// Snapshot is the authoritative, point-in-time fleet document pushed to
// every healthy instance and pulled by the snapshot endpoint.
type Snapshot struct {
	Version  int64             `json:"version"`
	Services []SnapshotService `json:"services"`
}

// BuildSnapshot reads all services and their instances and assembles the
// Snapshot document at the registry version current at read time.
func BuildSnapshot(ctx context.Context, db *gorm.DB) (*Snapshot, error) {
	version, err := registry.CurrentVersion(db)
	if err != nil {
		return nil, fmt.Errorf("read registry version: %w", err)
	}

	var services []models.Service
	if err := db.WithContext(ctx).Preload("Instances").Find(&services).Error; err != nil {
		return nil, fmt.Errorf("load services: %w", err)
	}

	snap := &Snapshot{Version: version, Services: make([]SnapshotService, 0, len(services))}
	for _, svc := range services {
		entry := SnapshotService{
			ServiceID: svc.ServiceID.String(),
			Name:      svc.Name,
			Capabilities: Capabilities{
				Publishes: []string(svc.Publishes),
				Consumes:  []string(svc.Consumes),
			},
			Meta:      map[string]interface{}(svc.Meta),
			Instances: make([]SnapshotInstance, 0, len(svc.Instances)),
		}
		for _, inst := range svc.Instances {
			entry.Instances = append(entry.Instances, SnapshotInstance{
				InstanceID: inst.InstanceID.String(),
				BaseURL:    inst.BaseURL,
				Status:     string(inst.Status),
				Meta:       map[string]interface{}(inst.Meta),
			})
		}
		snap.Services = append(snap.Services, entry)
	}
	return snap, nil
}

// Marshal serializes the snapshot with stable, compact separators (no extra
// whitespace), per spec.md §4.I: the resulting bytes are what every push
// signs and sends.
func (s *Snapshot) Marshal() ([]byte, error) {
	body, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return body, nil
}
