// Package seed loads an optional fleet seed file at startup, pre-populating
// services and their initial instances before any bootstrap registration
// arrives, following the fleet's YAML configuration style.
package seed

import (
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"

	"ledgerd/internal/ledger/models"
)

// InstanceSpec describes one pre-registered instance in a seed file.
type InstanceSpec struct {
	NodeID               string            `yaml:"nodeId"`
	TaskSlot             *int              `yaml:"taskSlot"`
	BaseURL              string            `yaml:"baseUrl"`
	HealthURL            string            `yaml:"healthUrl"`
	HeartbeatIntervalSec int               `yaml:"heartbeatIntervalSec"`
	Meta                 map[string]string `yaml:"meta"`
}

// ServiceSpec describes one pre-registered service and its instances.
type ServiceSpec struct {
	Name               string         `yaml:"name"`
	BootstrapSecretRef string         `yaml:"bootstrapSecretRef"`
	Region             string         `yaml:"region"`
	TTLSeconds         int            `yaml:"ttlSeconds"`
	Publishes          []string       `yaml:"publishes"`
	Consumes           []string       `yaml:"consumes"`
	Instances          []InstanceSpec `yaml:"instances"`
}

// File is the top-level shape of a fleet seed document.
type File struct {
	Services []ServiceSpec `yaml:"services"`
}

// Load parses a fleet seed document from path.
func Load(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse seed file %s: %w", path, err)
	}
	return &f, nil
}

// Apply inserts every service/instance in f that does not already exist,
// identified by service name and (node_id, task_slot) for instances.
// Re-running Apply against an already-seeded database adds nothing for
// services and for instances that carry a nodeId; an instance entry without
// a nodeId never matches an existing row and is inserted again on every run.
func Apply(db *gorm.DB, f *File) error {
	for _, svcSpec := range f.Services {
		if svcSpec.Name == "" {
			return fmt.Errorf("seed service missing name")
		}

		var svc models.Service
		err := db.Where("name = ?", svcSpec.Name).First(&svc).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			ttl := svcSpec.TTLSeconds
			if ttl <= 0 {
				ttl = 300
			}
			region := svcSpec.Region
			if region == "" {
				region = "eu-central-1"
			}
			svc = models.Service{
				ServiceID:          uuid.New(),
				Name:               svcSpec.Name,
				BootstrapSecretRef: svcSpec.BootstrapSecretRef,
				ActiveKID:          "v1",
				Region:             region,
				TTLSeconds:         ttl,
				Publishes:          models.JSONList(svcSpec.Publishes),
				Consumes:           models.JSONList(svcSpec.Consumes),
			}
			if err := db.Create(&svc).Error; err != nil {
				return fmt.Errorf("seed service %s: %w", svcSpec.Name, err)
			}
		} else if err != nil {
			return fmt.Errorf("lookup seed service %s: %w", svcSpec.Name, err)
		}

		for _, instSpec := range svcSpec.Instances {
			if err := applyInstance(db, &svc, instSpec); err != nil {
				return err
			}
		}
	}
	return nil
}

func applyInstance(db *gorm.DB, svc *models.Service, spec InstanceSpec) error {
	query := db.Where("service_id = ? AND node_id = ?", svc.ServiceID, spec.NodeID)
	if spec.TaskSlot != nil {
		query = query.Where("task_slot = ?", *spec.TaskSlot)
	}
	var existing models.ServiceInstance
	err := query.First(&existing).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("lookup seed instance for %s/%s: %w", svc.Name, spec.NodeID, err)
	}

	heartbeat := spec.HeartbeatIntervalSec
	if heartbeat <= 0 {
		heartbeat = 10
	}
	healthURL := spec.HealthURL
	if healthURL == "" {
		healthURL = spec.BaseURL + "/health"
	}

	meta := make(map[string]interface{}, len(spec.Meta))
	for k, v := range spec.Meta {
		meta[k] = v
	}

	inst := models.ServiceInstance{
		InstanceID:           uuid.New(),
		ServiceID:            svc.ServiceID,
		NodeID:               strPtr(spec.NodeID),
		TaskSlot:             spec.TaskSlot,
		BaseURL:              spec.BaseURL,
		HealthURL:            healthURL,
		HeartbeatIntervalSec: heartbeat,
		Status:               models.StatusUp,
		PushKID:              svc.ActiveKID,
		Meta:                 models.JSONMap(meta),
	}
	if err := db.Create(&inst).Error; err != nil {
		return fmt.Errorf("seed instance for %s/%s: %w", svc.Name, spec.NodeID, err)
	}
	return nil
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
