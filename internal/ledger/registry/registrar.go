// Package registry implements the idempotent registration state machine,
// the registry version counter, heartbeat liveness tracking, and
// deregistration.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"ledgerd/internal/ledger/ledgererr"
	"ledgerd/internal/ledger/models"
)

// LeaseTTLMultiplier resolves the Open Question in spec.md §9: lease_ttl_sec
// is exactly 3 * heartbeat_interval_sec, pinned by the literal test vector
// and response schema.
const LeaseTTLMultiplier = 3

// RegisterRequest is the validated body of a registration call.
type RegisterRequest struct {
	ServiceName          string
	BootstrapSecretRef   string
	BaseURL              string
	HealthURL            string
	HeartbeatIntervalSec int
	NodeID               *string
	TaskSlot             *int
	BootID               string
	Meta                 map[string]interface{}
	Publishes            []string
	Consumes             []string
}

// RegisterResult is returned to the caller after a successful registration.
type RegisterResult struct {
	ServiceID       uuid.UUID
	InstanceID      uuid.UUID
	PushKID         string
	LeaseTTLSec     int
	RegistryVersion int64
	ChangedAny      bool
}

// FanoutTrigger is invoked after a registration/deregistration commits with
// changed_any=true. It is fire-and-forget from the caller's perspective,
// resolving the Open Question on fanout scheduling (spec.md §9): fanout is
// invoked asynchronously and is not required to complete before the HTTP
// response is written.
type FanoutTrigger func(ctx context.Context, version int64)

// Registrar implements the registration, heartbeat, deregistration, and
// liveness-sweep operations against the persistent store.
type Registrar struct {
	DB      *gorm.DB
	Now     func() time.Time
	OnChange FanoutTrigger
}

func (r *Registrar) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Register performs the single-transaction idempotent upsert described in
// spec.md §4.G.
func (r *Registrar) Register(ctx context.Context, req RegisterRequest) (*RegisterResult, error) {
	if req.HeartbeatIntervalSec <= 0 {
		req.HeartbeatIntervalSec = 10
	}
	healthURL := req.HealthURL
	if healthURL == "" {
		healthURL = strings.TrimRight(req.BaseURL, "/") + "/health"
	}

	var result RegisterResult
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		svc, err := r.resolveService(tx, req.ServiceName, req.BootstrapSecretRef)
		if err != nil {
			return err
		}

		inst, created, err := r.resolveInstance(tx, svc, req, healthURL)
		if err != nil {
			return err
		}

		changed := false
		if created {
			result.ChangedAny = true
		} else {
			changed = r.applyUpdates(inst, req, healthURL, svc.ActiveKID)
			result.ChangedAny = changed
		}

		if created || changed {
			if err := tx.Save(inst).Error; err != nil {
				return fmt.Errorf("save instance: %w", err)
			}
		}

		version, err := maybeBump(tx, result.ChangedAny)
		if err != nil {
			return err
		}

		result.ServiceID = svc.ServiceID
		result.InstanceID = inst.InstanceID
		result.PushKID = inst.PushKID
		result.LeaseTTLSec = LeaseTTLMultiplier * inst.HeartbeatIntervalSec
		result.RegistryVersion = version
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.ChangedAny && r.OnChange != nil {
		go r.OnChange(context.WithoutCancel(ctx), result.RegistryVersion)
	}
	return &result, nil
}

// resolveService implements step 1 of §4.G: get-or-create by name, storing
// bootstrap_secret_ref only on creation.
func (r *Registrar) resolveService(tx *gorm.DB, name, bootstrapRef string) (*models.Service, error) {
	var svc models.Service
	err := tx.Where("name = ?", name).First(&svc).Error
	if err == nil {
		return &svc, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("lookup service: %w", err)
	}

	svc = models.Service{
		ServiceID:          uuid.New(),
		Name:               name,
		BootstrapSecretRef: bootstrapRef,
		ActiveKID:          "v1",
		Region:             "eu-central-1",
		TTLSeconds:         300,
	}
	if err := tx.Create(&svc).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// Another writer created it first; re-read once.
			var existing models.Service
			if err := tx.Where("name = ?", name).First(&existing).Error; err != nil {
				return nil, fmt.Errorf("%w: service create race unresolved", ledgererr.ErrRace)
			}
			return &existing, nil
		}
		return nil, fmt.Errorf("create service: %w", err)
	}
	return &svc, nil
}

// resolveInstance implements step 2/3 of §4.G: dedup lookup by
// (service, node_id, task_slot) when both are set, with a single
// retry-on-conflict if creation races another writer.
func (r *Registrar) resolveInstance(tx *gorm.DB, svc *models.Service, req RegisterRequest, healthURL string) (*models.ServiceInstance, bool, error) {
	dedupable := req.NodeID != nil && req.TaskSlot != nil

	if dedupable {
		inst, err := r.lookupInstance(tx, svc.ServiceID, *req.NodeID, *req.TaskSlot)
		if err != nil {
			return nil, false, err
		}
		if inst != nil {
			return inst, false, nil
		}
	}

	inst := &models.ServiceInstance{
		InstanceID:           uuid.New(),
		ServiceID:            svc.ServiceID,
		NodeID:               req.NodeID,
		TaskSlot:             req.TaskSlot,
		BootID:               req.BootID,
		BaseURL:              req.BaseURL,
		HealthURL:            healthURL,
		HeartbeatIntervalSec: req.HeartbeatIntervalSec,
		Status:               models.StatusUp,
		PushKID:              svc.ActiveKID,
		Meta:                 req.Meta,
	}
	if err := tx.Create(inst).Error; err != nil {
		if !dedupable || !errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, false, fmt.Errorf("create instance: %w", err)
		}
		existing, lookupErr := r.lookupInstance(tx, svc.ServiceID, *req.NodeID, *req.TaskSlot)
		if lookupErr != nil {
			return nil, false, lookupErr
		}
		if existing == nil {
			return nil, false, fmt.Errorf("%w: instance create race unresolved", ledgererr.ErrRace)
		}
		return existing, false, nil
	}
	return inst, true, nil
}

func (r *Registrar) lookupInstance(tx *gorm.DB, serviceID uuid.UUID, nodeID string, taskSlot int) (*models.ServiceInstance, error) {
	var inst models.ServiceInstance
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("service_id = ? AND node_id = ? AND task_slot = ?", serviceID, nodeID, taskSlot).
		First(&inst).Error
	if err == nil {
		return &inst, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return nil, fmt.Errorf("lookup instance: %w", err)
}

// applyUpdates implements step 4 of §4.G: set-if-different on the volatile
// fields, plus the boot_id/status/consecutive_miss reset on reboot.
func (r *Registrar) applyUpdates(inst *models.ServiceInstance, req RegisterRequest, healthURL, activeKID string) bool {
	changed := setIfDiff(&inst.BaseURL, req.BaseURL)
	changed = setIfDiff(&inst.HealthURL, healthURL) || changed
	changed = setIfDiffInt(&inst.HeartbeatIntervalSec, req.HeartbeatIntervalSec) || changed

	if req.BootID != "" && req.BootID != inst.BootID {
		inst.BootID = req.BootID
		inst.Status = models.StatusUp
		inst.ConsecutiveMiss = 0
		changed = true
	}

	if changed {
		inst.PushKID = activeKID
	}
	return changed
}

// setIfDiff mutates *field to value and reports whether it changed;
// applying it twice in a row is a no-op the second time.
func setIfDiff(field *string, value string) bool {
	if value == "" || *field == value {
		return false
	}
	*field = value
	return true
}

func setIfDiffInt(field *int, value int) bool {
	if value == 0 || *field == value {
		return false
	}
	*field = value
	return true
}

// Deregister marks an instance DOWN and unconditionally bumps the registry
// version, per the supplemented deregistration operation (SPEC_FULL.md §10).
func (r *Registrar) Deregister(ctx context.Context, instanceID uuid.UUID) (int64, error) {
	var version int64
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var inst models.ServiceInstance
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&inst, "instance_id = ?", instanceID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: instance %s", ledgererr.ErrNotFound, instanceID)
			}
			return fmt.Errorf("lookup instance: %w", err)
		}
		inst.Status = models.StatusDown
		if err := tx.Save(&inst).Error; err != nil {
			return fmt.Errorf("save instance: %w", err)
		}
		v, err := bump(tx)
		if err != nil {
			return err
		}
		version = v
		return nil
	})
	if err != nil {
		return 0, err
	}
	if r.OnChange != nil {
		go r.OnChange(context.WithoutCancel(ctx), version)
	}
	return version, nil
}

// Heartbeat updates last_heartbeat_at and resets consecutive_miss for the
// calling instance (SPEC_FULL.md §10).
func (r *Registrar) Heartbeat(ctx context.Context, instanceID uuid.UUID) error {
	now := r.now()
	res := r.DB.WithContext(ctx).Model(&models.ServiceInstance{}).
		Where("instance_id = ?", instanceID).
		Updates(map[string]interface{}{"last_heartbeat_at": now, "consecutive_miss": 0})
	if res.Error != nil {
		return fmt.Errorf("update heartbeat: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: instance %s", ledgererr.ErrNotFound, instanceID)
	}
	return nil
}

// SweepLiveness marks instances DOWN once they've missed
// LeaseTTLMultiplier*heartbeat_interval_sec, incrementing consecutive_miss
// in the same sweep. Only UP instances that have sent at least one heartbeat
// are examined, so an instance's counter is incremented once before it goes
// DOWN and not again afterwards. It is ambient housekeeping feeding the
// existing fanout contract (DOWN instances are excluded by construction),
// not part of any verification algorithm.
func (r *Registrar) SweepLiveness(ctx context.Context) error {
	var instances []models.ServiceInstance
	if err := r.DB.WithContext(ctx).Where("status = ?", models.StatusUp).Find(&instances).Error; err != nil {
		return fmt.Errorf("load instances for liveness sweep: %w", err)
	}
	now := r.now()
	for _, inst := range instances {
		if inst.LastHeartbeatAt == nil {
			continue
		}
		deadline := inst.LastHeartbeatAt.Add(time.Duration(LeaseTTLMultiplier*inst.HeartbeatIntervalSec) * time.Second)
		if now.Before(deadline) {
			continue
		}
		updates := map[string]interface{}{"consecutive_miss": inst.ConsecutiveMiss + 1}
		if now.Sub(deadline) > 0 {
			updates["status"] = models.StatusDown
		}
		if err := r.DB.WithContext(ctx).Model(&models.ServiceInstance{}).
			Where("instance_id = ?", inst.InstanceID).Updates(updates).Error; err != nil {
			return fmt.Errorf("update instance %s liveness: %w", inst.InstanceID, err)
		}
	}
	return nil
}
