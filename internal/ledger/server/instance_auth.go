package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"ledgerd/internal/ledger/models"
	"ledgerd/internal/ledger/verify"
	"ledgerd/internal/observability/metrics"
)

// instanceAuthContext is the per-service material the instance verifier
// needs, resolved from the instance id presented on the request.
type instanceAuthContext struct {
	InstanceID uuid.UUID
	SecretRef  string
	TTLSeconds int
}

func (s *Server) loadInstanceAuthContext(ctx context.Context, instanceID string) (*instanceAuthContext, error) {
	id, err := uuid.Parse(instanceID)
	if err != nil {
		return nil, fmt.Errorf("invalid instance id: %w", err)
	}

	var inst models.ServiceInstance
	if err := s.DB.WithContext(ctx).First(&inst, "instance_id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("instance %s not found", instanceID)
		}
		return nil, fmt.Errorf("lookup instance: %w", err)
	}

	var svc models.Service
	if err := s.DB.WithContext(ctx).First(&svc, "service_id = ?", inst.ServiceID).Error; err != nil {
		return nil, fmt.Errorf("lookup owning service: %w", err)
	}

	return &instanceAuthContext{
		InstanceID: inst.InstanceID,
		SecretRef:  svc.BootstrapSecretRef,
		TTLSeconds: svc.TTLSeconds,
	}, nil
}

// verifyInstanceRequest runs the instance verification algorithm (spec.md
// §4.E) for a request identified by instanceID.
func (s *Server) verifyInstanceRequest(ctx context.Context, instanceID, method, pathWithQuery, ts, nonceValue, signature, kid string, body []byte) (verify.Result, error) {
	auth, err := s.loadInstanceAuthContext(ctx, instanceID)
	if err != nil {
		return verify.Result{}, err
	}

	result := s.Instance.Verify(ctx, verify.Request{
		InstanceID:        auth.InstanceID,
		ServiceSecretRef:  auth.SecretRef,
		ServiceTTLSeconds: auth.TTLSeconds,
		Method:            method,
		PathWithQuery:     pathWithQuery,
		Timestamp:         ts,
		Nonce:             nonceValue,
		Signature:         signature,
		KID:               kid,
		Body:              body,
	})
	if !result.OK {
		metrics.Registry().RecordVerifyFailure("instance", result.Reason)
	}
	return result, nil
}
