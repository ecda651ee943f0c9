package fanout

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"

	"ledgerd/internal/ledger/models"
	"ledgerd/internal/ledger/signing"
	"ledgerd/internal/observability/metrics"
)

const pushPath = "/flume/registry"

// Target is one instance a snapshot push is sent to.
type Target struct {
	InstanceID string
	ServiceID  string
	BaseURL    string
}

// Outcome records the per-target result of a fanout push: never an error,
// per spec.md §4.I — network failures are captured with HTTPStatus 0.
type Outcome struct {
	InstanceID string
	HTTPStatus int
	Error      string
}

// OK reports whether this target's push succeeded (200 <= status < 300).
func (o Outcome) OK() bool {
	return o.HTTPStatus >= 200 && o.HTTPStatus < 300
}

// Result is the aggregate outcome of one fanout call.
type Result struct {
	TotalTargets int
	OKCount      int
	Failures     []Outcome
}

// KeyLookup resolves the (kid, token_bytes) pair a service currently signs
// outbound pushes with; passed through to the signed-header producer.
type KeyLookup = signing.KeyLookup

// Pusher concurrently delivers a signed snapshot to every UP instance.
type Pusher struct {
	DB      *gorm.DB
	Lookup  KeyLookup
	Now     func() time.Time
	Timeout time.Duration
}

func (p *Pusher) now() int64 {
	if p.Now != nil {
		return p.Now().Unix()
	}
	return time.Now().Unix()
}

func (p *Pusher) timeout() time.Duration {
	if p.Timeout <= 0 {
		return 10 * time.Second
	}
	return p.Timeout
}

// Push builds the current snapshot and fans it out to every UP instance,
// one goroutine per target joined at a single sync.WaitGroup, per spec.md
// §4.I/§5.
func (p *Pusher) Push(ctx context.Context) (*Snapshot, *Result, error) {
	snap, err := BuildSnapshot(ctx, p.DB)
	if err != nil {
		return nil, nil, err
	}
	body, err := snap.Marshal()
	if err != nil {
		return nil, nil, err
	}

	targets, err := p.upTargets(ctx)
	if err != nil {
		return nil, nil, err
	}

	start := time.Now()
	result := p.pushTo(ctx, targets, snap.Version, body)
	metrics.Registry().RecordFanoutRound(time.Since(start), result.OKCount, len(result.Failures))
	metrics.Registry().SetInstancesUp(len(targets))
	return snap, result, nil
}

func (p *Pusher) upTargets(ctx context.Context) ([]Target, error) {
	var instances []models.ServiceInstance
	if err := p.DB.WithContext(ctx).Where("status = ?", models.StatusUp).Find(&instances).Error; err != nil {
		return nil, fmt.Errorf("load up instances: %w", err)
	}
	targets := make([]Target, 0, len(instances))
	for _, inst := range instances {
		targets = append(targets, Target{
			InstanceID: inst.InstanceID.String(),
			ServiceID:  inst.ServiceID.String(),
			BaseURL:    inst.BaseURL,
		})
	}
	return targets, nil
}

func (p *Pusher) pushTo(ctx context.Context, targets []Target, version int64, body []byte) *Result {
	outcomes := make([]Outcome, len(targets))
	var wg sync.WaitGroup
	client := &http.Client{
		Timeout: p.timeout(),
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	for i, target := range targets {
		wg.Add(1)
		go func(i int, target Target) {
			defer wg.Done()
			outcomes[i] = p.pushOne(ctx, client, target, version, body)
		}(i, target)
	}
	wg.Wait()

	result := &Result{TotalTargets: len(targets)}
	for _, o := range outcomes {
		if o.OK() {
			result.OKCount++
		} else {
			result.Failures = append(result.Failures, o)
		}
	}
	return result
}

func (p *Pusher) pushOne(ctx context.Context, client *http.Client, target Target, version int64, body []byte) Outcome {
	url := strings.TrimRight(target.BaseURL, "/") + pushPath
	headers, err := signing.SignedHeaders(p.now, p.Lookup, target.ServiceID, target.InstanceID, http.MethodPut, pushPath, body)
	if err != nil {
		return Outcome{InstanceID: target.InstanceID, HTTPStatus: 0, Error: err.Error()}
	}
	headers.Set("X-Registry-Version", strconv.FormatInt(version, 10))

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, strings.NewReader(string(body)))
	if err != nil {
		return Outcome{InstanceID: target.InstanceID, HTTPStatus: 0, Error: err.Error()}
	}
	req.Header = headers

	resp, err := client.Do(req)
	if err != nil {
		return Outcome{InstanceID: target.InstanceID, HTTPStatus: 0, Error: err.Error()}
	}
	defer resp.Body.Close()
	return Outcome{InstanceID: target.InstanceID, HTTPStatus: resp.StatusCode}
}
