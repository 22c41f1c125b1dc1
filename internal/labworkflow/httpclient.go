package labworkflow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/xiebiao/tracseq-core/pkg/circuitbreaker/httpfacade"
	"github.com/xiebiao/tracseq-core/pkg/eventbus"
)

// HTTPDependencies is the production Dependencies implementation: each
// downstream call goes out over a circuit-breaker-guarded httpfacade.Client
// to its own LIMS microservice, except EmitAuditEvent, which is a local
// publish onto the coordinator's own event bus rather than a network call.
type HTTPDependencies struct {
	SampleService    *httpfacade.Client
	StorageService   *httpfacade.Client
	SequencingService *httpfacade.Client
	Bus              *eventbus.Bus
	Source           string
}

var _ Dependencies = (*HTTPDependencies)(nil)

func (d *HTTPDependencies) CreateSample(ctx context.Context, userID string) (string, error) {
	body, _ := json.Marshal(map[string]string{"user_id": userID})
	resp, err := d.SampleService.Post(ctx, "/samples", body, nil)
	if err != nil {
		return "", err
	}
	var out struct {
		SampleID string `json:"sample_id"`
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return "", fmt.Errorf("decode create sample response: %w", err)
	}
	return out.SampleID, nil
}

func (d *HTTPDependencies) DeleteSample(ctx context.Context, sampleID string) error {
	_, err := d.SampleService.Delete(ctx, "/samples/"+sampleID, nil)
	return err
}

func (d *HTTPDependencies) ReserveStorageSlot(ctx context.Context, sampleID string) (string, error) {
	body, _ := json.Marshal(map[string]string{"sample_id": sampleID})
	resp, err := d.StorageService.Post(ctx, "/slots/reserve", body, nil)
	if err != nil {
		return "", err
	}
	var out struct {
		SlotID string `json:"slot_id"`
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return "", fmt.Errorf("decode reserve slot response: %w", err)
	}
	return out.SlotID, nil
}

func (d *HTTPDependencies) ReleaseStorageSlot(ctx context.Context, slotID string) error {
	_, err := d.StorageService.Post(ctx, "/slots/"+slotID+"/release", nil, nil)
	return err
}

func (d *HTTPDependencies) CreateSequencingJob(ctx context.Context, sampleID string) (string, error) {
	body, _ := json.Marshal(map[string]string{"sample_id": sampleID})
	resp, err := d.SequencingService.Post(ctx, "/jobs", body, nil)
	if err != nil {
		return "", err
	}
	var out struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return "", fmt.Errorf("decode create sequencing job response: %w", err)
	}
	return out.JobID, nil
}

func (d *HTTPDependencies) CancelSequencingJob(ctx context.Context, jobID string) error {
	_, err := d.SequencingService.Post(ctx, "/jobs/"+jobID+"/cancel", nil, nil)
	return err
}

func (d *HTTPDependencies) EmitAuditEvent(ctx context.Context, sampleID, jobID string) error {
	_, err := d.Bus.Publish(ctx, eventbus.Event{
		Type:    "lab.sample_registered",
		Source:  d.Source,
		Subject: sampleID,
		Metadata: map[string]string{
			"sample_id": sampleID,
			"job_id":    jobID,
		},
	})
	return err
}
