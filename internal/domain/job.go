package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// NewJob constructs a queued job with a fresh id and timestamps.
func NewJob(productID, imageRef, name, description string, metadata map[string]any) Job {
	now := time.Now().UTC()
	if metadata == nil {
		metadata = map[string]any{}
	}
	return Job{
		ID:          NewJobID(),
		ProductID:   productID,
		ImageRef:    imageRef,
		Name:        name,
		Description: description,
		Metadata:    metadata,
		Status:      JobQueued,
		MaxRetries:  DefaultMaxRetries,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// NewJobID returns a short, globally unique job identifier.
func NewJobID() string {
	u := uuid.New()
	return "job-" + u.String()[:8] + u.String()[9:13]
}

// Validate checks the fields that must be present before the job may be
// persisted or enqueued.
func (j Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("%w: job id required", ErrInvalidArgument)
	}
	if j.ProductID == "" {
		return fmt.Errorf("%w: product id required", ErrInvalidArgument)
	}
	if j.ImageRef == "" {
		return fmt.Errorf("%w: image ref required", ErrInvalidArgument)
	}
	if !j.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidArgument, j.Status)
	}
	if j.MaxRetries <= 0 {
		return fmt.Errorf("%w: max retries must be positive", ErrInvalidArgument)
	}
	return nil
}

// Hash field names of the persisted record. The queue manager owns key
// naming; the field layout belongs to the record itself.
const (
	fieldJobID        = "job_id"
	fieldProductID    = "product_id"
	fieldImageRef     = "image_ref"
	fieldName         = "name"
	fieldDescription  = "description"
	fieldMetadata     = "metadata"
	fieldStatus       = "status"
	fieldRetryCount   = "retry_count"
	fieldMaxRetries   = "max_retries"
	fieldCreatedAt    = "created_at"
	fieldUpdatedAt    = "updated_at"
	fieldErrorMessage = "error_message"
)

// Fields serializes the job into a flat string-keyed map suitable for a
// store hash. Image bytes are never serialized; ImageRef carries the staged
// location. A cleared error is always the empty string.
func (j Job) Fields() map[string]any {
	meta, err := json.Marshal(j.Metadata)
	if err != nil {
		meta = []byte("{}")
	}
	return map[string]any{
		fieldJobID:        j.ID,
		fieldProductID:    j.ProductID,
		fieldImageRef:     j.ImageRef,
		fieldName:         j.Name,
		fieldDescription:  j.Description,
		fieldMetadata:     string(meta),
		fieldStatus:       string(j.Status),
		fieldRetryCount:   strconv.Itoa(j.RetryCount),
		fieldMaxRetries:   strconv.Itoa(j.MaxRetries),
		fieldCreatedAt:    j.CreatedAt.UTC().Format(time.RFC3339Nano),
		fieldUpdatedAt:    j.UpdatedAt.UTC().Format(time.RFC3339Nano),
		fieldErrorMessage: j.ErrorMessage,
	}
}

// JobFromFields deserializes a persisted record snapshot back into a Job.
func JobFromFields(fields map[string]string) (Job, error) {
	if len(fields) == 0 {
		return Job{}, fmt.Errorf("%w: empty record", ErrNotFound)
	}
	j := Job{
		ID:           fields[fieldJobID],
		ProductID:    fields[fieldProductID],
		ImageRef:     fields[fieldImageRef],
		Name:         fields[fieldName],
		Description:  fields[fieldDescription],
		Status:       JobStatus(fields[fieldStatus]),
		ErrorMessage: fields[fieldErrorMessage],
		Metadata:     map[string]any{},
	}
	if raw := fields[fieldMetadata]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &j.Metadata); err != nil {
			return Job{}, fmt.Errorf("op=job.fromFields metadata: %w", err)
		}
	}
	var err error
	if j.RetryCount, err = atoiDefault(fields[fieldRetryCount], 0); err != nil {
		return Job{}, fmt.Errorf("op=job.fromFields retry_count: %w", err)
	}
	if j.MaxRetries, err = atoiDefault(fields[fieldMaxRetries], DefaultMaxRetries); err != nil {
		return Job{}, fmt.Errorf("op=job.fromFields max_retries: %w", err)
	}
	if j.CreatedAt, err = parseTimeDefault(fields[fieldCreatedAt]); err != nil {
		return Job{}, fmt.Errorf("op=job.fromFields created_at: %w", err)
	}
	if j.UpdatedAt, err = parseTimeDefault(fields[fieldUpdatedAt]); err != nil {
		return Job{}, fmt.Errorf("op=job.fromFields updated_at: %w", err)
	}
	if !j.Status.Valid() {
		return Job{}, fmt.Errorf("%w: unknown status %q", ErrInvalidArgument, j.Status)
	}
	return j, nil
}

func atoiDefault(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	return strconv.Atoi(s)
}

func parseTimeDefault(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
