package alerts

import (
	"context"
	"embed"
	"strings"
	"time"

	"github.com/relabs-tech/agriwatch/core/access"
	"github.com/relabs-tech/agriwatch/core/failure"
	"github.com/relabs-tech/agriwatch/core/logger"
	"github.com/relabs-tech/agriwatch/core/schema"
	"github.com/relabs-tech/agriwatch/iot/control"
)

// BatchSchemaID is the $id of the alert batch schema
const BatchSchemaID = "http://agriwatch/alert_batch.json"

// Limits for ListActive
const (
	DefaultActiveLimit = 10
	MaxActiveLimit     = 100
)

//go:embed schemas
var schemaFS embed.FS

// Dispatcher emits control commands for resolved alerts
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd control.Command)
}

// Pipeline ingests, lists and resolves alerts
type Pipeline struct {
	store      Store
	dispatcher Dispatcher
	validator  *schema.Validator
	now        func() time.Time
}

// Builder is a builder helper for the Pipeline
type Builder struct {
	// Store persists alerts. This is mandatory.
	Store Store
	// Dispatcher receives a command for every resolved alert. This is mandatory.
	Dispatcher Dispatcher
}

// NewPipeline returns a new pipeline
func NewPipeline(b *Builder) *Pipeline {
	if b.Store == nil {
		panic("alert store is missing")
	}
	if b.Dispatcher == nil {
		panic("dispatcher is missing")
	}
	validator, err := schema.NewValidatorFromFS(schemaFS, "schemas")
	if err != nil {
		panic(err)
	}
	if !validator.HasSchema(BatchSchemaID) {
		panic("alert batch schema missing")
	}
	return &Pipeline{
		store:      b.Store,
		dispatcher: b.Dispatcher,
		validator:  validator,
		now:        time.Now,
	}
}

// Ingest validates a batch and persists one Active alert per entry. A
// malformed batch fails with IngestMalformed and nothing is persisted.
func (p *Pipeline) Ingest(ctx context.Context, payload []byte) ([]Alert, error) {
	if err := p.validator.ValidateBytes(payload, BatchSchemaID); err != nil {
		return nil, failure.Wrap(failure.IngestMalformed, "malformed alert batch", err)
	}
	batch, err := ParseBatch(payload, p.now())
	if err != nil {
		return nil, failure.Wrap(failure.IngestMalformed, "malformed alert batch", err)
	}

	rlog := logger.FromContext(ctx)
	stored := make([]Alert, 0, len(batch))
	for _, a := range batch {
		alert, err := p.store.Insert(ctx, a)
		if err != nil {
			return stored, failure.Wrap(failure.Internal, "cannot store alert", err)
		}
		rlog.WithField("alertId", alert.ID).Infof("alert stored: %s: %s", alert.Type, alert.Message)
		stored = append(stored, alert)
	}
	return stored, nil
}

// Handle implements messaging.Handler for the alert topic
func (p *Pipeline) Handle(ctx context.Context, topic string, payload []byte) error {
	_, err := p.Ingest(ctx, payload)
	return err
}

// ListActive returns the newest Active alerts. A limit of 0 selects
// DefaultActiveLimit.
func (p *Pipeline) ListActive(ctx context.Context, limit int) ([]Alert, error) {
	if limit == 0 {
		limit = DefaultActiveLimit
	}
	if limit < 1 || limit > MaxActiveLimit {
		return nil, failure.New(failure.InvalidRequest, "limit must be between 1 and 100")
	}
	alerts, err := p.store.ListActive(ctx, limit)
	if err != nil {
		return nil, failure.Wrap(failure.Internal, "Failed to fetch alerts", err)
	}
	return alerts, nil
}

// ListHistory returns all alerts, newest first
func (p *Pipeline) ListHistory(ctx context.Context) ([]Alert, error) {
	alerts, err := p.store.ListHistory(ctx)
	if err != nil {
		return nil, failure.Wrap(failure.Internal, "Failed to fetch alert history", err)
	}
	return alerts, nil
}

// Resolve marks alert id as Handled and dispatches a control command on
// behalf of operator. Resolving an alert that is already Handled succeeds
// and dispatches again.
func (p *Pipeline) Resolve(ctx context.Context, id int64, action, device string, operator access.Identity) (Alert, error) {
	action = strings.TrimSpace(action)
	device = strings.TrimSpace(device)
	if len(action) == 0 || len(device) == 0 {
		return Alert{}, failure.New(failure.InvalidRequest, "Missing action or device in request")
	}

	alert, transitioned, err := p.store.MarkHandled(ctx, id)
	if failure.IsKind(err, failure.NotFound) {
		return Alert{}, err
	}
	if err != nil {
		return Alert{}, failure.Wrap(failure.Internal, "Failed to process alert", err)
	}

	rlog := logger.FromContext(ctx).WithField("alertId", alert.ID)
	if transitioned {
		rlog.Infoln("alert handled by", operator.Username)
	} else {
		rlog.Infoln("alert was already handled, re-issued by", operator.Username)
	}

	p.dispatcher.Dispatch(ctx, control.Command{
		AlertID:   alert.ID,
		Action:    action,
		Device:    device,
		HandledBy: operator.Username,
		Timestamp: p.now().UTC(),
	})
	return alert, nil
}
