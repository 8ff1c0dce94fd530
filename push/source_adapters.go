package push

import (
	"context"
	"errors"
	"fmt"

	"github.com/metasvc/corehub/extsource"
	"github.com/metasvc/corehub/internal/pgstore"
	"github.com/metasvc/corehub/manifest"
	"github.com/metasvc/corehub/resterr"
	"github.com/metasvc/corehub/rql"
)

// isNotFound reports whether err is (or wraps) a resterr.Error carrying
// KindItemDoesNotExist, the shape both the internal backend and the
// external readers use to report a missing row.
func isNotFound(err error) bool {
	var rerr *resterr.Error
	return errors.As(err, &rerr) && rerr.Kind == resterr.KindItemDoesNotExist
}

// InternalSource streams a model's rows from the internal backend,
// used for `--mode internal` pushes: re-replicating what this service
// itself stores, rather than an upstream external table.
type InternalSource struct {
	store    *pgstore.Store
	backends map[string]*pgstore.Backend
	manifest *manifest.Manifest
}

// NewInternalSource wraps already-opened per-model Backends, keyed by
// qualified model name.
func NewInternalSource(store *pgstore.Store, mf *manifest.Manifest, backends map[string]*pgstore.Backend) *InternalSource {
	return &InternalSource{store: store, backends: backends, manifest: mf}
}

func (s *InternalSource) Stream(ctx context.Context, model *manifest.Model, fn func(id string, data map[string]interface{}) error) error {
	backend, ok := s.backends[model.Name]
	if !ok {
		return nil
	}

	plan, err := rql.Resolve(s.manifest, model, rql.Node{}, nil, nil, 0, 0)
	if err != nil {
		return err
	}

	rtx, err := s.store.BeginRead(ctx)
	if err != nil {
		return err
	}
	defer rtx.Rollback(ctx)

	rows, err := backend.GetAll(ctx, rtx, plan)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if err := fn(row.ID, row.Data); err != nil {
			return err
		}
	}
	return nil
}

// GetOne re-fetches a single row by id, used to retry a previously
// errored row before a fresh full scan. found=false means the row no
// longer exists in the backend.
func (s *InternalSource) GetOne(ctx context.Context, model *manifest.Model, id string) (map[string]interface{}, bool, error) {
	backend, ok := s.backends[model.Name]
	if !ok {
		return nil, false, nil
	}

	rtx, err := s.store.BeginRead(ctx)
	if err != nil {
		return nil, false, err
	}
	defer rtx.Rollback(ctx)

	row, err := backend.GetOne(ctx, rtx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return row.Data, true, nil
}

// ExternalSource streams a model's rows from an external reader,
// used for `--mode external` pushes: replicating an upstream table or
// document store this service only projects, never owns.
type ExternalSource struct {
	readers map[string]extsource.Reader // keyed by qualified model name
	state   *StateStore                 // resume cursor for paginated models; nil disables resume
}

// NewExternalSource wraps already-opened per-model Readers. state supplies
// the resumable cursor for any model declaring a PageSpec; pass nil to
// disable cursor persistence (every paginated model then re-scans from the
// start on each run).
func NewExternalSource(readers map[string]extsource.Reader, state *StateStore) *ExternalSource {
	return &ExternalSource{readers: readers, state: state}
}

func (s *ExternalSource) Stream(ctx context.Context, model *manifest.Model, fn func(id string, data map[string]interface{}) error) error {
	reader, ok := s.readers[model.Name]
	if !ok {
		return nil
	}

	extra, err := s.resumePredicate(ctx, reader, model)
	if err != nil {
		return err
	}

	return reader.Stream(ctx, model, extra, func(row extsource.Row) error {
		if err := fn(row.ID, row.Data); err != nil {
			return err
		}
		return s.persistPage(ctx, model, row)
	})
}

// GetOne re-fetches a single row by id, used to retry a previously
// errored row before a fresh full scan. found=false means the row no
// longer exists at the source.
func (s *ExternalSource) GetOne(ctx context.Context, model *manifest.Model, id string) (map[string]interface{}, bool, error) {
	reader, ok := s.readers[model.Name]
	if !ok {
		return nil, false, nil
	}
	row, err := reader.GetOne(ctx, model, id)
	if err != nil {
		if isNotFound(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return row.Data, true, nil
}

// resumePredicate assembles the stored cursor for model (one value per
// PageSpec property) and asks reader to translate it into a native
// Predicate. A property missing its stored value means nothing has been
// persisted yet, so the model streams from the start.
func (s *ExternalSource) resumePredicate(ctx context.Context, reader extsource.Reader, model *manifest.Model) (extsource.Predicate, error) {
	if s.state == nil || model.Page == nil || len(model.Page.Properties) == 0 {
		return nil, nil
	}

	cursor := map[string]string{}
	for _, propName := range model.Page.Properties {
		value, ok, err := s.state.GetPage(ctx, model.Name, propName)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		cursor[propName] = value
	}

	return reader.ResumePredicate(model, cursor)
}

// persistPage stores row's page values as the new high-water cursor, so the
// next run resumes after this row instead of rescanning. No-op when model
// has no PageSpec, the row carries no page values, or resume is disabled.
func (s *ExternalSource) persistPage(ctx context.Context, model *manifest.Model, row extsource.Row) error {
	if s.state == nil || model.Page == nil || row.Page == nil {
		return nil
	}
	for _, propName := range model.Page.Properties {
		value, ok := row.Page[propName]
		if !ok {
			continue
		}
		if err := s.state.SetPage(ctx, model.Name, propName, fmt.Sprint(value)); err != nil {
			return err
		}
	}
	return nil
}
