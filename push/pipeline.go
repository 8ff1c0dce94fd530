// Package push implements the end-to-end replication pipeline:
// stream rows from a dataset's models, project them into a canonical
// payload, diff against previously pushed state, batch, send to a
// remote target, and commit the outcome back to state — so a second run
// only transmits what actually changed.
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/metasvc/corehub/common"
	ehttp "github.com/metasvc/corehub/http"
	"github.com/metasvc/corehub/manifest"
	"github.com/metasvc/corehub/resterr"
)

// Op is the replication operation a PushRow carries.
type Op string

const (
	OpUpsert Op = "upsert"
	OpInsert Op = "insert"
	OpPatch  Op = "patch"
	OpDelete Op = "delete"
)

// PushRow is one row as it flows through the pipeline: source data,
// then its canonical projected payload, then its outcome once sent.
type PushRow struct {
	Model    string
	ID       string
	Op       Op
	Data     map[string]interface{} // non-reserved columns only
	Checksum string

	Error bool
}

// Source streams rows for one model from whichever backend is bound to
// it (internal backend or external reader). The pipeline itself records
// the ids it has seen this run to detect deletions.
type Source interface {
	// Stream calls fn for every row of model currently visible from the
	// backend, in no particular order.
	Stream(ctx context.Context, model *manifest.Model, fn func(id string, data map[string]interface{}) error) error
	// GetOne re-fetches a single row by id, used to retry a row flagged
	// error in a previous run before that model's full stream runs.
	// found=false means the row is no longer present at the source.
	GetOne(ctx context.Context, model *manifest.Model, id string) (data map[string]interface{}, found bool, err error)
}

// Target is where projected batches are sent: an HTTP endpoint bearing a
// bearer token.
type Target struct {
	BaseURL string
	Token   string
}

// Options configures one push run's budget controls and failure
// handling, including the max-error guard.
type Options struct {
	StopTime     time.Duration // 0 = no wall-clock budget
	StopRow      int           // 0 = no row cap
	ChunkSize    int           // bytes; 0 defaults to 1<<20
	StopOnError  bool
}

// Engine drives one push run across a dataset's models.
type Engine struct {
	manifest *manifest.Manifest
	source   Source
	state    *StateStore
	target   Target
	errors   *ErrorCounter
	opts     Options
	logger   *logrus.Logger
}

// NewEngine assembles a push Engine from its already-constructed
// collaborators.
func NewEngine(mf *manifest.Manifest, source Source, state *StateStore, target Target, errors *ErrorCounter, opts Options) *Engine {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 1 << 20
	}
	return &Engine{manifest: mf, source: source, state: state, target: target, errors: errors, opts: opts, logger: common.Logger}
}

// Run executes the full pipeline across models, in reference-topological
// order for inserts/upserts. Delete detection runs per model in the
// reversed order after every model's stream has committed, so a parent
// row is never deleted before the children referencing it.
func (e *Engine) Run(ctx context.Context, models []*manifest.Model) error {
	ordered, err := orderModels(e.manifest, models)
	if err != nil {
		return err
	}

	deadline := time.Time{}
	if e.opts.StopTime > 0 {
		deadline = time.Now().Add(e.opts.StopTime)
	}
	rowsEmitted := 0
	seenByModel := map[string]map[string]bool{}

	for _, model := range ordered {
		if err := e.state.EnsureModelTable(ctx, model.Name); err != nil {
			return err
		}
		seen := map[string]bool{}
		var batch []PushRow
		batchSize := len(`{"_data":[`) + len(`]}`)

		flush := func() error {
			if len(batch) == 0 {
				return nil
			}
			if err := e.sendAndCommit(ctx, model, batch); err != nil {
				return err
			}
			batch = nil
			batchSize = len(`{"_data":[`) + len(`]}`)
			return nil
		}

		// process is shared by the errored-id retry pass and the model's
		// full stream below, so a row reaches batching/flushing exactly
		// the same way regardless of which pass found it. seen[id] both
		// marks a row as already handled this run (dedup, in case the
		// full stream encounters an id the retry pass already processed)
		// and records it for pushDeletes once the stream ends.
		process := func(id string, data map[string]interface{}) error {
			if seen[id] {
				return nil
			}
			if !deadline.IsZero() && time.Now().After(deadline) {
				return errStopBudget
			}
			if e.opts.StopRow > 0 && rowsEmitted >= e.opts.StopRow {
				return errStopBudget
			}

			seen[id] = true
			row, drop, err := e.project(ctx, model, id, data)
			if err != nil {
				return err
			}
			if drop {
				return nil
			}

			encoded, err := json.Marshal(row)
			if err != nil {
				return fmt.Errorf("push: failed to encode row %s/%s: %w", model.Name, id, err)
			}
			if len(batch) > 0 && batchSize+len(encoded)+1 > e.opts.ChunkSize {
				if err := flush(); err != nil {
					return err
				}
			}
			batch = append(batch, row)
			batchSize += len(encoded) + 1
			rowsEmitted++
			return nil
		}

		// Errored rows from a previous run are retried before the model's
		// fresh scan, so a StopRow/StopTime budget spends its headroom on
		// rows already known to be failing rather than on untouched rows.
		errored, err := e.state.ErroredIDs(ctx, model.Name)
		if err != nil {
			return err
		}
		budgetHit := false
		for _, id := range errored {
			data, found, err := e.source.GetOne(ctx, model, id)
			if err != nil {
				return err
			}
			if !found {
				continue
			}
			if err := process(id, data); err != nil {
				if err == errStopBudget {
					budgetHit = true
					break
				}
				return err
			}
		}

		if !budgetHit {
			err = e.source.Stream(ctx, model, process)
			if err != nil && err != errStopBudget {
				return err
			}
			if err == errStopBudget {
				budgetHit = true
			}
		}

		if flushErr := flush(); flushErr != nil {
			return flushErr
		}
		if budgetHit {
			return nil
		}
		seenByModel[model.Name] = seen
	}

	for _, model := range reversed(ordered) {
		if err := e.pushDeletes(ctx, model, seenByModel[model.Name]); err != nil {
			return err
		}
	}
	return nil
}

var errStopBudget = resterr.New(resterr.KindInvalidValue, "push: stop budget reached")

// project turns raw source data into a PushRow, computing its checksum
// and dropping it (drop=true) when the state store already has an
// identical checksum already committed for this id. Errored rows are
// never dropped: they retry even if unchanged.
func (e *Engine) project(ctx context.Context, model *manifest.Model, id string, data map[string]interface{}) (PushRow, bool, error) {
	sum, err := Checksum(data)
	if err != nil {
		return PushRow{}, false, err
	}

	existing, found, err := e.state.Get(ctx, model.Name, id)
	if err != nil {
		return PushRow{}, false, err
	}
	if found && !existing.Error && existing.Checksum == sum {
		return PushRow{}, true, nil
	}

	return PushRow{Model: model.Name, ID: id, Op: OpUpsert, Data: data, Checksum: sum}, false, nil
}

// pushDeletes compares the state store's previously known ids for model
// against the ids observed this run; any id missing from the current
// run is emitted as a delete.
func (e *Engine) pushDeletes(ctx context.Context, model *manifest.Model, seen map[string]bool) error {
	known, err := e.state.AllIDs(ctx, model.Name)
	if err != nil {
		return err
	}
	var batch []PushRow
	for id := range known {
		if seen[id] {
			continue
		}
		batch = append(batch, PushRow{Model: model.Name, ID: id, Op: OpDelete})
	}
	if len(batch) == 0 {
		return nil
	}
	return e.sendAndCommit(ctx, model, batch)
}

// batchEnvelope is the wire shape of one POST body: `{"_data":[...]}`.
type batchEnvelope struct {
	Data []wireRow `json:"_data"`
}

type wireRow struct {
	Type  string                 `json:"_type"`
	ID    string                 `json:"_id"`
	Op    string                 `json:"_op"`
	Where string                 `json:"_where,omitempty"`
	Data  map[string]interface{} `json:"-"`
}

// MarshalJSON flattens Data's keys alongside the reserved _type/_id/_op
// fields, matching the wire shape a server expects: reserved columns
// plus the row's own properties at the same level.
func (w wireRow) MarshalJSON() ([]byte, error) {
	out := map[string]interface{}{"_type": w.Type, "_id": w.ID, "_op": w.Op}
	if w.Where != "" {
		out["_where"] = w.Where
	}
	for k, v := range w.Data {
		out[k] = v
	}
	return json.Marshal(out)
}

// sendAndCommit POSTs batch to the target and reconciles the response
// with the pipeline's state store once the send succeeds.
func (e *Engine) sendAndCommit(ctx context.Context, model *manifest.Model, batch []PushRow) error {
	wire := make([]wireRow, len(batch))
	for i, row := range batch {
		w := wireRow{Type: model.Name, ID: row.ID, Op: string(row.Op), Data: row.Data}
		if row.Op == OpDelete {
			w.Where = fmt.Sprintf("eq(_id,'%s')", row.ID)
		}
		wire[i] = w
	}

	body, err := json.Marshal(batchEnvelope{Data: wire})
	if err != nil {
		return fmt.Errorf("push: failed to encode batch for %q: %w", model.Name, err)
	}

	req := ehttp.NewRequest("POST", e.target.BaseURL)
	req.Headers["Authorization"] = "Bearer " + e.target.Token
	req.JSONBody = string(body)

	resp, err := ehttp.Execute(req)
	if err != nil {
		return e.handleTransportFailure(ctx, model, batch, err)
	}

	var parsed struct {
		Data []struct {
			ID       string `json:"_id"`
			Revision string `json:"_revision"`
			Error    string `json:"error,omitempty"`
		} `json:"_data"`
	}
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		return e.handleTransportFailure(ctx, model, batch, fmt.Errorf("push: malformed response body: %w", err))
	}
	if len(parsed.Data) != len(batch) {
		return e.handleTransportFailure(ctx, model, batch,
			fmt.Errorf("push: response length %d does not match batch length %d for %q", len(parsed.Data), len(batch), model.Name))
	}

	for i, row := range batch {
		received := parsed.Data[i]
		if received.ID != row.ID {
			return e.handleTransportFailure(ctx, model, batch,
				fmt.Errorf("push: positional id mismatch for %q: sent %q, received %q", model.Name, row.ID, received.ID))
		}
		if received.Error != "" {
			row.Error = true
			e.logger.WithFields(logrus.Fields{"model": model.Name, "id": row.ID, "remote_error": received.Error}).Error("push: remote rejected row")
			if err := e.state.MarkError(ctx, model.Name, row.ID, mustJSON(row)); err != nil {
				return err
			}
			if exceeded, cerr := e.recordError(); cerr != nil {
				return cerr
			} else if exceeded || e.opts.StopOnError {
				return ErrMaxErrors
			}
			continue
		}
		if row.Op == OpDelete {
			if err := e.state.Delete(ctx, model.Name, row.ID); err != nil {
				return err
			}
			continue
		}
		if err := e.state.Upsert(ctx, model.Name, RowState{ID: row.ID, Revision: received.Revision, Checksum: row.Checksum, Data: mustJSON(row)}); err != nil {
			return err
		}
	}
	return nil
}

// handleTransportFailure marks every row in batch as errored after a
// transport-level failure (non-2xx, connection error, malformed or
// length-mismatched response) and either returns the original error or
// ErrMaxErrors once the guard trips.
func (e *Engine) handleTransportFailure(ctx context.Context, model *manifest.Model, batch []PushRow, cause error) error {
	e.logger.WithFields(logrus.Fields{"model": model.Name, "rows": len(batch)}).WithError(cause).Error("push: batch failed")
	for _, row := range batch {
		if err := e.state.MarkError(ctx, model.Name, row.ID, mustJSON(row)); err != nil {
			return err
		}
	}
	if exceeded, err := e.recordError(); err != nil {
		return err
	} else if exceeded || e.opts.StopOnError {
		return ErrMaxErrors
	}
	return cause
}

func (e *Engine) recordError() (bool, error) {
	if e.errors == nil {
		return false, nil
	}
	return e.errors.RecordError()
}

func mustJSON(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
