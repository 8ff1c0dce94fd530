package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/metasvc/corehub/accesslog"
	"github.com/metasvc/corehub/internal/pgstore"
	"github.com/metasvc/corehub/manifest"
	"github.com/metasvc/corehub/resterr"
	"github.com/metasvc/corehub/rql"
)

// errorBody is the JSON envelope every handler error renders as.
type errorBody struct {
	Errors []errorItem `json:"errors"`
}

type errorItem struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// writeError maps a resterr.Error/MultipleErrors (or any other error, as a
// generic 500) to its wire response.
func writeError(c echo.Context, err error) error {
	if multi, ok := err.(*resterr.MultipleErrors); ok {
		body := errorBody{}
		for _, e := range multi.Errors {
			body.Errors = append(body.Errors, errorItem{Type: string(e.Kind), Message: e.Message})
		}
		return c.JSON(multi.Status(), body)
	}
	if single, ok := err.(*resterr.Error); ok {
		return c.JSON(single.Status(), errorBody{Errors: []errorItem{{Type: string(single.Kind), Message: single.Message}}})
	}
	return c.JSON(http.StatusInternalServerError, errorBody{Errors: []errorItem{{Type: "InternalError", Message: err.Error()}}})
}

// requestAccessor builds the accesslog.Accessor and access.Log for one
// request from its validated bearer claims.
func (s *Server) requestAccessor(c echo.Context, method string) *accesslog.Log {
	accessor := accesslog.Accessor{Type: "client"}
	if user, ok := GetUser(c); ok && user != nil {
		accessor.ID = user.ID
	}
	log := accesslog.New(accessor, method, 0)
	for _, sink := range s.Sinks {
		log.AddSink(sink)
	}
	return log
}

// authorize checks the caller's scope against model's effective access
// level, recording the satisfied reason on log, or returns
// InsufficientScopeError.
func (s *Server) authorize(c echo.Context, model *manifest.Model, log *accesslog.Log) error {
	scopes, _ := GetScopes(c)
	caller := callerAccess(scopes)
	if !manifest.AccessCheck(model.Access, caller) {
		return resterr.New(resterr.KindInsufficientScopeError, "scope does not satisfy %s access required by %s", model.Access, model.Name)
	}
	log.Reason(string(model.Access))
	log.Touch(model.Name)
	return nil
}

func rowJSON(row *pgstore.Row) map[string]interface{} {
	out := make(map[string]interface{}, len(row.Data)+3)
	for k, v := range row.Data {
		out[k] = v
	}
	out["_id"] = row.ID
	out["_revision"] = row.Revision
	out["_type"] = row.Type
	return out
}

// handleGet dispatches every GET under the model surface: list/browse,
// single-row fetch, subresource fetch and the change feed, distinguished
// by how many path segments remain after the longest model-name match.
func (s *Server) handleGet(c echo.Context) error {
	model, rest, ok := s.resolvePath(c.Request().URL.Path)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "no model matches this path")
	}

	method := "getall"
	switch {
	case len(rest) == 1 && rest[0] == ":changes":
		method = "changes"
	case len(rest) == 1:
		method = "getone"
	case len(rest) == 2:
		method = "getone"
	}

	log := s.requestAccessor(c, method)
	defer log.Flush()
	if err := s.authorize(c, model, log); err != nil {
		return writeError(c, err)
	}
	backend, hasBackend := s.backendFor(model)

	switch len(rest) {
	case 0:
		return s.handleList(c, model, backend, log)
	case 1:
		if rest[0] == ":changes" {
			return s.handleChanges(c, model, backend)
		}
		if !hasBackend {
			return writeError(c, resterr.New(resterr.KindNotImplementedFeature, "model %s has no internal backend", model.Name))
		}
		return s.handleGetOne(c, model, backend, rest[0], log)
	case 2:
		if !hasBackend {
			return writeError(c, resterr.New(resterr.KindNotImplementedFeature, "model %s has no internal backend", model.Name))
		}
		return s.handleGetSubprop(c, model, backend, rest[0], rest[1], log)
	default:
		return echo.NewHTTPError(http.StatusNotFound, "unrecognised path")
	}
}

func (s *Server) handleList(c echo.Context, model *manifest.Model, backend *pgstore.Backend, log *accesslog.Log) error {
	if backend == nil {
		return writeError(c, resterr.New(resterr.KindNotImplementedFeature, "model %s has no internal backend", model.Name))
	}
	pq, err := parseRQL(c.Request().URL.RawQuery)
	if err != nil {
		return writeError(c, err)
	}
	plan, err := rql.Resolve(s.Manifest, model, pq.Filter, pq.Select, pq.Sorts, pq.Limit, pq.Offset)
	if err != nil {
		return writeError(c, err)
	}

	ctx := c.Request().Context()
	rtx, err := s.Store.BeginRead(ctx)
	if err != nil {
		return writeError(c, resterr.Wrap(resterr.KindNotFoundError, err, "failed to open read transaction"))
	}
	defer rtx.Rollback(ctx)

	rows, err := backend.GetAll(ctx, rtx, plan)
	if err != nil {
		return writeError(c, err)
	}
	out := make([]map[string]interface{}, 0, len(rows))
	for _, row := range rows {
		out = append(out, rowJSON(row))
	}
	for _, name := range pq.Select {
		log.TouchField(name)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"_data": out})
}

func (s *Server) handleGetOne(c echo.Context, model *manifest.Model, backend *pgstore.Backend, id string, log *accesslog.Log) error {
	ctx := c.Request().Context()
	rtx, err := s.Store.BeginRead(ctx)
	if err != nil {
		return writeError(c, resterr.Wrap(resterr.KindNotFoundError, err, "failed to open read transaction"))
	}
	defer rtx.Rollback(ctx)

	row, err := backend.GetOne(ctx, rtx, id)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, rowJSON(row))
}

func (s *Server) handleGetSubprop(c echo.Context, model *manifest.Model, backend *pgstore.Backend, id, subprop string, log *accesslog.Log) error {
	prop, ok := model.Properties[subprop]
	if !ok {
		return writeError(c, resterr.New(resterr.KindFieldNotInResource, "field %q not in resource", subprop))
	}
	if prop.Type.Kind != manifest.TypeObject && prop.Type.Kind != manifest.TypeFile {
		return writeError(c, resterr.New(resterr.KindUnavailableSubresource, "field %q is not an object or file subresource", subprop))
	}

	ctx := c.Request().Context()
	rtx, err := s.Store.BeginRead(ctx)
	if err != nil {
		return writeError(c, resterr.Wrap(resterr.KindNotFoundError, err, "failed to open read transaction"))
	}
	defer rtx.Rollback(ctx)

	row, err := backend.GetOne(ctx, rtx, id)
	if err != nil {
		return writeError(c, err)
	}
	log.TouchField(prop.Place)
	return c.JSON(http.StatusOK, row.Data[subprop])
}

func (s *Server) handleChanges(c echo.Context, model *manifest.Model, backend *pgstore.Backend) error {
	if backend == nil {
		return writeError(c, resterr.New(resterr.KindNotImplementedFeature, "model %s has no internal backend", model.Name))
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	offset, _ := strconv.Atoi(c.QueryParam("offset"))

	ctx := c.Request().Context()
	rtx, err := s.Store.BeginRead(ctx)
	if err != nil {
		return writeError(c, resterr.Wrap(resterr.KindNotFoundError, err, "failed to open read transaction"))
	}
	defer rtx.Rollback(ctx)

	entries, err := backend.Changes(ctx, rtx, "", limit, offset)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"_data": entries})
}

// handleInsert implements POST /{model}: a single JSON object, or a
// {"_data": [...]} batch.
func (s *Server) handleInsert(c echo.Context) error {
	model, rest, ok := s.resolvePath(c.Request().URL.Path)
	if !ok || len(rest) != 0 {
		return echo.NewHTTPError(http.StatusNotFound, "no model matches this path")
	}
	log := s.requestAccessor(c, "insert")
	defer log.Flush()
	if err := s.authorize(c, model, log); err != nil {
		return writeError(c, err)
	}
	backend, hasBackend := s.backendFor(model)
	if !hasBackend {
		return writeError(c, resterr.New(resterr.KindNotImplementedFeature, "model %s has no internal backend", model.Name))
	}

	ct := c.Request().Header.Get("Content-Type")
	if ct != "" && !strings.HasPrefix(ct, echo.MIMEApplicationJSON) && !strings.HasPrefix(ct, "application/x-ndjson") {
		return writeError(c, resterr.New(resterr.KindUnknownContentType, "unsupported content type %q", ct))
	}

	var body map[string]interface{}
	if err := c.Bind(&body); err != nil {
		return writeError(c, resterr.Wrap(resterr.KindJSONError, err, "failed to decode request body"))
	}

	batch, isBatch := body["_data"].([]interface{})
	if !isBatch {
		batch = []interface{}{body}
	}

	ctx := c.Request().Context()
	wtx, err := s.Store.BeginWrite(ctx)
	if err != nil {
		return writeError(c, resterr.Wrap(resterr.KindNotFoundError, err, "failed to open write transaction"))
	}

	var out []map[string]interface{}
	for _, item := range batch {
		data, ok := item.(map[string]interface{})
		if !ok {
			wtx.Rollback(ctx)
			return writeError(c, resterr.New(resterr.KindJSONError, "batch item is not a JSON object"))
		}
		row, err := backend.Insert(ctx, wtx, data)
		if err != nil {
			wtx.Rollback(ctx)
			return writeError(c, err)
		}
		out = append(out, rowJSON(row))
	}
	if err := wtx.Commit(ctx); err != nil {
		return writeError(c, resterr.Wrap(resterr.KindNotFoundError, err, "failed to commit write transaction"))
	}

	if isBatch {
		return c.JSON(http.StatusCreated, map[string]interface{}{"_data": out})
	}
	return c.JSON(http.StatusCreated, out[0])
}

// handleUpdate implements PUT|PATCH /{model}/{id}: PUT replaces the row's
// writable data wholesale, PATCH merges into the existing row. Both require
// an optimistic _revision match carried in the body.
func (s *Server) handleUpdate(c echo.Context) error {
	model, rest, ok := s.resolvePath(c.Request().URL.Path)
	if !ok || len(rest) != 1 {
		return echo.NewHTTPError(http.StatusNotFound, "no model matches this path")
	}
	id := rest[0]
	method := "update"
	if c.Request().Method == http.MethodPatch {
		method = "patch"
	}
	log := s.requestAccessor(c, method)
	defer log.Flush()
	if err := s.authorize(c, model, log); err != nil {
		return writeError(c, err)
	}
	backend, hasBackend := s.backendFor(model)
	if !hasBackend {
		return writeError(c, resterr.New(resterr.KindNotImplementedFeature, "model %s has no internal backend", model.Name))
	}

	var body map[string]interface{}
	if err := c.Bind(&body); err != nil {
		return writeError(c, resterr.Wrap(resterr.KindJSONError, err, "failed to decode request body"))
	}
	revision, _ := body["_revision"].(string)
	delete(body, "_revision")
	delete(body, "_id")

	ctx := c.Request().Context()
	wtx, err := s.Store.BeginWrite(ctx)
	if err != nil {
		return writeError(c, resterr.Wrap(resterr.KindNotFoundError, err, "failed to open write transaction"))
	}

	var row *pgstore.Row
	if method == "patch" {
		row, err = backend.Patch(ctx, wtx, id, revision, body)
	} else {
		row, err = backend.Update(ctx, wtx, id, revision, body)
	}
	if err != nil {
		wtx.Rollback(ctx)
		return writeError(c, err)
	}
	if err := wtx.Commit(ctx); err != nil {
		return writeError(c, resterr.Wrap(resterr.KindNotFoundError, err, "failed to commit write transaction"))
	}
	return c.JSON(http.StatusOK, rowJSON(row))
}

// handleDelete implements DELETE /{model}/{id}.
func (s *Server) handleDelete(c echo.Context) error {
	model, rest, ok := s.resolvePath(c.Request().URL.Path)
	if !ok || len(rest) != 1 {
		return echo.NewHTTPError(http.StatusNotFound, "no model matches this path")
	}
	id := rest[0]
	log := s.requestAccessor(c, "delete")
	defer log.Flush()
	if err := s.authorize(c, model, log); err != nil {
		return writeError(c, err)
	}
	backend, hasBackend := s.backendFor(model)
	if !hasBackend {
		return writeError(c, resterr.New(resterr.KindNotImplementedFeature, "model %s has no internal backend", model.Name))
	}

	ctx := c.Request().Context()
	wtx, err := s.Store.BeginWrite(ctx)
	if err != nil {
		return writeError(c, resterr.Wrap(resterr.KindNotFoundError, err, "failed to open write transaction"))
	}
	if err := backend.Delete(ctx, wtx, id); err != nil {
		wtx.Rollback(ctx)
		return writeError(c, err)
	}
	if err := wtx.Commit(ctx); err != nil {
		return writeError(c, resterr.Wrap(resterr.KindNotFoundError, err, "failed to commit write transaction"))
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleVersion(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"version": s.Version})
}

func (s *Server) handleRobots(c echo.Context) error {
	return c.String(http.StatusOK, "User-agent: *\nDisallow: /\n")
}

func (s *Server) handleFavicon(c echo.Context) error {
	return c.NoContent(http.StatusNoContent)
}
