// Package api wires the entity-definition engine, the dynamic-entity
// store, the permission core, and workflow CRUD behind a single Echo
// router, and carries the JWT/scope middleware building blocks those
// routes use (§6.4). The workflow trigger routes are not mounted here.
package api

import (
	"net/http"
	"strconv"
	"strings"

	"encoding/json"

	"github.com/labstack/echo/v4"

	"github.com/r3e-forks/data-core/auth"
	"github.com/r3e-forks/data-core/db/repository"
	"github.com/r3e-forks/data-core/entitydef"
	"github.com/r3e-forks/data-core/entitystore"
	"github.com/r3e-forks/data-core/errs"
	"github.com/r3e-forks/data-core/permission"
)

// Server bundles the services a route handler needs. Routes are thin:
// decode request, call one service method, encode response.
type Server struct {
	Auth        auth.AuthService
	Definitions *entitydef.Service
	Entities    *entitystore.Store
	Permissions *permission.Service
	Workflows   repository.WorkflowRepository

	// Keys resolves X-API-Key headers to machine principals (§3.5). Routes
	// guarded by authenticate accept either a bearer JWT or an API key.
	Keys repository.RoleRepository
}

// RegisterRoutes mounts the admin and public route groups on e. The
// scheduler's workflow-trigger bypass route is mounted separately by its
// own TriggerHandler since it answers to workflow semantics this package
// doesn't own.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.POST("/api/v1/auth/login", s.handleLogin)

	admin := e.Group("/api/v1/admin", s.authenticate)
	admin.GET("/entity-definitions", s.listDefinitions, s.requirePermission("entity_definition", permission.Read))
	admin.POST("/entity-definitions", s.createDefinition, s.requirePermission("entity_definition", permission.Create))
	admin.GET("/entity-definitions/:entity_type", s.getDefinition, s.requirePermission("entity_definition", permission.Read))
	admin.PUT("/entity-definitions/:entity_type", s.updateDefinition, s.requirePermission("entity_definition", permission.Update))
	admin.DELETE("/entity-definitions/:entity_type", s.deleteDefinition, s.requirePermission("entity_definition", permission.Delete))

	admin.GET("/workflows", s.listWorkflows, s.requirePermission("workflow", permission.Read))
	admin.POST("/workflows", s.saveWorkflow, s.requirePermission("workflow", permission.Create))
	admin.PUT("/workflows/:uuid", s.saveWorkflow, s.requirePermission("workflow", permission.Update))
	admin.DELETE("/workflows/:uuid", s.deleteWorkflow, s.requirePermission("workflow", permission.Delete))

	entities := e.Group("/api/v1/:entity_type", s.authenticate)
	entities.GET("", s.listEntities, s.requireEntityPermission(permission.Read))
	entities.POST("", s.createEntity, s.requireEntityPermission(permission.Create))
	entities.GET("/:uuid", s.getEntity, s.requireEntityPermission(permission.Read))
	entities.PUT("/:uuid", s.updateEntity, s.requireEntityPermission(permission.Update))
	entities.DELETE("/:uuid", s.deleteEntity, s.requireEntityPermission(permission.Delete))
}

// writeError maps the platform's error taxonomy to an HTTP response
// (§7). A *errs.Error's shape is preserved; anything else is a 500.
func writeError(c echo.Context, err error) error {
	e, ok := err.(*errs.Error)
	if !ok {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
	}
	body := echo.Map{"error": e.Message}
	if len(e.Violations) > 0 {
		body["violations"] = e.Violations
	} else if e.Field != "" {
		body["violations"] = []errs.Violation{{Field: e.Field, Message: e.Message}}
	}
	return c.JSON(e.HTTPStatus(), body)
}

func (s *Server) handleLogin(c echo.Context) error {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.Bind(&req); err != nil {
		return writeError(c, errs.Validation("", "malformed request body"))
	}
	result, err := s.Auth.Login(req.Username, req.Password)
	if err != nil {
		return writeError(c, errs.Unauthorized(err.Error()))
	}
	return c.JSON(http.StatusOK, result)
}

// jwtAuth wraps bearerAuth (echo-jwt bound to auth.AuthService.ValidateToken)
// and populates the request context with an AuthUser whose Scopes carry
// the user's roles, the shape RequireScope-style middleware downstream
// expects.
func (s *Server) jwtAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return bearerAuth(s.Auth)(func(c echo.Context) error {
		claims, ok := claimsFromContext(c)
		if !ok {
			return writeError(c, errs.Unauthorized("missing authenticated user"))
		}
		SetUser(c, &AuthUser{ID: claims.UserID, Username: claims.Username, Scopes: claims.Roles})
		return next(c)
	})
}

// authenticate accepts either a bearer JWT (human principals) or an
// X-API-Key header (machine principals), dispatching to whichever the
// request carries. X-API-Key takes precedence when both are present.
func (s *Server) authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if c.Request().Header.Get("X-API-Key") != "" && s.Keys != nil {
			return APIKeyAuth(s.Keys)(next)(c)
		}
		return s.jwtAuth(next)(c)
	}
}

// requirePermission enforces a fixed resource namespace, for admin
// routes where the resource kind never varies with the request.
func (s *Server) requirePermission(namespace string, ptype permission.PermissionType) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			return s.checkPermission(c, next, namespace, ptype)
		}
	}
}

// requireEntityPermission enforces a namespace taken from the request's
// :entity_type path parameter, for the public dynamic-entity routes.
func (s *Server) requireEntityPermission(ptype permission.PermissionType) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			return s.checkPermission(c, next, c.Param("entity_type"), ptype)
		}
	}
}

func (s *Server) checkPermission(c echo.Context, next echo.HandlerFunc, namespace string, ptype permission.PermissionType) error {
	user, ok := GetUser(c)
	if !ok {
		return writeError(c, errs.Unauthorized("no authenticated user"))
	}
	principal := permission.Principal{UUID: user.ID, Kind: permission.PrincipalUser}
	if user.IsAPIKey {
		principal.Kind = permission.PrincipalAPIKey
	}
	ok, err := s.Permissions.HasPermission(c.Request().Context(), principal, namespace, ptype, "", nil)
	if err != nil {
		return writeError(c, err)
	}
	if !ok {
		return writeError(c, errs.Forbidden("missing "+string(ptype)+" permission on "+namespace))
	}
	return next(c)
}

func (s *Server) listDefinitions(c echo.Context) error {
	defs, err := s.Definitions.List(c.Request().Context())
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, defs)
}

func (s *Server) createDefinition(c echo.Context) error {
	var def entitydef.EntityDefinition
	if err := c.Bind(&def); err != nil {
		return writeError(c, errs.Validation("", "malformed request body"))
	}
	if err := s.Definitions.Create(c.Request().Context(), &def); err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, def)
}

func (s *Server) getDefinition(c echo.Context) error {
	def, err := s.Definitions.GetByEntityType(c.Request().Context(), c.Param("entity_type"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, def)
}

func (s *Server) updateDefinition(c echo.Context) error {
	var def entitydef.EntityDefinition
	if err := c.Bind(&def); err != nil {
		return writeError(c, errs.Validation("", "malformed request body"))
	}
	def.EntityType = c.Param("entity_type")
	if err := s.Definitions.Update(c.Request().Context(), &def); err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, def)
}

func (s *Server) deleteDefinition(c echo.Context) error {
	def, err := s.Definitions.GetByEntityType(c.Request().Context(), c.Param("entity_type"))
	if err != nil {
		return writeError(c, err)
	}
	if err := s.Definitions.Delete(c.Request().Context(), def); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusOK)
}

// listEntities implements the dynamic-entity list contract (§6.4):
// page/offset, per_page/limit (capped 100), fields, filter, q, sort_by,
// sort_order. include_children_count is not read here; only getEntity
// honours it.
func (s *Server) listEntities(c echo.Context) error {
	entityType := c.Param("entity_type")

	limit := queryInt(c, "per_page", queryInt(c, "limit", 20))
	if limit > 100 {
		limit = 100
	}
	offset := queryInt(c, "offset", 0)
	if page := queryInt(c, "page", 0); page > 0 {
		offset = (page - 1) * limit
	}

	opts := entitystore.ListOptions{
		Limit:   limit,
		Offset:  offset,
		Search:  c.QueryParam("q"),
		Sort:    c.QueryParam("sort_by"),
		SortAsc: c.QueryParam("sort_order") != "desc",
	}
	if fields := c.QueryParam("fields"); fields != "" {
		opts.Fields = strings.Split(fields, ",")
	}
	if filter := c.QueryParam("filter"); filter != "" {
		var filterMap map[string]interface{}
		if err := json.Unmarshal([]byte(filter), &filterMap); err != nil {
			return writeError(c, errs.Validation("filter", "must be a JSON object"))
		}
		for col, val := range filterMap {
			opts.Filters = append(opts.Filters, entitystore.Filter{Column: col, Value: val})
		}
	}

	entities, total, err := s.Entities.FilterEntities(c.Request().Context(), entityType, opts)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"items": entities, "total": total})
}

func (s *Server) createEntity(c echo.Context) error {
	entityType := c.Param("entity_type")
	var fields map[string]interface{}
	if err := c.Bind(&fields); err != nil {
		return writeError(c, errs.Validation("", "malformed request body"))
	}
	e := entityFromFields(entityType, fields)
	uuid, err := s.Entities.Create(c.Request().Context(), e)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, echo.Map{"uuid": uuid})
}

func (s *Server) getEntity(c echo.Context) error {
	entityType := c.Param("entity_type")
	var fields []string
	if f := c.QueryParam("fields"); f != "" {
		fields = strings.Split(f, ",")
	}
	includeChildren := c.QueryParam("include_children_count") == "true"
	e, childCount, err := s.Entities.GetByUUID(c.Request().Context(), entityType, c.Param("uuid"), fields, includeChildren)
	if err != nil {
		return writeError(c, err)
	}
	resp := echo.Map{"entity": e}
	if includeChildren {
		resp["children_count"] = childCount
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) updateEntity(c echo.Context) error {
	entityType := c.Param("entity_type")
	var fields map[string]interface{}
	if err := c.Bind(&fields); err != nil {
		return writeError(c, errs.Validation("", "malformed request body"))
	}
	e := entityFromFields(entityType, fields)
	e.UUID = c.Param("uuid")
	if err := s.Entities.Update(c.Request().Context(), e, false); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusOK)
}

func (s *Server) deleteEntity(c echo.Context) error {
	if err := s.Entities.Delete(c.Request().Context(), c.Param("entity_type"), c.Param("uuid")); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusOK)
}

func (s *Server) listWorkflows(c echo.Context) error {
	workflows, err := s.Workflows.ListEnabled(c.Request().Context())
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, workflows)
}

func (s *Server) saveWorkflow(c echo.Context) error {
	var w repository.WorkflowRecord
	if err := c.Bind(&w); err != nil {
		return writeError(c, errs.Validation("", "malformed request body"))
	}
	if uuid := c.Param("uuid"); uuid != "" {
		w.UUID = uuid
	}
	if err := s.Workflows.SaveWorkflow(c.Request().Context(), &w); err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, w)
}

func (s *Server) deleteWorkflow(c echo.Context) error {
	if err := s.Workflows.DeleteWorkflow(c.Request().Context(), c.Param("uuid")); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusOK)
}

func entityFromFields(entityType string, fields map[string]interface{}) *entitystore.Entity {
	e := &entitystore.Entity{EntityType: entityType, FieldData: fields}
	if key, ok := fields["entity_key"].(string); ok {
		e.EntityKey = key
	}
	if path, ok := fields["path"].(string); ok {
		e.Path = path
	}
	if parent, ok := fields["parent_uuid"].(string); ok {
		e.ParentUUID = parent
	}
	return e
}

func queryInt(c echo.Context, name string, def int) int {
	v := c.QueryParam(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
