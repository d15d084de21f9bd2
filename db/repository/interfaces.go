// Package repository defines the storage interfaces behind the platform's
// two backing stores: PostgreSQL for durable, relational state (entity
// definitions, dynamic entities, roles/permissions, workflows and their
// runs) and Redis for ephemeral state (distributed locks, the second-tier
// cache, pub/sub, and counters).
//
// Design Philosophy:
//
//  1. One durable store: entity definitions, dynamic entity rows, RBAC
//     tables, and workflow/run bookkeeping all live in PostgreSQL as the
//     single source of truth (§6.1).
//  2. One ephemeral store: Redis backs the distributed cache tier, the
//     run-dispatch queue's processing set, and cross-worker locks.
//
// Applications compose these repositories based on their needs: the
// scheduler and worker pipeline use WorkflowRepository and RunRepository,
// and reach DefinitionRepository through entitydef.Service; the HTTP host
// additionally uses CacheRepository for read-through caching of merged
// permissions and published definitions. EntityRepository has no
// implementation in this module: per-type entity rows are read and written
// by the entitystore package.
package repository

import (
	"context"
	"time"
)

// DefinitionRepository manages entity-definition rows and their DDL
// lifecycle (§4.2).
type DefinitionRepository interface {
	SaveDefinition(ctx context.Context, def map[string]interface{}) error
	GetDefinition(ctx context.Context, entityType string) (map[string]interface{}, error)
	ListDefinitions(ctx context.Context) ([]map[string]interface{}, error)
	DeleteDefinition(ctx context.Context, entityType string) error
	IsPublished(ctx context.Context, entityType string) (bool, error)
}

// EntityRepository manages rows in the per-type `entity_{entity_type}`
// tables created by the entity-definition engine (§4.3).
type EntityRepository interface {
	Insert(ctx context.Context, entityType string, fields map[string]interface{}) (uuid string, err error)
	Update(ctx context.Context, entityType string, uuid string, fields map[string]interface{}) error
	FindOne(ctx context.Context, entityType string, filter map[string]string) (map[string]interface{}, bool, error)
	GetOrCreate(ctx context.Context, entityType string, filter, defaults map[string]string) (uuid string, err error)
	Delete(ctx context.Context, entityType string, uuid string) error
}

// RunRepository manages the run/raw-item bookkeeping backing the
// scheduler/worker pipeline's state machine (§4.7). Grounded on the
// teacher's MetricsRepository, renamed and reshaped around workflow runs
// instead of standalone action executions.
type RunRepository interface {
	InsertRunQueued(ctx context.Context, workflowUUID, triggerID string) (runUUID string, err error)
	TransitionRun(ctx context.Context, runUUID string, from, to RunStatus) error
	InsertRawItems(ctx context.Context, runUUID string, payloads []map[string]interface{}) error
	FetchStagedRawItems(ctx context.Context, runUUID string, batchSize int) ([]RawItem, error)
	SetRawItemStatus(ctx context.Context, itemID string, status RawItemStatus, errMessage string) error
	MarkRawItemsProcessed(ctx context.Context, runUUID string) error
	CompleteRun(ctx context.Context, runUUID string, status RunStatus, processedItems, failedItems int, message string) error
	AppendRunLog(ctx context.Context, runUUID string, level LogLevel, message string, meta map[string]interface{}) error

	GetRunHistory(ctx context.Context, workflowUUID string, limit int) ([]*WorkflowRun, error)
}

// RunStatus mirrors the `workflow_runs.status` enum (§6.1).
type RunStatus string

const (
	RunStatusQueued  RunStatus = "queued"
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusFailed  RunStatus = "failed"
)

// RawItemStatus mirrors the `workflow_raw_items.status` enum (§6.1).
type RawItemStatus string

const (
	RawItemStatusQueued    RawItemStatus = "queued"
	RawItemStatusProcessed RawItemStatus = "processed"
	RawItemStatusFailed    RawItemStatus = "failed"
)

// LogLevel mirrors a RunLog's level.
type LogLevel string

const (
	LogLevelRunInfo  LogLevel = "info"
	LogLevelRunWarn  LogLevel = "warn"
	LogLevelRunError LogLevel = "error"
)

// WorkflowRun is a single run's row as read back for history/status
// queries.
type WorkflowRun struct {
	UUID           string
	WorkflowUUID   string
	Status         RunStatus
	ProcessedItems int
	FailedItems    int
	Message        string
	StartedAt      *time.Time
	FinishedAt     *time.Time
	CreatedAt      time.Time
}

// RawItem is a single staged item within a run.
type RawItem struct {
	ID      string
	RunUUID string
	SeqNo   int
	Payload map[string]interface{}
	Status  RawItemStatus
	Error   string
}

// RoleRecord is a `roles` row as read back by the permission core
// (§3.5/§4.4). Permissions is the raw JSON-encoded permission-tuple
// list; the permission package owns decoding it, keeping this package
// free of a dependency on permission's types.
type RoleRecord struct {
	UUID        string
	Name        string
	Permissions []byte
	SuperAdmin  bool
}

// RoleRepository manages roles and their principal assignments backing
// the permission core (§4.4).
type RoleRepository interface {
	GetRole(ctx context.Context, roleUUID string) (*RoleRecord, error)
	SaveRole(ctx context.Context, r *RoleRecord) error
	DeleteRole(ctx context.Context, roleUUID string) error
	ListRoles(ctx context.Context) ([]*RoleRecord, error)

	RolesForUser(ctx context.Context, userUUID string) ([]*RoleRecord, error)
	RolesForAPIKey(ctx context.Context, apiKeyUUID string) ([]*RoleRecord, error)
	UserUUIDsForRole(ctx context.Context, roleUUID string) ([]string, error)
	APIKeyUUIDsForRole(ctx context.Context, roleUUID string) ([]string, error)

	IsUserSuperAdmin(ctx context.Context, userUUID string) (bool, error)
	IsAPIKeySuperAdmin(ctx context.Context, apiKeyUUID string) (bool, error)

	// AuthenticateAPIKey resolves a raw key presented over HTTP to its
	// owning key's UUID. Returns errs.Unauthorized if the key is unknown,
	// disabled, or expired.
	AuthenticateAPIKey(ctx context.Context, rawKey string) (uuid string, err error)
}

// WorkflowRecord is a `workflows` row (§6.1): a Consumer or Provider
// definition carrying its DSL Program as raw JSON config.
type WorkflowRecord struct {
	UUID               string
	Name               string
	Description        string
	Kind               string // consumer | provider
	Enabled            bool
	ScheduleCron       string
	Config             []byte
	VersioningDisabled bool
	Version            int
}

// WorkflowRepository manages workflow definitions backing the scheduler
// reconciliation loop and the HTTP-triggered bypass path (§4.7).
type WorkflowRepository interface {
	GetWorkflow(ctx context.Context, workflowUUID string) (*WorkflowRecord, error)
	GetWorkflowByName(ctx context.Context, name string) (*WorkflowRecord, error)
	ListEnabled(ctx context.Context) ([]*WorkflowRecord, error)
	SaveWorkflow(ctx context.Context, w *WorkflowRecord) error
	DeleteWorkflow(ctx context.Context, workflowUUID string) error
}

// CacheRepository manages ephemeral data in Redis: distributed locks, the
// second cache tier, pub/sub messaging, and counters. Kept close to the
// teacher's shape (`db/repository/redis.go`) since it needed no reshaping
// for this spec.
type CacheRepository interface {
	// Distributed locking
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key string) error
	IsLocked(ctx context.Context, key string) (bool, error)

	// Caching
	SetCache(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	GetCache(ctx context.Context, key string, value interface{}) error
	DeleteCache(ctx context.Context, key string) error
	DeleteCacheByPrefix(ctx context.Context, prefix string) (int, error)

	// Pub/sub. No caller in this module publishes or subscribes; cache
	// invalidation is not broadcast across processes.
	Publish(ctx context.Context, channel string, message interface{}) error
	Subscribe(ctx context.Context, channel string) (<-chan interface{}, error)

	// Counters
	Increment(ctx context.Context, key string) (int64, error)
	Decrement(ctx context.Context, key string) (int64, error)
}
