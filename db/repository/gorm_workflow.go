package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/r3e-forks/data-core/db"
	"github.com/r3e-forks/data-core/errs"
)

// GormWorkflowRepository implements WorkflowRepository against the
// `workflows` administrative table defined in package db.
type GormWorkflowRepository struct {
	store *db.GormStore
}

func NewGormWorkflowRepository(store *db.GormStore) *GormWorkflowRepository {
	return &GormWorkflowRepository{store: store}
}

func (r *GormWorkflowRepository) GetWorkflow(ctx context.Context, workflowUUID string) (*WorkflowRecord, error) {
	var m db.WorkflowModel
	result := r.store.DB().WithContext(ctx).Where("uuid = ?", workflowUUID).First(&m)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return nil, errs.NotFound("workflow:" + workflowUUID)
		}
		return nil, errs.Database(result.Error)
	}
	return workflowRecordFromModel(&m), nil
}

func (r *GormWorkflowRepository) GetWorkflowByName(ctx context.Context, name string) (*WorkflowRecord, error) {
	var m db.WorkflowModel
	result := r.store.DB().WithContext(ctx).Where("name = ?", name).First(&m)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return nil, errs.NotFound("workflow:" + name)
		}
		return nil, errs.Database(result.Error)
	}
	return workflowRecordFromModel(&m), nil
}

func (r *GormWorkflowRepository) ListEnabled(ctx context.Context) ([]*WorkflowRecord, error) {
	var models []db.WorkflowModel
	result := r.store.DB().WithContext(ctx).Where("enabled = ?", true).Find(&models)
	if result.Error != nil {
		return nil, errs.Database(result.Error)
	}
	out := make([]*WorkflowRecord, 0, len(models))
	for i := range models {
		out = append(out, workflowRecordFromModel(&models[i]))
	}
	return out, nil
}

func (r *GormWorkflowRepository) SaveWorkflow(ctx context.Context, w *WorkflowRecord) error {
	m := db.WorkflowModel{
		UUID:               w.UUID,
		Name:               w.Name,
		Description:        w.Description,
		Kind:               w.Kind,
		Enabled:            w.Enabled,
		ScheduleCron:       w.ScheduleCron,
		Config:             w.Config,
		VersioningDisabled: w.VersioningDisabled,
		Version:            w.Version,
	}
	result := r.store.DB().WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "uuid"}},
		UpdateAll: true,
	}).Create(&m)
	if result.Error != nil {
		return errs.Database(result.Error)
	}
	return nil
}

func (r *GormWorkflowRepository) DeleteWorkflow(ctx context.Context, workflowUUID string) error {
	result := r.store.DB().WithContext(ctx).Where("uuid = ?", workflowUUID).Delete(&db.WorkflowModel{})
	if result.Error != nil {
		return errs.Database(result.Error)
	}
	return nil
}

func workflowRecordFromModel(m *db.WorkflowModel) *WorkflowRecord {
	return &WorkflowRecord{
		UUID:               m.UUID,
		Name:               m.Name,
		Description:        m.Description,
		Kind:               m.Kind,
		Enabled:            m.Enabled,
		ScheduleCron:       m.ScheduleCron,
		Config:             m.Config,
		VersioningDisabled: m.VersioningDisabled,
		Version:            m.Version,
	}
}
