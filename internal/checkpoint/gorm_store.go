package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

type checkpointModel struct {
	ID          uint           `gorm:"primaryKey"`
	OperationID string         `gorm:"column:operation_id;uniqueIndex;size:64"`
	BarIndex    int            `gorm:"column:bar_index"`
	StateJSON   datatypes.JSON `gorm:"column:state_json;type:TEXT"`
	CreatedAt   time.Time      `gorm:"column:created_at"`
	UpdatedAt   time.Time      `gorm:"column:updated_at"`
}

func (checkpointModel) TableName() string { return "checkpoints" }

type artifactModel struct {
	ID          uint      `gorm:"primaryKey"`
	OperationID string    `gorm:"column:operation_id;uniqueIndex:idx_artifact_op_name;size:64"`
	Name        string    `gorm:"column:name;uniqueIndex:idx_artifact_op_name;size:128"`
	Data        []byte    `gorm:"column:data"`
	CreatedAt   time.Time `gorm:"column:created_at"`
}

func (artifactModel) TableName() string { return "checkpoint_artifacts" }

// GormStore 用 GORM + SQLite 实现 Service。
type GormStore struct {
	db *gorm.DB
}

var _ Service = (*GormStore)(nil)

func NewGormStore(path string) (*GormStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("checkpoint store: 路径不能为空")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&checkpointModel{}, &artifactModel{}); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return &GormStore{db: db}, nil
}

func (s *GormStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveCheckpoint 以 operation_id 为键覆盖写入最新状态。
func (s *GormStore) SaveCheckpoint(ctx context.Context, operationID string, state State) error {
	operationID = strings.TrimSpace(operationID)
	if operationID == "" {
		return fmt.Errorf("operation_id 必填")
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode checkpoint state: %w", err)
	}
	now := time.Now().UTC()
	model := checkpointModel{
		OperationID: operationID,
		BarIndex:    state.BarIndex,
		StateJSON:   datatypes.JSON(raw),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "operation_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"bar_index", "state_json", "updated_at"}),
		}).
		Create(&model).Error
}

// LoadCheckpoint 读取断点；loadArtifacts 为 true 时一并加载附件。
func (s *GormStore) LoadCheckpoint(ctx context.Context, operationID string, loadArtifacts bool) (*Checkpoint, error) {
	var model checkpointModel
	err := s.db.WithContext(ctx).Where("operation_id = ?", strings.TrimSpace(operationID)).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrCheckpointNotFound, operationID)
	}
	if err != nil {
		return nil, err
	}
	cp := &Checkpoint{
		OperationID: model.OperationID,
		CreatedAt:   model.CreatedAt,
		UpdatedAt:   model.UpdatedAt,
	}
	if len(model.StateJSON) > 0 {
		if err := json.Unmarshal(model.StateJSON, &cp.State); err != nil {
			return nil, fmt.Errorf("decode checkpoint %s: %w", operationID, err)
		}
	}
	if !loadArtifacts {
		return cp, nil
	}
	var artifacts []artifactModel
	if err := s.db.WithContext(ctx).Where("operation_id = ?", model.OperationID).Find(&artifacts).Error; err != nil {
		return nil, err
	}
	cp.Artifacts = make(map[string][]byte, len(artifacts))
	for _, a := range artifacts {
		cp.Artifacts[a.Name] = a.Data
	}
	return cp, nil
}

// SaveArtifact 保存与断点关联的附件（如结果 JSON），同名覆盖。
func (s *GormStore) SaveArtifact(ctx context.Context, operationID, name string, data []byte) error {
	if strings.TrimSpace(operationID) == "" || strings.TrimSpace(name) == "" {
		return fmt.Errorf("operation_id 与 name 必填")
	}
	model := artifactModel{OperationID: operationID, Name: name, Data: data, CreatedAt: time.Now().UTC()}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "operation_id"}, {Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"data", "created_at"}),
		}).
		Create(&model).Error
}

// Delete 删除断点及其附件。
func (s *GormStore) Delete(ctx context.Context, operationID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("operation_id = ?", operationID).Delete(&artifactModel{}).Error; err != nil {
			return err
		}
		return tx.Where("operation_id = ?", operationID).Delete(&checkpointModel{}).Error
	})
}
