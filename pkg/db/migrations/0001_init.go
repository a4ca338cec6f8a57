package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

type PCMaster struct {
	Serial     string    `gorm:"type:text;primaryKey"`
	PCName     string    `gorm:"column:pcname;type:text;not null;uniqueIndex"`
	ODJPath    *string   `gorm:"type:text"`
	MACAddress *string   `gorm:"type:text;index"`
	CreatedAt  time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt  time.Time `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

func (PCMaster) TableName() string { return "pc_master" }

type Deployment struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey"`
	Name        string         `gorm:"type:text;not null"`
	ImageName   string         `gorm:"type:text;not null"`
	Mode        string         `gorm:"type:text;not null"`
	Status      string         `gorm:"type:text;not null;index"`
	Progress    int            `gorm:"type:integer;not null;default:0"`
	CreatedBy   string         `gorm:"type:text"`
	Notes       string         `gorm:"type:text"`
	ToolResult  datatypes.JSON `gorm:"type:jsonb"`
	StartedAt   *time.Time     `gorm:"type:timestamptz"`
	CompletedAt *time.Time     `gorm:"type:timestamptz"`
	CreatedAt   time.Time      `gorm:"type:timestamptz;not null;default:now();index"`
	UpdatedAt   time.Time      `gorm:"type:timestamptz;not null;default:now()"`
}

type DeploymentMachine struct {
	DeploymentID uuid.UUID  `gorm:"type:uuid;primaryKey"`
	Position     int        `gorm:"type:integer;primaryKey"`
	MachineID    string     `gorm:"type:text;not null"`
	Status       string     `gorm:"type:text;not null"`
	Progress     int        `gorm:"type:integer;not null;default:0"`
	Error        string     `gorm:"type:text"`
	UpdatedAt    time.Time  `gorm:"type:timestamptz;not null;default:now()"`
	Deployment   Deployment `gorm:"foreignKey:DeploymentID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

type Audit struct {
	ID      int64             `gorm:"type:bigserial;primaryKey"`
	EventID uuid.UUID         `gorm:"type:uuid;uniqueIndex"`
	Actor   string            `gorm:"type:text;not null"`
	Action  string            `gorm:"type:text;not null"`
	Obj     string            `gorm:"type:text;index"`
	Details datatypes.JSONMap `gorm:"type:jsonb"`
	At      time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

func (Audit) TableName() string { return "audit" }

func openTx(tx *sql.Tx) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
}

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openTx(tx)
	if err != nil {
		return err
	}

	if err := gormDB.WithContext(ctx).AutoMigrate(
		&PCMaster{},
		&Deployment{},
		&DeploymentMachine{},
		&Audit{},
	); err != nil {
		return err
	}

	m := gormDB.WithContext(ctx).Migrator()
	if !m.HasConstraint(&DeploymentMachine{}, "Deployment") {
		if err := m.CreateConstraint(&DeploymentMachine{}, "Deployment"); err != nil {
			return err
		}
	}

	return nil
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openTx(tx)
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Migrator().DropTable(
		&Audit{},
		&DeploymentMachine{},
		&Deployment{},
		&PCMaster{},
	)
}
