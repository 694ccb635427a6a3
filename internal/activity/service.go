package activity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/sketchpad/internal/rooms"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingRoomID   = errors.New("room identifier is required")
	errMissingKind     = errors.New("activity kind is required")
	noOpLogger         = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew = "activity.service.new"
	opRecord     = "activity.record"
	opList       = "activity.list"

	fieldRoomID = "room_id"
	fieldUserID = "user_id"

	defaultListLimit = 100
	maxListLimit     = 1000
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

type IDProvider interface {
	NewID() (string, error)
}

// Service journals room events.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: idProvider,
		logger:     logger,
	}, nil
}

// Record stores a single journal entry.
func (s *Service) Record(ctx context.Context, entry Entry) error {
	if s.db == nil {
		s.logError(opRecord, "missing_database", errMissingDatabase)
		return newServiceError(opRecord, "missing_database", errMissingDatabase)
	}
	if entry.RoomID == "" {
		s.logError(opRecord, "missing_room_id", errMissingRoomID)
		return newServiceError(opRecord, "missing_room_id", errMissingRoomID)
	}
	if entry.Kind == "" {
		s.logError(opRecord, "missing_kind", errMissingKind, zap.String(fieldRoomID, entry.RoomID.String()))
		return newServiceError(opRecord, "missing_kind", errMissingKind)
	}

	recordID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opRecord, "id_generation_failed", err, zap.String(fieldRoomID, entry.RoomID.String()))
		return newServiceError(opRecord, "id_generation_failed", err)
	}

	record := Record{
		RecordID:         recordID,
		RoomID:           entry.RoomID.String(),
		UserID:           entry.UserID.String(),
		Username:         entry.Username,
		Kind:             entry.Kind,
		RecordedAtMillis: s.clock().UTC().UnixMilli(),
	}
	if entry.OperationID > 0 {
		operationID := entry.OperationID.Int64()
		record.OperationID = &operationID
	}

	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logError(opRecord, "insert_failed", err,
			zap.String(fieldRoomID, record.RoomID),
			zap.String(fieldUserID, record.UserID))
		return newServiceError(opRecord, "insert_failed", err)
	}
	return nil
}

// List returns the newest records of a room first. A non-positive limit
// selects the default page size.
func (s *Service) List(ctx context.Context, roomID rooms.RoomID, limit int) ([]Record, error) {
	if s.db == nil {
		s.logError(opList, "missing_database", errMissingDatabase)
		return nil, newServiceError(opList, "missing_database", errMissingDatabase)
	}
	if roomID == "" {
		s.logError(opList, "missing_room_id", errMissingRoomID)
		return nil, newServiceError(opList, "missing_room_id", errMissingRoomID)
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	var records []Record
	if err := s.db.WithContext(ctx).
		Where(fieldRoomID+" = ?", roomID.String()).
		Order("recorded_at_ms DESC").
		Order("record_id DESC").
		Limit(limit).
		Find(&records).Error; err != nil {
		s.logError(opList, "query_failed", err, zap.String(fieldRoomID, roomID.String()))
		return nil, newServiceError(opList, "query_failed", err)
	}
	return records, nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("activity service error", attrs...)
}
