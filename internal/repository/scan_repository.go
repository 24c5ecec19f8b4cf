package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/cybershield/internal/logging"
)

// HistoryLimit is the maximum number of scan logs retained per user.
const HistoryLimit = 50

// ScanLog represents a persisted scan verdict.
type ScanLog struct {
	ID          uint      `gorm:"primaryKey"`
	RequestID   string    `gorm:"column:request_id;uniqueIndex;size:64"`
	UserID      string    `gorm:"column:user_id;index;size:64"`
	InputKind   string    `gorm:"column:input_kind;size:16"`
	ThreatLevel string    `gorm:"column:threat_level;size:16"`
	SafetyScore int       `gorm:"column:safety_score"`
	Trustworthy bool      `gorm:"column:trustworthy"`
	Reasoning   string    `gorm:"column:reasoning;type:text"`
	Enhanced    bool      `gorm:"column:enhanced"`
	SHA1Hash    string    `gorm:"column:sha1_hash;index;size:40"`
	CreatedAt   time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (ScanLog) TableName() string {
	return "scan_logs"
}

// MetricsAggregation holds raw aggregates computed over scan logs.
type MetricsAggregation struct {
	TotalCount         int64
	TrustworthyCount   int64
	AverageSafetyScore float64
}

// ScanRepository provides persistence APIs for scan logs.
type ScanRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewScanRepository creates a new repository instance.
func NewScanRepository(db *gorm.DB, logger *zap.Logger) *ScanRepository {
	return &ScanRepository{
		db:             db,
		logger:         logger.Named("scan_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *ScanRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&ScanLog{})
}

// SaveLog persists a scan log entry and prunes the owner's history down to
// HistoryLimit entries.
func (r *ScanRepository) SaveLog(ctx context.Context, log *ScanLog) error {
	err := r.executeWithRetry(ctx, "repository.save_log", log.RequestID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
	if err != nil {
		return err
	}
	return r.pruneHistory(ctx, log.UserID)
}

// pruneHistory deletes everything older than the owner's HistoryLimit most
// recent entries.
func (r *ScanRepository) pruneHistory(ctx context.Context, userID string) error {
	return r.executeWithRetry(ctx, "repository.prune_history", "", func() error {
		sub := r.db.WithContext(ctx).
			Model(&ScanLog{}).
			Select("id").
			Where("user_id = ?", userID).
			Order("created_at DESC").
			Limit(HistoryLimit)
		return r.db.WithContext(ctx).
			Where("user_id = ? AND id NOT IN (?)", userID, sub).
			Delete(&ScanLog{}).Error
	})
}

// FindByRequestIDAndUser retrieves a scan log matching the request and owner.
func (r *ScanRepository) FindByRequestIDAndUser(ctx context.Context, requestID, userID string) (*ScanLog, error) {
	var log ScanLog
	err := r.executeWithRetry(ctx, "repository.find_by_request_id", requestID, func() error {
		return r.db.WithContext(ctx).First(&log, "request_id = ? AND user_id = ?", requestID, userID).Error
	})
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// FindRecentByUser returns the owner's most recent scan logs, newest first.
func (r *ScanRepository) FindRecentByUser(ctx context.Context, userID string, limit int) ([]*ScanLog, error) {
	if limit <= 0 || limit > HistoryLimit {
		limit = HistoryLimit
	}
	var logs []*ScanLog
	err := r.executeWithRetry(ctx, "repository.find_recent", "", func() error {
		return r.db.WithContext(ctx).
			Where("user_id = ?", userID).
			Order("created_at DESC").
			Limit(limit).
			Find(&logs).Error
	})
	if err != nil {
		return nil, err
	}
	return logs, nil
}

// AggregateMetrics computes totals over all persisted scan logs.
func (r *ScanRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var agg MetricsAggregation
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		row := r.db.WithContext(ctx).
			Model(&ScanLog{}).
			Select("COUNT(*), COUNT(*) FILTER (WHERE trustworthy), COALESCE(AVG(safety_score), 0)").
			Row()
		return row.Scan(&agg.TotalCount, &agg.TrustworthyCount, &agg.AverageSafetyScore)
	})
	if err != nil {
		return nil, err
	}
	return &agg, nil
}

// executeWithRetry runs fn with exponential backoff on transient errors.
// Non-transient errors fail immediately; all failures come back wrapped in
// an OperationError.
func (r *ScanRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, requestID)

	var err error
	for attempt := 0; attempt < r.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !isTransient(err) || attempt == r.retryAttempts-1 {
			opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var timeoutErr interface{ Timeout() bool }
	if errors.As(err, &timeoutErr) && timeoutErr.Timeout() {
		return true
	}
	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}
	return false
}
