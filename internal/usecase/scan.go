// Package usecase orchestrates the scan flow: enhancement, classification,
// persistence, caching, and history.
package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/cybershield/internal/classifier"
	"github.com/example/cybershield/internal/enhancer"
	"github.com/example/cybershield/internal/logging"
	"github.com/example/cybershield/internal/repository"
)

// ScanRepository defines the persistence operations needed by the use case.
type ScanRepository interface {
	SaveLog(ctx context.Context, log *repository.ScanLog) error
	FindByRequestIDAndUser(ctx context.Context, requestID, userID string) (*repository.ScanLog, error)
	FindRecentByUser(ctx context.Context, userID string, limit int) ([]*repository.ScanLog, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// EnhanceFunc runs the image enhancement pipeline. Declared as a function
// type so tests can substitute the real pipeline.
type EnhanceFunc func(data []byte) (*enhancer.Enhanced, error)

// Upload is the attachment a caller submits alongside scan text.
type Upload struct {
	Data []byte
	MIME string
}

// ScanUseCase encapsulates business logic for the scan flow.
type ScanUseCase struct {
	repo           ScanRepository
	cache          Cache
	classifier     classifier.Client
	enhance        EnhanceFunc
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

type cachedScan struct {
	RequestID   string    `json:"request_id"`
	UserID      string    `json:"user_id"`
	InputKind   string    `json:"input_kind"`
	ThreatLevel string    `json:"threat_level"`
	SafetyScore int       `json:"safety_score"`
	Trustworthy bool      `json:"trustworthy"`
	Reasoning   string    `json:"reasoning"`
	Enhanced    bool      `json:"enhanced"`
	Hash        string    `json:"sha1_hash"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewScanUseCase constructs a new use case instance.
func NewScanUseCase(repo ScanRepository, cache Cache, cls classifier.Client, enhance EnhanceFunc, logger *zap.Logger) *ScanUseCase {
	if enhance == nil {
		enhance = enhancer.Enhance
	}
	return &ScanUseCase{
		repo:           repo,
		cache:          cache,
		classifier:     cls,
		enhance:        enhance,
		logger:         logger.Named("scan_usecase"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// Scan runs a full scan: optional image enhancement, classification,
// persistence, and result caching. Enhancement failure is not fatal; the
// original bytes are sent to the classifier instead.
func (uc *ScanUseCase) Scan(ctx context.Context, userID, text string, upload *Upload) (string, *classifier.Verdict, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.scan", requestID)

	cacheKey := fmt.Sprintf("scan:%s", requestID)
	if err := uc.withRedisRetry(ctx, requestID, "cache.set.processing", func() error {
		return uc.cache.Set(ctx, cacheKey, "processing", time.Minute)
	}); err != nil {
		opLogger.Error("failed to set processing flag", zap.Error(err))
		return "", nil, err
	}

	req := &classifier.Request{Text: text}
	enhanced := false
	analyzed := []byte(nil)
	if upload != nil {
		attachment := &classifier.Attachment{Data: upload.Data, MIME: upload.MIME}
		if isImage(upload.MIME) {
			if out, err := uc.enhance(upload.Data); err != nil {
				opLogger.Warn("enhancement failed, sending original image", zap.Error(err))
			} else {
				attachment = &classifier.Attachment{Data: out.Data, MIME: out.MIME}
				enhanced = true
			}
		}
		req.Attachment = attachment
		analyzed = attachment.Data
	}

	verdict, err := uc.classifier.Classify(ctx, req)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.classify", requestID, err)
		opLogger.Error("classification failed", zap.Error(wrapped),
			zap.String("failure_category", string(classifier.ClassifyFailure(err))))
		return "", nil, wrapped
	}

	log := &repository.ScanLog{
		RequestID:   requestID,
		UserID:      userID,
		InputKind:   inputKind(upload),
		ThreatLevel: string(verdict.ThreatLevel),
		SafetyScore: verdict.SafetyScore,
		Trustworthy: verdict.Trustworthy,
		Reasoning:   verdict.Reasoning,
		Enhanced:    enhanced,
		SHA1Hash:    payloadHash(text, analyzed),
		CreatedAt:   time.Now().UTC(),
	}
	if err := uc.repo.SaveLog(ctx, log); err != nil {
		wrapped := logging.NewOperationError("usecase.save_log", requestID, err)
		opLogger.Error("failed to persist scan log", zap.Error(wrapped))
		return "", nil, wrapped
	}

	cached := cachedScan{
		RequestID:   requestID,
		UserID:      userID,
		InputKind:   log.InputKind,
		ThreatLevel: log.ThreatLevel,
		SafetyScore: log.SafetyScore,
		Trustworthy: log.Trustworthy,
		Reasoning:   log.Reasoning,
		Enhanced:    log.Enhanced,
		Hash:        log.SHA1Hash,
		CreatedAt:   log.CreatedAt,
	}
	serialized, err := json.Marshal(cached)
	if err != nil {
		opLogger.Error("failed to serialize scan result", zap.Error(err))
		return "", nil, err
	}
	if err := uc.withRedisRetry(ctx, requestID, "cache.set.result", func() error {
		return uc.cache.Set(ctx, cacheKey, string(serialized), 5*time.Minute)
	}); err != nil {
		opLogger.Error("failed to cache scan result", zap.Error(err))
		return "", nil, err
	}

	return requestID, verdict, nil
}

// GetResult retrieves a cached scan outcome or loads it from persistence.
func (uc *ScanUseCase) GetResult(ctx context.Context, userID, requestID string) (*repository.ScanLog, error) {
	cacheKey := fmt.Sprintf("scan:%s", requestID)
	if cached, err := uc.withRedisGet(ctx, requestID, "cache.get.result", cacheKey); err == nil {
		var payload cachedScan
		if err := json.Unmarshal([]byte(cached), &payload); err != nil {
			logging.WithOperation(uc.logger, "usecase.get_result", requestID).Warn("failed to decode cached result", zap.Error(err))
		} else if payload.UserID == userID {
			return &repository.ScanLog{
				RequestID:   payload.RequestID,
				UserID:      payload.UserID,
				InputKind:   payload.InputKind,
				ThreatLevel: payload.ThreatLevel,
				SafetyScore: payload.SafetyScore,
				Trustworthy: payload.Trustworthy,
				Reasoning:   payload.Reasoning,
				Enhanced:    payload.Enhanced,
				SHA1Hash:    payload.Hash,
				CreatedAt:   payload.CreatedAt,
			}, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		logging.WithOperation(uc.logger, "usecase.get_result", requestID).Warn("failed to read cache", zap.Error(err))
	}

	return uc.repo.FindByRequestIDAndUser(ctx, requestID, userID)
}

// History returns the caller's most recent scans, newest first.
func (uc *ScanUseCase) History(ctx context.Context, userID string, limit int) ([]*repository.ScanLog, error) {
	return uc.repo.FindRecentByUser(ctx, userID, limit)
}

// inputKind derives the persisted input kind from the upload MIME type.
func inputKind(upload *Upload) string {
	if upload == nil {
		return "text"
	}
	switch {
	case isImage(upload.MIME):
		return "image"
	case strings.HasPrefix(upload.MIME, "video/"):
		return "video"
	default:
		return "binary"
	}
}

func isImage(mime string) bool {
	return strings.HasPrefix(mime, "image/")
}

// payloadHash fingerprints the analyzed content for duplicate spotting.
func payloadHash(text string, attachment []byte) string {
	h := sha1.New()
	h.Write([]byte(text))
	h.Write(attachment)
	return hex.EncodeToString(h.Sum(nil))
}

func (uc *ScanUseCase) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	if uc.retryAttempts <= 1 {
		return logging.NewOperationError(operation, requestID, fn())
	}

	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < uc.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !isTransientError(err) || attempt == uc.retryAttempts-1 {
			opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func (uc *ScanUseCase) withRedisGet(ctx context.Context, requestID, operation, cacheKey string) (string, error) {
	var result string
	err := uc.withRedisRetry(ctx, requestID, operation, func() error {
		value, err := uc.cache.Get(ctx, cacheKey)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}
	return false
}
