package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/cybershield/internal/classifier"
	"github.com/example/cybershield/internal/enhancer"
	"github.com/example/cybershield/internal/logging"
	"github.com/example/cybershield/internal/repository"
)

type stubRepository struct {
	savedLogs  []*repository.ScanLog
	saveErr    error
	findLog    *repository.ScanLog
	findErr    error
	findCalls  int
	recentLogs []*repository.ScanLog
	agg        *repository.MetricsAggregation
}

func (s *stubRepository) SaveLog(ctx context.Context, log *repository.ScanLog) error {
	s.savedLogs = append(s.savedLogs, log)
	return s.saveErr
}

func (s *stubRepository) FindByRequestIDAndUser(ctx context.Context, requestID, userID string) (*repository.ScanLog, error) {
	s.findCalls++
	if s.findErr != nil {
		return nil, s.findErr
	}
	if s.findLog != nil {
		return s.findLog, nil
	}
	return nil, errors.New("not found")
}

func (s *stubRepository) FindRecentByUser(ctx context.Context, userID string, limit int) ([]*repository.ScanLog, error) {
	return s.recentLogs, nil
}

func (s *stubRepository) AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error) {
	if s.agg == nil {
		return &repository.MetricsAggregation{}, nil
	}
	return s.agg, nil
}

type stubCache struct {
	setErrs   []error
	getErrs   []error
	getValues []string
	setKeys   []string
	getKeys   []string
}

func (s *stubCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	s.setKeys = append(s.setKeys, key)
	if len(s.setErrs) == 0 {
		return nil
	}
	err := s.setErrs[0]
	s.setErrs = s.setErrs[1:]
	return err
}

func (s *stubCache) Get(ctx context.Context, key string) (string, error) {
	s.getKeys = append(s.getKeys, key)
	var value string
	if len(s.getValues) > 0 {
		value = s.getValues[0]
		s.getValues = s.getValues[1:]
	}
	var err error
	if len(s.getErrs) > 0 {
		err = s.getErrs[0]
		s.getErrs = s.getErrs[1:]
	}
	return value, err
}

type stubClassifier struct {
	verdict  *classifier.Verdict
	err      error
	lastReq  *classifier.Request
	numCalls int
}

func (s *stubClassifier) Classify(ctx context.Context, req *classifier.Request) (*classifier.Verdict, error) {
	s.numCalls++
	s.lastReq = req
	if s.err != nil {
		return nil, s.err
	}
	return s.verdict, nil
}

type transientRedisError struct{}

func (transientRedisError) Error() string   { return "redis transient" }
func (transientRedisError) Timeout() bool   { return true }
func (transientRedisError) Temporary() bool { return true }

func safeVerdict() *classifier.Verdict {
	return &classifier.Verdict{
		ThreatLevel: classifier.ThreatSafe,
		SafetyScore: 92,
		Reasoning:   "no risk factors found",
		Trustworthy: true,
	}
}

func TestScanSendsEnhancedImage(t *testing.T) {
	cache := &stubCache{}
	repo := &stubRepository{}
	cls := &stubClassifier{verdict: safeVerdict()}
	enhance := func(data []byte) (*enhancer.Enhanced, error) {
		return &enhancer.Enhanced{Data: []byte("enhanced"), MIME: "image/jpeg", Width: 10, Height: 10}, nil
	}
	uc := NewScanUseCase(repo, cache, cls, enhance, zap.NewNop())

	_, verdict, err := uc.Scan(context.Background(), "user-1", "check this", &Upload{Data: []byte("raw-png"), MIME: "image/png"})
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if verdict.ThreatLevel != classifier.ThreatSafe {
		t.Fatalf("unexpected verdict: %+v", verdict)
	}

	if cls.lastReq.Attachment == nil {
		t.Fatal("expected an attachment to reach the classifier")
	}
	if string(cls.lastReq.Attachment.Data) != "enhanced" {
		t.Fatalf("expected enhanced bytes, got %q", cls.lastReq.Attachment.Data)
	}
	if cls.lastReq.Attachment.MIME != "image/jpeg" {
		t.Fatalf("expected image/jpeg attachment, got %s", cls.lastReq.Attachment.MIME)
	}

	if len(repo.savedLogs) != 1 {
		t.Fatalf("expected 1 saved log, got %d", len(repo.savedLogs))
	}
	log := repo.savedLogs[0]
	if !log.Enhanced {
		t.Fatal("expected log to record enhancement")
	}
	if log.InputKind != "image" {
		t.Fatalf("unexpected input kind: %s", log.InputKind)
	}
}

func TestScanFallsBackToOriginalOnEnhancerFailure(t *testing.T) {
	cache := &stubCache{}
	repo := &stubRepository{}
	cls := &stubClassifier{verdict: safeVerdict()}
	enhance := func(data []byte) (*enhancer.Enhanced, error) {
		return nil, enhancer.ErrDecode
	}
	uc := NewScanUseCase(repo, cache, cls, enhance, zap.NewNop())

	_, _, err := uc.Scan(context.Background(), "user-1", "check this", &Upload{Data: []byte("raw-bytes"), MIME: "image/png"})
	if err != nil {
		t.Fatalf("expected graceful fallback, got error: %v", err)
	}

	if string(cls.lastReq.Attachment.Data) != "raw-bytes" {
		t.Fatalf("expected original bytes, got %q", cls.lastReq.Attachment.Data)
	}
	if cls.lastReq.Attachment.MIME != "image/png" {
		t.Fatalf("expected original MIME, got %s", cls.lastReq.Attachment.MIME)
	}
	if repo.savedLogs[0].Enhanced {
		t.Fatal("log must not claim enhancement after fallback")
	}
}

func TestScanSkipsEnhancerForNonImages(t *testing.T) {
	cache := &stubCache{}
	repo := &stubRepository{}
	cls := &stubClassifier{verdict: safeVerdict()}
	enhanceCalls := 0
	enhance := func(data []byte) (*enhancer.Enhanced, error) {
		enhanceCalls++
		return nil, enhancer.ErrDecode
	}
	uc := NewScanUseCase(repo, cache, cls, enhance, zap.NewNop())

	_, _, err := uc.Scan(context.Background(), "user-1", "", &Upload{Data: []byte("mp4"), MIME: "video/mp4"})
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if enhanceCalls != 0 {
		t.Fatalf("enhancer must not run for video uploads, ran %d times", enhanceCalls)
	}
	if repo.savedLogs[0].InputKind != "video" {
		t.Fatalf("unexpected input kind: %s", repo.savedLogs[0].InputKind)
	}
}

func TestScanRetriesRedisSet(t *testing.T) {
	cache := &stubCache{setErrs: []error{transientRedisError{}}}
	repo := &stubRepository{}
	cls := &stubClassifier{verdict: safeVerdict()}
	uc := NewScanUseCase(repo, cache, cls, nil, zap.NewNop())

	_, verdict, err := uc.Scan(context.Background(), "user-1", "just text", nil)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if !verdict.Trustworthy {
		t.Fatal("expected trustworthy verdict")
	}
	if len(cache.setKeys) < 3 {
		t.Fatalf("expected at least 3 cache set calls (retry + result), got %d", len(cache.setKeys))
	}
	if cache.setKeys[0] != cache.setKeys[1] {
		t.Fatalf("expected retry to target same key, got %s and %s", cache.setKeys[0], cache.setKeys[1])
	}
	if repo.savedLogs[0].InputKind != "text" {
		t.Fatalf("unexpected input kind: %s", repo.savedLogs[0].InputKind)
	}
}

func TestScanReturnsOperationErrorOnClassifierFailure(t *testing.T) {
	cache := &stubCache{}
	repo := &stubRepository{}
	cls := &stubClassifier{err: errors.New("unexpected status 503: down")}
	uc := NewScanUseCase(repo, cache, cls, nil, zap.NewNop())

	_, _, err := uc.Scan(context.Background(), "user-1", "text", nil)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OperationError, got %T", err)
	}
	if opErr.Operation != "usecase.classify" {
		t.Fatalf("unexpected operation: %s", opErr.Operation)
	}
	if len(repo.savedLogs) != 0 {
		t.Fatalf("no log should persist on classifier failure, got %d", len(repo.savedLogs))
	}
}

func TestGetResultFallsBackToRepositoryWhenCacheMiss(t *testing.T) {
	cache := &stubCache{getErrs: []error{redis.Nil}}
	expected := &repository.ScanLog{RequestID: "req", UserID: "user", Reasoning: "from-db"}
	repo := &stubRepository{findLog: expected}
	uc := NewScanUseCase(repo, cache, &stubClassifier{verdict: safeVerdict()}, nil, zap.NewNop())

	log, err := uc.GetResult(context.Background(), "user", "req")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if log != expected {
		t.Fatalf("expected %+v, got %+v", expected, log)
	}
	if repo.findCalls != 1 {
		t.Fatalf("expected repository to be queried once, got %d", repo.findCalls)
	}
}

func TestGetResultIgnoresCacheOwnedByAnotherUser(t *testing.T) {
	cache := &stubCache{getValues: []string{`{"request_id":"req","user_id":"someone-else","safety_score":10}`}}
	expected := &repository.ScanLog{RequestID: "req", UserID: "user"}
	repo := &stubRepository{findLog: expected}
	uc := NewScanUseCase(repo, cache, &stubClassifier{verdict: safeVerdict()}, nil, zap.NewNop())

	log, err := uc.GetResult(context.Background(), "user", "req")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if log != expected {
		t.Fatal("cached entry for another user must not be returned")
	}
}

func TestGetMetricsSummaryComputesTrustRate(t *testing.T) {
	repo := &stubRepository{agg: &repository.MetricsAggregation{
		TotalCount:         8,
		TrustworthyCount:   6,
		AverageSafetyScore: 74.5,
	}}
	uc := NewScanUseCase(repo, &stubCache{}, &stubClassifier{verdict: safeVerdict()}, nil, zap.NewNop())

	summary, err := uc.GetMetricsSummary(context.Background())
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if summary.TotalScans != 8 || summary.TrustworthyScans != 6 {
		t.Fatalf("unexpected counts: %+v", summary)
	}
	if summary.TrustRate != 0.75 {
		t.Fatalf("unexpected trust rate: %f", summary.TrustRate)
	}
	if summary.AverageSafetyScore != 74.5 {
		t.Fatalf("unexpected average: %f", summary.AverageSafetyScore)
	}
}
