// Package service runs server-side evaluation on top of a root
// [variantz.Context]. It installs configuration payloads (fail closed),
// evaluates each request on a fork of the root context, and keeps the
// installed payload in sync with the optional PostgreSQL store.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/matt-riley/variantz"
	"github.com/matt-riley/variantz/internal/repository"
	"github.com/matt-riley/variantz/internal/tracing"
)

const (
	defaultResyncInterval = time.Minute
	defaultKeepVersions   = 50
	storeReloadTimeout    = 5 * time.Second
	bestEffortTimeout     = 2 * time.Second
)

var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrNoPayload      = errors.New("no payload stored")
)

// Store persists payload versions.
type Store interface {
	SavePayload(ctx context.Context, body []byte, createdBy string) (repository.PayloadRecord, error)
	LatestPayload(ctx context.Context) (repository.PayloadRecord, error)
	PrunePayloads(ctx context.Context, keep int) (int64, error)
}

type invalidationSubscriber interface {
	SubscribeInvalidation(ctx context.Context) (<-chan struct{}, error)
}

// EvaluateRequest asks for one feature under the given attributes.
type EvaluateRequest struct {
	Key        string              `json:"key"`
	Attributes variantz.Attributes `json:"attributes"`
}

// EvaluateResult is a feature result tagged with its key.
type EvaluateResult struct {
	Key string `json:"key"`
	variantz.FeatureResult
}

// ExperimentRequest runs an inline experiment.
type ExperimentRequest struct {
	Key        string
	Variations []variantz.Value
	Attributes variantz.Attributes
	Options    variantz.ExperimentOptions
}

// PayloadInfo describes the installed payload.
type PayloadInfo struct {
	Version     int64     `json:"version,omitempty"`
	Checksum    string    `json:"checksum,omitempty"`
	Source      string    `json:"source,omitempty"`
	Features    int       `json:"features"`
	InstalledAt time.Time `json:"installedAt,omitzero"`
}

// Payload sources reported in [PayloadInfo].
const (
	SourceUpload = "upload"
	SourceStore  = "store"
	SourceFile   = "file"
)

// Option configures a [Service].
type Option func(*Service)

// WithStore persists uploads and syncs with other replicas through store.
func WithStore(store Store) Option {
	return func(s *Service) { s.store = store }
}

// WithLogger sets the service logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithPayloadMetrics registers hooks for payload loads, the installed feature
// count and store invalidations. Any hook may be nil.
func WithPayloadMetrics(onLoad func(error), setFeatureCount func(int), onInvalidation func()) Option {
	return func(s *Service) {
		s.onLoad = onLoad
		s.setFeatureCount = setFeatureCount
		s.onInvalidation = onInvalidation
	}
}

// WithResyncInterval sets how often the store is re-read when no
// notifications arrive.
func WithResyncInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.resyncInterval = d
		}
	}
}

// WithKeepVersions bounds the number of payload versions retained in the
// store after each upload.
func WithKeepVersions(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.keepVersions = n
		}
	}
}

type Service struct {
	root   *variantz.Context
	store  Store
	logger *slog.Logger

	onLoad          func(error)
	setFeatureCount func(int)
	onInvalidation  func()

	resyncInterval time.Duration
	keepVersions   int

	// mu serializes installs so the recorded info matches the installed map.
	mu   sync.Mutex
	info PayloadInfo
}

// New wraps root. When a store is configured the latest stored payload is
// installed before New returns, and a background listener keeps it fresh
// until ctx is done.
func New(ctx context.Context, root *variantz.Context, opts ...Option) (*Service, error) {
	if root == nil {
		return nil, errors.New("root context is nil")
	}

	svc := &Service{
		root:           root,
		logger:         slog.Default(),
		resyncInterval: defaultResyncInterval,
		keepVersions:   defaultKeepVersions,
	}
	for _, opt := range opts {
		opt(svc)
	}
	svc.info.Features = len(root.Features())

	if svc.store == nil {
		return svc, nil
	}

	if err := svc.ReloadFromStore(ctx); err != nil && !errors.Is(err, ErrNoPayload) {
		return nil, err
	}
	if subscriber, ok := svc.store.(invalidationSubscriber); ok {
		if err := svc.startInvalidationListener(ctx, subscriber); err != nil {
			return nil, err
		}
	}

	return svc, nil
}

// InstallPayload validates raw, persists it when a store is configured, and
// installs it. Invalid payloads are rejected before anything changes; the
// returned error then matches [variantz.ErrDecode].
func (s *Service) InstallPayload(ctx context.Context, raw []byte, principal string) (PayloadInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	features, err := s.root.DecodePayload(raw)
	s.recordLoad(err)
	if err != nil {
		s.logger.WarnContext(ctx, "rejected configuration payload", "error", err, "principal", principal)
		return PayloadInfo{}, fmt.Errorf("install payload: %w", err)
	}

	info := PayloadInfo{Checksum: repository.Checksum(raw), Source: SourceUpload}
	if s.store != nil {
		record, err := s.store.SavePayload(ctx, raw, principal)
		if err != nil {
			return PayloadInfo{}, fmt.Errorf("save payload: %w", err)
		}
		info.Version = record.Version
		info.Checksum = record.Checksum
		s.pruneBestEffort(ctx)
	}

	s.installLocked(features, info)
	s.logger.InfoContext(ctx, "configuration payload installed",
		"version", info.Version,
		"features", info.Features,
		"principal", principal,
	)
	return s.info, nil
}

// InstallLocal installs raw without persisting it, as read from a local
// payload file.
func (s *Service) InstallLocal(raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	checksum := repository.Checksum(raw)
	if checksum == s.info.Checksum {
		return nil
	}

	features, err := s.root.DecodePayload(raw)
	s.recordLoad(err)
	if err != nil {
		s.logger.Error("failed to load payload file", "error", err)
		return fmt.Errorf("install local payload: %w", err)
	}

	s.installLocked(features, PayloadInfo{Checksum: checksum, Source: SourceFile})
	return nil
}

// ReloadFromStore installs the latest stored payload unless it is already
// installed. It returns [ErrNoPayload] when the store is empty.
func (s *Service) ReloadFromStore(ctx context.Context) error {
	if s.store == nil {
		return nil
	}

	record, err := s.store.LatestPayload(ctx)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNoPayload
	}
	if err != nil {
		return fmt.Errorf("load payload: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// An upload may have installed a newer version while the read was in flight.
	if record.Checksum == s.info.Checksum || record.Version < s.info.Version {
		return nil
	}

	features, err := s.root.DecodePayload(record.Body)
	s.recordLoad(err)
	if err != nil {
		s.logger.ErrorContext(ctx, "stored payload failed to decode", "version", record.Version, "error", err)
		return fmt.Errorf("install stored payload %d: %w", record.Version, err)
	}

	s.installLocked(features, PayloadInfo{
		Version:  record.Version,
		Checksum: record.Checksum,
		Source:   SourceStore,
	})
	return nil
}

// Evaluate resolves one feature for attrs on a fork of the root context.
func (s *Service) Evaluate(ctx context.Context, req EvaluateRequest) (EvaluateResult, error) {
	if req.Key == "" {
		return EvaluateResult{}, fmt.Errorf("%w: key is required", ErrInvalidRequest)
	}

	_, span := tracing.StartEvaluation(ctx, string(variantz.KindFeature), req.Key)
	defer span.End()

	fork := s.root.Fork()
	fork.SetAttributes(req.Attributes)
	result := fork.EvaluateFeature(req.Key)
	tracing.AnnotateFeature(span, string(result.Source))

	return EvaluateResult{Key: req.Key, FeatureResult: result}, nil
}

// EvaluateBatch resolves every request, stopping at the first invalid one.
func (s *Service) EvaluateBatch(ctx context.Context, reqs []EvaluateRequest) ([]EvaluateResult, error) {
	results := make([]EvaluateResult, 0, len(reqs))
	for i, req := range reqs {
		result, err := s.Evaluate(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("request %d: %w", i, err)
		}
		results = append(results, result)
	}
	return results, nil
}

// RunExperiment assigns attrs to one of the request's variations.
func (s *Service) RunExperiment(ctx context.Context, req ExperimentRequest) (variantz.ExperimentResult, error) {
	if req.Key == "" {
		return variantz.ExperimentResult{}, fmt.Errorf("%w: key is required", ErrInvalidRequest)
	}
	if len(req.Variations) == 0 {
		return variantz.ExperimentResult{}, fmt.Errorf("%w: at least one variation is required", ErrInvalidRequest)
	}

	_, span := tracing.StartEvaluation(ctx, string(variantz.KindExperiment), req.Key)
	defer span.End()

	fork := s.root.Fork()
	fork.SetAttributes(req.Attributes)
	result := fork.RunExperiment(req.Key, req.Variations, req.Options)
	tracing.AnnotateExperiment(span, result.VariationID, result.InExperiment)

	return result, nil
}

// Features returns a copy of the installed feature map.
func (s *Service) Features() variantz.FeatureMap {
	return s.root.Features()
}

// RecentEvaluations returns the retained evaluation history, oldest first.
func (s *Service) RecentEvaluations() []variantz.Evaluation {
	return s.root.RecentEvaluations()
}

// Payload describes the installed payload.
func (s *Service) Payload() PayloadInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

func (s *Service) installLocked(features variantz.FeatureMap, info PayloadInfo) {
	s.root.SetFeatures(features)
	info.Features = len(features)
	info.InstalledAt = time.Now().UTC()
	s.info = info
	if s.setFeatureCount != nil {
		s.setFeatureCount(info.Features)
	}
}

func (s *Service) recordLoad(err error) {
	if s.onLoad != nil {
		s.onLoad(err)
	}
}

func (s *Service) pruneBestEffort(ctx context.Context) {
	// The upload has already committed; pruning failures only delay cleanup.
	pruneCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bestEffortTimeout)
	defer cancel()
	if _, err := s.store.PrunePayloads(pruneCtx, s.keepVersions); err != nil {
		s.logger.WarnContext(ctx, "failed to prune payload versions", "error", err)
	}
}

func (s *Service) startInvalidationListener(ctx context.Context, subscriber invalidationSubscriber) error {
	invalidations, err := subscriber.SubscribeInvalidation(ctx)
	if err != nil {
		return fmt.Errorf("subscribe payload invalidation: %w", err)
	}

	go func() {
		resyncTicker := time.NewTicker(s.resyncInterval)
		defer resyncTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-resyncTicker.C:
				if invalidations == nil {
					next, err := subscriber.SubscribeInvalidation(ctx)
					if err == nil {
						invalidations = next
					}
				}
				s.reload(ctx)
			case _, ok := <-invalidations:
				if !ok {
					next, err := subscriber.SubscribeInvalidation(ctx)
					if err != nil {
						invalidations = nil
						continue
					}
					invalidations = next
					continue
				}
				if s.onInvalidation != nil {
					s.onInvalidation()
				}
				s.reload(ctx)
			}
		}
	}()

	return nil
}

func (s *Service) reload(ctx context.Context) {
	reloadCtx, cancel := context.WithTimeout(ctx, storeReloadTimeout)
	defer cancel()
	if err := s.ReloadFromStore(reloadCtx); err != nil && !errors.Is(err, ErrNoPayload) {
		s.logger.WarnContext(ctx, "payload reload failed", "error", err)
	}
}
