package server

import (
	"context"

	"github.com/matt-riley/variantz"
	"github.com/matt-riley/variantz/internal/service"
)

// Service is the evaluation service the transports expose.
type Service interface {
	Evaluate(ctx context.Context, req service.EvaluateRequest) (service.EvaluateResult, error)
	EvaluateBatch(ctx context.Context, reqs []service.EvaluateRequest) ([]service.EvaluateResult, error)
	RunExperiment(ctx context.Context, req service.ExperimentRequest) (variantz.ExperimentResult, error)
	InstallPayload(ctx context.Context, raw []byte, principal string) (service.PayloadInfo, error)
	Features() variantz.FeatureMap
	RecentEvaluations() []variantz.Evaluation
	Payload() service.PayloadInfo
}

var _ Service = (*service.Service)(nil)
