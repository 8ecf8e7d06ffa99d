package logging

import (
	"context"

	"go.uber.org/zap"
)

// Context key types
type requestCtxKey struct{}
type strategyCtxKey struct{}
type deploymentCtxKey struct{}

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 4)

	if requestID := RequestIDFromContext(ctx); requestID != "" {
		fields = append(fields, zap.String("request.id", requestID))
	}
	if ref := StrategyFromContext(ctx); ref != "" {
		fields = append(fields, zap.String("strategy", ref))
	}
	if deploymentID := DeploymentFromContext(ctx); deploymentID != "" {
		fields = append(fields, zap.String("deployment.id", deploymentID))
	}

	return fields
}

// WithRequestID adds a request id to the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestCtxKey{}, id)
}

// RequestIDFromContext extracts the request id, or "".
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestCtxKey{}).(string); ok {
		return id
	}
	return ""
}

// WithStrategy adds a strategy ref (id@version) to the context.
func WithStrategy(ctx context.Context, ref string) context.Context {
	return context.WithValue(ctx, strategyCtxKey{}, ref)
}

// StrategyFromContext extracts the strategy ref, or "".
func StrategyFromContext(ctx context.Context) string {
	if ref, ok := ctx.Value(strategyCtxKey{}).(string); ok {
		return ref
	}
	return ""
}

// WithDeployment adds a deployment id to the context.
func WithDeployment(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, deploymentCtxKey{}, id)
}

// DeploymentFromContext extracts the deployment id, or "".
func DeploymentFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(deploymentCtxKey{}).(string); ok {
		return id
	}
	return ""
}
