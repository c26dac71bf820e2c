package handler

import (
	"context"
	"fmt"
)

// Verification is the identity subsystem's answer.
type Verification struct {
	Verified    bool `json:"verified"`
	FactorLevel int  `json:"factor_level"`
}

// CredentialService is the identity subsystem boundary.
type CredentialService interface {
	Verify(ctx context.Context, userID, method string) (Verification, error)
}

// CredentialHandler verifies the execution owner with config.method and
// requires at least config.min_factor_level (default 1).
type CredentialHandler struct {
	Service CredentialService
}

// Invoke implements Handler.
func (h CredentialHandler) Invoke(ctx context.Context, req Request) (Result, error) {
	if h.Service == nil {
		return Result{}, fmt.Errorf("credentials: service is not configured")
	}
	method := req.ConfigString("method", "")
	if method == "" {
		return Failed("InvalidConfig", "credentials: config.method is required", false), nil
	}
	minLevel := 1
	if raw, ok := req.Config("min_factor_level"); ok {
		level, valid := intValue(raw)
		if !valid {
			return Failed("InvalidConfig", fmt.Sprintf("credentials: min_factor_level must be an integer, got %v", raw), false), nil
		}
		minLevel = level
	}
	verification, err := h.Service.Verify(ctx, req.OwnerID, method)
	if err != nil {
		return Result{}, fmt.Errorf("credentials: verify %s via %s: %w", req.OwnerID, method, err)
	}
	output := map[string]any{
		"verified":     verification.Verified,
		"factor_level": verification.FactorLevel,
		"method":       method,
	}
	switch {
	case !verification.Verified:
		result := Failed("CredentialUnverified", fmt.Sprintf("%s could not be verified via %s", req.OwnerID, method), false)
		result.Output = output
		return result, nil
	case verification.FactorLevel < minLevel:
		result := Failed("InsufficientFactor", fmt.Sprintf("factor level %d below required %d", verification.FactorLevel, minLevel), false)
		result.Output = output
		return result, nil
	}
	return Succeeded(output), nil
}

// CredentialFunc adapts a function to CredentialService.
type CredentialFunc func(ctx context.Context, userID, method string) (Verification, error)

// Verify implements CredentialService.
func (f CredentialFunc) Verify(ctx context.Context, userID, method string) (Verification, error) {
	return f(ctx, userID, method)
}
