package handler

import (
	"context"
	"fmt"
	"strings"
)

// Document is the applicant-supplied document a node checks.
type Document struct {
	ID     string         `json:"id,omitempty"`
	Kind   string         `json:"kind"`
	Fields map[string]any `json:"fields,omitempty"`
}

// DocumentRequirement describes what a node accepts.
type DocumentRequirement struct {
	NodeID         string   `json:"node_id"`
	Kinds          []string `json:"kinds,omitempty"`
	RequiredFields []string `json:"required_fields,omitempty"`
}

// DocumentVerdict is the validation outcome.
type DocumentVerdict struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// DocumentService is the document subsystem boundary.
type DocumentService interface {
	GetRequirement(ctx context.Context, nodeID string) (DocumentRequirement, error)
	Validate(ctx context.Context, doc Document, req DocumentRequirement) (DocumentVerdict, error)
}

// DocumentHandler validates the document stored in the execution context at
// the dotted path named by config.document.
type DocumentHandler struct {
	Service DocumentService
}

// Invoke implements Handler.
func (h DocumentHandler) Invoke(ctx context.Context, req Request) (Result, error) {
	if h.Service == nil {
		return Result{}, fmt.Errorf("documents: service is not configured")
	}
	path := req.ConfigString("document", "")
	if path == "" {
		return Failed("InvalidConfig", "documents: config.document is required", false), nil
	}
	raw, ok := Lookup(req.Context, strings.Split(path, ".")...)
	if !ok {
		return Failed("DocumentMissing", fmt.Sprintf("no document at %s", path), false), nil
	}
	doc, err := documentFrom(raw)
	if err != nil {
		return Failed("DocumentInvalid", err.Error(), false), nil
	}
	requirement, err := h.Service.GetRequirement(ctx, req.Node.ID)
	if err != nil {
		return Result{}, fmt.Errorf("documents: requirement for %s: %w", req.Node.ID, err)
	}
	verdict, err := h.Service.Validate(ctx, doc, requirement)
	if err != nil {
		return Result{}, fmt.Errorf("documents: validate %s: %w", doc.Kind, err)
	}
	errs := make([]any, len(verdict.Errors))
	for i, msg := range verdict.Errors {
		errs[i] = msg
	}
	output := map[string]any{"valid": verdict.Valid, "errors": errs, "kind": doc.Kind}
	if !verdict.Valid {
		result := Failed("DocumentInvalid", strings.Join(verdict.Errors, "; "), false)
		result.Output = output
		return result, nil
	}
	return Succeeded(output), nil
}

func documentFrom(raw any) (Document, error) {
	switch typed := raw.(type) {
	case Document:
		return typed, nil
	case map[string]any:
		doc := Document{}
		doc.ID, _ = typed["id"].(string)
		doc.Kind, _ = typed["kind"].(string)
		if fields, ok := typed["fields"].(map[string]any); ok {
			doc.Fields = fields
		}
		if doc.Kind == "" {
			return Document{}, fmt.Errorf("document has no kind")
		}
		return doc, nil
	default:
		return Document{}, fmt.Errorf("document has unsupported shape %T", raw)
	}
}

// StaticDocuments is a DocumentService over fixed requirements. It checks
// kind and field presence only.
type StaticDocuments map[string]DocumentRequirement

// GetRequirement implements DocumentService.
func (s StaticDocuments) GetRequirement(_ context.Context, nodeID string) (DocumentRequirement, error) {
	requirement, ok := s[nodeID]
	if !ok {
		return DocumentRequirement{}, fmt.Errorf("documents: no requirement for node %s", nodeID)
	}
	requirement.NodeID = nodeID
	return requirement, nil
}

// Validate implements DocumentService.
func (s StaticDocuments) Validate(_ context.Context, doc Document, req DocumentRequirement) (DocumentVerdict, error) {
	var errs []string
	if len(req.Kinds) > 0 {
		accepted := false
		for _, kind := range req.Kinds {
			if strings.EqualFold(kind, doc.Kind) {
				accepted = true
				break
			}
		}
		if !accepted {
			errs = append(errs, fmt.Sprintf("kind %s not accepted (want %s)", doc.Kind, strings.Join(req.Kinds, ", ")))
		}
	}
	for _, field := range req.RequiredFields {
		if value, ok := doc.Fields[field]; !ok || value == nil || value == "" {
			errs = append(errs, fmt.Sprintf("missing field %s", field))
		}
	}
	return DocumentVerdict{Valid: len(errs) == 0, Errors: errs}, nil
}
