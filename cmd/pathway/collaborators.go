package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/kingrea/pathway/internal/handler"
)

const (
	documentsFile   = "documents.yaml"
	credentialsFile = "credentials.yaml"

	handlerDocuments   = "documents"
	handlerCredentials = "credentials"
)

// registerCollaborators installs the document and credential handlers when
// their fixture files exist in the data directory.
//
//	# documents.yaml: node id -> requirement
//	upload-licence:
//	  kinds: [drivers-licence]
//	  required_fields: [number, expiry]
//
//	# credentials.yaml: user id -> verification
//	citizen-1: {verified: true, factor_level: 2}
func registerCollaborators(r *handler.Registry, dataDir string, logger *slog.Logger) error {
	var documents map[string]struct {
		Kinds          []string `yaml:"kinds"`
		RequiredFields []string `yaml:"required_fields"`
	}
	found, err := readFixture(filepath.Join(dataDir, documentsFile), &documents)
	if err != nil {
		return err
	}
	if found {
		static := handler.StaticDocuments{}
		for nodeID, req := range documents {
			static[nodeID] = handler.DocumentRequirement{Kinds: req.Kinds, RequiredFields: req.RequiredFields}
		}
		if err := r.Register(handlerDocuments, handler.DocumentHandler{Service: static}); err != nil {
			return err
		}
		logger.Info("pathway: document requirements loaded", "nodes", len(static))
	}

	var credentials map[string]struct {
		Verified    bool `yaml:"verified"`
		FactorLevel int  `yaml:"factor_level"`
	}
	found, err = readFixture(filepath.Join(dataDir, credentialsFile), &credentials)
	if err != nil {
		return err
	}
	if found {
		service := handler.CredentialFunc(func(_ context.Context, userID, _ string) (handler.Verification, error) {
			entry := credentials[userID]
			return handler.Verification{Verified: entry.Verified, FactorLevel: entry.FactorLevel}, nil
		})
		if err := r.Register(handlerCredentials, handler.CredentialHandler{Service: service}); err != nil {
			return err
		}
		logger.Info("pathway: credential fixtures loaded", "users", len(credentials))
	}
	return nil
}

func readFixture(path string, target any) (bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, target); err != nil {
		return false, fmt.Errorf("parse %s: %w", path, err)
	}
	return true, nil
}
