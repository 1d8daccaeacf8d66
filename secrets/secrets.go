// Package secrets adapts the project secret store. Values are only ever read
// server-side; tools may expose metadata but never contents.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	sm "github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

type (
	// Metadata describes a secret without its value.
	Metadata struct {
		Name        string
		Description string
		LastChanged time.Time
	}

	// Reader is the narrow secret-store contract.
	Reader interface {
		// GetString fetches a named secret value.
		GetString(ctx context.Context, name string) (string, error)
		// Describe returns metadata only.
		Describe(ctx context.Context, name string) (Metadata, error)
	}

	// API captures the Secrets Manager client surface used.
	API interface {
		GetSecretValue(ctx context.Context, in *sm.GetSecretValueInput, opts ...func(*sm.Options)) (*sm.GetSecretValueOutput, error)
		DescribeSecret(ctx context.Context, in *sm.DescribeSecretInput, opts ...func(*sm.Options)) (*sm.DescribeSecretOutput, error)
	}

	// Manager implements Reader on AWS Secrets Manager.
	Manager struct {
		api API
	}
)

// New builds a Secrets Manager-backed reader.
func New(api API) (*Manager, error) {
	if api == nil {
		return nil, errors.New("secrets: client is required")
	}
	return &Manager{api: api}, nil
}

// GetString fetches a named secret value.
func (m *Manager) GetString(ctx context.Context, name string) (string, error) {
	out, err := m.api.GetSecretValue(ctx, &sm.GetSecretValueInput{SecretId: aws.String(name)})
	if err != nil {
		return "", fmt.Errorf("secrets: get %s: %w", name, err)
	}
	if out.SecretString == nil {
		return "", fmt.Errorf("secrets: %s has no string value", name)
	}
	return *out.SecretString, nil
}

// Describe returns secret metadata.
func (m *Manager) Describe(ctx context.Context, name string) (Metadata, error) {
	out, err := m.api.DescribeSecret(ctx, &sm.DescribeSecretInput{SecretId: aws.String(name)})
	if err != nil {
		return Metadata{}, fmt.Errorf("secrets: describe %s: %w", name, err)
	}
	md := Metadata{Name: name}
	if out.Description != nil {
		md.Description = *out.Description
	}
	if out.LastChangedDate != nil {
		md.LastChanged = *out.LastChangedDate
	}
	return md, nil
}

// Static is a fixed-map Reader for tests and local development.
type Static map[string]string

// GetString implements Reader.
func (s Static) GetString(_ context.Context, name string) (string, error) {
	v, ok := s[name]
	if !ok {
		return "", fmt.Errorf("secrets: %s not found", name)
	}
	return v, nil
}

// Describe implements Reader.
func (s Static) Describe(_ context.Context, name string) (Metadata, error) {
	if _, ok := s[name]; !ok {
		return Metadata{}, fmt.Errorf("secrets: %s not found", name)
	}
	return Metadata{Name: name}, nil
}
