package mocks

import (
	"time"

	"github.com/benmeehan/speed-agent/internal/constants"
	"github.com/benmeehan/speed-agent/internal/models"
	"github.com/stretchr/testify/mock"
)

// MockStreamResolver is a mock implementation of the services' stream resolver
type MockStreamResolver struct {
	mock.Mock
}

func (m *MockStreamResolver) Submit(streamID string, fix models.Fix, mode constants.Mode) (string, error) {
	args := m.Called(streamID, fix, mode)
	return args.String(0), args.Error(1)
}

func (m *MockStreamResolver) EvictIdle(maxIdle time.Duration) int {
	args := m.Called(maxIdle)
	return args.Int(0)
}
