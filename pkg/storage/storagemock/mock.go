package storagemock

import (
	"context"

	"github.com/raterudder/forecaster/pkg/storage"
	"github.com/raterudder/forecaster/pkg/types"
	"github.com/stretchr/testify/mock"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) GetForecastDocument(ctx context.Context, variant types.Variant) ([]byte, error) {
	args := m.Called(ctx, variant)
	if b, ok := args.Get(0).([]byte); ok {
		return b, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDatabase) SetForecastDocument(ctx context.Context, variant types.Variant, data []byte, version int) error {
	args := m.Called(ctx, variant, data, version)
	return args.Error(0)
}

func (m *MockDatabase) ClearForecasts(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockDatabase) GetUsage(ctx context.Context, apiKey string) (types.Usage, error) {
	args := m.Called(ctx, apiKey)
	// return empty if not specified, or checks args
	if len(args) > 0 {
		return args.Get(0).(types.Usage), args.Error(1)
	}
	return types.Usage{}, storage.ErrNotFound
}

func (m *MockDatabase) SetUsage(ctx context.Context, apiKey string, usage types.Usage) error {
	args := m.Called(ctx, apiKey, usage)
	return args.Error(0)
}

func (m *MockDatabase) GetDampening(ctx context.Context) (types.DampeningConfig, error) {
	args := m.Called(ctx)
	if len(args) > 0 {
		return args.Get(0).(types.DampeningConfig), args.Error(1)
	}
	return types.DefaultDampening(), nil
}

func (m *MockDatabase) SetDampening(ctx context.Context, cfg types.DampeningConfig) error {
	args := m.Called(ctx, cfg)
	return args.Error(0)
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
