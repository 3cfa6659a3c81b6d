package app

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"clipflow_worker/internal/worker/domain"
	"clipflow_worker/pkg/logger"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

// MockMinIOClient is the MinIOClientRepo mock
type MockMinIOClient struct {
	mock.Mock
}

func (m *MockMinIOClient) UploadFile(ctx context.Context, objectName, filePath, contentType string) error {
	args := m.Called(ctx, objectName, filePath, contentType)
	return args.Error(0)
}

func (m *MockMinIOClient) DownloadFile(ctx context.Context, objectName, destPath string) error {
	args := m.Called(ctx, objectName, destPath)
	return args.Error(0)
}

func (m *MockMinIOClient) PresignGetURL(ctx context.Context, objectName string, expiry time.Duration) (string, error) {
	args := m.Called(ctx, objectName, expiry)
	return args.String(0), args.Error(1)
}

func (m *MockMinIOClient) GetObject(ctx context.Context, objectName string, opts minio.GetObjectOptions) (io.Reader, error) {
	args := m.Called(ctx, objectName, opts)
	return args.Get(0).(io.Reader), args.Error(1)
}

func TestStorageGateway(t *testing.T) {
	logger.SetNewNop()
	ctx := context.Background()

	t.Run("fetch strips the scheme from the source locator", func(t *testing.T) {
		mockMinIO := new(MockMinIOClient)
		gateway := NewStorageGateway(mockMinIO)

		mockMinIO.On("DownloadFile", ctx, "uploads/v1/source.mp4", "/tmp/in.mp4").Return(nil).Once()

		err := gateway.Fetch(ctx, "minio://uploads/v1/source.mp4", "/tmp/in.mp4")

		assert.NoError(t, err)
		mockMinIO.AssertExpectations(t)
	})

	t.Run("fetch failure wraps a transfer error", func(t *testing.T) {
		mockMinIO := new(MockMinIOClient)
		gateway := NewStorageGateway(mockMinIO)

		mockMinIO.On("DownloadFile", ctx, "uploads/v1/source.mp4", "/tmp/in.mp4").
			Return(errors.New("object not found")).Once()

		err := gateway.Fetch(ctx, "uploads/v1/source.mp4", "/tmp/in.mp4")

		var transfer *domain.TransferError
		assert.ErrorAs(t, err, &transfer)
		assert.Equal(t, "fetch", transfer.Op)
		assert.True(t, domain.Retryable(err))
	})

	t.Run("store uploads and returns a presigned url", func(t *testing.T) {
		mockMinIO := new(MockMinIOClient)
		gateway := NewStorageGateway(mockMinIO)

		mockMinIO.On("UploadFile", ctx, "processed/v1/j1/o1.mp4", "/tmp/o1.mp4", "video/mp4").Return(nil).Once()
		mockMinIO.On("PresignGetURL", ctx, "processed/v1/j1/o1.mp4", outputURLExpiry).
			Return("http://minio/processed/v1/j1/o1.mp4?sig=abc", nil).Once()

		url, err := gateway.Store(ctx, "/tmp/o1.mp4", "processed/v1/j1/o1.mp4")

		assert.NoError(t, err)
		assert.Equal(t, "http://minio/processed/v1/j1/o1.mp4?sig=abc", url)
		mockMinIO.AssertExpectations(t)
	})

	t.Run("upload failure wraps a transfer error", func(t *testing.T) {
		mockMinIO := new(MockMinIOClient)
		gateway := NewStorageGateway(mockMinIO)

		mockMinIO.On("UploadFile", ctx, "processed/v1/j1/o1.mp4", "/tmp/o1.mp4", "video/mp4").
			Return(errors.New("connection reset")).Once()

		url, err := gateway.Store(ctx, "/tmp/o1.mp4", "processed/v1/j1/o1.mp4")

		assert.Empty(t, url)
		var transfer *domain.TransferError
		assert.ErrorAs(t, err, &transfer)
		assert.Equal(t, "store", transfer.Op)
	})
}
