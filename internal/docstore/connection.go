package docstore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"
)

var (
	errMissingBackend = errors.New("docstore: backend is required")
	noOpLogger        = zap.NewNop()
)

const (
	opEnsureDatabase = "docstore.ensure_database"
	opDeleteDatabase = "docstore.delete_database"
)

// ConnectionConfig describes the dependencies of a Connection.
type ConnectionConfig struct {
	Backend    Backend
	Serializer *Serializer
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Connection owns the handle to the backing store. Repositories borrow it and
// must not outlive it. It is safe for concurrent use.
type Connection struct {
	backend    Backend
	serializer *Serializer
	idProvider IDProvider
	logger     *zap.Logger
}

// NewConnection validates cfg and returns a Connection.
func NewConnection(cfg ConnectionConfig) (*Connection, error) {
	if cfg.Backend == nil {
		return nil, errMissingBackend
	}
	serializer := cfg.Serializer
	if serializer == nil {
		serializer = NewSerializer()
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Connection{
		backend:    cfg.Backend,
		serializer: serializer,
		idProvider: idProvider,
		logger:     logger,
	}, nil
}

// EnsureDatabaseExists creates the database unless it is already present.
// A concurrent creation racing this call counts as success.
func (c *Connection) EnsureDatabaseExists(ctx context.Context, name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty database name", ErrInvalidDocument)
	}
	err := c.backend.CreateDatabase(ctx, name)
	if err == nil {
		c.logger.Info("database created", zap.String("database", name))
		return nil
	}
	if errors.Is(err, ErrDatabaseExists) {
		return nil
	}
	c.logger.Error("database creation failed",
		zap.String("operation", opEnsureDatabase),
		zap.String("database", name),
		zap.Error(err))
	return asStoreError(opEnsureDatabase, err)
}

// DeleteDatabase drops the database; an absent database counts as success.
func (c *Connection) DeleteDatabase(ctx context.Context, name string) error {
	err := c.backend.DeleteDatabase(ctx, name)
	if err == nil || errors.Is(err, ErrNotFound) {
		return nil
	}
	c.logger.Error("database deletion failed",
		zap.String("operation", opDeleteDatabase),
		zap.String("database", name),
		zap.Error(err))
	return asStoreError(opDeleteDatabase, err)
}

// Serializer returns the codec used for every document of this connection.
func (c *Connection) Serializer() *Serializer {
	return c.serializer
}

// Backend exposes the underlying store for components that address
// attachments directly.
func (c *Connection) Backend() Backend {
	return c.backend
}

// Logger returns the connection logger.
func (c *Connection) Logger() *zap.Logger {
	return c.logger
}

// Close releases the backend when it holds resources.
func (c *Connection) Close() error {
	if closer, ok := c.backend.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

func asStoreError(op string, err error) error {
	var storeErr *StoreError
	if errors.As(err, &storeErr) {
		return err
	}
	return NewStoreError(op, err)
}
