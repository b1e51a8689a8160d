package database

import "errors"

var (
	ErrManagerClosed   = errors.New("database manager is closed")
	ErrShuttingDown    = errors.New("database manager is shutting down")
	ErrWriteTimeout    = errors.New("write operation timeout")
	ErrMessageNotFound = errors.New("message not found")
)
