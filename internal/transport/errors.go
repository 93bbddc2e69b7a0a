package transport

import "errors"

var (
	ErrUnknownType   = errors.New("transport: unknown transport type")
	ErrDuplicateID   = errors.New("transport: duplicate correlation id")
	ErrUnknownTopic  = errors.New("transport: topic not prepared")
	ErrNotPrepared   = errors.New("transport: client not prepared")
	ErrClosed        = errors.New("transport: endpoint closed")
	ErrTimeout       = errors.New("transport: request timeout")
	ErrAlreadyActive = errors.New("transport: endpoint already started")
)
