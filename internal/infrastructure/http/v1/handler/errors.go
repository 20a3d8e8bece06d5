package handler

import "errors"

var (
	ErrFailedToDecodeRequestBody = errors.New("failed to decode request body")
	ErrInvalidTileParam          = errors.New("tile coordinates must be 32-bit integers")
	ErrInvalidPriority           = errors.New("priority must be an integer between 0 and 1000")
	ErrShuttingDown              = errors.New("service is shutting down")
	ErrRequestTimeout            = errors.New("request timed out")
	InternalServerError          = errors.New("server encountered a problem and could not process your request")
)
