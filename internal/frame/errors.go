package frame

import "errors"

var (
	// ErrPayloadTooLarge is returned by Encode when a frame exceeds MaxPayloadBytes.
	ErrPayloadTooLarge = errors.New("frame: payload exceeds max size")
	// ErrUnsupportedFrameType is returned by Decode for any Type other than "req".
	ErrUnsupportedFrameType = errors.New("frame: unsupported frame type")
	// ErrSchemaNotInitialized signals the schema registry failed to compile at startup.
	ErrSchemaNotInitialized = errors.New("frame: schema registry not initialized")
)
