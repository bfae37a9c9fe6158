package dtn

import "errors"

var (
	ErrMalformedPacket  = errors.New("malformed packet")
	ErrDuplicateMessage = errors.New("duplicate message")
	ErrStoreFull        = errors.New("message store full")
	ErrHandoffRejected  = errors.New("handoff rejected")
	ErrPayloadTooLarge  = errors.New("payload too large")
	ErrClosed           = errors.New("session closed")
)
