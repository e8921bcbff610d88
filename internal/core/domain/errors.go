package domain

import (
	"errors"

	"rtmsrelay/pkg/signature"
)

var (
	ErrInvalidArgument   = signature.ErrInvalidArgument
	ErrSignatureMismatch = errors.New("signature mismatch")
	ErrTransport         = errors.New("transport error")
	ErrEncodeFailure     = errors.New("encode failure")
	ErrMalformedMessage  = errors.New("malformed message")
	ErrDeviceUnavailable = errors.New("device unavailable")
	ErrHandshakeTimeout  = errors.New("handshake timeout")
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionExists     = errors.New("session already exists")
	ErrNotOpen           = errors.New("connection not open")
	ErrQueueFull         = errors.New("send queue full")
)
