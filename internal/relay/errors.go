package relay

import "errors"

var (
	ErrRoomExists   = errors.New("room already exists")
	ErrRoomNotFound = errors.New("room not found")
	ErrUnauthorized = errors.New("invalid encryption key")
	ErrRoomFull     = errors.New("room full")
)
