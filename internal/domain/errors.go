package domain

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidStream    = errors.New("invalid stream reference")
	ErrInvalidPath      = errors.New("invalid path")
	ErrForbidden        = errors.New("forbidden")
	ErrInvalidSeek      = errors.New("invalid seek time")
	ErrPermissionDenied = errors.New("permission denied")
	ErrBadCredentials   = errors.New("bad credentials")
	ErrSessionExpired   = errors.New("session expired")
)
