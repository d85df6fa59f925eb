package store

import "errors"

var (
	ErrNotInitialized = errors.New("store is not initialized")
	ErrDupEvent       = errors.New("duplicate: event already exists")
	ErrNotFound       = errors.New("not found")
	ErrAlreadyMember  = errors.New("user is already on the list")
	ErrNotMember      = errors.New("user is not on the list")
)
