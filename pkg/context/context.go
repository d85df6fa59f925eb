// Package context shortens the names of the standard context types and
// constructors used all over the client.
package context

import (
	"context"
)

type (
	T = context.Context
	F = context.CancelFunc
)

var (
	Bg       = context.Background
	Cancel   = context.WithCancel
	Timeout  = context.WithTimeout
	Canceled = context.Canceled
)
