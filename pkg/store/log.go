package store

import (
	"os"

	"github.com/Hubmakerlabs/feedr/pkg/slog"
)

var log, _ = slog.New(os.Stderr)
