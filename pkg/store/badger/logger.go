package badger

import (
	"fmt"
	"strings"

	"github.com/Hubmakerlabs/feedr/pkg/slog"
)

// logger routes badger's own logging through slog, dropping messages
// above Level.
type logger struct {
	Level int
	Label string
}

func (l logger) format(s string, i ...any) string {
	return strings.TrimSpace(fmt.Sprintf(l.Label+": "+s, i...))
}

func (l logger) Errorf(s string, i ...any) {
	if l.Level >= slog.Error {
		log.E.Ln(l.format(s, i...))
	}
}

func (l logger) Warningf(s string, i ...any) {
	if l.Level >= slog.Warn {
		log.W.Ln(l.format(s, i...))
	}
}

func (l logger) Infof(s string, i ...any) {
	if l.Level >= slog.Info {
		log.I.Ln(l.format(s, i...))
	}
}

func (l logger) Debugf(s string, i ...any) {
	if l.Level >= slog.Debug {
		log.D.Ln(l.format(s, i...))
	}
}
