// Package slog is a leveled logger with code locations, colorized level
// labels and a compact check-and-log idiom:
//
//	var log, chk = slog.New(os.Stderr)
//
//	if err = doThing(); chk.E(err) {
//		return
//	}
package slog

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"

	"github.com/davecgh/go-spew/spew"
	"github.com/gookit/color"
	"go.uber.org/atomic"
)

const (
	Off = iota
	Fatal
	Error
	Warn
	Info
	Debug
	Trace
)

var l = GetStd()

func GetStd() (ll *Log) {
	ll, _ = New(os.Stdout)
	return
}

func init() {
	SetLogLevel(GetLevel(os.Getenv("GODEBUG")))
	if GetLogLevel() >= Debug {
		l.D.Ln("printing logs at this level and lower")
	}
}

type (
	// Ln prints lists of interfaces with spaces in between
	Ln func(a ...any)
	// F prints like fmt.Println surrounded by log details
	F func(format string, a ...any)
	// S prints a spew.Sdump for an interface slice
	S func(a ...any)
	// C accepts a function so that the extra computation can be avoided if it is
	// not being viewed
	C func(closure func() string)
	// Chk is a shortcut for printing if there is an error, or returning true
	Chk func(e error) bool
	// Err is a pass-through function that uses fmt.Errorf to construct an error
	// and returns the error after printing it to the log
	Err func(format string, a ...any) error
	// LevelPrinter defines a set of terminal printing primitives that output
	// with extra data, time, log level, and code location
	LevelPrinter struct {
		Ln
		F
		S
		C
		Chk
		Err
	}
	LevelSpec struct {
		ID        int
		Name      string
		Colorizer func(a ...any) string
	}
)

var (
	currentLevel = atomic.NewInt32(Info)
	writeMx      sync.Mutex
	// LevelSpecs specifies the id, string name and color-printing function
	LevelSpecs = []LevelSpec{
		{Off, "   ", color.Bit24(0, 0, 0, false).Sprint},
		{Fatal, "FTL", color.Bit24(128, 0, 0, false).Sprint},
		{Error, "ERR", color.Bit24(255, 0, 0, false).Sprint},
		{Warn, "WRN", color.Bit24(0, 255, 0, false).Sprint},
		{Info, "INF", color.Bit24(255, 255, 0, false).Sprint},
		{Debug, "DBG", color.Bit24(0, 125, 255, false).Sprint},
		{Trace, "TRC", color.Bit24(125, 0, 255, false).Sprint},
	}
	lvlNames = map[string]int{
		"off":   Off,
		"0":     Off,
		"false": Off,
		"fatal": Fatal,
		"error": Error,
		"warn":  Warn,
		"info":  Info,
		"debug": Debug,
		"1":     Debug,
		"true":  Debug,
		"on":    Debug,
		"trace": Trace,
	}
)

// Log is a set of log printers for the various Level items.
type Log struct {
	F, E, W, I, D, T LevelPrinter
}

// Check is the set of error check printers, one for each Level.
type Check struct {
	F, E, W, I, D, T Chk
}

// GetLevel converts a level name to its numeric code, unknown names yield Info.
func GetLevel(name string) (lvl int) {
	var ok bool
	if lvl, ok = lvlNames[strings.ToLower(strings.TrimSpace(name))]; !ok {
		lvl = Info
	}
	return
}

func JoinStrings(a ...any) (s string) {
	for i := range a {
		s += fmt.Sprint(a[i])
		if i < len(a)-1 {
			s += " "
		}
	}
	return
}

func emit(lvl int32, writer io.Writer, text string) {
	if lvl > currentLevel.Load() {
		return
	}
	writeMx.Lock()
	defer writeMx.Unlock()
	_, _ = fmt.Fprintf(writer,
		"%s %s %s\n",
		LevelSpecs[lvl].Colorizer(LevelSpecs[lvl].Name),
		text,
		GetLoc(3),
	)
}

func GetPrinter(lvl int32, writer io.Writer) LevelPrinter {
	return LevelPrinter{
		Ln: func(a ...any) { emit(lvl, writer, JoinStrings(a...)) },
		F: func(format string, a ...any) {
			emit(lvl, writer, fmt.Sprintf(format, a...))
		},
		S: func(a ...any) {
			if lvl > currentLevel.Load() {
				return
			}
			emit(lvl, writer, spew.Sdump(a...))
		},
		C: func(closure func() string) {
			if lvl > currentLevel.Load() {
				return
			}
			emit(lvl, writer, closure())
		},
		Chk: func(e error) bool {
			if e != nil {
				emit(lvl, writer, e.Error())
				return true
			}
			return false
		},
		Err: func(format string, a ...any) error {
			err := fmt.Errorf(format, a...)
			emit(lvl, writer, err.Error())
			return err
		},
	}
}

func New(writer io.Writer) (l *Log, c *Check) {
	l = &Log{
		F: GetPrinter(Fatal, writer),
		E: GetPrinter(Error, writer),
		W: GetPrinter(Warn, writer),
		I: GetPrinter(Info, writer),
		D: GetPrinter(Debug, writer),
		T: GetPrinter(Trace, writer),
	}
	c = &Check{
		F: l.F.Chk,
		E: l.E.Chk,
		W: l.W.Chk,
		I: l.I.Chk,
		D: l.D.Chk,
		T: l.T.Chk,
	}
	return
}

func SetLogLevel(lvl int) { currentLevel.Store(int32(lvl)) }

func GetLogLevel() (lvl int) { return int(currentLevel.Load()) }

func GetLoc(skip int) (output string) {
	_, file, line, _ := runtime.Caller(skip)
	output = color.Bit24(0, 128, 255, false).Sprint(
		file, ":", line,
	)
	return
}
