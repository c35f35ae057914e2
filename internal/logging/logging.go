// Package logging bootstraps the process-wide structured logger shared
// by the CLI, the worker and every activity, adapted from the
// terminal/JSON handler split used by the reference corpus's own
// chain-log bootstrap (plugin/evm/log in the teacher repo).
package logging

import (
	"io"
	"log/slog"
	"os"

	ethlog "github.com/ethereum/go-ethereum/log"
	colorable "github.com/mattn/go-colorable"
	isatty "github.com/mattn/go-isatty"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls how Init constructs the root logger.
type Options struct {
	Level      string // trace|debug|info|warn|error|crit
	JSON       bool
	FilePath   string // optional rotating log file, in addition to stderr
	MaxSizeMB  int
	MaxBackups int
}

// Init installs a process-wide default logger and returns it, plus a
// LevelVar that SetLevel can adjust at runtime (e.g. from a SIGHUP or
// admin endpoint). It is called once at process start by each binary's
// entrypoint; the heavyweight singletons (pool, store, parse stats)
// still take their logger by constructor injection per spec §9 — only
// logging itself is conventionally ambient.
func Init(opts Options) (ethlog.Logger, *slog.LevelVar, error) {
	levelVar := &slog.LevelVar{}
	if err := setLevel(levelVar, opts.Level); err != nil {
		return nil, nil, err
	}

	var writer io.Writer = os.Stderr
	useColor := isatty.IsTerminal(os.Stderr.Fd())
	if useColor {
		writer = colorable.NewColorable(os.Stderr)
	}

	if opts.FilePath != "" {
		fileWriter := &lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    maxOr(opts.MaxSizeMB, 100),
			MaxBackups: maxOr(opts.MaxBackups, 5),
			Compress:   true,
		}
		writer = io.MultiWriter(writer, fileWriter)
		useColor = false
	}

	var handler slog.Handler
	if opts.JSON {
		handler = ethlog.JSONHandlerWithLevel(writer, levelVar)
	} else {
		handler = ethlog.NewTerminalHandlerWithLevel(writer, levelVar, useColor)
	}

	logger := ethlog.NewLogger(handler)
	ethlog.SetDefault(logger)
	return logger, levelVar, nil
}

// SetLevel changes the level of a LevelVar returned by Init without
// re-creating the handler chain.
func SetLevel(levelVar *slog.LevelVar, level string) error {
	return setLevel(levelVar, level)
}

func setLevel(levelVar *slog.LevelVar, level string) error {
	if level == "" {
		level = "info"
	}
	lvl, err := ethlog.LvlFromString(level)
	if err != nil {
		return err
	}
	levelVar.Set(lvl)
	return nil
}

func maxOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
