// Package cmdutil holds setup code shared by the test programs.
package cmdutil

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/jhump/rpcmux"
)

// LogFlags configure the logger built by NewLogger.
type LogFlags struct {
	Level string
	// File, if set, receives JSON logs with size-based rotation. Otherwise
	// logs go to stderr.
	File       string
	MaxSizeMB  int
	MaxBackups int
}

// NewLogger builds a production zap logger according to the flags.
func NewLogger(flags LogFlags) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(flags.Level)
	if err != nil {
		return nil, err
	}
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	var out zapcore.WriteSyncer
	if flags.File != "" {
		out = zapcore.AddSync(&lumberjack.Logger{
			Filename:   flags.File,
			MaxSize:    flags.MaxSizeMB,
			MaxBackups: flags.MaxBackups,
			Compress:   true,
		})
	} else {
		out = zapcore.Lock(os.Stderr)
	}
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), out, zap.NewAtomicLevelAt(level))
	return zap.New(core, zap.AddCaller()), nil
}

// FrameFormat returns the option selecting the named frame format: "none",
// "snappy" or "zstd".
func FrameFormat(name string) (rpcmux.Option, error) {
	switch name {
	case "", "none":
		return rpcmux.WithFrameFormat(nil), nil
	case "snappy":
		return rpcmux.WithFrameFormat(rpcmux.SnappyFrames()), nil
	case "zstd":
		format, err := rpcmux.ZstdFrames()
		if err != nil {
			return nil, err
		}
		return rpcmux.WithFrameFormat(format), nil
	default:
		return nil, fmt.Errorf("unknown frame format %q", name)
	}
}
