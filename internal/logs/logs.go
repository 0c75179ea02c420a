// Copyright 2025 Machine King Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logs

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/machine-king-labs/lognog/internal/version"
)

// StructuredLogger is the logging surface handed to every subsystem.
// Scheduled tasks log and continue; nothing in the server writes to
// stdout directly.
type StructuredLogger interface {
	Debugf(format string, v ...any)
	Infof(format string, v ...any)
	Warnf(format string, v ...any)
	Errorf(format string, v ...any)
	With(keysAndValues ...any) StructuredLogger
}

type ZapStructuredLogger struct {
	logger *zap.SugaredLogger
}

// New returns a logger writing JSON lines to file, rotated at maxSizeMB.
// Falls back to the default stderr logger if the file sink cannot be built.
func New(file string, maxSizeMB int) *ZapStructuredLogger {
	if maxSizeMB <= 0 {
		maxSizeMB = 100
	}
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.MessageKey = "message"
	encCfg.TimeKey = "time"
	encCfg.EncodeTime = zapcore.RFC3339TimeEncoder

	sink := zapcore.AddSync(&lumberjack.Logger{
		Filename:   file,
		MaxSize:    maxSizeMB,
		MaxBackups: 3,
		Compress:   true,
	})
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), sink, zap.InfoLevel)
	sugar := zap.New(core, zap.AddCallerSkip(1)).Sugar().With(
		zap.String("lognog-version", version.Version))
	return &ZapStructuredLogger{logger: sugar}
}

// Default logs to stderr in production format.
func Default() *ZapStructuredLogger {
	logger, err := zap.NewProduction()
	if err != nil {
		return Discard()
	}
	sugar := logger.Sugar().With(
		zap.String("lognog-version", version.Version))
	return &ZapStructuredLogger{logger: sugar}
}

// Discard returns a logger whose output is only held by an in-memory
// observer. Used by tests and as a last-resort fallback.
func Discard() *ZapStructuredLogger {
	core, _ := observer.New(zap.InfoLevel)
	return &ZapStructuredLogger{logger: zap.New(core).Sugar()}
}

func (f *ZapStructuredLogger) Debugf(format string, v ...any) {
	f.logger.Debugf(format, v...)
}

func (f *ZapStructuredLogger) Infof(format string, v ...any) {
	f.logger.Infof(format, v...)
}

func (f *ZapStructuredLogger) Warnf(format string, v ...any) {
	f.logger.Warnf(format, v...)
}

func (f *ZapStructuredLogger) Errorf(format string, v ...any) {
	f.logger.Errorf(format, v...)
}

// Sync flushes buffered entries. Called on shutdown.
func (f *ZapStructuredLogger) Sync() error {
	return f.logger.Sync()
}

func (f *ZapStructuredLogger) With(keysAndValues ...any) StructuredLogger {
	return &ZapStructuredLogger{logger: f.logger.With(keysAndValues...)}
}
