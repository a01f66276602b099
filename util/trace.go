package util

import (
	"time"

	"go.uber.org/zap"
)

// Trace 记录一段逻辑的耗时，用法: defer util.Trace("name")()
func Trace(msg string) func() {
	start := time.Now()
	return func() {
		L().Debug("trace", zap.String("name", msg), zap.Duration("cost", time.Since(start)))
	}
}
