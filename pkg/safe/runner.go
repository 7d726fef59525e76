package safe

import (
	"context"
	"runtime/debug"

	"go.uber.org/zap"

	"cryptopulse.com/pkg/logger"
)

// Go 启动一个带 panic 恢复的协程，name 用于日志定位
func Go(name string, fn func()) {
	go func() {
		defer Recover(context.Background(), name)
		fn()
	}()
}

// GoCtx 同 Go，日志里保留 ctx 的链路信息
func GoCtx(ctx context.Context, name string, fn func(ctx context.Context)) {
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		defer Recover(ctx, name)
		fn(ctx)
	}()
}

// Recover 必须直接 defer 调用
func Recover(ctx context.Context, name string) {
	if r := recover(); r != nil {
		logger.Error(ctx, "goroutine panic recovered",
			zap.String("goroutine", name),
			zap.Any("panic", r),
			zap.ByteString("stack", debug.Stack()),
		)
	}
}
