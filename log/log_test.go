package log

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func Test_customer_logger(t *testing.T) {
	fileName := filepath.Join(t.TempDir(), "gotx.log")
	logger := NewSugarLogger(NewOptions(
		WithFileName(fileName),
		WithLogLevel("info"),
		WithCompress(false),
		WithMaxBackups(1),
	))
	logger.Info("test customer logger running...")
	logger.With("tx_id", "tx-1").Infof("with fields, now: %v", time.Now())

	_, err := os.Stat(fileName)
	assert.Nil(t, err)
}

func Test_console_logger(t *testing.T) {
	logger := NewSugarLogger(NewOptions(WithConsole(), WithLogLevel("unknown")))
	logger.Debug("filtered out at info level")
	logger.Warnf("console... now: %v", time.Now())
}

func Test_context_fields(t *testing.T) {
	ctx := WithContextFields(context.Background(), "saga_id", "s1")
	ctx = WithContextFields(ctx, "step", "reserve")
	assert.Equal(t, []interface{}{"saga_id", "s1", "step", "reserve"}, contextFields(ctx))
	assert.Nil(t, contextFields(context.Background()))

	nop := NewNopLogger()
	assert.NotNil(t, FromContext(ctx, nop))
	assert.Equal(t, nop, FromContext(context.Background(), nop))
}

func Test_default_logger(t *testing.T) {
	now := time.Now()
	Debugf("debug... now: %v", now)
	Infof("info... now: %v", now)
	Warnf("warn... now: %v", now)
	Errorf("error... now: %v", now)

	ctx := WithContextFields(context.Background(), "tx_id", "tx-1")
	DebugContextf(ctx, "debug... now: %v", now)
	InfoContextf(ctx, "info... now: %v", now)
	WarnContextf(ctx, "warn... now: %v", now)
	ErrorContextf(ctx, "error... now: %v", now)
}
