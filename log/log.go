package log

import (
	"context"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Logger interface {
	Error(v ...interface{})
	Warn(v ...interface{})
	Info(v ...interface{})
	Debug(v ...interface{})
	Errorf(format string, v ...interface{})
	Warnf(format string, v ...interface{})
	Infof(format string, v ...interface{})
	Debugf(format string, v ...interface{})
	// With 返回携带固定 key/value 字段的子 logger
	With(kv ...interface{}) Logger
}

var (
	defaultLogger Logger
)

func init() {
	defaultLogger = NewSugarLogger(NewOptions())
}

// Options 选项配置
type Options struct {
	LogName    string // 日志名称
	LogLevel   string // 日志级别
	FileName   string // 文件名称
	MaxAge     int    // 日志保留时间，以天为单位
	MaxSize    int    // 日志保留大小，以 M 为单位
	MaxBackups int    // 保留文件个数
	Compress   bool   // 是否压缩
	Console    bool   // 输出到标准输出，不落盘
}

// Option 选项方法
type Option func(*Options)

// NewOptions 初始化
func NewOptions(opts ...Option) Options {
	options := Options{
		LogName:    "gotx",
		LogLevel:   "info",
		FileName:   "gotx.log",
		MaxAge:     10,
		MaxSize:    100,
		MaxBackups: 3,
		Compress:   true,
	}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

// WithLogLevel 日志级别
func WithLogLevel(level string) Option {
	return func(o *Options) {
		o.LogLevel = level
	}
}

// WithFileName 日志文件
func WithFileName(filename string) Option {
	return func(o *Options) {
		o.FileName = filename
	}
}

func WithMaxAge(days int) Option {
	return func(o *Options) {
		o.MaxAge = days
	}
}

func WithMaxSize(megabytes int) Option {
	return func(o *Options) {
		o.MaxSize = megabytes
	}
}

func WithMaxBackups(backups int) Option {
	return func(o *Options) {
		o.MaxBackups = backups
	}
}

func WithCompress(compress bool) Option {
	return func(o *Options) {
		o.Compress = compress
	}
}

// WithConsole 日志输出到 stdout
func WithConsole() Option {
	return func(o *Options) {
		o.Console = true
	}
}

// Levels zapcore level
var Levels = map[string]zapcore.Level{
	"":      zapcore.DebugLevel,
	"debug": zapcore.DebugLevel,
	"info":  zapcore.InfoLevel,
	"warn":  zapcore.WarnLevel,
	"error": zapcore.ErrorLevel,
	"fatal": zapcore.FatalLevel,
}

type zapLoggerWrapper struct {
	*zap.SugaredLogger
	options Options
}

// NewSugarLogger 根据选项构造基于 zap 的 logger
func NewSugarLogger(options Options) Logger {
	w := &zapLoggerWrapper{options: options}
	level, ok := Levels[options.LogLevel]
	if !ok {
		level = zapcore.InfoLevel
	}
	core := zapcore.NewCore(w.getEncoder(), w.getLogWriter(), level)
	w.SugaredLogger = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).
		Sugar().
		Named(options.LogName)
	return w
}

// NewNopLogger 丢弃所有日志，主要用于测试
func NewNopLogger() Logger {
	return &zapLoggerWrapper{SugaredLogger: zap.NewNop().Sugar()}
}

func (w *zapLoggerWrapper) With(kv ...interface{}) Logger {
	return &zapLoggerWrapper{
		SugaredLogger: w.SugaredLogger.With(kv...),
		options:       w.options,
	}
}

func (w *zapLoggerWrapper) getEncoder() zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	// 在日志文件中使用大写字母记录日志级别
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	// NewConsoleEncoder 打印更符合人们观察的方式
	return zapcore.NewConsoleEncoder(encoderConfig)
}

func (w *zapLoggerWrapper) getLogWriter() zapcore.WriteSyncer {
	if w.options.Console {
		return zapcore.Lock(os.Stdout)
	}
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   w.options.FileName,
		MaxAge:     w.options.MaxAge,
		MaxSize:    w.options.MaxSize,
		MaxBackups: w.options.MaxBackups,
		Compress:   w.options.Compress,
	})
}

// GetDefaultLogger 获取默认日志实现
func GetDefaultLogger() Logger {
	return defaultLogger
}

type ctxFieldsKey struct{}

// WithContextFields 在 ctx 中追加日志字段，*Context 系列方法会自动带上
func WithContextFields(ctx context.Context, kv ...interface{}) context.Context {
	prev := contextFields(ctx)
	fields := make([]interface{}, 0, len(prev)+len(kv))
	fields = append(fields, prev...)
	fields = append(fields, kv...)
	return context.WithValue(ctx, ctxFieldsKey{}, fields)
}

func contextFields(ctx context.Context) []interface{} {
	if ctx == nil {
		return nil
	}
	fields, _ := ctx.Value(ctxFieldsKey{}).([]interface{})
	return fields
}

// FromContext 返回带上 ctx 字段的 logger
func FromContext(ctx context.Context, logger Logger) Logger {
	if logger == nil {
		logger = GetDefaultLogger()
	}
	if fields := contextFields(ctx); len(fields) > 0 {
		return logger.With(fields...)
	}
	return logger
}

// Debugf 打印 Debug 日志
func Debugf(format string, args ...interface{}) {
	GetDefaultLogger().Debugf(format, args...)
}

// Infof 打印 Info 日志
func Infof(format string, args ...interface{}) {
	GetDefaultLogger().Infof(format, args...)
}

// Warnf 打印 Warn 日志
func Warnf(format string, args ...interface{}) {
	GetDefaultLogger().Warnf(format, args...)
}

// Errorf 打印 Error 日志
func Errorf(format string, args ...interface{}) {
	GetDefaultLogger().Errorf(format, args...)
}

// DebugContextf 打印 Debug 日志
func DebugContextf(ctx context.Context, format string, args ...interface{}) {
	FromContext(ctx, nil).Debugf(format, args...)
}

// InfoContextf 打印 Info 日志
func InfoContextf(ctx context.Context, format string, args ...interface{}) {
	FromContext(ctx, nil).Infof(format, args...)
}

// WarnContextf 打印 Warn 日志
func WarnContextf(ctx context.Context, format string, args ...interface{}) {
	FromContext(ctx, nil).Warnf(format, args...)
}

func ErrorContextf(ctx context.Context, format string, args ...interface{}) {
	FromContext(ctx, nil).Errorf(format, args...)
}
