package logs

import (
	"log"
	"os"
)

// 定义日志级别常量（数值越大，级别越高）
const (
	LevelTrace = iota // 0（最低，最详细）
	LevelDebug        // 1
	LevelInfo         // 2
	LevelWarn         // 3
	LevelError        // 4（最高，最严重）
)

var logLevel = LevelInfo // 全局日志级别

// SetLevel 调整全局日志级别
func SetLevel(level int) {
	if level >= LevelTrace && level <= LevelError {
		logLevel = level
	}
}

// Logger 各共识组件持有的日志接口，带节点前缀
type Logger interface {
	Trace(format string, v ...interface{})
	Debug(format string, v ...interface{})
	Info(format string, v ...interface{})
	Warn(format string, v ...interface{})
	Error(format string, v ...interface{})
}

type prefixLogger struct {
	prefix string
}

// NewNodeLogger 创建带节点名前缀的 Logger
func NewNodeLogger(prefix string) Logger {
	return &prefixLogger{prefix: "[" + prefix + "] "}
}

func (l *prefixLogger) Trace(format string, v ...interface{}) {
	if logLevel <= LevelTrace {
		traceLogger.Printf(l.prefix+format, v...)
	}
}

func (l *prefixLogger) Debug(format string, v ...interface{}) {
	if logLevel <= LevelDebug {
		debugLogger.Printf(l.prefix+format, v...)
	}
}

func (l *prefixLogger) Info(format string, v ...interface{}) {
	if logLevel <= LevelInfo {
		infoLogger.Printf(l.prefix+format, v...)
	}
}

func (l *prefixLogger) Warn(format string, v ...interface{}) {
	if logLevel <= LevelWarn {
		warnLogger.Printf(l.prefix+format, v...)
	}
}

func (l *prefixLogger) Error(format string, v ...interface{}) {
	if logLevel <= LevelError {
		errorLogger.Printf(l.prefix+format, v...)
	}
}

// 全局 logger 实例
var (
	traceLogger = log.New(os.Stdout, "[TRACE] ", log.Ldate|log.Ltime|log.Lmicroseconds|log.Lshortfile)
	debugLogger = log.New(os.Stdout, "[DEBUG] ", log.Ldate|log.Ltime|log.Lmicroseconds|log.Lshortfile)
	infoLogger  = log.New(os.Stdout, "[INFO]  ", log.Ldate|log.Ltime|log.Lmicroseconds|log.Lshortfile)
	warnLogger  = log.New(os.Stdout, "[WARN]  ", log.Ldate|log.Ltime|log.Lmicroseconds|log.Lshortfile)
	errorLogger = log.New(os.Stderr, "[ERROR] ", log.Ldate|log.Ltime|log.Lmicroseconds|log.Lshortfile)
)

// 包级别的日志方法（无节点前缀，启动/关闭路径用）
func Trace(format string, v ...interface{}) {
	if logLevel <= LevelTrace {
		traceLogger.Printf(format, v...)
	}
}

func Debug(format string, v ...interface{}) {
	if logLevel <= LevelDebug {
		debugLogger.Printf(format, v...)
	}
}

func Info(format string, v ...interface{}) {
	if logLevel <= LevelInfo {
		infoLogger.Printf(format, v...)
	}
}

func Warn(format string, v ...interface{}) {
	if logLevel <= LevelWarn {
		warnLogger.Printf(format, v...)
	}
}

func Error(format string, v ...interface{}) {
	if logLevel <= LevelError {
		errorLogger.Printf(format, v...)
	}
}
