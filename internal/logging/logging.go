package logging

import (
	"encoding/json"
	"log"
	"os"
	"sync/atomic"
	"time"
)

type Logger struct {
	structured bool
	service    atomic.Value // string
}

type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
	Service string    `json:"service"`
	Error   string    `json:"error,omitempty"`
	Data    any       `json:"data,omitempty"`
}

var DefaultLogger = newLogger(os.Getenv("LOG_FORMAT") == "json", "securechat")

func newLogger(structured bool, service string) *Logger {
	l := &Logger{structured: structured}
	l.service.Store(service)
	return l
}

// SetService changes the service name stamped on structured entries.
func SetService(name string) {
	DefaultLogger.service.Store(name)
}

func (l *Logger) log(level, message string, err error, data any) {
	if l.structured {
		entry := LogEntry{
			Time:    time.Now().UTC(),
			Level:   level,
			Message: message,
			Service: l.service.Load().(string),
			Data:    data,
		}
		if err != nil {
			entry.Error = err.Error()
		}
		if jsonData, mErr := json.Marshal(entry); mErr == nil {
			log.Println(string(jsonData))
		} else {
			log.Printf("[%s] %s", level, message)
		}
		return
	}

	switch {
	case err != nil && data != nil:
		log.Printf("[%s] %s: %v %+v", level, message, err, data)
	case err != nil:
		log.Printf("[%s] %s: %v", level, message, err)
	case data != nil:
		log.Printf("[%s] %s: %+v", level, message, data)
	default:
		log.Printf("[%s] %s", level, message)
	}
}

func first(data []any) any {
	if len(data) > 0 {
		return data[0]
	}
	return nil
}

func Info(message string, data ...any) {
	DefaultLogger.log("INFO", message, nil, first(data))
}

func Warn(message string, data ...any) {
	DefaultLogger.log("WARN", message, nil, first(data))
}

func Error(message string, data ...any) {
	DefaultLogger.log("ERROR", message, nil, first(data))
}

func WarnWithError(message string, err error, data ...any) {
	DefaultLogger.log("WARN", message, err, first(data))
}

func ErrorWithError(message string, err error, data ...any) {
	DefaultLogger.log("ERROR", message, err, first(data))
}
