package logger

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

var levelNames = map[LogLevel]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
	FATAL: "FATAL",
}

var (
	currentLevel = INFO
	mu           sync.RWMutex
	sink         = &fileSink{}
)

// fileSink is the optional JSONL file output behind the console logger.
type fileSink struct {
	file            *os.File
	path            string
	rotationEnabled bool
	maxSizeBytes    int64
	maxAgeDays      int
	currentSize     int64
	lastRotation    time.Time
	rotateMu        sync.Mutex
}

type logEntry struct {
	Level     string                 `json:"level"`
	Timestamp string                 `json:"timestamp"`
	Component string                 `json:"component,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

func SetLevel(level LogLevel) {
	mu.Lock()
	defer mu.Unlock()
	currentLevel = level
}

func GetLevel() LogLevel {
	mu.RLock()
	defer mu.RUnlock()
	return currentLevel
}

// ParseLevel maps a config string to a LogLevel, defaulting to INFO.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	case "fatal":
		return FATAL
	default:
		return INFO
	}
}

func EnableFileLogging(path string) error {
	return EnableFileLoggingWithRotation(path, false, 0, 0)
}

func EnableFileLoggingWithRotation(path string, rotationEnabled bool, maxSizeMB, maxAgeDays int) error {
	mu.Lock()
	defer mu.Unlock()

	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	var size int64
	if stat, err := file.Stat(); err == nil {
		size = stat.Size()
	}

	if sink.file != nil {
		sink.file.Close()
	}

	sink.file = file
	sink.path = path
	sink.rotationEnabled = rotationEnabled
	sink.maxSizeBytes = int64(maxSizeMB) * 1024 * 1024
	sink.maxAgeDays = maxAgeDays
	sink.currentSize = size
	sink.lastRotation = time.Now()

	log.Println("File logging enabled:", path)
	return nil
}

func DisableFileLogging() {
	mu.Lock()
	defer mu.Unlock()
	if sink.file != nil {
		sink.file.Close()
		sink.file = nil
	}
}

func (s *fileSink) shouldRotate() bool {
	if !s.rotationEnabled {
		return false
	}
	if s.maxSizeBytes > 0 && s.currentSize >= s.maxSizeBytes {
		return true
	}
	if s.maxAgeDays > 0 {
		now := time.Now()
		if now.YearDay() != s.lastRotation.YearDay() || now.Year() != s.lastRotation.Year() {
			return true
		}
	}
	return false
}

func (s *fileSink) rotate() error {
	s.rotateMu.Lock()
	defer s.rotateMu.Unlock()

	if s.file == nil {
		return nil
	}
	s.file.Close()

	rotated := fmt.Sprintf("%s.%s", s.path, time.Now().Format("20060102-150405"))
	if err := os.Rename(s.path, rotated); err != nil {
		if file, openErr := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); openErr == nil {
			s.file = file
		}
		return fmt.Errorf("failed to rotate log file: %w", err)
	}

	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to create new log file: %w", err)
	}
	s.file = file
	s.currentSize = 0
	s.lastRotation = time.Now()

	go s.cleanOldRotated()
	return nil
}

func (s *fileSink) cleanOldRotated() {
	if s.maxAgeDays <= 0 {
		return
	}
	dir := filepath.Dir(s.path)
	base := filepath.Base(s.path)
	cutoff := time.Now().AddDate(0, 0, -s.maxAgeDays)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), base+".") {
			continue
		}
		if info, err := entry.Info(); err == nil && info.ModTime().Before(cutoff) {
			os.Remove(filepath.Join(dir, entry.Name()))
		}
	}
}

func logMessage(level LogLevel, component, message string, fields map[string]interface{}) {
	if level < GetLevel() {
		return
	}

	entry := logEntry{
		Level:     levelNames[level],
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Component: component,
		Message:   message,
		Fields:    fields,
	}

	if sink.file != nil {
		if sink.shouldRotate() {
			if err := sink.rotate(); err != nil {
				log.Printf("Failed to rotate log file: %v", err)
			}
		}
		if data, err := json.Marshal(entry); err == nil {
			if n, werr := sink.file.WriteString(string(data) + "\n"); werr == nil {
				sink.currentSize += int64(n)
			}
		}
	}

	var fieldStr string
	if len(fields) > 0 {
		parts := make([]string, 0, len(fields))
		for k, v := range fields {
			parts = append(parts, fmt.Sprintf("%s=%v", k, v))
		}
		fieldStr = " {" + strings.Join(parts, ", ") + "}"
	}

	componentStr := ""
	if component != "" {
		componentStr = " " + component + ":"
	}

	log.Printf("[%s] [%s]%s %s%s", entry.Timestamp, levelNames[level], componentStr, message, fieldStr)

	if level == FATAL {
		os.Exit(1)
	}
}

func Debug(message string)             { logMessage(DEBUG, "", message, nil) }
func DebugC(component, message string) { logMessage(DEBUG, component, message, nil) }
func Info(message string)              { logMessage(INFO, "", message, nil) }
func InfoC(component, message string)  { logMessage(INFO, component, message, nil) }
func Warn(message string)              { logMessage(WARN, "", message, nil) }
func WarnC(component, message string)  { logMessage(WARN, component, message, nil) }
func Error(message string)             { logMessage(ERROR, "", message, nil) }
func ErrorC(component, message string) { logMessage(ERROR, component, message, nil) }
func Fatal(message string)             { logMessage(FATAL, "", message, nil) }

func DebugCF(component, message string, fields map[string]interface{}) {
	logMessage(DEBUG, component, message, fields)
}

func InfoCF(component, message string, fields map[string]interface{}) {
	logMessage(INFO, component, message, fields)
}

func WarnCF(component, message string, fields map[string]interface{}) {
	logMessage(WARN, component, message, fields)
}

func ErrorCF(component, message string, fields map[string]interface{}) {
	logMessage(ERROR, component, message, fields)
}

func FatalCF(component, message string, fields map[string]interface{}) {
	logMessage(FATAL, component, message, fields)
}
