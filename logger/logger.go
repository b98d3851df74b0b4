package logger

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
)

var (
	info    = color.New(color.FgCyan)
	success = color.New(color.FgGreen)
	warn    = color.New(color.FgYellow)
	fail    = color.New(color.FgRed)
	debug   = color.New(color.FgHiBlack)

	debugEnabled = strings.EqualFold(os.Getenv("LOG_LEVEL"), "debug")
)

func stamp() string {
	return time.Now().Format("2006-01-02 15:04:05")
}

func Info(format string, v ...any) {
	info.Printf("[%s] [INFO] %s\n", stamp(), fmt.Sprintf(format, v...))
}

func Success(format string, v ...any) {
	success.Printf("[%s] [OK] %s\n", stamp(), fmt.Sprintf(format, v...))
}

func Warn(format string, v ...any) {
	warn.Printf("[%s] [WARN] %s\n", stamp(), fmt.Sprintf(format, v...))
}

func Error(format string, v ...any) {
	fail.Fprintf(os.Stderr, "[%s] [ERROR] %s\n", stamp(), fmt.Sprintf(format, v...))
}

func Debug(format string, v ...any) {
	if !debugEnabled {
		return
	}
	debug.Printf("[%s] [DEBUG] %s\n", stamp(), fmt.Sprintf(format, v...))
}

// Fatal logs and exits.
func Fatal(format string, v ...any) {
	Error(format, v...)
	os.Exit(1)
}
