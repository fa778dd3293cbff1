package ciecore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// LoggerConfig configures NewProductionLogger.
type LoggerConfig struct {
	// Level "debug" enables Debug(). Any other value disables Debug() only;
	// Info, Warn and Error are always emitted.
	Level string
	// Format is "json" or "text". Defaults to "text".
	Format string
	// Output is "stdout" or "stderr". Defaults to "stdout".
	Output string
}

// ProductionLogger is a small structured logger: JSON lines in production,
// human-readable lines for local development. It carries an optional
// component label so WithComponent can scope child loggers without mutating
// the parent.
type ProductionLogger struct {
	debug     bool
	format    string
	output    io.Writer
	component string
}

// NewProductionLogger builds a Logger from LoggerConfig. serviceName is the
// initial component label, stamped on every line as "component".
func NewProductionLogger(cfg LoggerConfig, serviceName string) *ProductionLogger {
	var out io.Writer = os.Stdout
	if cfg.Output == "stderr" {
		out = os.Stderr
	}
	return &ProductionLogger{
		debug:     strings.ToLower(cfg.Level) == "debug",
		format:    cfg.Format,
		output:    out,
		component: serviceName,
	}
}

// WithComponent returns a Logger stamping a different component label,
// sharing the rest of this logger's configuration.
func (p *ProductionLogger) WithComponent(component string) Logger {
	clone := *p
	clone.component = component
	return &clone
}

func (p *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	p.logEvent(context.Background(), "INFO", msg, fields)
}
func (p *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	p.logEvent(context.Background(), "ERROR", msg, fields)
}
func (p *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	p.logEvent(context.Background(), "WARN", msg, fields)
}
func (p *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	if p.debug {
		p.logEvent(context.Background(), "DEBUG", msg, fields)
	}
}

func (p *ProductionLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent(ctx, "INFO", msg, fields)
}
func (p *ProductionLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent(ctx, "ERROR", msg, fields)
}
func (p *ProductionLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent(ctx, "WARN", msg, fields)
}
func (p *ProductionLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	if p.debug {
		p.logEvent(ctx, "DEBUG", msg, fields)
	}
}

func (p *ProductionLogger) logEvent(_ context.Context, level, msg string, fields map[string]interface{}) {
	ts := time.Now().Format(time.RFC3339)

	if p.format == "json" {
		entry := map[string]interface{}{
			"timestamp": ts,
			"level":     level,
			"component": p.component,
			"message":   msg,
		}
		for k, v := range fields {
			entry[k] = v
		}
		if data, err := json.Marshal(entry); err == nil {
			fmt.Fprintln(p.output, string(data))
		}
		return
	}

	var fieldStr strings.Builder
	for k, v := range fields {
		fieldStr.WriteString(fmt.Sprintf(" %s=%v", k, v))
	}
	fmt.Fprintf(p.output, "%s [%s] [%s] %s%s\n", ts, level, p.component, msg, fieldStr.String())
}
