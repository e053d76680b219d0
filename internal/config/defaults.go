package config

import (
	"net"
	"strconv"
	"time"

	"runcore/internal/jobs"
	"runcore/internal/llm"
	"runcore/internal/observability"
	"runcore/internal/react"
	"runcore/internal/task"
	"runcore/internal/toolregistry"
)

const (
	DefaultHost            = "127.0.0.1"
	DefaultPort            = 8080
	DefaultShutdownTimeout = 10 * time.Second
	DefaultHeartbeat       = 15 * time.Second
	DefaultMaxPending      = 1024

	// EnvPrefix namespaces every environment variable the loader reads.
	EnvPrefix = "RUNCORE"
	// FileName is the config file searched for, without extension.
	FileName = "runcore"
)

// Default returns the built-in configuration.
func Default() RuntimeConfig {
	return RuntimeConfig{
		Server: ServerConfig{
			Host:            DefaultHost,
			Port:            DefaultPort,
			AllowedOrigins:  []string{"*"},
			ShutdownTimeout: DefaultShutdownTimeout,
			Heartbeat:       DefaultHeartbeat,
		},
		LLM:   llm.DefaultConfig(),
		React: ReactConfig{MaxSteps: react.DefaultMaxSteps},
		Tools: ToolsConfig{Workers: toolregistry.DefaultWorkers},
		Bus:   BusConfig{MaxPending: DefaultMaxPending},
		Tasks: TaskConfig{Retention: task.DefaultRetention},
		Demo:  jobs.DefaultDemoConfig(),

		Observability: observability.DefaultConfig(),
	}
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
