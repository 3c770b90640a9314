package config

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// Config holds process-level settings for the runtime host: the HTTP
// listener, where per-agent SQLite databases live, and operational knobs
// like the restart token and idle-eviction timeout.
type Config struct {
	HTTPAddr string
	DataDir  string

	RoutePrefix  string
	IdleTimeout  string
	RestartToken string
}

func Load() Config {
	loadDotEnv(".env")
	return Config{
		HTTPAddr:     getEnv("AGENTRT_HTTP_ADDR", ":8080"),
		DataDir:      getEnv("AGENTRT_DATA_DIR", "data"),
		RoutePrefix:  getEnv("AGENTRT_ROUTE_PREFIX", "agents"),
		IdleTimeout:  getEnv("AGENTRT_IDLE_TIMEOUT", "10m"),
		RestartToken: getEnv("AGENTRT_RESTART_TOKEN", ""),
	}
}

// AgentDBPath returns the SQLite file path for one agent instance,
// partitioned by class so instances never collide across classes.
func (c Config) AgentDBPath(class, name string) string {
	return filepath.Join(c.DataDir, sanitizePathComponent(class), sanitizePathComponent(name)+".db")
}

// sanitizePathComponent strips path separators and "." / ".." from a
// caller-supplied class or instance name before it becomes one path
// component, so a name like "../../etc/passwd" can't escape DataDir.
func sanitizePathComponent(s string) string {
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, `\`, "_")
	s = strings.ReplaceAll(s, "..", "_")
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func loadDotEnv(path string) {
	file, err := os.Open(path)
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		value = strings.TrimSpace(value)
		value = strings.Trim(value, `"'`)
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, value)
	}
}
