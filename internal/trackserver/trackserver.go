// Package trackserver launches a local MLflow tracking server as a
// subprocess for studies that have no server to talk to.
package trackserver

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Server struct {
	Host    string
	Port    int
	cmd     *exec.Cmd
	logFile *os.File
}

type StartOpts struct {
	// Command overrides the server command line. {host} and {port} are
	// substituted. Empty runs `mlflow server`.
	Command              []string
	Host                 string
	Port                 int
	BackendStoreURI      string
	ArtifactsDestination string
	SecretsEnvFile       string
	LogDir               string
	ReadyTimeout         time.Duration
}

func FindFreePort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("finding free port: %w", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port, nil
}

func (s *Server) URL() string {
	return fmt.Sprintf("http://%s", net.JoinHostPort(s.Host, strconv.Itoa(s.Port)))
}

func (o *StartOpts) args(host string, port int) []string {
	if len(o.Command) == 0 {
		args := []string{"mlflow", "server", "--host", host, "--port", strconv.Itoa(port)}
		if o.BackendStoreURI != "" {
			args = append(args, "--backend-store-uri", o.BackendStoreURI)
		}
		if o.ArtifactsDestination != "" {
			args = append(args, "--artifacts-destination", o.ArtifactsDestination)
		}
		return args
	}
	r := strings.NewReplacer("{host}", host, "{port}", strconv.Itoa(port))
	args := make([]string, len(o.Command))
	for i, a := range o.Command {
		args[i] = r.Replace(a)
	}
	return args
}

// Start launches the server and waits until it accepts connections. The
// server lives until Stop is called or ctx is cancelled.
func Start(ctx context.Context, opts *StartOpts) (*Server, error) {
	host := opts.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := opts.Port
	if port == 0 {
		p, err := FindFreePort()
		if err != nil {
			return nil, err
		}
		port = p
	}
	timeout := opts.ReadyTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	logDir := opts.LogDir
	if logDir == "" {
		logDir = "."
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating log dir: %w", err)
	}
	logFile, err := os.Create(filepath.Join(logDir, fmt.Sprintf("mlflow-%d.log", port)))
	if err != nil {
		return nil, fmt.Errorf("creating log file: %w", err)
	}

	args := opts.args(host, port)
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	cmd.Env = os.Environ()
	if opts.SecretsEnvFile != "" {
		envVars, err := ParseEnvFile(opts.SecretsEnvFile)
		if err != nil {
			logFile.Close()
			return nil, fmt.Errorf("reading secrets env file: %w", err)
		}
		cmd.Env = append(cmd.Env, envVars...)
	}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, fmt.Errorf("starting %s: %w", args[0], err)
	}

	if err := waitForPort(host, port, timeout); err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		logFile.Close()
		return nil, fmt.Errorf("%s did not start: %w", args[0], err)
	}

	return &Server{Host: host, Port: port, cmd: cmd, logFile: logFile}, nil
}

func (s *Server) Stop() error {
	if s.cmd != nil && s.cmd.Process != nil {
		s.cmd.Process.Kill()
		s.cmd.Wait()
	}
	if s.logFile != nil {
		s.logFile.Close()
	}
	return nil
}

func waitForPort(host string, port int, timeout time.Duration) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err == nil {
			conn.Close()
			return nil
		}
		time.Sleep(250 * time.Millisecond)
	}
	return fmt.Errorf("port %d not ready after %s", port, timeout)
}

// ParseEnvFile reads KEY=VALUE lines, skipping blanks and comments. An
// `export ` prefix and matching surrounding quotes are stripped.
func ParseEnvFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var envVars []string
	for _, line := range bytes.Split(data, []byte("\n")) {
		s := strings.TrimSpace(string(line))
		if s == "" || s[0] == '#' {
			continue
		}
		s = strings.TrimPrefix(s, "export ")
		key, val, ok := strings.Cut(s, "=")
		if !ok {
			continue
		}
		envVars = append(envVars, strings.TrimSpace(key)+"="+stripQuotes(val))
	}
	return envVars, nil
}

// LoadEnvFile sets every variable from the file that is not already set in
// the process environment.
func LoadEnvFile(path string) error {
	vars, err := ParseEnvFile(path)
	if err != nil {
		return err
	}
	for _, kv := range vars {
		key, val, _ := strings.Cut(kv, "=")
		if _, set := os.LookupEnv(key); set {
			continue
		}
		if err := os.Setenv(key, val); err != nil {
			return fmt.Errorf("setting %s: %w", key, err)
		}
	}
	return nil
}

func stripQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
