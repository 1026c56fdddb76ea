// Package testutil runs the server and h2fetch binaries as child processes
// for end-to-end tests.
package testutil

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"

	"example.com/h2stream/internal/config"
)

// Binaries holds the paths of the freshly built commands.
type Binaries struct {
	Server  string
	H2Fetch string
}

var (
	buildOnce sync.Once
	built     Binaries
	buildErr  error
)

// BuildBinaries compiles cmd/server and cmd/h2fetch into a temporary
// directory. The build happens once per test binary.
func BuildBinaries(projectRoot string) (Binaries, error) {
	buildOnce.Do(func() {
		dir, err := os.MkdirTemp("", "h2stream-e2e-bin-")
		if err != nil {
			buildErr = fmt.Errorf("failed to create build dir: %w", err)
			return
		}
		built = Binaries{
			Server:  filepath.Join(dir, "server"),
			H2Fetch: filepath.Join(dir, "h2fetch"),
		}
		for pkg, out := range map[string]string{"./cmd/server": built.Server, "./cmd/h2fetch": built.H2Fetch} {
			cmd := exec.Command("go", "build", "-o", out, pkg)
			cmd.Dir = projectRoot
			if output, err := cmd.CombinedOutput(); err != nil {
				buildErr = fmt.Errorf("go build %s: %w\n%s", pkg, err, output)
				return
			}
		}
	})
	return built, buildErr
}

// GetFreePort asks the kernel for a free open port that is ready to use.
func GetFreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// WriteTempConfig encodes cfg as TOML into dir and returns the file path.
func WriteTempConfig(dir string, cfg *config.Config) (string, error) {
	buf := new(bytes.Buffer)
	if err := toml.NewEncoder(buf).Encode(cfg); err != nil {
		return "", fmt.Errorf("failed to encode config as toml: %w", err)
	}
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return "", fmt.Errorf("failed to write temp config file: %w", err)
	}
	return path, nil
}

// syncBuffer collects child process output; exec copies into it from its
// own goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// ServerInstance is a running server process.
type ServerInstance struct {
	Cmd     *exec.Cmd
	Address string

	logs   *syncBuffer
	waited chan struct{}
	err    error
}

// Logs returns everything the process has written so far.
func (s *ServerInstance) Logs() string {
	return s.logs.String()
}

// StartServer launches binary with --config configPath and waits until
// address accepts TCP connections.
func StartServer(binary, configPath, address string, extraArgs ...string) (*ServerInstance, error) {
	if _, _, err := net.SplitHostPort(address); err != nil {
		return nil, fmt.Errorf("invalid server address '%s': %w", address, err)
	}
	args := append([]string{"--config", configPath}, extraArgs...)
	cmd := exec.Command(binary, args...)
	logs := &syncBuffer{}
	cmd.Stdout = logs
	cmd.Stderr = logs

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start server process '%s': %w", binary, err)
	}
	s := &ServerInstance{Cmd: cmd, Address: address, logs: logs, waited: make(chan struct{})}
	go func() {
		s.err = cmd.Wait()
		close(s.waited)
	}()

	deadline := time.Now().Add(10 * time.Second)
	for {
		select {
		case <-s.waited:
			return nil, fmt.Errorf("server exited before becoming ready: %v. Logs captured:\n%s", s.err, s.Logs())
		default:
		}
		conn, err := net.DialTimeout("tcp", address, 200*time.Millisecond)
		if err == nil {
			conn.Close()
			return s, nil
		}
		if time.Now().After(deadline) {
			s.Stop()
			return nil, fmt.Errorf("server not ready at %s: %v. Logs captured:\n%s", address, err, s.Logs())
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// Stop sends SIGINT and waits for a graceful exit, falling back to SIGKILL.
// It returns the process exit error, nil on a clean shutdown.
func (s *ServerInstance) Stop() error {
	select {
	case <-s.waited:
		return s.err
	default:
	}
	_ = s.Cmd.Process.Signal(syscall.SIGINT)
	select {
	case <-s.waited:
		return s.err
	case <-time.After(5 * time.Second):
	}
	_ = s.Cmd.Process.Kill()
	<-s.waited
	return fmt.Errorf("server did not exit after SIGINT: %v", s.err)
}

// RunServer runs binary to completion, for configurations that should make
// it exit on its own.
func RunServer(ctx context.Context, binary string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, binary, args...).CombinedOutput()
	return string(out), err
}

// Fetch runs h2fetch with args and returns its stdout and stderr.
func Fetch(ctx context.Context, binary string, args ...string) (stdout, stderr string, err error) {
	var outBuf, errBuf bytes.Buffer
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	err = cmd.Run()
	return outBuf.String(), errBuf.String(), err
}
