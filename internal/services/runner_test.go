package services

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

type fakeCall struct {
	name string
	args []string
}

func (c fakeCall) has(arg string) bool {
	for _, a := range c.args {
		if a == arg {
			return true
		}
	}
	return false
}

func (c fakeCall) after(flag string) string {
	for i, a := range c.args {
		if a == flag && i+1 < len(c.args) {
			return c.args[i+1]
		}
	}
	return ""
}

func (c fakeCall) joined() string { return strings.Join(c.args, " ") }

// fakeRunner records invocations. Unless handle says otherwise, ffmpeg calls
// succeed and create their output file so later steps can stat it.
type fakeRunner struct {
	mu     sync.Mutex
	calls  []fakeCall
	handle func(call fakeCall) ([]byte, error, bool)
}

func (f *fakeRunner) Run(ctx context.Context, name string, args []string) ([]byte, error) {
	call := fakeCall{name: name, args: append([]string(nil), args...)}
	f.mu.Lock()
	f.calls = append(f.calls, call)
	handle := f.handle
	f.mu.Unlock()

	if handle != nil {
		if out, err, ok := handle(call); ok {
			return out, err
		}
	}
	if name == "ffmpeg" && len(args) > 0 {
		out := args[len(args)-1]
		if out != "-" && filepath.IsAbs(out) {
			_ = os.WriteFile(out, []byte("fake media"), 0o644)
		}
	}
	return nil, nil
}

func (f *fakeRunner) callsTo(name string) []fakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []fakeCall
	for _, c := range f.calls {
		if c.name == name {
			out = append(out, c)
		}
	}
	return out
}

func requireFFmpeg(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not installed")
	}
	if _, err := exec.LookPath("ffprobe"); err != nil {
		t.Skip("ffprobe not installed")
	}
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}
