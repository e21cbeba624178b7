package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
)

// sentinelHead is printed glued to a per-command tail. The command line sends
// them as two separate printf arguments, so the terminal echo of the command
// never contains the joined token.
const sentinelHead = "__PB"

// session is one interactive shell on a pseudo-terminal. Every byte the shell
// writes is kept for the transcript and copied to the tee writer.
type session struct {
	cmd   *exec.Cmd
	ptmx  *os.File
	nonce string
	tee   io.Writer

	mu  sync.Mutex
	out []byte

	notify chan struct{}
	done   chan struct{}
	dead   chan struct{}
	seq    int
	killed atomic.Bool
	closer sync.Once
	killer sync.Once
}

type stepResult struct {
	ExitCode int
	Output   string
}

func startSession(cmd *exec.Cmd, tee io.Writer) (*session, error) {
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("pty start: %w", err)
	}
	// Wide enough that commands are never wrapped by the terminal.
	_ = pty.Setsize(ptmx, &pty.Winsize{Rows: 50, Cols: 1024})

	s := &session{
		cmd:    cmd,
		ptmx:   ptmx,
		nonce:  strings.ReplaceAll(uuid.New().String(), "-", "")[:10],
		tee:    tee,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		dead:   make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

func (s *session) readLoop() {
	defer close(s.done)
	buf := make([]byte, 32*1024)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			s.mu.Lock()
			s.out = append(s.out, buf[:n]...)
			s.mu.Unlock()
			if s.tee != nil {
				// Stream write errors are ignored; the transcript is authoritative.
				_, _ = s.tee.Write(buf[:n])
			}
			select {
			case s.notify <- struct{}{}:
			default:
			}
		}
		if err != nil {
			return
		}
	}
}

// transcript returns everything the session has printed so far.
func (s *session) transcript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.out)
}

func (s *session) mark() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.out)
}

// run sends command followed by an exit-status sentinel and waits until the
// sentinel is printed. timeout <= 0 waits until the command finishes, the
// context ends, or the session is killed.
func (s *session) run(ctx context.Context, command string, timeout time.Duration) (stepResult, error) {
	s.seq++
	tail := fmt.Sprintf("_%s_%d", s.nonce, s.seq)
	sentinel := regexp.MustCompile(regexp.QuoteMeta(sentinelHead+tail) + `:(-?\d+)`)

	start := s.mark()
	line := fmt.Sprintf("%s; printf '\\n%%s%%s:%%d\\n' %s %s \"$?\"\n", command, sentinelHead, tail)
	if _, err := s.ptmx.Write([]byte(line)); err != nil {
		if s.killed.Load() {
			return stepResult{}, ErrCancelled
		}
		return stepResult{}, fmt.Errorf("%w: write to pty: %v", ErrSessionExited, err)
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		if res, ok := s.scan(start, sentinel, tail); ok {
			return res, nil
		}
		select {
		case <-s.notify:
		case <-s.done:
			if res, ok := s.scan(start, sentinel, tail); ok {
				return res, nil
			}
			if s.killed.Load() {
				return stepResult{}, ErrCancelled
			}
			return stepResult{Output: s.since(start)}, ErrSessionExited
		case <-s.dead:
			// Children of the shell may keep the terminal open after a kill.
			return stepResult{Output: s.since(start)}, ErrCancelled
		case <-deadline:
			return stepResult{Output: s.since(start)}, ErrReadyTimeout
		case <-ctx.Done():
			return stepResult{Output: s.since(start)}, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		}
	}
}

func (s *session) scan(start int, sentinel *regexp.Regexp, tail string) (stepResult, bool) {
	s.mu.Lock()
	seg := string(s.out[start:])
	s.mu.Unlock()

	loc := sentinel.FindStringSubmatchIndex(seg)
	if loc == nil {
		return stepResult{}, false
	}
	code, err := strconv.Atoi(seg[loc[2]:loc[3]])
	if err != nil {
		code = -1
	}
	return stepResult{ExitCode: code, Output: stripEcho(seg[:loc[0]], tail)}, true
}

func (s *session) since(start int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.out[start:])
}

// stripEcho drops the terminal echo of the command line (and anything printed
// before it, such as the prompt).
func stripEcho(out, tail string) string {
	out = strings.ReplaceAll(out, "\r\n", "\n")
	if i := strings.Index(out, tail); i >= 0 {
		if nl := strings.IndexByte(out[i:], '\n'); nl >= 0 {
			out = out[i+nl+1:]
		} else {
			out = ""
		}
	}
	return strings.TrimRight(out, "\n")
}

// waitReady probes the shell until it answers. Input typed before the
// container's shell is attached can be dropped, so the probe is resent.
func (s *session) waitReady(ctx context.Context, total time.Duration) error {
	deadline := time.Now().Add(total)
	for {
		probe := time.Until(deadline)
		if probe <= 0 {
			return ErrReadyTimeout
		}
		if probe > 3*time.Second {
			probe = 3 * time.Second
		}
		_, err := s.run(ctx, "true", probe)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrReadyTimeout) {
			return err
		}
	}
}

// exit asks the shell to leave and waits briefly for it to do so.
func (s *session) exit(grace time.Duration) {
	_, _ = s.ptmx.Write([]byte("exit\n"))
	select {
	case <-s.done:
	case <-time.After(grace):
	}
}

// kill terminates the session process. Safe to call more than once and
// concurrently with run.
func (s *session) kill() {
	s.killed.Store(true)
	s.killer.Do(func() { close(s.dead) })
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
}

// close kills the process if needed and releases the terminal.
func (s *session) close() {
	s.closer.Do(func() {
		select {
		case <-s.done:
		default:
			if s.cmd.Process != nil {
				_ = s.cmd.Process.Kill()
			}
		}
		_ = s.ptmx.Close()
		_ = s.cmd.Wait()
	})
}
