package input

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/BTreeMap/ExpTools/internal/models"
	"golang.org/x/term"
)

const (
	keyEsc       = 0x1b
	keyCtrlC     = 0x03
	keyBackspace = 0x7f
)

// csiKeys names the final bytes of the cursor key sequences.
var csiKeys = map[byte]models.Key{
	'A': "up",
	'B': "down",
	'C': "right",
	'D': "left",
}

// Terminal is a keyboard in raw mode: every key press is delivered on its own,
// without waiting for Enter.
type Terminal struct {
	f     *os.File
	state *term.State
}

// MakeRaw puts r into raw mode when it is a terminal. It returns nil when r is a
// pipe, a file or anything else that is not a terminal.
func MakeRaw(r io.Reader) (*Terminal, error) {
	f, ok := r.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return nil, nil
	}
	state, err := term.MakeRaw(int(f.Fd()))
	if err != nil {
		return nil, err
	}
	slog.Debug("Keyboard switched to raw mode", "fd", f.Fd())
	return &Terminal{f: f, state: state}, nil
}

// Restore returns the terminal to the mode it had before MakeRaw.
func (t *Terminal) Restore() error {
	return term.Restore(int(t.f.Fd()), t.state)
}

// IsTerminal reports whether w writes to a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// rawWriter turns "\n" into "\r\n", which a raw terminal no longer does itself.
type rawWriter struct {
	w io.Writer
}

// NewRawWriter wraps w so that lines written to a raw terminal start at the
// left margin.
func NewRawWriter(w io.Writer) io.Writer {
	return rawWriter{w: w}
}

func (r rawWriter) Write(p []byte) (int, error) {
	if _, err := r.w.Write(bytes.ReplaceAll(p, []byte("\n"), []byte("\r\n"))); err != nil {
		return 0, err
	}
	return len(p), nil
}

// ReadKeys pushes one key per key press read from a raw terminal into q until r
// is exhausted or ctx is done. Ctrl-C is delivered as escape, since raw mode
// stops the terminal from turning it into an interrupt.
func ReadKeys(ctx context.Context, r io.Reader, q *Queue) error {
	chunks := make(chan []byte)
	errc := make(chan error, 1)
	go func() {
		defer close(chunks)
		buf := make([]byte, 64)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				select {
				case chunks <- append([]byte(nil), buf[:n]...):
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if err != io.EOF {
					errc <- err
				}
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				select {
				case err := <-errc:
					return err
				default:
					return nil
				}
			}
			keys := DecodeKeys(chunk)
			if len(keys) > 0 {
				slog.Debug("Keys read from terminal", "keys", keys)
				q.Push(keys...)
			}
		}
	}
}

// DecodeKeys names the key presses in one read from a raw terminal. A read
// holds whole escape sequences, so an escape byte at the end of the chunk or
// one not followed by '[' or 'O' is the escape key itself. Unknown sequences
// are dropped.
func DecodeKeys(b []byte) []models.Key {
	var keys []models.Key
	for i := 0; i < len(b); i++ {
		c := b[i]
		switch {
		case c == keyEsc:
			if i+1 < len(b) && (b[i+1] == '[' || b[i+1] == 'O') {
				j := i + 2
				for j < len(b) && (b[j] < 0x40 || b[j] > 0x7e) {
					j++
				}
				if j < len(b) {
					if k, ok := csiKeys[b[j]]; ok {
						keys = append(keys, k)
					}
				}
				i = j
				continue
			}
			keys = append(keys, "escape")
		case c == keyCtrlC:
			keys = append(keys, "escape")
		case c == '\r' || c == '\n':
			keys = append(keys, "return")
		case c == ' ':
			keys = append(keys, "space")
		case c == '\t':
			keys = append(keys, "tab")
		case c == keyBackspace:
			keys = append(keys, "backspace")
		case c >= 'A' && c <= 'Z':
			keys = append(keys, models.Key(rune(c+'a'-'A')))
		case c > ' ' && c < keyBackspace:
			keys = append(keys, models.Key(rune(c)))
		}
	}
	return keys
}
