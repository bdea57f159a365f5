// Package input provides the key sources a trial polls once per frame.
package input

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/ExpTools/internal/clock"
	"github.com/BTreeMap/ExpTools/internal/models"
)

// Source is polled by the trial loop. Poll never blocks and returns the keys
// pressed since the previous call, oldest first.
type Source interface {
	Poll() []models.Key
}

// Queue is a Source fed from other goroutines.
type Queue struct {
	mu   sync.Mutex
	keys []models.Key
}

// NewQueue creates an empty Queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Push appends keys to the queue.
func (q *Queue) Push(keys ...models.Key) {
	q.mu.Lock()
	q.keys = append(q.keys, keys...)
	q.mu.Unlock()
}

// Poll drains the queue.
func (q *Queue) Poll() []models.Key {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.keys) == 0 {
		return nil
	}
	keys := q.keys
	q.keys = nil
	return keys
}

// Press is a key released at a given clock time.
type Press struct {
	At  time.Duration
	Key models.Key
}

// Scripted releases presses once the clock has reached their time. It drives
// simulated subjects and tests.
type Scripted struct {
	mu      sync.Mutex
	clock   clock.Clock
	presses []Press
}

// NewScripted creates a Scripted source. Presses are sorted by time.
func NewScripted(c clock.Clock, presses ...Press) *Scripted {
	p := append([]Press(nil), presses...)
	sort.SliceStable(p, func(i, j int) bool { return p[i].At < p[j].At })
	return &Scripted{clock: c, presses: p}
}

// Poll returns every press due by now.
func (s *Scripted) Poll() []models.Key {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for n < len(s.presses) && s.presses[n].At <= now {
		n++
	}
	if n == 0 {
		return nil
	}
	keys := make([]models.Key, n)
	for i := 0; i < n; i++ {
		keys[i] = s.presses[i].Key
	}
	s.presses = s.presses[n:]
	return keys
}

// Remaining returns how many presses have not been released yet.
func (s *Scripted) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.presses)
}

// Multi merges several sources, polling them in order.
type Multi []Source

// Poll concatenates the keys of all sources.
func (m Multi) Poll() []models.Key {
	var keys []models.Key
	for _, src := range m {
		if src == nil {
			continue
		}
		keys = append(keys, src.Poll()...)
	}
	return keys
}

// ReadLines pushes one key per non-empty line read from r into q until r is
// exhausted or ctx is done. Each line is lower-cased and trimmed. It serves
// piped or scripted input; a terminal goes through MakeRaw and ReadKeys.
func ReadLines(ctx context.Context, r io.Reader, q *Queue) error {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		errc <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-errc:
					return err
				default:
					return nil
				}
			}
			key := strings.ToLower(strings.TrimSpace(line))
			if key == "" {
				continue
			}
			slog.Debug("Key read from terminal", "key", key)
			q.Push(models.Key(key))
		}
	}
}
