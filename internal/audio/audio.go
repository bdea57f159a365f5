// Package audio plays short feedback sounds without blocking the trial loop.
package audio

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/BTreeMap/ExpTools/internal/models"
	"github.com/go-audio/wav"
)

// DefaultSampleRate assumes 44.1 kHz mono int16 sounds.
const DefaultSampleRate = 44100

// DefaultQueueSize bounds the number of sounds waiting to be played.
const DefaultQueueSize = 8

// Sound is a mono PCM16 clip.
type Sound struct {
	Name       string
	Samples    []int16
	SampleRate int
}

// Backend writes a sound to the output device. Play may block for the duration
// of the clip; the Player calls it from its own goroutine.
type Backend interface {
	Play(s Sound) error
}

// NullBackend discards every sound. It stands in when no audio device is present.
type NullBackend struct{}

// Play does nothing.
func (NullBackend) Play(Sound) error { return nil }

// LoadDir reads every *.wav file in dir, keyed by file stem. Stereo files keep
// their first channel.
func LoadDir(dir string) (map[string]Sound, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.wav"))
	if err != nil {
		return nil, fmt.Errorf("failed to list sounds in %s: %w", dir, err)
	}
	sort.Strings(files)
	sounds := make(map[string]Sound, len(files))
	for _, f := range files {
		s, err := LoadFile(f)
		if err != nil {
			return nil, err
		}
		sounds[s.Name] = s
	}
	slog.Debug("Sounds loaded", "dir", dir, "count", len(sounds))
	return sounds, nil
}

// LoadFile decodes one WAV file.
func LoadFile(path string) (Sound, error) {
	f, err := os.Open(path)
	if err != nil {
		return Sound{}, fmt.Errorf("failed to open sound %s: %w", path, err)
	}
	defer f.Close()

	d := wav.NewDecoder(f)
	if !d.IsValidFile() {
		return Sound{}, fmt.Errorf("%s is not a valid WAV file", path)
	}
	buf, err := d.FullPCMBuffer()
	if err != nil {
		return Sound{}, fmt.Errorf("failed to decode sound %s: %w", path, err)
	}

	channels := int(d.NumChans)
	if channels < 1 {
		channels = 1
	}
	shift := 0
	if d.BitDepth > 16 {
		shift = int(d.BitDepth) - 16
	}
	samples := make([]int16, 0, len(buf.Data)/channels)
	for i := 0; i < len(buf.Data); i += channels {
		v := buf.Data[i]
		switch {
		case d.BitDepth == 8:
			// 8-bit WAV is unsigned
			v = (v - 128) << 8
		case shift > 0:
			v >>= shift
		}
		samples = append(samples, int16(v))
	}

	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return Sound{Name: name, Samples: samples, SampleRate: int(d.SampleRate)}, nil
}

// Tone synthesizes a sine tone with short linear ramps to avoid clicks.
func Tone(name string, freq float64, seconds float64, rate int) Sound {
	if rate <= 0 {
		rate = DefaultSampleRate
	}
	n := int(seconds * float64(rate))
	ramp := rate / 200
	samples := make([]int16, n)
	for i := range samples {
		gain := 1.0
		if ramp > 0 {
			if i < ramp {
				gain = float64(i) / float64(ramp)
			} else if n-1-i < ramp {
				gain = float64(n-1-i) / float64(ramp)
			}
		}
		samples[i] = int16(gain * 0.5 * math.MaxInt16 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return Sound{Name: name, Samples: samples, SampleRate: rate}
}

// Feedback sound identifiers.
const (
	SoundCorrect   = "0"
	SoundIncorrect = "1"
)

// DefaultSounds returns synthesized feedback tones for sessions without a sounds
// directory: a high tone for correct answers and a low one for mistakes.
func DefaultSounds() map[string]Sound {
	return map[string]Sound{
		SoundCorrect:   Tone(SoundCorrect, 880, 0.1, DefaultSampleRate),
		SoundIncorrect: Tone(SoundIncorrect, 220, 0.2, DefaultSampleRate),
	}
}

// Player plays sounds from a table on a background goroutine.
type Player struct {
	backend Backend
	sounds  map[string]Sound
	queue   chan Sound

	closeOnce sync.Once
	done      chan struct{}
	mu        sync.RWMutex
	closed    bool
	dropped   atomic.Int64
}

// PlayerOption configures a Player.
type PlayerOption func(*Player)

// WithQueueSize sets how many sounds may wait for the backend.
func WithQueueSize(n int) PlayerOption {
	return func(p *Player) {
		if n > 0 {
			p.queue = make(chan Sound, n)
		}
	}
}

// NewPlayer starts a player over sounds. A nil backend discards audio.
func NewPlayer(backend Backend, sounds map[string]Sound, opts ...PlayerOption) *Player {
	if backend == nil {
		backend = NullBackend{}
	}
	p := &Player{
		backend: backend,
		sounds:  sounds,
		queue:   make(chan Sound, DefaultQueueSize),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	go p.run()
	return p
}

func (p *Player) run() {
	defer close(p.done)
	for s := range p.queue {
		if err := p.backend.Play(s); err != nil {
			slog.Warn("Failed to play sound", "sound", s.Name, "error", err)
		}
	}
}

// Has reports whether id is in the sound table.
func (p *Player) Has(id string) bool {
	_, ok := p.sounds[id]
	return ok
}

// Play queues sound id and returns immediately. A full queue drops the sound.
func (p *Player) Play(id string) error {
	s, ok := p.sounds[id]
	if !ok {
		return fmt.Errorf("%w: %q", models.ErrUnknownSound, id)
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return models.ErrSessionClosed
	}
	select {
	case p.queue <- s:
	default:
		p.dropped.Add(1)
		slog.Warn("Sound queue full, dropping sound", "sound", id)
	}
	return nil
}

// Dropped returns how many sounds were dropped because the queue was full.
func (p *Player) Dropped() int {
	return int(p.dropped.Load())
}

// Close stops accepting sounds, plays what is queued and waits for the worker.
func (p *Player) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.queue)
		p.mu.Unlock()
	})
	<-p.done
	return nil
}
