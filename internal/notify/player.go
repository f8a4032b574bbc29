package notify

import (
	"classmate/backend/internal/logging"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Sink plays tones on a client. Looping tones repeat until Stop.
type Sink interface {
	Play(tone Tone, loop bool) error
	Stop(tone Tone) error
}

// Vibrator triggers a vibration pattern (alternating on/off durations).
type Vibrator interface {
	Vibrate(pattern []time.Duration) error
}

// Player drives call notification sounds for one client. Playback failures
// (no audio output, closed connection) are logged and ignored: the call UI
// still works without sound.
type Player struct {
	sink     Sink
	vibrator Vibrator
	logger   zerolog.Logger

	mu      sync.Mutex
	playing map[Tone]bool
}

// NewPlayer creates a player. Either argument may be nil.
func NewPlayer(sink Sink, vibrator Vibrator) *Player {
	return &Player{
		sink:     sink,
		vibrator: vibrator,
		logger:   logging.Component("notify"),
		playing:  make(map[Tone]bool),
	}
}

func (p *Player) PlayRingtone() { p.start(ToneRingtone) }
func (p *Player) StopRingtone() { p.stop(ToneRingtone) }
func (p *Player) PlayRingback() { p.start(ToneRingback) }
func (p *Player) StopRingback() { p.stop(ToneRingback) }

// PlayCallEnd stops any ringing and plays the hang-up beeps once.
func (p *Player) PlayCallEnd() {
	p.stop(ToneRingtone)
	p.stop(ToneRingback)
	p.start(ToneCallEnd)
}

// Playing reports whether a looping tone is currently active.
func (p *Player) Playing(tone Tone) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing[tone]
}

func (p *Player) start(tone Tone) {
	pat := patterns[tone]

	p.mu.Lock()
	if pat.loop {
		if p.playing[tone] {
			p.mu.Unlock()
			return
		}
		p.playing[tone] = true
	}
	p.mu.Unlock()

	if p.sink != nil {
		if err := p.sink.Play(tone, pat.loop); err != nil {
			p.logger.Debug().Err(err).Str("tone", string(tone)).Msg("Audio unavailable, continuing without sound")
		}
	}
	if p.vibrator != nil && len(pat.vibrate) > 0 {
		if err := p.vibrator.Vibrate(pat.vibrate); err != nil {
			p.logger.Debug().Err(err).Msg("Vibration unavailable")
		}
	}
}

func (p *Player) stop(tone Tone) {
	p.mu.Lock()
	if !p.playing[tone] {
		p.mu.Unlock()
		return
	}
	delete(p.playing, tone)
	p.mu.Unlock()

	if p.sink != nil {
		if err := p.sink.Stop(tone); err != nil {
			p.logger.Debug().Err(err).Str("tone", string(tone)).Msg("Failed to stop tone")
		}
	}
}

// StopAll silences every looping tone.
func (p *Player) StopAll() {
	p.stop(ToneRingtone)
	p.stop(ToneRingback)
}
