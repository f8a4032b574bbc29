// Package notify synthesizes call notification tones and drives playback and
// vibration on a client. Tones are generated, never loaded from assets.
package notify

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"sync"
	"time"
)

// SampleRate of every rendered tone, mono 16-bit PCM.
const SampleRate = 16000

// Tone names a notification sound.
type Tone string

const (
	ToneRingtone Tone = "ringtone"
	ToneRingback Tone = "ringback"
	ToneCallEnd  Tone = "call_end"
)

// ErrUnknownTone is returned for tone names without a pattern.
var ErrUnknownTone = errors.New("notify: unknown tone")

// segment is a stretch of one or more summed sine waves; no frequencies
// means silence.
type segment struct {
	freqs []float64
	dur   time.Duration
}

type pattern struct {
	segments []segment
	// loop tones repeat until stopped.
	loop bool
	// vibrate is the on/off vibration pattern started with the tone.
	vibrate []time.Duration
}

var patterns = map[Tone]pattern{
	// North American ring: 440+480 Hz, 2s on, 4s off.
	ToneRingtone: {
		segments: []segment{
			{freqs: []float64{440, 480}, dur: 2 * time.Second},
			{dur: 4 * time.Second},
		},
		loop:    true,
		vibrate: []time.Duration{400 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond},
	},
	// European ringback: 425 Hz, 1s on, 4s off.
	ToneRingback: {
		segments: []segment{
			{freqs: []float64{425}, dur: time.Second},
			{dur: 4 * time.Second},
		},
		loop: true,
	},
	// Three descending beeps.
	ToneCallEnd: {
		segments: []segment{
			{freqs: []float64{660}, dur: 150 * time.Millisecond},
			{dur: 50 * time.Millisecond},
			{freqs: []float64{520}, dur: 150 * time.Millisecond},
			{dur: 50 * time.Millisecond},
			{freqs: []float64{400}, dur: 250 * time.Millisecond},
		},
		vibrate: []time.Duration{150 * time.Millisecond},
	},
}

// Tones lists every known tone.
func Tones() []Tone {
	return []Tone{ToneRingtone, ToneRingback, ToneCallEnd}
}

// Loops reports whether tone repeats until stopped.
func Loops(tone Tone) bool {
	return patterns[tone].loop
}

const (
	amplitude = 0.25 * math.MaxInt16
	fade      = 5 * time.Millisecond
)

func samples(d time.Duration) int {
	return int(int64(d) * SampleRate / int64(time.Second))
}

// Render synthesizes one cycle of tone.
func Render(tone Tone) ([]int16, error) {
	p, ok := patterns[tone]
	if !ok {
		return nil, ErrUnknownTone
	}

	var out []int16
	for _, seg := range p.segments {
		n := samples(seg.dur)
		if len(seg.freqs) == 0 {
			out = append(out, make([]int16, n)...)
			continue
		}
		ramp := samples(fade)
		gain := amplitude / float64(len(seg.freqs))
		for i := 0; i < n; i++ {
			t := float64(i) / SampleRate
			var v float64
			for _, f := range seg.freqs {
				v += math.Sin(2 * math.Pi * f * t)
			}
			// Short linear ramps at both edges avoid clicks.
			env := 1.0
			if i < ramp {
				env = float64(i) / float64(ramp)
			} else if n-1-i < ramp {
				env = float64(n-1-i) / float64(ramp)
			}
			out = append(out, int16(v*gain*env))
		}
	}
	return out, nil
}

// EncodeWAV wraps mono 16-bit PCM samples in a RIFF/WAVE container.
func EncodeWAV(pcm []int16, sampleRate int) []byte {
	const (
		channels      = 1
		bitsPerSample = 16
	)
	dataLen := uint32(len(pcm) * 2)
	blockAlign := uint16(channels * bitsPerSample / 8)

	buf := bytes.NewBuffer(make([]byte, 0, 44+dataLen))
	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, 36+dataLen)
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(buf, binary.LittleEndian, uint16(channels))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate)*uint32(blockAlign))
	binary.Write(buf, binary.LittleEndian, blockAlign)
	binary.Write(buf, binary.LittleEndian, uint16(bitsPerSample))

	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, dataLen)
	binary.Write(buf, binary.LittleEndian, pcm)
	return buf.Bytes()
}

var (
	wavMu    sync.Mutex
	wavCache = map[Tone][]byte{}
)

// WAV returns the rendered tone as a WAV file, cached after the first call.
func WAV(tone Tone) ([]byte, error) {
	wavMu.Lock()
	defer wavMu.Unlock()

	if data, ok := wavCache[tone]; ok {
		return data, nil
	}
	pcm, err := Render(tone)
	if err != nil {
		return nil, err
	}
	data := EncodeWAV(pcm, SampleRate)
	wavCache[tone] = data
	return data, nil
}
