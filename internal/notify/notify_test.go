package notify_test

import (
	"classmate/backend/internal/notify"
	"encoding/binary"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestRender_Lengths(t *testing.T) {
	ring, err := notify.Render(notify.ToneRingtone)
	require.NoError(t, err)
	assert.Len(t, ring, 6*notify.SampleRate, "2s on + 4s off")

	back, err := notify.Render(notify.ToneRingback)
	require.NoError(t, err)
	assert.Len(t, back, 5*notify.SampleRate)

	end, err := notify.Render(notify.ToneCallEnd)
	require.NoError(t, err)
	assert.Len(t, end, notify.SampleRate*650/1000)

	_, err = notify.Render("siren")
	assert.ErrorIs(t, err, notify.ErrUnknownTone)
}

func TestRender_OnThenSilence(t *testing.T) {
	pcm, err := notify.Render(notify.ToneRingback)
	require.NoError(t, err)

	var peak int16
	for _, s := range pcm[:notify.SampleRate] {
		if s > peak {
			peak = s
		}
	}
	assert.Greater(t, peak, int16(math.MaxInt16/8))

	for _, s := range pcm[notify.SampleRate:] {
		if s != 0 {
			t.Fatalf("expected silence after the first second, got %d", s)
		}
	}
}

func TestRender_StartsAndEndsQuiet(t *testing.T) {
	pcm, err := notify.Render(notify.ToneCallEnd)
	require.NoError(t, err)
	assert.Equal(t, int16(0), pcm[0])
	assert.Equal(t, int16(0), pcm[len(pcm)-1])
}

func TestEncodeWAV_Header(t *testing.T) {
	pcm := []int16{0, 100, -100, 32767}
	wav := notify.EncodeWAV(pcm, notify.SampleRate)

	require.Len(t, wav, 44+len(pcm)*2)
	assert.Equal(t, "RIFF", string(wav[0:4]))
	assert.Equal(t, "WAVE", string(wav[8:12]))
	assert.Equal(t, "fmt ", string(wav[12:16]))
	assert.Equal(t, "data", string(wav[36:40]))
	assert.Equal(t, uint32(36+len(pcm)*2), binary.LittleEndian.Uint32(wav[4:8]))
	assert.Equal(t, uint16(1), binary.LittleEndian.Uint16(wav[22:24]), "mono")
	assert.Equal(t, uint32(notify.SampleRate), binary.LittleEndian.Uint32(wav[24:28]))
	assert.Equal(t, uint32(len(pcm)*2), binary.LittleEndian.Uint32(wav[40:44]))
	assert.Equal(t, int16(-100), int16(binary.LittleEndian.Uint16(wav[48:50])))
}

func TestWAV_Cached(t *testing.T) {
	a, err := notify.WAV(notify.ToneRingback)
	require.NoError(t, err)
	b, err := notify.WAV(notify.ToneRingback)
	require.NoError(t, err)
	assert.Same(t, &a[0], &b[0])
}

type MockSink struct {
	mock.Mock
}

func (m *MockSink) Play(tone notify.Tone, loop bool) error {
	return m.Called(tone, loop).Error(0)
}

func (m *MockSink) Stop(tone notify.Tone) error {
	return m.Called(tone).Error(0)
}

type MockVibrator struct {
	mock.Mock
}

func (m *MockVibrator) Vibrate(pattern []time.Duration) error {
	return m.Called(pattern).Error(0)
}

func TestPlayer_RingtoneLoopsUntilStopped(t *testing.T) {
	sink := new(MockSink)
	vib := new(MockVibrator)
	sink.On("Play", notify.ToneRingtone, true).Return(nil).Once()
	sink.On("Stop", notify.ToneRingtone).Return(nil).Once()
	vib.On("Vibrate", mock.Anything).Return(nil).Once()

	p := notify.NewPlayer(sink, vib)
	p.PlayRingtone()
	p.PlayRingtone()
	assert.True(t, p.Playing(notify.ToneRingtone))

	p.StopRingtone()
	p.StopRingtone()
	assert.False(t, p.Playing(notify.ToneRingtone))

	sink.AssertExpectations(t)
	vib.AssertExpectations(t)
}

func TestPlayer_CallEndStopsRinging(t *testing.T) {
	sink := new(MockSink)
	sink.On("Play", notify.ToneRingback, true).Return(nil)
	sink.On("Stop", notify.ToneRingback).Return(nil)
	sink.On("Play", notify.ToneCallEnd, false).Return(nil)

	p := notify.NewPlayer(sink, nil)
	p.PlayRingback()
	p.PlayCallEnd()

	assert.False(t, p.Playing(notify.ToneRingback))
	sink.AssertExpectations(t)
	sink.AssertNotCalled(t, "Stop", notify.ToneRingtone)
}

func TestPlayer_AudioUnavailableIsIgnored(t *testing.T) {
	sink := new(MockSink)
	vib := new(MockVibrator)
	sink.On("Play", mock.Anything, mock.Anything).Return(errors.New("audio context unavailable"))
	sink.On("Stop", mock.Anything).Return(errors.New("audio context unavailable"))
	vib.On("Vibrate", mock.Anything).Return(errors.New("not supported"))

	p := notify.NewPlayer(sink, vib)
	assert.NotPanics(t, func() {
		p.PlayRingtone()
		p.StopRingtone()
		p.PlayCallEnd()
	})
}

func TestPlayer_NilOutputs(t *testing.T) {
	p := notify.NewPlayer(nil, nil)
	assert.NotPanics(t, func() {
		p.PlayRingtone()
		p.PlayRingback()
		p.StopAll()
		p.PlayCallEnd()
	})
}
