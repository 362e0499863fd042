package vad

import (
	"testing"
	"time"

	"github.com/nvolker/duplex/pkg/audio"
)

// frame builds a 16 kHz mono frame of the given duration whose RMS energy
// equals level (every sample is the same value).
func frame(level int16, dur time.Duration) audio.Frame {
	samples := int(16000 * dur / time.Second)
	data := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		data[i*2] = byte(uint16(level))
		data[i*2+1] = byte(uint16(level) >> 8)
	}
	return audio.Frame{Data: data, SampleRate: 16000, Channels: 1}
}

// push feeds n identical frames and returns any utterances emitted.
func push(e *Engine, f audio.Frame, n int) []*Utterance {
	var out []*Utterance
	for i := 0; i < n; i++ {
		if u := e.PushFrame(f); u != nil {
			out = append(out, u)
		}
	}
	return out
}

const frameDur = 100 * time.Millisecond

func TestSilenceNeverFinalizes(t *testing.T) {
	e := NewEngine(DefaultConfig())
	// Energy 100 stays below the fallback threshold of 300 throughout.
	if got := push(e, frame(100, frameDur), 100); len(got) != 0 {
		t.Fatalf("finalized %d utterances from sub-threshold audio, want 0", len(got))
	}
}

func TestSpeechThenSilenceFinalizesOnce(t *testing.T) {
	e := NewEngine(DefaultConfig())

	if got := push(e, frame(2000, frameDur), 10); len(got) != 0 {
		t.Fatalf("finalized during speech, want none")
	}
	got := push(e, frame(0, frameDur), 30)
	if len(got) != 1 {
		t.Fatalf("finalized %d utterances, want exactly 1", len(got))
	}

	u := got[0]
	wantDur := 10 * frameDur
	if diff := u.Duration - wantDur; diff < -frameDur || diff > frameDur {
		t.Errorf("Duration = %v, want %v (±%v)", u.Duration, wantDur, frameDur)
	}
	if u.EnergyPeak < 1990 || u.EnergyPeak > 2010 {
		t.Errorf("EnergyPeak = %.1f, want ~2000", u.EnergyPeak)
	}
	if u.AverageEnergy < 1990 || u.AverageEnergy > 2010 {
		t.Errorf("AverageEnergy = %.1f, want ~2000", u.AverageEnergy)
	}
	// Ten frames of speech at 16 kHz mono.
	if wantBytes := 10 * 1600 * 2; len(u.PCM) != wantBytes {
		t.Errorf("len(PCM) = %d, want %d", len(u.PCM), wantBytes)
	}
}

func TestSilenceGapRequired(t *testing.T) {
	e := NewEngine(DefaultConfig())
	push(e, frame(2000, frameDur), 5)
	// Eleven silent frames is 1.1s, still inside the 1.2s gap.
	if got := push(e, frame(0, frameDur), 11); len(got) != 0 {
		t.Fatalf("finalized before the silence gap elapsed")
	}
	if got := push(e, frame(0, frameDur), 1); len(got) != 1 {
		t.Fatalf("finalized %d utterances at the gap boundary, want 1", len(got))
	}
}

func TestLongUtteranceGuard(t *testing.T) {
	e := NewEngine(DefaultConfig())
	// Continuous speech with no silence at all still finalizes at 5s.
	got := push(e, frame(2000, frameDur), 50)
	if len(got) != 1 {
		t.Fatalf("finalized %d utterances, want 1 from the duration guard", len(got))
	}
	if got[0].Duration != 5*time.Second {
		t.Errorf("Duration = %v, want 5s", got[0].Duration)
	}
}

func TestShortSpanDiscarded(t *testing.T) {
	e := NewEngine(DefaultConfig())
	// One 50ms burst is below the 100ms minimum.
	e.PushFrame(frame(2000, 50*time.Millisecond))
	if got := push(e, frame(0, frameDur), 30); len(got) != 0 {
		t.Fatalf("finalized a span shorter than the minimum duration")
	}
}

func TestAdaptiveThresholdRejectsQuietTail(t *testing.T) {
	e := NewEngine(DefaultConfig())
	// Loud speech raises the adaptive threshold to 0.3*10000 = 3000, so a
	// 1000-energy tail counts as silence even though it clears the fallback.
	push(e, frame(10000, frameDur), 5)
	got := push(e, frame(1000, frameDur), 20)
	if len(got) != 1 {
		t.Fatalf("finalized %d utterances, want 1", len(got))
	}
	wantDur := 5 * frameDur
	if diff := got[0].Duration - wantDur; diff < -frameDur || diff > frameDur {
		t.Errorf("Duration = %v, want %v (±%v)", got[0].Duration, wantDur, frameDur)
	}
}

func TestSetBlockedClearsPartialSpan(t *testing.T) {
	e := NewEngine(DefaultConfig())
	push(e, frame(2000, frameDur), 5)
	e.SetBlocked(true)

	// Frames during playback are discarded outright.
	if got := push(e, frame(2000, frameDur), 10); len(got) != 0 {
		t.Fatalf("finalized while blocked")
	}

	e.SetBlocked(false)
	// The pre-block speech must not leak into a finalized utterance.
	if got := push(e, frame(0, frameDur), 30); len(got) != 0 {
		t.Fatalf("finalized a span that was cleared by SetBlocked")
	}
}

func TestResetDiscardsSpan(t *testing.T) {
	e := NewEngine(DefaultConfig())
	push(e, frame(2000, frameDur), 5)
	e.Reset()
	if got := push(e, frame(0, frameDur), 30); len(got) != 0 {
		t.Fatalf("finalized a span across Reset")
	}
}

func TestBufferGuardDropsOldest(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxBufferBytes = 4 * 1600 * 2 // four frames
	e := NewEngine(cfg)

	got := push(e, frame(2000, frameDur), 50)
	if len(got) != 1 {
		t.Fatalf("finalized %d utterances, want 1", len(got))
	}
	if len(got[0].PCM) > cfg.MaxBufferBytes {
		t.Errorf("len(PCM) = %d exceeds buffer cap %d", len(got[0].PCM), cfg.MaxBufferBytes)
	}
}

func TestHysteresisIgnoresFlicker(t *testing.T) {
	e := NewEngine(DefaultConfig())
	push(e, frame(2000, frameDur), 5)
	// Brief dips shorter than the hysteresis window must not end the span:
	// two silent frames, then speech resumes.
	for i := 0; i < 3; i++ {
		push(e, frame(0, frameDur), 2)
		push(e, frame(2000, frameDur), 2)
	}
	got := push(e, frame(0, frameDur), 30)
	if len(got) != 1 {
		t.Fatalf("flicker split the span into %d utterances, want 1", len(got))
	}
}
