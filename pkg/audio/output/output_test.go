// ABOUTME: Audio output interface tests
// ABOUTME: Verifies Output implementations and volume handling
package output

import (
	"bytes"
	"context"
	"testing"

	"github.com/Resonate-Protocol/voicelink/pkg/audio"
)

func TestImplementsOutput(t *testing.T) {
	var _ Output = (*PortAudio)(nil)
	var _ Output = (*Oto)(nil)
	var _ Output = (*Recorder)(nil)
	var _ Sink = Discard{}
}

func TestNewPortAudio(t *testing.T) {
	out := NewPortAudio()
	if out == nil {
		t.Fatal("NewPortAudio returned nil")
	}
}

func TestApplyVolume(t *testing.T) {
	pcm := audio.SamplesToBytes([]int16{1000, -1000, 32767})

	tests := []struct {
		name   string
		volume int
		muted  bool
		want   []int16
	}{
		{"full", 100, false, []int16{1000, -1000, 32767}},
		{"half", 50, false, []int16{500, -500, 16383}},
		{"muted", 100, true, []int16{0, 0, 0}},
		{"clamped above 100", 250, false, []int16{1000, -1000, 32767}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := audio.BytesToSamples(ApplyVolume(pcm, tt.volume, tt.muted))
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Fatalf("sample %d: expected %d, got %d", i, tt.want[i], got[i])
				}
			}
		})
	}

	out := ApplyVolume(pcm, 100, false)
	out[0] = 0
	if pcm[0] == 0 {
		t.Error("ApplyVolume aliased its input")
	}
}

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	if err := r.Open(audio.PCM16Mono(24000)); err != nil {
		t.Fatalf("Open: %v", err)
	}

	ctx := context.Background()
	in := []byte{1, 2, 3, 4}
	r.Write(ctx, in[:2])
	r.Write(ctx, in[2:])
	in[0] = 9

	if !bytes.Equal(r.Bytes(), []byte{1, 2, 3, 4}) {
		t.Errorf("unexpected bytes % x", r.Bytes())
	}
	if r.Writes() != 2 {
		t.Errorf("expected 2 writes, got %d", r.Writes())
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := r.Write(cancelled, in); err == nil {
		t.Error("expected error on cancelled context")
	}

	r.Reset()
	if len(r.Bytes()) != 0 {
		t.Error("expected empty recorder after Reset")
	}
}
