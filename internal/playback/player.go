// Package playback guards text-to-speech playback so a session never has two
// clips playing at once.
package playback

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrPlaybackActive is returned by Play while another clip is still playing.
var ErrPlaybackActive = errors.New("playback already active")

// Audio format produced by the speech service.
const (
	SampleRate    = 24000
	Channels      = 1
	EncodingPCM16 = "pcm_s16le"
)

// Clip is synthesized speech, base64 encoded.
type Clip struct {
	Audio      string `json:"audio"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
	Encoding   string `json:"encoding"`
}

// Duration is the play time of the clip.
func (c *Clip) Duration() (time.Duration, error) {
	raw, err := base64.StdEncoding.DecodeString(c.Audio)
	if err != nil {
		return 0, fmt.Errorf("decode audio: %w", err)
	}
	rate, ch := c.SampleRate, c.Channels
	if rate <= 0 {
		rate = SampleRate
	}
	if ch <= 0 {
		ch = Channels
	}
	frames := len(raw) / (2 * ch)
	return time.Duration(frames) * time.Second / time.Duration(rate), nil
}

// Speaker turns text into audio.
type Speaker interface {
	Synthesize(ctx context.Context, text string) (*Clip, error)
}

// Player allows at most one active playback. A playback is active from the
// moment Play is called until the clip's duration has elapsed or Stop is
// called.
type Player struct {
	speaker Speaker
	logger  *zap.Logger

	mu      sync.Mutex
	playing bool
	token   uint64
	timer   *time.Timer
}

// NewPlayer creates a player backed by speaker.
func NewPlayer(speaker Speaker, logger *zap.Logger) *Player {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Player{speaker: speaker, logger: logger}
}

// IsPlaying reports whether a playback is active.
func (p *Player) IsPlaying() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

// Play synthesizes text and marks the player busy for the clip's duration.
func (p *Player) Play(ctx context.Context, text string) (*Clip, error) {
	if p.speaker == nil {
		return nil, errors.New("speech is not configured")
	}

	p.mu.Lock()
	if p.playing {
		p.mu.Unlock()
		return nil, ErrPlaybackActive
	}
	p.playing = true
	p.token++
	token := p.token
	p.mu.Unlock()

	clip, err := p.speaker.Synthesize(ctx, text)
	if err != nil {
		p.release(token)
		return nil, fmt.Errorf("synthesize speech: %w", err)
	}

	d, err := clip.Duration()
	if err != nil {
		p.release(token)
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.token != token || !p.playing {
		// Stopped while synthesizing.
		return clip, nil
	}
	p.timer = time.AfterFunc(d, func() { p.release(token) })

	p.logger.Debug("playback started", zap.Duration("duration", d))
	return clip, nil
}

// Stop ends the active playback, if any.
func (p *Player) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

func (p *Player) release(token uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.token == token {
		p.stopLocked()
	}
}

func (p *Player) stopLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.playing = false
}
