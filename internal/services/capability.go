package services

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"

	"github.com/bobarin/sceneforge/internal/pkg/logger"
)

type HardwareProbeConfig struct {
	Encoder     string        // e.g. h264_nvenc; empty disables hardware
	Timeout     time.Duration // per probe
	TTL         time.Duration // how long a probe result is trusted
	MaxFailures int           // consecutive failures that open the breaker
	Cooldown    time.Duration // open-state duration before a trial probe
}

// CapabilityStatus is what /v1/capabilities reports.
type CapabilityStatus struct {
	Encoder   string    `json:"encoder"`
	Available bool      `json:"hardware_encoder"`
	Breaker   string    `json:"breaker"`
	CheckedAt time.Time `json:"checked_at,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// HardwareProbe answers "can the hardware encoder start right now". Results
// are cached for TTL and guarded by a circuit breaker so a broken driver
// costs one probe per cooldown instead of one per scene.
type HardwareProbe struct {
	ffmpeg  *FFmpegService
	cfg     HardwareProbeConfig
	breaker *gobreaker.CircuitBreaker
	group   singleflight.Group
	log     *logger.Logger

	mu        sync.Mutex
	checkedAt time.Time
	available bool
	lastErr   string
}

func NewHardwareProbe(ffmpeg *FFmpegService, cfg HardwareProbeConfig, log *logger.Logger) *HardwareProbe {
	if log == nil {
		log = logger.Nop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	log = log.WithComponent("capability")

	p := &HardwareProbe{ffmpeg: ffmpeg, cfg: cfg, log: log}
	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "hw-encoder:" + cfg.Encoder,
		MaxRequests: 1,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.MaxFailures)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("[Capability] breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return p
}

// Profile is the hardware encoder profile this probe guards.
func (p *HardwareProbe) Profile() EncoderProfile {
	return HardwareProfile(p.cfg.Encoder)
}

// Configured reports whether a hardware encoder was requested at all.
func (p *HardwareProbe) Configured() bool { return p.cfg.Encoder != "" }

// Available reports whether the hardware encoder should be tried.
func (p *HardwareProbe) Available(ctx context.Context) bool {
	if p.cfg.Encoder == "" {
		return false
	}
	if p.breaker.State() == gobreaker.StateOpen {
		return false
	}

	p.mu.Lock()
	if !p.checkedAt.IsZero() && time.Since(p.checkedAt) < p.cfg.TTL {
		ok := p.available
		p.mu.Unlock()
		return ok
	}
	p.mu.Unlock()

	v, _, _ := p.group.Do("probe", func() (interface{}, error) {
		_, err := p.breaker.Execute(func() (interface{}, error) {
			pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.Timeout)
			defer cancel()
			return nil, p.ffmpeg.FFmpeg(pctx, p.probeArgs()...)
		})
		p.record(err)
		return err == nil, nil
	})
	ok, _ := v.(bool)
	return ok
}

// ReportFailure records a hardware init failure seen during a real encode.
func (p *HardwareProbe) ReportFailure(err error) {
	_, _ = p.breaker.Execute(func() (interface{}, error) { return nil, err })
	p.record(err)
}

// Status snapshots the probe for diagnostics.
func (p *HardwareProbe) Status() CapabilityStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return CapabilityStatus{
		Encoder:   p.cfg.Encoder,
		Available: p.available && p.breaker.State() != gobreaker.StateOpen,
		Breaker:   p.breaker.State().String(),
		CheckedAt: p.checkedAt,
		LastError: p.lastErr,
	}
}

func (p *HardwareProbe) record(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checkedAt = time.Now()
	p.available = err == nil
	if err != nil {
		p.lastErr = err.Error()
		p.log.Warn("[Capability] hardware encoder unavailable", "encoder", p.cfg.Encoder, "error", p.lastErr)
	} else {
		p.lastErr = ""
	}
}

func (p *HardwareProbe) probeArgs() []string {
	return []string{
		"-f", "lavfi",
		"-i", "color=c=black:s=256x256:r=30",
		"-frames:v", "10",
		"-c:v", p.cfg.Encoder,
		"-f", "null",
		"-",
	}
}
