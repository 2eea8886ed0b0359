package services

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

type ProbeStream struct {
	CodecType    string `json:"codec_type"`
	CodecName    string `json:"codec_name"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	PixFmt       string `json:"pix_fmt"`
	RFrameRate   string `json:"r_frame_rate"`
	AvgFrameRate string `json:"avg_frame_rate"`
	NbFrames     string `json:"nb_frames"`
	NbReadFrames string `json:"nb_read_frames"`
	HasBFrames   int    `json:"has_b_frames"`
	SampleRate   string `json:"sample_rate"`
	Channels     int    `json:"channels"`
	Duration     string `json:"duration"`
}

type ProbeResult struct {
	Streams []ProbeStream `json:"streams"`
	Format  struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
	} `json:"format"`
}

// ParseProbe decodes ffprobe's JSON output.
func ParseProbe(data []byte) (*ProbeResult, error) {
	var p ProbeResult
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}
	return &p, nil
}

// Video returns the first video stream, or nil.
func (p *ProbeResult) Video() *ProbeStream {
	for i := range p.Streams {
		if p.Streams[i].CodecType == "video" {
			return &p.Streams[i]
		}
	}
	return nil
}

// Audio returns the first audio stream, or nil.
func (p *ProbeResult) Audio() *ProbeStream {
	for i := range p.Streams {
		if p.Streams[i].CodecType == "audio" {
			return &p.Streams[i]
		}
	}
	return nil
}

// DurationSeconds is the container duration, 0 when absent or nonsensical.
// Captured clips often carry 0, negative or N/A here.
func (p *ProbeResult) DurationSeconds() float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(p.Format.Duration), 64)
	if err != nil || f <= 0 || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0
	}
	return f
}

// FrameRate parses a rational like "30000/1001".
func FrameRate(r string) float64 {
	num, den, ok := strings.Cut(r, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !ok {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}

// DecodedFrames returns nb_read_frames when counting was requested,
// falling back to the header's nb_frames.
func (s *ProbeStream) DecodedFrames() int {
	for _, v := range []string{s.NbReadFrames, s.NbFrames} {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			return n
		}
	}
	return 0
}

// FramePlausible reports whether got frames is within tolerance of the
// count expected for the duration. Tolerance is a fraction of the expected
// count with a floor of two frames.
func FramePlausible(got int, durationSeconds float64, fps int, tolerance float64) bool {
	expected := durationSeconds * float64(fps)
	slack := math.Max(2, expected*tolerance)
	return math.Abs(float64(got)-expected) <= slack
}

// StreamSignature summarizes the parameters that must match for a
// stream-copy concat.
type StreamSignature struct {
	VideoCodec string
	Width      int
	Height     int
	FPS        string
	PixFmt     string
	AudioCodec string
	SampleRate string
	Channels   int
}

func (p *ProbeResult) Signature() StreamSignature {
	var sig StreamSignature
	if v := p.Video(); v != nil {
		sig.VideoCodec = v.CodecName
		sig.Width = v.Width
		sig.Height = v.Height
		sig.FPS = v.RFrameRate
		sig.PixFmt = v.PixFmt
	}
	if a := p.Audio(); a != nil {
		sig.AudioCodec = a.CodecName
		sig.SampleRate = a.SampleRate
		sig.Channels = a.Channels
	}
	return sig
}
