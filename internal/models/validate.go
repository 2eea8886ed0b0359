package models

import (
	"fmt"
	"sort"

	apperrors "github.com/bobarin/sceneforge/internal/pkg/errors"
)

// Limits bounds what a job may ask for.
type Limits struct {
	MinSceneSeconds float64
	MaxSceneSeconds float64
	MaxJobSeconds   float64
}

// ValidateJob checks a job before it is persisted. The returned error is a
// validation-coded *errors.Error naming the offending field.
func ValidateJob(j *Job, lim Limits) error {
	if len(j.Scenes) == 0 {
		return apperrors.ValidationField("scenes", "at least one scene is required")
	}
	if err := validateOutput(j.OutputSpec); err != nil {
		return err
	}

	orders := make([]int, 0, len(j.Scenes))
	seen := make(map[int]bool, len(j.Scenes))
	ids := make(map[string]bool, len(j.Scenes))
	var total float64

	for i := range j.Scenes {
		s := &j.Scenes[i]
		field := fmt.Sprintf("scenes[%d]", i)

		if seen[s.Order] {
			return apperrors.ValidationField(field+".order", fmt.Sprintf("duplicate scene order %d", s.Order))
		}
		seen[s.Order] = true
		orders = append(orders, s.Order)

		if ids[s.ID.String()] {
			return apperrors.ValidationField(field+".id", "duplicate scene id")
		}
		ids[s.ID.String()] = true

		if err := validateScene(s, field, lim); err != nil {
			return err
		}
		total += s.DurationSeconds
	}

	sort.Ints(orders)
	for i, o := range orders {
		if o != i {
			return apperrors.ValidationField("scenes", fmt.Sprintf("scene orders must be contiguous from 0; missing %d", i))
		}
	}

	if lim.MaxJobSeconds > 0 && total > lim.MaxJobSeconds {
		return apperrors.ValidationField("scenes", fmt.Sprintf("total duration %.2fs exceeds ceiling %.0fs", total, lim.MaxJobSeconds))
	}

	if j.CaptionSpec != nil {
		if err := validateCaptions(*j.CaptionSpec); err != nil {
			return err
		}
	}
	if j.FailurePolicy != FailurePolicyFailFast && j.FailurePolicy != FailurePolicyBestEffort {
		return apperrors.ValidationField("failure_policy", fmt.Sprintf("unknown failure policy %q", j.FailurePolicy))
	}
	return nil
}

func validateScene(s *Scene, field string, lim Limits) error {
	if (s.Source.Image == nil) == (s.Source.Clip == nil) {
		return apperrors.ValidationField(field+".source", "exactly one of image or clip is required")
	}
	if s.Source.Ref() == "" {
		return apperrors.ValidationField(field+".source", "source reference is empty")
	}

	anim, err := s.Animation.Variant()
	if err != nil {
		return apperrors.ValidationField(field+".animation", err.Error())
	}

	verr := MatchAnimation(anim,
		func(kb KenBurns) error {
			if kb.StartScale <= 0 || kb.EndScale <= 0 {
				return apperrors.ValidationField(field+".animation.kenBurns", "scales must be greater than zero")
			}
			if !kb.PanDirection.valid() {
				return apperrors.ValidationField(field+".animation.kenBurns.pan_direction", fmt.Sprintf("unknown pan direction %q", kb.PanDirection))
			}
			if s.Source.IsClip() {
				return apperrors.ValidationField(field+".animation", "kenBurns requires an image source")
			}
			return nil
		},
		func(th TalkingHead) error {
			if th.AudioRef == "" {
				return apperrors.ValidationField(field+".animation.talkingHead.audio_ref", "talkingHead requires an audio reference")
			}
			if s.Source.IsClip() {
				return apperrors.ValidationField(field+".animation", "talkingHead requires an image source")
			}
			return nil
		},
		func(Static) error { return nil },
	)
	if verr != nil {
		return verr
	}

	if s.DurationSeconds <= 0 {
		return apperrors.ValidationField(field+".duration_seconds", "duration must be greater than zero")
	}
	if lim.MinSceneSeconds > 0 && s.DurationSeconds < lim.MinSceneSeconds {
		return apperrors.ValidationField(field+".duration_seconds", fmt.Sprintf("duration %.2fs is below minimum %.2fs", s.DurationSeconds, lim.MinSceneSeconds))
	}
	if lim.MaxSceneSeconds > 0 && s.DurationSeconds > lim.MaxSceneSeconds {
		return apperrors.ValidationField(field+".duration_seconds", fmt.Sprintf("duration %.2fs exceeds maximum %.2fs", s.DurationSeconds, lim.MaxSceneSeconds))
	}
	return nil
}

func validateOutput(o OutputSpec) error {
	if o.Width <= 0 || o.Height <= 0 || o.Width%2 != 0 || o.Height%2 != 0 {
		return apperrors.ValidationField("output_spec", "width and height must be positive even numbers")
	}
	if o.FPS < 1 || o.FPS > 120 {
		return apperrors.ValidationField("output_spec.fps", "fps must be between 1 and 120")
	}
	if o.MaxBitrateKbps < 0 {
		return apperrors.ValidationField("output_spec.max_bitrate_kbps", "bitrate ceiling cannot be negative")
	}
	return nil
}

func validateCaptions(c CaptionSpec) error {
	switch c.Mode {
	case "", CaptionModeNone, CaptionModeBurn, CaptionModeMux:
	default:
		return apperrors.ValidationField("caption_spec.mode", fmt.Sprintf("unknown caption mode %q", c.Mode))
	}
	for i, cue := range c.Cues {
		if cue.Start < 0 || cue.End <= cue.Start {
			return apperrors.ValidationField(fmt.Sprintf("caption_spec.cues[%d]", i), "cue end must be after its start")
		}
	}
	return nil
}
