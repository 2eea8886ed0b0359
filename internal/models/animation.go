package models

import (
	"encoding/json"
	"fmt"
)

type PanDirection string

const (
	PanNone  PanDirection = "none"
	PanLeft  PanDirection = "left"
	PanRight PanDirection = "right"
	PanUp    PanDirection = "up"
	PanDown  PanDirection = "down"
)

func (p PanDirection) valid() bool {
	switch p {
	case "", PanNone, PanLeft, PanRight, PanUp, PanDown:
		return true
	}
	return false
}

// Animation is one of KenBurns, TalkingHead or Static. The set is closed:
// only types in this package implement it.
type Animation interface {
	Kind() string
	isAnimation()
}

type KenBurns struct {
	StartScale   float64      `json:"start_scale"`
	EndScale     float64      `json:"end_scale"`
	PanDirection PanDirection `json:"pan_direction,omitempty"`
}

type TalkingHead struct {
	AudioRef string `json:"audio_ref"`
	LipSync  bool   `json:"lip_sync"`
}

type Static struct{}

func (KenBurns) Kind() string    { return "kenBurns" }
func (TalkingHead) Kind() string { return "talkingHead" }
func (Static) Kind() string      { return "static" }

func (KenBurns) isAnimation()    {}
func (TalkingHead) isAnimation() {}
func (Static) isAnimation()      {}

// MatchAnimation dispatches on the concrete animation. Every variant needs a
// handler, so adding a variant breaks each call site at compile time until
// it is handled.
func MatchAnimation[T any](a Animation, kenBurns func(KenBurns) T, talkingHead func(TalkingHead) T, static func(Static) T) T {
	switch v := a.(type) {
	case KenBurns:
		return kenBurns(v)
	case TalkingHead:
		return talkingHead(v)
	case Static:
		return static(v)
	default:
		panic(fmt.Sprintf("models: unknown animation %T", a))
	}
}

// AnimationSpec is the wire form of Animation: an object with exactly one
// of the variant keys set, e.g. {"kenBurns": {...}} or {"static": {}}.
type AnimationSpec struct {
	KenBurns    *KenBurns    `json:"kenBurns,omitempty"`
	TalkingHead *TalkingHead `json:"talkingHead,omitempty"`
	Static      *Static      `json:"static,omitempty"`
}

// Variant returns the single animation carried by the spec.
func (s AnimationSpec) Variant() (Animation, error) {
	var found []Animation
	if s.KenBurns != nil {
		found = append(found, *s.KenBurns)
	}
	if s.TalkingHead != nil {
		found = append(found, *s.TalkingHead)
	}
	if s.Static != nil {
		found = append(found, *s.Static)
	}
	switch len(found) {
	case 0:
		return nil, fmt.Errorf("animation: no variant set")
	case 1:
		return found[0], nil
	default:
		return nil, fmt.Errorf("animation: %d variants set, expected exactly one", len(found))
	}
}

// NewAnimationSpec wraps a variant into its wire form.
func NewAnimationSpec(a Animation) AnimationSpec {
	return MatchAnimation(a,
		func(kb KenBurns) AnimationSpec { return AnimationSpec{KenBurns: &kb} },
		func(th TalkingHead) AnimationSpec { return AnimationSpec{TalkingHead: &th} },
		func(st Static) AnimationSpec { return AnimationSpec{Static: &st} },
	)
}

// UnmarshalJSON accepts the object form and also the bare string "static".
func (s *AnimationSpec) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		if name != "static" {
			return fmt.Errorf("animation: unknown shorthand %q", name)
		}
		*s = AnimationSpec{Static: &Static{}}
		return nil
	}
	type plain AnimationSpec
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*s = AnimationSpec(p)
	return nil
}

func (s AnimationSpec) clone() AnimationSpec {
	c := s
	if s.KenBurns != nil {
		kb := *s.KenBurns
		c.KenBurns = &kb
	}
	if s.TalkingHead != nil {
		th := *s.TalkingHead
		c.TalkingHead = &th
	}
	if s.Static != nil {
		c.Static = &Static{}
	}
	return c
}
