package pose

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"
)

// ErrInvalidProfile is returned when a profile fails validation.
var ErrInvalidProfile = errors.New("invalid pose profile")

// Range is an inclusive degree interval.
type Range struct {
	Min int `yaml:"min" json:"min"`
	Max int `yaml:"max" json:"max"`
}

// Contains reports whether v lies within [Min, Max].
func (r Range) Contains(v int) bool {
	return v >= r.Min && v <= r.Max
}

func (r Range) String() string {
	return fmt.Sprintf("%d°-%d°", r.Min, r.Max)
}

// Spec is the static definition of one pose slot.
type Spec struct {
	ID      string `yaml:"id" json:"id"`
	Yaw     Range  `yaml:"yaw" json:"yaw"`
	Pitch   Range  `yaml:"pitch" json:"pitch"`
	Message string `yaml:"message" json:"message"`
	Guide   string `yaml:"guide" json:"guide"`
	Manual  bool   `yaml:"manual" json:"manual"`
}

// Label turns a camel-case pose id into words, e.g. "halfLeftTop" -> "Half Left Top".
func (s Spec) Label() string {
	var b strings.Builder
	for i, r := range s.ID {
		if i == 0 {
			b.WriteRune(unicode.ToUpper(r))
			continue
		}
		if unicode.IsUpper(r) {
			b.WriteByte(' ')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Profile is an ordered pose table. Order defines traversal.
type Profile struct {
	Name  string `yaml:"name" json:"name"`
	Poses []Spec `yaml:"poses" json:"poses"`
}

// Default returns the canonical eight pose sequence.
func Default() *Profile {
	return &Profile{
		Name: "default",
		Poses: []Spec{
			{ID: "center", Yaw: Range{-10, 10}, Pitch: Range{15, 30}, Message: "Face straight ahead, looking directly at the camera", Guide: "/images/center.png", Manual: true},
			{ID: "centerTop", Yaw: Range{-10, 10}, Pitch: Range{25, 40}, Message: "Face forward and tilt head up slightly", Guide: "/images/center_top.png", Manual: true},
			{ID: "halfLeft", Yaw: Range{20, 25}, Pitch: Range{20, 40}, Message: "Turn your head approximately 20° to the left", Guide: "/images/half_left.png"},
			{ID: "halfLeftTop", Yaw: Range{20, 25}, Pitch: Range{35, 80}, Message: "Turn 20° left and tilt head up", Guide: "/images/half_left_top.png"},
			{ID: "fullLeft", Yaw: Range{20, 25}, Pitch: Range{25, 45}, Message: "Turn your head fully to the left (approximately 20°)", Guide: "/images/full_left.png"},
			{ID: "halfRight", Yaw: Range{-25, -20}, Pitch: Range{20, 35}, Message: "Turn your head approximately 20° to the right", Guide: "/images/half_right.png"},
			{ID: "halfRightTop", Yaw: Range{-25, -20}, Pitch: Range{35, 80}, Message: "Turn 20° right and tilt head up", Guide: "/images/half_right_top.png"},
			{ID: "fullRight", Yaw: Range{-25, -20}, Pitch: Range{0, 65}, Message: "Turn your head fully to the right (approximately 20°)", Guide: "/images/full_right.png"},
		},
	}
}

// Len returns the number of poses.
func (p *Profile) Len() int { return len(p.Poses) }

// IDs returns pose identifiers in traversal order.
func (p *Profile) IDs() []string {
	ids := make([]string, len(p.Poses))
	for i, s := range p.Poses {
		ids[i] = s.ID
	}
	return ids
}

// At returns the pose at index i.
func (p *Profile) At(i int) Spec { return p.Poses[i] }

// Lookup finds a pose by id and returns it with its index.
func (p *Profile) Lookup(id string) (Spec, int, bool) {
	for i, s := range p.Poses {
		if s.ID == id {
			return s, i, true
		}
	}
	return Spec{}, -1, false
}

// Validate checks ids are unique and non-empty and that ranges are ordered.
func (p *Profile) Validate() error {
	if p == nil || len(p.Poses) == 0 {
		return fmt.Errorf("%w: no poses", ErrInvalidProfile)
	}
	seen := make(map[string]struct{}, len(p.Poses))
	for i, s := range p.Poses {
		if s.ID == "" {
			return fmt.Errorf("%w: pose %d has no id", ErrInvalidProfile, i)
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("%w: duplicate pose %q", ErrInvalidProfile, s.ID)
		}
		seen[s.ID] = struct{}{}
		if s.Yaw.Min > s.Yaw.Max {
			return fmt.Errorf("%w: pose %q yaw min %d > max %d", ErrInvalidProfile, s.ID, s.Yaw.Min, s.Yaw.Max)
		}
		if s.Pitch.Min > s.Pitch.Max {
			return fmt.Errorf("%w: pose %q pitch min %d > max %d", ErrInvalidProfile, s.ID, s.Pitch.Min, s.Pitch.Max)
		}
	}
	return nil
}

// LoadProfile reads a YAML profile from path and validates it.
// An empty path yields the default profile.
func LoadProfile(path string) (*Profile, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse profile %s: %w", path, err)
	}
	if p.Name == "" {
		p.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Marshal renders the profile as YAML.
func (p *Profile) Marshal() ([]byte, error) {
	return yaml.Marshal(p)
}
