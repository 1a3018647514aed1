package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Status tracks a video record through the ingestion state machine. The zero
// value is Unknown; records created by the merge endpoint start in Processing
// and are moved to Finished or Failed exclusively by the job runner.
type Status int

const (
	StatusUnknown Status = iota
	StatusUploading
	StatusProcessing
	StatusFinished
	StatusFailed
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusFailed
}

func (s Status) String() string {
	switch s {
	case StatusUnknown:
		return "unknown"
	case StatusUploading:
		return "uploading"
	case StatusProcessing:
		return "processing"
	case StatusFinished:
		return "finished"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// MarshalJSON encodes the status as its integer wire value so API consumers
// see the same numeric codes the persisted schema uses.
func (s Status) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Itoa(int(s))), nil
}

// UnmarshalJSON accepts either the integer wire value or the lowercase name.
func (s *Status) UnmarshalJSON(data []byte) error {
	if s == nil {
		return fmt.Errorf("models: cannot decode into nil Status pointer")
	}
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		*s = StatusUnknown
		return nil
	}
	if trimmed[0] == '"' {
		name := strings.Trim(trimmed, `"`)
		parsed, err := ParseStatus(name)
		if err != nil {
			return err
		}
		*s = parsed
		return nil
	}
	value, err := strconv.Atoi(trimmed)
	if err != nil {
		return fmt.Errorf("decode status: %w", err)
	}
	if value < int(StatusUnknown) || value > int(StatusFailed) {
		return fmt.Errorf("invalid status value %d", value)
	}
	*s = Status(value)
	return nil
}

// ParseStatus resolves a lowercase status name to its enum value.
func ParseStatus(name string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "unknown":
		return StatusUnknown, nil
	case "uploading":
		return StatusUploading, nil
	case "processing":
		return StatusProcessing, nil
	case "finished":
		return StatusFinished, nil
	case "failed":
		return StatusFailed, nil
	default:
		return StatusUnknown, fmt.Errorf("invalid status %q", name)
	}
}

// CanTransition reports whether the state machine permits moving from s to
// next. Only the merge path (-> Processing) and the runner outcomes are legal.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusUnknown:
		return next == StatusUploading || next == StatusProcessing
	case StatusUploading:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusFinished || next == StatusFailed
	default:
		return false
	}
}

// Video is the durable record for one ingested asset. URL points at the DASH
// manifest once transcoding finishes; ResolutionVersion preserves the encode
// ladder order because downstream consumers index renditions by position.
type Video struct {
	ID                string         `json:"videoId"`
	Name              string         `json:"videoName"`
	ContentHash       string         `json:"contentHash"`
	Extension         string         `json:"fileExt"`
	URL               string         `json:"videoUrl,omitempty"`
	CoverImgURL       string         `json:"coverImgUrl,omitempty"`
	CourseID          *string        `json:"courseId,omitempty"`
	Status            Status         `json:"status"`
	ResolutionVersion []string       `json:"resolutionVersion,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	Error             string         `json:"error,omitempty"`
	CreatedAt         time.Time      `json:"createdAt"`
	UpdatedAt         time.Time      `json:"lastModifiedAt"`
}

// Rendition describes one rung of the encode ladder: a target resolution such
// as "1920x1080" and the video bitrate passed to the encoder (e.g. "8M").
type Rendition struct {
	Resolution string `json:"resolution"`
	Bitrate    string `json:"bitrate"`
}

// DefaultRenditions is the fixed descending-quality ladder applied to every
// source. Order matters: the persisted resolution list mirrors it.
func DefaultRenditions() []Rendition {
	return []Rendition{
		{Resolution: "1920x1080", Bitrate: "8M"},
		{Resolution: "1280x720", Bitrate: "4.5M"},
		{Resolution: "640x360", Bitrate: "1.5M"},
	}
}

// Phase is a pipeline-emitted annotation stored in the record metadata under
// the "phase" key once processing completes.
type Phase struct {
	Time int64  `json:"time"`
	Text string `json:"text"`
}
