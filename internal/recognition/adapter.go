package recognition

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"
)

// Label is the raw classifier label. Recognizers emit either integer class
// indices (LBPH) or string names, so both decode into the same form.
type Label string

// UnmarshalJSON accepts a JSON number or string.
func (l *Label) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*l = Label(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("label must be string or number: %w", err)
	}
	if i, err := n.Int64(); err == nil {
		*l = Label(strconv.FormatInt(i, 10))
		return nil
	}
	*l = Label(n.String())
	return nil
}

// Box is the optional face bounding box.
type Box struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// Detection is one face region as reported by the recognizer.
type Detection struct {
	Label      Label   `json:"label"`
	Confidence float64 `json:"confidence"`
	Box        *Box    `json:"box,omitempty"`
}

// Recognition is a person recognized above threshold in a single frame.
// Confidence is distance-like: lower is better.
type Recognition struct {
	PersonID   string    `json:"person_id"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
}

// Adapter turns raw detections into a per-frame recognized set.
type Adapter struct {
	dir       Directory
	threshold float64
	log       *slog.Logger
}

// NewAdapter creates an adapter. Detections with confidence above threshold are dropped.
func NewAdapter(dir Directory, threshold float64, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{dir: dir, threshold: threshold, log: logger}
}

// Normalize filters and deduplicates one frame of detections. The result holds
// at most one entry per person, sorted by person id.
func (a *Adapter) Normalize(raw []Detection, ts time.Time) []Recognition {
	best := make(map[string]Recognition, len(raw))
	for _, d := range raw {
		if d.Confidence < 0 || d.Confidence > a.threshold {
			continue
		}
		personID, ok := a.dir.Lookup(d.Label)
		if !ok {
			a.log.Debug("dropping unknown label", "label", string(d.Label), "confidence", d.Confidence)
			continue
		}
		if cur, seen := best[personID]; seen && cur.Confidence <= d.Confidence {
			continue
		}
		best[personID] = Recognition{PersonID: personID, Confidence: d.Confidence, Timestamp: ts}
	}

	out := make([]Recognition, 0, len(best))
	for _, r := range best {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PersonID < out[j].PersonID })
	return out
}
