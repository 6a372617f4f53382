package consistency

import (
	"strings"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/server/models"
)

// SeenProfile is the part of a scanned profile kept until the identity
// pass.
type SeenProfile struct {
	Email     string     `json:"email,omitempty" bson:"email,omitempty"`
	Verified  bool       `json:"verified" bson:"verified"`
	CreatedAt *time.Time `json:"createdAt,omitempty" bson:"createdAt,omitempty"`
}

// ScanState is the checkpointable progress of a profile scan.
type ScanState struct {
	Cursor    string                 `json:"cursor" bson:"cursor"`
	Scanned   int                    `json:"scanned" bson:"scanned"`
	Truncated bool                   `json:"truncated" bson:"truncated"`
	Profiles  map[string]SeenProfile `json:"profiles" bson:"profiles"`
	Missing   []Record               `json:"missing,omitempty" bson:"missing,omitempty"`
}

// Scan accumulates profile pages. Feed it pages in id order, starting after
// Cursor, then hand it to Checker.Finish.
type Scan struct {
	opts    Options
	state   ScanState
	resumed bool
}

// Resumed reports whether the scan was restored from a checkpoint.
func (s *Scan) Resumed() bool { return s.resumed }

func NewScan(opts Options) *Scan {
	return &Scan{
		opts:  opts,
		state: ScanState{Profiles: map[string]SeenProfile{}},
	}
}

// ResumeScan continues a scan from a checkpoint. Profiles created behind
// the cursor while the scan was stopped are never observed by it.
func ResumeScan(state ScanState, opts Options) *Scan {
	if state.Profiles == nil {
		state.Profiles = map[string]SeenProfile{}
	}
	return &Scan{opts: opts, state: state, resumed: true}
}

func (s *Scan) Cursor() string { return s.state.Cursor }

// State returns a copy safe to persist while the scan goes on.
func (s *Scan) State() ScanState {
	st := s.state
	st.Profiles = make(map[string]SeenProfile, len(s.state.Profiles))
	for id, p := range s.state.Profiles {
		st.Profiles[id] = p
	}
	st.Missing = append([]Record(nil), s.state.Missing...)
	return st
}

// Done reports whether MaxRecordsToScan was reached.
func (s *Scan) Done() bool { return s.state.Truncated }

// NextLimit is the page size to request next. It asks for one profile more
// than the remaining budget so that hitting the limit exactly is not
// mistaken for truncation.
func (s *Scan) NextLimit(pageSize int) int {
	if s.opts.MaxRecordsToScan <= 0 {
		return pageSize
	}
	if r := s.opts.MaxRecordsToScan - s.state.Scanned + 1; r < pageSize {
		return r
	}
	return pageSize
}

// AddProfiles records one page. Profiles past MaxRecordsToScan are dropped
// and mark the scan truncated.
func (s *Scan) AddProfiles(page []*models.Profile) {
	if limit := s.opts.MaxRecordsToScan; limit > 0 && s.state.Scanned+len(page) > limit {
		page = page[:limit-s.state.Scanned]
		s.state.Truncated = true
	}

	for _, p := range page {
		s.state.Profiles[p.ID] = SeenProfile{Email: p.Email, Verified: p.EmailVerified, CreatedAt: p.CreatedAt}
		if missing := MissingFields(p); len(missing) > 0 {
			s.state.Missing = append(s.state.Missing, Record{
				Kind:       MissingRequiredFields,
				IdentityID: p.ID,
				Email:      p.Email,
				Detail:     Detail{MissingFields: missing},
			})
		}
		s.state.Cursor = p.ID
	}
	s.state.Scanned += len(page)
}

// MissingFields lists the absent required fields of p in a fixed order. A
// blank email or name counts as absent.
func MissingFields(p *models.Profile) []string {
	var out []string
	if strings.TrimSpace(p.Email) == "" {
		out = append(out, models.FieldEmail)
	}
	if strings.TrimSpace(p.FullName) == "" {
		out = append(out, models.FieldFullName)
	}
	if p.Role == "" {
		out = append(out, models.FieldRole)
	}
	if p.CreatedAt == nil || p.CreatedAt.IsZero() {
		out = append(out, models.FieldCreatedAt)
	}
	return out
}

// NormalizeEmail is the form under which emails are compared and grouped.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
