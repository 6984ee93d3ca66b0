package models

import "time"

// ClusterStatus tracks where a cluster is in its lifecycle.
type ClusterStatus string

const (
	ClusterIdentified ClusterStatus = "identified"
	ClusterMonitoring ClusterStatus = "monitoring"
	ClusterResolved   ClusterStatus = "resolved"
)

// Cluster groups raw errors sharing an identical or highly similar normalized form.
type Cluster struct {
	ID                 string        `json:"id"`
	Signature          string        `json:"signature"`
	RepresentativeText string        `json:"representative_text"`
	NormalizedText     string        `json:"normalized_text"`
	KeyFrames          []string      `json:"key_frames,omitempty"`
	ExceptionType      string        `json:"exception_type,omitempty"`
	Source             string        `json:"source,omitempty"`
	StatusCode         int           `json:"status_code,omitempty"`
	ErrorIDs           []string      `json:"error_ids"`
	OccurrenceCount    int           `json:"occurrence_count"`
	FirstSeen          time.Time     `json:"first_seen"`
	LastSeen           time.Time     `json:"last_seen"`
	AffectedUsers      []string      `json:"affected_users,omitempty"`
	AffectedEndpoints  []string      `json:"affected_endpoints,omitempty"`
	Severity           Severity      `json:"severity"`
	Status             ClusterStatus `json:"status"`
	Confidence         float64       `json:"confidence"`
	PatternID          string        `json:"pattern_id,omitempty"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// Attach records err as a member of the cluster. The occurrence count always
// equals the number of member ids; attaching the same id twice is a no-op.
func (c *Cluster) Attach(err *RawError) bool {
	if err == nil || contains(c.ErrorIDs, err.ID) {
		return false
	}
	c.AddMember(err)
	return true
}

// AddMember records err without checking for an existing member. Callers
// that track membership in a set use it to skip the linear scan in Attach.
func (c *Cluster) AddMember(err *RawError) {
	c.ErrorIDs = append(c.ErrorIDs, err.ID)
	c.OccurrenceCount = len(c.ErrorIDs)
	if c.FirstSeen.IsZero() || err.Timestamp.Before(c.FirstSeen) {
		c.FirstSeen = err.Timestamp
	}
	if err.Timestamp.After(c.LastSeen) {
		c.LastSeen = err.Timestamp
	}
	c.AffectedUsers = AppendUnique(c.AffectedUsers, err.UserID)
	c.AffectedEndpoints = AppendUnique(c.AffectedEndpoints, err.Endpoint)
	if err.Severity.Rank() > c.Severity.Rank() {
		c.Severity = err.Severity
	}
	err.ClusterID = c.ID
}

// Absorb folds another cluster's membership into c.
func (c *Cluster) Absorb(other Cluster) {
	for _, id := range other.ErrorIDs {
		if !contains(c.ErrorIDs, id) {
			c.ErrorIDs = append(c.ErrorIDs, id)
		}
	}
	c.OccurrenceCount = len(c.ErrorIDs)
	if !other.FirstSeen.IsZero() && (c.FirstSeen.IsZero() || other.FirstSeen.Before(c.FirstSeen)) {
		c.FirstSeen = other.FirstSeen
	}
	if other.LastSeen.After(c.LastSeen) {
		c.LastSeen = other.LastSeen
	}
	c.AffectedUsers = AppendUnique(c.AffectedUsers, other.AffectedUsers...)
	c.AffectedEndpoints = AppendUnique(c.AffectedEndpoints, other.AffectedEndpoints...)
	if other.Severity.Rank() > c.Severity.Rank() {
		c.Severity = other.Severity
	}
	if c.PatternID == "" {
		c.PatternID = other.PatternID
	}
}

// AssignOutcome tags how the clusterer placed an error.
type AssignOutcome string

const (
	OutcomeAttachedExisting AssignOutcome = "attached_existing"
	OutcomeCreatedNew       AssignOutcome = "created_new"
	OutcomeMergedDuplicate  AssignOutcome = "merged_duplicate"
)

// Assignment is the result of placing one error.
type Assignment struct {
	Cluster    Cluster       `json:"cluster"`
	Outcome    AssignOutcome `json:"outcome"`
	Similarity float64       `json:"similarity"`
	Exact      bool          `json:"exact"`
}

// ClusterFilter narrows cluster listings.
type ClusterFilter struct {
	Unassigned bool
	Status     ClusterStatus
	Since      time.Time
	Limit      int
}

// AppendUnique appends non-empty values not already present.
func AppendUnique(dst []string, values ...string) []string {
	for _, v := range values {
		if v == "" || contains(dst, v) {
			continue
		}
		dst = append(dst, v)
	}
	return dst
}

func contains(values []string, v string) bool {
	for _, existing := range values {
		if existing == v {
			return true
		}
	}
	return false
}
