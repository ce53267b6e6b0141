package store

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"

	"github.com/hed1ad/herdguard/pkg/health"
	"github.com/hed1ad/herdguard/pkg/outbreak"
)

// AlertTypeOutbreak marks alerts raised from outbreak clusters.
const AlertTypeOutbreak = "outbreak"

// Alert is a persisted outbreak cluster. The primary key is the cluster ID,
// so storing the same cluster twice updates one row.
type Alert struct {
	ID string `gorm:"primaryKey;size:36"`

	CreatedAt time.Time
	UpdatedAt time.Time

	LocationID string `gorm:"index;size:128;not null"`
	AlertType  string `gorm:"size:32;not null"`

	// Severity is the level name; SeverityLevel its ordinal for range queries.
	Severity      string `gorm:"size:16;not null"`
	SeverityLevel int    `gorm:"index;not null"`

	Description     string `gorm:"size:512"`
	AffectedCount   int    `gorm:"not null"`
	AvgAnomalyScore float64
	EnsembleScore   float64

	Categories      datatypes.JSONSlice[string]
	Metrics         datatypes.JSONSlice[string]
	TopContributors datatypes.JSONSlice[string]
	Methods         string `gorm:"size:64"`

	StartDate time.Time `gorm:"index;not null"`
	EndDate   time.Time `gorm:"not null"`

	Resolved   bool `gorm:"index;not null;default:false"`
	ResolvedAt *time.Time
}

// TableName implements gorm's tabler.
func (Alert) TableName() string {
	return "outbreak_alerts"
}

// FromCluster converts a cluster into an unresolved alert row.
func FromCluster(c outbreak.Cluster) Alert {
	return Alert{
		ID:              c.ID,
		LocationID:      c.LocationID,
		AlertType:       AlertTypeOutbreak,
		Severity:        c.Severity.String(),
		SeverityLevel:   int(c.Severity),
		Description:     describe(c),
		AffectedCount:   c.AffectedEntities,
		AvgAnomalyScore: c.AvgScore,
		EnsembleScore:   c.EnsembleScore,
		Categories:      datatypes.JSONSlice[string](nonNil(c.Categories)),
		Metrics:         datatypes.JSONSlice[string](nonNil(c.Metrics)),
		TopContributors: datatypes.JSONSlice[string](nonNil(c.TopContributors)),
		Methods:         c.Methods.String(),
		StartDate:       c.Start.UTC(),
		EndDate:         c.End.UTC(),
	}
}

// Cluster converts the alert back into a cluster.
func (a Alert) Cluster() outbreak.Cluster {
	return outbreak.Cluster{
		ID:               a.ID,
		LocationID:       a.LocationID,
		Start:            a.StartDate.UTC(),
		End:              a.EndDate.UTC(),
		AffectedEntities: a.AffectedCount,
		AvgScore:         a.AvgAnomalyScore,
		EnsembleScore:    a.EnsembleScore,
		Categories:       []string(a.Categories),
		Metrics:          []string(a.Metrics),
		Methods:          health.ParseMethod(a.Methods),
		TopContributors:  []string(a.TopContributors),
		Severity:         outbreak.Severity(a.SeverityLevel),
	}
}

func describe(c outbreak.Cluster) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Potential outbreak at %s: %d animals affected between %s and %s",
		c.LocationID, c.AffectedEntities, c.Start.Format("2006-01-02"), c.End.Format("2006-01-02"))
	if len(c.Categories) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(c.Categories, ", "))
	}
	if len(c.Metrics) > 0 {
		fmt.Fprintf(&b, "; abnormal %s", strings.Join(c.Metrics, ", "))
	}
	return b.String()
}

func nonNil(xs []string) []string {
	if xs == nil {
		return []string{}
	}
	return xs
}
