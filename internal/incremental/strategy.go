// Package incremental decides full versus delta extraction per object.
package incremental

import (
	"context"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/forcevault/forcevault/internal/history"
	"github.com/forcevault/forcevault/internal/models"
	"github.com/forcevault/forcevault/internal/sink"
)

// noTimestampSuffixes catalogs object name suffixes whose objects carry
// no modification timestamp; they always take a full extract.
var noTimestampSuffixes = []string{
	"History",
	"__History",
	"__mdt",
	"Share",
	"__Share",
	"Feed",
	"ChangeEvent",
	"__ChangeEvent",
}

// SupportsLastModifiedDate reports whether the object can serve a delta
// predicate on LastModifiedDate, derived from its name suffix.
func SupportsLastModifiedDate(object string) bool {
	for _, suffix := range noTimestampSuffixes {
		if strings.HasSuffix(object, suffix) {
			return false
		}
	}
	return true
}

// Decision is the per-object extract plan.
type Decision struct {
	Kind  models.RunKind
	Where string // merged predicate, empty for an unfiltered full query
	// Since is the delta lower bound, nil for full extracts.
	Since *time.Time
}

// Strategy applies the incremental rules in order: recreate suppresses
// delta; the no-timestamp catalog suppresses delta; otherwise the sink's
// last-backup timestamp (table sink) or the backup history (file sink)
// provides the lower bound.
type Strategy struct {
	sink        sink.Sink
	history     history.Store
	username    string
	incremental bool
}

// NewStrategy creates the incremental strategy for one run.
func NewStrategy(s sink.Sink, hist history.Store, username string, incremental bool) *Strategy {
	return &Strategy{sink: s, history: hist, username: username, incremental: incremental}
}

// Decide returns the extract plan for one object, merging any
// user-supplied custom WHERE fragment.
func (s *Strategy) Decide(ctx context.Context, object, customWhere string) (*Decision, error) {
	d, err := s.decide(ctx, object)
	if err != nil {
		return nil, err
	}
	d.Where = MergeWhere(d.Where, customWhere)
	return d, nil
}

func (s *Strategy) decide(ctx context.Context, object string) (*Decision, error) {
	full := &Decision{Kind: models.RunKindFull}

	if s.sink.Kind() == models.TargetKindDB && s.sink.RecreateTables() {
		return full, nil
	}
	if !SupportsLastModifiedDate(object) {
		log.WithField("object", object).Debug("Object has no modification timestamp, forcing full extract")
		return full, nil
	}

	var since *time.Time
	var err error
	switch {
	case s.sink.Kind() == models.TargetKindDB:
		since, err = s.sink.LastBackupTimestamp(ctx, object)
		if err != nil {
			return nil, fmt.Errorf("failed to consult sink watermark for %s: %w", object, err)
		}
	case s.incremental && s.history != nil:
		since, err = s.history.LastWatermark(ctx, s.username, object)
		if err != nil {
			return nil, fmt.Errorf("failed to consult backup history for %s: %w", object, err)
		}
	default:
		return full, nil
	}

	if since == nil {
		return full, nil
	}

	utc := since.UTC()
	log.WithFields(log.Fields{
		"object": object,
		"since":  utc.Format(time.RFC3339),
	}).Info("Delta extract selected")

	return &Decision{
		Kind:  models.RunKindIncremental,
		Where: fmt.Sprintf("LastModifiedDate > %s", utc.Format("2006-01-02T15:04:05Z")),
		Since: &utc,
	}, nil
}

// MergeWhere combines the incremental predicate with a user fragment as
// (<incremental>) AND (<custom>). A leading "WHERE " typed by the user is
// stripped.
func MergeWhere(incremental, custom string) string {
	custom = strings.TrimSpace(custom)
	if upper := strings.ToUpper(custom); strings.HasPrefix(upper, "WHERE ") {
		custom = strings.TrimSpace(custom[len("WHERE "):])
	}

	switch {
	case incremental == "" && custom == "":
		return ""
	case incremental == "":
		return custom
	case custom == "":
		return incremental
	default:
		return fmt.Sprintf("(%s) AND (%s)", incremental, custom)
	}
}
