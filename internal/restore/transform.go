package restore

import (
	"github.com/forcevault/forcevault/internal/config"
)

// userFields are the audit lookups remapped by the user mapping.
var userFields = map[string]bool{
	"OwnerId":          true,
	"CreatedById":      true,
	"LastModifiedById": true,
}

// Transformer rewrites row values for the target tenant: user ids, record
// type ids, and picklist values whose target counterparts differ.
type Transformer struct {
	cfg *config.TransformConfig

	// column indexes resolved once per CSV header
	userCols      []int
	recordTypeCol int
	picklistByCol map[int]map[string]string
}

// NewTransformer creates a transformer; a nil config transforms nothing.
func NewTransformer(cfg *config.TransformConfig) *Transformer {
	return &Transformer{cfg: cfg, recordTypeCol: -1}
}

// BindHeader resolves the columns the transformer touches. Must be called
// once per CSV before Apply.
func (t *Transformer) BindHeader(header []string) {
	t.userCols = t.userCols[:0]
	t.recordTypeCol = -1
	t.picklistByCol = nil

	if t.cfg == nil {
		return
	}
	for i, col := range header {
		if len(t.cfg.UserMapping) > 0 && userFields[col] {
			t.userCols = append(t.userCols, i)
		}
		if len(t.cfg.RecordTypeMapping) > 0 && col == "RecordTypeId" {
			t.recordTypeCol = i
		}
		if mapping, ok := t.cfg.PicklistMapping[col]; ok && len(mapping) > 0 {
			if t.picklistByCol == nil {
				t.picklistByCol = make(map[int]map[string]string)
			}
			t.picklistByCol[i] = mapping
		}
	}
}

// Apply rewrites one row in place. Values with no mapping entry pass
// through unchanged.
func (t *Transformer) Apply(row []string) {
	if t.cfg == nil {
		return
	}
	for _, i := range t.userCols {
		if i < len(row) {
			if mapped, ok := t.cfg.UserMapping[row[i]]; ok {
				row[i] = mapped
			}
		}
	}
	if t.recordTypeCol >= 0 && t.recordTypeCol < len(row) {
		if mapped, ok := t.cfg.RecordTypeMapping[row[t.recordTypeCol]]; ok {
			row[t.recordTypeCol] = mapped
		}
	}
	for i, mapping := range t.picklistByCol {
		if i < len(row) {
			if mapped, ok := mapping[row[i]]; ok {
				row[i] = mapped
			}
		}
	}
}
