package restore

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/forcevault/forcevault/internal/config"
)

func TestTransformerRemapsValues(t *testing.T) {
	tr := NewTransformer(&config.TransformConfig{
		UserMapping:       map[string]string{"005OLD": "005NEW"},
		RecordTypeMapping: map[string]string{"012OLD": "012NEW"},
		PicklistMapping: map[string]map[string]string{
			"Status": {"Old Value": "New Value"},
		},
	})

	header := []string{"Id", "OwnerId", "CreatedById", "RecordTypeId", "Status", "Name"}
	tr.BindHeader(header)

	row := []string{"001A", "005OLD", "005OLD", "012OLD", "Old Value", "Acme"}
	tr.Apply(row)

	assert.Equal(t, []string{"001A", "005NEW", "005NEW", "012NEW", "New Value", "Acme"}, row)
}

func TestTransformerPassesUnmappedValuesThrough(t *testing.T) {
	tr := NewTransformer(&config.TransformConfig{
		UserMapping: map[string]string{"005OLD": "005NEW"},
	})
	tr.BindHeader([]string{"OwnerId", "Name"})

	row := []string{"005OTHER", "Acme"}
	tr.Apply(row)
	assert.Equal(t, []string{"005OTHER", "Acme"}, row)
}

func TestTransformerNilConfigIsNoop(t *testing.T) {
	tr := NewTransformer(nil)
	tr.BindHeader([]string{"OwnerId"})

	row := []string{"005OLD"}
	tr.Apply(row)
	assert.Equal(t, []string{"005OLD"}, row)
}

func TestTransformerRebindsPerHeader(t *testing.T) {
	tr := NewTransformer(&config.TransformConfig{
		UserMapping: map[string]string{"005OLD": "005NEW"},
	})

	tr.BindHeader([]string{"OwnerId"})
	row := []string{"005OLD"}
	tr.Apply(row)
	assert.Equal(t, "005NEW", row[0])

	// A header without user columns must not touch the same position.
	tr.BindHeader([]string{"Name"})
	row = []string{"005OLD"}
	tr.Apply(row)
	assert.Equal(t, "005OLD", row[0])
}
