package relationships

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forcevault/forcevault/internal/models"
)

type fakeDescriber struct {
	descriptors map[string]*models.ObjectDescriptor
	calls       int
}

func (f *fakeDescriber) DescribeObject(ctx context.Context, name string) (*models.ObjectDescriptor, error) {
	f.calls++
	desc, ok := f.descriptors[name]
	if !ok {
		return nil, fmt.Errorf("no such object %s", name)
	}
	return desc, nil
}

func testSchema() *fakeDescriber {
	return &fakeDescriber{descriptors: map[string]*models.ObjectDescriptor{
		"Account": {
			Name: "Account",
			ChildRelationships: []models.ChildRelationship{
				{ChildObject: "Contact", Field: "AccountId"},
				{ChildObject: "Opportunity", Field: "AccountId"},
				{ChildObject: "Case", Field: "AccountId"},
				{ChildObject: "", Field: "Ignored"}, // no child object
			},
		},
		"Contact": {
			Name: "Contact",
			ChildRelationships: []models.ChildRelationship{
				{ChildObject: "Case", Field: "ContactId"},
			},
		},
		"Opportunity": {
			Name: "Opportunity",
			ChildRelationships: []models.ChildRelationship{
				{ChildObject: "OpportunityLineItem", Field: "OpportunityId"},
			},
		},
		"Case":                {Name: "Case"},
		"OpportunityLineItem": {Name: "OpportunityLineItem"},
	}}
}

func TestBuildTreeDepthOne(t *testing.T) {
	a := NewAnalyzer(testSchema(), nil)

	tree, err := a.BuildTree(context.Background(), "Account", 1)
	require.NoError(t, err)
	require.Len(t, tree.Nodes, 3)

	// Deterministic order by child name.
	assert.Equal(t, "Case", tree.Nodes[0].ChildObject)
	assert.Equal(t, "Contact", tree.Nodes[1].ChildObject)
	assert.Equal(t, "Opportunity", tree.Nodes[2].ChildObject)
	for _, n := range tree.Nodes {
		assert.Equal(t, 1, n.Depth)
	}
}

func TestBuildTreeDepthTwoKeepsShallowest(t *testing.T) {
	a := NewAnalyzer(testSchema(), nil)

	tree, err := a.BuildTree(context.Background(), "Account", 2)
	require.NoError(t, err)

	byKey := map[string]int{}
	for _, n := range tree.Nodes {
		byKey[n.ChildObject+"."+n.ParentField] = n.Depth
	}

	// Case is reachable at depth 1 via AccountId and at depth 2 via
	// ContactId; both edges survive as distinct (child, field) nodes.
	assert.Equal(t, 1, byKey["Case.AccountId"])
	assert.Equal(t, 2, byKey["Case.ContactId"])
	assert.Equal(t, 2, byKey["OpportunityLineItem.OpportunityId"])
}

func TestBuildTreeDeterministic(t *testing.T) {
	a := NewAnalyzer(testSchema(), nil)

	first, err := a.BuildTree(context.Background(), "Account", 2)
	require.NoError(t, err)
	second, err := a.BuildTree(context.Background(), "Account", 2)
	require.NoError(t, err)
	assert.Equal(t, first.Nodes, second.Nodes)
}

func TestBuildTreeCachesDescribes(t *testing.T) {
	schema := testSchema()
	a := NewAnalyzer(schema, nil)

	_, err := a.BuildTree(context.Background(), "Account", 1)
	require.NoError(t, err)
	calls := schema.calls

	_, err = a.BuildTree(context.Background(), "Account", 1)
	require.NoError(t, err)
	assert.Equal(t, calls, schema.calls, "second walk must hit the cache")
}

func TestBuildTreeRejectsBadDepth(t *testing.T) {
	a := NewAnalyzer(testSchema(), nil)
	_, err := a.BuildTree(context.Background(), "Account", 0)
	assert.Error(t, err)
}

func TestRequiredLookups(t *testing.T) {
	schema := &fakeDescriber{descriptors: map[string]*models.ObjectDescriptor{
		"Contact": {
			Name: "Contact",
			Fields: []models.FieldDescriptor{
				{Name: "Id", Type: "id"},
				{Name: "AccountId", Type: "reference", ReferenceTo: []string{"Account"}},
				{Name: "OwnerId", Type: "reference", ReferenceTo: []string{"User"}},
				{Name: "LastName", Type: "string"},
			},
		},
	}}
	a := NewAnalyzer(schema, nil)

	lookups, err := a.RequiredLookups(context.Background(), "Contact")
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{
		"AccountId": {"Account"},
		"OwnerId":   {"User"},
	}, lookups)
}

func TestExtractIds(t *testing.T) {
	root := t.TempDir()
	csv := "Name,Id\nAcme,001A\nGlobex,001B\nNoId,\n"
	require.NoError(t, os.WriteFile(filepath.Join(root, "Account.csv"), []byte(csv), 0o644))

	ids, err := ExtractIds("Account", root)
	require.NoError(t, err)
	assert.Equal(t, []string{"001A", "001B"}, ids)
}

func TestExtractIdsMissingColumn(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "Account.csv"), []byte("Name\nAcme\n"), 0o644))

	_, err := ExtractIds("Account", root)
	assert.Error(t, err)
}

func TestBuildWhereMultiField(t *testing.T) {
	where := BuildWhereMultiField([]string{"AccountId", "ReportsToId"}, []string{"001A", "001B"})
	assert.Equal(t, "(AccountId IN ('001A','001B')) OR (ReportsToId IN ('001A','001B'))", where)
}

func TestBuildWhereMultiFieldChunksLargeIdLists(t *testing.T) {
	ids := make([]string, 1001)
	for i := range ids {
		ids[i] = fmt.Sprintf("001%04d", i)
	}

	where := BuildWhereMultiField([]string{"AccountId"}, ids)
	assert.Equal(t, 3, strings.Count(where, "AccountId IN ("), "1001 ids need three 500-id chunks")
	assert.Equal(t, 2, strings.Count(where, ") OR AccountId"), "chunks joined by OR inside the field group")
}

func TestBuildWhereMultiFieldEscapesQuotes(t *testing.T) {
	where := BuildWhereMultiField([]string{"AccountId"}, []string{"0'01"})
	assert.Contains(t, where, `'0\'01'`)
}

func TestBuildWhereMultiFieldEmpty(t *testing.T) {
	assert.Empty(t, BuildWhereMultiField(nil, []string{"001A"}))
	assert.Empty(t, BuildWhereMultiField([]string{"AccountId"}, nil))
}

func TestIsPriority(t *testing.T) {
	assert.True(t, IsPriority("Contact"))
	assert.True(t, IsPriority("OpportunityLineItem"))
	assert.False(t, IsPriority("Account"))
	assert.False(t, IsPriority("CustomThing__c"))
}
