// Package relationships discovers child relationships, builds related-record
// predicates, and supplies dependency edges for restore ordering.
package relationships

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/forcevault/forcevault/internal/models"
)

// maxIDsPerClause bounds one IN list so the predicate stays under the
// backend's clause-size limit.
const maxIDsPerClause = 500

// priorityObjects is the allow-list of child objects most commonly useful
// to include. Advisory only; it never affects correctness.
var priorityObjects = map[string]bool{
	"Contact":             true,
	"Opportunity":         true,
	"Case":                true,
	"Task":                true,
	"Event":               true,
	"Note":                true,
	"Attachment":          true,
	"Lead":                true,
	"Campaign":            true,
	"CampaignMember":      true,
	"OpportunityLineItem": true,
	"CaseComment":         true,
	"ContentDocumentLink": true,
}

// IsPriority reports whether the object is on the priority allow-list.
func IsPriority(object string) bool {
	return priorityObjects[object]
}

// Describer supplies object descriptors; satisfied by the describe cache.
type Describer interface {
	DescribeObject(ctx context.Context, name string) (*models.ObjectDescriptor, error)
}

// Counter runs COUNT-shaped queries for preview displays.
type Counter interface {
	CountQuery(ctx context.Context, soql string) (int64, error)
}

// Tree is the discovered child-relationship tree for one parent.
type Tree struct {
	Root  string
	Nodes []models.Relationship
}

// Analyzer discovers and caches child relationships keyed by parent.
type Analyzer struct {
	describer Describer
	counter   Counter

	mu    sync.RWMutex
	cache map[string][]models.Relationship
}

// NewAnalyzer creates a relationship analyzer.
func NewAnalyzer(describer Describer, counter Counter) *Analyzer {
	return &Analyzer{
		describer: describer,
		counter:   counter,
		cache:     make(map[string][]models.Relationship),
	}
}

// children returns the direct child relationships of a parent, cached.
func (a *Analyzer) children(ctx context.Context, parent string) ([]models.Relationship, error) {
	a.mu.RLock()
	cached, ok := a.cache[parent]
	a.mu.RUnlock()
	if ok {
		return cached, nil
	}

	desc, err := a.describer.DescribeObject(ctx, parent)
	if err != nil {
		return nil, fmt.Errorf("failed to discover children of %s: %w", parent, err)
	}

	rels := make([]models.Relationship, 0, len(desc.ChildRelationships))
	for _, cr := range desc.ChildRelationships {
		if cr.ChildObject == "" || cr.Field == "" {
			continue
		}
		rels = append(rels, models.Relationship{
			ParentObject:     parent,
			ChildObject:      cr.ChildObject,
			ParentField:      cr.Field,
			RelationshipName: cr.RelationshipName,
			Priority:         IsPriority(cr.ChildObject),
		})
	}

	// Deterministic order: repeated discovery of an unchanged schema
	// yields identical trees.
	sort.Slice(rels, func(i, j int) bool {
		if rels[i].ChildObject != rels[j].ChildObject {
			return rels[i].ChildObject < rels[j].ChildObject
		}
		return rels[i].ParentField < rels[j].ParentField
	})

	a.mu.Lock()
	a.cache[parent] = rels
	a.mu.Unlock()
	return rels, nil
}

// BuildTree walks child relationships breadth-first down to maxDepth.
// Nodes are unique on (childObject, parentField); a child reached at two
// depths keeps its shallowest occurrence.
func (a *Analyzer) BuildTree(ctx context.Context, parent string, maxDepth int) (*Tree, error) {
	if maxDepth < 1 {
		return nil, fmt.Errorf("max depth must be at least 1, got %d", maxDepth)
	}

	tree := &Tree{Root: parent}
	seen := map[string]bool{}
	visited := map[string]bool{parent: true}
	frontier := []string{parent}

	for depth := 1; depth <= maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, obj := range frontier {
			rels, err := a.children(ctx, obj)
			if err != nil {
				return nil, err
			}
			for _, rel := range rels {
				key := rel.ChildObject + "\x00" + rel.ParentField
				if seen[key] {
					continue
				}
				seen[key] = true

				rel.Depth = depth
				tree.Nodes = append(tree.Nodes, rel)

				if !visited[rel.ChildObject] {
					visited[rel.ChildObject] = true
					next = append(next, rel.ChildObject)
				}
			}
		}
		frontier = next
	}

	log.WithFields(log.Fields{
		"parent":    parent,
		"max_depth": maxDepth,
		"nodes":     len(tree.Nodes),
	}).Debug("Relationship tree built")

	return tree, nil
}

// RequiredLookups returns the lookup fields on an object and the parents
// they reference, used by the restore engine to order objects.
func (a *Analyzer) RequiredLookups(ctx context.Context, object string) (map[string][]string, error) {
	desc, err := a.describer.DescribeObject(ctx, object)
	if err != nil {
		return nil, fmt.Errorf("failed to describe %s: %w", object, err)
	}

	lookups := make(map[string][]string)
	for i := range desc.Fields {
		f := &desc.Fields[i]
		if f.IsReference() {
			lookups[f.Name] = f.ReferenceTo
		}
	}
	return lookups, nil
}

// ExtractIds reads the Id column of <destRoot>/<parent>.csv.
func ExtractIds(parent, destRoot string) ([]string, error) {
	path := filepath.Join(destRoot, parent+".csv")
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	header, err := r.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header of %s: %w", path, err)
	}

	idIdx := -1
	for i, col := range header {
		if col == "Id" {
			idIdx = i
			break
		}
	}
	if idIdx < 0 {
		return nil, fmt.Errorf("no Id column in %s", path)
	}

	var ids []string
	for {
		record, err := r.Read()
		if err == io.EOF {
			return ids, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		if idIdx < len(record) && record[idIdx] != "" {
			ids = append(ids, record[idIdx])
		}
	}
}

// BuildWhereMultiField builds the related-record predicate
// (f1 IN (...)) OR (f2 IN (...)), chunking each id list under the
// backend's clause-size limit.
func BuildWhereMultiField(fields []string, ids []string) string {
	if len(fields) == 0 || len(ids) == 0 {
		return ""
	}

	var perField []string
	for _, field := range fields {
		var chunks []string
		for start := 0; start < len(ids); start += maxIDsPerClause {
			end := start + maxIDsPerClause
			if end > len(ids) {
				end = len(ids)
			}
			quoted := make([]string, 0, end-start)
			for _, id := range ids[start:end] {
				quoted = append(quoted, "'"+strings.ReplaceAll(id, "'", "\\'")+"'")
			}
			chunks = append(chunks, fmt.Sprintf("%s IN (%s)", field, strings.Join(quoted, ",")))
		}
		perField = append(perField, "("+strings.Join(chunks, " OR ")+")")
	}

	return strings.Join(perField, " OR ")
}

// CountRelated counts the child records reachable through one lookup
// field. Preview display only.
func (a *Analyzer) CountRelated(ctx context.Context, child, parentField string, ids []string) (int64, error) {
	if a.counter == nil {
		return 0, fmt.Errorf("no counter available")
	}
	where := BuildWhereMultiField([]string{parentField}, ids)
	if where == "" {
		return 0, nil
	}
	soql := fmt.Sprintf("SELECT COUNT() FROM %s WHERE %s", child, where)
	return a.counter.CountQuery(ctx, soql)
}
