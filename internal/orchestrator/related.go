package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/forcevault/forcevault/internal/models"
	"github.com/forcevault/forcevault/internal/relationships"
)

// relationshipManifest documents which related objects were pulled in and
// through which lookup fields, so a later restore can rebuild the links.
type relationshipManifest struct {
	Parents             []string             `json:"parents"`
	RelatedObjects      []relatedObjectEntry `json:"relatedObjects"`
	Depth               int                  `json:"depth"`
	GeneratedAt         string               `json:"generatedAt"`
	RestoreInstructions string               `json:"restoreInstructions"`
}

type relatedObjectEntry struct {
	Object       string `json:"object"`
	ParentObject string `json:"parentObject"`
	ParentField  string `json:"parentField"`
	Depth        int    `json:"depth"`
}

// fieldManifest captures the field metadata a restore needs to rebuild
// relationships: lookup targets, external ids, and record types.
type fieldManifest struct {
	GeneratedAt string                       `json:"generatedAt"`
	Objects     map[string]fieldManifestItem `json:"objects"`
}

type fieldManifestItem struct {
	Lookups     map[string][]string `json:"lookups,omitempty"`     // field -> referenced parents
	ExternalIDs []string            `json:"externalIds,omitempty"` // fields flagged as external ids
	RecordTypes map[string]string   `json:"recordTypes,omitempty"` // developer name -> record type id
}

// runRelatedPass discovers and backs up child records of the completed
// parents. It runs only for limited backups; an unlimited backup of the
// parent already carries every child a filter could reach.
func (o *Orchestrator) runRelatedPass(ctx context.Context, parents []*models.ObjectTask, runID string, runStart time.Time) error {
	nodes, err := o.collectRelatedNodes(ctx, parents)
	if err != nil {
		return err
	}
	if len(nodes) == 0 {
		return nil
	}

	log.WithFields(log.Fields{
		"related_objects": len(nodes),
		"depth":           o.opts.RelationshipDepth,
	}).Info("Starting related-records pass")

	// Depth order matters: a depth-2 predicate reads ids from the
	// depth-1 child's CSV, which must exist first.
	byDepth := map[int][]models.Relationship{}
	maxDepth := 0
	for _, n := range nodes {
		byDepth[n.Depth] = append(byDepth[n.Depth], n)
		if n.Depth > maxDepth {
			maxDepth = n.Depth
		}
	}

	for depth := 1; depth <= maxDepth; depth++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		tasks := o.buildRelatedTasks(byDepth[depth])
		for _, task := range tasks {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			o.mu.Lock()
			o.total++
			o.mu.Unlock()
			o.runTask(ctx, task, runID, runStart)
		}
	}
	return nil
}

// collectRelatedNodes builds the relationship trees of every completed
// parent and merges them, unique on (child, parentField, parentObject),
// filtered by the priority list or the user's explicit selection.
func (o *Orchestrator) collectRelatedNodes(ctx context.Context, parents []*models.ObjectTask) ([]models.Relationship, error) {
	selected := map[string]bool{}
	for _, sel := range o.opts.RelatedSelection {
		selected[sel.ChildObject+"\x00"+sel.ParentField] = true
	}

	var nodes []models.Relationship
	seen := map[string]bool{}
	for _, parent := range parents {
		if parent.Status != models.TaskStatusCompleted || parent.Records == 0 {
			continue
		}
		tree, err := o.analyzer.BuildTree(ctx, parent.ObjectName, o.opts.RelationshipDepth)
		if err != nil {
			return nil, fmt.Errorf("failed to analyze relationships of %s: %w", parent.ObjectName, err)
		}
		for _, rel := range tree.Nodes {
			if len(selected) > 0 {
				if !selected[rel.ChildObject+"\x00"+rel.ParentField] {
					continue
				}
			} else if o.opts.PriorityOnly && !rel.Priority {
				continue
			}
			key := rel.ChildObject + "\x00" + rel.ParentField + "\x00" + rel.ParentObject
			if seen[key] {
				continue
			}
			seen[key] = true
			nodes = append(nodes, rel)
		}
	}
	return nodes, nil
}

// buildRelatedTasks groups one depth's relationship edges by child object
// and builds a single ObjectTask per child, its predicate the OR of every
// lookup field's chunked id list. Children already backed up are skipped.
func (o *Orchestrator) buildRelatedTasks(nodes []models.Relationship) []*models.ObjectTask {
	type fieldIDs struct {
		field string
		ids   []string
	}
	grouped := map[string][]fieldIDs{}
	var order []string

	for _, rel := range nodes {
		if o.alreadyBackedUp(rel.ChildObject) {
			continue
		}
		ids, err := relationships.ExtractIds(rel.ParentObject, o.opts.OutputRoot)
		if err != nil || len(ids) == 0 {
			if err != nil {
				log.WithError(err).WithFields(log.Fields{
					"parent": rel.ParentObject,
					"child":  rel.ChildObject,
				}).Warn("No parent ids available for related extract")
			}
			continue
		}
		if _, ok := grouped[rel.ChildObject]; !ok {
			order = append(order, rel.ChildObject)
		}
		grouped[rel.ChildObject] = append(grouped[rel.ChildObject], fieldIDs{field: rel.ParentField, ids: ids})
	}
	sort.Strings(order)

	var tasks []*models.ObjectTask
	for _, child := range order {
		var clauses []string
		for _, fi := range grouped[child] {
			if clause := relationships.BuildWhereMultiField([]string{fi.field}, fi.ids); clause != "" {
				clauses = append(clauses, clause)
			}
		}
		if len(clauses) == 0 {
			continue
		}
		where := clauses[0]
		for _, c := range clauses[1:] {
			where += " OR " + c
		}
		tasks = append(tasks, &models.ObjectTask{
			ObjectName:  child,
			Status:      models.TaskStatusPending,
			WhereClause: where,
			// The predicate already narrows the extract to the backed-up
			// parents; the run's record limit does not apply here.
			RecordLimit: -1,
		})
	}
	return tasks
}

// writeRelationshipManifest emits _relationship_manifest.json next to the
// object CSVs.
func (o *Orchestrator) writeRelationshipManifest(ctx context.Context, parents []*models.ObjectTask) error {
	manifest := relationshipManifest{
		Depth:       o.opts.RelationshipDepth,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		RestoreInstructions: "Restore parents before children. Lookup fields listed per object " +
			"must be remapped from the id mapping produced while restoring the parent.",
	}

	for _, parent := range parents {
		if parent.Status != models.TaskStatusCompleted || parent.Records == 0 {
			continue
		}
		manifest.Parents = append(manifest.Parents, parent.ObjectName)
		tree, err := o.analyzer.BuildTree(ctx, parent.ObjectName, o.opts.RelationshipDepth)
		if err != nil {
			return err
		}
		for _, rel := range tree.Nodes {
			if !o.alreadyBackedUp(rel.ChildObject) {
				continue
			}
			manifest.RelatedObjects = append(manifest.RelatedObjects, relatedObjectEntry{
				Object:       rel.ChildObject,
				ParentObject: rel.ParentObject,
				ParentField:  rel.ParentField,
				Depth:        rel.Depth,
			})
		}
	}
	sort.Strings(manifest.Parents)

	return writeJSON(filepath.Join(o.opts.OutputRoot, "_relationship_manifest.json"), manifest)
}

// writeFieldManifest emits _manifest.json with the per-object field
// metadata consumed when relationships are preserved across a restore.
func (o *Orchestrator) writeFieldManifest(ctx context.Context, parents []*models.ObjectTask) error {
	manifest := fieldManifest{
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Objects:     map[string]fieldManifestItem{},
	}

	o.mu.Lock()
	objects := make([]string, 0, len(o.backedUp))
	for name := range o.backedUp {
		objects = append(objects, name)
	}
	o.mu.Unlock()
	sort.Strings(objects)

	for _, name := range objects {
		desc, err := o.describer.DescribeObject(ctx, name)
		if err != nil {
			log.WithError(err).WithField("object", name).Warn("Skipping object in field manifest")
			continue
		}

		item := fieldManifestItem{Lookups: map[string][]string{}, RecordTypes: map[string]string{}}
		for i := range desc.Fields {
			f := &desc.Fields[i]
			if f.IsReference() {
				item.Lookups[f.Name] = f.ReferenceTo
			}
			if f.ExternalID {
				item.ExternalIDs = append(item.ExternalIDs, f.Name)
			}
		}
		for _, rt := range desc.RecordTypes {
			item.RecordTypes[rt.DeveloperName] = rt.ID
		}
		manifest.Objects[name] = item
	}

	return writeJSON(filepath.Join(o.opts.OutputRoot, "_manifest.json"), manifest)
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return nil
}
