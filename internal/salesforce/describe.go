package salesforce

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/forcevault/forcevault/internal/models"
)

// GlobalObject is one entry from describeGlobal.
type GlobalObject struct {
	Name      string `json:"name"`
	Label     string `json:"label"`
	Queryable bool   `json:"queryable"`
}

// DescribeCache wraps a Client with a per-session describe cache.
// Repeated describes of an unchanged schema return identical descriptors.
type DescribeCache struct {
	client *Client

	mu      sync.RWMutex
	objects map[string]*models.ObjectDescriptor
	global  []GlobalObject
}

// NewDescribeCache creates a describe cache over the given client.
func NewDescribeCache(client *Client) *DescribeCache {
	return &DescribeCache{
		client:  client,
		objects: make(map[string]*models.ObjectDescriptor),
	}
}

// DescribeGlobal lists all objects in the tenant, cached per session.
func (d *DescribeCache) DescribeGlobal(ctx context.Context) ([]GlobalObject, error) {
	d.mu.RLock()
	cached := d.global
	d.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	var result struct {
		SObjects []GlobalObject `json:"sobjects"`
	}
	if err := d.client.doJSON(ctx, http.MethodGet, d.client.dataPath("sobjects"), nil, &result); err != nil {
		return nil, fmt.Errorf("describeGlobal failed: %w", err)
	}

	d.mu.Lock()
	d.global = result.SObjects
	d.mu.Unlock()

	log.WithField("object_count", len(result.SObjects)).Debug("describeGlobal completed")
	return result.SObjects, nil
}

// DescribeObject returns the full descriptor for one object, cached per session.
func (d *DescribeCache) DescribeObject(ctx context.Context, name string) (*models.ObjectDescriptor, error) {
	d.mu.RLock()
	desc, ok := d.objects[name]
	d.mu.RUnlock()
	if ok {
		return desc, nil
	}

	var result models.ObjectDescriptor
	path := d.client.dataPath("sobjects", name, "describe")
	if err := d.client.doJSON(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, fmt.Errorf("describe of %s failed: %w", name, err)
	}

	d.mu.Lock()
	d.objects[name] = &result
	d.mu.Unlock()

	log.WithFields(log.Fields{
		"object":        name,
		"fields":        len(result.Fields),
		"relationships": len(result.ChildRelationships),
	}).Debug("describeSObject completed")

	return &result, nil
}
