// Package storebuild is the dynamic worker-creation logic of spec.md
// §2 component G and §9's "hierarchy of store prototypes": it walks a
// <store> config block's "type" key and recursively constructs the
// (possibly nested) Store it describes — Buffer{Primary,Secondary},
// Bucket{0..N}, Multi{...} — so the category registry can hand the
// result to a worker queue without knowing any concrete store type.
package storebuild

import (
	"fmt"
	"strconv"

	"github.com/igodwin/scribed/internal/conftree"
	"github.com/igodwin/scribed/internal/connpool"
	"github.com/igodwin/scribed/internal/store"
)

// Builder carries the process-wide collaborators every Network store
// needs (the shared connection pool and the two pluggable target
// resolvers) so stores built anywhere in the tree can reach them
// without a global.
type Builder struct {
	Pool          *connpool.Pool
	ServiceLookup store.ServiceLookup
	DynamicLookup store.DynamicLookup
}

// Build constructs the Store described by node's "type" key for
// category. It is a registry.StoreFactory.
func (b *Builder) Build(node *conftree.Node, category string) (store.Store, error) {
	t, _ := node.Get("type")
	switch t {
	case "", "null":
		return store.NewNullStore(category), nil

	case "file":
		return store.NewFileStore(category), nil

	case "thriftfile":
		return store.NewThriftFileStore(category), nil

	case "network":
		return store.NewNetworkStore(category, b.Pool, b.ServiceLookup, b.DynamicLookup), nil

	case "buffer":
		return b.buildBuffer(node, category)

	case "bucket":
		return b.buildBucket(node, category)

	case "multi":
		return b.buildMulti(node, category)

	default:
		return nil, fmt.Errorf("storebuild: unknown store type %q for category %q", t, category)
	}
}

func (b *Builder) buildBuffer(node *conftree.Node, category string) (store.Store, error) {
	primaryNode, ok := node.Child("primary")
	if !ok {
		return nil, fmt.Errorf("storebuild: buffer store %q missing <primary>", category)
	}
	secondaryNode, ok := node.Child("secondary")
	if !ok {
		return nil, fmt.Errorf("storebuild: buffer store %q missing <secondary>", category)
	}

	primary, err := b.Build(primaryNode, category)
	if err != nil {
		return nil, fmt.Errorf("buffer %q primary: %w", category, err)
	}
	secondaryStore, err := b.Build(secondaryNode, category)
	if err != nil {
		return nil, fmt.Errorf("buffer %q secondary: %w", category, err)
	}
	secondary, ok := secondaryStore.(store.Readable)
	if !ok {
		return nil, fmt.Errorf("buffer %q secondary type %q is not readable", category, secondaryStore.TypeName())
	}
	if br, ok := secondaryStore.(interface{ SetBufferRole(bool) }); ok {
		br.SetBufferRole(true)
	}

	bs := store.NewBufferStore(category, primary, secondary)
	return bs, nil
}

func (b *Builder) buildBucket(node *conftree.Node, category string) (store.Store, error) {
	numBuckets := node.GetInt("num_buckets", 0)

	templateNode, hasTemplate := node.Child("bucket")

	buckets := make([]store.Store, numBuckets)
	for i := 0; i < numBuckets; i++ {
		bnode, ok := node.Child("bucket" + strconv.Itoa(i+1))
		if !ok {
			bnode, ok = templateNode, hasTemplate
		}
		if !ok {
			return nil, fmt.Errorf("storebuild: bucket store %q has no config for bucket %d (need <bucket%d> or a <bucket> template)", category, i+1, i+1)
		}
		child, err := b.Build(bnode, category)
		if err != nil {
			return nil, fmt.Errorf("bucket %q bucket %d: %w", category, i+1, err)
		}
		buckets[i] = child
	}

	var failureBucket store.Store
	if fnode, ok := node.Child("bucket0"); ok {
		child, err := b.Build(fnode, category)
		if err != nil {
			return nil, fmt.Errorf("bucket %q failure bucket: %w", category, err)
		}
		failureBucket = child
	} else if hasTemplate {
		child, err := b.Build(templateNode, category)
		if err != nil {
			return nil, fmt.Errorf("bucket %q failure bucket: %w", category, err)
		}
		failureBucket = child
	}

	return store.NewBucketStore(category, buckets, failureBucket), nil
}

func (b *Builder) buildMulti(node *conftree.Node, category string) (store.Store, error) {
	blocks := node.Children("store")
	if len(blocks) == 0 {
		return nil, fmt.Errorf("storebuild: multi store %q has no child <store> blocks", category)
	}
	children := make([]store.Store, 0, len(blocks))
	for i, blk := range blocks {
		c, err := b.Build(blk, category)
		if err != nil {
			return nil, fmt.Errorf("multi %q child %d: %w", category, i, err)
		}
		children = append(children, c)
	}
	return store.NewMultiStore(category, children), nil
}
