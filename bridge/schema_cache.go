package bridge

import "sync"

// SchemaCache is the tool registry cache: discovered operation schemas per
// provider. Each provider has its own shard and lock.
type SchemaCache struct {
	mu     sync.RWMutex
	shards map[string]*schemaShard
}

type schemaShard struct {
	mu        sync.RWMutex
	populated bool
	byName    map[string]ToolSchema
	ordered   []ToolSchema
}

// NewSchemaCache creates an empty schema cache.
func NewSchemaCache() *SchemaCache {
	return &SchemaCache{shards: map[string]*schemaShard{}}
}

func (c *SchemaCache) shard(server string) *schemaShard {
	c.mu.RLock()
	shard, ok := c.shards[server]
	c.mu.RUnlock()
	if ok {
		return shard
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if shard, ok := c.shards[server]; ok {
		return shard
	}
	shard = &schemaShard{}
	c.shards[server] = shard
	return shard
}

// Get returns the cached schemas for server and whether discovery has run.
func (c *SchemaCache) Get(server string) ([]ToolSchema, bool) {
	shard := c.shard(server)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	if !shard.populated {
		return nil, false
	}
	return cloneSchemas(shard.ordered), true
}

// Lookup finds one operation. populated is false when discovery has not run
// for server, in which case found is meaningless.
func (c *SchemaCache) Lookup(server, operation string) (schema ToolSchema, found bool, populated bool) {
	shard := c.shard(server)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	if !shard.populated {
		return ToolSchema{}, false, false
	}
	schema, found = shard.byName[operation]
	if found {
		schema = schema.clone()
	}
	return schema, found, true
}

// Put replaces the schemas for server.
func (c *SchemaCache) Put(server string, schemas []ToolSchema) {
	byName := make(map[string]ToolSchema, len(schemas))
	ordered := make([]ToolSchema, 0, len(schemas))
	for _, schema := range schemas {
		if _, dup := byName[schema.Name]; dup {
			continue
		}
		byName[schema.Name] = schema.clone()
		ordered = append(ordered, schema.clone())
	}

	shard := c.shard(server)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	shard.populated = true
	shard.byName = byName
	shard.ordered = ordered
}

// Invalidate forgets the schemas for server so the next session rediscovers.
func (c *SchemaCache) Invalidate(server string) {
	shard := c.shard(server)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	shard.populated = false
	shard.byName = nil
	shard.ordered = nil
}
