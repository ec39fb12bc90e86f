package shard

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
)

// Ref identifies one shard. Implementations are small comparable values so
// they can be used as map keys and returned alongside claimed jobs.
type Ref interface {
	comparable
	// Schema is the database schema backing the shard.
	Schema() string
	String() string
}

// Target is anything that names a schema. Every Ref is a Target.
type Target interface {
	Schema() string
}

// Router maps an export owner to its shard and lists every shard in use.
type Router[S Ref] interface {
	Route(tenant, user int) S
	Refs() []S
}

var schemaNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

func validSchemaName(name string) error {
	if len(name) > 63 || !schemaNamePattern.MatchString(name) {
		return fmt.Errorf("invalid schema name %q", name)
	}
	return nil
}

// TenantRef is a shard chosen by tenant id.
type TenantRef struct {
	Slot   int
	schema string
}

// Schema implements Ref.
func (r TenantRef) Schema() string { return r.schema }

func (r TenantRef) String() string { return "tenant:" + strconv.Itoa(r.Slot) }

// TenantRouter spreads tenants over a fixed number of schemas named
// <prefix><slot>, where slot is the tenant id modulo the shard count.
type TenantRouter struct {
	prefix string
	count  int
}

// NewTenantRouter creates a router over count schemas.
func NewTenantRouter(prefix string, count int) (*TenantRouter, error) {
	if count <= 0 {
		return nil, fmt.Errorf("shard count must be positive, got %d", count)
	}
	if err := validSchemaName(prefix + strconv.Itoa(count-1)); err != nil {
		return nil, err
	}
	return &TenantRouter{prefix: prefix, count: count}, nil
}

// Route returns the shard of the tenant. The user does not influence it.
func (r *TenantRouter) Route(tenant, _ int) TenantRef {
	slot := tenant % r.count
	if slot < 0 {
		slot += r.count
	}
	return r.ref(slot)
}

// Refs returns every slot in ascending order.
func (r *TenantRouter) Refs() []TenantRef {
	refs := make([]TenantRef, r.count)
	for i := range refs {
		refs[i] = r.ref(i)
	}
	return refs
}

func (r *TenantRouter) ref(slot int) TenantRef {
	return TenantRef{Slot: slot, schema: r.prefix + strconv.Itoa(slot)}
}

// GroupRef is a shared shard holding every tenant of a group.
type GroupRef struct {
	Group  string
	schema string
}

// Schema implements Ref.
func (r GroupRef) Schema() string { return r.schema }

func (r GroupRef) String() string { return "group:" + r.Group }

// GroupRouter routes tenants to the global schema of their configured group,
// <prefix>global_<group>. Tenants without a configured group use the default.
type GroupRouter struct {
	prefix       string
	groups       map[int]string
	defaultGroup string
}

// NewGroupRouter creates a router from a tenant to group assignment.
func NewGroupRouter(prefix string, tenantGroups map[int]string, defaultGroup string) (*GroupRouter, error) {
	if defaultGroup == "" {
		return nil, fmt.Errorf("default group must be set")
	}
	groups := make(map[int]string, len(tenantGroups))
	for tenant, group := range tenantGroups {
		if group == "" {
			group = defaultGroup
		}
		groups[tenant] = group
	}

	r := &GroupRouter{prefix: prefix, groups: groups, defaultGroup: defaultGroup}
	for _, ref := range r.Refs() {
		if err := validSchemaName(ref.schema); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// ParseTenantGroups converts a configuration map keyed by tenant id strings.
func ParseTenantGroups(raw map[string]string) (map[int]string, error) {
	groups := make(map[int]string, len(raw))
	for k, v := range raw {
		tenant, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("invalid tenant id %q in tenant groups: %w", k, err)
		}
		groups[tenant] = v
	}
	return groups, nil
}

// Route returns the shard of the tenant's group.
func (r *GroupRouter) Route(tenant, _ int) GroupRef {
	group, ok := r.groups[tenant]
	if !ok {
		group = r.defaultGroup
	}
	return r.ref(group)
}

// Refs returns the default group first, then the configured groups by name.
func (r *GroupRouter) Refs() []GroupRef {
	seen := map[string]struct{}{r.defaultGroup: {}}
	var names []string
	for _, g := range r.groups {
		if _, ok := seen[g]; ok {
			continue
		}
		seen[g] = struct{}{}
		names = append(names, g)
	}
	sort.Strings(names)

	refs := make([]GroupRef, 0, len(names)+1)
	refs = append(refs, r.ref(r.defaultGroup))
	for _, g := range names {
		refs = append(refs, r.ref(g))
	}
	return refs
}

func (r *GroupRouter) ref(group string) GroupRef {
	return GroupRef{Group: group, schema: r.prefix + "global_" + group}
}
