// Package asset maps the kinds declared in [[Asset]] tables (ship renders,
// corporation logos, ...) to cache keys, on-disk paths and origin URLs. The
// HTTP layer resolves every /render/<kind>/<id> request through a Catalog
// before handing the result to the asset cache.
package asset
