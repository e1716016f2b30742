// Package bootstrap seeds the permission catalog and the built-in roles.
//
// The seed catalog is YAML, compiled in from catalog.yaml and replaceable with
// LoadCatalog. It is run by cmd/campusgate-seed at deployment and by the
// provisioning workers for each new tenant.
package bootstrap
