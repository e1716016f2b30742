// Package provisioning creates the built-in roles of new tenants off the
// request path. The tenant handlers enqueue each created tenant; a cron
// schedule reconciles active tenants whose roles are still missing, which also
// covers jobs lost to a full queue or a restart.
package provisioning
