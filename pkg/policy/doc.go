// Package policy evaluates correlation rules written in Rego.
//
// A pull profile that misses on the connObjectKey value asks its correlation
// rule for an attribute query. Rules here are OPA modules defining `query`:
//
//	package provisio.correlation.email
//
//	import rego.v1
//
//	default query := {}
//
//	query := {"email": lower(input.attributes.email)} if {
//		is_string(input.attributes.email)
//	}
//
// The input document is an Input: the any-type, the remote object and the
// internal attributes translated from it. An empty object means the object
// is not correlated.
//
// Rules are loaded from .rego files (named after the file) or .json Policy
// documents. Engine.WatchPaths reloads them on change with fsnotify; a rule
// set that fails to compile is rejected and the previous one stays in force.
package policy
