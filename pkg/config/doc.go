// Package config loads provisio workspaces.
//
// A workspace is a directory holding either a CUE package or YAML files.
// It declares connector instances, external resources with their mapping
// items, pull and push profiles, and engine settings:
//
//	name: "corp"
//
//	engine: {
//	    fanOut:      8
//	    storePath:   "state/provisio.db"
//	    policyPaths: ["policies"]
//	    reattempt: schedule: "@every 30s"
//	}
//
//	connectors: ldap: {
//	    bundle: "flatfile"
//	    properties: {
//	        path:     "/srv/export/users.csv"
//	        password: "${LDAP_PASSWORD}"
//	    }
//	    pool: {maxObjects: 4, maxIdle: 2}
//	}
//
//	resources: ldap: {
//	    connector: "ldap"
//	    provisions: [{
//	        anyType:     "USER"
//	        objectClass: "__ACCOUNT__"
//	        items: [
//	            {intAttrName: "username", extAttrName: "uid", connObjectKey: true},
//	            {intAttrName: "email", extAttrName: "mail"},
//	        ]
//	    }]
//	}
//
//	profiles: "ldap-pull": {
//	    direction:      "PULL"
//	    resource:       "ldap"
//	    matchingRule:   "UPDATE"
//	    unmatchingRule: "PROVISION"
//	    correlation: attributes: ["email"]
//	}
//
// Both formats are unified with the built-in #Workspace CUE schema, decoded
// through JSON and checked with validator struct tags and struct-level
// rules. Workspace then converts the decoded form into engine values;
// mapping and Starlark compilation errors surface there as
// ConfigurationErrors.
//
// String connector properties may reference environment variables as
// ${NAME}. They are expanded when instances are built.
package config
