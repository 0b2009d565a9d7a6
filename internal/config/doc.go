// Package config loads the composer's YAML configuration.
//
// A configuration file names the composed servers, the name conflict
// resolution policy, the authorization setup, and the database path:
//
//	servers:
//	  filesystem:
//	    transport: stdio
//	    command: ["mcp-server-fs", "--root", "/data"]
//	    restart_policy: on-failure
//	    restart_delay: 5s
//	  search:
//	    transport: sse
//	    url: http://localhost:8901/sse
//	composition:
//	  default_strategy: prefix
//	  overrides:
//	    - pattern: "admin_*"
//	      strategy: error
//	authz:
//	  enabled: true
//	  assignments:
//	    alice: [admin]
//	database:
//	  path: ./data/composer.db
//
// ${VAR_NAME} references anywhere in the file are expanded from the
// environment before parsing; unset variables expand to the empty string.
// Duration fields accept Go duration strings such as "5s" or "2m".
package config
