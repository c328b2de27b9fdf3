// Package env implements the Environment gateway.
package env
