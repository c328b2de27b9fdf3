// Package network implements the Network gateway.
package network
