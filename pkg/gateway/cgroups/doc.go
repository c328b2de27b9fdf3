// Package cgroups implements the Cgroups gateway.
package cgroups
