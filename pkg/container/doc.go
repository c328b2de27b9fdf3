// Package container implements the per-container lifecycle state machine
// that sits between the Agent Core and the Container Driver.
package container
