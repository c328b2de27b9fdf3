// Package pulse implements the Pulse gateway stub.
package pulse
