// Package gateway provides the lifecycle base every concrete gateway
// embeds and the Set that dispatches and activates them in fixed order.
// Concrete gateways live in sibling packages under pkg/gateway/.
package gateway
