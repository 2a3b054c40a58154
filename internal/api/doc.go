// Package api exposes the operator HTTP surface of the agent pair: health,
// agent snapshots, the transfer journal and manual message injection.
package api
