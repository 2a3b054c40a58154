// Package agent runs message-driven agents: each Agent polls its inbox,
// dispatches messages by type to registered handlers on a fixed worker pool,
// and drives its periodic behaviours on drift-free schedules.
package agent
