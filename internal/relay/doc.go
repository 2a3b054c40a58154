// Package relay wires the two peers: each one generates chat messages for
// the other, greets on "hello", moves one token unit on "crypto", and
// reports the source account's balance. The two generators take turns.
package relay
